// Package config loads the publichat server configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/GrishaVar/publichat/pkg/protocol"
)

var (
	ErrInvalidConfig = errors.New("invalid config")
)

// Config is the server configuration. Zero values are replaced by defaults
// when loading.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DataDir    string `yaml:"data_dir"`

	// IndexPath is the SQLite room index. Empty disables the index.
	IndexPath string `yaml:"index_path"`

	FetchCount      uint8         `yaml:"fetch_count"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	ClassifyTimeout time.Duration `yaml:"classify_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	LogLevel       string `yaml:"log_level"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	Version        string `yaml:"version"`
}

// Default returns the default server configuration
func Default() *Config {
	return &Config{
		ListenAddr:      ":7070",
		DataDir:         "./data",
		IndexPath:       "./data/rooms.db",
		FetchCount:      protocol.DefaultFetchAmount,
		MaxHeaderBytes:  4096,
		MaxBodyBytes:    4096,
		ClassifyTimeout: 10 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		LogLevel:        "info",
		MetricsEnabled:  true,
		Version:         "dev",
	}
}

// Load reads a YAML file on top of the defaults. A missing path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks value ranges
func (c *Config) Validate() error {
	switch {
	case c.ListenAddr == "":
		return fmt.Errorf("%w: listen_addr is empty", ErrInvalidConfig)
	case c.DataDir == "":
		return fmt.Errorf("%w: data_dir is empty", ErrInvalidConfig)
	case c.FetchCount == 0 || c.FetchCount > protocol.MaxHeadCount:
		return fmt.Errorf("%w: fetch_count must be 1-%d", ErrInvalidConfig, protocol.MaxHeadCount)
	case c.MaxHeaderBytes < 512:
		return fmt.Errorf("%w: max_header_bytes must be at least 512", ErrInvalidConfig)
	case c.MaxBodyBytes <= 0:
		return fmt.Errorf("%w: max_body_bytes must be positive", ErrInvalidConfig)
	case c.ClassifyTimeout <= 0:
		return fmt.Errorf("%w: classify_timeout must be positive", ErrInvalidConfig)
	case c.ShutdownTimeout <= 0:
		return fmt.Errorf("%w: shutdown_timeout must be positive", ErrInvalidConfig)
	}
	return nil
}

// Save writes the configuration as YAML
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
