package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/GrishaVar/publichat/pkg/config"
	"github.com/GrishaVar/publichat/pkg/metrics"
	"github.com/GrishaVar/publichat/pkg/network"
	"github.com/GrishaVar/publichat/pkg/storage"
)

// Set at build time
var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "publichat-server",
		Short: "Encrypted multi-room chat server",
		Long: `publichat-server stores end-to-end encrypted chat messages in one
append-only log per room and serves them over raw TCP ("SMRT") and
WebSocket on a single port.

The server never sees room titles or plaintext: clients address rooms by
a hash of a hash of the title.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd(), initConfigCmd(), versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Error: %s\n", err)
		os.Exit(1)
	}
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════════╗")
	fmt.Println("║               publichat server                    ║")
	fmt.Println("║     encrypted rooms, append-only message logs     ║")
	fmt.Println("╚═══════════════════════════════════════════════════╝")
	fmt.Println()
}

func serveCmd() *cobra.Command {
	var (
		configPath string
		listen     string
		dataDir    string
		indexPath  string
		fetchCount uint8
		logLevel   string
		noMetrics  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		Long: `Run the chat server until interrupted.

Flags override values from the config file.

Examples:
  publichat-server serve
  publichat-server serve --listen :7070 --data ./data
  publichat-server serve --config publichat.yaml --log-level debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("listen") {
				cfg.ListenAddr = listen
			}
			if flags.Changed("data") {
				cfg.DataDir = dataDir
			}
			if flags.Changed("index") {
				cfg.IndexPath = indexPath
			}
			if flags.Changed("fetch-count") {
				cfg.FetchCount = fetchCount
			}
			if flags.Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if noMetrics {
				cfg.MetricsEnabled = false
			}
			if cfg.Version == "" || cfg.Version == config.Default().Version {
				cfg.Version = version
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			return runServer(cfg)
		},
	}

	def := config.Default()
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	cmd.Flags().StringVarP(&listen, "listen", "l", def.ListenAddr, "Address to listen on")
	cmd.Flags().StringVarP(&dataDir, "data", "d", def.DataDir, "Directory holding the room logs")
	cmd.Flags().StringVar(&indexPath, "index", def.IndexPath, "SQLite room index path (empty disables it)")
	cmd.Flags().Uint8Var(&fetchCount, "fetch-count", def.FetchCount, "Records returned for a fetch request")
	cmd.Flags().StringVar(&logLevel, "log-level", def.LogLevel, "Log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&noMetrics, "no-metrics", false, "Disable the /metrics endpoint")

	return cmd
}

func runServer(cfg *config.Config) error {
	printBanner()

	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.NewChatStore(cfg.DataDir)
	if err != nil {
		return err
	}
	logger.WithField("dir", store.Dir()).Info("📁 Room logs ready")

	var index *storage.RoomIndex
	if cfg.IndexPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.IndexPath), 0o755); err != nil {
			return fmt.Errorf("failed to create index directory: %w", err)
		}
		index, err = storage.NewRoomIndex(cfg.IndexPath)
		if err != nil {
			return err
		}
		defer index.Close()
		logger.WithField("path", cfg.IndexPath).Info("🗂️  Room index ready")
	}

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New()
	}

	server, err := network.NewServer(network.ServerConfig{
		Config:  cfg,
		Store:   store,
		Index:   index,
		Metrics: m,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Start(); err != nil {
		return err
	}

	fmt.Println()
	fmt.Println("✅ Server is ready!")
	fmt.Println()
	fmt.Println("Endpoints:")
	fmt.Printf("  SMRT   tcp://%s\n", server.Addr())
	fmt.Printf("  WS     ws://%s/ws\n", server.Addr())
	fmt.Printf("  GET    http://%s/health\n", server.Addr())
	fmt.Printf("  GET    http://%s/api/v1/rooms\n", server.Addr())
	if m != nil {
		fmt.Printf("  GET    http://%s/metrics\n", server.Addr())
	}
	fmt.Println()

	<-ctx.Done()
	fmt.Println("\n🛑 Shutting down...")

	if err := server.Stop(); err != nil {
		logger.WithError(err).Warn("⚠️  Unclean shutdown")
	}

	fmt.Println("👋 Goodbye!")
	return nil
}

func initConfigCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init-config [path]",
		Short: "Write a config file with the default values",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "publichat.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}

			if err := config.Default().Save(path); err != nil {
				return err
			}
			fmt.Printf("✓ Wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("publichat-server %s\n", version)
		},
	}
}
