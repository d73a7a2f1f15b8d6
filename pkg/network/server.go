package network

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/GrishaVar/publichat/pkg/config"
	"github.com/GrishaVar/publichat/pkg/metrics"
	"github.com/GrishaVar/publichat/pkg/protocol"
	"github.com/GrishaVar/publichat/pkg/storage"
	"github.com/GrishaVar/publichat/pkg/transport"
)

var (
	ErrServerRunning = errors.New("server already running")
	ErrServerStopped = errors.New("server not running")
)

// ServerConfig holds everything a Server needs
type ServerConfig struct {
	Config  *config.Config
	Store   *storage.ChatStore
	Index   *storage.RoomIndex // optional
	Metrics *metrics.Metrics   // optional
	Logger  *logrus.Logger
	Now     func() time.Time
}

// Server accepts TCP connections on one port and routes them by their first
// four bytes: "SMRT" runs the dispatcher directly, "GET " goes to the HTTP
// router, anything else is closed.
type Server struct {
	cfg        *config.Config
	store      *storage.ChatStore
	index      *storage.RoomIndex
	metrics    *metrics.Metrics
	logger     *logrus.Logger
	dispatcher *Dispatcher

	router     *gin.Engine
	httpServer *http.Server
	httpConns  *connListener

	listener  net.Listener
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time

	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	running bool
	wg      sync.WaitGroup
}

// NewServer creates a server. Nothing listens until Start.
func NewServer(sc ServerConfig) (*Server, error) {
	cfg := sc.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sc.Store == nil {
		return nil, fmt.Errorf("%w: no chat store", config.ErrInvalidConfig)
	}

	logger := sc.Logger
	if logger == nil {
		logger = logrus.New()
	}

	s := &Server{
		cfg:     cfg,
		store:   sc.Store,
		index:   sc.Index,
		metrics: sc.Metrics,
		logger:  logger,
		conns:   make(map[net.Conn]struct{}),
		dispatcher: NewDispatcher(DispatcherConfig{
			Store:      sc.Store,
			Index:      sc.Index,
			Metrics:    sc.Metrics,
			Logger:     logger,
			FetchCount: cfg.FetchCount,
			Now:        sc.Now,
		}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.startTime = time.Now()
	s.router = s.setupRouter()

	return s, nil
}

// Handler returns the HTTP router, for serving it without the TCP front
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and starts accepting connections
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(listener)
}

// Serve starts accepting connections from listener and returns immediately
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		listener.Close()
		return ErrServerRunning
	}

	s.listener = listener
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.httpConns = newConnListener(listener.Addr())
	s.httpServer = &http.Server{
		Handler:           s.router,
		MaxHeaderBytes:    s.cfg.MaxHeaderBytes,
		ReadHeaderTimeout: s.cfg.ClassifyTimeout,
	}
	s.startTime = time.Now()
	s.running = true

	s.wg.Add(2)
	go s.acceptLoop()
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(s.httpConns); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("❌ HTTP server stopped")
		}
	}()

	s.logger.WithField("addr", listener.Addr().String()).Info("🚀 publichat server listening")
	return nil
}

// Addr returns the listening address, nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener, shuts the HTTP side down and closes every open
// connection, then waits for the handlers to return.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrServerStopped
	}
	s.running = false
	s.cancel()
	s.listener.Close()

	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	// Shutdown also closes httpConns
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	err := s.httpServer.Shutdown(ctx)

	s.wg.Wait()
	s.logger.Info("🛑 publichat server stopped")
	return err
}

// Run starts the server and blocks until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.WithError(err).Warn("⚠️  Accept failed")
			time.Sleep(50 * time.Millisecond)
			continue
		}

		if !s.track(conn) {
			conn.Close()
			return
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// track registers conn so Stop can close it. It reports false once the
// server is stopping.
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()

	id := uuid.NewString()
	log := s.logger.WithFields(logrus.Fields{
		"conn":   id,
		"remote": conn.RemoteAddr().String(),
	})

	handedOff := false
	defer func() {
		if !handedOff {
			conn.Close()
			s.untrack(conn)
		}
	}()

	conn.SetReadDeadline(time.Now().Add(s.cfg.ClassifyTimeout))
	reader := bufio.NewReader(conn)

	prefix, err := reader.Peek(len(protocol.PrefixSMRT))
	if err != nil {
		log.WithError(err).Debug("Connection closed before classification")
		return
	}

	switch {
	case bytes.Equal(prefix, protocol.PrefixHTTP[:]):
		bc := &bufferedConn{Conn: conn, reader: reader, onClose: func() { s.untrack(conn) }}
		if err := s.httpConns.push(bc); err != nil {
			return
		}
		handedOff = true

	case bytes.Equal(prefix, protocol.PrefixSMRT[:]):
		reader.Discard(len(protocol.PrefixSMRT))
		conn.SetReadDeadline(time.Time{})

		stream := transport.NewRaw(readWriter{reader, conn})
		if err := s.dispatcher.Serve(WithConnID(s.ctx, id), stream); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Debug("Raw connection ended")
		}

	default:
		s.metrics.Rejected()
		log.WithField("prefix", fmt.Sprintf("%q", prefix)).Debug("Rejected connection with unknown prefix")
	}
}

type readWriter struct {
	io.Reader
	io.Writer
}

// bufferedConn replays the bytes peeked during classification
type bufferedConn struct {
	net.Conn
	reader  *bufio.Reader
	once    sync.Once
	onClose func()
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

func (c *bufferedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.onClose)
	return err
}

// connListener feeds classified HTTP connections to http.Server
type connListener struct {
	addr  net.Addr
	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
}

func newConnListener(addr net.Addr) *connListener {
	return &connListener{
		addr:  addr,
		conns: make(chan net.Conn),
		done:  make(chan struct{}),
	}
}

func (l *connListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *connListener) push(conn net.Conn) error {
	select {
	case l.conns <- conn:
		return nil
	case <-l.done:
		return net.ErrClosed
	}
}

func (l *connListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *connListener) Addr() net.Addr {
	return l.addr
}
