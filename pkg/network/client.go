package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/GrishaVar/publichat/pkg/crypto"
	"github.com/GrishaVar/publichat/pkg/protocol"
	"github.com/GrishaVar/publichat/pkg/transport"
	"github.com/GrishaVar/publichat/pkg/window"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrConnect      = errors.New("failed to connect")
	ErrNoOlder      = errors.New("no older messages to request")
	ErrQueueFull    = errors.New("outgoing queue full")
)

// DefaultPollInterval is how often the requester asks for new messages
const DefaultPollInterval = 200 * time.Millisecond

const outgoingQueueSize = 32

// SessionConfig configures a client Session
type SessionConfig struct {
	// Server is "host:port" for a raw SMRT connection or a ws:// URL
	Server   string
	Room     *crypto.Room
	Identity *crypto.Identity

	// Window is reused when set, so history survives a new Session
	Window *window.Window
	Logger *logrus.Logger

	PollInterval time.Duration
	DialTimeout  time.Duration
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
}

// Session is one client's view of one room. The listener goroutine is the
// only writer of the window; writes to the connection are serialised so
// packets never interleave.
type Session struct {
	cfg      SessionConfig
	room     *crypto.Room
	identity *crypto.Identity
	window   *window.Window
	logger   *logrus.Entry

	mu   sync.Mutex
	conn io.ReadWriteCloser
	kind string

	outgoing chan string
}

// NewSession creates a session. It does not connect.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Room == nil || cfg.Identity == nil {
		return nil, errors.New("session needs a room and an identity")
	}
	if cfg.Server == "" {
		return nil, errors.New("session needs a server address")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
	}

	w := cfg.Window
	if w == nil {
		w = window.New(cfg.Room.ID, cfg.Room)
	}

	return &Session{
		cfg:      cfg,
		room:     cfg.Room,
		identity: cfg.Identity,
		window:   w,
		logger: logger.WithFields(logrus.Fields{
			"server": cfg.Server,
			"room":   cfg.Room.ID.String()[:16],
		}),
		outgoing: make(chan string, outgoingQueueSize),
	}, nil
}

// Window returns the reconciled message window
func (s *Session) Window() *window.Window {
	return s.window
}

// Connected reports whether the session currently holds a connection
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Run dials the server and runs the listener, requester and sender until the
// connection drops or ctx is cancelled. A failing requester or sender only
// stops itself; losing the listener ends the run.
func (s *Session) Run(ctx context.Context) error {
	conn, kind, err := dial(ctx, s.cfg.Server, s.cfg.DialTimeout)
	if err != nil {
		return err
	}
	s.setConn(conn, kind)
	defer s.setConn(nil, "")

	s.logger.WithField("transport", kind).Info("✅ Connected")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-runCtx.Done()
		conn.Close()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := s.RequestLoop(runCtx); err != nil && runCtx.Err() == nil {
			s.logger.WithError(err).Warn("⚠️  Requester stopped")
		}
	}()
	go func() {
		defer wg.Done()
		if err := s.SendLoop(runCtx); err != nil && runCtx.Err() == nil {
			s.logger.WithError(err).Warn("⚠️  Sender stopped")
		}
	}()

	err = s.Listen(conn)
	cancel()
	wg.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *Session) setConn(conn io.ReadWriteCloser, kind string) {
	s.mu.Lock()
	s.conn = conn
	s.kind = kind
	s.mu.Unlock()
}

// write sends one complete packet
func (s *Session) write(packet []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return ErrNotConnected
	}
	_, err := s.conn.Write(packet)
	return err
}

// Listen reads batches from r into the window until r fails. It is the only
// writer of the window.
func (s *Session) Listen(r io.Reader) error {
	for {
		head, err := protocol.ReadHead(r)
		if err != nil {
			return fmt.Errorf("failed to read head: %w", err)
		}

		records := make([]byte, head.PayloadSize())
		if _, err := io.ReadFull(r, records); err != nil {
			return fmt.Errorf("failed to read records: %w", err)
		}

		outcome := s.window.Apply(head, records)
		if outcome.Changed() {
			s.logger.WithFields(logrus.Fields{
				"first":   head.FirstID,
				"count":   head.Count,
				"outcome": outcome.String(),
			}).Debug("Window updated")
		}
	}
}

// RequestLoop asks for the latest messages until the window has a baseline,
// then polls for messages after the newest one it holds.
func (s *Session) RequestLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := s.requestNext(); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Session) requestNext() error {
	_, maxID, ok := s.window.Bounds()
	if !ok {
		return s.SendFetch()
	}
	return s.SendQuery(maxID, protocol.MaxFetchAmount, true)
}

// SendLoop drains messages queued with Send
func (s *Session) SendLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case text := <-s.outgoing:
			if err := s.SendMessage(text); err != nil {
				if errors.Is(err, crypto.ErrTextTooLong) || errors.Is(err, crypto.ErrNotUTF8) {
					s.logger.WithError(err).Warn("⚠️  Message dropped")
					continue
				}
				return err
			}
		}
	}
}

// Send queues text for the sender. It fails when the queue is full.
func (s *Session) Send(text string) error {
	if len(text) > crypto.MaxTextSize(protocol.PaddedTextSize) {
		return crypto.ErrTextTooLong
	}
	select {
	case s.outgoing <- text:
		return nil
	default:
		return ErrQueueFull
	}
}

// SendMessage encrypts, signs and sends text immediately
func (s *Session) SendMessage(text string) error {
	cypher, sig, err := s.room.Encode(s.identity, text, time.Now())
	if err != nil {
		return err
	}
	packet, err := protocol.EncodeSend(s.room.ID, cypher[:], sig[:])
	if err != nil {
		return err
	}
	return s.write(packet)
}

// SendFetch asks for the latest messages of the room
func (s *Session) SendFetch() error {
	return s.write(protocol.EncodeFetch(s.room.ID))
}

// SendQuery asks for up to count messages after (forward) or before id
func (s *Session) SendQuery(id uint32, count uint8, forward bool) error {
	packet, err := protocol.EncodeQuery(s.room.ID, id, count, forward)
	if err != nil {
		return err
	}
	return s.write(packet)
}

// RequestOlder asks for the page of messages before the oldest one held
func (s *Session) RequestOlder() error {
	minID, _, ok := s.window.Bounds()
	if !ok || minID == 0 {
		return ErrNoOlder
	}
	return s.SendQuery(minID, protocol.MaxFetchAmount, false)
}

// dial opens a raw SMRT connection, or a WebSocket one for ws:// and wss://
// addresses.
func dial(ctx context.Context, server string, timeout time.Duration) (io.ReadWriteCloser, string, error) {
	if strings.HasPrefix(server, "ws://") || strings.HasPrefix(server, "wss://") {
		dialer := websocket.Dialer{HandshakeTimeout: timeout}
		conn, _, err := dialer.DialContext(ctx, server, nil)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %w", ErrConnect, err)
		}
		return &wsConn{conn: conn}, transport.KindWebSocket, nil
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", server)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrConnect, err)
	}
	if _, err := conn.Write(protocol.PrefixSMRT[:]); err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("%w: %w", ErrConnect, err)
	}
	return conn, transport.KindRaw, nil
}

// wsConn adapts a gorilla connection to a byte stream: each write is one
// binary message and reads run across message boundaries.
type wsConn struct {
	conn   *websocket.Conn
	reader io.Reader
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			_, r, err := c.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			c.reader = r
		}

		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
