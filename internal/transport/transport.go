// Package transport moves bytes over accepted client connections
// independently of whether they are plaintext TCP or TLS.  The rest of
// the daemon speaks only in terms of [Conn] and [Transport]; the
// concrete behaviour lives in a [Handler] chosen once at startup.
package transport

import (
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/google/uuid"

	"asdd/internal/errors"
	"asdd/util"
)

// UnusedFD is the descriptor value of a closed or never-opened Conn.
const UnusedFD = -1

// Default timeouts applied when a Config leaves them unset.
const (
	DefaultHandshakeTimeout = 3 * time.Second
	DefaultReadTimeout      = 200 * time.Millisecond
	DefaultWriteTimeout     = 10 * time.Second
)

// Conn is one accepted client endpoint.  FD is the socket descriptor
// the event loop polls on; handler-private state (the TLS session, for
// instance) travels with it.  Copies of a Conn share that state.
type Conn struct {
	FD      int
	TraceID string // correlates log lines for one connection

	raw   net.Conn
	state any
}

// Closed reports whether c holds no descriptor.
func (c *Conn) Closed() bool { return c.FD == UnusedFD }

// RemoteAddr returns the peer address or "-" when unknown.
func (c *Conn) RemoteAddr() string {
	if c.raw == nil {
		return "-"
	}
	return c.raw.RemoteAddr().String()
}

func (c *Conn) String() string {
	if c.TraceID == "" {
		return fmt.Sprintf("fd %d", c.FD)
	}
	return fmt.Sprintf("fd %d [%s]", c.FD, c.TraceID)
}

// Handler is the per-transport hook set.  Exactly one Handler is
// active for the lifetime of a Transport.
type Handler interface {
	// Init prepares process-wide handler state.  Called once.
	Init() error
	// OnAccept finishes bringing up a freshly accepted Conn.  On
	// failure the handler releases its own state; it may also close
	// the Conn through t.CloseClient.
	OnAccept(t *Transport, c *Conn) error
	// InitClient clears handler state on an unused Conn.
	InitClient(c *Conn) error
	// OnCloseClient releases handler state before the socket closes.
	OnCloseClient(c *Conn) error
	// Recv reads into p.  pending reports plaintext that is already
	// available without waiting for the socket to become readable.
	Recv(c *Conn, p []byte) (n int, pending bool, err error)
	// Send writes p.
	Send(c *Conn, p []byte) (int, error)
	// Cleanup releases what Init acquired.
	Cleanup()
}

// Config selects and tunes the handler.
type Config struct {
	TLS              bool
	CertFile         string // PEM certificate; may also hold the key
	KeyFile          string // PEM private key
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	MaxSessions      int
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	return c
}

// Transport is the process-wide connection context: the active handler
// and the configured session limit.  It is not safe for concurrent use.
type Transport struct {
	handler     Handler
	maxSessions int
	secure      bool
	logger      *util.Logger
	sock        socketOps
}

// New builds a Transport with the plaintext or TLS handler selected by
// cfg and runs the handler's Init.
func New(cfg Config, logger *util.Logger) (*Transport, error) {
	cfg = cfg.withDefaults()
	var h Handler
	if cfg.TLS {
		h = newTLSHandler(cfg, logger)
	} else {
		h = newTCPHandler(cfg, logger)
	}
	t, err := NewWithHandler(h, cfg.MaxSessions, logger)
	if err != nil {
		return nil, err
	}
	t.secure = cfg.TLS
	return t, nil
}

// NewWithHandler builds a Transport around an arbitrary handler.
func NewWithHandler(h Handler, maxSessions int, logger *util.Logger) (*Transport, error) {
	if h == nil {
		return nil, errors.ErrNoHandler
	}
	if maxSessions < 1 {
		return nil, fmt.Errorf("max sessions %d: %w", maxSessions, errors.ErrInvalidArgument)
	}
	if err := h.Init(); err != nil {
		return nil, fmt.Errorf("transport init: %w", err)
	}
	return &Transport{
		handler:     h,
		maxSessions: maxSessions,
		logger:      logger.With(util.StreamNetwork),
		sock:        defaultSocketOps,
	}, nil
}

// MaxSessions returns the configured session limit.
func (t *Transport) MaxSessions() int { return t.maxSessions }

// Secure reports whether connections are TLS-wrapped.
func (t *Transport) Secure() bool { return t.secure }

// Accept takes the next connection from ln and hands it to the
// handler.  If the handler refuses it the socket is closed before
// returning, so no descriptor leaks.
func (t *Transport) Accept(ln net.Listener) (Conn, error) {
	closed := Conn{FD: UnusedFD}
	if ln == nil {
		return closed, errors.ErrInvalidArgument
	}
	if t.handler == nil {
		return closed, errors.ErrNoHandler
	}

	raw, err := ln.Accept()
	if err != nil {
		return closed, errors.Wrap("accept", ln.Addr().String(), err)
	}

	fd, err := descriptor(raw)
	if err != nil {
		raw.Close()
		return closed, errors.Wrap("accept", raw.RemoteAddr().String(), err)
	}

	c := Conn{FD: fd, TraceID: uuid.NewString(), raw: raw}
	if err := t.handler.OnAccept(t, &c); err != nil {
		if !c.Closed() {
			raw.Close()
		}
		return closed, err
	}
	t.logger.Verbose("accepted %s from %s", &c, c.RemoteAddr())
	return c, nil
}

// InitClient resets c to the unused state and lets the handler clear
// its private state.
func (t *Transport) InitClient(c *Conn) error {
	if c == nil {
		return errors.ErrInvalidArgument
	}
	if t.handler == nil {
		return errors.ErrNoHandler
	}
	c.FD = UnusedFD
	c.raw = nil
	c.state = nil
	return t.handler.InitClient(c)
}

// CloseClient releases handler state and closes the socket.  Closing a
// Conn that is already closed is an error.  Only a successful close
// resets c to UnusedFD.
func (t *Transport) CloseClient(c *Conn) error {
	if c == nil {
		return errors.ErrInvalidArgument
	}
	if t.handler == nil {
		return errors.ErrNoHandler
	}
	if c.Closed() {
		return errors.ErrConnClosed
	}

	hookErr := t.handler.OnCloseClient(c)
	var closeErr error
	if c.raw != nil {
		if err := c.raw.Close(); !util.IsHarmless(err) {
			closeErr = errors.Wrap("close", c.RemoteAddr(), err)
		}
	}
	if err := errors.Join(hookErr, closeErr); err != nil {
		t.logger.Error("closing %s: %v", c, err)
		return err
	}

	t.logger.Debug("closed %s", c)
	c.FD = UnusedFD
	c.raw = nil
	c.state = nil
	return nil
}

// IsClosed reports whether c is closed.  A nil Conn is not considered
// closed.
func (t *Transport) IsClosed(c *Conn) bool {
	if c == nil {
		return false
	}
	return c.Closed()
}

// Recv reads from c through the active handler.
func (t *Transport) Recv(c *Conn, p []byte) (int, bool, error) {
	if c == nil || len(p) == 0 {
		return -1, false, errors.ErrInvalidArgument
	}
	if t.handler == nil {
		return -1, false, errors.ErrNoHandler
	}
	if c.Closed() {
		return -1, false, errors.ErrConnClosed
	}
	return t.handler.Recv(c, p)
}

// Send writes to c through the active handler.
func (t *Transport) Send(c *Conn, p []byte) (int, error) {
	if c == nil || len(p) == 0 {
		return -1, errors.ErrInvalidArgument
	}
	if t.handler == nil {
		return -1, errors.ErrNoHandler
	}
	if c.Closed() {
		return -1, errors.ErrConnClosed
	}
	return t.handler.Send(c, p)
}

// Cleanup releases handler-global state.
func (t *Transport) Cleanup() {
	if t.handler != nil {
		t.handler.Cleanup()
	}
}

// descriptor extracts the socket descriptor behind conn.
func descriptor(conn net.Conn) (int, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return UnusedFD, fmt.Errorf("%T has no descriptor: %w", conn, errors.ErrInvalidArgument)
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return UnusedFD, err
	}
	fd := UnusedFD
	if err := rc.Control(func(f uintptr) { fd = int(f) }); err != nil {
		return UnusedFD, err
	}
	return fd, nil
}

// classifyRead maps a failed read onto the transport's error
// vocabulary.  The second result is false for end-of-stream and
// backpressure, which are not worth logging.
func classifyRead(addr string, err error) (error, bool) {
	switch {
	case util.IsHarmless(err):
		return errors.ErrPeerClosed, false
	case errors.IsTimeout(err):
		return errors.ErrWouldBlock, false
	default:
		return errors.Wrap("read", addr, err), true
	}
}
