package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	"asdd/internal/errors"
	"asdd/util"
)

// maxPlaintext is the largest plaintext a single TLS record carries.
const maxPlaintext = 16 * 1024

// aLongTimeAgo is a read deadline that fails a read at once unless
// the TLS layer can satisfy it from data it already holds.
var aLongTimeAgo = time.Unix(1, 0)

// cipherSuites lists the only TLS 1.2 suites the server accepts.  TLS
// 1.3 suites are fixed by crypto/tls.
var cipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
}

// tlsHandler wraps accepted sockets in server-side TLS sessions.
type tlsHandler struct {
	certFile         string
	keyFile          string
	handshakeTimeout time.Duration
	readTimeout      time.Duration
	writeTimeout     time.Duration
	config           *tls.Config
	logger           *util.Logger
}

// tlsState is the handler-private state of one TLS connection.
type tlsState struct {
	conn *tls.Conn
	buf  [maxPlaintext]byte
	held []byte // decrypted plaintext not yet handed to the caller
	err  error  // read error seen while probing, reported on next Recv
}

func newTLSHandler(cfg Config, logger *util.Logger) *tlsHandler {
	return &tlsHandler{
		certFile:         cfg.CertFile,
		keyFile:          cfg.KeyFile,
		handshakeTimeout: cfg.HandshakeTimeout,
		readTimeout:      cfg.ReadTimeout,
		writeTimeout:     cfg.WriteTimeout,
		logger:           logger.With(util.StreamNetwork),
	}
}

// Init loads the certificate and key and builds the server config.
func (h *tlsHandler) Init() error {
	h.config = nil
	if h.certFile == "" {
		return fmt.Errorf("tls: no certificate file: %w", errors.ErrInvalidArgument)
	}
	keyFile := h.keyFile
	if keyFile == "" {
		keyFile = h.certFile
	}

	cert, err := tls.LoadX509KeyPair(h.certFile, keyFile)
	if err != nil {
		h.logger.Error("loading certificate %q / key %q: %v", h.certFile, keyFile, err)
		return fmt.Errorf("tls: %w", err)
	}

	h.config = &tls.Config{
		Certificates:     []tls.Certificate{cert},
		MinVersion:       tls.VersionTLS12,
		CipherSuites:     cipherSuites,
		CurvePreferences: []tls.CurveID{tls.CurveP384, tls.CurveP256},
		ClientAuth:       tls.RequestClientCert,
	}
	return nil
}

// OnAccept runs the server handshake under a bounded receive timeout.
// Every failure drops the TLS session and closes the connection.
func (h *tlsHandler) OnAccept(t *Transport, c *Conn) error {
	if c.FD < 0 || c.raw == nil {
		return fmt.Errorf("accept fd %d: %w", c.FD, errors.ErrInvalidArgument)
	}
	if h.config == nil {
		return fmt.Errorf("tls: %w", errors.ErrNotInitialized)
	}

	addr := c.RemoteAddr()
	tc := tls.Server(c.raw, h.config)
	if err := c.raw.SetReadDeadline(time.Now().Add(h.handshakeTimeout)); err != nil {
		h.logger.Error("set handshake timeout on %s: %v", c, err)
		return h.abort(t, c, errors.WrapHandshake(errors.HandshakeFatal, addr, err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.handshakeTimeout)
	defer cancel()
	if err := tc.HandshakeContext(ctx); err != nil {
		herr := errors.WrapHandshake(classifyHandshake(err), addr, err)
		if herr.Kind == errors.HandshakeTimeout {
			h.logger.Error("%s: timeout waiting for the client to complete the TLS handshake", c)
		} else {
			h.logger.Error("%s: tls handshake %s: %v", c, herr.Kind, err)
		}
		return h.abort(t, c, herr)
	}
	c.raw.SetDeadline(time.Time{}) //nolint:errcheck

	c.state = &tlsState{conn: tc}
	h.logPeer(c, tc.ConnectionState())
	return nil
}

// abort closes c after a failed handshake and returns cause.
func (h *tlsHandler) abort(t *Transport, c *Conn, cause error) error {
	c.state = nil
	if err := t.CloseClient(c); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (h *tlsHandler) logPeer(c *Conn, st tls.ConnectionState) {
	if len(st.PeerCertificates) == 0 {
		h.logger.Debug("%s: no client certificate", c)
		return
	}
	cert := st.PeerCertificates[0]
	h.logger.Debug("%s: client certificate subject: %s", c, cert.Subject)
	h.logger.Debug("%s: client certificate issuer: %s", c, cert.Issuer)
}

func (h *tlsHandler) InitClient(c *Conn) error {
	c.state = nil
	return nil
}

func (h *tlsHandler) OnCloseClient(c *Conn) error {
	c.state = nil
	return nil
}

func (h *tlsHandler) Recv(c *Conn, p []byte) (int, bool, error) {
	st, ok := c.state.(*tlsState)
	if !ok || st == nil {
		h.logger.Error("recv %s: no TLS session", c)
		return -1, false, errors.ErrConnClosed
	}

	if len(st.held) > 0 {
		n := copy(p, st.held)
		st.held = st.held[n:]
		return n, h.probe(st), nil
	}
	if st.err != nil {
		err := st.err
		st.err = nil
		return -1, false, h.readFailure(c, err)
	}

	st.conn.SetReadDeadline(time.Now().Add(h.readTimeout)) //nolint:errcheck
	n, err := st.conn.Read(p)
	if n > 0 {
		return n, h.probe(st), nil
	}
	return -1, false, h.readFailure(c, err)
}

// probe reports whether more plaintext can be returned without the
// socket becoming readable again.  The TLS layer may already hold
// whole records it read ahead; those are decrypted into st.held.
func (h *tlsHandler) probe(st *tlsState) bool {
	if len(st.held) > 0 || st.err != nil {
		return true
	}
	st.conn.SetReadDeadline(aLongTimeAgo) //nolint:errcheck
	n, err := st.conn.Read(st.buf[:])
	st.held = st.buf[:n]
	if err != nil && !errors.IsTimeout(err) {
		st.err = err
	}
	return n > 0 || st.err != nil
}

func (h *tlsHandler) readFailure(c *Conn, err error) error {
	rerr, loggable := classifyRead(c.RemoteAddr(), err)
	if loggable {
		h.logger.Error("recv %s: %v", c, err)
	}
	return rerr
}

func (h *tlsHandler) Send(c *Conn, p []byte) (int, error) {
	st, ok := c.state.(*tlsState)
	if !ok || st == nil {
		h.logger.Error("send %s: no TLS session", c)
		return -1, errors.ErrConnClosed
	}
	st.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout)) //nolint:errcheck
	n, err := st.conn.Write(p)
	if err != nil || n <= 0 {
		h.logger.Error("send %s: tls write returned %d: %v", c, n, err)
		if err == nil {
			err = io.ErrShortWrite
		}
		return -1, errors.Wrap("write", c.RemoteAddr(), err)
	}
	return n, nil
}

func (h *tlsHandler) Cleanup() {
	h.config = nil
}

// classifyHandshake sorts a failed handshake into timeout, clean
// rejection by the peer, or anything else.
func classifyHandshake(err error) errors.HandshakeKind {
	if errors.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return errors.HandshakeTimeout
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return errors.HandshakeRejected
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "remote error" {
		return errors.HandshakeRejected
	}
	return errors.HandshakeFatal
}
