package transport

import (
	"bytes"
	"crypto/tls"
	"io"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"asdd/internal/errors"
)

type tlsFixture struct {
	tr     *Transport
	ln     net.Listener
	logBuf *bytes.Buffer
}

func newTLSFixture(t *testing.T, cfg Config) *tlsFixture {
	t.Helper()
	if cfg.CertFile == "" {
		cfg.CertFile, cfg.KeyFile = writeCert(t, "asdd-server", false)
	}
	cfg.TLS = true
	if cfg.MaxSessions == 0 {
		cfg.MaxSessions = 2
	}
	l, buf := testLogger()
	tr, err := New(cfg, l)
	require.NoError(t, err)
	t.Cleanup(tr.Cleanup)
	return &tlsFixture{tr: tr, ln: loopback(t), logBuf: buf}
}

// connect runs a TLS client against the fixture and accepts it.
func (f *tlsFixture) connect(t *testing.T, clientCfg *tls.Config) (Conn, *tls.Conn) {
	t.Helper()
	if clientCfg == nil {
		clientCfg = &tls.Config{}
	}
	clientCfg.InsecureSkipVerify = true

	type result struct {
		conn *tls.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := tls.DialWithDialer(&net.Dialer{Timeout: 2 * time.Second},
			"tcp", f.ln.Addr().String(), clientCfg)
		done <- result{conn, err}
	}()

	c, err := f.tr.Accept(f.ln)
	require.NoError(t, err)
	t.Cleanup(func() {
		if !c.Closed() {
			f.tr.CloseClient(&c) //nolint:errcheck
		}
	})

	res := <-done
	require.NoError(t, res.err)
	t.Cleanup(func() { res.conn.Close() })
	return c, res.conn
}

// rawClient dials the fixture without TLS and accepts the connection.
func (f *tlsFixture) rawClient(t *testing.T, send []byte, closeFirst bool) (Conn, net.Conn, error) {
	t.Helper()
	client, err := net.Dial("tcp", f.ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	if send != nil {
		_, err := client.Write(send)
		require.NoError(t, err)
	}
	if closeFirst {
		client.Close()
	}
	c, err := f.tr.Accept(f.ln)
	return c, client, err
}

func TestTLSInit_MissingCertificate(t *testing.T) {
	l, _ := testLogger()
	_, err := New(Config{TLS: true, MaxSessions: 1}, l)
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)

	_, err = New(Config{TLS: true, MaxSessions: 1, CertFile: filepath.Join(t.TempDir(), "nope.pem")}, l)
	assert.Error(t, err)
}

func TestTLSInit_MismatchedKey(t *testing.T) {
	certFile, _ := writeCert(t, "one", false)
	_, otherKey := writeCert(t, "two", false)
	l, buf := testLogger()

	_, err := New(Config{TLS: true, MaxSessions: 1, CertFile: certFile, KeyFile: otherKey}, l)
	assert.Error(t, err)
	assert.Contains(t, buf.String(), "[ERR]")
}

func TestTLSInit_CombinedFile(t *testing.T) {
	certFile, _ := writeCert(t, "combined", true)
	f := newTLSFixture(t, Config{CertFile: certFile})
	assert.True(t, f.tr.Secure())

	c, _ := f.connect(t, nil)
	assert.False(t, c.Closed())
}

func TestTLSInit_Policy(t *testing.T) {
	f := newTLSFixture(t, Config{})
	h := f.tr.handler.(*tlsHandler)
	require.NotNil(t, h.config)
	assert.Equal(t, uint16(tls.VersionTLS12), h.config.MinVersion)
	assert.ElementsMatch(t, []uint16{
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	}, h.config.CipherSuites)
	assert.Equal(t, tls.RequestClientCert, h.config.ClientAuth)

	f.tr.Cleanup()
	assert.Nil(t, h.config)
}

func TestTLSHandshake_Success(t *testing.T) {
	f := newTLSFixture(t, Config{})
	c, client := f.connect(t, nil)

	assert.GreaterOrEqual(t, c.FD, 0)
	assert.IsType(t, &tlsState{}, c.state)
	assert.Equal(t, uint16(tls.VersionTLS13), client.ConnectionState().Version)
	assert.Contains(t, f.logBuf.String(), "no client certificate")
}

func TestTLSHandshake_TLS12Cipher(t *testing.T) {
	f := newTLSFixture(t, Config{})
	_, client := f.connect(t, &tls.Config{MaxVersion: tls.VersionTLS12})

	st := client.ConnectionState()
	assert.Equal(t, uint16(tls.VersionTLS12), st.Version)
	assert.Equal(t, tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256, st.CipherSuite)
}

func TestTLSHandshake_ClientCertificateLogged(t *testing.T) {
	f := newTLSFixture(t, Config{})
	f.connect(t, &tls.Config{Certificates: []tls.Certificate{clientCert(t, "debug-probe")}})

	out := f.logBuf.String()
	assert.Contains(t, out, "client certificate subject: CN=debug-probe")
	assert.Contains(t, out, "client certificate issuer: CN=debug-probe")
}

func TestTLSHandshake_Failures(t *testing.T) {
	tests := []struct {
		name       string
		send       []byte
		closeFirst bool
		want       errors.HandshakeKind
	}{
		{"timeout", nil, false, errors.HandshakeTimeout},
		{"peer closed", nil, true, errors.HandshakeRejected},
		{"not tls", []byte("GET / HTTP/1.0\r\n\r\n"), false, errors.HandshakeFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTLSFixture(t, Config{HandshakeTimeout: 150 * time.Millisecond})

			c, client, err := f.rawClient(t, tt.send, tt.closeFirst)
			require.Error(t, err)
			kind, ok := errors.HandshakeKindOf(err)
			require.True(t, ok, "error %v is not a handshake error", err)
			assert.Equal(t, tt.want, kind)
			assert.True(t, c.Closed())
			assert.Contains(t, f.logBuf.String(), "[ERR]")

			if !tt.closeFirst {
				// The server closed its side: the client sees EOF.
				client.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
				_, rerr := io.ReadAll(client)
				if rerr != nil {
					assert.False(t, errors.IsTimeout(rerr), "server left the socket open")
				}
			}
		})
	}
}

func TestTLSHandshake_OldProtocolRefused(t *testing.T) {
	f := newTLSFixture(t, Config{})

	done := make(chan error, 1)
	go func() {
		conn, err := tls.Dial("tcp", f.ln.Addr().String(), &tls.Config{
			InsecureSkipVerify: true,
			MinVersion:         tls.VersionTLS10,
			MaxVersion:         tls.VersionTLS11,
		})
		if err == nil {
			conn.Close()
		}
		done <- err
	}()

	c, err := f.tr.Accept(f.ln)
	assert.Error(t, err)
	assert.True(t, c.Closed())
	assert.Error(t, <-done)
}

func TestTLSRecv_RoundTrip(t *testing.T) {
	f := newTLSFixture(t, Config{ReadTimeout: 2 * time.Second})
	c, client := f.connect(t, nil)

	_, err := client.Write([]byte("hello target"))
	require.NoError(t, err)

	buf := make([]byte, 1024)
	n, pending, err := f.tr.Recv(&c, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello target", string(buf[:n]))
	assert.False(t, pending)

	n, err = f.tr.Send(&c, []byte("ack"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	client.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	got := make([]byte, 3)
	_, err = io.ReadFull(client, got)
	require.NoError(t, err)
	assert.Equal(t, "ack", string(got))
}

func TestTLSRecv_PendingWhenBufferIsShort(t *testing.T) {
	f := newTLSFixture(t, Config{ReadTimeout: 2 * time.Second})
	c, client := f.connect(t, nil)

	payload := strings.Repeat("x", 100)
	_, err := client.Write([]byte(payload))
	require.NoError(t, err)

	small := make([]byte, 10)
	n, pending, err := f.tr.Recv(&c, small)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.True(t, pending, "90 bytes of the record remain buffered")

	rest := make([]byte, 1024)
	n, pending, err = f.tr.Recv(&c, rest)
	require.NoError(t, err)
	assert.Equal(t, 90, n)
	assert.False(t, pending)
}

func TestTLSRecv_ZeroReturn(t *testing.T) {
	f := newTLSFixture(t, Config{ReadTimeout: 2 * time.Second})
	c, client := f.connect(t, nil)

	// Drain the session tickets ahead of the data so the client's
	// close is a clean FIN rather than a reset.
	_, err := f.tr.Send(&c, []byte("bye"))
	require.NoError(t, err)
	client.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	_, err = io.ReadFull(client, make([]byte, 3))
	require.NoError(t, err)

	require.NoError(t, client.Close()) // sends close_notify
	f.logBuf.Reset()

	n, pending, err := f.tr.Recv(&c, make([]byte, 64))
	assert.Equal(t, -1, n)
	assert.False(t, pending)
	assert.ErrorIs(t, err, errors.ErrPeerClosed)
	assert.Empty(t, f.logBuf.String(), "end of stream is not logged")
}

func TestTLSRecv_WouldBlock(t *testing.T) {
	f := newTLSFixture(t, Config{ReadTimeout: 30 * time.Millisecond})
	c, client := f.connect(t, nil)
	f.logBuf.Reset()

	n, _, err := f.tr.Recv(&c, make([]byte, 64))
	assert.Equal(t, -1, n)
	assert.ErrorIs(t, err, errors.ErrWouldBlock)
	assert.Empty(t, f.logBuf.String(), "backpressure is not logged")

	// The session survives a would-block.
	f.tr.handler.(*tlsHandler).readTimeout = 2 * time.Second
	_, err = client.Write([]byte("late"))
	require.NoError(t, err)
	buf := make([]byte, 64)
	n, _, err = f.tr.Recv(&c, buf)
	require.NoError(t, err)
	assert.Equal(t, "late", string(buf[:n]))
}

func TestTLSRecv_NoSession(t *testing.T) {
	f := newTLSFixture(t, Config{})
	c := Conn{FD: 3}

	n, _, err := f.tr.Recv(&c, make([]byte, 4))
	assert.Equal(t, -1, n)
	assert.ErrorIs(t, err, errors.ErrConnClosed)

	n, err = f.tr.Send(&c, []byte("x"))
	assert.Equal(t, -1, n)
	assert.ErrorIs(t, err, errors.ErrConnClosed)
	assert.Contains(t, f.logBuf.String(), "no TLS session")
}

func TestTLSCloseClient_ReleasesSession(t *testing.T) {
	f := newTLSFixture(t, Config{})
	c, client := f.connect(t, nil)

	require.NoError(t, f.tr.CloseClient(&c))
	assert.True(t, c.Closed())
	assert.Nil(t, c.state)
	assert.ErrorIs(t, f.tr.CloseClient(&c), errors.ErrConnClosed)

	client.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	_, err := client.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestClassifyHandshake(t *testing.T) {
	assert.Equal(t, errors.HandshakeRejected, classifyHandshake(io.EOF))
	assert.Equal(t, errors.HandshakeRejected,
		classifyHandshake(&net.OpError{Op: "remote error", Err: io.ErrUnexpectedEOF}))
	assert.Equal(t, errors.HandshakeFatal, classifyHandshake(errors.New("tls: bad record MAC")))
}
