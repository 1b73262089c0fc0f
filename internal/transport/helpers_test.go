package transport

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"asdd/util"
)

// fakeHandler records hook calls and fails on demand.
type fakeHandler struct {
	initErr   error
	acceptErr error
	closeErr  error

	// closeOnReject makes OnAccept close the Conn itself before
	// failing, as the TLS handler does.
	closeOnReject bool

	accepts      int
	closeHooks   int
	initClients  int
	cleanupCalls int
}

func (f *fakeHandler) Init() error { return f.initErr }

func (f *fakeHandler) OnAccept(t *Transport, c *Conn) error {
	f.accepts++
	if f.acceptErr != nil && f.closeOnReject {
		if err := t.CloseClient(c); err != nil {
			return err
		}
	}
	return f.acceptErr
}

func (f *fakeHandler) InitClient(c *Conn) error {
	f.initClients++
	return nil
}

func (f *fakeHandler) OnCloseClient(c *Conn) error {
	f.closeHooks++
	return f.closeErr
}

func (f *fakeHandler) Recv(c *Conn, p []byte) (int, bool, error) {
	return copy(p, "fake"), false, nil
}

func (f *fakeHandler) Send(c *Conn, p []byte) (int, error) { return len(p), nil }

func (f *fakeHandler) Cleanup() { f.cleanupCalls++ }

// testLogger returns a debug-level logger writing into a buffer.
func testLogger() (*util.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	l := util.NewLogger(3)
	l.SetOutput(&buf)
	l.SetTimestamps(false)
	return l, &buf
}

// loopback returns a listener on 127.0.0.1 and closes it with the test.
func loopback(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln
}

// writeCert generates a self-signed ECDSA certificate.  With combined
// set the key is appended to the certificate file and keyFile is "".
func writeCert(t *testing.T, cn string, combined bool) (certFile, keyFile string) {
	t.Helper()
	certPEM, keyPEM := genCert(t, cn)

	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	if combined {
		require.NoError(t, os.WriteFile(certFile, append(certPEM, keyPEM...), 0o600))
		return certFile, ""
	}
	keyFile = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, certPEM, 0o600))
	require.NoError(t, os.WriteFile(keyFile, keyPEM, 0o600))
	return certFile, keyFile
}

// clientCert returns an in-memory certificate for client auth.
func clientCert(t *testing.T, cn string) tls.Certificate {
	t.Helper()
	certPEM, keyPEM := genCert(t, cn)
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)
	return cert
}

func genCert(t *testing.T, cn string) (certPEM, keyPEM []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		Issuer:       pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM
}
