package core

import (
	stderrors "errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"asdd/config"
	"asdd/internal/auth"
	"asdd/internal/errors"
	"asdd/util"
)

const testPassword = "secret"

func quietLogger() *util.Logger {
	l := util.NewLogger(0)
	l.SetOutput(io.Discard)
	return l
}

// testConfig returns a valid plaintext configuration.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	hash, err := auth.HashPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.TLS = false
	cfg.PasswordHash = hash
	cfg.AcceptRate = 0
	return cfg
}

// buildServer builds a Server whose listener is a plain loopback
// socket.
func buildServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	s, err := Build(cfg, quietLogger())
	require.NoError(t, err)
	s.listen = func(string, int) (net.Listener, error) {
		return net.Listen("tcp", "127.0.0.1:0")
	}
	return s
}

func TestBuild(t *testing.T) {
	cfg := testConfig(t)
	cfg.AcceptRate = 5
	cfg.AcceptBurst = 2

	s, err := Build(cfg, quietLogger())
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, cfg.MaxSessions, s.Sessions().Capacity())
	assert.Equal(t, 0, s.Sessions().Active())
	assert.False(t, s.transport.Secure())
	assert.Equal(t, "echo", s.capability.Name())
	require.NotNil(t, s.limiter)
	assert.Equal(t, 2, s.limiter.Burst())
	assert.NotNil(t, s.Metrics().Registry())
}

func TestBuild_NoThrottle(t *testing.T) {
	s, err := Build(testConfig(t), quietLogger())
	require.NoError(t, err)
	defer s.Close()
	assert.Nil(t, s.limiter)
	assert.Equal(t, time.Duration(0), s.acceptWait(time.Now()))
}

func TestBuild_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.PasswordHash = ""

	_, err := Build(cfg, quietLogger())
	var ce *errors.ConfigError
	require.True(t, stderrors.As(err, &ce), "err = %v", err)
	assert.Equal(t, "password-hash", ce.Field)
}

func TestBuild_MissingCertificate(t *testing.T) {
	cfg := testConfig(t)
	cfg.TLS = true
	cfg.CertFile = "/nonexistent/server.pem"

	_, err := Build(cfg, quietLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tls")
}
