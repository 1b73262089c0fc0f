// Package config defines the runtime configuration of the asdd daemon
// and validates it before any socket is opened.
package config

import (
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"asdd/internal/errors"
	"asdd/util"
)

// Config holds every tuneable of the daemon.
type Config struct {
	// ── Listener ─────────────────────────────────────────────────────
	Port          int
	BindInterface string // empty binds on every interface

	// ── TLS ──────────────────────────────────────────────────────────
	TLS      bool
	CertFile string // PEM certificate; may also hold the key
	KeyFile  string // PEM private key; defaults to CertFile

	// ── Sessions ─────────────────────────────────────────────────────
	MaxSessions      int
	AuthTimeout      time.Duration // grace period before eviction
	HandshakeTimeout time.Duration

	// ── Authentication ───────────────────────────────────────────────
	PasswordHash    string // bcrypt hash of the client password
	MaxAuthAttempts int
	LockoutDuration time.Duration

	// ── Throttling ───────────────────────────────────────────────────
	AcceptRate  float64 // connections per second, 0 = unlimited
	AcceptBurst int

	// ── Output ───────────────────────────────────────────────────────
	MetricsAddr string // host:port of the metrics endpoint, empty = off
	Verbose     int
}

// ListenAddr renders the address clients connect to, for logging.
func (c *Config) ListenAddr() string {
	addr := util.FormatAddr("::", c.Port)
	if c.BindInterface != "" {
		addr += " on " + c.BindInterface
	}
	return addr
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
// Failures are reported as *errors.ConfigError naming the CLI flag.
func (c *Config) Validate() error {
	if !util.ValidPort(c.Port) {
		return &errors.ConfigError{
			Field: "port", Value: c.Port,
			Message: "must be between 1 and 65535",
		}
	}
	if len(c.BindInterface) > maxInterfaceLen {
		return &errors.ConfigError{
			Field: "bind-interface", Value: c.BindInterface,
			Message: fmt.Sprintf("interface names are at most %d bytes", maxInterfaceLen),
		}
	}

	if c.TLS && c.CertFile == "" {
		return &errors.ConfigError{
			Field:   "cert",
			Message: "a certificate is required when TLS is enabled",
			Hint:    "pass --cert server.pem or disable TLS with --no-tls",
		}
	}
	if !c.TLS && (c.CertFile != "" || c.KeyFile != "") {
		return &errors.ConfigError{
			Field:   "no-tls",
			Message: "certificate files are set but TLS is disabled",
		}
	}

	if c.MaxSessions < 1 || c.MaxSessions > maxSessionsLimit {
		return &errors.ConfigError{
			Field: "max-sessions", Value: c.MaxSessions,
			Message: fmt.Sprintf("must be between 1 and %d", maxSessionsLimit),
		}
	}
	if c.AuthTimeout <= 0 {
		return &errors.ConfigError{
			Field: "auth-timeout", Value: c.AuthTimeout,
			Message: "must be positive",
		}
	}
	if c.HandshakeTimeout <= 0 {
		return &errors.ConfigError{
			Field: "handshake-timeout", Value: c.HandshakeTimeout,
			Message: "must be positive",
		}
	}

	if c.PasswordHash == "" {
		return &errors.ConfigError{
			Field:   "password-hash",
			Message: "a client password hash is required",
			Hint:    "generate one with asdd --hash-password",
		}
	}
	if _, err := bcrypt.Cost([]byte(c.PasswordHash)); err != nil {
		return &errors.ConfigError{
			Field:   "password-hash",
			Message: fmt.Sprintf("not a bcrypt hash: %v", err),
			Hint:    "generate one with asdd --hash-password",
		}
	}
	if c.MaxAuthAttempts < 1 {
		return &errors.ConfigError{
			Field: "max-auth-attempts", Value: c.MaxAuthAttempts,
			Message: "must be at least 1",
		}
	}
	if c.LockoutDuration <= 0 {
		return &errors.ConfigError{
			Field: "lockout", Value: c.LockoutDuration,
			Message: "must be positive",
		}
	}

	if c.AcceptRate < 0 {
		return &errors.ConfigError{
			Field: "accept-rate", Value: c.AcceptRate,
			Message: "must not be negative",
		}
	}
	if c.AcceptRate > 0 && c.AcceptBurst < 1 {
		return &errors.ConfigError{
			Field: "accept-burst", Value: c.AcceptBurst,
			Message: "must be at least 1 when throttling is enabled",
		}
	}

	return nil
}
