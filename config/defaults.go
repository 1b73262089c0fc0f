package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, the config file and environment variable loading.

const (
	// DefaultPort is the TCP port debug clients connect to.
	DefaultPort = 5123

	// DefaultMaxSessions bounds concurrent client connections.  It is
	// also the listen backlog.
	DefaultMaxSessions = 5

	// DefaultAuthTimeout is how long an unauthenticated session may
	// stay open before it is evicted.
	DefaultAuthTimeout = 30 * time.Second

	// DefaultHandshakeTimeout bounds the TLS handshake of one accepted
	// connection.
	DefaultHandshakeTimeout = 3 * time.Second

	// DefaultMaxAuthAttempts is the number of failed logins within the
	// attempt window that triggers a lockout.
	DefaultMaxAuthAttempts = 3

	// DefaultLockoutDuration is how long logins are refused after
	// too many failures.
	DefaultLockoutDuration = 30 * time.Second

	// DefaultAcceptRate is the sustained number of connections accepted
	// per second.  0 disables throttling.
	DefaultAcceptRate = 10.0

	// DefaultAcceptBurst is the number of connections accepted back to
	// back before throttling starts.
	DefaultAcceptBurst = 5

	// DefaultVerbosity logs errors, warnings and informational messages.
	DefaultVerbosity = 1

	// maxSessionsLimit caps MaxSessions; the session table is scanned
	// linearly on every loop iteration.
	maxSessionsLimit = 64

	// maxInterfaceLen is IFNAMSIZ minus the terminating NUL.
	maxInterfaceLen = 15
)

// Default returns a Config populated with the defaults above.
func Default() *Config {
	return &Config{
		Port:             DefaultPort,
		TLS:              true,
		MaxSessions:      DefaultMaxSessions,
		AuthTimeout:      DefaultAuthTimeout,
		HandshakeTimeout: DefaultHandshakeTimeout,
		MaxAuthAttempts:  DefaultMaxAuthAttempts,
		LockoutDuration:  DefaultLockoutDuration,
		AcceptRate:       DefaultAcceptRate,
		AcceptBurst:      DefaultAcceptBurst,
		Verbose:          DefaultVerbosity,
	}
}
