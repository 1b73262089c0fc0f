package core

import (
	"fmt"

	"golang.org/x/time/rate"

	"asdd/config"
	"asdd/internal/auth"
	"asdd/internal/capability"
	"asdd/internal/metrics"
	"asdd/internal/retry"
	"asdd/internal/session"
	"asdd/internal/transport"
	"asdd/util"
)

// Build validates cfg and wires every component of the daemon.  The
// TLS context is loaded here, so a bad certificate fails before any
// socket is opened.
func Build(cfg *config.Config, logger *util.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tr, err := transport.New(transport.Config{
		TLS:              cfg.TLS,
		CertFile:         cfg.CertFile,
		KeyFile:          cfg.KeyFile,
		HandshakeTimeout: cfg.HandshakeTimeout,
		MaxSessions:      cfg.MaxSessions,
	}, logger)
	if err != nil {
		return nil, err
	}

	s, err := assemble(cfg, tr, logger)
	if err != nil {
		tr.Cleanup()
		return nil, err
	}
	return s, nil
}

func assemble(cfg *config.Config, tr *transport.Transport, logger *util.Logger) (*Server, error) {
	verifier, err := auth.NewBcryptVerifier(cfg.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("password hash: %w", err)
	}

	sessions, err := session.New(tr,
		session.WithAuthGracePeriod(cfg.AuthTimeout),
		session.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("session table: %w", err)
	}

	authn, err := auth.New(tr, sessions, verifier,
		auth.WithMaxAttempts(cfg.MaxAuthAttempts),
		auth.WithLockoutDuration(cfg.LockoutDuration),
		auth.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("authenticator: %w", err)
	}

	s := &Server{
		cfg:        cfg,
		transport:  tr,
		sessions:   sessions,
		auth:       authn,
		capability: capability.NewEcho(logger),
		metrics:    metrics.New(),
		backoff:    retry.ListenerBackoff(),
		logger:     logger.With(util.StreamDaemon),
		listen:     tr.BringUpListener,
		buf:        make([]byte, util.DefaultBufSize),
	}
	if cfg.AcceptRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), cfg.AcceptBurst)
	}

	bc := retry.AcceptBreakerConfig()
	bc.OnStateChange = func(from, to retry.State) {
		s.logger.Warn("accept circuit %s -> %s", from, to)
	}
	s.breaker = retry.NewCircuitBreaker(bc)
	return s, nil
}
