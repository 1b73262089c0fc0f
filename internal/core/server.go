// Package core is the orchestration layer.  It composes the transport,
// the session table, the login handshake and the capability into the
// daemon's single-threaded event loop.
//
// Architecture layers (bottom → top):
//
//	transport  →  session  →  auth / capability  →  core  →  cmd (CLI)
//
// Build is the single place that turns a Config into wired components.
package core

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
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

// PollInterval caps how long the loop blocks in poll, so cancellation
// is noticed promptly.
const PollInterval = 500 * time.Millisecond

// Server owns every component of a running daemon.  All of them are
// driven from the goroutine that calls Serve.
type Server struct {
	cfg        *config.Config
	transport  *transport.Transport
	sessions   *session.Manager
	auth       *auth.Authenticator
	capability capability.Capability
	metrics    *metrics.Collector
	limiter    *rate.Limiter // nil when accepts are not throttled
	breaker    *retry.CircuitBreaker
	backoff    *retry.Backoff
	logger     *util.Logger

	listen func(bindInterface string, port int) (net.Listener, error)

	buf     []byte
	fds     []int
	pollFDs []unix.PollFd
	served  []int
}

// Metrics returns the server's collector.
func (s *Server) Metrics() *metrics.Collector { return s.metrics }

// Sessions returns the session table.
func (s *Server) Sessions() *session.Manager { return s.sessions }

// Run brings the listener up, optionally exposes metrics, and serves
// until ctx is cancelled.  It releases every resource before returning.
func (s *Server) Run(ctx context.Context) error {
	defer s.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var metricsDone <-chan error
	if s.cfg.MetricsAddr != "" {
		_, done, err := s.metrics.Serve(ctx, s.cfg.MetricsAddr, s.logger)
		if err != nil {
			return fmt.Errorf("metrics on %s: %w", s.cfg.MetricsAddr, err)
		}
		metricsDone = done
	}

	ln, err := s.Listen(ctx)
	if err != nil {
		return err
	}
	err = s.Serve(ctx, ln)

	cancel()
	if metricsDone != nil {
		<-metricsDone
	}
	return err
}

// Close releases the transport.  Call it once Serve has returned.
func (s *Server) Close() {
	s.transport.Cleanup()
}

// connReplier sends capability output to one connection.
type connReplier struct {
	s *Server
	c *transport.Conn
}

func (r connReplier) Reply(p []byte) error {
	r.s.logger.LogBuffer(util.LogDebug, p, "> ")
	for len(p) > 0 {
		n, err := r.s.transport.Send(r.c, p)
		if err != nil {
			return err
		}
		if n <= 0 {
			return fmt.Errorf("send to %s: short write", r.c)
		}
		r.s.metrics.BytesSent(int64(n))
		p = p[n:]
	}
	return nil
}
