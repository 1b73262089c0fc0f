package core

import (
	"context"
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"asdd/internal/errors"
	"asdd/util"
)

// acceptTimeout bounds an accept the poller reported ready for, in case
// the client went away in between.
const acceptTimeout = 100 * time.Millisecond

// Listen brings the client listener up, retrying while the address is
// still held or the bound interface does not exist yet.
func (s *Server) Listen(ctx context.Context) (net.Listener, error) {
	bo := *s.backoff
	bo.Retryable = listenRetryable
	bo.OnRetry = func(attempt int, err error, wait time.Duration) {
		s.logger.Warn("listener attempt %d failed: %v; retrying in %v",
			attempt, err, wait.Round(time.Millisecond))
	}

	var ln net.Listener
	err := bo.Do(ctx, func(int) error {
		l, err := s.listen(s.cfg.BindInterface, s.cfg.Port)
		if err != nil {
			return err
		}
		ln = l
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listener on %s: %w", s.cfg.ListenAddr(), err)
	}

	mode := "plaintext"
	if s.transport.Secure() {
		mode = "tls"
	}
	s.logger.Info("listening on %s (%s, %d sessions)", s.cfg.ListenAddr(), mode, s.sessions.Capacity())
	return ln, nil
}

// listenRetryable reports bring-up failures that may clear on their own.
func listenRetryable(err error) bool {
	return errors.Is(err, unix.EADDRINUSE) ||
		errors.Is(err, unix.EADDRNOTAVAIL) ||
		errors.Is(err, unix.ENODEV) ||
		errors.IsRetryable(err)
}

// listenerFD returns the descriptor the loop polls for new clients.
func listenerFD(ln net.Listener) (int, error) {
	sc, ok := ln.(syscall.Conn)
	if !ok {
		return -1, fmt.Errorf("%T has no descriptor: %w", ln, errors.ErrInvalidArgument)
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := -1
	if err := rc.Control(func(f uintptr) { fd = int(f) }); err != nil {
		return -1, err
	}
	return fd, nil
}

// acceptWait returns how long the listener must be left alone: while
// the accept circuit is open or the rate limiter has no token.
func (s *Server) acceptWait(now time.Time) time.Duration {
	if d := s.breaker.RemainingOpen(); d > 0 {
		return d
	}
	if s.limiter == nil {
		return 0
	}
	tokens := s.limiter.TokensAt(now)
	if tokens >= 1 {
		return 0
	}
	wait := time.Duration((1 - tokens) / float64(s.limiter.Limit()) * float64(time.Second))
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

// acceptOne takes one connection off ln and gives it a session slot.
// Failures cost the one connection only.
func (s *Server) acceptOne(ln net.Listener) {
	if err := s.breaker.Allow(); err != nil {
		return
	}
	start := time.Now()
	if s.limiter != nil && !s.limiter.AllowN(start, 1) {
		return
	}
	if dl, ok := ln.(interface{ SetDeadline(time.Time) error }); ok {
		dl.SetDeadline(start.Add(acceptTimeout)) //nolint:errcheck
	}

	c, err := s.transport.Accept(ln)
	if err != nil {
		s.acceptFailed(err)
		return
	}
	s.breaker.Record(nil)

	if err := s.sessions.Open(&c); err != nil {
		s.logger.Warn("refusing %s from %s: %v", &c, c.RemoteAddr(), err)
		if cerr := s.transport.CloseClient(&c); cerr != nil {
			s.logger.Error("closing refused %s: %v", &c, cerr)
		}
		s.metrics.ConnectionRejected("no_free_slot")
		return
	}
	s.metrics.ConnectionAccepted(time.Since(start))
	s.metrics.SetSessions(s.sessions.Active())
	s.logger.Info("client %s connected (%s)", c.RemoteAddr(), &c)
}

func (s *Server) acceptFailed(err error) {
	if kind, ok := errors.HandshakeKindOf(err); ok {
		// The listener is healthy; the peer failed the handshake.
		s.breaker.Record(nil)
		s.metrics.ConnectionRejected("handshake_" + kind.String())
		s.metrics.RecordError("tls", err.Error())
		return
	}
	if errors.IsTimeout(err) || util.IsHarmless(err) {
		return
	}
	s.breaker.Record(err)
	s.metrics.RecordError("accept", err.Error())
	s.logger.Error("accept: %v", err)
}
