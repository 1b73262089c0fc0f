package core

import (
	"context"
	"net"
	"slices"
	"time"

	"golang.org/x/sys/unix"

	"asdd/internal/errors"
	"asdd/internal/session"
	"asdd/internal/transport"
	"asdd/util"
)

// Serve runs the event loop over ln and the open sessions until ctx is
// cancelled or polling fails.  Every session and ln are closed on
// return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer s.shutdown(ln)

	lfd, err := listenerFD(ln)
	if err != nil {
		return errors.Wrap("listen", ln.Addr().String(), err)
	}

	for ctx.Err() == nil {
		if n := s.sessions.CloseExpiredUnauth(); n > 0 {
			s.metrics.SessionsEvicted(n)
			s.metrics.SetSessions(s.sessions.Active())
		}

		timeout := s.pollSet(lfd, time.Now())
		n, err := unix.Poll(s.pollFDs, pollMillis(timeout))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.Wrap("poll", ln.Addr().String(), err)
		}

		s.served = s.served[:0]
		listenerReady := false
		if n > 0 {
			for _, pfd := range s.pollFDs {
				switch {
				case pfd.Revents == 0:
				case int(pfd.Fd) == lfd:
					listenerReady = true
				default:
					s.serveFD(ctx, int(pfd.Fd))
				}
			}
		}
		for _, slot := range s.sessions.Pending() {
			s.serveFD(ctx, slot.Conn.FD)
		}
		// Last, so a descriptor freed above and reused by the new
		// connection is not mistaken for a ready session.
		if listenerReady {
			s.acceptOne(ln)
		}
	}
	return nil
}

// pollSet fills s.pollFDs and returns how long poll may block.
func (s *Server) pollSet(lfd int, now time.Time) time.Duration {
	var timeout time.Duration
	s.fds, timeout, _ = s.sessions.Descriptors(s.fds[:0])

	s.pollFDs = s.pollFDs[:0]
	for _, fd := range s.fds {
		s.pollFDs = append(s.pollFDs, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	}
	if wait := s.acceptWait(now); wait == 0 {
		s.pollFDs = append(s.pollFDs, unix.PollFd{Fd: int32(lfd), Events: unix.POLLIN})
	} else if timeout == session.NoTimeout || wait < timeout {
		timeout = wait
	}

	if len(s.sessions.Pending()) > 0 {
		timeout = 0
	}
	if timeout == session.NoTimeout || timeout > PollInterval {
		timeout = PollInterval
	}
	return timeout
}

// pollMillis rounds d up so poll never wakes just before a deadline.
func pollMillis(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}

// serveFD handles one readable session, at most once per iteration.
func (s *Server) serveFD(ctx context.Context, fd int) {
	if slices.Contains(s.served, fd) {
		return
	}
	s.served = append(s.served, fd)

	slot, ok := s.sessions.Lookup(fd)
	if !ok {
		return
	}
	if slot.Authenticated {
		s.serveClient(ctx, slot)
	} else {
		s.serveLogin(slot)
	}
}

// serveLogin runs the password handshake on an unauthenticated slot.
func (s *Server) serveLogin(slot *session.Slot) {
	c := &slot.Conn
	err := s.auth.Handshake(c)
	switch {
	case err == nil:
		s.metrics.AuthResult("success")
		s.logger.Info("session %d authenticated (%s)", slot.ID, c)
		return
	case errors.Is(err, errors.ErrWouldBlock):
		return
	case errors.Is(err, errors.ErrPeerClosed):
		s.logger.Verbose("%s disconnected before authenticating", c)
	default:
		s.metrics.AuthResult(authLabel(err))
		s.logger.Verbose("%s: login refused: %v", c, err)
	}
	s.closeSession(c, false)
}

// serveClient moves one read of the authenticated client through the
// capability.
func (s *Server) serveClient(ctx context.Context, slot *session.Slot) {
	c := &slot.Conn
	n, pending, err := s.transport.Recv(c, s.buf)
	switch {
	case err == nil:
	case errors.Is(err, errors.ErrWouldBlock):
		s.sessions.SetDataPending(c, false) //nolint:errcheck
		return
	case errors.Is(err, errors.ErrPeerClosed):
		s.logger.Info("client %s disconnected", c)
		s.closeSession(c, true)
		return
	default:
		s.metrics.RecordError("recv", err.Error())
		s.closeSession(c, true)
		return
	}

	s.sessions.SetDataPending(c, pending) //nolint:errcheck
	s.metrics.BytesReceived(int64(n))
	s.logger.LogBuffer(util.LogDebug, s.buf[:n], "< ")

	if err := s.capability.Handle(ctx, s.buf[:n], connReplier{s: s, c: c}); err != nil {
		s.logger.Error("%s %s: %v", s.capability.Name(), c, err)
		s.metrics.RecordError("capability", err.Error())
		s.closeSession(c, true)
	}
}

func (s *Server) closeSession(c *transport.Conn, authenticated bool) {
	if err := s.sessions.Close(c); err != nil {
		s.logger.Error("closing %s: %v", c, err)
		return
	}
	if authenticated {
		s.capability.Reset()
	}
	s.metrics.SetSessions(s.sessions.Active())
}

func (s *Server) shutdown(ln net.Listener) {
	if err := s.sessions.CloseAll(); err != nil {
		s.logger.Error("closing sessions: %v", err)
	}
	s.capability.Reset()
	s.metrics.SetSessions(0)
	if err := ln.Close(); !util.IsHarmless(err) {
		s.logger.Error("closing listener: %v", err)
	}
	s.logger.Info("stopped")
}

// authLabel names a failed handshake for the auth results metric.
func authLabel(err error) string {
	switch {
	case errors.Is(err, errors.ErrAlreadyAuthenticated):
		return "busy"
	case errors.Is(err, errors.ErrLockedOut):
		return "locked_out"
	case errors.Is(err, errors.ErrAuthFailed):
		return "failure"
	case errors.Is(err, errors.ErrInvalidData):
		return "invalid"
	default:
		return "error"
	}
}
