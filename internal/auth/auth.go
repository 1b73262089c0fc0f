// Package auth runs the password handshake on unauthenticated sessions.
//
// A client sends one request, [version][password], and receives a
// two-byte answer, [version][result].  Repeated failures within a short
// window lock every client out for a while; during a lockout a dummy
// verification still runs so a locked-out attempt costs the same time
// as a real one.
package auth

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"
	"time"

	"asdd/internal/errors"
	"asdd/internal/transport"
	"asdd/util"
)

// HeaderVersion is the handshake version this server speaks.  Requests
// carrying a newer version are rejected.
const HeaderVersion byte = 1

// MaxPasswordLen bounds the password part of a request.
const MaxPasswordLen = 255

// Lockout defaults.
const (
	DefaultMaxAttempts     = 3
	DefaultAttemptWindow   = 60 * time.Second
	DefaultLockoutDuration = 30 * time.Second
)

// recvBufSize is larger than any valid request so oversize requests are
// seen whole and rejected.
const recvBufSize = 10240

const dummyPasswordLen = 20

// Result is the status byte of the handshake response.
type Result byte

const (
	Success Result = iota
	Failure
	Busy
	SysErr
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case Failure:
		return "failure"
	case Busy:
		return "busy"
	case SysErr:
		return "system error"
	default:
		return fmt.Sprintf("result(%d)", byte(r))
	}
}

// outcome is the internal verdict on one request.
type outcome int

const (
	outcomeOK outcome = iota
	outcomeSysErr
	outcomeInvalidData
	outcomeUnauthorized
	outcomeLockout
)

// Network moves handshake bytes.
type Network interface {
	Recv(c *transport.Conn, p []byte) (int, bool, error)
	Send(c *transport.Conn, p []byte) (int, error)
}

// Sessions is the session table as seen by the handshake.
type Sessions interface {
	AuthenticatedConn() (transport.Conn, error)
	AuthComplete(c *transport.Conn) error
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) {
		if now != nil {
			a.now = now
		}
	}
}

// WithMaxAttempts sets how many invalid attempts the window tolerates.
func WithMaxAttempts(n int) Option {
	return func(a *Authenticator) {
		if n > 0 {
			a.maxAttempts = n
		}
	}
}

// WithAttemptWindow sets how far back invalid attempts are counted.
func WithAttemptWindow(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.window = d
		}
	}
}

// WithLockoutDuration sets how long a lockout lasts.
func WithLockoutDuration(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.lockout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *util.Logger) Option {
	return func(a *Authenticator) {
		if l != nil {
			a.logger = l.With(util.StreamAuth)
		}
	}
}

// Authenticator holds the lockout state shared by all clients.  It is
// driven from the event loop and is not safe for concurrent use.
type Authenticator struct {
	net      Network
	sessions Sessions
	verifier Verifier
	now      func() time.Time
	logger   *util.Logger

	maxAttempts int
	window      time.Duration
	lockout     time.Duration

	attempts    []time.Time // most recent invalid attempts, zero when unused
	lockedUntil time.Time

	buf [recvBufSize]byte
}

// New returns an Authenticator.
func New(net Network, sessions Sessions, v Verifier, opts ...Option) (*Authenticator, error) {
	if net == nil || sessions == nil || v == nil {
		return nil, errors.ErrInvalidArgument
	}
	a := &Authenticator{
		net:         net,
		sessions:    sessions,
		verifier:    v,
		now:         time.Now,
		logger:      util.NewLogger(0).With(util.StreamAuth),
		maxAttempts: DefaultMaxAttempts,
		window:      DefaultAttemptWindow,
		lockout:     DefaultLockoutDuration,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.attempts = make([]time.Time, a.maxAttempts)
	return a, nil
}

// LockedOut reports whether a lockout is in force.
func (a *Authenticator) LockedOut() bool { return a.now().Before(a.lockedUntil) }

// Handshake reads one request from c and answers it.  On success c
// becomes the authenticated session.  Any other non-nil error means the
// caller should close c, except errors.ErrWouldBlock, which means the
// request has not fully arrived yet.
func (a *Authenticator) Handshake(c *transport.Conn) error {
	if c == nil {
		return errors.ErrInvalidArgument
	}

	// Always drawn so a locked-out attempt takes as long as a real one.
	dummy := make([]byte, 1+dummyPasswordLen)
	dummy[0] = HeaderVersion
	if _, err := rand.Read(dummy[1:]); err != nil {
		a.logger.Error("random dummy password: %v", err)
		return a.respond(c, outcomeSysErr, err)
	}

	n, pending, err := a.net.Recv(c, a.buf[:])
	defer clear(a.buf[:])
	switch {
	case errors.Is(err, errors.ErrWouldBlock):
		return err
	case errors.Is(err, errors.ErrPeerClosed):
		return err
	case err != nil:
		return a.respond(c, outcomeInvalidData, err)
	}

	var (
		out   outcome
		cause error
	)
	switch {
	case a.LockedOut():
		a.authenticate(dummy) //nolint:errcheck
		out = outcomeLockout
	case pending:
		// A request is a single read; anything more is malformed.
		out = outcomeInvalidData
	default:
		out, cause = a.authenticate(a.buf[:n])
	}
	return a.respond(c, out, cause)
}

// authenticate validates one request and records the attempt.  The
// error is set only for a system failure.
func (a *Authenticator) authenticate(req []byte) (outcome, error) {
	var (
		out outcome
		err error
	)
	if len(req) < 1 || len(req) > 1+MaxPasswordLen || req[0] > HeaderVersion {
		ver := byte(0)
		if len(req) > 0 {
			ver = req[0]
		}
		a.logger.Error("invalid auth header version 0x%02x, length %d", ver, len(req))
		out = outcomeInvalidData
	} else {
		password := req[1:]
		if i := bytes.IndexByte(password, '\n'); i >= 0 {
			password = password[:i]
		}
		out, err = a.verify(password)
		if out != outcomeOK {
			a.logger.Error("unauthenticated connection attempt")
		}
	}
	return a.track(out), err
}

func (a *Authenticator) verify(password []byte) (outcome, error) {
	err := a.verifier.Verify(password)
	switch {
	case err == nil && len(password) > 0:
		return outcomeOK, nil
	case err == nil, errors.Is(err, errors.ErrAuthFailed):
		return outcomeUnauthorized, nil
	default:
		a.logger.Error("password verification: %v", err)
		return outcomeSysErr, err
	}
}

// track records an invalid attempt and escalates to a lockout when the
// window holds more than maxAttempts of them.  Success forgets them all.
func (a *Authenticator) track(out outcome) outcome {
	switch out {
	case outcomeOK:
		clear(a.attempts)
	case outcomeUnauthorized, outcomeInvalidData:
		now := a.now()
		invalid := 1
		oldest := 0
		for i, t := range a.attempts {
			if t.Before(a.attempts[oldest]) {
				oldest = i
			}
			if !t.IsZero() && t.After(now.Add(-a.window)) {
				invalid++
			}
		}
		a.attempts[oldest] = now
		a.logger.Debug("invalid auth attempt %d/%d", invalid, a.maxAttempts)
		if invalid > a.maxAttempts {
			out = outcomeLockout
		}
	}
	return out
}

// respond answers the client and maps the outcome onto an error.
func (a *Authenticator) respond(c *transport.Conn, out outcome, cause error) error {
	var (
		result Result
		err    error
	)
	switch out {
	case outcomeOK:
		if _, aerr := a.sessions.AuthenticatedConn(); aerr == nil {
			result, err = Busy, errors.ErrAlreadyAuthenticated
		} else {
			result = Success
		}
	case outcomeSysErr:
		if cause == nil {
			cause = errors.New("password verification failed")
		}
		result, err = SysErr, fmt.Errorf("auth system error: %w", cause)
	case outcomeLockout:
		a.lockedUntil = a.now().Add(a.lockout)
		a.logger.Warn("authentication locked out for %s", a.lockout)
		result, err = Failure, errors.ErrLockedOut
	case outcomeUnauthorized:
		result, err = Failure, errors.ErrAuthFailed
	default:
		result, err = Failure, errors.ErrInvalidData
		if cause != nil {
			err = fmt.Errorf("%w: %v", errors.ErrInvalidData, cause)
		}
	}

	resp := []byte{HeaderVersion, byte(result)}
	n, serr := a.net.Send(c, resp)
	a.logger.Verbose("%s: wrote %d bytes, response %s", c, n, result)
	if serr == nil && n != len(resp) {
		serr = io.ErrShortWrite
	}
	switch {
	case result != Success:
		return err
	case serr != nil:
		return fmt.Errorf("auth response: %w", serr)
	}
	return a.sessions.AuthComplete(c)
}
