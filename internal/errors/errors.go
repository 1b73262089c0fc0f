// Package errors provides domain-specific error types for asdd.
//
// These types carry structured context (operation, address, handshake
// outcome, retryability) that helps callers decide how to handle
// failures and provides better diagnostics than plain string wrapping.
package errors

import (
	"errors"
	"fmt"
	"net"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	// Argument and state errors.
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotInitialized  = errors.New("not initialized")
	ErrNoHandler       = errors.New("no transport handler")

	// Connection lifecycle.
	ErrConnClosed = errors.New("connection is closed")
	ErrPeerClosed = errors.New("peer closed the connection")
	ErrWouldBlock = errors.New("operation would block")

	// Session table.
	ErrNoFreeSlot           = errors.New("no free session slot")
	ErrSessionNotFound      = errors.New("session not found")
	ErrAlreadyAuthenticated = errors.New("another session is authenticated")
	ErrNotAuthenticated     = errors.New("no session is authenticated")

	// Authentication.
	ErrAuthFailed  = errors.New("authentication failed")
	ErrLockedOut   = errors.New("authentication locked out")
	ErrInvalidData = errors.New("invalid authentication data")
)

// ── Structured error types ───────────────────────────────────────────

// NetworkError represents a failure in a network operation.
type NetworkError struct {
	Op        string // operation: "socket", "setsockopt", "bind", "listen", "accept", "read", "write", "close"
	Addr      string // network address involved
	Err       error  // underlying error
	Retryable bool   // whether the caller should retry
}

func (e *NetworkError) Error() string {
	s := fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
	if e.Retryable {
		s += " (retryable)"
	}
	return s
}

func (e *NetworkError) Unwrap() error { return e.Err }

// HandshakeKind classifies a failed TLS handshake.
type HandshakeKind int

const (
	// HandshakeFatal is any failure not covered by the other kinds.
	HandshakeFatal HandshakeKind = iota
	// HandshakeTimeout means the peer never completed the handshake
	// within the configured receive timeout.
	HandshakeTimeout
	// HandshakeRejected means the peer aborted the handshake cleanly
	// (an alert or an orderly close).
	HandshakeRejected
)

func (k HandshakeKind) String() string {
	switch k {
	case HandshakeTimeout:
		return "timeout"
	case HandshakeRejected:
		return "rejected"
	default:
		return "fatal"
	}
}

// HandshakeError represents a failed TLS handshake on an accepted
// connection.
type HandshakeError struct {
	Kind HandshakeKind
	Addr string
	Err  error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("tls handshake %s (%s): %v", e.Addr, e.Kind, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // config field name
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: --%s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ── Constructors ─────────────────────────────────────────────────────

// Wrap creates a NetworkError, automatically detecting retryability
// from the underlying error.
func Wrap(op, addr string, err error) *NetworkError {
	return &NetworkError{
		Op:        op,
		Addr:      addr,
		Err:       err,
		Retryable: classifyRetryable(err),
	}
}

// WrapHandshake creates a HandshakeError.
func WrapHandshake(kind HandshakeKind, addr string, err error) *HandshakeError {
	return &HandshakeError{Kind: kind, Addr: addr, Err: err}
}

// ── Classification helpers ───────────────────────────────────────────

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Retryable
	}
	return classifyRetryable(err)
}

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

// HandshakeKindOf returns the kind of a wrapped HandshakeError.  The
// second result is false when err is not a handshake failure.
func HandshakeKindOf(err error) (HandshakeKind, bool) {
	var he *HandshakeError
	if errors.As(err, &he) {
		return he.Kind, true
	}
	return HandshakeFatal, false
}

// classifyRetryable inspects standard library error types.
func classifyRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrWouldBlock) {
		return true
	}
	// net.OpError with Temporary() hint
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Temporary() //nolint:staticcheck // Temporary is deprecated but still useful
	}
	return false
}

// ── Re-exports for convenience ───────────────────────────────────────
//
// These allow callers to use asdd/internal/errors as a drop-in
// replacement for the standard library in common operations.

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Unwrap is [errors.Unwrap].
func Unwrap(err error) error { return errors.Unwrap(err) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
