package retry

import (
	"errors"
	"fmt"
	"time"
)

// ErrOpen is returned by [CircuitBreaker.Allow] while the circuit is
// open.
var ErrOpen = errors.New("circuit open")

// ── Circuit breaker state ────────────────────────────────────────────

// State represents the circuit breaker's operational state.
type State int

const (
	// StateClosed is normal operation.
	StateClosed State = iota
	// StateOpen means the operation keeps failing and is skipped.
	StateOpen
	// StateHalfOpen lets probes through to test recovery.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ── Configuration ────────────────────────────────────────────────────

// CircuitBreakerConfig configures a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures before opening
	// the circuit (default 5).
	MaxFailures int
	// ResetTimeout is how long the circuit stays open before moving to
	// half-open (default 30s).
	ResetTimeout time.Duration
	// HalfOpenMax is the number of consecutive successes in half-open
	// state required to close the circuit (default 2).
	HalfOpenMax int
	// OnStateChange is called whenever the state transitions.
	OnStateChange func(from, to State)
	// Now replaces time.Now.
	Now func() time.Time
}

// AcceptBreakerConfig suits the accept path: a listener that fails
// this often back to back is out of descriptors or memory, and polling
// it again at once only spins.
func AcceptBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		MaxFailures:  5,
		ResetTimeout: time.Second,
		HalfOpenMax:  1,
	}
}

// ── CircuitBreaker ───────────────────────────────────────────────────

// CircuitBreaker tracks consecutive failures of one operation and
// short-circuits it once a threshold is crossed.  It is meant for a
// single goroutine and does no locking.
type CircuitBreaker struct {
	state         State
	failures      int
	successes     int
	maxFailures   int
	resetTimeout  time.Duration
	halfOpenMax   int
	openedAt      time.Time
	onStateChange func(from, to State)
	now           func() time.Time
}

// NewCircuitBreaker creates a circuit breaker with the given config.
func NewCircuitBreaker(cfg *CircuitBreakerConfig) *CircuitBreaker {
	if cfg == nil {
		cfg = AcceptBreakerConfig()
	}
	cb := &CircuitBreaker{
		state:         StateClosed,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		halfOpenMax:   cfg.HalfOpenMax,
		onStateChange: cfg.OnStateChange,
		now:           cfg.Now,
	}
	if cb.maxFailures <= 0 {
		cb.maxFailures = 5
	}
	if cb.resetTimeout <= 0 {
		cb.resetTimeout = 30 * time.Second
	}
	if cb.halfOpenMax <= 0 {
		cb.halfOpenMax = 2
	}
	if cb.now == nil {
		cb.now = time.Now
	}
	return cb
}

// Allow reports whether the operation may run now.  While open it
// returns an error wrapping ErrOpen.
func (cb *CircuitBreaker) Allow() error {
	if cb.state != StateOpen {
		return nil
	}
	since := cb.now().Sub(cb.openedAt)
	if since >= cb.resetTimeout {
		cb.transition(StateHalfOpen)
		return nil
	}
	return fmt.Errorf("%w after %d consecutive failures, retry in %v",
		ErrOpen, cb.failures, (cb.resetTimeout - since).Round(time.Millisecond))
}

// Record feeds the result of one run of the operation.
func (cb *CircuitBreaker) Record(err error) {
	if err != nil {
		cb.failures++
		cb.successes = 0
		if cb.state == StateHalfOpen || cb.failures >= cb.maxFailures {
			cb.openedAt = cb.now()
			cb.transition(StateOpen)
		}
		return
	}
	cb.successes++
	switch cb.state {
	case StateHalfOpen:
		if cb.successes >= cb.halfOpenMax {
			cb.failures = 0
			cb.transition(StateClosed)
		}
	case StateClosed:
		cb.failures = 0
	}
}

// Execute runs fn through the breaker.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn()
	cb.Record(err)
	return err
}

// RemainingOpen returns how long the circuit stays open, or 0.
func (cb *CircuitBreaker) RemainingOpen() time.Duration {
	if cb.state != StateOpen {
		return 0
	}
	left := cb.resetTimeout - cb.now().Sub(cb.openedAt)
	if left < 0 {
		return 0
	}
	return left
}

// CurrentState returns the current state.
func (cb *CircuitBreaker) CurrentState() State { return cb.state }

// Failures returns the current consecutive failure count.
func (cb *CircuitBreaker) Failures() int { return cb.failures }

// Reset forces the breaker back to closed.
func (cb *CircuitBreaker) Reset() {
	cb.failures = 0
	cb.successes = 0
	cb.transition(StateClosed)
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if to == StateHalfOpen {
		cb.successes = 0
	}
	if cb.onStateChange != nil {
		cb.onStateChange(from, to)
	}
}
