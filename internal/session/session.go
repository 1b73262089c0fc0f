// Package session multiplexes a bounded number of client connections
// over a fixed table of slots.  At most one slot is authenticated at a
// time, and connections that fail to authenticate within the grace
// period are evicted.
//
// The Manager is driven by the daemon's single event-loop goroutine and
// is not safe for concurrent use.
package session

import (
	"fmt"
	"time"

	"asdd/internal/errors"
	"asdd/internal/transport"
	"asdd/util"
)

// NoSessionAuthenticated is the authenticated id when no slot holds it.
const NoSessionAuthenticated = -1

// NoTimeout is returned by Descriptors when no deadline is pending.
const NoTimeout time.Duration = -1

// DefaultAuthGracePeriod is how long an unauthenticated connection may
// stay open.
const DefaultAuthGracePeriod = 30 * time.Second

// Network is the part of the transport the Manager relies on.
type Network interface {
	InitClient(c *transport.Conn) error
	CloseClient(c *transport.Conn) error
	IsClosed(c *transport.Conn) bool
	MaxSessions() int
}

// Slot is one entry of the session table.  ID equals the slot index.
type Slot struct {
	Conn          transport.Conn
	ID            int
	Authenticated bool
	AuthDeadline  time.Time // zero: no deadline
	DataPending   bool
}

// Free reports whether the slot holds no connection.
func (s *Slot) Free() bool { return s.Conn.Closed() }

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithAuthGracePeriod sets how long an unauthenticated session lives.
func WithAuthGracePeriod(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.grace = d
		}
	}
}

// WithLogger sets the logger; by default the Manager is silent except
// for errors written to stderr.
func WithLogger(l *util.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l.With(util.StreamSession)
		}
	}
}

// Manager owns the session table.
type Manager struct {
	net             Network
	slots           []Slot
	authenticatedID int
	grace           time.Duration
	now             func() time.Time
	logger          *util.Logger
}

// New allocates one slot per allowed session and resets each through
// the transport.  The first reset failure aborts construction.
func New(net Network, opts ...Option) (*Manager, error) {
	if net == nil {
		return nil, errors.ErrInvalidArgument
	}
	size := net.MaxSessions()
	if size < 1 {
		return nil, fmt.Errorf("session table of %d slots: %w", size, errors.ErrInvalidArgument)
	}

	m := &Manager{
		net:             net,
		authenticatedID: NoSessionAuthenticated,
		grace:           DefaultAuthGracePeriod,
		now:             time.Now,
		logger:          util.NewLogger(0).With(util.StreamSession),
	}
	for _, opt := range opts {
		opt(m)
	}

	slots := make([]Slot, size)
	for i := range slots {
		slots[i].ID = i
		if err := net.InitClient(&slots[i].Conn); err != nil {
			m.logger.Error("initialising session slot %d: %v", i, err)
			return nil, fmt.Errorf("session slot %d: %w", i, err)
		}
	}
	m.slots = slots
	m.logger.Debug("session table ready with %d slots", size)
	return m, nil
}

// Capacity returns the number of slots.
func (m *Manager) Capacity() int { return len(m.slots) }

// Active returns the number of occupied slots.
func (m *Manager) Active() int {
	n := 0
	for i := range m.slots {
		if !m.slots[i].Free() {
			n++
		}
	}
	return n
}

// Open places c in the first free slot and starts its grace period.
func (m *Manager) Open(c *transport.Conn) error {
	if c == nil || c.Closed() {
		return errors.ErrInvalidArgument
	}
	for i := range m.slots {
		s := &m.slots[i]
		if !s.Free() {
			continue
		}
		s.Conn = *c
		s.Authenticated = false
		s.DataPending = false
		s.AuthDeadline = m.now().Add(m.grace)
		m.logger.Verbose("session %d opened for %s", s.ID, c)
		return nil
	}
	m.logger.Warn("no free session slot for %s", c)
	return errors.ErrNoFreeSlot
}

// Close closes the session holding c.  A connection the transport has
// already closed only has its bookkeeping cleared.  When the transport
// fails to close it the error is returned and the slot is left as is.
func (m *Manager) Close(c *transport.Conn) error {
	if c == nil || c.Closed() {
		return errors.ErrInvalidArgument
	}
	s := m.find(c.FD)
	if s == nil {
		return errors.ErrSessionNotFound
	}
	return m.closeSlot(s)
}

func (m *Manager) closeSlot(s *Slot) error {
	if !m.net.IsClosed(&s.Conn) {
		if err := m.net.CloseClient(&s.Conn); err != nil {
			m.logger.Error("closing session %d: %v", s.ID, err)
			return err
		}
	}
	m.clear(s)
	s.Conn = transport.Conn{FD: transport.UnusedFD}
	m.logger.Verbose("session %d closed", s.ID)
	return nil
}

func (m *Manager) clear(s *Slot) {
	if s.Authenticated || m.authenticatedID == s.ID {
		m.authenticatedID = NoSessionAuthenticated
	}
	s.Authenticated = false
	s.AuthDeadline = time.Time{}
	s.DataPending = false
}

// CloseAll closes every open session.  Flags are reset on every slot
// whether or not its close succeeded; the joined close errors are
// returned.
func (m *Manager) CloseAll() error {
	var errs []error
	for i := range m.slots {
		s := &m.slots[i]
		if !s.Free() {
			if err := m.closeSlot(s); err != nil {
				errs = append(errs, err)
			}
		}
		m.clear(s)
	}
	m.authenticatedID = NoSessionAuthenticated
	return errors.Join(errs...)
}

// CloseExpiredUnauth evicts unauthenticated sessions whose grace period
// has passed and returns how many it closed.
func (m *Manager) CloseExpiredUnauth() int {
	now := m.now()
	evicted := 0
	for i := range m.slots {
		s := &m.slots[i]
		if s.Free() || s.Authenticated || s.AuthDeadline.IsZero() {
			continue
		}
		if now.Before(s.AuthDeadline) {
			continue
		}
		m.logger.Info("session %d did not authenticate in time, closing %s", s.ID, &s.Conn)
		if err := m.closeSlot(s); err != nil {
			continue
		}
		evicted++
	}
	return evicted
}

// AlreadyAuthenticated reports whether the session holding c is the
// authenticated one.
func (m *Manager) AlreadyAuthenticated(c *transport.Conn) (bool, error) {
	s, err := m.lookupOpen(c)
	if err != nil {
		return false, err
	}
	return s.Authenticated, nil
}

// AuthComplete marks the session holding c as the authenticated one.
// It fails if a different session is already authenticated.
func (m *Manager) AuthComplete(c *transport.Conn) error {
	if c == nil || c.Closed() {
		return errors.ErrInvalidArgument
	}
	s := m.find(c.FD)
	if m.authenticatedID != NoSessionAuthenticated && (s == nil || m.authenticatedID != s.ID) {
		return errors.ErrAlreadyAuthenticated
	}
	if s == nil {
		return errors.ErrSessionNotFound
	}
	s.Authenticated = true
	s.AuthDeadline = time.Time{}
	m.authenticatedID = s.ID
	m.logger.Info("session %d authenticated (%s)", s.ID, &s.Conn)
	return nil
}

// AuthenticatedConn returns a copy of the authenticated session's Conn.
func (m *Manager) AuthenticatedConn() (transport.Conn, error) {
	if m.authenticatedID == NoSessionAuthenticated {
		return transport.Conn{FD: transport.UnusedFD}, errors.ErrNotAuthenticated
	}
	return m.slots[m.authenticatedID].Conn, nil
}

// Descriptors appends the descriptor of every open session to dst and
// returns the time left until the earliest grace period ends, or
// NoTimeout when no unauthenticated session has a deadline.
func (m *Manager) Descriptors(dst []int) ([]int, time.Duration, error) {
	now := m.now()
	timeout := NoTimeout
	for i := range m.slots {
		s := &m.slots[i]
		if s.Free() || m.net.IsClosed(&s.Conn) {
			continue
		}
		dst = append(dst, s.Conn.FD)
		if s.Authenticated || s.AuthDeadline.IsZero() {
			continue
		}
		left := s.AuthDeadline.Sub(now)
		if left < 0 {
			left = 0
		}
		if timeout == NoTimeout || left < timeout {
			timeout = left
		}
	}
	return dst, timeout, nil
}

// SetDataPending records whether the transport holds unread plaintext
// for the session holding c.
func (m *Manager) SetDataPending(c *transport.Conn, pending bool) error {
	s, err := m.lookupOpen(c)
	if err != nil {
		return err
	}
	s.DataPending = pending
	return nil
}

// DataPending reports the flag set by SetDataPending.
func (m *Manager) DataPending(c *transport.Conn) (bool, error) {
	s, err := m.lookupOpen(c)
	if err != nil {
		return false, err
	}
	return s.DataPending, nil
}

// Lookup returns the open slot holding fd.
func (m *Manager) Lookup(fd int) (*Slot, bool) {
	if fd == transport.UnusedFD {
		return nil, false
	}
	s := m.find(fd)
	return s, s != nil
}

// Pending returns the slots whose transport already holds plaintext,
// so the loop can serve them without waiting for readiness.
func (m *Manager) Pending() []*Slot {
	var out []*Slot
	for i := range m.slots {
		s := &m.slots[i]
		if !s.Free() && s.DataPending {
			out = append(out, s)
		}
	}
	return out
}

func (m *Manager) lookupOpen(c *transport.Conn) (*Slot, error) {
	if c == nil {
		return nil, errors.ErrInvalidArgument
	}
	if m.net.IsClosed(c) {
		return nil, errors.ErrConnClosed
	}
	s := m.find(c.FD)
	if s == nil {
		return nil, errors.ErrSessionNotFound
	}
	return s, nil
}

func (m *Manager) find(fd int) *Slot {
	for i := range m.slots {
		s := &m.slots[i]
		if !s.Free() && s.Conn.FD == fd {
			return s
		}
	}
	return nil
}
