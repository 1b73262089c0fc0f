package session

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"asdd/internal/errors"
	"asdd/internal/transport"
)

// fakeNet stands in for the transport.
type fakeNet struct {
	max       int
	initErrAt int // slot index whose InitClient fails; -1 for none
	initCalls int
	closeErr  error
	// closed lists descriptors the transport reports as already closed.
	closed     map[int]bool
	closeCalls []int
}

func newFakeNet(max int) *fakeNet {
	return &fakeNet{max: max, initErrAt: -1, closed: map[int]bool{}}
}

func (f *fakeNet) InitClient(c *transport.Conn) error {
	defer func() { f.initCalls++ }()
	if f.initCalls == f.initErrAt {
		return fmt.Errorf("init slot %d", f.initCalls)
	}
	c.FD = transport.UnusedFD
	return nil
}

func (f *fakeNet) CloseClient(c *transport.Conn) error {
	f.closeCalls = append(f.closeCalls, c.FD)
	if f.closeErr != nil {
		return f.closeErr
	}
	c.FD = transport.UnusedFD
	return nil
}

func (f *fakeNet) IsClosed(c *transport.Conn) bool {
	return c.Closed() || f.closed[c.FD]
}

func (f *fakeNet) MaxSessions() int { return f.max }

// fakeClock is a settable clock.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newManager(t *testing.T, max int) (*Manager, *fakeNet, *fakeClock) {
	t.Helper()
	fn := newFakeNet(max)
	clk := &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	m, err := New(fn, WithClock(clk.now))
	require.NoError(t, err)
	return m, fn, clk
}

func conn(fd int) *transport.Conn { return &transport.Conn{FD: fd} }

func TestNew(t *testing.T) {
	m, fn, _ := newManager(t, 4)
	assert.Equal(t, 4, m.Capacity())
	assert.Equal(t, 4, fn.initCalls)
	assert.Zero(t, m.Active())
	for i := range m.slots {
		assert.True(t, m.slots[i].Free())
		assert.Equal(t, i, m.slots[i].ID)
	}
	_, err := m.AuthenticatedConn()
	assert.ErrorIs(t, err, errors.ErrNotAuthenticated)
}

func TestNew_Invalid(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)

	_, err = New(newFakeNet(0))
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
}

func TestNew_InitClientFailureAborts(t *testing.T) {
	fn := newFakeNet(3)
	fn.initErrAt = 1
	m, err := New(fn)
	assert.Error(t, err)
	assert.Nil(t, m)
	assert.Equal(t, 2, fn.initCalls, "construction stops at the first failure")
}

func TestOpen_BoundedCapacity(t *testing.T) {
	m, _, _ := newManager(t, 2)

	require.NoError(t, m.Open(conn(10)))
	require.NoError(t, m.Open(conn(11)))
	assert.ErrorIs(t, m.Open(conn(12)), errors.ErrNoFreeSlot)
	assert.Equal(t, 2, m.Active())

	require.NoError(t, m.Close(conn(10)))
	require.NoError(t, m.Open(conn(12)))
	s, ok := m.Lookup(12)
	require.True(t, ok)
	assert.Equal(t, 0, s.ID, "the freed slot is reused first")
}

func TestOpen_Invalid(t *testing.T) {
	m, _, _ := newManager(t, 1)
	assert.ErrorIs(t, m.Open(nil), errors.ErrInvalidArgument)
	assert.ErrorIs(t, m.Open(conn(transport.UnusedFD)), errors.ErrInvalidArgument)
}

func TestOpen_StartsGracePeriod(t *testing.T) {
	m, _, clk := newManager(t, 1)
	require.NoError(t, m.Open(conn(7)))

	s, ok := m.Lookup(7)
	require.True(t, ok)
	assert.Equal(t, clk.t.Add(DefaultAuthGracePeriod), s.AuthDeadline)
	assert.False(t, s.Authenticated)
	assert.False(t, s.DataPending)
}

func TestGracePeriod_EvictionAt30Seconds(t *testing.T) {
	m, fn, clk := newManager(t, 2)
	require.NoError(t, m.Open(conn(20)))

	clk.advance(29 * time.Second)
	assert.Zero(t, m.CloseExpiredUnauth())
	_, ok := m.Lookup(20)
	assert.True(t, ok, "still inside the grace period")

	clk.advance(2 * time.Second)
	assert.Equal(t, 1, m.CloseExpiredUnauth())
	_, ok = m.Lookup(20)
	assert.False(t, ok)
	assert.Equal(t, []int{20}, fn.closeCalls)
	assert.True(t, m.slots[0].AuthDeadline.IsZero())

	assert.Zero(t, m.CloseExpiredUnauth(), "nothing left to evict")
}

func TestGracePeriod_Custom(t *testing.T) {
	fn := newFakeNet(1)
	clk := &fakeClock{t: time.Unix(1000, 0)}
	m, err := New(fn, WithClock(clk.now), WithAuthGracePeriod(5*time.Second))
	require.NoError(t, err)

	require.NoError(t, m.Open(conn(3)))
	clk.advance(5 * time.Second)
	assert.Equal(t, 1, m.CloseExpiredUnauth(), "the deadline itself counts as expired")
}

func TestEviction_SkipsAuthenticated(t *testing.T) {
	m, fn, clk := newManager(t, 2)
	require.NoError(t, m.Open(conn(1)))
	require.NoError(t, m.Open(conn(2)))
	require.NoError(t, m.AuthComplete(conn(1)))

	clk.advance(time.Hour)
	assert.Equal(t, 1, m.CloseExpiredUnauth())
	assert.Equal(t, []int{2}, fn.closeCalls)

	got, err := m.AuthenticatedConn()
	require.NoError(t, err)
	assert.Equal(t, 1, got.FD)
}

func TestEviction_CloseFailureRetried(t *testing.T) {
	m, fn, clk := newManager(t, 1)
	require.NoError(t, m.Open(conn(4)))
	clk.advance(time.Minute)

	fn.closeErr = fmt.Errorf("busy")
	assert.Zero(t, m.CloseExpiredUnauth())
	_, ok := m.Lookup(4)
	assert.True(t, ok)

	fn.closeErr = nil
	assert.Equal(t, 1, m.CloseExpiredUnauth())
}

func TestAuthComplete_SingleTenancy(t *testing.T) {
	m, _, _ := newManager(t, 3)
	a, b := conn(100), conn(101)
	require.NoError(t, m.Open(a))
	require.NoError(t, m.Open(b))

	require.NoError(t, m.AuthComplete(a))
	assert.ErrorIs(t, m.AuthComplete(b), errors.ErrAlreadyAuthenticated)
	require.NoError(t, m.AuthComplete(a), "re-authenticating the holder is allowed")

	authed, err := m.AlreadyAuthenticated(a)
	require.NoError(t, err)
	assert.True(t, authed)
	authed, err = m.AlreadyAuthenticated(b)
	require.NoError(t, err)
	assert.False(t, authed)

	require.NoError(t, m.Close(a))
	_, err = m.AuthenticatedConn()
	assert.ErrorIs(t, err, errors.ErrNotAuthenticated)

	require.NoError(t, m.AuthComplete(b))
	got, err := m.AuthenticatedConn()
	require.NoError(t, err)
	assert.Equal(t, 101, got.FD)

	authenticated := 0
	for i := range m.slots {
		if m.slots[i].Authenticated {
			authenticated++
		}
	}
	assert.Equal(t, 1, authenticated)
}

func TestAuthComplete_Errors(t *testing.T) {
	m, _, _ := newManager(t, 2)
	assert.ErrorIs(t, m.AuthComplete(nil), errors.ErrInvalidArgument)
	assert.ErrorIs(t, m.AuthComplete(conn(55)), errors.ErrSessionNotFound)

	require.NoError(t, m.Open(conn(1)))
	require.NoError(t, m.AuthComplete(conn(1)))
	assert.ErrorIs(t, m.AuthComplete(conn(55)), errors.ErrAlreadyAuthenticated)
}

func TestAuthComplete_ClearsDeadline(t *testing.T) {
	m, _, _ := newManager(t, 1)
	require.NoError(t, m.Open(conn(9)))
	require.NoError(t, m.AuthComplete(conn(9)))

	s, _ := m.Lookup(9)
	assert.True(t, s.AuthDeadline.IsZero())
}

func TestAlreadyAuthenticated_Errors(t *testing.T) {
	m, fn, _ := newManager(t, 1)
	_, err := m.AlreadyAuthenticated(nil)
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)

	_, err = m.AlreadyAuthenticated(conn(transport.UnusedFD))
	assert.ErrorIs(t, err, errors.ErrConnClosed)

	_, err = m.AlreadyAuthenticated(conn(8))
	assert.ErrorIs(t, err, errors.ErrSessionNotFound)

	require.NoError(t, m.Open(conn(8)))
	fn.closed[8] = true
	_, err = m.AlreadyAuthenticated(conn(8))
	assert.ErrorIs(t, err, errors.ErrConnClosed)
}

func TestClose_Idempotent(t *testing.T) {
	m, fn, _ := newManager(t, 1)
	c := conn(30)
	require.NoError(t, m.Open(c))
	require.NoError(t, m.AuthComplete(c))

	require.NoError(t, m.Close(c))
	assert.ErrorIs(t, m.Close(c), errors.ErrSessionNotFound)
	assert.Equal(t, []int{30}, fn.closeCalls)

	assert.True(t, m.slots[0].Free())
	assert.False(t, m.slots[0].Authenticated)
	assert.Equal(t, NoSessionAuthenticated, m.authenticatedID)
}

func TestClose_Invalid(t *testing.T) {
	m, _, _ := newManager(t, 1)
	assert.ErrorIs(t, m.Close(nil), errors.ErrInvalidArgument)
	assert.ErrorIs(t, m.Close(conn(transport.UnusedFD)), errors.ErrInvalidArgument)
	assert.ErrorIs(t, m.Close(conn(4)), errors.ErrSessionNotFound)
}

func TestClose_TransportAlreadyClosed(t *testing.T) {
	m, fn, _ := newManager(t, 1)
	require.NoError(t, m.Open(conn(12)))
	require.NoError(t, m.SetDataPending(conn(12), true))
	fn.closed[12] = true

	require.NoError(t, m.Close(conn(12)))
	assert.Empty(t, fn.closeCalls, "the transport close is skipped")
	assert.True(t, m.slots[0].Free())
	assert.False(t, m.slots[0].DataPending)
}

func TestClose_TransportFailurePropagates(t *testing.T) {
	m, fn, _ := newManager(t, 1)
	require.NoError(t, m.Open(conn(13)))
	require.NoError(t, m.AuthComplete(conn(13)))

	closeErr := fmt.Errorf("close failed")
	fn.closeErr = closeErr
	assert.ErrorIs(t, m.Close(conn(13)), closeErr)

	s, ok := m.Lookup(13)
	require.True(t, ok, "a failed close leaves the session in place")
	assert.True(t, s.Authenticated)

	fn.closeErr = nil
	require.NoError(t, m.Close(conn(13)))
	_, err := m.AuthenticatedConn()
	assert.ErrorIs(t, err, errors.ErrNotAuthenticated)
}

func TestCloseAll(t *testing.T) {
	m, fn, _ := newManager(t, 3)
	require.NoError(t, m.Open(conn(1)))
	require.NoError(t, m.Open(conn(2)))
	require.NoError(t, m.AuthComplete(conn(2)))

	require.NoError(t, m.CloseAll())
	assert.ElementsMatch(t, []int{1, 2}, fn.closeCalls)
	assert.Zero(t, m.Active())
	_, err := m.AuthenticatedConn()
	assert.ErrorIs(t, err, errors.ErrNotAuthenticated)
}

func TestCloseAll_ResetsFlagsOnFailure(t *testing.T) {
	m, fn, _ := newManager(t, 2)
	require.NoError(t, m.Open(conn(1)))
	require.NoError(t, m.AuthComplete(conn(1)))
	require.NoError(t, m.SetDataPending(conn(1), true))

	fn.closeErr = fmt.Errorf("stuck")
	assert.Error(t, m.CloseAll())

	s, ok := m.Lookup(1)
	require.True(t, ok)
	assert.False(t, s.Authenticated)
	assert.False(t, s.DataPending)
	assert.True(t, s.AuthDeadline.IsZero())
	assert.Equal(t, NoSessionAuthenticated, m.authenticatedID)
}

func TestDescriptors(t *testing.T) {
	m, fn, clk := newManager(t, 4)

	fds, timeout, err := m.Descriptors(nil)
	require.NoError(t, err)
	assert.Empty(t, fds)
	assert.Equal(t, NoTimeout, timeout)

	require.NoError(t, m.Open(conn(5)))
	clk.advance(10 * time.Second)
	require.NoError(t, m.Open(conn(6)))
	require.NoError(t, m.Open(conn(7)))
	require.NoError(t, m.AuthComplete(conn(7)))

	fds, timeout, err = m.Descriptors(fds[:0])
	require.NoError(t, err)
	assert.Equal(t, []int{5, 6, 7}, fds)
	assert.Equal(t, 20*time.Second, timeout, "earliest deadline wins")

	fn.closed[5] = true
	fds, timeout, err = m.Descriptors(nil)
	require.NoError(t, err)
	assert.Equal(t, []int{6, 7}, fds)
	assert.Equal(t, 30*time.Second, timeout)

	clk.advance(time.Minute)
	_, timeout, err = m.Descriptors(nil)
	require.NoError(t, err)
	assert.Zero(t, timeout, "an overdue deadline clamps to zero")
}

func TestDescriptors_OnlyAuthenticated(t *testing.T) {
	m, _, _ := newManager(t, 2)
	require.NoError(t, m.Open(conn(5)))
	require.NoError(t, m.AuthComplete(conn(5)))

	fds, timeout, err := m.Descriptors(nil)
	require.NoError(t, err)
	assert.Equal(t, []int{5}, fds)
	assert.Equal(t, NoTimeout, timeout)
}

func TestDataPending(t *testing.T) {
	m, _, _ := newManager(t, 2)
	require.NoError(t, m.Open(conn(40)))
	require.NoError(t, m.Open(conn(41)))

	pending, err := m.DataPending(conn(40))
	require.NoError(t, err)
	assert.False(t, pending)

	require.NoError(t, m.SetDataPending(conn(40), true))
	pending, err = m.DataPending(conn(40))
	require.NoError(t, err)
	assert.True(t, pending)

	got := m.Pending()
	require.Len(t, got, 1)
	assert.Equal(t, 40, got[0].Conn.FD)

	assert.ErrorIs(t, m.SetDataPending(conn(99), true), errors.ErrSessionNotFound)
	assert.ErrorIs(t, m.SetDataPending(nil, true), errors.ErrInvalidArgument)
	_, err = m.DataPending(conn(transport.UnusedFD))
	assert.ErrorIs(t, err, errors.ErrConnClosed)
}

func TestLookup(t *testing.T) {
	m, _, _ := newManager(t, 2)
	_, ok := m.Lookup(transport.UnusedFD)
	assert.False(t, ok)

	require.NoError(t, m.Open(conn(77)))
	s, ok := m.Lookup(77)
	require.True(t, ok)
	assert.Equal(t, 77, s.Conn.FD)

	_, ok = m.Lookup(78)
	assert.False(t, ok)
}
