package util

import (
	"errors"
	"io"
	"net"
)

// DefaultBufSize is the receive buffer size used per read (32 KiB).
// It exceeds the largest TLS record so one read drains a record.
const DefaultBufSize = 32 * 1024

// IsHarmless returns true for errors that are expected while a
// connection is being torn down.
func IsHarmless(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	// net.OpError wrapping "use of closed network connection"
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, net.ErrClosed)
	}
	return false
}
