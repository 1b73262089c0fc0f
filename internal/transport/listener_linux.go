//go:build linux

package transport

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"asdd/internal/errors"
	"asdd/util"
)

// socketOps are the syscalls listener bring-up performs, swappable so
// tests can fail any single step.
type socketOps struct {
	socket        func(domain, typ, proto int) (int, error)
	setsockoptInt func(fd, level, opt, value int) error
	bindToDevice  func(fd int, ifname string) error
	bind          func(fd int, sa unix.Sockaddr) error
	listen        func(fd, backlog int) error
	close         func(fd int) error
	// fileListener takes ownership of fd whether or not it succeeds.
	fileListener func(fd int) (net.Listener, error)
}

var defaultSocketOps = socketOps{
	socket:        unix.Socket,
	setsockoptInt: unix.SetsockoptInt,
	bindToDevice:  unix.BindToDevice,
	bind:          unix.Bind,
	listen:        unix.Listen,
	close:         unix.Close,
	fileListener:  fileListener,
}

func fileListener(fd int) (net.Listener, error) {
	f := os.NewFile(uintptr(fd), "asdd-listener")
	defer f.Close()
	return net.FileListener(f)
}

// BringUpListener opens the dual-stack TCP listener clients connect
// to.  When bindInterface is set the socket is bound to that device.
// The listen backlog equals the session limit.  On any failure the
// socket is closed before returning.
func (t *Transport) BringUpListener(bindInterface string, port int) (net.Listener, error) {
	addr := util.FormatAddr("::", port)
	if !util.ValidPort(port) {
		return nil, fmt.Errorf("port %d: %w", port, errors.ErrInvalidArgument)
	}
	ops := t.sock

	fd, err := ops.socket(unix.AF_INET6, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		t.logger.Error("socket: %v", err)
		return nil, errors.Wrap("socket", addr, err)
	}

	fail := func(op string, err error) (net.Listener, error) {
		t.logger.Error("%s on listener fd %d: %v", op, fd, err)
		if cerr := ops.close(fd); cerr != nil {
			t.logger.Error("close listener fd %d: %v", fd, cerr)
		}
		return nil, errors.Wrap(op, addr, err)
	}

	if err := ops.setsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		return fail("setsockopt TCP_NODELAY", err)
	}
	if err := ops.setsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail("setsockopt SO_REUSEADDR", err)
	}
	if err := ops.setsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0); err != nil {
		return fail("setsockopt IPV6_V6ONLY", err)
	}
	if bindInterface != "" {
		if err := ops.bindToDevice(fd, bindInterface); err != nil {
			return fail("setsockopt SO_BINDTODEVICE "+bindInterface, err)
		}
		t.logger.Info("listener bound to interface %s", bindInterface)
	}
	if err := ops.bind(fd, &unix.SockaddrInet6{Port: port}); err != nil {
		return fail("bind", err)
	}
	if err := ops.listen(fd, t.maxSessions); err != nil {
		return fail("listen", err)
	}

	ln, err := ops.fileListener(fd)
	if err != nil {
		t.logger.Error("wrapping listener fd %d: %v", fd, err)
		return nil, errors.Wrap("listen", addr, err)
	}
	t.logger.Info("listening on %s (backlog %d)", ln.Addr(), t.maxSessions)
	return ln, nil
}
