package shim

import (
	"errors"
	"fmt"
	"io"
	"net/netip"

	"golang.org/x/sys/unix"
)

// fdConn is a blocking TCP socket driven by plain syscalls. The shim runs
// on foreign threads inside someone else's process, so it stays away from
// the runtime netpoller: a forked child can close these descriptors without
// disturbing the parent's epoll set.
type fdConn struct {
	fd int
}

func dial(host string, port int) (*fdConn, error) {
	sa, family, err := sockaddr(host, port)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("connect %s:%d: %w", host, port, err)
	}
	// Requests are tiny and latency bound.
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	return &fdConn{fd: fd}, nil
}

// sockaddr accepts numeric addresses and "localhost". Name resolution would
// open resolver files from inside an open hook.
func sockaddr(host string, port int) (unix.Sockaddr, int, error) {
	if host == "localhost" {
		host = DefaultHost
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return nil, 0, fmt.Errorf("controller host %q: %w", host, err)
	}
	if addr.Is4() || addr.Is4In6() {
		return &unix.SockaddrInet4{Port: port, Addr: addr.Unmap().As4()}, unix.AF_INET, nil
	}
	return &unix.SockaddrInet6{Port: port, Addr: addr.As16()}, unix.AF_INET6, nil
}

func (c *fdConn) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(c.fd, p)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if n == 0 && len(p) > 0 {
			return 0, io.EOF
		}
		return n, nil
	}
}

func (c *fdConn) Write(p []byte) (int, error) {
	for {
		n, err := unix.Write(c.fd, p)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, err
		}
		return n, nil
	}
}

func (c *fdConn) Close() error {
	return unix.Close(c.fd)
}
