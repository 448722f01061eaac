//go:build linux

// Package socket implements non-blocking TCP and unix stream sockets on raw descriptors.
package socket

import (
	"io"
	"net"
	"net/netip"
	"os"
	"sync/atomic"

	"async-http/transport"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

type Conn struct {
	fd     int
	remote netip.AddrPort
	closed atomic.Bool
}

var _ transport.Conn = (*Conn)(nil)

// Dial starts connecting to addr and returns immediately.
// The connection is established once the descriptor becomes writable
// and Connected reports true.
func Dial(addr netip.AddrPort) (*Conn, error) {
	addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())

	domain := unix.AF_INET
	if addr.Addr().Is6() {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, errors.Wrap(err, "creating socket")
	}

	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		_ = unix.Close(fd)
		return nil, errors.Wrap(err, "setting TCP_NODELAY")
	}

	err = unix.Connect(fd, sockaddr(addr))
	if err != nil && !errors.Is(err, unix.EINPROGRESS) {
		_ = unix.Close(fd)
		return nil, err
	}

	return &Conn{fd: fd, remote: addr}, nil
}

func sockaddr(addr netip.AddrPort) unix.Sockaddr {
	ip := addr.Addr()
	if ip.Is4() {
		return &unix.SockaddrInet4{Port: int(addr.Port()), Addr: ip.As4()}
	}
	return &unix.SockaddrInet6{Port: int(addr.Port()), Addr: ip.As16()}
}

// Pair returns a connected pair of unix stream sockets.
// The first end is non-blocking and meant for a readiness loop.
// The second end is a regular net.Conn backed by the runtime poller.
func Pair() (*Conn, net.Conn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, errors.Wrap(err, "creating socketpair")
	}

	if err := unix.SetNonblock(fds[0], true); err != nil {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		return nil, nil, errors.Wrap(err, "setting non-blocking")
	}

	f := os.NewFile(uintptr(fds[1]), "socketpair")
	// FileConn duplicates the descriptor.
	peer, err := net.FileConn(f)
	_ = f.Close()
	if err != nil {
		_ = unix.Close(fds[0])
		return nil, nil, errors.Wrap(err, "wrapping socketpair")
	}

	return &Conn{fd: fds[0]}, peer, nil
}

func (c *Conn) Fd() int                    { return c.fd }
func (c *Conn) RemoteAddr() netip.AddrPort { return c.remote }

// Connected reports the state of a pending connect.
// It returns false with nil error while the connect is still in progress.
func (c *Conn) Connected() (bool, error) {
	if c.closed.Load() {
		return false, transport.ErrConnClosed
	}

	errno, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return false, errors.Wrap(err, "getting SO_ERROR")
	}
	if errno != 0 {
		return false, unix.Errno(errno)
	}

	if _, err := unix.Getpeername(c.fd); err != nil {
		if errors.Is(err, unix.ENOTCONN) {
			return false, nil
		}
		return false, errors.Wrap(err, "getting peer name")
	}

	return true, nil
}

func (c *Conn) Read(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, transport.ErrConnClosed
	}
	if len(p) == 0 {
		return 0, nil
	}

	for {
		n, err := unix.Read(c.fd, p)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, transport.ErrWouldBlock
		case err != nil:
			return 0, err
		case n == 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

func (c *Conn) Write(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, transport.ErrConnClosed
	}

	written := 0
	for written < len(p) {
		n, err := unix.SendmsgN(c.fd, p[written:], nil, nil, unix.MSG_NOSIGNAL)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			if written > 0 {
				return written, nil
			}
			return 0, transport.ErrWouldBlock
		case err != nil:
			return written, err
		}
		written += n
	}

	return written, nil
}

func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return unix.Close(c.fd)
}
