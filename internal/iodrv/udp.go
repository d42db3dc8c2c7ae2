// Package iodrv provides the concrete I/O drivers at the kernel boundary.
// All drivers are non-blocking: Pull returns immediately whether or not
// data arrived, and leaves the buffer unchanged when nothing is pending.
package iodrv

import (
	"errors"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/sepkern/sepkern/internal/interfaces"
)

// Error is a transport-level driver error carrying the OS errno
type Error struct {
	Op    string
	Errno syscall.Errno
}

func (e *Error) Error() string {
	return fmt.Sprintf("iodrv: %s failed: %v (errno=%d)", e.Op, e.Errno, int(e.Errno))
}

func (e *Error) Unwrap() error {
	return e.Errno
}

// UDP is a non-blocking datagram driver bound to a local address and
// connected to a default peer.
type UDP struct {
	fd     int
	bind   string
	peer   string
	logger interfaces.Logger // may be nil
}

// NewUDP creates the socket, binds it to bind, connects it to the default
// peer connect, and puts it in non-blocking mode. Addresses use host:port
// form.
func NewUDP(bind, connect string, logger interfaces.Logger) (*UDP, error) {
	bindSA, family, err := resolve(bind)
	if err != nil {
		return nil, fmt.Errorf("iodrv: resolve bind %q: %w", bind, err)
	}
	peerSA, peerFamily, err := resolve(connect)
	if err != nil {
		return nil, fmt.Errorf("iodrv: resolve connect %q: %w", connect, err)
	}
	if family != peerFamily {
		return nil, fmt.Errorf("iodrv: bind %q and connect %q disagree on address family", bind, connect)
	}

	fd, err := unix.Socket(family, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("iodrv: socket: %w", err)
	}

	if err := unix.Bind(fd, bindSA); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("iodrv: bind %q: %w", bind, err)
	}
	if err := unix.Connect(fd, peerSA); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("iodrv: connect %q: %w", connect, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("iodrv: set nonblocking: %w", err)
	}

	return &UDP{fd: fd, bind: bind, peer: connect, logger: logger}, nil
}

// resolve turns host:port into a sockaddr plus its address family
func resolve(hostport string) (unix.Sockaddr, int, error) {
	addr, err := net.ResolveUDPAddr("udp", hostport)
	if err != nil {
		return nil, 0, err
	}
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return sa, unix.AF_INET, nil
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	return sa, unix.AF_INET6, nil
}

// Pull copies the next pending datagram into buf, up to len(buf) bytes.
// With nothing pending the buffer is left unchanged and Pull returns nil.
func (u *UDP) Pull(buf []byte) error {
	n, err := unix.Read(u.fd, buf)
	if err != nil {
		var errno syscall.Errno
		if errors.As(err, &errno) && (errno == unix.EAGAIN || errno == unix.EWOULDBLOCK) {
			if u.logger != nil {
				u.logger.Debugf("no new datagram on %s", u.bind)
			}
			return nil
		}
		if u.logger != nil {
			u.logger.Errorf("could not receive on %s: %v", u.bind, err)
		}
		return u.wrap("pull", err)
	}
	if u.logger != nil {
		u.logger.Debugf("received %d bytes on %s", n, u.bind)
	}
	return nil
}

// Push transmits buf in full to the default peer
func (u *UDP) Push(buf []byte) error {
	n, err := unix.Write(u.fd, buf)
	if err != nil {
		if u.logger != nil {
			u.logger.Errorf("could not send to %s: %v", u.peer, err)
		}
		return u.wrap("push", err)
	}
	if u.logger != nil {
		u.logger.Debugf("wrote %d bytes to %s", n, u.peer)
	}
	return nil
}

// Close releases the socket
func (u *UDP) Close() error {
	if u.fd < 0 {
		return nil
	}
	err := unix.Close(u.fd)
	u.fd = -1
	return err
}

// LocalPort reports the port the socket is actually bound to, useful when
// binding to port 0.
func (u *UDP) LocalPort() (int, error) {
	sa, err := unix.Getsockname(u.fd)
	if err != nil {
		return 0, err
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return a.Port, nil
	case *unix.SockaddrInet6:
		return a.Port, nil
	}
	return 0, fmt.Errorf("iodrv: unexpected sockaddr type %T", sa)
}

func (u *UDP) wrap(op string, err error) error {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return &Error{Op: op, Errno: errno}
	}
	return fmt.Errorf("iodrv: %s failed: %w", op, err)
}
