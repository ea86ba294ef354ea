// Package nexus is the single-threaded reactor: it owns the listening
// socket, a fixed slab of Flows, and the epoll readiness loop that
// drives them. Unlike the rest of the module, it talks to the kernel
// directly through golang.org/x/sys/unix instead of net.Conn, so it
// controls exactly when a socket blocks and can arm edge-triggered
// readiness the way the reactor model requires.
package nexus

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/darkprokoba/tnexus/internal/flow"
)

// rawSocket adapts a raw, non-blocking file descriptor to flow.Socket.
type rawSocket struct {
	fd int
}

var _ flow.Socket = (*rawSocket)(nil)

func (s *rawSocket) Read(p []byte) (int, error) {
	n, err := unix.Read(s.fd, p)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, flow.ErrWouldBlock
		}
		if err == unix.EINTR {
			return 0, flow.ErrWouldBlock
		}
		return 0, fmt.Errorf("nexus: read fd %d: %w", s.fd, err)
	}
	if n < 0 {
		n = 0
	}
	return n, nil
}

func (s *rawSocket) Write(p []byte) (int, error) {
	n, err := unix.Write(s.fd, p)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, flow.ErrWouldBlock
		}
		if err == unix.EINTR {
			return 0, flow.ErrWouldBlock
		}
		return 0, fmt.Errorf("nexus: write fd %d: %w", s.fd, err)
	}
	if n < 0 {
		n = 0
	}
	return n, nil
}

func (s *rawSocket) CloseWrite() error {
	return unix.Shutdown(s.fd, unix.SHUT_WR)
}

func (s *rawSocket) Close() error {
	return unix.Close(s.fd)
}

// listen creates a non-blocking, edge-triggered-friendly TCP listening
// socket bound to addr.
func listen(addr string) (fd int, bound string, err error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return -1, "", fmt.Errorf("nexus: resolve listen address %q: %w", addr, err)
	}

	domain := unix.AF_INET
	if tcpAddr.IP != nil && tcpAddr.IP.To4() == nil {
		domain = unix.AF_INET6
	}

	fd, err = unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, "", fmt.Errorf("nexus: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, "", fmt.Errorf("nexus: setsockopt SO_REUSEADDR: %w", err)
	}

	sa, err := sockaddr(domain, tcpAddr.IP, tcpAddr.Port)
	if err != nil {
		unix.Close(fd)
		return -1, "", err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, "", fmt.Errorf("nexus: bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return -1, "", fmt.Errorf("nexus: listen: %w", err)
	}

	local, err := unix.Getsockname(fd)
	if err == nil {
		bound = addr
		if a := formatSockaddr(local); a != "" {
			bound = a
		}
	}
	return fd, bound, nil
}

// dial opens a non-blocking TCP connection to addr. Per the reactor's
// suspension-point contract, connect is initiated here but its
// completion is only observed via a later writable event.
func dial(addr string) (flow.Socket, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("nexus: resolve backend address %q: %w", addr, err)
	}
	domain := unix.AF_INET
	if tcpAddr.IP != nil && tcpAddr.IP.To4() == nil {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("nexus: socket: %w", err)
	}
	sa, err := sockaddr(domain, tcpAddr.IP, tcpAddr.Port)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return nil, fmt.Errorf("nexus: connect %s: %w", addr, err)
	}
	return &rawSocket{fd: fd}, nil
}

// accept accepts one pending connection on the listener fd.
func accept(listenerFd int) (fd int, err error) {
	nfd, _, err := unix.Accept4(listenerFd, unix.SOCK_NONBLOCK)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return -1, flow.ErrWouldBlock
		}
		return -1, fmt.Errorf("nexus: accept: %w", err)
	}
	return nfd, nil
}

func sockaddr(domain int, ip net.IP, port int) (unix.Sockaddr, error) {
	switch domain {
	case unix.AF_INET:
		var a [4]byte
		if ip != nil {
			copy(a[:], ip.To4())
		}
		return &unix.SockaddrInet4{Port: port, Addr: a}, nil
	case unix.AF_INET6:
		var a [16]byte
		if ip != nil {
			copy(a[:], ip.To16())
		}
		return &unix.SockaddrInet6{Port: port, Addr: a}, nil
	default:
		return nil, fmt.Errorf("nexus: unsupported address family %d", domain)
	}
}

func formatSockaddr(sa unix.Sockaddr) string {
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(s.Addr[:]).String(), fmt.Sprint(s.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(s.Addr[:]).String(), fmt.Sprint(s.Port))
	default:
		return ""
	}
}
