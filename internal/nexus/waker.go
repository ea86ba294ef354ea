package nexus

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/darkprokoba/tnexus/internal/handle"
)

// waker lets any goroutine interrupt the reactor's epoll_wait so a
// queued control message is noticed promptly instead of waiting for the
// next I/O event or poll timeout. Modeled on the self-pipe / eventfd
// "awakener" used to bridge a cross-thread sender into an event loop
// that otherwise only wakes on socket readiness.
type waker struct {
	fd int
}

func newWaker(p *poller) (*waker, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("nexus: eventfd: %w", err)
	}
	event := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET, Fd: int32(handle.Waker)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("nexus: register waker: %w", err)
	}
	return &waker{fd: fd}, nil
}

// wake signals the reactor thread. Safe to call from any goroutine.
func (w *waker) wake() {
	var buf [8]byte
	buf[7] = 1
	_, _ = unix.Write(w.fd, buf[:])
}

// drain consumes the eventfd counter after a wakeup, so epoll_wait
// doesn't immediately fire again on the same signal.
func (w *waker) drain() {
	var buf [8]byte
	for {
		_, err := unix.Read(w.fd, buf[:])
		if err != nil {
			return
		}
	}
}

func (w *waker) close() error {
	return unix.Close(w.fd)
}
