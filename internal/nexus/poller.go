package nexus

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/darkprokoba/tnexus/internal/flow"
	"github.com/darkprokoba/tnexus/internal/handle"
)

// poller wraps a single epoll instance. It knows how to translate a
// flow.Events mask into epoll bits and how to drive epoll_ctl/epoll_wait
// on a raw fd, but it has no notion of Flows or the handle→fd mapping:
// that bookkeeping belongs to Nexus, which implements flow.Registrar by
// resolving a handle to its fd and delegating here.
type poller struct {
	epfd int
}

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("nexus: epoll_create1: %w", err)
	}
	return &poller{epfd: epfd}, nil
}

func epollEvents(ev flow.Events) uint32 {
	var e uint32 = unix.EPOLLET | unix.EPOLLRDHUP
	if ev.Has(flow.Readable) {
		e |= unix.EPOLLIN
	}
	if ev.Has(flow.Writable) {
		e |= unix.EPOLLOUT
	}
	return e
}

func (p *poller) registerFd(fd int, h handle.Handle, ev flow.Events) error {
	event := unix.EpollEvent{Events: epollEvents(ev), Fd: int32(h)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
		return fmt.Errorf("nexus: epoll_ctl add fd %d: %w", fd, err)
	}
	return nil
}

func (p *poller) reregisterFd(fd int, h handle.Handle, ev flow.Events) error {
	event := unix.EpollEvent{Events: epollEvents(ev), Fd: int32(h)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &event); err != nil {
		return fmt.Errorf("nexus: epoll_ctl mod fd %d: %w", fd, err)
	}
	return nil
}

func (p *poller) deregisterFd(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		if err == unix.ENOENT {
			return nil
		}
		return fmt.Errorf("nexus: epoll_ctl del fd %d: %w", fd, err)
	}
	return nil
}

func (p *poller) wait(events []unix.EpollEvent, timeoutMs int) (int, error) {
	n, err := unix.EpollWait(p.epfd, events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("nexus: epoll_wait: %w", err)
	}
	return n, nil
}

func (p *poller) close() error {
	return unix.Close(p.epfd)
}
