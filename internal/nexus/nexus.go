package nexus

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/darkprokoba/tnexus/internal/controlmsg"
	"github.com/darkprokoba/tnexus/internal/flow"
	"github.com/darkprokoba/tnexus/internal/handle"
	"github.com/darkprokoba/tnexus/internal/logging"
	"github.com/darkprokoba/tnexus/internal/metrics"
	"github.com/darkprokoba/tnexus/internal/multiplex"
)

// Config is everything the reactor needs to run: the listening address,
// the per-Conn buffer size, and the routing policy.
type Config struct {
	ListenAddr string
	BufSize    int
	Mux        multiplex.Multiplexer
}

// Nexus is the reactor: it owns the listener, the Flow slab, and the
// epoll readiness loop. All Flow state is touched only from the
// goroutine running Run; the sole cross-goroutine boundary is Control.
type Nexus struct {
	cfg Config
	log *logging.Logger

	poller *poller
	waker  *waker
	slab   *slab

	listenerFd int
	ListenAddr string // resolved after Run starts listening

	control chan any
}

// New constructs a Nexus; it does not yet bind the listener or start
// the loop. Call Run to do both.
func New(cfg Config, logger *logging.Logger) *Nexus {
	if cfg.BufSize <= 0 {
		cfg.BufSize = 1 << 20
	}
	return &Nexus{
		cfg:     cfg,
		log:     logger,
		slab:    newSlab(),
		control: make(chan any, 32),
	}
}

// Control returns the channel on which an external collaborator (the
// control API) sends controlmsg.SniRequest and controlmsg.Quit
// messages. Sends on a full channel block; callers should size their
// own usage accordingly (one in-flight request at a time is typical).
func (n *Nexus) Control() chan<- any {
	return n.control
}

// Nudge is exposed for the control API to interrupt epoll_wait after
// enqueueing a message, so the reactor notices it promptly instead of
// waiting for the next I/O event.
func (n *Nexus) Nudge() {
	if n.waker != nil {
		n.waker.wake()
	}
}

// flow.Registrar implementation ----------------------------------------
//
// Register/Reregister/Deregister resolve a handle to its raw fd by
// looking the owning Flow back up in the slab (or, for the listener, by
// handle.Listener being a fixed, known fd). This lets Flow.SetOutbound
// register the outbound half before returning it to its caller, since
// the Flow slot already carries the new Conn by the time Register is
// called — see the comment in flow.Flow.SetOutbound.
func (n *Nexus) Register(h handle.Handle, ev flow.Events) error {
	fd, err := n.resolveFd(h)
	if err != nil {
		return err
	}
	return n.poller.registerFd(fd, h, ev)
}

func (n *Nexus) Reregister(h handle.Handle, ev flow.Events) error {
	fd, err := n.resolveFd(h)
	if err != nil {
		return err
	}
	return n.poller.reregisterFd(fd, h, ev)
}

func (n *Nexus) Deregister(h handle.Handle) error {
	fd, err := n.resolveFd(h)
	if err != nil {
		return nil
	}
	return n.poller.deregisterFd(fd)
}

func (n *Nexus) resolveFd(h handle.Handle) (int, error) {
	if h == handle.Listener {
		return n.listenerFd, nil
	}
	f := n.slab.get(h.Index(), h.Generation())
	if f == nil {
		return 0, fmt.Errorf("nexus: unknown handle %d", h)
	}
	conn := f.Inbound
	if h.IsOutbound() {
		conn = f.Outbound
	}
	if conn == nil {
		return 0, fmt.Errorf("nexus: handle %d has no corresponding half installed", h)
	}
	sock, ok := conn.Sock.(*rawSocket)
	if !ok {
		return 0, fmt.Errorf("nexus: handle %d is not backed by a raw socket", h)
	}
	return sock.fd, nil
}

// Run binds the listener, starts the epoll loop, and blocks until ctx
// is cancelled or a Quit control message is received. It returns nil on
// graceful shutdown.
func (n *Nexus) Run(ctx context.Context) error {
	fd, bound, err := listen(n.cfg.ListenAddr)
	if err != nil {
		return err
	}
	n.listenerFd = fd
	n.ListenAddr = bound
	defer unix.Close(fd)

	p, err := newPoller()
	if err != nil {
		return err
	}
	n.poller = p
	defer p.close()

	if err := p.registerFd(fd, handle.Listener, flow.Readable); err != nil {
		return err
	}

	w, err := newWaker(p)
	if err != nil {
		return err
	}
	n.waker = w
	defer w.close()

	n.log.Infof("listening on %s", n.ListenAddr)

	events := make([]unix.EpollEvent, 128)
	for {
		if ctx.Err() != nil {
			return nil
		}
		count, err := p.wait(events, 1000)
		if err != nil {
			return err
		}
		for i := 0; i < count; i++ {
			h := handle.Handle(uint32(events[i].Fd))
			ev := events[i].Events

			switch h {
			case handle.Invalid:
				n.log.Warn("ignoring event on reserved invalid handle")
				continue
			case handle.Waker:
				n.waker.drain()
				if done := n.drainControl(); done {
					return nil
				}
				continue
			case handle.Listener:
				if ev&unix.EPOLLIN != 0 {
					n.acceptLoop()
				}
				continue
			}

			n.dispatch(h, ev)
		}

		if done := n.drainControl(); done {
			return nil
		}
	}
}

// dispatch routes one epoll event for a Flow handle, per the handle
// encoding: the outbound bit and slab index are recovered from h, and a
// stale (index, generation) pair is silently dropped.
func (n *Nexus) dispatch(h handle.Handle, ev uint32) {
	f := n.slab.get(h.Index(), h.Generation())
	if f == nil {
		n.log.Warn("dropping event for unknown or stale handle", logging.Field{Key: "handle", Value: h})
		return
	}
	inbound := !h.IsOutbound()

	if ev&(unix.EPOLLERR) != 0 {
		n.log.Warn("socket error event", logging.Field{Key: "handle", Value: h})
	}

	keepAlive := true
	if ev&(unix.EPOLLOUT) != 0 {
		keepAlive = f.Write(inbound, n)
	}
	if keepAlive && ev&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 {
		keepAlive = f.Read(inbound, n.cfg.Mux, dial, n)
	}

	if !keepAlive {
		n.removeFlow(f)
	}
}

// acceptLoop drains the listener's backlog, per edge-triggered
// semantics: accept until would-block.
func (n *Nexus) acceptLoop() {
	for {
		fd, err := accept(n.listenerFd)
		if err != nil {
			if err == flow.ErrWouldBlock {
				return
			}
			n.log.Errorf("accept: %v", err)
			return
		}
		n.onAccept(fd)
	}
}

func (n *Nexus) onAccept(fd int) {
	index, generation, ok := n.slab.reserve()
	if !ok {
		n.log.Warn("flow slab full, dropping connection")
		unix.Close(fd)
		metrics.FlowsRejected.Inc()
		return
	}

	sock := &rawSocket{fd: fd}
	f := flow.NewInbound(index, generation, sock, n.cfg.BufSize)
	n.slab.insert(index, f)
	metrics.FlowsActive.Inc()
	metrics.FlowsTotal.Inc()

	if err := f.RegisterInbound(n); err != nil {
		n.log.Errorf("register inbound: %v", err)
		n.removeFlow(f)
		return
	}

	// Eager destination resolution on the empty prefix: lets Fixed
	// multiplexers dial the backend before any inbound byte arrives.
	decision := n.cfg.Mux.Destination(nil)
	if decision.Outcome == multiplex.Match {
		if err := f.SetOutbound(dial, decision.Addr, n); err != nil {
			n.log.Warn("eager outbound dial failed", logging.Field{Key: "addr", Value: decision.Addr}, logging.Field{Key: "err", Value: err})
			n.removeFlow(f)
			return
		}
	}
}

func (n *Nexus) removeFlow(f *flow.Flow) {
	f.Close(n)
	n.slab.remove(f.Index)
	metrics.FlowsActive.Dec()
}

// drainControl services every queued control message with I/O-event
// priority, and reports whether the reactor should stop.
func (n *Nexus) drainControl() (quit bool) {
	for {
		select {
		case msg := <-n.control:
			switch m := msg.(type) {
			case controlmsg.SniRequest:
				m.Reply <- n.sniSnapshot()
			case controlmsg.Quit:
				close(m.Reply)
				return true
			default:
				n.log.Warn("unknown control message type")
			}
		default:
			return false
		}
	}
}

func (n *Nexus) sniSnapshot() map[string]string {
	if s, ok := n.cfg.Mux.(*multiplex.SNI); ok {
		return s.Snapshot()
	}
	return map[string]string{}
}
