// Package flow implements a Flow: a paired inbound/outbound half-duplex
// connection with its own backpressure and half-close logic. Flow and
// Conn hold no reference to the reactor beyond the Registrar and Socket
// interfaces, so they can be driven and tested without real sockets or
// epoll.
package flow

import (
	"github.com/darkprokoba/tnexus/internal/handle"
	"github.com/darkprokoba/tnexus/internal/metrics"
	"github.com/darkprokoba/tnexus/internal/multiplex"
)

// Flow pairs an inbound Conn (always present) with an optional outbound
// Conn (absent until the Multiplexer resolves a destination).
type Flow struct {
	Index uint32

	Inbound  *Conn
	Outbound *Conn // nil until resolved

	bufSize int
}

// NewInbound constructs a Flow around a freshly accepted inbound socket,
// occupying slab slot index at the given generation. The outbound half
// is absent.
func NewInbound(index uint32, generation uint16, sock Socket, bufSize int) *Flow {
	h := handle.Make(index, false, generation)
	return &Flow{
		Index:   index,
		Inbound: NewConn(sock, h, bufSize),
		bufSize: bufSize,
	}
}

// RegisterInbound registers the inbound half with the reactor,
// edge-triggered with the full event mask.
func (f *Flow) RegisterInbound(r Registrar) error {
	f.Inbound.events = Full
	return r.Register(f.Inbound.H, Full)
}

// Dialer opens a non-blocking outbound connection to addr. Implemented
// by the reactor's socket layer; kept as a function type so Flow never
// imports it directly.
type Dialer func(addr string) (Socket, error)

// SetOutbound dials addr, installs the outbound half under the
// high-bit-tagged twin of the inbound handle, registers it
// edge-triggered with the full event mask, and re-registers inbound
// (whose mask may have changed). If the dial or either registration
// fails, the Flow is left unusable and the caller should remove it.
func (f *Flow) SetOutbound(dial Dialer, addr string, r Registrar) error {
	sock, err := dial(addr)
	if err != nil {
		return err
	}
	outH := handle.Make(f.Index, true, f.Inbound.H.Generation())
	out := NewConn(sock, outH, f.bufSize)
	// Installed on f before registration so a Registrar that resolves a
	// handle's fd by looking the Flow back up (as Nexus does) can find
	// it mid-call.
	f.Outbound = out
	if err := r.Register(outH, Full); err != nil {
		f.Outbound = nil
		sock.Close()
		return err
	}
	if err := r.Reregister(f.Inbound.H, f.Inbound.events); err != nil {
		return err
	}
	return nil
}

// resolved reports whether the outbound half has been installed.
func (f *Flow) resolved() bool { return f.Outbound != nil }

// Read handles a readable event on the indicated half. It returns
// keepAlive = false to tell the reactor to remove the Flow.
func (f *Flow) Read(inbound bool, mux multiplex.Multiplexer, dial Dialer, r Registrar) (keepAlive bool) {
	if !f.resolved() {
		return f.readPreResolution(mux, dial, r)
	}
	return f.readForwarding(inbound, r)
}

// readPreResolution implements the pre-resolution phase described for
// Flow.read: read into the inbound buffer until would-block, consulting
// the Multiplexer with the whole accumulated prefix after every fill
// pass (reads until would-block or a full buffer) that returned data.
func (f *Flow) readPreResolution(mux multiplex.Multiplexer, dial Dialer, r Registrar) bool {
	c := f.Inbound
	for {
		n := c.fillFromSocket()
		if c.dead {
			// EOF or read error during pre-resolution: abort the Flow.
			return false
		}
		if n == 0 {
			return true
		}

		first, second := c.buf.ReadSlice()
		prefix := first
		if second != nil {
			prefix = append(append([]byte(nil), first...), second...)
		}
		decision := mux.Destination(prefix)
		metrics.MultiplexDecisions.WithLabelValues(outcomeLabel(decision.Outcome)).Inc()
		switch decision.Outcome {
		case multiplex.NeedMore:
			if c.buf.Full() {
				// A ClientHello larger than the buffer is pathological.
				return false
			}
			continue
		case multiplex.Mismatch:
			return false
		case multiplex.Match:
			if err := f.SetOutbound(dial, decision.Addr, r); err != nil {
				return false
			}
			return true
		}
	}
}

// directionTo labels a forwarding write by which half the bytes are
// landing on: toOutbound true means the backend is receiving them.
func directionTo(toOutbound bool) string {
	if toOutbound {
		return "to_backend"
	}
	return "to_client"
}

func outcomeLabel(o multiplex.Outcome) string {
	switch o {
	case multiplex.NeedMore:
		return "need_more"
	case multiplex.Mismatch:
		return "mismatch"
	case multiplex.Match:
		return "match"
	default:
		return "unknown"
	}
}

// readForwarding implements the forwarding-phase read described for
// Flow.read: fill this half's buffer, then opportunistically drain it
// into the peer if the peer is currently writable.
func (f *Flow) readForwarding(inbound bool, r Registrar) bool {
	self, peer := f.halves(inbound)

	wasFull := self.buf.Full()
	self.fillFromSocket()

	if peer.writable {
		if fatal := drainToSocket(peer, self.buf, directionTo(inbound)); fatal {
			return false
		}
	}
	if self.Drained() {
		peer.closeWriteOnce()
	}

	if wasFull && !self.buf.Full() {
		rearmReadable(self, r)
	}
	if self.buf.Full() {
		suspendReadable(self, r)
	}

	return f.settle()
}

// Write handles a writable event on the indicated half: it marks that
// half writable and attempts to drain the peer's buffer into it. If the
// peer's buffer was full and is now not, the peer's readable interest is
// re-armed.
func (f *Flow) Write(inbound bool, r Registrar) (keepAlive bool) {
	self, peer := f.halves(inbound)
	self.writable = true

	if peer == nil {
		// Outbound not resolved yet: nothing queued to drain.
		return true
	}

	peerWasFull := peer.buf.Full()
	if fatal := drainToSocket(self, peer.buf, directionTo(!inbound)); fatal {
		return false
	}
	if peer.Drained() {
		self.closeWriteOnce()
	}
	if peer.buf.Empty() {
		rearmReadable(peer, r)
	} else if peerWasFull && !peer.buf.Full() {
		rearmReadable(peer, r)
	}

	return f.settle()
}

// halves returns (self, peer) for the named side. Before the outbound
// half exists, peer is nil and must not be dereferenced by the caller
// except through the pre-resolution path, which never calls halves.
func (f *Flow) halves(inbound bool) (self, peer *Conn) {
	if inbound {
		return f.Inbound, f.Outbound
	}
	return f.Outbound, f.Inbound
}

// settle reports whether the Flow should remain alive: false iff both
// halves are dead with nothing left buffered for the peer to drain.
func (f *Flow) settle() bool {
	if f.Outbound == nil {
		return true
	}
	if f.Inbound.Drained() && f.Outbound.Drained() {
		return false
	}
	return true
}

func suspendReadable(c *Conn, r Registrar) {
	if !c.events.Has(Readable) {
		return
	}
	c.events &^= Readable
	_ = r.Reregister(c.H, c.events)
}

func rearmReadable(c *Conn, r Registrar) {
	if c.events.Has(Readable) || c.dead {
		return
	}
	c.events |= Readable
	_ = r.Reregister(c.H, c.events)
}

// Close unregisters and closes both halves of the Flow. Errors from
// deregistration are ignored: the Flow is going away regardless.
func (f *Flow) Close(r Registrar) {
	if f.Inbound != nil {
		_ = r.Deregister(f.Inbound.H)
		_ = f.Inbound.Sock.Close()
	}
	if f.Outbound != nil {
		_ = r.Deregister(f.Outbound.H)
		_ = f.Outbound.Sock.Close()
	}
}
