package flow

import (
	"errors"

	"github.com/darkprokoba/tnexus/internal/handle"
	"github.com/darkprokoba/tnexus/internal/metrics"
)

// Conn is one half of a Flow. The states of its state machine (Active,
// ReadSuspended, WriteSuspended and Dead) are not mutually exclusive on
// the read/write axes, so Conn tracks them as independent flags rather
// than a single enum.
type Conn struct {
	Sock Socket
	H    handle.Handle

	events Events // event mask currently registered with the reactor

	dead        bool // peer's send side is closed (EOF observed)
	writable    bool // kernel has accepted writes since the last would-block
	writeClosed bool // our own send side has been shut down (FIN sent)

	buf *RingBuf
}

// closeWriteOnce shuts down c's write half exactly once. Called when the
// peer whose bytes flow into c has gone Drained: nothing more will ever
// arrive for c to forward, so the half-close is propagated downstream.
func (c *Conn) closeWriteOnce() {
	if c.writeClosed {
		return
	}
	c.writeClosed = true
	_ = c.Sock.CloseWrite()
}

// NewConn wraps sock as a Conn registered under h, with a fresh ring
// buffer of the given size and the full event mask.
func NewConn(sock Socket, h handle.Handle, bufSize int) *Conn {
	return &Conn{
		Sock:     sock,
		H:        h,
		events:   Full,
		writable: true,
		buf:      NewRingBuf(bufSize),
	}
}

// Dead reports whether this half's read side has reached EOF or a fatal
// read error.
func (c *Conn) Dead() bool { return c.dead }

// Drained reports whether this half is dead and has nothing left
// buffered for its peer to consume.
func (c *Conn) Drained() bool { return c.dead && c.buf.Empty() }

// fillFromSocket reads into c's ring buffer until the socket would-block,
// the buffer fills, or a terminal condition (EOF/error) is reached,
// setting c.dead on EOF or a read error. It returns the number of bytes
// read in this call.
func (c *Conn) fillFromSocket() (read int) {
	if c.dead {
		return 0
	}
	for !c.buf.Full() {
		first, _ := c.buf.WriteSlice()
		n, err := c.Sock.Read(first)
		if n > 0 {
			c.buf.Commit(n)
			read += n
		}
		if err != nil {
			if !errors.Is(err, ErrWouldBlock) {
				// read error: suspend reads, keep the Flow alive so the
				// peer can still drain whatever is already buffered.
				c.dead = true
			}
			return read
		}
		if n == 0 {
			c.dead = true
			return read
		}
	}
	return read
}

// drainToSocket writes as much of src (the peer's buffer) as possible
// into dst's socket. It returns fatal = true when a genuine write error
// (as opposed to would-block) occurred, which per the write semantics
// means the whole Flow must be torn down. direction labels the
// BytesForwarded metric ("to_backend" or "to_client").
func drainToSocket(dst *Conn, src *RingBuf, direction string) (fatal bool) {
	for !src.Empty() && dst.writable {
		first, _ := src.ReadSlice()
		n, err := dst.Sock.Write(first)
		if n > 0 {
			src.Consume(n)
			metrics.BytesForwarded.WithLabelValues(direction).Add(float64(n))
		}
		if err != nil {
			dst.writable = false
			return !errors.Is(err, ErrWouldBlock)
		}
		if n < len(first) {
			dst.writable = false
			return false
		}
	}
	return false
}
