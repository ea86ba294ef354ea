package flow

// Socket is the raw, non-blocking byte-stream primitive a Conn drives.
// The reactor's accept/dial paths construct the concrete implementation
// directly on top of golang.org/x/sys/unix file descriptors; Flow and
// Conn only ever see this interface, which keeps them host-independent
// and lets tests substitute an in-memory fake.
type Socket interface {
	// Read behaves like a non-blocking read(2): a positive n is some
	// data, n == 0 with a nil error is EOF, and ErrWouldBlock means try
	// again once the reactor reports readability.
	Read(p []byte) (n int, err error)
	// Write behaves like a non-blocking write(2): ErrWouldBlock means
	// the kernel send buffer is full; try again on the next writable
	// event.
	Write(p []byte) (n int, err error)
	// CloseWrite shuts down the write half only (TCP FIN), leaving the
	// read half open so the peer's remaining bytes can still arrive.
	CloseWrite() error
	// Close releases the underlying descriptor entirely.
	Close() error
}

// ErrWouldBlock is returned by Socket.Read/Write in place of EAGAIN.
var ErrWouldBlock = errWouldBlock{}

type errWouldBlock struct{}

func (errWouldBlock) Error() string { return "flow: operation would block" }
