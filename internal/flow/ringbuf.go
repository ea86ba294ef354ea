package flow

// RingBuf is a fixed-capacity circular byte buffer with exactly one
// producer (a Conn's read path) and one consumer (the peer Conn's write
// path). Both sides run on the reactor thread, so no locking is needed.
type RingBuf struct {
	buf   []byte
	head  int // next byte to read
	count int // occupied bytes
}

// NewRingBuf allocates a RingBuf with room for size bytes.
func NewRingBuf(size int) *RingBuf {
	if size <= 0 {
		panic("flow: ring buffer size must be positive")
	}
	return &RingBuf{buf: make([]byte, size)}
}

// Len returns the number of occupied bytes.
func (r *RingBuf) Len() int { return r.count }

// Free returns the number of bytes that can still be written.
func (r *RingBuf) Free() int { return len(r.buf) - r.count }

// Full reports whether the buffer has no room left.
func (r *RingBuf) Full() bool { return r.count == len(r.buf) }

// Empty reports whether the buffer holds no bytes.
func (r *RingBuf) Empty() bool { return r.count == 0 }

// Cap returns the buffer's total capacity.
func (r *RingBuf) Cap() int { return len(r.buf) }

// WriteSlice exposes up to two contiguous slices the caller may fill
// (via a non-blocking read) without copying: the tail run from the
// write cursor to the end of the backing array, and the wrap-around
// run at the front, if the first slice alone doesn't cover all free
// space.
func (r *RingBuf) WriteSlice() (first, second []byte) {
	if r.Free() == 0 {
		return nil, nil
	}
	tail := (r.head + r.count) % len(r.buf)
	end := len(r.buf)
	if tail+r.Free() <= end {
		return r.buf[tail : tail+r.Free()], nil
	}
	return r.buf[tail:end], r.buf[0 : r.Free()-(end-tail)]
}

// Commit records that n bytes were written into the slices returned by
// the most recent WriteSlice call.
func (r *RingBuf) Commit(n int) {
	r.count += n
	if r.count > len(r.buf) {
		panic("flow: ring buffer overcommitted")
	}
}

// ReadSlice exposes up to two contiguous slices of occupied bytes, in
// order, that the caller may drain (via a non-blocking write) without
// copying.
func (r *RingBuf) ReadSlice() (first, second []byte) {
	if r.count == 0 {
		return nil, nil
	}
	end := len(r.buf)
	if r.head+r.count <= end {
		return r.buf[r.head : r.head+r.count], nil
	}
	return r.buf[r.head:end], r.buf[0 : r.count-(end-r.head)]
}

// Consume records that n bytes were drained from the slices returned by
// the most recent ReadSlice call, advancing the read cursor.
func (r *RingBuf) Consume(n int) {
	if n > r.count {
		panic("flow: ring buffer overconsumed")
	}
	r.head = (r.head + n) % len(r.buf)
	r.count -= n
}
