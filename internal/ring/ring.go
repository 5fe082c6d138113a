// Package ring implements a fixed capacity byte ring buffer with
// borrow and commit access, used for TCP socket send and receive queues.
package ring

import "errors"

var errShortRing = errors.New("ring: zero capacity")

// Buffer is a circular byte queue. Its capacity is fixed at creation.
// The zero value is not usable, see [New].
type Buffer struct {
	buf []byte
	off int // index of first unread byte.
	n   int // number of unread bytes.
}

// New returns a ring buffer with the given fixed capacity.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		panic(errShortRing)
	}
	return &Buffer{buf: make([]byte, capacity)}
}

// Len returns the number of buffered bytes.
func (r *Buffer) Len() int { return r.n }

// Cap returns the fixed capacity of the buffer.
func (r *Buffer) Cap() int { return len(r.buf) }

// Free returns how many bytes may be written before the buffer is full.
func (r *Buffer) Free() int { return len(r.buf) - r.n }

func (r *Buffer) IsEmpty() bool { return r.n == 0 }
func (r *Buffer) IsFull() bool  { return r.n == len(r.buf) }

// Reset discards all buffered data.
func (r *Buffer) Reset() {
	r.off = 0
	r.n = 0
}

// readable returns the first contiguous run of unread bytes.
func (r *Buffer) readable() []byte {
	end := r.off + r.n
	if end > len(r.buf) {
		end = len(r.buf)
	}
	return r.buf[r.off:end]
}

// writable returns the first contiguous run of free bytes.
func (r *Buffer) writable() []byte {
	start := r.off + r.n
	if start >= len(r.buf) {
		start -= len(r.buf)
		return r.buf[start:r.off]
	}
	return r.buf[start:]
}

// Recv lends fn the largest contiguous run of buffered bytes and consumes
// as many bytes as fn reports. The slice must not be retained after fn returns.
// fn is called with an empty slice if the buffer is empty.
func (r *Buffer) Recv(fn func(data []byte) (consumed int)) int {
	data := r.readable()
	consumed := fn(data)
	if consumed < 0 || consumed > len(data) {
		panic("ring: consumed out of range")
	}
	r.consume(consumed)
	return consumed
}

// Send lends fn the largest contiguous run of free bytes and commits
// as many bytes as fn reports written. fn is called with an empty slice
// if the buffer is full.
func (r *Buffer) Send(fn func(free []byte) (written int)) int {
	free := r.writable()
	written := fn(free)
	if written < 0 || written > len(free) {
		panic("ring: written out of range")
	}
	r.n += written
	return written
}

// Write enqueues as much of p as fits and returns the number of bytes written.
func (r *Buffer) Write(p []byte) int {
	total := 0
	for len(p) > 0 && !r.IsFull() {
		n := copy(r.writable(), p)
		r.n += n
		p = p[n:]
		total += n
	}
	return total
}

// Read dequeues up to len(p) bytes into p.
func (r *Buffer) Read(p []byte) int {
	n := r.Peek(0, p)
	r.consume(n)
	return n
}

// Peek copies buffered bytes starting offset bytes after the first unread
// byte into p without consuming them. It returns the number of bytes copied.
func (r *Buffer) Peek(offset int, p []byte) int {
	if offset < 0 || offset >= r.n {
		return 0
	}
	avail := r.n - offset
	if len(p) > avail {
		p = p[:avail]
	}
	start := r.off + offset
	if start >= len(r.buf) {
		start -= len(r.buf)
	}
	n := copy(p, r.buf[start:])
	if n < len(p) {
		n += copy(p[n:], r.buf)
	}
	return n
}

// Discard consumes up to n buffered bytes and returns how many were discarded.
func (r *Buffer) Discard(n int) int {
	if n > r.n {
		n = r.n
	}
	if n < 0 {
		n = 0
	}
	r.consume(n)
	return n
}

func (r *Buffer) consume(n int) {
	r.n -= n
	r.off += n
	if r.off >= len(r.buf) {
		r.off -= len(r.buf)
	}
	if r.n == 0 {
		r.off = 0 // Maximize contiguous space.
	}
}
