package phy

import (
	"context"
	"sync"
	"time"
)

// PipeEnd is one side of an in-memory point to point link created by [NewPipe].
// It is safe for concurrent use.
type PipeEnd struct {
	caps  Capabilities
	mu    *sync.Mutex
	rx    *[][]byte
	peer  *PipeEnd
	ready chan struct{}
	// closed is shared by both ends.
	closed *bool
}

var _ Device = (*PipeEnd)(nil)

// NewPipe returns two connected devices. Frames written to one end are read
// from the other in order.
func NewPipe(caps Capabilities) (a, b *PipeEnd) {
	var mu sync.Mutex
	var closed bool
	var qa, qb [][]byte
	a = &PipeEnd{caps: caps, mu: &mu, rx: &qa, ready: make(chan struct{}, 1), closed: &closed}
	b = &PipeEnd{caps: caps, mu: &mu, rx: &qb, ready: make(chan struct{}, 1), closed: &closed}
	a.peer = b
	b.peer = a
	return a, b
}

func (p *PipeEnd) Capabilities() Capabilities { return p.caps }

func (p *PipeEnd) ReadFrame(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if *p.closed {
		return 0, ErrClosed
	}
	q := *p.rx
	if len(q) == 0 {
		return 0, ErrWouldBlock
	}
	n := copy(b, q[0])
	q[0] = nil
	*p.rx = q[1:]
	return n, nil
}

func (p *PipeEnd) WriteFrame(b []byte) error {
	if len(b) > p.caps.MTU {
		return ErrFrameTooLarge
	}
	p.mu.Lock()
	if *p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	*p.peer.rx = append(*p.peer.rx, append([]byte(nil), b...))
	p.mu.Unlock()
	select {
	case p.peer.ready <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the number of frames waiting to be read on this end.
func (p *PipeEnd) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(*p.rx)
}

// Close closes both ends of the pipe.
func (p *PipeEnd) Close() error {
	p.mu.Lock()
	*p.closed = true
	p.mu.Unlock()
	return nil
}

// Wait implements [Waiter] for the pipe end.
func (p *PipeEnd) Wait(ctx context.Context, timeout time.Duration, hasTimeout bool) error {
	if p.Pending() > 0 {
		return nil
	}
	var timer <-chan time.Time
	if hasTimeout {
		if timeout <= 0 {
			return nil
		}
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ready:
	case <-timer:
	}
	return nil
}
