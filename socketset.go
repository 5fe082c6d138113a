package pollhost

import (
	"sync/atomic"
)

var lastSetID atomic.Uint32

// Handle refers to a socket owned by a [SocketSet]. It is a small comparable
// value and remains valid until the socket is removed. The zero Handle is invalid.
type Handle struct {
	set uint32
	idx uint32
	gen uint32
}

// IsValid reports whether h was returned by a SocketSet. It does not check
// whether the socket was since removed.
func (h Handle) IsValid() bool { return h.gen != 0 }

type socketSlot struct {
	gen  uint32
	sock any // *TCPSocket or *UDPSocket. nil if slot is free.
}

// SocketSet is an arena of sockets addressed by generation checked handles.
// A handle of a removed socket is never valid again, even if its slot is reused.
type SocketSet struct {
	id    uint32
	slots []socketSlot
	free  []uint32
}

func (s *SocketSet) init() {
	if s.id == 0 {
		s.id = lastSetID.Add(1)
	}
}

func (s *SocketSet) add(sock any) Handle {
	s.init()
	var idx uint32
	if n := len(s.free); n > 0 {
		idx = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		idx = uint32(len(s.slots))
		s.slots = append(s.slots, socketSlot{})
	}
	slot := &s.slots[idx]
	slot.gen++
	if slot.gen == 0 {
		slot.gen++ // Zero generation marks the invalid handle.
	}
	slot.sock = sock
	return Handle{set: s.id, idx: idx, gen: slot.gen}
}

// AddTCP adds a TCP socket to the set and returns its handle.
func (s *SocketSet) AddTCP(sock *TCPSocket) Handle {
	if sock == nil {
		panic("pollhost: nil TCP socket")
	}
	return s.add(sock)
}

// AddUDP adds a UDP socket to the set and returns its handle.
func (s *SocketSet) AddUDP(sock *UDPSocket) Handle {
	if sock == nil {
		panic("pollhost: nil UDP socket")
	}
	return s.add(sock)
}

// Remove removes the socket referenced by h from the set. Its handle becomes stale.
func (s *SocketSet) Remove(h Handle) error {
	slot, ok := s.lookup(h)
	if !ok {
		return ErrInvalidState
	}
	slot.sock = nil
	s.free = append(s.free, h.idx)
	return nil
}

// Len returns the number of sockets in the set.
func (s *SocketSet) Len() int { return len(s.slots) - len(s.free) }

// TCP returns the TCP socket referenced by h. It panics if h is stale,
// belongs to another set or refers to a UDP socket.
func (s *SocketSet) TCP(h Handle) *TCPSocket { return get[*TCPSocket](s, h) }

// UDP returns the UDP socket referenced by h. It panics if h is stale,
// belongs to another set or refers to a TCP socket.
func (s *SocketSet) UDP(h Handle) *UDPSocket { return get[*UDPSocket](s, h) }

func (s *SocketSet) lookup(h Handle) (*socketSlot, bool) {
	if h.set != s.id || !h.IsValid() || int(h.idx) >= len(s.slots) {
		return nil, false
	}
	slot := &s.slots[h.idx]
	if slot.gen != h.gen || slot.sock == nil {
		return nil, false
	}
	return slot, true
}

func get[T any](s *SocketSet, h Handle) T {
	if h.set != s.id {
		panic("pollhost: handle belongs to another socket set")
	}
	slot, ok := s.lookup(h)
	if !ok {
		panic("pollhost: stale socket handle")
	}
	sock, ok := slot.sock.(T)
	if !ok {
		panic("pollhost: handle refers to a socket of another kind")
	}
	return sock
}

// each calls fn for every socket in slot order.
func (s *SocketSet) each(fn func(sock any) bool) {
	for i := range s.slots {
		if s.slots[i].sock != nil && !fn(s.slots[i].sock) {
			return
		}
	}
}
