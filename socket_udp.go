package pollhost

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/eapache/queue"
)

type udpPacket struct {
	// remote is the sender for received packets and the destination for sent ones.
	remote netip.AddrPort
	// local is the address the packet was received on, or the source of a
	// reply. Invalid lets the interface pick the source.
	local   netip.Addr
	payload []byte
}

// packetQueue is a FIFO of datagrams bounded by slot count and total payload size.
type packetQueue struct {
	q        *queue.Queue
	slots    int
	capBytes int
	used     int
}

func newPacketQueue(slots, capBytes int) packetQueue {
	if slots <= 0 || capBytes <= 0 {
		panic("pollhost: UDP buffer must have at least one slot and one byte")
	}
	return packetQueue{q: queue.New(), slots: slots, capBytes: capBytes}
}

func (pq *packetQueue) len() int { return pq.q.Length() }

func (pq *packetQueue) fits(n int) bool {
	return pq.q.Length() < pq.slots && pq.used+n <= pq.capBytes
}

func (pq *packetQueue) push(p udpPacket) {
	pq.q.Add(p)
	pq.used += len(p.payload)
}

func (pq *packetQueue) peek() udpPacket { return pq.q.Peek().(udpPacket) }

func (pq *packetQueue) pop() udpPacket {
	p := pq.q.Remove().(udpPacket)
	pq.used -= len(p.payload)
	return p
}

func (pq *packetQueue) reset() {
	for pq.q.Length() > 0 {
		pq.q.Remove()
	}
	pq.used = 0
}

// UDPBufferConfig sets the capacity of one direction of a [UDPSocket].
type UDPBufferConfig struct {
	// Slots is the maximum number of queued datagrams.
	Slots int
	// Bytes is the maximum total payload size of queued datagrams.
	Bytes int
}

// UDPSocket is a datagram socket bound to a local port. Its buffers are
// fixed at creation. Received datagrams that do not fit are dropped.
type UDPSocket struct {
	port uint16
	rx   packetQueue
	tx   packetQueue
	// hold delays transmission while the next hop's link address is resolved.
	hold    time.Time
	dropped uint64
	// last is the sender and destination address of the last datagram received.
	last udpPacket
}

// NewUDPSocket creates an unbound UDP socket with the given buffer limits.
func NewUDPSocket(rx, tx UDPBufferConfig) *UDPSocket {
	return &UDPSocket{
		rx: newPacketQueue(rx.Slots, rx.Bytes),
		tx: newPacketQueue(tx.Slots, tx.Bytes),
	}
}

// Bind binds the socket to a local port.
func (s *UDPSocket) Bind(port uint16) error {
	if port == 0 {
		return ErrUnaddressable
	}
	if s.IsOpen() {
		return ErrInvalidState
	}
	s.port = port
	return nil
}

// Close unbinds the socket and discards queued datagrams.
func (s *UDPSocket) Close() {
	s.port = 0
	s.rx.reset()
	s.tx.reset()
	s.hold = time.Time{}
	s.last = udpPacket{}
}

// IsOpen reports whether the socket is bound.
func (s *UDPSocket) IsOpen() bool { return s.port != 0 }

// LocalPort returns the bound port or 0.
func (s *UDPSocket) LocalPort() uint16 { return s.port }

// CanSend reports whether at least an empty datagram can be queued.
func (s *UDPSocket) CanSend() bool { return s.tx.fits(0) }

// CanRecv reports whether a datagram is queued for reception.
func (s *UDPSocket) CanRecv() bool { return s.rx.len() > 0 }

// Dropped returns how many received datagrams were dropped for lack of buffer space.
func (s *UDPSocket) Dropped() uint64 { return s.dropped }

// Recv dequeues a received datagram. The returned payload is owned by the
// caller. It returns [ErrExhausted] when nothing is queued. Datagrams sent
// back to the sender are sourced from the address this one was sent to.
func (s *UDPSocket) Recv() ([]byte, netip.AddrPort, error) {
	if s.rx.len() == 0 {
		return nil, netip.AddrPort{}, ErrExhausted
	}
	p := s.rx.pop()
	s.last = udpPacket{remote: p.remote, local: p.local}
	return p.payload, p.remote, nil
}

// RecvSlice dequeues a received datagram into b, truncating it if b is short.
func (s *UDPSocket) RecvSlice(b []byte) (int, netip.AddrPort, error) {
	payload, from, err := s.Recv()
	if err != nil {
		return 0, from, err
	}
	return copy(b, payload), from, nil
}

// SendSlice queues a copy of data for transmission to the given endpoint.
func (s *UDPSocket) SendSlice(data []byte, to netip.AddrPort) error {
	if !s.IsOpen() || !to.IsValid() || to.Port() == 0 || to.Addr().IsUnspecified() || to.Addr().Is4In6() {
		return ErrUnaddressable
	}
	if len(data) > s.tx.capBytes {
		return fmt.Errorf("%w: datagram of %d octets exceeds capacity", ErrBufferFull, len(data))
	}
	if !s.tx.fits(len(data)) {
		return ErrBufferFull
	}
	var local netip.Addr
	if to == s.last.remote {
		local = s.last.local
	}
	s.tx.push(udpPacket{remote: to, local: local, payload: append([]byte(nil), data...)})
	return nil
}

// accepts reports whether the socket is bound to dstPort.
func (s *UDPSocket) accepts(dstPort uint16) bool {
	return s.port != 0 && s.port == dstPort
}

// process queues a received datagram, dropping it if the rx buffer is full.
func (s *UDPSocket) process(local netip.Addr, remote netip.AddrPort, payload []byte) bool {
	if !s.rx.fits(len(payload)) {
		s.dropped++
		return false
	}
	s.rx.push(udpPacket{remote: remote, local: local, payload: append([]byte(nil), payload...)})
	return true
}

func (s *UDPSocket) pollAt() (time.Time, bool) {
	if s.tx.len() == 0 {
		return time.Time{}, false
	}
	return s.hold, true
}

func (s *UDPSocket) dispatch(now time.Time, iface *Interface) (changed bool, err error) {
	if now.Before(s.hold) {
		return false, nil
	}
	for s.tx.len() > 0 {
		p := s.tx.peek()
		err = iface.sendUDP(now, p.local, s.port, p.remote, p.payload)
		if errors.Is(err, errNeighborPending) {
			s.hold = now.Add(resolveSilence)
			return changed, err
		} else if err != nil && !errors.Is(err, errDeviceBusy) {
			// Undeliverable datagrams are discarded.
			s.tx.pop()
			return true, err
		} else if err != nil {
			return changed, err
		}
		s.tx.pop()
		s.hold = time.Time{}
		changed = true
	}
	return changed, nil
}

func (s *UDPSocket) unhold() { s.hold = time.Time{} }
