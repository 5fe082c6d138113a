package pollhost

import (
	"errors"
	"net/netip"
	"time"

	"github.com/soypat/pollhost/internal/ring"
	"github.com/soypat/pollhost/internal/tcpctl"
	"github.com/soypat/seqs"
)

const (
	rtoBase      = time.Second
	rtoMax       = 60 * time.Second
	timeWaitTime = 10 * time.Second
	// defaultMSS is assumed when the remote's SYN carries no MSS option (RFC 1122).
	defaultMSS = 536
	// maxSegmentsPerDispatch bounds the segments one socket emits per poll.
	maxSegmentsPerDispatch = 32
)

// TCPSocket is a passive-open TCP socket with fixed size stream buffers.
// All methods are non-blocking.
type TCPSocket struct {
	tcb tcpctl.ControlBlock
	rx  *ring.Buffer
	tx  *ring.Buffer

	local  netip.AddrPort
	remote netip.AddrPort
	// sndMSS is the maximum segment size for segments we send.
	sndMSS uint16

	keepAlive time.Duration
	timeout   time.Duration

	remoteLastTS time.Time
	keepAliveAt  time.Time
	rtoAt        time.Time
	rto          time.Duration
	timeWaitAt   time.Time
	// hold delays transmission while the remote's link address is resolved.
	hold time.Time

	ackPending bool
	// advWnd is the receive window advertised in the last segment sent.
	advWnd seqs.Size

	rstPending bool
	rstSeg     seqs.Segment
	rstLocal   netip.AddrPort
	rstRemote  netip.AddrPort
}

// NewTCPSocket creates a closed TCP socket with receive and transmit
// buffers of the given capacities.
func NewTCPSocket(rxSize, txSize int) *TCPSocket {
	s := &TCPSocket{
		rx:  ring.New(rxSize),
		tx:  ring.New(txSize),
		rto: rtoBase,
	}
	s.tcb.Abort()
	return s
}

// State returns the state of the connection.
func (s *TCPSocket) State() seqs.State { return s.tcb.State() }

// LocalEndpoint returns the local address and port. The address is invalid until a connection is accepted.
func (s *TCPSocket) LocalEndpoint() netip.AddrPort { return s.local }

// RemoteEndpoint returns the remote address and port of an accepted connection.
func (s *TCPSocket) RemoteEndpoint() netip.AddrPort { return s.remote }

// IsOpen reports whether the socket is not closed nor in TIME-WAIT.
func (s *TCPSocket) IsOpen() bool {
	st := s.tcb.State()
	return st != seqs.StateClosed && st != seqs.StateTimeWait
}

// IsListening reports whether the socket waits for a connection.
func (s *TCPSocket) IsListening() bool { return s.tcb.State() == seqs.StateListen }

// IsActive reports whether the socket holds a connection: it is open and not listening.
func (s *TCPSocket) IsActive() bool {
	switch s.tcb.State() {
	case seqs.StateClosed, seqs.StateTimeWait, seqs.StateListen:
		return false
	}
	return true
}

// MaySend reports whether the connection allows queueing data for transmission.
func (s *TCPSocket) MaySend() bool {
	st := s.tcb.State()
	return st == seqs.StateEstablished || st == seqs.StateCloseWait
}

// MayRecv reports whether data may still be received: the remote has not
// closed its half of the connection, or received data is still buffered.
func (s *TCPSocket) MayRecv() bool {
	switch s.tcb.State() {
	case seqs.StateEstablished, seqs.StateFinWait1, seqs.StateFinWait2:
		return true
	}
	return !s.rx.IsEmpty()
}

// CanSend reports whether data may be sent and the transmit buffer has room.
func (s *TCPSocket) CanSend() bool { return s.MaySend() && !s.tx.IsFull() }

// CanRecv reports whether received data is buffered.
func (s *TCPSocket) CanRecv() bool { return !s.rx.IsEmpty() }

func (s *TCPSocket) RecvQueue() int    { return s.rx.Len() }
func (s *TCPSocket) SendQueue() int    { return s.tx.Len() }
func (s *TCPSocket) RecvCapacity() int { return s.rx.Cap() }
func (s *TCPSocket) SendCapacity() int { return s.tx.Cap() }

// KeepAlive returns the keep-alive interval, zero if disabled.
func (s *TCPSocket) KeepAlive() time.Duration { return s.keepAlive }

// SetKeepAlive sets the interval of silence after which a keep-alive segment
// is sent. Zero disables keep-alive. The setting outlives connections.
func (s *TCPSocket) SetKeepAlive(d time.Duration) {
	s.keepAlive = max(d, 0)
	if !s.remoteLastTS.IsZero() {
		s.keepAliveAt = s.remoteLastTS.Add(s.keepAlive)
	}
}

// Timeout returns the idle timeout, zero if disabled.
func (s *TCPSocket) Timeout() time.Duration { return s.timeout }

// SetTimeout sets how long the connection may go without receiving any
// segment before it is reset. Zero disables the timeout. The setting outlives connections.
func (s *TCPSocket) SetTimeout(d time.Duration) { s.timeout = max(d, 0) }

// Listen starts waiting for connections on the local port.
// A socket in TIME-WAIT abandons it.
func (s *TCPSocket) Listen(port uint16) error {
	if port == 0 {
		return ErrUnaddressable
	}
	if s.IsOpen() {
		return ErrInvalidState
	}
	s.reset()
	s.tcb.Listen()
	s.local = netip.AddrPortFrom(netip.Addr{}, port)
	return nil
}

// Close closes the transmit half of the connection. Buffered data is sent
// before the FIN. A listening socket is closed immediately.
func (s *TCPSocket) Close() {
	s.tcb.Close()
	if s.tcb.State() == seqs.StateClosed {
		s.reset()
	}
}

// Abort closes the connection immediately, discarding buffered data, and
// sends a reset to the remote if the connection was synchronized.
func (s *TCPSocket) Abort() {
	if s.tcb.Synchronized() {
		snd := s.tcb.SendSpace()
		s.rstPending = true
		s.rstSeg = seqs.Segment{SEQ: snd.NXT, Flags: seqs.FlagRST}
		s.rstLocal = s.local
		s.rstRemote = s.remote
	}
	s.reset()
}

// Send lends fn the largest contiguous free run of the transmit buffer and
// queues the number of octets fn reports written.
func (s *TCPSocket) Send(fn func(free []byte) int) (int, error) {
	if !s.MaySend() {
		return 0, ErrInvalidState
	}
	return s.tx.Send(fn), nil
}

// SendSlice queues as much of b as fits in the transmit buffer.
func (s *TCPSocket) SendSlice(b []byte) (int, error) {
	if !s.MaySend() {
		return 0, ErrInvalidState
	}
	return s.tx.Write(b), nil
}

// Recv lends fn the largest contiguous run of received data and consumes
// the number of octets fn reports used.
func (s *TCPSocket) Recv(fn func(data []byte) int) (int, error) {
	if !s.MayRecv() {
		return 0, ErrInvalidState
	}
	return s.rx.Recv(fn), nil
}

// RecvSlice dequeues received data into b.
func (s *TCPSocket) RecvSlice(b []byte) (int, error) {
	if !s.MayRecv() {
		return 0, ErrInvalidState
	}
	return s.rx.Read(b), nil
}

// reset returns the socket to CLOSED keeping buffers and settings.
func (s *TCPSocket) reset() {
	s.tcb.Abort()
	s.rx.Reset()
	s.tx.Reset()
	s.local = netip.AddrPort{}
	s.remote = netip.AddrPort{}
	s.sndMSS = 0
	s.remoteLastTS = time.Time{}
	s.keepAliveAt = time.Time{}
	s.rtoAt = time.Time{}
	s.rto = rtoBase
	s.timeWaitAt = time.Time{}
	s.hold = time.Time{}
	s.ackPending = false
	s.advWnd = 0
}

func (s *TCPSocket) recvWindow() seqs.Size {
	return seqs.Size(clamp(s.rx.Free(), 0, 0xffff))
}

// accepts reports whether an incoming segment belongs to this socket.
func (s *TCPSocket) accepts(local, remote netip.AddrPort) bool {
	switch s.tcb.State() {
	case seqs.StateClosed:
		return false
	case seqs.StateListen:
		return s.local.Port() == local.Port()
	}
	return s.local == local && s.remote == remote
}

// process applies an incoming segment. rst is true when a reset must be
// sent to the segment's source in reply.
func (s *TCPSocket) process(now time.Time, iface *Interface, local, remote netip.AddrPort, seg seqs.Segment, peerMSS uint16, payload []byte) (rst bool) {
	prev := s.tcb.State()
	s.tcb.SetRecvWindow(s.recvWindow())
	if prev == seqs.StateListen {
		res, err := s.tcb.Accept(seg, iface.newISS())
		if err != nil {
			return false
		}
		if res.Action&tcpctl.ActionRST != 0 {
			return true
		}
		if s.tcb.State() != seqs.StateSynRcvd {
			return false
		}
		if peerMSS == 0 {
			peerMSS = defaultMSS
		}
		s.local = local
		s.remote = remote
		s.sndMSS = min(peerMSS, iface.localMSS(local.Addr()))
		s.touch(now)
		iface.debug("tcp: connection request",
			slogAddrPort("local", local), slogAddrPort("remote", remote))
		return false
	}

	res, err := s.tcb.Rcv(seg)
	if err != nil {
		return false
	}
	if res.Reset {
		iface.debug("tcp: reset by remote", slogAddrPort("remote", s.remote))
		port := s.local.Port()
		s.reset()
		if prev == seqs.StateSynRcvd {
			// Back to LISTEN.
			s.tcb.Listen()
			s.local = netip.AddrPortFrom(netip.Addr{}, port)
		}
		return false
	}
	if res.Action&tcpctl.ActionRST != 0 {
		return true
	}
	s.touch(now)
	if res.Acked > 0 {
		s.tx.Discard(int(res.Acked))
	}
	if res.AckAdvanced {
		s.rto = rtoBase
		s.rtoAt = time.Time{}
		if s.tcb.HasUnacked() {
			s.rtoAt = now.Add(s.rto)
		}
	}
	if res.DataLen > 0 {
		data := payload[res.DataSkip : res.DataSkip+res.DataLen]
		s.rx.Write(data)
	}
	if res.Action&tcpctl.ActionACK != 0 {
		s.ackPending = true
	}
	switch st := s.tcb.State(); {
	case st == seqs.StateClosed:
		iface.debug("tcp: connection closed", slogAddrPort("remote", s.remote))
		s.reset()
	case st == seqs.StateTimeWait && (prev != seqs.StateTimeWait || s.ackPending):
		s.timeWaitAt = now.Add(timeWaitTime)
		s.rtoAt = time.Time{}
	}
	return false
}

// touch records that a segment was received from the remote.
func (s *TCPSocket) touch(now time.Time) {
	s.remoteLastTS = now
	if s.keepAlive > 0 {
		s.keepAliveAt = now.Add(s.keepAlive)
	}
}

func (s *TCPSocket) unsent() int {
	return s.tx.Len() - int(s.tcb.InFlight())
}

func (s *TCPSocket) windowUpdateDue() bool {
	switch s.tcb.State() {
	case seqs.StateEstablished, seqs.StateFinWait1, seqs.StateFinWait2:
	default:
		return false
	}
	wnd := s.recvWindow()
	return wnd > s.advWnd && (s.advWnd == 0 || wnd >= 2*s.advWnd)
}

func (s *TCPSocket) hasOutput() bool {
	if s.rstPending {
		return true
	}
	if !s.tcb.Synchronized() {
		return false
	}
	if s.ackPending || s.windowUpdateDue() {
		return true
	}
	_, ok := s.tcb.PendingSegment(s.tx.Len(), int(s.sndMSS))
	return ok
}

func (s *TCPSocket) pollAt() (at time.Time, ok bool) {
	if s.hasOutput() {
		return s.hold, true
	}
	if !s.tcb.Synchronized() {
		return at, false
	}
	earliest := func(t time.Time) {
		if !ok || t.Before(at) {
			at, ok = t, true
		}
	}
	if s.tcb.State() == seqs.StateTimeWait {
		earliest(s.timeWaitAt)
		return at, ok
	}
	if !s.rtoAt.IsZero() {
		earliest(s.rtoAt)
	}
	if s.keepAliveArmed() {
		earliest(s.keepAliveAt)
	}
	if s.timeout > 0 {
		earliest(s.remoteLastTS.Add(s.timeout))
	}
	return at, ok
}

// dispatch runs the socket's timers and emits pending segments.
func (s *TCPSocket) dispatch(now time.Time, iface *Interface) (changed bool, err error) {
	if s.rstPending {
		if now.Before(s.hold) {
			return false, nil
		}
		err = iface.sendTCP(now, s.rstLocal, s.rstRemote, s.rstSeg, 0, nil)
		switch {
		case errors.Is(err, errNeighborPending):
			s.hold = now.Add(resolveSilence)
			return false, err
		case errors.Is(err, errDeviceBusy):
			return false, err
		}
		// Resets are sent at most once.
		s.rstPending = false
		s.hold = time.Time{}
		if err != nil {
			return true, err
		}
		changed = true
	}
	if !s.tcb.Synchronized() {
		return changed, nil
	}
	st := s.tcb.State()
	switch {
	case st == seqs.StateTimeWait && !now.Before(s.timeWaitAt):
		s.reset()
		return true, nil
	case st != seqs.StateTimeWait && s.timeout > 0 && !now.Before(s.remoteLastTS.Add(s.timeout)):
		iface.debug("tcp: connection timed out", slogAddrPort("remote", s.remote))
		s.Abort()
		_, err = s.dispatch(now, iface)
		return true, err
	}
	if !s.rtoAt.IsZero() && !now.Before(s.rtoAt) {
		s.rtoAt = time.Time{}
		if s.tcb.HasUnacked() {
			iface.debug("tcp: retransmit", slogAddrPort("remote", s.remote), slogDuration("rto", s.rto))
			s.tcb.Rewind()
			s.rto = min(2*s.rto, rtoMax)
		} else if s.unsent() > 0 && s.tcb.SendSpace().WND == 0 {
			if err = s.sendKeepAlive(now, iface); err != nil {
				return changed, err
			}
			s.rtoAt = now.Add(s.rto)
			s.rto = min(2*s.rto, rtoMax)
		}
		changed = true
	}
	if now.Before(s.hold) {
		return changed, nil
	}

	for i := 0; i < maxSegmentsPerDispatch; i++ {
		s.tcb.SetRecvWindow(s.recvWindow())
		seg, ok := s.tcb.PendingSegment(s.tx.Len(), int(s.sndMSS))
		if !ok {
			break
		}
		if err = s.emit(now, iface, seg); err != nil {
			return changed, err
		}
		s.tcb.Snd(seg)
		if s.rtoAt.IsZero() {
			s.rtoAt = now.Add(s.rto)
		}
		changed = true
	}
	if s.rtoAt.IsZero() && s.unsent() > 0 && !s.tcb.HasUnacked() {
		// Zero window: persist until the remote opens it.
		s.rtoAt = now.Add(s.rto)
	}
	if s.ackPending || s.windowUpdateDue() {
		s.tcb.SetRecvWindow(s.recvWindow())
		snd := s.tcb.SendSpace()
		rcv := s.tcb.RecvSpace()
		seg := seqs.Segment{SEQ: snd.NXT, ACK: rcv.NXT, WND: rcv.WND, Flags: seqs.FlagACK}
		if err = s.emit(now, iface, seg); err != nil {
			return changed, err
		}
		changed = true
	}
	if s.keepAliveArmed() && !now.Before(s.keepAliveAt) {
		if err = s.sendKeepAlive(now, iface); err != nil {
			return changed, err
		}
		s.keepAliveAt = now.Add(s.keepAlive)
		changed = true
	}
	return changed, nil
}

func (s *TCPSocket) keepAliveArmed() bool {
	switch s.tcb.State() {
	case seqs.StateSynRcvd, seqs.StateTimeWait:
		return false
	}
	return s.keepAlive > 0 && !s.keepAliveAt.IsZero()
}

// sendKeepAlive sends an ACK with an old sequence number, eliciting an ACK from a live remote.
func (s *TCPSocket) sendKeepAlive(now time.Time, iface *Interface) error {
	s.tcb.SetRecvWindow(s.recvWindow())
	snd := s.tcb.SendSpace()
	rcv := s.tcb.RecvSpace()
	seg := seqs.Segment{SEQ: seqs.Add(snd.NXT, ^seqs.Size(0)), ACK: rcv.NXT, WND: rcv.WND, Flags: seqs.FlagACK}
	return s.emit(now, iface, seg)
}

func (s *TCPSocket) emit(now time.Time, iface *Interface, seg seqs.Segment) error {
	var mss uint16
	if seg.Flags.HasAny(seqs.FlagSYN) {
		mss = iface.localMSS(s.local.Addr())
	}
	var fill func([]byte)
	if seg.DATALEN > 0 {
		off := int(s.tcb.InFlight())
		fill = func(b []byte) { s.tx.Peek(off, b) }
	}
	err := iface.sendTCP(now, s.local, s.remote, seg, mss, fill)
	if errors.Is(err, errNeighborPending) {
		s.hold = now.Add(resolveSilence)
	}
	if err != nil {
		return err
	}
	s.hold = time.Time{}
	s.ackPending = false
	s.advWnd = seg.WND
	if s.keepAlive > 0 {
		s.keepAliveAt = now.Add(s.keepAlive)
	}
	return nil
}

func (s *TCPSocket) unhold() { s.hold = time.Time{} }
