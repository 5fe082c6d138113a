package tcpctl

import (
	"errors"
	"math"

	"github.com/soypat/seqs"
)

var (
	errNotListening = errors.New("tcpctl: not in LISTEN state")
	errNoSYN        = errors.New("tcpctl: expected SYN")
	errUnexpected   = errors.New("tcpctl: segment in unsynchronized state")
)

// ControlBlock implements the Transmission Control Block (TCB) of a TCP connection as specified in RFC 793
// in page 19 and clarified further in page 25. It records the state of a TCP connection.
//
// Stream data sits in the caller's send buffer starting at SND.UNA once the
// SYN has been acknowledged, so the offset of the next octet to send is
// SND.NXT-SND.UNA.
type ControlBlock struct {
	// # Send Sequence Space
	//
	// 'Send' sequence numbers correspond to local data being sent.
	//
	//	     1         2          3          4
	//	----------|----------|----------|----------
	//		   SND.UNA    SND.NXT    SND.UNA
	//								+SND.WND
	//	1. old sequence numbers which have been acknowledged
	//	2. sequence numbers of unacknowledged data
	//	3. sequence numbers allowed for new data transmission
	//	4. future sequence numbers which are not yet allowed
	snd SendSpace
	// # Receive Sequence Space
	//
	// 'Receive' sequence numbers correspond to remote data being received.
	//
	//		1          2          3
	//	----------|----------|----------
	//		   RCV.NXT    RCV.NXT
	//					 +RCV.WND
	//	1 - old sequence numbers which have been acknowledged
	//	2 - sequence numbers allowed for new reception
	//	3 - future sequence numbers which are not yet allowed
	rcv   RecvSpace
	state seqs.State
	// finSent is set when our FIN has been assigned a sequence number, that is,
	// SND.NXT includes it.
	finSent  bool
	synAcked bool
}

// SendSpace contains Send Sequence Space data. Its sequence numbers correspond to local data.
type SendSpace struct {
	ISS seqs.Value // initial send sequence number, defined locally on connection start
	UNA seqs.Value // send unacknowledged. Seqs equal to UNA and above have NOT been acked by remote.
	NXT seqs.Value // send next.
	WL1 seqs.Value // segment sequence number used for last window update
	WL2 seqs.Value // segment acknowledgment number used for last window update
	WND seqs.Size  // send window defined by remote.
}

// RecvSpace contains Receive Sequence Space data. Its sequence numbers correspond to remote data.
type RecvSpace struct {
	IRS seqs.Value // initial receive sequence number, defined by remote in SYN segment received.
	NXT seqs.Value // receive next.
	WND seqs.Size  // receive window defined by local.
}

// Action is a bitmask of replies the caller must emit after processing a segment.
type Action uint8

const (
	// ActionACK requests an acknowledgment segment be sent.
	ActionACK Action = 1 << iota
	// ActionRST requests a reset segment be sent in response to the offending
	// segment, see [ResetFor].
	ActionRST
)

// Result describes the effect an incoming segment had on the control block.
type Result struct {
	Action Action
	// Acked is the number of stream data octets acknowledged by the segment.
	// SYN and FIN are not counted.
	Acked seqs.Size
	// AckAdvanced is set when SND.UNA moved forward.
	AckAdvanced bool
	// DataSkip is the number of payload octets already received that must be skipped.
	DataSkip int
	// DataLen is the number of payload octets after DataSkip accepted into the receive stream.
	DataLen int
	// FinRcvd is set when the remote's FIN was accepted.
	FinRcvd bool
	// Reset is set when the connection was reset by the remote. The state is
	// LISTEN if the reset happened in SYN-RECEIVED, else CLOSED.
	Reset bool
}

func (tcb *ControlBlock) State() seqs.State    { return tcb.state }
func (tcb *ControlBlock) SendSpace() SendSpace { return tcb.snd }
func (tcb *ControlBlock) RecvSpace() RecvSpace { return tcb.rcv }
func (tcb *ControlBlock) FinSent() bool        { return tcb.finSent }

// SetRecvWindow sets RCV.WND, clamped to what fits in the TCP header.
func (tcb *ControlBlock) SetRecvWindow(wnd seqs.Size) {
	if wnd > math.MaxUint16 {
		wnd = math.MaxUint16
	}
	tcb.rcv.WND = wnd
}

// Synchronized reports whether the connection has progressed past the handshake,
// that is, the remote's SYN was received and a SYN was sent in reply.
func (tcb *ControlBlock) Synchronized() bool {
	switch tcb.state {
	case seqs.StateClosed, seqs.StateListen, seqs.StateSynSent:
		return false
	}
	return true
}

// Listen resets the control block and moves it to LISTEN.
func (tcb *ControlBlock) Listen() {
	*tcb = ControlBlock{state: seqs.StateListen}
}

// Abort resets the control block to CLOSED.
func (tcb *ControlBlock) Abort() {
	*tcb = ControlBlock{state: seqs.StateClosed}
}

// Accept processes an incoming segment while in LISTEN. A valid SYN
// initializes both sequence spaces and moves the control block to SYN-RECEIVED.
func (tcb *ControlBlock) Accept(seg seqs.Segment, iss seqs.Value) (Result, error) {
	if tcb.state != seqs.StateListen {
		return Result{}, errNotListening
	}
	switch {
	case seg.Flags.HasAny(seqs.FlagRST):
		return Result{}, nil
	case seg.Flags.HasAny(seqs.FlagACK):
		return Result{Action: ActionRST}, nil
	case !seg.Flags.HasAny(seqs.FlagSYN):
		return Result{}, errNoSYN
	}
	tcb.snd = SendSpace{
		ISS: iss,
		UNA: iss,
		NXT: iss, // SYN is assigned its sequence number when sent.
		WND: seg.WND,
		WL1: seg.SEQ,
	}
	tcb.rcv = RecvSpace{
		IRS: seg.SEQ,
		NXT: seqs.Add(seg.SEQ, 1),
		WND: tcb.rcv.WND,
	}
	tcb.state = seqs.StateSynRcvd
	return Result{}, nil
}

// Close performs the user CLOSE call on the control block.
func (tcb *ControlBlock) Close() {
	switch tcb.state {
	case seqs.StateListen, seqs.StateSynSent:
		tcb.state = seqs.StateClosed
	case seqs.StateSynRcvd, seqs.StateEstablished:
		tcb.state = seqs.StateFinWait1
	case seqs.StateCloseWait:
		tcb.state = seqs.StateLastAck
	}
}

// Rcv processes an incoming segment in a synchronized state (SYN-RECEIVED and onwards).
// The receive window must be set with [ControlBlock.SetRecvWindow] beforehand.
func (tcb *ControlBlock) Rcv(seg seqs.Segment) (res Result, err error) {
	if !tcb.Synchronized() {
		return res, errUnexpected
	}
	flags := seg.Flags
	// Retransmitted SYN: our SYN,ACK was lost.
	if tcb.state == seqs.StateSynRcvd && flags.HasAny(seqs.FlagSYN) && !flags.HasAny(seqs.FlagACK) && seg.SEQ == tcb.rcv.IRS {
		tcb.snd.NXT = tcb.snd.ISS
		return res, nil
	}

	if !tcb.acceptable(seg) {
		if flags.HasAny(seqs.FlagRST) {
			return res, nil
		}
		res.Action = ActionACK
		return res, nil
	}

	if flags.HasAny(seqs.FlagRST) {
		res.Reset = true
		if tcb.state == seqs.StateSynRcvd {
			tcb.Listen()
		} else {
			tcb.Abort()
		}
		return res, nil
	}

	if flags.HasAny(seqs.FlagSYN) {
		// SYN in window: RFC 5961 challenge ACK.
		res.Action = ActionACK
		return res, nil
	}
	if !flags.HasAny(seqs.FlagACK) {
		return res, nil
	}

	if tcb.state == seqs.StateSynRcvd {
		if !seqs.LessThan(tcb.snd.UNA, seg.ACK) || !seqs.LessThanEq(seg.ACK, tcb.snd.NXT) {
			res.Action = ActionRST
			return res, nil
		}
		tcb.state = seqs.StateEstablished
		tcb.snd.WND = seg.WND
		tcb.snd.WL1 = seg.SEQ
		tcb.snd.WL2 = seg.ACK
	}

	if seqs.LessThan(tcb.snd.NXT, seg.ACK) {
		// Acknowledges data not yet sent.
		res.Action = ActionACK
		return res, nil
	}
	if seqs.LessThan(tcb.snd.UNA, seg.ACK) {
		acked := seqs.Sizeof(tcb.snd.UNA, seg.ACK)
		if !tcb.synAcked {
			acked-- // SYN octet.
			tcb.synAcked = true
		}
		finAcked := tcb.finSent && seg.ACK == tcb.snd.NXT
		if finAcked {
			acked--
		}
		tcb.snd.UNA = seg.ACK
		res.Acked = acked
		res.AckAdvanced = true
		if finAcked {
			switch tcb.state {
			case seqs.StateFinWait1:
				tcb.state = seqs.StateFinWait2
			case seqs.StateClosing:
				tcb.state = seqs.StateTimeWait
			case seqs.StateLastAck:
				tcb.state = seqs.StateClosed
				return res, nil
			}
		}
	}
	if seqs.LessThan(tcb.snd.WL1, seg.SEQ) || (tcb.snd.WL1 == seg.SEQ && seqs.LessThanEq(tcb.snd.WL2, seg.ACK)) {
		tcb.snd.WND = seg.WND
		tcb.snd.WL1 = seg.SEQ
		tcb.snd.WL2 = seg.ACK
	}

	if seg.DATALEN > 0 {
		switch tcb.state {
		case seqs.StateEstablished, seqs.StateFinWait1, seqs.StateFinWait2:
			if seqs.LessThan(tcb.rcv.NXT, seg.SEQ) {
				// Out of order, no reassembly. Duplicate ACK asks for retransmission.
				res.Action |= ActionACK
				return res, nil
			}
			skip := seqs.Sizeof(seg.SEQ, tcb.rcv.NXT)
			if skip > seg.DATALEN {
				skip = seg.DATALEN
			}
			n := seg.DATALEN - skip
			if n > tcb.rcv.WND {
				n = tcb.rcv.WND
			}
			res.DataSkip = int(skip)
			res.DataLen = int(n)
			tcb.rcv.NXT = seqs.Add(tcb.rcv.NXT, n)
			tcb.rcv.WND -= n
		}
		res.Action |= ActionACK
	}

	if flags.HasAny(seqs.FlagFIN) && seqs.Add(seg.SEQ, seg.DATALEN) == tcb.rcv.NXT {
		switch tcb.state {
		case seqs.StateEstablished:
			tcb.state = seqs.StateCloseWait
		case seqs.StateFinWait1:
			tcb.state = seqs.StateClosing
		case seqs.StateFinWait2:
			tcb.state = seqs.StateTimeWait
		default:
			return res, nil
		}
		tcb.rcv.NXT = seqs.Add(tcb.rcv.NXT, 1)
		res.FinRcvd = true
		res.Action |= ActionACK
	}
	return res, nil
}

// acceptable implements the segment acceptability test of RFC 793 page 69.
func (tcb *ControlBlock) acceptable(seg seqs.Segment) bool {
	wnd := tcb.rcv.WND
	nxt := tcb.rcv.NXT
	if seg.LEN() == 0 {
		if wnd == 0 {
			return seg.SEQ == nxt
		}
		return seqs.InWindow(seg.SEQ, nxt, wnd)
	}
	if wnd == 0 {
		// Zero window: only control information at RCV.NXT is processed.
		return seg.SEQ == nxt && seg.DATALEN == 0
	}
	return seqs.InWindow(seg.SEQ, nxt, wnd) || seqs.InWindow(seg.Last(), nxt, wnd)
}

// InFlight returns the number of stream data octets sent but not yet acknowledged.
func (tcb *ControlBlock) InFlight() seqs.Size {
	n := seqs.Sizeof(tcb.snd.UNA, tcb.snd.NXT)
	if !tcb.synAcked && n > 0 {
		n-- // SYN
	}
	if tcb.finSent && n > 0 {
		n-- // FIN
	}
	return n
}

// HasUnacked reports whether any sequence number (data, SYN or FIN) awaits acknowledgment.
func (tcb *ControlBlock) HasUnacked() bool { return tcb.snd.NXT != tcb.snd.UNA }

// PendingSegment calculates the next segment to send given the amount of
// stream data buffered (acknowledged data excluded) and the maximum segment size.
// ok is false when there is nothing to send. The caller emits an ACK-only
// segment on its own when acknowledgment is required.
func (tcb *ControlBlock) PendingSegment(buffered, mss int) (seg seqs.Segment, ok bool) {
	seg = seqs.Segment{
		SEQ:   tcb.snd.NXT,
		ACK:   tcb.rcv.NXT,
		WND:   tcb.rcv.WND,
		Flags: seqs.FlagACK,
	}
	if !tcb.Synchronized() || tcb.state == seqs.StateTimeWait {
		return seg, false
	}
	if !tcb.synAcked && tcb.snd.NXT == tcb.snd.ISS {
		seg.Flags |= seqs.FlagSYN
		return seg, true
	}
	if tcb.finSent {
		return seg, false
	}
	var sendData, sendFin bool
	switch tcb.state {
	case seqs.StateEstablished, seqs.StateCloseWait:
		sendData = true
	case seqs.StateFinWait1, seqs.StateLastAck, seqs.StateClosing:
		sendData = true
		sendFin = true
	}
	if !sendData {
		return seg, false
	}
	unsent := buffered - int(tcb.InFlight())
	if unsent < 0 {
		unsent = 0
	}
	inflightSeq := seqs.Sizeof(tcb.snd.UNA, tcb.snd.NXT)
	var avail int
	if tcb.snd.WND > inflightSeq {
		avail = int(tcb.snd.WND - inflightSeq)
	}
	n := min(unsent, avail, mss)
	seg.DATALEN = seqs.Size(n)
	if n > 0 && n == unsent {
		seg.Flags |= seqs.FlagPSH
	}
	if sendFin && n == unsent {
		seg.Flags |= seqs.FlagFIN
	}
	return seg, n > 0 || seg.Flags.HasAny(seqs.FlagFIN)
}

// Snd commits a segment returned by PendingSegment (or a keep-alive built from it)
// after it was successfully emitted.
func (tcb *ControlBlock) Snd(seg seqs.Segment) {
	if seg.SEQ != tcb.snd.NXT {
		return // Keep-alive or retransmission outside of SND.NXT does not advance.
	}
	tcb.snd.NXT = seqs.Add(tcb.snd.NXT, seg.LEN())
	if seg.Flags.HasAny(seqs.FlagFIN) {
		tcb.finSent = true
	}
}

// Rewind moves SND.NXT back to SND.UNA so that unacknowledged sequence
// numbers are sent again (go-back-N retransmission).
func (tcb *ControlBlock) Rewind() {
	tcb.snd.NXT = tcb.snd.UNA
	tcb.finSent = false
}

// ResetFor returns the reset segment that must be sent in reply to seg
// when seg arrives for no connection, as per RFC 793 page 36.
func ResetFor(seg seqs.Segment) seqs.Segment {
	if seg.Flags.HasAny(seqs.FlagACK) {
		return seqs.Segment{SEQ: seg.ACK, Flags: seqs.FlagRST}
	}
	return seqs.Segment{ACK: seqs.Add(seg.SEQ, seg.LEN()), Flags: seqs.FlagRST | seqs.FlagACK}
}
