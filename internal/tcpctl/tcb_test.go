package tcpctl

import (
	"testing"

	"github.com/soypat/seqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	issLocal  seqs.Value = 1000
	issRemote seqs.Value = 50
	wnd       seqs.Size  = 64
)

// establish runs a passive open three-way handshake on tcb.
func establish(t *testing.T, tcb *ControlBlock) {
	t.Helper()
	tcb.Listen()
	tcb.SetRecvWindow(wnd)
	_, err := tcb.Accept(seqs.Segment{SEQ: issRemote, WND: 1024, Flags: seqs.FlagSYN}, issLocal)
	require.NoError(t, err)
	require.Equal(t, seqs.StateSynRcvd, tcb.State())

	synack, ok := tcb.PendingSegment(0, 536)
	require.True(t, ok)
	require.Equal(t, seqs.FlagSYN|seqs.FlagACK, synack.Flags)
	require.Equal(t, issLocal, synack.SEQ)
	require.Equal(t, issRemote+1, synack.ACK)
	tcb.Snd(synack)

	res, err := tcb.Rcv(seqs.Segment{SEQ: issRemote + 1, ACK: issLocal + 1, WND: 1024, Flags: seqs.FlagACK})
	require.NoError(t, err)
	require.Equal(t, seqs.StateEstablished, tcb.State())
	require.Zero(t, res.Acked)
	require.True(t, res.AckAdvanced)
}

func TestHandshake(t *testing.T) {
	var tcb ControlBlock
	establish(t, &tcb)
	_, ok := tcb.PendingSegment(0, 536)
	assert.False(t, ok, "nothing to send after handshake")
}

func TestListenRejectsACK(t *testing.T) {
	var tcb ControlBlock
	tcb.Listen()
	res, err := tcb.Accept(seqs.Segment{SEQ: 1, ACK: 99, Flags: seqs.FlagACK}, issLocal)
	require.NoError(t, err)
	assert.Equal(t, ActionRST, res.Action)
	assert.Equal(t, seqs.StateListen, tcb.State())

	rst := ResetFor(seqs.Segment{SEQ: 1, ACK: 99, Flags: seqs.FlagACK})
	assert.Equal(t, seqs.Value(99), rst.SEQ)
	assert.Equal(t, seqs.FlagRST, rst.Flags)

	rst = ResetFor(seqs.Segment{SEQ: 7, Flags: seqs.FlagSYN})
	assert.Equal(t, seqs.Value(8), rst.ACK)
	assert.Equal(t, seqs.FlagRST|seqs.FlagACK, rst.Flags)
}

func TestDataBothWays(t *testing.T) {
	var tcb ControlBlock
	establish(t, &tcb)

	res, err := tcb.Rcv(seqs.Segment{SEQ: issRemote + 1, ACK: issLocal + 1, WND: 1024, DATALEN: 10, Flags: seqs.FlagACK | seqs.FlagPSH})
	require.NoError(t, err)
	assert.Equal(t, 10, res.DataLen)
	assert.Zero(t, res.DataSkip)
	assert.Equal(t, ActionACK, res.Action)
	assert.Equal(t, issRemote+11, tcb.RecvSpace().NXT)

	// Retransmission overlapping received data.
	tcb.SetRecvWindow(wnd - 10)
	res, err = tcb.Rcv(seqs.Segment{SEQ: issRemote + 6, ACK: issLocal + 1, WND: 1024, DATALEN: 10, Flags: seqs.FlagACK})
	require.NoError(t, err)
	assert.Equal(t, 5, res.DataSkip)
	assert.Equal(t, 5, res.DataLen)

	// Send 6 octets with mss 4.
	seg, ok := tcb.PendingSegment(6, 4)
	require.True(t, ok)
	assert.Equal(t, seqs.Size(4), seg.DATALEN)
	assert.False(t, seg.Flags.HasAny(seqs.FlagPSH))
	tcb.Snd(seg)
	seg, ok = tcb.PendingSegment(6, 4)
	require.True(t, ok)
	assert.Equal(t, seqs.Size(2), seg.DATALEN)
	assert.True(t, seg.Flags.HasAny(seqs.FlagPSH))
	tcb.Snd(seg)
	assert.Equal(t, seqs.Size(6), tcb.InFlight())

	res, err = tcb.Rcv(seqs.Segment{SEQ: issRemote + 16, ACK: issLocal + 5, WND: 1024, Flags: seqs.FlagACK})
	require.NoError(t, err)
	assert.Equal(t, seqs.Size(4), res.Acked)
	assert.Equal(t, seqs.Size(2), tcb.InFlight())

	// Lost segment: rewind and resend from UNA.
	tcb.Rewind()
	seg, ok = tcb.PendingSegment(2, 4)
	require.True(t, ok)
	assert.Equal(t, issLocal+5, seg.SEQ)
	assert.Equal(t, seqs.Size(2), seg.DATALEN)
}

func TestOutOfOrderDropped(t *testing.T) {
	var tcb ControlBlock
	establish(t, &tcb)
	res, err := tcb.Rcv(seqs.Segment{SEQ: issRemote + 5, ACK: issLocal + 1, WND: 1024, DATALEN: 4, Flags: seqs.FlagACK})
	require.NoError(t, err)
	assert.Zero(t, res.DataLen)
	assert.Equal(t, ActionACK, res.Action)
	assert.Equal(t, issRemote+1, tcb.RecvSpace().NXT)
}

func TestUnacceptableSegmentIsAcked(t *testing.T) {
	var tcb ControlBlock
	establish(t, &tcb)
	// Keep-alive style segment: one before RCV.NXT.
	res, err := tcb.Rcv(seqs.Segment{SEQ: issRemote, ACK: issLocal + 1, WND: 1024, Flags: seqs.FlagACK})
	require.NoError(t, err)
	assert.Equal(t, ActionACK, res.Action)
	assert.Equal(t, seqs.StateEstablished, tcb.State())

	// Window full: data at RCV.NXT is not acceptable.
	tcb.SetRecvWindow(0)
	res, err = tcb.Rcv(seqs.Segment{SEQ: issRemote + 1, ACK: issLocal + 1, WND: 1024, DATALEN: 1, Flags: seqs.FlagACK})
	require.NoError(t, err)
	assert.Equal(t, ActionACK, res.Action)
	assert.Zero(t, res.DataLen)
}

func TestPassiveClose(t *testing.T) {
	var tcb ControlBlock
	establish(t, &tcb)
	res, err := tcb.Rcv(seqs.Segment{SEQ: issRemote + 1, ACK: issLocal + 1, WND: 1024, Flags: seqs.FlagACK | seqs.FlagFIN})
	require.NoError(t, err)
	assert.True(t, res.FinRcvd)
	assert.Equal(t, seqs.StateCloseWait, tcb.State())
	assert.Equal(t, issRemote+2, tcb.RecvSpace().NXT)

	tcb.Close()
	require.Equal(t, seqs.StateLastAck, tcb.State())
	fin, ok := tcb.PendingSegment(0, 536)
	require.True(t, ok)
	assert.True(t, fin.Flags.HasAll(seqs.FlagFIN|seqs.FlagACK))
	tcb.Snd(fin)
	_, ok = tcb.PendingSegment(0, 536)
	assert.False(t, ok, "FIN must be sent once")

	_, err = tcb.Rcv(seqs.Segment{SEQ: issRemote + 2, ACK: issLocal + 2, WND: 1024, Flags: seqs.FlagACK})
	require.NoError(t, err)
	assert.Equal(t, seqs.StateClosed, tcb.State())
}

func TestActiveCloseWithData(t *testing.T) {
	var tcb ControlBlock
	establish(t, &tcb)
	tcb.Close()
	require.Equal(t, seqs.StateFinWait1, tcb.State())
	seg, ok := tcb.PendingSegment(6, 536)
	require.True(t, ok)
	assert.Equal(t, seqs.Size(6), seg.DATALEN)
	assert.True(t, seg.Flags.HasAll(seqs.FlagFIN|seqs.FlagPSH|seqs.FlagACK), seg.Flags.String())
	tcb.Snd(seg)
	assert.Equal(t, seqs.Size(6), tcb.InFlight())

	res, err := tcb.Rcv(seqs.Segment{SEQ: issRemote + 1, ACK: issLocal + 8, WND: 1024, Flags: seqs.FlagACK})
	require.NoError(t, err)
	assert.Equal(t, seqs.Size(6), res.Acked)
	assert.Equal(t, seqs.StateFinWait2, tcb.State())

	_, err = tcb.Rcv(seqs.Segment{SEQ: issRemote + 1, ACK: issLocal + 8, WND: 1024, Flags: seqs.FlagACK | seqs.FlagFIN})
	require.NoError(t, err)
	assert.Equal(t, seqs.StateTimeWait, tcb.State())
}

func TestSimultaneousClose(t *testing.T) {
	var tcb ControlBlock
	establish(t, &tcb)
	tcb.Close()
	fin, _ := tcb.PendingSegment(0, 536)
	tcb.Snd(fin)
	_, err := tcb.Rcv(seqs.Segment{SEQ: issRemote + 1, ACK: issLocal + 1, WND: 1024, Flags: seqs.FlagACK | seqs.FlagFIN})
	require.NoError(t, err)
	assert.Equal(t, seqs.StateClosing, tcb.State())
	_, err = tcb.Rcv(seqs.Segment{SEQ: issRemote + 2, ACK: issLocal + 2, WND: 1024, Flags: seqs.FlagACK})
	require.NoError(t, err)
	assert.Equal(t, seqs.StateTimeWait, tcb.State())
}

func TestResetInSynRcvdReturnsToListen(t *testing.T) {
	var tcb ControlBlock
	tcb.Listen()
	tcb.SetRecvWindow(wnd)
	_, err := tcb.Accept(seqs.Segment{SEQ: issRemote, WND: 1024, Flags: seqs.FlagSYN}, issLocal)
	require.NoError(t, err)
	synack, _ := tcb.PendingSegment(0, 536)
	tcb.Snd(synack)

	res, err := tcb.Rcv(seqs.Segment{SEQ: issRemote + 1, Flags: seqs.FlagRST})
	require.NoError(t, err)
	assert.True(t, res.Reset)
	assert.Equal(t, seqs.StateListen, tcb.State())
}

func TestResetEstablished(t *testing.T) {
	var tcb ControlBlock
	establish(t, &tcb)
	res, err := tcb.Rcv(seqs.Segment{SEQ: issRemote + 1, Flags: seqs.FlagRST})
	require.NoError(t, err)
	assert.True(t, res.Reset)
	assert.Equal(t, seqs.StateClosed, tcb.State())
}

func TestRetransmittedSYN(t *testing.T) {
	var tcb ControlBlock
	tcb.Listen()
	tcb.SetRecvWindow(wnd)
	_, err := tcb.Accept(seqs.Segment{SEQ: issRemote, WND: 1024, Flags: seqs.FlagSYN}, issLocal)
	require.NoError(t, err)
	synack, _ := tcb.PendingSegment(0, 536)
	tcb.Snd(synack)
	_, ok := tcb.PendingSegment(0, 536)
	require.False(t, ok)

	_, err = tcb.Rcv(seqs.Segment{SEQ: issRemote, WND: 1024, Flags: seqs.FlagSYN})
	require.NoError(t, err)
	again, ok := tcb.PendingSegment(0, 536)
	require.True(t, ok)
	assert.Equal(t, synack, again)
}

func TestWindowLimitsSend(t *testing.T) {
	var tcb ControlBlock
	tcb.Listen()
	tcb.SetRecvWindow(wnd)
	_, err := tcb.Accept(seqs.Segment{SEQ: issRemote, WND: 3, Flags: seqs.FlagSYN}, issLocal)
	require.NoError(t, err)
	synack, _ := tcb.PendingSegment(0, 536)
	tcb.Snd(synack)
	_, err = tcb.Rcv(seqs.Segment{SEQ: issRemote + 1, ACK: issLocal + 1, WND: 3, Flags: seqs.FlagACK})
	require.NoError(t, err)

	seg, ok := tcb.PendingSegment(10, 536)
	require.True(t, ok)
	assert.Equal(t, seqs.Size(3), seg.DATALEN)
	tcb.Snd(seg)
	_, ok = tcb.PendingSegment(10, 536)
	assert.False(t, ok, "window exhausted")
}
