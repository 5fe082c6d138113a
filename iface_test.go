package pollhost

import (
	"bytes"
	"net/netip"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/soypat/seqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soypat/pollhost/internal/testpeer"
	"github.com/soypat/pollhost/phy"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

var linkLocal = netip.MustParsePrefix("fe80::1/64")

type testHost struct {
	t     *testing.T
	iface *Interface
	peer  *testpeer.Peer
	now   time.Time
}

func newTestHost(t *testing.T, extra ...netip.Prefix) *testHost {
	t.Helper()
	end, peer := testpeer.NewPipe(t)
	iface, err := New(end, Config{
		HardwareAddr: [6]byte(testpeer.HostHW),
		Addrs:        append([]netip.Prefix{testpeer.Prefix, testpeer.Prefix6, linkLocal}, extra...),
		RandSeed:     1,
	})
	require.NoError(t, err)
	return &testHost{t: t, iface: iface, peer: peer, now: t0}
}

func (h *testHost) poll() {
	h.t.Helper()
	_, err := h.iface.Poll(h.now)
	require.NoError(h.t, err)
}

func (h *testHost) advance(d time.Duration) {
	h.now = h.now.Add(d)
	h.poll()
}

// listen adds a TCP socket listening on port.
func (h *testHost) listen(port uint16, rx, tx int) *TCPSocket {
	sock := NewTCPSocket(rx, tx)
	h.iface.AddTCPSocket(sock)
	require.NoError(h.t, sock.Listen(port))
	return sock
}

func TestNewValidation(t *testing.T) {
	end, _ := phy.NewPipe(testpeer.Caps)
	addrs := []netip.Prefix{testpeer.Prefix}
	_, err := New(end, Config{Addrs: addrs})
	assert.Error(t, err, "missing hardware address")
	_, err = New(end, Config{HardwareAddr: [6]byte{1, 0, 0, 0, 0, 1}, Addrs: addrs})
	assert.Error(t, err, "multicast hardware address")
	_, err = New(end, Config{HardwareAddr: [6]byte{2, 0, 0, 0, 0, 1}})
	assert.Error(t, err, "no addresses")

	small, _ := phy.NewPipe(phy.Capabilities{Medium: phy.MediumEthernet, MTU: 300})
	_, err = New(small, Config{HardwareAddr: [6]byte{2, 0, 0, 0, 0, 1}, Addrs: addrs})
	assert.Error(t, err, "small MTU")

	tun, _ := phy.NewPipe(phy.Capabilities{Medium: phy.MediumIP, MTU: 1500})
	iface, err := New(tun, Config{Addrs: addrs})
	require.NoError(t, err)
	assert.Equal(t, phy.MediumIP, iface.Medium())
	assert.Equal(t, uint16(1460), iface.localMSS(testpeer.HostIP))
	assert.Equal(t, uint16(1440), iface.localMSS(testpeer.HostIP6))
}

func TestARPReply(t *testing.T) {
	h := newTestHost(t)
	h.peer.SendARP(layers.ARPRequest, testpeer.PeerIP, testpeer.HostIP)
	// Requests for other hosts are ignored.
	h.peer.SendARP(layers.ARPRequest, testpeer.PeerIP, netip.MustParseAddr("192.168.69.2"))
	h.poll()

	pkts := h.peer.TakeAll()
	require.Len(t, pkts, 1)
	arp, ok := pkts[0].Layer(layers.LayerTypeARP).(*layers.ARP)
	require.True(t, ok)
	assert.Equal(t, uint16(layers.ARPReply), arp.Operation)
	assert.Equal(t, []byte(testpeer.HostHW), arp.SourceHwAddress)
	assert.Equal(t, testpeer.HostIP.AsSlice(), arp.SourceProtAddress)
	assert.Equal(t, []byte(testpeer.PeerHW), arp.DstHwAddress)
	assert.Equal(t, testpeer.PeerIP.AsSlice(), arp.DstProtAddress)

	hw, ok := h.iface.neighbors.lookup(testpeer.PeerIP, h.now)
	require.True(t, ok, "sender learned")
	assert.Equal(t, [6]byte(testpeer.PeerHW), hw)
}

func TestICMPEcho(t *testing.T) {
	h := newTestHost(t)
	payload := []byte("ping payload")
	h.peer.SendICMPEcho(0x1234, 7, payload)
	h.poll()

	pkts := h.peer.TakeAll()
	require.Len(t, pkts, 1)
	icmp, ok := pkts[0].Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	require.True(t, ok)
	assert.Equal(t, uint8(layers.ICMPv4TypeEchoReply), icmp.TypeCode.Type())
	assert.Equal(t, uint16(0x1234), icmp.Id)
	assert.Equal(t, uint16(7), icmp.Seq)
	assert.Equal(t, payload, icmp.Payload)
	ip := pkts[0].Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	assert.Equal(t, testpeer.PeerIP.AsSlice(), []byte(ip.DstIP.To4()))
}

func TestUDPRoundTrip(t *testing.T) {
	h := newTestHost(t)
	sock := NewUDPSocket(UDPBufferConfig{Slots: 2, Bytes: 64}, UDPBufferConfig{Slots: 1, Bytes: 64})
	h.iface.AddUDPSocket(sock)
	require.NoError(t, sock.Bind(6969))
	assert.ErrorIs(t, sock.Bind(6970), ErrInvalidState)

	h.peer.SendUDP(40000, 6969, []byte("hi"))
	h.poll()
	data, from, err := sock.Recv()
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))
	assert.Equal(t, netip.AddrPortFrom(testpeer.PeerIP, 40000), from)
	_, _, err = sock.Recv()
	assert.ErrorIs(t, err, ErrExhausted)

	require.NoError(t, sock.SendSlice([]byte("hello\n"), from))
	assert.ErrorIs(t, sock.SendSlice([]byte("x"), from), ErrBufferFull)
	d, ok := h.iface.PollDelay(h.now)
	require.True(t, ok)
	assert.Zero(t, d, "queued datagram polls immediately")
	h.poll()
	got := h.peer.TakeUDP(40000)
	require.Len(t, got, 1)
	assert.Equal(t, "hello\n", string(got[0].Payload))
	assert.Equal(t, layers.UDPPort(6969), got[0].SrcPort)
	_, ok = h.iface.PollDelay(h.now)
	assert.False(t, ok)
}

func TestUDPRecvBufferFull(t *testing.T) {
	h := newTestHost(t)
	sock := NewUDPSocket(UDPBufferConfig{Slots: 1, Bytes: 64}, UDPBufferConfig{Slots: 1, Bytes: 64})
	h.iface.AddUDPSocket(sock)
	require.NoError(t, sock.Bind(6969))
	h.peer.SendUDP(40000, 6969, []byte("one"))
	h.peer.SendUDP(40000, 6969, []byte("two"))
	h.poll()
	data, _, err := sock.Recv()
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))
	assert.Equal(t, uint64(1), sock.Dropped())
}

func TestUDPPortUnreachable(t *testing.T) {
	h := newTestHost(t)
	h.peer.SendUDP(40000, 9999, []byte("anyone?"))
	h.poll()
	pkts := h.peer.TakeAll()
	require.Len(t, pkts, 1)
	icmp, ok := pkts[0].Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	require.True(t, ok)
	assert.Equal(t, uint8(layers.ICMPv4TypeDestinationUnreachable), icmp.TypeCode.Type())
	assert.Equal(t, uint8(layers.ICMPv4CodePort), icmp.TypeCode.Code())
	// Quoted IP header (20) and the first 8 octets of the datagram.
	require.Len(t, icmp.Payload, 28)
	assert.Equal(t, []byte{0x9c, 0x40, 0x27, 0x0f}, icmp.Payload[20:24])
	assert.Equal(t, uint64(1), h.iface.Stats().PortUnreachable)
}

func TestIPv6NoNextHeaderIgnored(t *testing.T) {
	h := newTestHost(t)
	eth := &layers.Ethernet{SrcMAC: testpeer.PeerHW, DstMAC: testpeer.HostHW, EthernetType: layers.EthernetTypeIPv6}
	ip6 := &layers.IPv6{Version: 6, HopLimit: 64, NextHeader: layers.IPProtocolNoNextHeader,
		SrcIP: netip.MustParseAddr("fe80::2").AsSlice(), DstIP: netip.MustParseAddr("fe80::1").AsSlice()}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, eth, ip6))
	h.peer.WriteRaw(buf.Bytes())
	h.poll()
	assert.Empty(t, h.peer.TakeAll())
	assert.Equal(t, uint64(1), h.iface.Stats().Ignored)
}

func TestMalformedFrameReported(t *testing.T) {
	h := newTestHost(t)
	frame := make([]byte, 20)
	copy(frame, testpeer.HostHW)
	copy(frame[6:], testpeer.PeerHW)
	frame[12], frame[13] = 0x08, 0x00 // IPv4 with a truncated header.
	h.peer.WriteRaw(frame)
	_, err := h.iface.Poll(h.now)
	assert.ErrorIs(t, err, ErrMalformed)
	assert.Equal(t, uint64(1), h.iface.Stats().RxErrors)
}

func TestTCPResetClosedPort(t *testing.T) {
	h := newTestHost(t)
	h.peer.SendTCP(testpeer.Segment{SrcPort: 50000, DstPort: 7000, Seq: 1000, SYN: true})
	h.poll()
	segs := h.peer.TakeTCP(50000)
	require.Len(t, segs, 1)
	assert.True(t, segs[0].RST)
	assert.True(t, segs[0].ACK)
	assert.Equal(t, uint32(1001), segs[0].Ack)

	// Segments carrying ACK are reset with their acknowledgment number.
	h.peer.SendTCP(testpeer.Segment{SrcPort: 50000, DstPort: 7000, Seq: 1000, Ack: 555, ACK: true})
	h.poll()
	segs = h.peer.TakeTCP(50000)
	require.Len(t, segs, 1)
	assert.True(t, segs[0].RST)
	assert.Equal(t, uint32(555), segs[0].Seq)

	// Resets are never answered.
	h.peer.SendTCP(testpeer.Segment{SrcPort: 50000, DstPort: 7000, Seq: 1000, RST: true})
	h.poll()
	assert.Empty(t, h.peer.TakeTCP(50000))
	assert.Equal(t, uint64(2), h.iface.Stats().TCPResets)
}

func TestTCPHandshakeAndData(t *testing.T) {
	h := newTestHost(t)
	sock := h.listen(7000, 64, 64)
	assert.True(t, sock.IsOpen())
	assert.True(t, sock.IsListening())
	assert.False(t, sock.IsActive())
	assert.ErrorIs(t, sock.Listen(7000), ErrInvalidState)

	c := h.peer.Connect(50000, 7000, 100, h.poll)
	assert.Equal(t, uint16(1460), c.HostMSS)
	assert.Equal(t, seqs.StateEstablished, sock.State())
	assert.True(t, sock.IsActive())
	assert.True(t, sock.MaySend())
	assert.True(t, sock.MayRecv())
	assert.Equal(t, netip.AddrPortFrom(testpeer.PeerIP, 50000), sock.RemoteEndpoint())
	assert.Equal(t, netip.AddrPortFrom(testpeer.HostIP, 7000), sock.LocalEndpoint())

	c.Send([]byte("hello"), false)
	h.poll()
	c.Receive(false) // ACK of data.
	var buf [16]byte
	n, err := sock.RecvSlice(buf[:])
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	n, err = sock.SendSlice([]byte("world"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	h.poll()
	c.Receive(true)
	assert.Equal(t, "world", string(c.Data))
	h.poll()
	assert.Zero(t, sock.SendQueue(), "acknowledged data released")
}

func TestTCPSegmentsRespectMSS(t *testing.T) {
	h := newTestHost(t)
	sock := h.listen(7000, 64, 4096)
	h.peer.SendTCP(testpeer.Segment{SrcPort: 50000, DstPort: 7000, Seq: 100, SYN: true, MSS: 500})
	h.poll()
	synack := h.peer.TakeTCP(50000)
	require.Len(t, synack, 1)
	h.peer.SendTCP(testpeer.Segment{SrcPort: 50000, DstPort: 7000, Seq: 101, Ack: synack[0].Seq + 1, ACK: true})
	h.poll()

	_, err := sock.SendSlice(bytes.Repeat([]byte{'x'}, 1200))
	require.NoError(t, err)
	h.poll()
	segs := h.peer.TakeTCP(50000)
	require.Len(t, segs, 3)
	assert.Len(t, segs[0].Payload, 500)
	assert.Len(t, segs[1].Payload, 500)
	assert.Len(t, segs[2].Payload, 200)
	assert.True(t, segs[2].PSH)
}

func TestTCPResetInSynReceivedReturnsToListen(t *testing.T) {
	h := newTestHost(t)
	sock := h.listen(7000, 64, 64)
	c := h.peer.SendSYN(50000, 7000, 100, h.poll)
	assert.Equal(t, seqs.StateSynRcvd, sock.State())
	h.peer.SendTCP(testpeer.Segment{SrcPort: 50000, DstPort: 7000, Seq: c.Seq, RST: true})
	h.poll()
	assert.True(t, sock.IsListening())
	assert.Equal(t, uint16(7000), sock.LocalEndpoint().Port())
}

func TestTCPPassiveClose(t *testing.T) {
	h := newTestHost(t)
	sock := h.listen(7000, 64, 64)
	c := h.peer.Connect(50000, 7000, 100, h.poll)

	c.Close()
	h.poll()
	assert.Equal(t, seqs.StateCloseWait, sock.State())
	assert.False(t, sock.MayRecv())
	assert.True(t, sock.MaySend())
	c.Receive(false)
	assert.False(t, c.Fin)

	sock.Close()
	assert.Equal(t, seqs.StateLastAck, sock.State())
	h.poll()
	c.Receive(true)
	assert.True(t, c.Fin)
	h.poll()
	assert.Equal(t, seqs.StateClosed, sock.State())
	assert.False(t, sock.IsOpen())
}

func TestTCPActiveCloseTimeWait(t *testing.T) {
	h := newTestHost(t)
	sock := h.listen(7000, 64, 64)
	c := h.peer.Connect(50000, 7000, 100, h.poll)

	sock.Close()
	h.poll()
	c.Receive(true)
	require.True(t, c.Fin)
	h.poll()
	assert.Equal(t, seqs.StateFinWait2, sock.State())
	assert.True(t, sock.MayRecv())

	c.Close()
	h.poll()
	assert.Equal(t, seqs.StateTimeWait, sock.State())
	assert.False(t, sock.IsOpen())
	assert.False(t, sock.IsActive())
	segs := c.Receive(false)
	require.NotEmpty(t, segs, "FIN acknowledged")
	assert.Equal(t, c.Seq, segs[len(segs)-1].Ack)

	d, ok := h.iface.PollDelay(h.now)
	require.True(t, ok)
	assert.Equal(t, timeWaitTime, d)
	h.advance(timeWaitTime - time.Millisecond)
	assert.Equal(t, seqs.StateTimeWait, sock.State())
	h.advance(time.Millisecond)
	assert.Equal(t, seqs.StateClosed, sock.State())
}

func TestTCPListenAbandonsTimeWait(t *testing.T) {
	h := newTestHost(t)
	sock := h.listen(7000, 64, 64)
	c := h.peer.Connect(50000, 7000, 100, h.poll)
	sock.Close()
	h.poll()
	c.Receive(true)
	c.Close()
	h.poll()
	require.Equal(t, seqs.StateTimeWait, sock.State())
	require.NoError(t, sock.Listen(7000))
	assert.True(t, sock.IsListening())
}

func TestTCPRetransmit(t *testing.T) {
	h := newTestHost(t)
	sock := h.listen(7000, 64, 64)
	c := h.peer.Connect(50000, 7000, 100, h.poll)
	_, ok := h.iface.PollDelay(h.now)
	assert.False(t, ok, "idle connection has no deadline")

	_, err := sock.SendSlice([]byte("data"))
	require.NoError(t, err)
	h.poll()
	first := h.peer.TakeTCP(50000)
	require.Len(t, first, 1)
	d, ok := h.iface.PollDelay(h.now)
	require.True(t, ok)
	assert.Equal(t, rtoBase, d)

	h.advance(rtoBase / 2)
	assert.Empty(t, h.peer.TakeTCP(50000))
	h.advance(rtoBase / 2)
	again := h.peer.TakeTCP(50000)
	require.Len(t, again, 1, "retransmission")
	assert.Equal(t, first[0].Seq, again[0].Seq)
	assert.Equal(t, "data", string(again[0].Payload))

	// Backoff doubles.
	d, ok = h.iface.PollDelay(h.now)
	require.True(t, ok)
	assert.Equal(t, 2*rtoBase, d)

	c.Ack += uint32(len(again[0].Payload))
	c.SendACK()
	h.advance(time.Millisecond)
	assert.Zero(t, sock.SendQueue())
	_, ok = h.iface.PollDelay(h.now)
	assert.False(t, ok)
}

func TestTCPKeepAliveAndTimeout(t *testing.T) {
	h := newTestHost(t)
	sock := h.listen(7000, 64, 64)
	sock.SetKeepAlive(time.Second)
	sock.SetTimeout(2 * time.Second)
	c := h.peer.Connect(50000, 7000, 100, h.poll)

	d, ok := h.iface.PollDelay(h.now)
	require.True(t, ok)
	assert.Equal(t, time.Second, d)

	h.advance(time.Second)
	kas := h.peer.TakeTCP(50000)
	require.Len(t, kas, 1)
	assert.Equal(t, c.Ack-1, kas[0].Seq, "keep-alive carries an old sequence number")
	assert.True(t, kas[0].ACK)
	assert.Empty(t, kas[0].Payload)

	// Silent peer: reset at the timeout.
	h.advance(time.Second)
	segs := h.peer.TakeTCP(50000)
	require.Len(t, segs, 1)
	assert.True(t, segs[0].RST)
	assert.Equal(t, c.Ack, segs[0].Seq)
	assert.Equal(t, seqs.StateClosed, sock.State())
	assert.Equal(t, time.Second, sock.KeepAlive(), "settings outlive the connection")
	assert.Equal(t, 2*time.Second, sock.Timeout())
}

func TestTCPKeepAliveLivePeer(t *testing.T) {
	h := newTestHost(t)
	sock := h.listen(7000, 64, 64)
	sock.SetKeepAlive(time.Second)
	sock.SetTimeout(2 * time.Second)
	c := h.peer.Connect(50000, 7000, 100, h.poll)

	for i := 0; i < 5; i++ {
		h.advance(time.Second)
		require.Len(t, h.peer.TakeTCP(50000), 1, "keep-alive %d", i)
		c.SendACK()
		h.advance(500 * time.Millisecond)
		assert.Equal(t, seqs.StateEstablished, sock.State())
	}
}

func TestTCPWindowUpdate(t *testing.T) {
	h := newTestHost(t)
	sock := h.listen(7000, 8, 64)
	c := h.peer.Connect(50000, 7000, 100, h.poll)

	c.Send([]byte("12345678"), false)
	h.poll()
	segs := h.peer.TakeTCP(50000)
	require.NotEmpty(t, segs)
	last := segs[len(segs)-1]
	assert.Equal(t, c.Seq, last.Ack)
	assert.Zero(t, last.Window, "receive buffer full")

	var buf [8]byte
	n, err := sock.RecvSlice(buf[:])
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	d, ok := h.iface.PollDelay(h.now)
	require.True(t, ok)
	assert.Zero(t, d)
	h.poll()
	segs = h.peer.TakeTCP(50000)
	require.Len(t, segs, 1)
	assert.Equal(t, uint16(8), segs[0].Window)
}

func TestTCPSendRecvInvalidState(t *testing.T) {
	sock := NewTCPSocket(8, 8)
	_, err := sock.SendSlice([]byte("x"))
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = sock.Recv(func([]byte) int { return 0 })
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.ErrorIs(t, sock.Listen(0), ErrUnaddressable)
	require.NoError(t, sock.Listen(1))
	sock.Close()
	assert.False(t, sock.IsOpen())
}

func TestNeighborResolutionHoldsOutput(t *testing.T) {
	h := newTestHost(t)
	sock := newUDP()
	h.iface.AddUDPSocket(sock)
	require.NoError(t, sock.Bind(5000))
	other := netip.MustParseAddr("192.168.69.50")
	require.NoError(t, sock.SendSlice([]byte("x"), netip.AddrPortFrom(other, 7000)))

	h.poll()
	pkts := h.peer.TakeAll()
	require.Len(t, pkts, 1)
	arp, ok := pkts[0].Layer(layers.LayerTypeARP).(*layers.ARP)
	require.True(t, ok)
	assert.Equal(t, uint16(layers.ARPRequest), arp.Operation)
	assert.Equal(t, other.AsSlice(), arp.DstProtAddress)

	d, ok := h.iface.PollDelay(h.now)
	require.True(t, ok)
	assert.Equal(t, resolveSilence, d)
	h.advance(resolveSilence / 2)
	assert.Empty(t, h.peer.TakeAll(), "held")

	h.peer.SendARP(layers.ARPReply, other, testpeer.HostIP)
	h.poll()
	got := h.peer.TakeUDP(7000)
	require.Len(t, got, 1)
	assert.Equal(t, "x", string(got[0].Payload))
}

func TestUnroutableDatagramDropped(t *testing.T) {
	h := newTestHost(t)
	sock := newUDP()
	h.iface.AddUDPSocket(sock)
	require.NoError(t, sock.Bind(5000))
	require.NoError(t, sock.SendSlice([]byte("x"), netip.MustParseAddrPort("8.8.8.8:53")))
	_, err := h.iface.Poll(h.now)
	assert.ErrorIs(t, err, ErrUnaddressable)
	assert.True(t, sock.CanSend())
	assert.Empty(t, h.peer.TakeAll())
}

func TestUDPSendUnaddressable(t *testing.T) {
	sock := newUDP()
	to := netip.MustParseAddrPort("192.168.69.100:1")
	assert.ErrorIs(t, sock.SendSlice(nil, to), ErrUnaddressable, "unbound")
	require.NoError(t, sock.Bind(1))
	assert.ErrorIs(t, sock.SendSlice(nil, netip.AddrPort{}), ErrUnaddressable)
	assert.ErrorIs(t, sock.SendSlice(nil, netip.MustParseAddrPort("[::ffff:192.168.69.100]:1")), ErrUnaddressable)
	assert.ErrorIs(t, sock.SendSlice(nil, netip.MustParseAddrPort("[::]:1")), ErrUnaddressable)
	assert.NoError(t, sock.SendSlice(nil, netip.MustParseAddrPort("[fe80::2]:1")))
	assert.ErrorIs(t, sock.SendSlice(make([]byte, 65), to), ErrBufferFull)
	assert.ErrorIs(t, sock.Bind(0), ErrUnaddressable)
}

func TestUDPReplySourcedFromReceivingAddress(t *testing.T) {
	second := netip.MustParsePrefix("192.168.69.2/24")
	h := newTestHost(t, second)
	sock := newUDP()
	h.iface.AddUDPSocket(sock)
	require.NoError(t, sock.Bind(6969))

	for _, local := range []netip.Addr{second.Addr(), testpeer.HostIP} {
		h.peer.HostIP = local
		h.peer.SendUDP(40000, 6969, []byte("q"))
		h.poll()
		_, from, err := sock.Recv()
		require.NoError(t, err)
		require.NoError(t, sock.SendSlice([]byte("a"), from))
		h.poll()
		pkts := h.peer.Take(func(p gopacket.Packet) bool { return p.Layer(layers.LayerTypeUDP) != nil })
		require.Len(t, pkts, 1)
		ip := pkts[0].Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		assert.Equal(t, local.AsSlice(), []byte(ip.SrcIP.To4()), "reply from the address the request was sent to")
	}

	// Datagrams to other endpoints use the default source.
	require.NoError(t, sock.SendSlice([]byte("b"), netip.AddrPortFrom(testpeer.PeerIP, 40001)))
	h.poll()
	got := h.peer.Take(func(p gopacket.Packet) bool { return p.Layer(layers.LayerTypeUDP) != nil })
	require.Len(t, got, 1)
	ip := got[0].Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	assert.Equal(t, testpeer.HostIP.AsSlice(), []byte(ip.SrcIP.To4()))
}

func TestTCPZeroWindowPersist(t *testing.T) {
	h := newTestHost(t)
	sock := h.listen(7000, 64, 64)
	c := h.peer.Connect(50000, 7000, 100, h.poll)

	// The peer closes its window before any data is queued.
	c.Window = 0
	c.SendACK()
	h.poll()
	require.Empty(t, h.peer.TakeTCP(50000))

	const msg = "persistent data"
	_, err := sock.SendSlice([]byte(msg))
	require.NoError(t, err)
	h.poll()
	assert.Empty(t, h.peer.TakeTCP(50000), "nothing sent into a zero window")
	d, ok := h.iface.PollDelay(h.now)
	require.True(t, ok, "persist timer armed")
	assert.Equal(t, rtoBase, d)

	h.advance(rtoBase)
	segs := c.Receive(false)
	require.Len(t, segs, 1)
	assert.Equal(t, c.Ack-1, segs[0].Seq, "window check uses an old sequence number")
	assert.True(t, segs[0].ACK)
	assert.Empty(t, segs[0].Payload)
	assert.Empty(t, c.Data)

	// The window stays closed: checks back off.
	c.SendACK()
	h.poll()
	assert.Empty(t, h.peer.TakeTCP(50000))
	d, ok = h.iface.PollDelay(h.now)
	require.True(t, ok)
	assert.Equal(t, rtoBase, d)
	h.advance(rtoBase)
	require.Len(t, c.Receive(false), 1)
	d, ok = h.iface.PollDelay(h.now)
	require.True(t, ok)
	assert.Equal(t, 2*rtoBase, d)

	// Reopening the window resumes the stream where it stopped.
	c.Window = 65535
	c.SendACK()
	h.poll()
	c.Receive(true)
	assert.Equal(t, msg, string(c.Data), "no octet skipped or repeated")
	h.advance(time.Millisecond)
	assert.Zero(t, sock.SendQueue())
	_, ok = h.iface.PollDelay(h.now)
	assert.False(t, ok)
}
