// Package testpeer implements the remote end of an in-memory link for tests.
// Frames are built and decoded with gopacket so the stack under test is
// checked against an independent implementation of the wire formats.
package testpeer

import (
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"github.com/soypat/pollhost/phy"
)

var (
	HostHW = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01}
	PeerHW = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x02}

	HostIP = netip.MustParseAddr("192.168.69.1")
	PeerIP = netip.MustParseAddr("192.168.69.100")
	Prefix = netip.MustParsePrefix("192.168.69.1/24")

	HostIP6 = netip.MustParseAddr("fdaa::1")
	PeerIP6 = netip.MustParseAddr("fdaa::100")
	Prefix6 = netip.MustParsePrefix("fdaa::1/64")
)

// Caps are the capabilities of pipes created by [NewPipe].
var Caps = phy.Capabilities{Medium: phy.MediumEthernet, MTU: 1514}

// Peer is a host on the far end of a pipe. IP and HostIP select the
// addresses of the packets it sends and so their family.
type Peer struct {
	t      testing.TB
	end    *phy.PipeEnd
	HW     net.HardwareAddr
	IP     netip.Addr
	HostIP netip.Addr
	inbox  []gopacket.Packet
}

// NewPipe returns the host end of a new pipe and a peer attached to the other end.
func NewPipe(t testing.TB) (host *phy.PipeEnd, peer *Peer) {
	host, end := phy.NewPipe(Caps)
	return host, &Peer{t: t, end: end, HW: PeerHW, IP: PeerIP, HostIP: HostIP}
}

// UseIPv6 switches the peer to send from PeerIP6 to HostIP6.
func (p *Peer) UseIPv6() {
	p.IP = PeerIP6
	p.HostIP = HostIP6
}

// WriteRaw writes a frame as is.
func (p *Peer) WriteRaw(frame []byte) {
	require.NoError(p.t, p.end.WriteFrame(frame))
}

func (p *Peer) send(ls ...gopacket.SerializableLayer) {
	p.t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(p.t, gopacket.SerializeLayers(buf, opts, ls...))
	require.NoError(p.t, p.end.WriteFrame(buf.Bytes()))
}

func (p *Peer) eth(typ layers.EthernetType) *layers.Ethernet {
	return &layers.Ethernet{SrcMAC: p.HW, DstMAC: HostHW, EthernetType: typ}
}

type ipLayer interface {
	gopacket.SerializableLayer
	gopacket.NetworkLayer
}

// ip returns the link and network layers of a packet from the peer to the host.
func (p *Peer) ip(proto layers.IPProtocol) (*layers.Ethernet, ipLayer) {
	if p.IP.Is6() {
		return p.eth(layers.EthernetTypeIPv6), p.ipv6(proto, p.HostIP, 64)
	}
	return p.eth(layers.EthernetTypeIPv4), &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: proto,
		SrcIP:    p.IP.AsSlice(),
		DstIP:    p.HostIP.AsSlice(),
	}
}

func (p *Peer) ipv6(proto layers.IPProtocol, dst netip.Addr, hopLimit uint8) *layers.IPv6 {
	return &layers.IPv6{
		Version:    6,
		NextHeader: proto,
		HopLimit:   hopLimit,
		SrcIP:      p.IP.AsSlice(),
		DstIP:      dst.AsSlice(),
	}
}

// SendARP sends an ARP request for target, or a reply to the host if op is [layers.ARPReply].
// senderIP is the protocol address the peer claims.
func (p *Peer) SendARP(op uint16, senderIP, target netip.Addr) {
	eth := p.eth(layers.EthernetTypeARP)
	dstHW := make([]byte, 6)
	if op == layers.ARPRequest {
		eth.DstMAC = layers.EthernetBroadcast
	} else {
		dstHW = HostHW
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         op,
		SourceHwAddress:   p.HW,
		SourceProtAddress: senderIP.AsSlice(),
		DstHwAddress:      dstHW,
		DstProtAddress:    target.AsSlice(),
	}
	p.send(eth, arp)
}

// SendUDP sends a datagram from srcPort to the host's dstPort.
func (p *Peer) SendUDP(srcPort, dstPort uint16, payload []byte) {
	eth, ip := p.ip(layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(dstPort)}
	udp.SetNetworkLayerForChecksum(ip)
	p.send(eth, ip, udp, gopacket.Payload(payload))
}

// SendICMPEcho sends an ICMP or ICMPv6 echo request.
func (p *Peer) SendICMPEcho(id, seq uint16, payload []byte) {
	if p.IP.Is6() {
		eth, ip := p.ip(layers.IPProtocolICMPv6)
		icmp := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeEchoRequest, 0)}
		icmp.SetNetworkLayerForChecksum(ip)
		echo := &layers.ICMPv6Echo{Identifier: id, SeqNumber: seq}
		p.send(eth, ip, icmp, echo, gopacket.Payload(payload))
		return
	}
	eth, ip := p.ip(layers.IPProtocolICMPv4)
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
		Id:       id,
		Seq:      seq,
	}
	p.send(eth, ip, icmp, gopacket.Payload(payload))
}

// SendNeighborSolicit asks for the link address of target on its
// solicited-node group, with the peer's link address option if withLinkAddr is set.
func (p *Peer) SendNeighborSolicit(target netip.Addr, withLinkAddr bool) {
	t16 := target.As16()
	group := netip.AddrFrom16([16]byte{0xff, 0x02, 11: 0x01, 12: 0xff, 13: t16[13], 14: t16[14], 15: t16[15]})
	g16 := group.As16()
	eth := p.eth(layers.EthernetTypeIPv6)
	eth.DstMAC = net.HardwareAddr{0x33, 0x33, g16[12], g16[13], g16[14], g16[15]}
	ip := p.ipv6(layers.IPProtocolICMPv6, group, 255)
	icmp := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeNeighborSolicitation, 0)}
	icmp.SetNetworkLayerForChecksum(ip)
	ns := &layers.ICMPv6NeighborSolicitation{TargetAddress: target.AsSlice()}
	if withLinkAddr {
		ns.Options = layers.ICMPv6Options{{Type: layers.ICMPv6OptSourceAddress, Data: p.HW}}
	}
	p.send(eth, ip, icmp, ns)
}

// SendNeighborAdvert tells the host the peer's link address, solicited.
func (p *Peer) SendNeighborAdvert() {
	ip := p.ipv6(layers.IPProtocolICMPv6, p.HostIP, 255)
	icmp := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeNeighborAdvertisement, 0)}
	icmp.SetNetworkLayerForChecksum(ip)
	na := &layers.ICMPv6NeighborAdvertisement{
		Flags:         0x60, // Solicited and override.
		TargetAddress: p.IP.AsSlice(),
		Options:       layers.ICMPv6Options{{Type: layers.ICMPv6OptTargetAddress, Data: p.HW}},
	}
	p.send(p.eth(layers.EthernetTypeIPv6), ip, icmp, na)
}

// Segment describes a TCP segment sent by the peer.
type Segment struct {
	SrcPort, DstPort uint16
	Seq, Ack         uint32
	SYN, ACK, FIN    bool
	RST, PSH         bool
	// Window defaults to 65535 unless ZeroWindow is set.
	Window     uint16
	ZeroWindow bool
	MSS        uint16
	Payload    []byte
}

// SendTCP sends a TCP segment to the host.
func (p *Peer) SendTCP(seg Segment) {
	eth, ip := p.ip(layers.IPProtocolTCP)
	if seg.Window == 0 && !seg.RST && !seg.ZeroWindow {
		seg.Window = 65535
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(seg.SrcPort),
		DstPort: layers.TCPPort(seg.DstPort),
		Seq:     seg.Seq,
		Ack:     seg.Ack,
		SYN:     seg.SYN,
		ACK:     seg.ACK,
		FIN:     seg.FIN,
		RST:     seg.RST,
		PSH:     seg.PSH,
		Window:  seg.Window,
	}
	if seg.MSS != 0 {
		tcp.Options = []layers.TCPOption{{
			OptionType:   layers.TCPOptionKindMSS,
			OptionLength: 4,
			OptionData:   []byte{byte(seg.MSS >> 8), byte(seg.MSS)},
		}}
	}
	tcp.SetNetworkLayerForChecksum(ip)
	p.send(eth, ip, tcp, gopacket.Payload(seg.Payload))
}

// drain moves pending frames from the pipe into the inbox.
func (p *Peer) drain() {
	buf := make([]byte, Caps.MTU)
	for {
		n, err := p.end.ReadFrame(buf)
		if err != nil {
			return
		}
		frame := append([]byte(nil), buf[:n]...)
		p.inbox = append(p.inbox, gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default))
	}
}

// Take removes and returns every received packet for which match returns true.
// Other packets stay queued.
func (p *Peer) Take(match func(gopacket.Packet) bool) []gopacket.Packet {
	p.drain()
	var got []gopacket.Packet
	kept := p.inbox[:0]
	for _, pkt := range p.inbox {
		if match(pkt) {
			got = append(got, pkt)
		} else {
			kept = append(kept, pkt)
		}
	}
	p.inbox = kept
	return got
}

// TakeAll removes and returns every received packet.
func (p *Peer) TakeAll() []gopacket.Packet {
	return p.Take(func(gopacket.Packet) bool { return true })
}

// TakeUDP returns the payloads and source ports of received datagrams sent to dstPort.
func (p *Peer) TakeUDP(dstPort uint16) []*layers.UDP {
	var out []*layers.UDP
	for _, pkt := range p.Take(func(pkt gopacket.Packet) bool {
		udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		return ok && uint16(udp.DstPort) == dstPort
	}) {
		out = append(out, pkt.Layer(layers.LayerTypeUDP).(*layers.UDP))
	}
	return out
}

// TakeTCP returns received TCP segments sent to the peer's port.
func (p *Peer) TakeTCP(port uint16) []*layers.TCP {
	var out []*layers.TCP
	for _, pkt := range p.Take(func(pkt gopacket.Packet) bool {
		tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
		return ok && uint16(tcp.DstPort) == port
	}) {
		out = append(out, pkt.Layer(layers.LayerTypeTCP).(*layers.TCP))
	}
	return out
}
