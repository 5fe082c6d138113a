package pollhost

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/soypat/seqs"

	"github.com/soypat/pollhost/internal/tcpctl"
	"github.com/soypat/pollhost/internal/wire"
	"github.com/soypat/pollhost/phy"
)

// recvFrame processes one frame read from the device.
func (iface *Interface) recvFrame(now time.Time, frame []byte) (changed bool, err error) {
	if iface.medium == phy.MediumIP {
		return iface.recvIP(now, frame, [6]byte{})
	}
	if len(frame) < wire.SizeEthernetHeader {
		return false, fmt.Errorf("%w: short ethernet frame (%d)", ErrMalformed, len(frame))
	}
	ehdr := wire.DecodeEthernetHeader(frame)
	if ehdr.Destination != iface.hw && !wire.IsBroadcastHW(ehdr.Destination) && !wire.IsIPv6MulticastHW(ehdr.Destination) {
		return false, nil // Not for us.
	}
	payload := frame[wire.SizeEthernetHeader:]
	switch ehdr.AssertType() {
	case wire.EtherTypeARP:
		return false, iface.recvARP(now, frame)
	case wire.EtherTypeIPv4:
		return iface.recvIPv4(now, payload, ehdr.Source)
	case wire.EtherTypeIPv6:
		return iface.recvIPv6(now, payload, ehdr.Source)
	}
	iface.trace("ignoring frame", slog.String("ethertype", ehdr.AssertType().String()))
	return false, nil
}

func (iface *Interface) learn(now time.Time, addr netip.Addr, hw [6]byte) {
	if iface.neighbors.fill(addr, hw, now) {
		iface.debug("neighbor learned", slogAddr("addr", addr), slog.String("hw", net.HardwareAddr(hw[:]).String()))
		iface.unholdAll()
	}
}

// recvIP processes a datagram of either family. srcHW is the link source of Ethernet frames.
func (iface *Interface) recvIP(now time.Time, pkt []byte, srcHW [6]byte) (changed bool, err error) {
	if len(pkt) > 0 && pkt[0]>>4 == 6 {
		return iface.recvIPv6(now, pkt, srcHW)
	}
	return iface.recvIPv4(now, pkt, srcHW)
}

func (iface *Interface) recvIPv4(now time.Time, pkt []byte, srcHW [6]byte) (changed bool, err error) {
	if len(pkt) < wire.SizeIPv4Header {
		return false, fmt.Errorf("%w: short IPv4 packet (%d)", ErrMalformed, len(pkt))
	}
	ip := wire.DecodeIPv4Header(pkt)
	hl := ip.HeaderLength()
	switch {
	case ip.Version() != 4:
		return false, fmt.Errorf("%w: IP version %d", ErrMalformed, ip.Version())
	case hl < wire.SizeIPv4Header || hl > len(pkt):
		return false, fmt.Errorf("%w: IPv4 header length %d", ErrMalformed, hl)
	case int(ip.TotalLength) < hl || int(ip.TotalLength) > len(pkt):
		return false, fmt.Errorf("%w: IPv4 total length %d of %d", ErrMalformed, ip.TotalLength, len(pkt))
	}
	if !wire.ValidIPv4Checksum(pkt[:hl]) {
		return false, fmt.Errorf("%w: IPv4 header", ErrChecksum)
	}
	pkt = pkt[:ip.TotalLength] // Strip link padding.
	src := ip.SourceAddr()
	dst := ip.DestinationAddr()
	if iface.medium == phy.MediumEthernet && !wire.IsMulticastHW(srcHW) && iface.onLink(src) && !src.IsUnspecified() {
		iface.learn(now, src, srcHW)
	}
	if ip.Flags.IsFragment() {
		iface.trace("ipv4: dropping fragment", slogAddr("src", src))
		return false, nil
	}
	broadcast := iface.isBroadcast(dst)
	if !broadcast && !iface.HasAddr(dst) {
		return false, nil
	}
	ph := ip.Pseudo()
	payload := pkt[hl:]
	switch ip.Protocol {
	case wire.IPProtoICMP:
		return false, iface.recvICMP(now, &ip, payload, broadcast)
	case wire.IPProtoUDP:
		return iface.recvUDP(now, &ph, pkt[:hl], payload, broadcast)
	case wire.IPProtoTCP:
		if broadcast {
			return false, nil
		}
		return iface.recvTCP(now, &ph, payload)
	}
	return false, nil
}

func (iface *Interface) recvICMP(now time.Time, ip *wire.IPv4Header, payload []byte, broadcast bool) error {
	if len(payload) < wire.SizeICMPv4Header {
		return fmt.Errorf("%w: short ICMP message (%d)", ErrMalformed, len(payload))
	}
	if wire.Checksum(payload) != 0 {
		return fmt.Errorf("%w: ICMP", ErrChecksum)
	}
	icmp := wire.DecodeICMPv4Header(payload)
	if icmp.Type != wire.ICMPEchoRequest || broadcast {
		return nil
	}
	body := payload[wire.SizeICMPv4Header:]
	reply := wire.ICMPv4Header{Type: wire.ICMPEchoReply, Rest: icmp.Rest}
	reply.Checksum = reply.CalculateChecksum(body)
	iface.trace("icmp: echo", slogAddr("src", ip.SourceAddr()))
	err := iface.sendIPv4(now, ip.DestinationAddr(), ip.SourceAddr(), wire.IPProtoICMP, len(payload),
		func(_ *wire.PseudoHeader, b []byte) {
			reply.Put(b)
			copy(b[wire.SizeICMPv4Header:], body)
		})
	return dropTransient(err)
}

// recvUDP delivers a datagram. iphdr is the raw IP header quoted in errors.
// broadcast is set for IPv4 broadcast and IPv6 multicast destinations.
func (iface *Interface) recvUDP(now time.Time, ph *wire.PseudoHeader, iphdr, payload []byte, broadcast bool) (changed bool, err error) {
	if len(payload) < wire.SizeUDPHeader {
		return false, fmt.Errorf("%w: short UDP datagram (%d)", ErrMalformed, len(payload))
	}
	udp := wire.DecodeUDPHeader(payload)
	if int(udp.Length) < wire.SizeUDPHeader || int(udp.Length) > len(payload) {
		return false, fmt.Errorf("%w: UDP length %d of %d", ErrMalformed, udp.Length, len(payload))
	}
	payload = payload[:udp.Length]
	// The checksum is optional over IPv4 only.
	if (udp.Checksum != 0 || ph.Source.Is6()) && !wire.ValidTransportChecksum(ph, payload) {
		return false, fmt.Errorf("%w: UDP", ErrChecksum)
	}
	local := ph.Destination
	remote := netip.AddrPortFrom(ph.Source, udp.SourcePort)
	var sock *UDPSocket
	iface.sockets.each(func(s any) bool {
		u, ok := s.(*UDPSocket)
		if ok && u.accepts(udp.DestinationPort) {
			sock = u
			return false
		}
		return true
	})
	if sock != nil {
		if !sock.process(local, remote, payload[wire.SizeUDPHeader:]) {
			iface.debug("udp: rx buffer full, datagram dropped", slog.Int("port", int(udp.DestinationPort)))
			return false, nil
		}
		return true, nil
	}
	if broadcast {
		return false, nil
	}
	return false, iface.sendPortUnreachable(now, ph, iphdr, payload)
}

// sendPortUnreachable replies to an undeliverable datagram with a destination
// unreachable message. ICMP quotes the IPv4 header and first 8 octets of the
// datagram. ICMPv6 quotes as much as fits the minimum IPv6 MTU.
func (iface *Interface) sendPortUnreachable(now time.Time, ph *wire.PseudoHeader, iphdr, payload []byte) error {
	if !iface.icmpLimit.AllowN(now, 1) {
		return nil
	}
	var err error
	if ph.Source.Is4() {
		quote := payload[:min(len(payload), 8)]
		msg := wire.ICMPv4Header{Type: wire.ICMPDestUnreach, Code: wire.ICMPCodePortUnreach}
		n := wire.SizeICMPv4Header + len(iphdr) + len(quote)
		err = iface.sendIPv4(now, ph.Destination, ph.Source, wire.IPProtoICMP, n, func(_ *wire.PseudoHeader, b []byte) {
			body := b[wire.SizeICMPv4Header:]
			copy(body, iphdr)
			copy(body[len(iphdr):], quote)
			msg.Checksum = msg.CalculateChecksum(body)
			msg.Put(b)
		})
	} else {
		room := min(wire.MinIPv6MTU, iface.ipMTU) - wire.SizeIPv6Header - wire.SizeICMPv6Header - len(iphdr)
		quote := payload[:min(len(payload), room)]
		msg := wire.ICMPv6Header{Type: wire.ICMPv6DestUnreach, Code: wire.ICMPv6CodePortUnreach}
		n := wire.SizeICMPv6Header + len(iphdr) + len(quote)
		err = iface.sendIPv6(now, ph.Destination, ph.Source, wire.IPProtoICMPv6, wire.DefaultTTL, n, func(pseudo *wire.PseudoHeader, b []byte) {
			body := b[wire.SizeICMPv6Header:]
			copy(body, iphdr)
			copy(body[len(iphdr):], quote)
			msg.Checksum = msg.CalculateChecksum(pseudo, body)
			msg.Put(b)
		})
	}
	if err == nil {
		iface.stats.PortUnreachable++
	}
	return dropTransient(err)
}

func (iface *Interface) recvTCP(now time.Time, ph *wire.PseudoHeader, payload []byte) (changed bool, err error) {
	if len(payload) < wire.SizeTCPHeader {
		return false, fmt.Errorf("%w: short TCP segment (%d)", ErrMalformed, len(payload))
	}
	thdr := wire.DecodeTCPHeader(payload)
	off := thdr.OffsetInBytes()
	if off < wire.SizeTCPHeader || off > len(payload) {
		return false, fmt.Errorf("%w: TCP data offset %d", ErrMalformed, off)
	}
	if !wire.ValidTransportChecksum(ph, payload) {
		return false, fmt.Errorf("%w: TCP", ErrChecksum)
	}
	local := netip.AddrPortFrom(ph.Destination, thdr.DestinationPort)
	remote := netip.AddrPortFrom(ph.Source, thdr.SourcePort)
	if remote.Port() == 0 || local.Port() == 0 {
		return false, fmt.Errorf("%w: TCP port zero", ErrMalformed)
	}
	data := payload[off:]
	seg := seqs.Segment{
		SEQ:     thdr.Seq,
		ACK:     thdr.Ack,
		WND:     thdr.WindowSize(),
		DATALEN: seqs.Size(len(data)),
		Flags:   thdr.Flags(),
	}
	iface.trace("tcp: recv", slog.String("seg", thdr.String()))

	// Connections take precedence over listeners on the same port.
	var sock, listener *TCPSocket
	iface.sockets.each(func(s any) bool {
		t, ok := s.(*TCPSocket)
		if !ok || !t.accepts(local, remote) {
			return true
		}
		if !t.IsListening() {
			sock = t
			return false
		}
		if listener == nil {
			listener = t
		}
		return true
	})
	if sock == nil {
		sock = listener
	}
	var rst bool
	if sock != nil {
		var mss uint16
		if seg.Flags.HasAny(seqs.FlagSYN) {
			mss = wire.ParseTCPMSS(payload[wire.SizeTCPHeader:off])
		}
		rst = sock.process(now, iface, local, remote, seg, mss, data)
		changed = true
	} else {
		rst = !seg.Flags.HasAny(seqs.FlagRST)
	}
	if !rst || seg.Flags.HasAny(seqs.FlagRST) {
		return changed, nil
	}
	iface.stats.TCPResets++
	iface.debug("tcp: reset", slogAddrPort("remote", remote), slog.Int("port", int(local.Port())))
	err = iface.sendTCP(now, local, remote, tcpctl.ResetFor(seg), 0, nil)
	return changed, dropTransient(err)
}

// dropTransient discards resolution and device busy errors of replies,
// which are never retried.
func dropTransient(err error) error {
	if errors.Is(err, errNeighborPending) || errors.Is(err, errDeviceBusy) {
		return nil
	}
	return err
}

// onLink reports whether addr is in one of the interface prefixes.
func (iface *Interface) onLink(addr netip.Addr) bool {
	for _, p := range iface.addrs {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// isBroadcast reports whether addr is the limited broadcast address or the
// directed broadcast address of an interface prefix.
func (iface *Interface) isBroadcast(addr netip.Addr) bool {
	if addr == netip.AddrFrom4([4]byte{255, 255, 255, 255}) {
		return true
	}
	for _, p := range iface.addrs {
		if p.Addr().Is4() && p.Bits() < 31 && addr == directedBroadcast(p) {
			return true
		}
	}
	return false
}

func directedBroadcast(p netip.Prefix) netip.Addr {
	a := p.Masked().Addr().As4()
	host := ^uint32(0) >> p.Bits()
	a[0] |= byte(host >> 24)
	a[1] |= byte(host >> 16)
	a[2] |= byte(host >> 8)
	a[3] |= byte(host)
	return netip.AddrFrom4(a)
}
