package pollhost

import (
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/soypat/pollhost/internal/wire"
	"github.com/soypat/pollhost/phy"
)

func (iface *Interface) recvIPv6(now time.Time, pkt []byte, srcHW [6]byte) (changed bool, err error) {
	if len(pkt) < wire.SizeIPv6Header {
		return false, fmt.Errorf("%w: short IPv6 packet (%d)", ErrMalformed, len(pkt))
	}
	ip := wire.DecodeIPv6Header(pkt)
	switch {
	case ip.Version() != 6:
		return false, fmt.Errorf("%w: IP version %d", ErrMalformed, ip.Version())
	case int(ip.PayloadLength) > len(pkt)-wire.SizeIPv6Header:
		return false, fmt.Errorf("%w: IPv6 payload length %d of %d", ErrMalformed, ip.PayloadLength, len(pkt)-wire.SizeIPv6Header)
	}
	pkt = pkt[:wire.SizeIPv6Header+int(ip.PayloadLength)] // Strip link padding.
	src := ip.SourceAddr()
	dst := ip.DestinationAddr()
	if src.IsMulticast() {
		return false, nil
	}
	multicast := dst.IsMulticast()
	if multicast && !iface.joined(dst) || !multicast && !iface.HasAddr(dst) {
		return false, nil
	}
	ph := ip.Pseudo()
	payload := pkt[wire.SizeIPv6Header:]
	switch ip.NextHeader {
	case wire.IPProtoICMPv6:
		return false, iface.recvICMPv6(now, &ip, payload, srcHW)
	case wire.IPProtoUDP:
		return iface.recvUDP(now, &ph, pkt[:wire.SizeIPv6Header], payload, multicast)
	case wire.IPProtoTCP:
		if multicast {
			return false, nil
		}
		return iface.recvTCP(now, &ph, payload)
	}
	iface.stats.Ignored++
	iface.trace("ipv6: ignoring next header", slog.Int("nh", int(ip.NextHeader)), slogAddr("src", src))
	return false, nil
}

// joined reports whether the interface listens on the IPv6 multicast group addr:
// all-nodes and the solicited-node group of every IPv6 address.
func (iface *Interface) joined(addr netip.Addr) bool {
	if addr == wire.AllNodesAddr() {
		return true
	}
	for _, p := range iface.addrs {
		if p.Addr().Is6() && wire.SolicitedNodeAddr(p.Addr()) == addr {
			return true
		}
	}
	return false
}

func (iface *Interface) recvICMPv6(now time.Time, ip *wire.IPv6Header, payload []byte, srcHW [6]byte) error {
	if len(payload) < wire.SizeICMPv6Header {
		return fmt.Errorf("%w: short ICMPv6 message (%d)", ErrMalformed, len(payload))
	}
	ph := ip.Pseudo()
	if !wire.ValidTransportChecksum(&ph, payload) {
		return fmt.Errorf("%w: ICMPv6", ErrChecksum)
	}
	icmp := wire.DecodeICMPv6Header(payload)
	switch icmp.Type {
	case wire.ICMPv6EchoRequest:
		if ip.DestinationAddr().IsMulticast() {
			return nil
		}
		body := payload[wire.SizeICMPv6Header:]
		reply := wire.ICMPv6Header{Type: wire.ICMPv6EchoReply, Rest: icmp.Rest}
		iface.trace("icmpv6: echo", slogAddr("src", ip.SourceAddr()))
		err := iface.sendIPv6(now, ip.DestinationAddr(), ip.SourceAddr(), wire.IPProtoICMPv6, wire.DefaultTTL, len(payload),
			func(pseudo *wire.PseudoHeader, b []byte) {
				copy(b[wire.SizeICMPv6Header:], body)
				reply.Checksum = reply.CalculateChecksum(pseudo, b[wire.SizeICMPv6Header:])
				reply.Put(b)
			})
		return dropTransient(err)
	case wire.ICMPv6NeighborSolicit, wire.ICMPv6NeighborAdvert:
		// Neighbor discovery messages are only valid when they were not forwarded.
		if iface.medium != phy.MediumEthernet || ip.HopLimit != wire.NDPHopLimit || icmp.Code != 0 ||
			len(payload) < wire.SizeICMPv6Header+wire.SizeNDPTarget {
			return nil
		}
		if icmp.Type == wire.ICMPv6NeighborSolicit {
			return iface.recvNeighborSolicit(now, ip, payload, srcHW)
		}
		iface.recvNeighborAdvert(now, payload, srcHW)
	}
	return nil
}

func (iface *Interface) recvNeighborSolicit(now time.Time, ip *wire.IPv6Header, msg []byte, srcHW [6]byte) error {
	target := wire.NDPTarget(msg)
	src := ip.SourceAddr()
	if !iface.HasAddr(target) || src.IsUnspecified() {
		// Duplicate address detection is not performed.
		return nil
	}
	hw, ok := wire.NDPLinkAddr(msg[wire.SizeICMPv6Header+wire.SizeNDPTarget:], wire.NDPOptSourceLinkAddr)
	if !ok {
		hw = srcHW
	}
	if !wire.IsMulticastHW(hw) && iface.onLink(src) {
		iface.learn(now, src, hw)
	}
	iface.trace("ndp: solicitation", slogAddr("target", target), slogAddr("src", src))
	return dropTransient(iface.sendNeighborAdvert(now, target, src))
}

func (iface *Interface) recvNeighborAdvert(now time.Time, msg []byte, srcHW [6]byte) {
	target := wire.NDPTarget(msg)
	hw, ok := wire.NDPLinkAddr(msg[wire.SizeICMPv6Header+wire.SizeNDPTarget:], wire.NDPOptTargetLinkAddr)
	if !ok {
		hw = srcHW
	}
	if target.IsMulticast() || wire.IsMulticastHW(hw) || !iface.onLink(target) {
		return
	}
	iface.learn(now, target, hw)
}

// sendNeighborSolicit asks for the link address of target on its solicited-node group.
func (iface *Interface) sendNeighborSolicit(now time.Time, src, target netip.Addr) error {
	if !src.Is6() {
		var ok bool
		src, ok = iface.sourceFor(target)
		if !ok {
			return fmt.Errorf("%w: no IPv6 address to resolve %v", ErrUnaddressable, target)
		}
	}
	return iface.sendNDP(now, src, wire.SolicitedNodeAddr(target), target,
		wire.ICMPv6Header{Type: wire.ICMPv6NeighborSolicit}, wire.NDPOptSourceLinkAddr)
}

// sendNeighborAdvert answers a solicitation for target, one of the interface addresses.
func (iface *Interface) sendNeighborAdvert(now time.Time, target, dst netip.Addr) error {
	msg := wire.ICMPv6Header{
		Type: wire.ICMPv6NeighborAdvert,
		Rest: [4]byte{wire.NDPFlagSolicited | wire.NDPFlagOverride},
	}
	return iface.sendNDP(now, target, dst, target, msg, wire.NDPOptTargetLinkAddr)
}

func (iface *Interface) sendNDP(now time.Time, src, dst, target netip.Addr, msg wire.ICMPv6Header, opt uint8) error {
	n := wire.SizeICMPv6Header + wire.SizeNDPTarget + wire.SizeNDPLinkAddrOption
	return iface.sendIPv6(now, src, dst, wire.IPProtoICMPv6, wire.NDPHopLimit, n, func(ph *wire.PseudoHeader, b []byte) {
		body := b[wire.SizeICMPv6Header:]
		t := target.As16()
		copy(body, t[:])
		wire.PutNDPLinkAddr(body[wire.SizeNDPTarget:], opt, iface.hw)
		msg.Checksum = msg.CalculateChecksum(ph, body)
		msg.Put(b)
	})
}
