package pollhost

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/soypat/seqs"

	"github.com/soypat/pollhost/internal/wire"
	"github.com/soypat/pollhost/phy"
)

func (iface *Interface) linkHeaderLen() int {
	if iface.medium == phy.MediumEthernet {
		return wire.SizeEthernetHeader
	}
	return 0
}

// sendIP builds and transmits a datagram from src to dst whose n octet
// payload is written by put. put receives the pseudo-header for checksums.
func (iface *Interface) sendIP(now time.Time, src, dst netip.Addr, proto uint8, n int, put func(ph *wire.PseudoHeader, payload []byte)) error {
	switch {
	case src.Is4() && dst.Is4():
		return iface.sendIPv4(now, src, dst, proto, n, put)
	case src.Is6() && dst.Is6():
		return iface.sendIPv6(now, src, dst, proto, wire.DefaultTTL, n, put)
	}
	return ErrUnaddressable
}

func (iface *Interface) sendIPv4(now time.Time, src, dst netip.Addr, proto uint8, n int, put func(ph *wire.PseudoHeader, payload []byte)) error {
	if !src.Is4() || !dst.Is4() || dst.IsUnspecified() {
		return ErrUnaddressable
	}
	hw, err := iface.linkDestination(now, src, dst)
	if err != nil {
		return err
	}
	off := iface.linkHeaderLen()
	total := off + wire.SizeIPv4Header + n
	if total > len(iface.txbuf) || wire.SizeIPv4Header+n > iface.ipMTU {
		return fmt.Errorf("%w: datagram of %d octets exceeds MTU", ErrMalformed, wire.SizeIPv4Header+n)
	}
	iface.ipID++
	ip := wire.IPv4Header{
		VersionAndIHL: 5,
		TotalLength:   uint16(wire.SizeIPv4Header + n),
		ID:            iface.ipID,
		TTL:           wire.DefaultTTL,
		Protocol:      proto,
		Source:        src.As4(),
		Destination:   dst.As4(),
	}
	ip.Checksum = ip.CalculateChecksum()
	frame := iface.txbuf[:total]
	ph := ip.Pseudo()
	put(&ph, frame[off+wire.SizeIPv4Header:])
	ip.Put(frame[off:])
	return iface.transmitIP(total, wire.EtherTypeIPv4, hw)
}

func (iface *Interface) sendIPv6(now time.Time, src, dst netip.Addr, proto, hopLimit uint8, n int, put func(ph *wire.PseudoHeader, payload []byte)) error {
	if !src.Is6() || !dst.Is6() || dst.IsUnspecified() {
		return ErrUnaddressable
	}
	hw, err := iface.linkDestination(now, src, dst)
	if err != nil {
		return err
	}
	off := iface.linkHeaderLen()
	total := off + wire.SizeIPv6Header + n
	if total > len(iface.txbuf) || wire.SizeIPv6Header+n > iface.ipMTU {
		return fmt.Errorf("%w: datagram of %d octets exceeds MTU", ErrMalformed, wire.SizeIPv6Header+n)
	}
	ip := wire.IPv6Header{
		PayloadLength: uint16(n),
		NextHeader:    proto,
		HopLimit:      hopLimit,
		Source:        src.As16(),
		Destination:   dst.As16(),
	}
	frame := iface.txbuf[:total]
	ph := ip.Pseudo()
	put(&ph, frame[off+wire.SizeIPv6Header:])
	ip.Put(frame[off:])
	return iface.transmitIP(total, wire.EtherTypeIPv6, hw)
}

func (iface *Interface) linkDestination(now time.Time, src, dst netip.Addr) ([6]byte, error) {
	if iface.medium != phy.MediumEthernet {
		return [6]byte{}, nil
	}
	return iface.resolve(now, src, dst)
}

// transmitIP adds the link header to the total octet datagram in txbuf and transmits it.
func (iface *Interface) transmitIP(total int, etype wire.EtherType, hw [6]byte) error {
	frame := iface.txbuf[:total]
	if iface.medium == phy.MediumEthernet {
		ehdr := wire.EthernetHeader{Destination: hw, Source: iface.hw, SizeOrEtherType: uint16(etype)}
		ehdr.Put(frame)
		padded := wire.PadEthernet(total)
		clear(iface.txbuf[total:padded])
		frame = iface.txbuf[:padded]
	}
	return iface.transmit(frame)
}

func (iface *Interface) sendTCP(now time.Time, local, remote netip.AddrPort, seg seqs.Segment, mss uint16, fill func([]byte)) error {
	optlen := 0
	if mss != 0 {
		optlen = 4
	}
	hdrlen := wire.SizeTCPHeader + optlen
	n := hdrlen + int(seg.DATALEN)
	return iface.sendIP(now, local.Addr(), remote.Addr(), wire.IPProtoTCP, n, func(ph *wire.PseudoHeader, b []byte) {
		thdr := wire.TCPHeader{
			SourcePort:      local.Port(),
			DestinationPort: remote.Port(),
			Seq:             seg.SEQ,
			Ack:             seg.ACK,
			WindowSizeRaw:   uint16(seg.WND),
		}
		thdr.SetFlags(seg.Flags)
		thdr.SetOffset(uint8(hdrlen / 4))
		opts := b[wire.SizeTCPHeader:hdrlen]
		if mss != 0 {
			wire.PutTCPMSS(opts, mss)
		}
		payload := b[hdrlen:]
		if fill != nil {
			fill(payload)
		}
		thdr.Checksum = thdr.CalculateChecksum(ph, opts, payload)
		thdr.Put(b)
	})
}

// sendUDP sends data from src. If src is not an interface address of the
// family of remote a source is selected with sourceFor.
func (iface *Interface) sendUDP(now time.Time, src netip.Addr, localPort uint16, remote netip.AddrPort, data []byte) error {
	if !src.IsValid() || src.Is4() != remote.Addr().Is4() || !iface.HasAddr(src) {
		var ok bool
		src, ok = iface.sourceFor(remote.Addr())
		if !ok {
			return ErrUnaddressable
		}
	}
	n := wire.SizeUDPHeader + len(data)
	return iface.sendIP(now, src, remote.Addr(), wire.IPProtoUDP, n, func(ph *wire.PseudoHeader, b []byte) {
		uhdr := wire.UDPHeader{
			SourcePort:      localPort,
			DestinationPort: remote.Port(),
			Length:          uint16(n),
		}
		payload := b[wire.SizeUDPHeader:]
		copy(payload, data)
		uhdr.Checksum = uhdr.CalculateChecksum(ph, payload)
		uhdr.Put(b)
	})
}

// resolve returns the link address of the next hop towards dst. If it is
// unknown an ARP request or neighbor solicitation is sent, at most once per
// second per address, and errNeighborPending is returned.
func (iface *Interface) resolve(now time.Time, src, dst netip.Addr) ([6]byte, error) {
	if dst.Is6() && dst.IsMulticast() {
		return wire.MulticastHW(dst), nil
	}
	if iface.isBroadcast(dst) {
		return wire.BroadcastHW(), nil
	}
	hop := dst
	if !iface.onLink(dst) {
		if !iface.gateway.IsValid() || iface.gateway.Is4() != dst.Is4() {
			return [6]byte{}, fmt.Errorf("%w: no route to %v", ErrUnaddressable, dst)
		}
		hop = iface.gateway
	}
	if hw, ok := iface.neighbors.lookup(hop, now); ok {
		return hw, nil
	}
	if hop.Is4() {
		if hw, ok := iface.arpResult(hop); ok {
			iface.neighbors.fill(hop, hw, now)
			return hw, nil
		}
	}
	if iface.neighbors.shouldRequest(hop, now) {
		iface.debug("resolving", slogAddr("addr", hop))
		var err error
		if hop.Is4() {
			err = iface.startARP(src, hop)
		} else {
			err = iface.sendNeighborSolicit(now, src, hop)
		}
		if err != nil && !errors.Is(err, errDeviceBusy) {
			return [6]byte{}, err
		}
	}
	return [6]byte{}, errNeighborPending
}

// sourceFor selects the source address for packets to dst: an address of
// the same family whose prefix contains dst, else the first of that family.
func (iface *Interface) sourceFor(dst netip.Addr) (netip.Addr, bool) {
	var first netip.Addr
	for _, p := range iface.addrs {
		if p.Addr().Is4() != dst.Is4() {
			continue
		}
		if p.Contains(dst) {
			return p.Addr(), true
		}
		if !first.IsValid() {
			first = p.Addr()
		}
	}
	return first, first.IsValid()
}

func (iface *Interface) transmit(frame []byte) error {
	err := iface.dev.WriteFrame(frame)
	switch {
	case err == nil:
		iface.stats.TxFrames++
		return nil
	case errors.Is(err, phy.ErrWouldBlock):
		return errDeviceBusy
	}
	iface.logerr("write frame", slog.String("err", err.Error()))
	return fmt.Errorf("write frame: %w", err)
}
