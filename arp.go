package pollhost

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/soypat/lneto/arp"
	"github.com/soypat/lneto/ethernet"
	"github.com/soypat/lneto/internet"

	"github.com/soypat/pollhost/internal/wire"
	"github.com/soypat/pollhost/phy"
)

const (
	arpMaxQueries = 4
	arpMaxPending = 4
)

// arpLink answers and issues ARP for one IPv4 interface address. The
// handler sits on its own ethernet stack since it serves a single protocol address.
type arpLink struct {
	addr netip.Addr
	hw   [6]byte
	link internet.StackEthernet
	arp  arp.Handler
}

func (al *arpLink) reset(mtu int) error {
	err := al.link.Reset6(al.hw, ethernet.BroadcastAddr(), mtu, 1)
	if err != nil {
		return err
	}
	err = al.resetHandler()
	if err != nil {
		return err
	}
	return al.link.Register(&al.arp)
}

func (al *arpLink) resetHandler() error {
	return al.arp.Reset(arp.HandlerConfig{
		HardwareAddr: al.hw[:],
		ProtocolAddr: al.addr.AsSlice(),
		MaxQueries:   arpMaxQueries,
		MaxPending:   arpMaxPending,
		HardwareType: 1,
		ProtocolType: ethernet.TypeIPv4,
	})
}

func (al *arpLink) query(addr netip.Addr) error {
	a := addr.As4()
	err := al.arp.StartQuery(a[:])
	if err == nil {
		return nil
	}
	// Completed queries occupy the table until the handler is reset.
	if rerr := al.resetHandler(); rerr != nil {
		return rerr
	}
	return al.arp.StartQuery(a[:])
}

func (al *arpLink) result(addr netip.Addr) ([6]byte, bool) {
	a := addr.As4()
	hw, err := al.arp.QueryResult(a[:])
	if err != nil || len(hw) != 6 {
		return [6]byte{}, false
	}
	return [6]byte(hw), true
}

// resetARP creates one ARP handler per IPv4 interface address.
func (iface *Interface) resetARP() error {
	iface.arps = iface.arps[:0]
	if iface.medium != phy.MediumEthernet {
		return nil
	}
	for _, p := range iface.addrs {
		if !p.Addr().Is4() {
			continue
		}
		al := &arpLink{addr: p.Addr(), hw: iface.hw}
		if err := al.reset(iface.ipMTU); err != nil {
			return fmt.Errorf("arp %v: %w", al.addr, err)
		}
		iface.arps = append(iface.arps, al)
	}
	return nil
}

// recvARP hands an ARP frame to the handlers and transmits their replies.
func (iface *Interface) recvARP(now time.Time, frame []byte) error {
	payload := frame[wire.SizeEthernetHeader:]
	if len(payload) < wire.SizeARPv4Header {
		return fmt.Errorf("%w: short ARP packet (%d)", ErrMalformed, len(payload))
	}
	ahdr := wire.DecodeARPv4Header(payload)
	if !ahdr.IsIPv4OverEthernet() {
		return nil
	}
	sender := netip.AddrFrom4(ahdr.ProtoSender)
	target := netip.AddrFrom4(ahdr.ProtoTarget)
	if wire.IsMulticastHW(ahdr.HardwareSender) || !iface.onLink(sender) {
		return nil
	}
	iface.trace("arp: recv", slog.String("arp", ahdr.String()))
	switch ahdr.Operation {
	case wire.ARPRequest:
		if !iface.HasAddr(target) {
			return nil
		}
		iface.learn(now, sender, ahdr.HardwareSender)
	case wire.ARPReply:
	default:
		return nil
	}
	learned := false
	for _, al := range iface.arps {
		if ahdr.Operation == wire.ARPRequest && al.addr != target {
			continue
		}
		if err := al.link.Demux(frame, 0); err != nil {
			iface.debug("arp: demux", slogAddr("addr", al.addr), slog.String("err", err.Error()))
			continue
		}
		if ahdr.Operation == wire.ARPReply {
			if hw, ok := al.result(sender); ok {
				iface.learn(now, sender, hw)
				learned = true
			}
		}
	}
	if ahdr.Operation == wire.ARPReply && !learned {
		// Unsolicited reply.
		iface.learn(now, sender, ahdr.HardwareSender)
	}
	return iface.flushARP()
}

// startARP queries the link address of hop from the handler of src.
func (iface *Interface) startARP(src, hop netip.Addr) error {
	var link *arpLink
	for _, al := range iface.arps {
		if al.addr == src {
			link = al
			break
		}
		if link == nil {
			link = al
		}
	}
	if link == nil {
		return fmt.Errorf("%w: no IPv4 address to resolve %v", ErrUnaddressable, hop)
	}
	if err := link.query(hop); err != nil {
		return fmt.Errorf("arp query %v: %w", hop, err)
	}
	return iface.flushARP()
}

// arpResult returns the result of a completed query for addr.
func (iface *Interface) arpResult(addr netip.Addr) ([6]byte, bool) {
	for _, al := range iface.arps {
		if hw, ok := al.result(addr); ok {
			return hw, true
		}
	}
	return [6]byte{}, false
}

// flushARP transmits the packets the handlers have pending.
func (iface *Interface) flushARP() error {
	for _, al := range iface.arps {
		for range arpMaxPending + arpMaxQueries {
			n, err := al.link.Encapsulate(iface.txbuf, 0)
			if err != nil {
				return fmt.Errorf("arp encapsulate: %w", err)
			} else if n == 0 {
				break
			} else if n < wire.SizeEthernetHeader+wire.SizeARPv4Header {
				return fmt.Errorf("%w: ARP frame of %d octets", ErrMalformed, n)
			}
			ahdr := wire.DecodeARPv4Header(iface.txbuf[wire.SizeEthernetHeader:])
			dst := ahdr.HardwareTarget
			if ahdr.Operation == wire.ARPRequest {
				dst = wire.BroadcastHW()
			}
			ehdr := wire.EthernetHeader{Destination: dst, Source: iface.hw, SizeOrEtherType: uint16(wire.EtherTypeARP)}
			ehdr.Put(iface.txbuf)
			padded := wire.PadEthernet(n)
			clear(iface.txbuf[n:padded])
			iface.trace("arp: send", slog.String("arp", ahdr.String()))
			err = iface.transmit(iface.txbuf[:padded])
			if errors.Is(err, errDeviceBusy) {
				return nil
			} else if err != nil {
				return err
			}
		}
	}
	return nil
}
