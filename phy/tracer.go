package phy

import (
	"context"
	"log/slog"

	"github.com/soypat/pollhost/internal/logging"
	"github.com/soypat/pollhost/internal/wire"
)

// Tracer logs a summary of every frame crossing the wrapped device.
type Tracer struct {
	dev    Device
	logger *slog.Logger
}

var _ Device = (*Tracer)(nil)

func NewTracer(dev Device, logger *slog.Logger) *Tracer {
	return &Tracer{dev: dev, logger: logger}
}

func (t *Tracer) Capabilities() Capabilities { return t.dev.Capabilities() }
func (t *Tracer) Unwrap() Device             { return t.dev }
func (t *Tracer) Close() error               { return t.dev.Close() }

func (t *Tracer) ReadFrame(b []byte) (int, error) {
	n, err := t.dev.ReadFrame(b)
	if err == nil {
		t.trace("rx", b[:n])
	}
	return n, err
}

func (t *Tracer) WriteFrame(b []byte) error {
	err := t.dev.WriteFrame(b)
	if err == nil {
		t.trace("tx", b)
	}
	return err
}

func (t *Tracer) trace(dir string, frame []byte) {
	if t.logger == nil || !t.logger.Handler().Enabled(context.Background(), logging.LevelTrace) {
		return
	}
	t.logger.LogAttrs(context.Background(), logging.LevelTrace, dir,
		slog.Int("len", len(frame)),
		slog.String("frame", Describe(t.dev.Capabilities().Medium, frame)),
	)
}

// Describe returns a one line human readable summary of a frame's headers.
func Describe(medium Medium, frame []byte) string {
	var s string
	if medium == MediumEthernet {
		if len(frame) < wire.SizeEthernetHeader {
			return "short ethernet frame"
		}
		ehdr := wire.DecodeEthernetHeader(frame)
		s = ehdr.String()
		frame = frame[wire.SizeEthernetHeader:]
		switch ehdr.AssertType() {
		case wire.EtherTypeARP:
			if len(frame) >= wire.SizeARPv4Header {
				arp := wire.DecodeARPv4Header(frame)
				s += " | " + arp.String()
			}
			return s
		case wire.EtherTypeIPv4, wire.EtherTypeIPv6:
		default:
			return s
		}
		s += " | "
	}
	if len(frame) >= wire.SizeIPv6Header && frame[0]>>4 == 6 {
		return s + describeIPv6(frame)
	}
	if len(frame) < wire.SizeIPv4Header || frame[0]>>4 != 4 {
		return s + "non-IP"
	}
	ip := wire.DecodeIPv4Header(frame)
	s += ip.String()
	hl := ip.HeaderLength()
	if hl < wire.SizeIPv4Header || hl > len(frame) {
		return s
	}
	payload := frame[hl:]
	switch ip.Protocol {
	case wire.IPProtoTCP:
		if len(payload) >= wire.SizeTCPHeader {
			tcp := wire.DecodeTCPHeader(payload)
			s += " | " + tcp.String()
		}
	case wire.IPProtoUDP:
		if len(payload) >= wire.SizeUDPHeader {
			udp := wire.DecodeUDPHeader(payload)
			s += " | " + udp.String()
		}
	case wire.IPProtoICMP:
		if len(payload) >= wire.SizeICMPv4Header {
			icmp := wire.DecodeICMPv4Header(payload)
			s += " | " + icmp.String()
		}
	}
	return s
}

func describeIPv6(pkt []byte) string {
	ip := wire.DecodeIPv6Header(pkt)
	s := ip.String()
	payload := pkt[wire.SizeIPv6Header:]
	switch ip.NextHeader {
	case wire.IPProtoTCP:
		if len(payload) >= wire.SizeTCPHeader {
			tcp := wire.DecodeTCPHeader(payload)
			s += " | " + tcp.String()
		}
	case wire.IPProtoUDP:
		if len(payload) >= wire.SizeUDPHeader {
			udp := wire.DecodeUDPHeader(payload)
			s += " | " + udp.String()
		}
	case wire.IPProtoICMPv6:
		if len(payload) >= wire.SizeICMPv6Header {
			icmp := wire.DecodeICMPv6Header(payload)
			s += " | " + icmp.String()
		}
	}
	return s
}
