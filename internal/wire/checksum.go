package wire

import (
	"encoding/binary"
	"net/netip"

	"github.com/soypat/lneto"
)

// checksummer feeds the RFC 791 ones' complement sum with 16 bit aligned
// words only, keeping a dangling odd octet between writes so that
// pseudo-header, header and payload may be written separately.
type checksummer struct {
	crc     lneto.CRC791
	pending byte
	odd     bool
}

func (c *checksummer) Write(b []byte) {
	if len(b) == 0 {
		return
	}
	if c.odd {
		c.crc.Write([]byte{c.pending, b[0]})
		b = b[1:]
		c.odd = false
	}
	even := len(b) &^ 1
	c.crc.Write(b[:even])
	if even != len(b) {
		c.pending = b[even]
		c.odd = true
	}
}

// Sum16 returns the ones' complement checksum of the data written so far.
// The last odd octet is padded with zero.
func (c *checksummer) Sum16() uint16 {
	crc := c.crc
	if c.odd {
		crc.Write([]byte{c.pending, 0})
	}
	return crc.Sum16()
}

// Checksum returns the RFC 791 checksum of b.
func Checksum(b []byte) uint16 {
	var c checksummer
	c.Write(b)
	return c.Sum16()
}

// ValidIPv4Checksum reports whether the IPv4 header in b, checksum field included,
// sums to zero.
func ValidIPv4Checksum(hdr []byte) bool {
	return Checksum(hdr) == 0
}

// ValidTransportChecksum reports whether segment (a TCP, UDP or ICMPv6
// header with its checksum, options and payload) sums to zero with ph.
func ValidTransportChecksum(ph *PseudoHeader, segment []byte) bool {
	crc := ph.sum(len(segment))
	crc.Write(segment)
	return crc.Sum16() == 0
}

// PseudoHeader holds the IP fields covered by TCP, UDP and ICMPv6 checksums.
type PseudoHeader struct {
	Source      netip.Addr
	Destination netip.Addr
	// Protocol is the IPv4 protocol or the IPv6 next header.
	Protocol uint8
}

// sum returns the checksum accumulator primed with the pseudo-header for
// an upper layer packet of the given length.
//
// IPv4 (RFC 793):
//
//	+--------+--------+--------+--------+
//	|           Source Address          |
//	+--------+--------+--------+--------+
//	|         Destination Address       |
//	+--------+--------+--------+--------+
//	|  zero  |  PTCL  |    Length       |
//	+--------+--------+--------+--------+
//
// IPv6 (RFC 8200) carries 16 octet addresses, a 32 bit length and three
// zero octets before the next header.
func (ph *PseudoHeader) sum(length int) (crc checksummer) {
	if ph.Source.Is4() {
		var buf [12]byte
		src, dst := ph.Source.As4(), ph.Destination.As4()
		copy(buf[0:4], src[:])
		copy(buf[4:8], dst[:])
		buf[9] = ph.Protocol
		binary.BigEndian.PutUint16(buf[10:12], uint16(length))
		crc.Write(buf[:])
		return crc
	}
	var buf [40]byte
	src, dst := ph.Source.As16(), ph.Destination.As16()
	copy(buf[0:16], src[:])
	copy(buf[16:32], dst[:])
	binary.BigEndian.PutUint32(buf[32:36], uint32(length))
	buf[39] = ph.Protocol
	crc.Write(buf[:])
	return crc
}
