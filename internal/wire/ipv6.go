package wire

import (
	"encoding/binary"
	"net/netip"
	"strconv"
)

// IPProtoICMPv6 is the IPv6 next header value of ICMPv6.
const IPProtoICMPv6 = 58

type ICMPv6Type uint8

const (
	ICMPv6DestUnreach     ICMPv6Type = 1
	ICMPv6EchoRequest     ICMPv6Type = 128
	ICMPv6EchoReply       ICMPv6Type = 129
	ICMPv6NeighborSolicit ICMPv6Type = 135
	ICMPv6NeighborAdvert  ICMPv6Type = 136
	ICMPv6CodePortUnreach            = 4
)

// Neighbor discovery constants (RFC 4861).
const (
	// NDPHopLimit is the hop limit of every neighbor discovery message.
	NDPHopLimit = 255
	// NDPOptSourceLinkAddr and NDPOptTargetLinkAddr are option types
	// carrying an Ethernet address.
	NDPOptSourceLinkAddr = 1
	NDPOptTargetLinkAddr = 2
	// NDP advertisement flags, first octet of ICMPv6Header.Rest.
	NDPFlagSolicited = 0x40
	NDPFlagOverride  = 0x20
	// SizeNDPTarget is the size of the target address following the ICMPv6
	// header of solicitations and advertisements. Options follow it.
	SizeNDPTarget = 16
	// SizeNDPLinkAddrOption is the size of a link-layer address option for Ethernet.
	SizeNDPLinkAddrOption = 8
)

// MinIPv6MTU is the minimum link MTU of IPv6 links (RFC 8200).
const MinIPv6MTU = 1280

const (
	SizeIPv6Header   = 40
	SizeICMPv6Header = 8
)

// IPv6Header is the fixed 40 byte IPv6 header.
type IPv6Header struct {
	// VersionTrafficFlow holds the version (4 bits), traffic class (8 bits) and flow label (20 bits).
	VersionTrafficFlow uint32   // 0:4
	PayloadLength      uint16   // 4:6
	NextHeader         uint8    // 6:7
	HopLimit           uint8    // 7:8
	Source             [16]byte // 8:24
	Destination        [16]byte // 24:40
}

// ICMPv6Header is the fixed part of an ICMPv6 message. For echo messages
// Rest holds the identifier and sequence number. For neighbor discovery it
// holds the flags and reserved octets.
type ICMPv6Header struct {
	Type     ICMPv6Type // 0:1
	Code     uint8      // 1:2
	Checksum uint16     // 2:4
	Rest     [4]byte    // 4:8
}

func DecodeIPv6Header(buf []byte) (ip IPv6Header) {
	_ = buf[39]
	ip.VersionTrafficFlow = binary.BigEndian.Uint32(buf[0:4])
	ip.PayloadLength = binary.BigEndian.Uint16(buf[4:6])
	ip.NextHeader = buf[6]
	ip.HopLimit = buf[7]
	copy(ip.Source[:], buf[8:24])
	copy(ip.Destination[:], buf[24:40])
	return ip
}

// Put marshals the IPv6 header onto buf. The version is always written as 6.
func (ip *IPv6Header) Put(buf []byte) {
	_ = buf[39]
	binary.BigEndian.PutUint32(buf[0:4], 6<<28|ip.VersionTrafficFlow&0x0fff_ffff)
	binary.BigEndian.PutUint16(buf[4:6], ip.PayloadLength)
	buf[6] = ip.NextHeader
	buf[7] = ip.HopLimit
	copy(buf[8:24], ip.Source[:])
	copy(buf[24:40], ip.Destination[:])
}

func (ip *IPv6Header) Version() uint8 { return uint8(ip.VersionTrafficFlow >> 28) }

func (ip *IPv6Header) SourceAddr() netip.Addr      { return netip.AddrFrom16(ip.Source) }
func (ip *IPv6Header) DestinationAddr() netip.Addr { return netip.AddrFrom16(ip.Destination) }

// Pseudo returns the pseudo-header of the upper layer protocol carried by the packet.
func (ip *IPv6Header) Pseudo() PseudoHeader {
	return PseudoHeader{Source: ip.SourceAddr(), Destination: ip.DestinationAddr(), Protocol: ip.NextHeader}
}

func (ip *IPv6Header) String() string {
	return strcat("IPv6 ", ip.SourceAddr().String(), " -> ",
		ip.DestinationAddr().String(), " nh=", strconv.Itoa(int(ip.NextHeader)),
		" len=", strconv.Itoa(int(ip.PayloadLength)),
	)
}

func DecodeICMPv6Header(buf []byte) (icmp ICMPv6Header) {
	_ = buf[7]
	icmp.Type = ICMPv6Type(buf[0])
	icmp.Code = buf[1]
	icmp.Checksum = binary.BigEndian.Uint16(buf[2:4])
	copy(icmp.Rest[:], buf[4:8])
	return icmp
}

// Put marshals the ICMPv6 header onto buf. buf needs to be 8 bytes in length or Put panics.
func (icmp *ICMPv6Header) Put(buf []byte) {
	_ = buf[7]
	buf[0] = byte(icmp.Type)
	buf[1] = icmp.Code
	binary.BigEndian.PutUint16(buf[2:4], icmp.Checksum)
	copy(buf[4:8], icmp.Rest[:])
}

// CalculateChecksum calculates the checksum over the pseudo-header, the ICMPv6 header and body.
func (icmp *ICMPv6Header) CalculateChecksum(ph *PseudoHeader, body []byte) uint16 {
	var buf [SizeICMPv6Header]byte
	icmp.Put(buf[:])
	binary.BigEndian.PutUint16(buf[2:4], 0)
	crc := ph.sum(SizeICMPv6Header + len(body))
	crc.Write(buf[:])
	crc.Write(body)
	return crc.Sum16()
}

func (icmp *ICMPv6Header) String() string {
	return strcat("ICMPv6 type=", u32toa(uint32(icmp.Type)), " code=", u32toa(uint32(icmp.Code)))
}

// NDPTarget returns the target address of a neighbor solicitation or
// advertisement. msg starts at the ICMPv6 header.
func NDPTarget(msg []byte) netip.Addr {
	_ = msg[SizeICMPv6Header+SizeNDPTarget-1]
	return netip.AddrFrom16([16]byte(msg[SizeICMPv6Header : SizeICMPv6Header+SizeNDPTarget]))
}

// NDPLinkAddr returns the Ethernet address carried by the first option of
// type optType in the options of a neighbor discovery message.
func NDPLinkAddr(opts []byte, optType uint8) (hw [6]byte, ok bool) {
	for len(opts) >= 2 {
		size := int(opts[1]) * 8
		if size == 0 || size > len(opts) {
			return hw, false
		}
		if opts[0] == optType && size == SizeNDPLinkAddrOption {
			copy(hw[:], opts[2:8])
			return hw, true
		}
		opts = opts[size:]
	}
	return hw, false
}

// PutNDPLinkAddr writes a link-layer address option to dst.
func PutNDPLinkAddr(dst []byte, optType uint8, hw [6]byte) int {
	_ = dst[7]
	dst[0] = optType
	dst[1] = 1
	copy(dst[2:8], hw[:])
	return SizeNDPLinkAddrOption
}

// SolicitedNodeAddr returns the solicited-node multicast address of addr: ff02::1:ffXX:XXXX.
func SolicitedNodeAddr(addr netip.Addr) netip.Addr {
	a := addr.As16()
	return netip.AddrFrom16([16]byte{0xff, 0x02, 11: 0x01, 12: 0xff, 13: a[13], 14: a[14], 15: a[15]})
}

// AllNodesAddr is the link-local all-nodes multicast address ff02::1.
func AllNodesAddr() netip.Addr {
	return netip.AddrFrom16([16]byte{0xff, 0x02, 15: 0x01})
}

// MulticastHW returns the Ethernet multicast address 33:33:XX:XX:XX:XX an
// IPv6 multicast address maps to (RFC 2464).
func MulticastHW(addr netip.Addr) [6]byte {
	a := addr.As16()
	return [6]byte{0x33, 0x33, a[12], a[13], a[14], a[15]}
}
