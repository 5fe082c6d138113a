/*
package wire implements Ethernet, ARP, IPv4, IPv6, ICMP, NDP, UDP and TCP header
decoding and encoding along with the RFC 791 checksums they carry.

# ARP Frame (Address resolution protocol)

Legend:
  - HW:    Hardware
  - AT:    Address type
  - AL:    Address Length
  - AoS:   Address of sender
  - AoT:   Address of Target
  - Proto: Protocol (below is ipv4 example)

Below is the byte schema for an ARP header:

	0      2          4       5          6         8       14          18       24          28
	| HW AT | Proto AT | HW AL | Proto AL | OP Code | HW AoS | Proto AoS | HW AoT | Proto AoT |
	|  2B   |  2B      |  1B   |  1B      | 2B      |   6B   |    4B     |  6B    |   4B
	| ethern| IP       |macaddr|          |ask|reply|                    |for op=1|
	| = 1   |=0x0800   |=6     |=4        | 1 | 2   |       known        |=0      |

See https://hpd.gasmi.net/ to decode Hex Frames.
*/
package wire

import (
	"encoding/binary"
	"net"
	"net/netip"
	"strconv"

	"github.com/soypat/seqs"
)

// EthernetHeader is a 14 byte ethernet header representation with no VLAN support on its own.
type EthernetHeader struct {
	Destination     [6]byte // 0:6
	Source          [6]byte // 6:12
	SizeOrEtherType uint16  // 12:14
}

// ARPv4Header is the Address Resolution Protocol header for IPv4 address resolution
// and 6 byte hardware addresses. 28 bytes in size.
type ARPv4Header struct {
	// Network link protocol type. Ethernet is 1.
	HardwareType uint16 // 0:2
	// Internetwork protocol for which the ARP request is intended. 0x0800 for IPv4.
	ProtoType      uint16 // 2:4
	HardwareLength uint8  // 4:5
	ProtoLength    uint8  // 5:6
	// Operation is 1 for request, 2 for reply.
	Operation      uint16  // 6:8
	HardwareSender [6]byte // 8:14
	ProtoSender    [4]byte // 14:18
	// In an ARP request this field is ignored.
	HardwareTarget [6]byte // 18:24
	ProtoTarget    [4]byte // 24:28
}

// IPv4Header is the Internet Protocol header. 20 bytes in size. Does not include options.
type IPv4Header struct {
	// VersionAndIHL contains union of both IP Version and IHL data.
	// Version is force-set to 4 in a call to Put. IHL is the header
	// length in 32 bit words, 5..15.
	VersionAndIHL uint8 // 0:1
	// Type of Service: DSCP (6 bits) and ECN (2 bits).
	ToS uint8 // 1:2
	// Entire packet size in bytes, including header and data.
	TotalLength uint16  // 2:4
	ID          uint16  // 4:6
	Flags       IPFlags // 6:8
	TTL         uint8   // 8:9
	// Protocol of the payload. TCP is 6, UDP is 17, ICMP is 1.
	Protocol    uint8   // 9:10
	Checksum    uint16  // 10:12
	Source      [4]byte // 12:16
	Destination [4]byte // 16:20
}

// TCPHeader are the first 20 bytes of a TCP header. Does not include options.
type TCPHeader struct {
	SourcePort      uint16 // 0:2
	DestinationPort uint16 // 2:4
	// The sequence number of the first data octet in this segment (except when SYN present)
	// If SYN present this is the Initial Sequence Number (ISN) and the first data octet would be ISN+1.
	Seq seqs.Value // 4:8
	// Value of the next sequence number the sender is expecting to receive (when ACK is present).
	Ack seqs.Value // 8:12
	// Contains 4 bit TCP offset (in 32bit words), the 6 bit TCP flags field and a 6 bit reserved field.
	OffsetAndFlags [1]uint16 // 12:14 bitfield
	WindowSizeRaw  uint16    // 14:16
	Checksum       uint16    // 16:18
	UrgentPtr      uint16    // 18:20
}

// UDPHeader represents a UDP header. 8 bytes in size. UDP is protocol 17.
type UDPHeader struct {
	SourcePort      uint16 // 0:2
	DestinationPort uint16 // 2:4
	// Length of UDP header and UDP payload. Should match
	// ip.TotalLength - 4*ip.IHL.
	Length   uint16 // 4:6
	Checksum uint16 // 6:8
}

// ICMPv4Header is the fixed part of an ICMP message. For echo messages Rest
// holds the identifier and sequence number, for destination unreachable it is unused.
type ICMPv4Header struct {
	Type     ICMPType // 0:1
	Code     uint8    // 1:2
	Checksum uint16   // 2:4
	Rest     [4]byte  // 4:8
}

// These are minimum sizes that do not take into consideration the presence of
// options or special tags (i.e: VLAN, IP/TCP Options).
const (
	SizeEthernetHeader = 14
	SizeIPv4Header     = 20
	SizeUDPHeader      = 8
	SizeARPv4Header    = 28
	SizeTCPHeader      = 20
	SizeICMPv4Header   = 8
	ipFlagMoreFrag     = 0x2000
	ipVersion4         = 0x45
)

// There are 9 flags, bits 100 thru 103 are reserved
const (
	// TCP words are 4 octets, or uint32s
	tcpWordlen         = 4
	tcpFlagmask uint16 = 0x01ff
)

// AssertType returns the Size or EtherType field of the Ethernet frame as EtherType.
func (e EthernetHeader) AssertType() EtherType { return EtherType(e.SizeOrEtherType) }

// DecodeEthernetHeader decodes an ethernet frame from the first 14 bytes of buf.
// It does not handle 802.1Q VLAN situation where at least 4 more bytes must be decoded from wire.
func DecodeEthernetHeader(b []byte) (ethdr EthernetHeader) {
	_ = b[13]
	copy(ethdr.Destination[0:], b[0:])
	copy(ethdr.Source[0:], b[6:])
	ethdr.SizeOrEtherType = binary.BigEndian.Uint16(b[12:14])
	return ethdr
}

// Put marshals the ethernet frame onto buf. buf needs to be 14 bytes in length or Put panics.
func (ethdr *EthernetHeader) Put(buf []byte) {
	_ = buf[13]
	copy(buf[0:], ethdr.Destination[0:])
	copy(buf[6:], ethdr.Source[0:])
	binary.BigEndian.PutUint16(buf[12:14], ethdr.SizeOrEtherType)
}

func (f *EthernetHeader) String() string {
	return strcat("dst: ", net.HardwareAddr(f.Destination[:]).String(), ", ",
		"src: ", net.HardwareAddr(f.Source[:]).String(), ", ",
		"etype: ", f.AssertType().String())
}

// IHL returns the internet header length in 32bit words and is guaranteed to be within 0..15.
// Valid values for IHL are 5..15. When multiplied by 4 this yields number of bytes of the header, 20..60.
func (iphdr *IPv4Header) IHL() uint8     { return iphdr.VersionAndIHL & 0xf }
func (iphdr *IPv4Header) Version() uint8 { return iphdr.VersionAndIHL >> 4 }

// HeaderLength returns the IPv4 header length in bytes including options.
func (iphdr *IPv4Header) HeaderLength() int { return int(iphdr.IHL()) * 4 }

func (iphdr *IPv4Header) SourceAddr() netip.Addr      { return netip.AddrFrom4(iphdr.Source) }
func (iphdr *IPv4Header) DestinationAddr() netip.Addr { return netip.AddrFrom4(iphdr.Destination) }

func (ip *IPv4Header) String() string {
	return strcat("IPv4 ", ip.SourceAddr().String(), " -> ",
		ip.DestinationAddr().String(), " proto=", strconv.Itoa(int(ip.Protocol)),
		" len=", strconv.Itoa(int(ip.TotalLength)),
	)
}

// DecodeIPv4Header decodes a 20 byte IPv4 header from buf.
func DecodeIPv4Header(buf []byte) (iphdr IPv4Header) {
	_ = buf[19]
	iphdr.VersionAndIHL = buf[0]
	iphdr.ToS = buf[1]
	iphdr.TotalLength = binary.BigEndian.Uint16(buf[2:])
	iphdr.ID = binary.BigEndian.Uint16(buf[4:])
	iphdr.Flags = IPFlags(binary.BigEndian.Uint16(buf[6:]))
	iphdr.TTL = buf[8]
	iphdr.Protocol = buf[9]
	iphdr.Checksum = binary.BigEndian.Uint16(buf[10:])
	copy(iphdr.Source[:], buf[12:16])
	copy(iphdr.Destination[:], buf[16:20])
	return iphdr
}

// Put marshals the IPv4 frame onto buf. buf needs to be 20 bytes in length or Put panics.
func (iphdr *IPv4Header) Put(buf []byte) {
	_ = buf[19]
	buf[0] = (4 << 4) | (iphdr.VersionAndIHL & 0xf) // ignore set version.
	buf[1] = iphdr.ToS
	binary.BigEndian.PutUint16(buf[2:], iphdr.TotalLength)
	binary.BigEndian.PutUint16(buf[4:], iphdr.ID)
	binary.BigEndian.PutUint16(buf[6:], uint16(iphdr.Flags))
	buf[8] = iphdr.TTL
	buf[9] = iphdr.Protocol
	binary.BigEndian.PutUint16(buf[10:], iphdr.Checksum)
	copy(buf[12:16], iphdr.Source[:])
	copy(buf[16:20], iphdr.Destination[:])
}

// CalculateChecksum returns the header checksum of the 20 byte header
// with the Checksum field taken as zero.
func (iphdr *IPv4Header) CalculateChecksum() uint16 {
	var buf [SizeIPv4Header]byte
	iphdr.Put(buf[:])
	binary.BigEndian.PutUint16(buf[10:], 0) // Zero out checksum field.
	return Checksum(buf[:])
}

// Pseudo returns the pseudo-header of the upper layer protocol carried by the datagram.
func (iphdr *IPv4Header) Pseudo() PseudoHeader {
	return PseudoHeader{Source: iphdr.SourceAddr(), Destination: iphdr.DestinationAddr(), Protocol: iphdr.Protocol}
}

type IPFlags uint16

func (f IPFlags) MoreFragments() bool    { return f&ipFlagMoreFrag != 0 }
func (f IPFlags) FragmentOffset() uint16 { return uint16(f) & 0x1fff }

// IsFragment reports whether the datagram is part of a fragmented datagram.
func (f IPFlags) IsFragment() bool { return f.MoreFragments() || f.FragmentOffset() != 0 }

func DecodeARPv4Header(buf []byte) (arphdr ARPv4Header) {
	_ = buf[27]
	arphdr.HardwareType = binary.BigEndian.Uint16(buf[0:])
	arphdr.ProtoType = binary.BigEndian.Uint16(buf[2:])
	arphdr.HardwareLength = buf[4]
	arphdr.ProtoLength = buf[5]
	arphdr.Operation = binary.BigEndian.Uint16(buf[6:])
	copy(arphdr.HardwareSender[:], buf[8:14])
	copy(arphdr.ProtoSender[:], buf[14:18])
	copy(arphdr.HardwareTarget[:], buf[18:24])
	copy(arphdr.ProtoTarget[:], buf[24:28])
	return arphdr
}

// Put marshals the ARP header onto buf. buf needs to be 28 bytes in length or Put panics.
func (arphdr *ARPv4Header) Put(buf []byte) {
	_ = buf[27]
	binary.BigEndian.PutUint16(buf[0:], arphdr.HardwareType)
	binary.BigEndian.PutUint16(buf[2:], arphdr.ProtoType)
	buf[4] = arphdr.HardwareLength
	buf[5] = arphdr.ProtoLength
	binary.BigEndian.PutUint16(buf[6:], arphdr.Operation)
	copy(buf[8:14], arphdr.HardwareSender[:])
	copy(buf[14:18], arphdr.ProtoSender[:])
	copy(buf[18:24], arphdr.HardwareTarget[:])
	copy(buf[24:28], arphdr.ProtoTarget[:])
}

// IsIPv4OverEthernet reports whether the ARP header describes an Ethernet/IPv4 mapping.
func (arphdr *ARPv4Header) IsIPv4OverEthernet() bool {
	return arphdr.HardwareType == 1 && arphdr.ProtoType == uint16(EtherTypeIPv4) &&
		arphdr.HardwareLength == 6 && arphdr.ProtoLength == 4
}

func (a *ARPv4Header) String() string {
	if a.Operation == ARPRequest {
		return strcat("ARP who has ", netip.AddrFrom4(a.ProtoTarget).String(),
			"? Tell ", netip.AddrFrom4(a.ProtoSender).String())
	}
	return strcat("ARP ", netip.AddrFrom4(a.ProtoSender).String(), " is at ",
		net.HardwareAddr(a.HardwareSender[:]).String())
}

// DecodeUDPHeader decodes a UDP header from buf. Panics if buf is less than 8 bytes in length.
func DecodeUDPHeader(buf []byte) (udp UDPHeader) {
	_ = buf[7]
	udp.SourcePort = binary.BigEndian.Uint16(buf[0:2])
	udp.DestinationPort = binary.BigEndian.Uint16(buf[2:4])
	udp.Length = binary.BigEndian.Uint16(buf[4:6])
	udp.Checksum = binary.BigEndian.Uint16(buf[6:8])
	return udp
}

// Put marshals the UDPHeader onto buf. If buf's length is less than 8 then Put panics.
func (udphdr *UDPHeader) Put(buf []byte) {
	_ = buf[7]
	binary.BigEndian.PutUint16(buf[0:2], udphdr.SourcePort)
	binary.BigEndian.PutUint16(buf[2:4], udphdr.DestinationPort)
	binary.BigEndian.PutUint16(buf[4:6], udphdr.Length)
	binary.BigEndian.PutUint16(buf[6:8], udphdr.Checksum)
}

// CalculateChecksum calculates the checksum of a UDP datagram.
// A computed value of zero is transmitted as all ones (RFC 768).
func (udphdr *UDPHeader) CalculateChecksum(ph *PseudoHeader, payload []byte) uint16 {
	crc := ph.sum(int(udphdr.Length))
	var buf [SizeUDPHeader]byte
	udphdr.Put(buf[:])
	binary.BigEndian.PutUint16(buf[6:], 0)
	crc.Write(buf[:])
	crc.Write(payload)
	sum := crc.Sum16()
	if sum == 0 {
		sum = 0xffff
	}
	return sum
}

func (udphdr *UDPHeader) String() string {
	return strcat("UDP ", u32toa(uint32(udphdr.SourcePort)), "->",
		u32toa(uint32(udphdr.DestinationPort)), " len=", u32toa(uint32(udphdr.Length)))
}

func DecodeTCPHeader(buf []byte) (tcphdr TCPHeader) {
	_ = buf[19]
	tcphdr.SourcePort = binary.BigEndian.Uint16(buf[0:])
	tcphdr.DestinationPort = binary.BigEndian.Uint16(buf[2:])
	tcphdr.Seq = seqs.Value(binary.BigEndian.Uint32(buf[4:]))
	tcphdr.Ack = seqs.Value(binary.BigEndian.Uint32(buf[8:]))
	tcphdr.OffsetAndFlags[0] = binary.BigEndian.Uint16(buf[12:])
	tcphdr.WindowSizeRaw = binary.BigEndian.Uint16(buf[14:])
	tcphdr.Checksum = binary.BigEndian.Uint16(buf[16:])
	tcphdr.UrgentPtr = binary.BigEndian.Uint16(buf[18:])
	return tcphdr
}

// Put marshals the TCP frame onto buf. buf needs to be 20 bytes in length or Put panics.
func (tcphdr *TCPHeader) Put(buf []byte) {
	_ = buf[19]
	binary.BigEndian.PutUint16(buf[0:], tcphdr.SourcePort)
	binary.BigEndian.PutUint16(buf[2:], tcphdr.DestinationPort)
	binary.BigEndian.PutUint32(buf[4:], uint32(tcphdr.Seq))
	binary.BigEndian.PutUint32(buf[8:], uint32(tcphdr.Ack))
	binary.BigEndian.PutUint16(buf[12:], tcphdr.OffsetAndFlags[0])
	binary.BigEndian.PutUint16(buf[14:], tcphdr.WindowSizeRaw)
	binary.BigEndian.PutUint16(buf[16:], tcphdr.Checksum)
	binary.BigEndian.PutUint16(buf[18:], tcphdr.UrgentPtr)
}

// Offset specifies the size of the TCP header in 32-bit words. The minimum size
// header is 5 words and the maximum is 15 words thus giving the minimum size of
// 20 bytes and maximum of 60 bytes, allowing for up to 40 bytes of options in
// the header.
func (tcphdr *TCPHeader) Offset() (tcpWords uint8) {
	return uint8(tcphdr.OffsetAndFlags[0] >> (8 + 4))
}

// OffsetInBytes returns the size of the TCP header in bytes, including options.
func (tcphdr *TCPHeader) OffsetInBytes() int {
	return int(tcphdr.Offset()) * tcpWordlen
}

func (tcphdr *TCPHeader) Flags() seqs.Flags {
	return seqs.Flags(tcphdr.OffsetAndFlags[0] & tcpFlagmask)
}

func (tcphdr *TCPHeader) SetFlags(v seqs.Flags) {
	onlyOffset := tcphdr.OffsetAndFlags[0] &^ tcpFlagmask
	tcphdr.OffsetAndFlags[0] = onlyOffset | uint16(v)&tcpFlagmask
}

func (tcphdr *TCPHeader) SetOffset(tcpWords uint8) {
	if tcpWords > 0b1111 {
		panic("attempted to set an offset too large")
	}
	onlyFlags := tcphdr.OffsetAndFlags[0] & tcpFlagmask
	tcphdr.OffsetAndFlags[0] = onlyFlags | (uint16(tcpWords) << 12)
}

// WindowSize is a convenience method for obtaining a seqs.Size from the TCP header internal WindowSize 16bit field.
func (tcphdr *TCPHeader) WindowSize() seqs.Size {
	return seqs.Size(tcphdr.WindowSizeRaw)
}

// CalculateChecksum calculates the checksum of the TCP header, options and payload.
func (tcphdr *TCPHeader) CalculateChecksum(ph *PseudoHeader, tcpOptions, payload []byte) uint16 {
	crc := ph.sum(SizeTCPHeader + len(tcpOptions) + len(payload))
	var buf [SizeTCPHeader]byte
	tcphdr.Put(buf[:])
	binary.BigEndian.PutUint16(buf[16:18], 0) // Zero out checksum field.
	crc.Write(buf[:])
	crc.Write(tcpOptions)
	crc.Write(payload)
	return crc.Sum16()
}

func (tcp *TCPHeader) String() string {
	return strcat("TCP port ", u32toa(uint32(tcp.SourcePort)), "->", u32toa(uint32(tcp.DestinationPort)),
		" ", tcp.Flags().String(), " seq ", u32toa(uint32(tcp.Seq)), " ack ", u32toa(uint32(tcp.Ack)),
		" wnd ", u32toa(uint32(tcp.WindowSizeRaw)))
}

func DecodeICMPv4Header(buf []byte) (icmp ICMPv4Header) {
	_ = buf[7]
	icmp.Type = ICMPType(buf[0])
	icmp.Code = buf[1]
	icmp.Checksum = binary.BigEndian.Uint16(buf[2:4])
	copy(icmp.Rest[:], buf[4:8])
	return icmp
}

// Put marshals the ICMP header onto buf. buf needs to be 8 bytes in length or Put panics.
func (icmp *ICMPv4Header) Put(buf []byte) {
	_ = buf[7]
	buf[0] = byte(icmp.Type)
	buf[1] = icmp.Code
	binary.BigEndian.PutUint16(buf[2:4], icmp.Checksum)
	copy(buf[4:8], icmp.Rest[:])
}

// CalculateChecksum calculates the checksum over the ICMP header and body.
// ICMPv4 has no pseudo-header.
func (icmp *ICMPv4Header) CalculateChecksum(body []byte) uint16 {
	var buf [SizeICMPv4Header]byte
	icmp.Put(buf[:])
	binary.BigEndian.PutUint16(buf[2:4], 0)
	var crc checksummer
	crc.Write(buf[:])
	crc.Write(body)
	return crc.Sum16()
}

func (icmp *ICMPv4Header) String() string {
	return strcat("ICMP type=", u32toa(uint32(icmp.Type)), " code=", u32toa(uint32(icmp.Code)))
}

func u32toa(u uint32) string {
	return strconv.FormatUint(uint64(u), 10)
}

func strcat(strs ...string) (s string) {
	for i := range strs {
		s += strs[i]
	}
	return s
}
