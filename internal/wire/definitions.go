package wire

import (
	"strconv"

	"github.com/soypat/lneto/ethernet"
)

type EtherType uint16

// Ethertype values. From: http://en.wikipedia.org/wiki/Ethertype
const (
	EtherTypeIPv4 EtherType = EtherType(ethernet.TypeIPv4)
	EtherTypeARP  EtherType = 0x0806
	EtherTypeIPv6 EtherType = EtherType(ethernet.TypeIPv6)
	EtherTypeVLAN EtherType = 0x8100
)

func (et EtherType) String() string {
	switch et {
	case EtherTypeIPv4:
		return "IPv4"
	case EtherTypeARP:
		return "ARP"
	case EtherTypeIPv6:
		return "IPv6"
	case EtherTypeVLAN:
		return "VLAN"
	}
	return "0x" + strconv.FormatUint(uint64(et), 16)
}

// IP protocol numbers carried in the IPv4 Protocol field.
const (
	IPProtoICMP = 1
	IPProtoTCP  = 6
	IPProtoUDP  = 17
)

// ARP operations.
const (
	ARPRequest = 1
	ARPReply   = 2
)

type ICMPType uint8

const (
	ICMPEchoReply      ICMPType = 0
	ICMPDestUnreach    ICMPType = 3
	ICMPEchoRequest    ICMPType = 8
	ICMPCodePortUnreach         = 3
)

// TCP option kinds.
const (
	TCPOptEnd = 0
	TCPOptNop = 1
	TCPOptMSS = 2
)

// DefaultTTL is the time to live or hop limit of emitted datagrams.
const DefaultTTL = 64

// minEthPayload is the minimum payload size for an Ethernet frame, assuming
// that no 802.1Q VLAN tags are present.
const minEthPayload = 46

// BroadcastHW returns the Ethernet broadcast address ff:ff:ff:ff:ff:ff.
func BroadcastHW() [6]byte { return ethernet.BroadcastAddr() }

// IsBroadcastHW reports whether hw is the Ethernet broadcast address.
func IsBroadcastHW(hw [6]byte) bool { return hw == ethernet.BroadcastAddr() }

// IsMulticastHW reports whether the group bit of hw is set. Broadcast is a multicast address.
func IsMulticastHW(hw [6]byte) bool { return hw[0]&1 != 0 }

// IsIPv6MulticastHW reports whether hw is in the 33:33:xx:xx:xx:xx range IPv6 multicast maps to.
func IsIPv6MulticastHW(hw [6]byte) bool { return hw[0] == 0x33 && hw[1] == 0x33 }

// PadEthernet returns the frame length after padding n bytes of Ethernet header plus payload
// to the minimum Ethernet frame size.
func PadEthernet(n int) int {
	if n < SizeEthernetHeader+minEthPayload {
		return SizeEthernetHeader + minEthPayload
	}
	return n
}

// ParseTCPMSS returns the maximum segment size option value found in
// TCP options, or 0 if not present or options are malformed.
func ParseTCPMSS(opts []byte) uint16 {
	for len(opts) > 0 {
		switch opts[0] {
		case TCPOptEnd:
			return 0
		case TCPOptNop:
			opts = opts[1:]
			continue
		}
		if len(opts) < 2 || opts[1] < 2 || int(opts[1]) > len(opts) {
			return 0
		}
		if opts[0] == TCPOptMSS && opts[1] == 4 {
			return uint16(opts[2])<<8 | uint16(opts[3])
		}
		opts = opts[opts[1]:]
	}
	return 0
}

// PutTCPMSS writes a 4 byte maximum segment size option to dst.
func PutTCPMSS(dst []byte, mss uint16) int {
	_ = dst[3]
	dst[0] = TCPOptMSS
	dst[1] = 4
	dst[2] = byte(mss >> 8)
	dst[3] = byte(mss)
	return 4
}
