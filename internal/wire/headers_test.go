package wire

import (
	"encoding/binary"
	"math/rand"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/soypat/seqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksum_oneshot(t *testing.T) {
	for _, data := range [][]byte{
		{0x23},
		{0x23, 0xfb},
		{0x23, 0xfb, 0xde},
		{0x23, 0xfb, 0xde, 0xad},
		{0x23, 0xfb, 0xde, 0xad, 0xde, 0xad, 0xc0, 0xff, 0xee},
		{0x23, 0xfb, 0xde, 0xad, 0xde, 0xad, 0xc0, 0xff, 0xee, 0x00},
	} {
		got := Checksum(data)
		expect := sum(data)
		if got != expect {
			t.Errorf("checksum mismatch (%d), got %#04x; expected %#04x", len(data), got, expect)
		}
	}
}

func TestChecksum_split(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		data := make([]byte, 1+rng.Intn(300))
		rng.Read(data)
		var crc checksummer
		dataDiv := data
		for len(dataDiv) > 0 {
			n := rng.Intn(len(dataDiv)) + 1
			crc.Write(dataDiv[:n])
			dataDiv = dataDiv[n:]
		}
		got := crc.Sum16()
		expect := sum(data)
		if got != expect {
			t.Fatalf("checksum mismatch (%d), got %#04x; expected %#04x", len(data), got, expect)
		}
	}
}

func FuzzChecksum(f *testing.F) {
	f.Add([]byte{0x23, 0xfb, 0xde, 0xad, 0xde, 0xad, 0xc0, 0xff, 0xee, 0x00}, int64(1))
	f.Fuzz(func(t *testing.T, data []byte, seed int64) {
		rng := rand.New(rand.NewSource(seed))
		var crc checksummer
		dataDiv := data
		for len(dataDiv) > 0 {
			n := rng.Intn(len(dataDiv)) + 1
			crc.Write(dataDiv[:n])
			dataDiv = dataDiv[n:]
		}
		if got, expect := crc.Sum16(), sum(data); got != expect {
			t.Fatalf("checksum mismatch for %q: got %#04x, want %#04x", data, got, expect)
		}
	})
}

func TestTCPDecodeAgainstGopacket(t *testing.T) {
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IPv4(192, 168, 69, 100),
		DstIP:    net.IPv4(192, 168, 69, 1),
	}
	tcp := &layers.TCP{
		SrcPort: 40000,
		DstPort: 6970,
		Seq:     0xdeadbeef,
		Ack:     1234,
		SYN:     true,
		ACK:     true,
		Window:  4096,
		Options: []layers.TCPOption{
			{OptionType: layers.TCPOptionKindMSS, OptionLength: 4, OptionData: []byte{0x05, 0xb4}},
		},
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	payload := []byte("abc\ndef\n")
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		ip, tcp, gopacket.Payload(payload))
	require.NoError(t, err)
	pkt := buf.Bytes()

	iphdr := DecodeIPv4Header(pkt)
	assert.True(t, ValidIPv4Checksum(pkt[:iphdr.HeaderLength()]))
	assert.Equal(t, iphdr.Checksum, iphdr.CalculateChecksum())
	assert.Equal(t, uint8(IPProtoTCP), iphdr.Protocol)
	assert.Equal(t, "192.168.69.100", iphdr.SourceAddr().String())

	seg := pkt[iphdr.HeaderLength():iphdr.TotalLength]
	ph := iphdr.Pseudo()
	assert.True(t, ValidTransportChecksum(&ph, seg))
	tcphdr := DecodeTCPHeader(seg)
	assert.Equal(t, uint16(40000), tcphdr.SourcePort)
	assert.Equal(t, uint16(6970), tcphdr.DestinationPort)
	assert.Equal(t, seqs.Value(0xdeadbeef), tcphdr.Seq)
	assert.Equal(t, seqs.Value(1234), tcphdr.Ack)
	assert.True(t, tcphdr.Flags().HasAll(seqs.FlagSYN|seqs.FlagACK))
	assert.Equal(t, seqs.Size(4096), tcphdr.WindowSize())
	opts := seg[SizeTCPHeader:tcphdr.OffsetInBytes()]
	assert.Equal(t, uint16(1460), ParseTCPMSS(opts))
	assert.Equal(t, payload, seg[tcphdr.OffsetInBytes():])
	assert.Equal(t, tcphdr.Checksum, tcphdr.CalculateChecksum(&ph, opts, payload))
}

func TestUDPEncodeDecodedByGopacket(t *testing.T) {
	payload := []byte("hello\n")
	frame := make([]byte, SizeEthernetHeader+SizeIPv4Header+SizeUDPHeader+len(payload))
	ehdr := EthernetHeader{
		Destination:     [6]byte{0x02, 0, 0, 0, 0, 0x64},
		Source:          [6]byte{0x02, 0, 0, 0, 0, 0x01},
		SizeOrEtherType: uint16(EtherTypeIPv4),
	}
	ehdr.Put(frame)
	iphdr := IPv4Header{
		VersionAndIHL: ipVersion4,
		TotalLength:   uint16(SizeIPv4Header + SizeUDPHeader + len(payload)),
		TTL:           DefaultTTL,
		Protocol:      IPProtoUDP,
		Source:        [4]byte{192, 168, 69, 1},
		Destination:   [4]byte{192, 168, 69, 100},
	}
	iphdr.Checksum = iphdr.CalculateChecksum()
	iphdr.Put(frame[SizeEthernetHeader:])
	udphdr := UDPHeader{SourcePort: 6969, DestinationPort: 5555, Length: uint16(SizeUDPHeader + len(payload))}
	ph := iphdr.Pseudo()
	udphdr.Checksum = udphdr.CalculateChecksum(&ph, payload)
	udphdr.Put(frame[SizeEthernetHeader+SizeIPv4Header:])
	copy(frame[SizeEthernetHeader+SizeIPv4Header+SizeUDPHeader:], payload)

	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	require.Nil(t, pkt.ErrorLayer())
	udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	require.True(t, ok)
	assert.Equal(t, layers.UDPPort(6969), udp.SrcPort)
	assert.Equal(t, payload, udp.Payload)

	// Recompute with gopacket and compare checksums.
	ip := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{ComputeChecksums: true}, udp, gopacket.Payload(payload))
	require.NoError(t, err)
	assert.Equal(t, udphdr.Checksum, binary.BigEndian.Uint16(buf.Bytes()[6:8]))
}

func TestARPRoundtrip(t *testing.T) {
	a := ARPv4Header{
		HardwareType:   1,
		ProtoType:      uint16(EtherTypeIPv4),
		HardwareLength: 6,
		ProtoLength:    4,
		Operation:      ARPRequest,
		HardwareSender: [6]byte{2, 0, 0, 0, 0, 0x64},
		ProtoSender:    [4]byte{192, 168, 69, 100},
		ProtoTarget:    [4]byte{192, 168, 69, 1},
	}
	var buf [SizeARPv4Header]byte
	a.Put(buf[:])
	got := DecodeARPv4Header(buf[:])
	assert.Equal(t, a, got)
	assert.True(t, got.IsIPv4OverEthernet())
	assert.Equal(t, "ARP who has 192.168.69.1? Tell 192.168.69.100", got.String())
}

func TestParseTCPMSS(t *testing.T) {
	var tests = []struct {
		opts []byte
		want uint16
	}{
		{nil, 0},
		{[]byte{TCPOptMSS, 4, 0x05, 0xb4}, 1460},
		{[]byte{TCPOptNop, TCPOptNop, TCPOptMSS, 4, 0x02, 0x18}, 536},
		{[]byte{4, 2, TCPOptMSS, 4, 0x05, 0xb4}, 1460}, // SACK permitted first.
		{[]byte{TCPOptMSS, 4, 0x05}, 0},
		{[]byte{TCPOptEnd, TCPOptMSS, 4, 0x05, 0xb4}, 0},
		{[]byte{8, 0}, 0},
	}
	for _, test := range tests {
		got := ParseTCPMSS(test.opts)
		if got != test.want {
			t.Errorf("ParseTCPMSS(%v)=%d, want %d", test.opts, got, test.want)
		}
	}
	var buf [4]byte
	PutTCPMSS(buf[:], 1460)
	assert.Equal(t, uint16(1460), ParseTCPMSS(buf[:]))
}

func TestBroadcastHW(t *testing.T) {
	assert.True(t, IsBroadcastHW([6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}))
	assert.True(t, IsMulticastHW(BroadcastHW()))
	assert.False(t, IsBroadcastHW([6]byte{2, 0, 0, 0, 0, 1}))
	assert.False(t, IsMulticastHW([6]byte{2, 0, 0, 0, 0, 1}))
}

// sum is the 16-bit one's complement of the one's complement sum of b,
// padded with a zero octet at the end if necessary.
func sum(b []byte) uint16 {
	var sum uint32
	count := len(b)
	for count > 1 {
		sum += uint32(binary.BigEndian.Uint16(b[len(b)-count:]))
		count -= 2
	}
	if count > 0 {
		sum += uint32(b[len(b)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return uint16(^sum)
}
