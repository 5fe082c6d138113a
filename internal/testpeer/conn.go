package testpeer

import (
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"
)

// Conn is the peer side of a TCP connection. It accepts in-order data only.
type Conn struct {
	p        *Peer
	Port     uint16
	HostPort uint16
	// Seq is the next sequence number the peer sends.
	Seq uint32
	// Ack is the next sequence number expected from the host.
	Ack    uint32
	Window uint16
	// Data is the in-order stream received from the host.
	Data []byte
	// HostMSS is the MSS option of the host's SYN-ACK.
	HostMSS uint16
	Fin     bool
	Rst     bool
}

// Connect performs a three way handshake with the host's hostPort, calling
// poll to let the host process each segment.
func (p *Peer) Connect(port, hostPort uint16, iss uint32, poll func()) *Conn {
	p.t.Helper()
	c := p.SendSYN(port, hostPort, iss, poll)
	c.SendACK()
	poll()
	return c
}

// SendSYN sends a SYN and returns the connection after checking the host's
// SYN-ACK. The handshake is not completed.
func (p *Peer) SendSYN(port, hostPort uint16, iss uint32, poll func()) *Conn {
	p.t.Helper()
	p.SendTCP(Segment{SrcPort: port, DstPort: hostPort, Seq: iss, SYN: true, MSS: 1460})
	poll()
	segs := p.TakeTCP(port)
	require.Len(p.t, segs, 1, "expected SYN-ACK")
	synack := segs[0]
	require.True(p.t, synack.SYN && synack.ACK, "expected SYN-ACK flags")
	require.Equal(p.t, iss+1, synack.Ack)
	c := &Conn{p: p, Port: port, HostPort: hostPort, Seq: iss + 1, Ack: synack.Seq + 1, Window: 65535}
	for _, opt := range synack.Options {
		if opt.OptionType == layers.TCPOptionKindMSS && len(opt.OptionData) == 2 {
			c.HostMSS = uint16(opt.OptionData[0])<<8 | uint16(opt.OptionData[1])
		}
	}
	return c
}

// Send sends data, with FIN if fin is set.
func (c *Conn) Send(data []byte, fin bool) {
	c.p.SendTCP(Segment{
		SrcPort: c.Port, DstPort: c.HostPort,
		Seq: c.Seq, Ack: c.Ack,
		ACK: true, PSH: len(data) > 0, FIN: fin,
		Window:     c.Window,
		ZeroWindow: c.Window == 0,
		Payload:    data,
	})
	c.Seq += uint32(len(data))
	if fin {
		c.Seq++
	}
}

// SendACK acknowledges everything received so far.
func (c *Conn) SendACK() { c.Send(nil, false) }

// Close sends a FIN.
func (c *Conn) Close() { c.Send(nil, true) }

// Receive processes segments sent by the host and returns them.
// If ack is set and the stream advanced an ACK is sent back.
func (c *Conn) Receive(ack bool) []*layers.TCP {
	segs := c.p.TakeTCP(c.Port)
	advanced := false
	for _, seg := range segs {
		if seg.RST {
			c.Rst = true
			continue
		}
		if seg.Seq != c.Ack {
			continue
		}
		c.Data = append(c.Data, seg.Payload...)
		c.Ack += uint32(len(seg.Payload))
		advanced = advanced || len(seg.Payload) > 0
		if seg.FIN {
			c.Ack++
			c.Fin = true
			advanced = true
		}
	}
	if ack && advanced {
		c.SendACK()
	}
	return segs
}
