package service

import (
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"
)

func listen(sock TCPSocket, port uint16) error {
	if err := sock.Listen(port); err != nil {
		return fmt.Errorf("listen %d: %w", port, err)
	}
	return nil
}

func tcpName(port uint16) string { return "tcp:" + strconv.Itoa(int(port)) }

// Greeter sends "hello\n" to every connection and closes it.
type Greeter struct {
	port uint16
	log  logger
}

func NewGreeter(port uint16, l *slog.Logger) *Greeter {
	return &Greeter{port: port, log: logger{l: l, name: tcpName(port)}}
}

func (g *Greeter) Step(sock TCPSocket) error {
	if !sock.IsOpen() {
		if err := listen(sock, g.port); err != nil {
			return err
		}
	}
	if sock.CanSend() {
		g.log.debug("send greeting")
		if _, err := sock.SendSlice(greeting); err != nil {
			return err
		}
		g.log.debug("close")
		sock.Close()
	}
	return nil
}

// ReverseEcho replies to received data with its octets reversed, newlines
// removed and a single trailing newline. It closes its half of the
// connection once the remote has closed its half.
type ReverseEcho struct {
	port      uint16
	log       logger
	wasActive bool
	buf       []byte
}

func NewReverseEcho(port uint16, l *slog.Logger) *ReverseEcho {
	return &ReverseEcho{port: port, log: logger{l: l, name: tcpName(port)}}
}

func (r *ReverseEcho) Step(sock TCPSocket) error {
	if !sock.IsOpen() {
		if err := listen(sock, r.port); err != nil {
			return err
		}
	}
	active := sock.IsActive()
	if active && !r.wasActive {
		r.log.info("connected")
	} else if !active && r.wasActive {
		r.log.info("disconnected")
	}
	r.wasActive = active

	if !sock.MayRecv() {
		if sock.MaySend() {
			r.log.debug("close")
			sock.Close()
		}
		return nil
	}
	r.buf = r.buf[:0]
	for {
		n, err := sock.Recv(func(data []byte) int {
			r.buf = append(r.buf, data...)
			return len(data)
		})
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
	}
	if len(r.buf) == 0 {
		return nil
	}
	r.log.debug("recv", slog.String("data", printable(r.buf)))
	out := reverseLines(r.buf)
	if sock.CanSend() {
		r.log.debug("send", slog.String("data", printable(out)))
		if _, err := sock.SendSlice(out); err != nil {
			return err
		}
	}
	return nil
}

// reverseLines removes every newline from data, reverses the remaining
// octets and appends one newline.
func reverseLines(data []byte) []byte {
	out := make([]byte, 0, len(data)+1)
	for _, b := range data {
		if b != '\n' {
			out = append(out, b)
		}
	}
	slices.Reverse(out)
	return append(out, '\n')
}

// Sinkhole discards everything it receives. Idle connections get keep-alives
// and are eventually reset by the stack per the configured keep-alive and timeout.
type Sinkhole struct {
	port      uint16
	keepAlive time.Duration
	timeout   time.Duration
	log       logger
}

func NewSinkhole(port uint16, keepAlive, timeout time.Duration, l *slog.Logger) *Sinkhole {
	return &Sinkhole{port: port, keepAlive: keepAlive, timeout: timeout, log: logger{l: l, name: tcpName(port)}}
}

func (s *Sinkhole) Step(sock TCPSocket) error {
	if !sock.IsOpen() {
		if err := listen(sock, s.port); err != nil {
			return err
		}
		sock.SetKeepAlive(s.keepAlive)
		sock.SetTimeout(s.timeout)
	}
	if sock.MayRecv() {
		total := 0
		for {
			n, err := sock.Recv(func(data []byte) int { return len(data) })
			if err != nil {
				return err
			}
			if n == 0 {
				break
			}
			total += n
		}
		if total > 0 {
			s.log.debug("recv", slog.Int("octets", total))
		}
	} else if sock.MaySend() {
		sock.Close()
	}
	return nil
}

// Fountain streams the octets 0, 1, ..., 255, 0, 1, ... to every connection
// for as long as it may send.
type Fountain struct {
	port      uint16
	log       logger
	wasActive bool
	// offset is the stream position of the next octet queued.
	offset int
}

func NewFountain(port uint16, l *slog.Logger) *Fountain {
	return &Fountain{port: port, log: logger{l: l, name: tcpName(port)}}
}

func (f *Fountain) Step(sock TCPSocket) error {
	if !sock.IsOpen() {
		if err := listen(sock, f.port); err != nil {
			return err
		}
	}
	active := sock.IsActive()
	if active && !f.wasActive {
		f.offset = 0
		f.log.info("connected")
	}
	f.wasActive = active
	if !sock.MaySend() {
		return nil
	}
	for {
		n, err := sock.Send(func(free []byte) int {
			for i := range free {
				free[i] = byte(f.offset + i)
			}
			return len(free)
		})
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		f.offset += n
	}
}
