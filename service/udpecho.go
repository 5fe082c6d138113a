package service

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/soypat/pollhost"
)

// UDPEcho answers every datagram with "hello\n" sent back to its source.
type UDPEcho struct {
	port uint16
	log  logger
}

func NewUDPEcho(port uint16, l *slog.Logger) *UDPEcho {
	return &UDPEcho{port: port, log: logger{l: l, name: "udp:" + strconv.Itoa(int(port))}}
}

// Step binds the socket if needed and answers at most one datagram.
// Replies that do not fit in the transmit buffer are dropped.
func (e *UDPEcho) Step(sock UDPSocket) error {
	if !sock.IsOpen() {
		if err := sock.Bind(e.port); err != nil {
			return fmt.Errorf("udp echo: bind %d: %w", e.port, err)
		}
	}
	data, from, err := sock.Recv()
	if errors.Is(err, pollhost.ErrExhausted) {
		return nil
	} else if err != nil {
		return fmt.Errorf("udp echo: recv: %w", err)
	}
	e.log.debug("recv", slog.String("data", printable(data)), slog.String("from", from.String()))
	err = sock.SendSlice(greeting, from)
	if err != nil {
		e.log.warn("reply dropped", slog.String("to", from.String()), slog.String("err", err.Error()))
		return nil
	}
	e.log.debug("send", slog.String("data", printable(greeting)))
	return nil
}
