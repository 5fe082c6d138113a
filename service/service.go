// Package service implements the demo services run on top of pollhost
// sockets. Every service exposes a Step method that inspects and mutates its
// socket once without blocking; the caller polls the interface between steps.
package service

import (
	"context"
	"log/slog"
	"net/netip"
	"time"
	"unicode/utf8"
)

// Default service ports.
const (
	PortUDPEcho     = 6969
	PortGreeter     = 6969
	PortReverseEcho = 6970
	PortSinkhole    = 6971
	PortFountain    = 6972
)

// Sinkhole defaults.
const (
	DefaultSinkholeKeepAlive = 1000 * time.Millisecond
	DefaultSinkholeTimeout   = 2000 * time.Millisecond
)

var greeting = []byte("hello\n")

// UDPSocket is the subset of a UDP socket services use.
type UDPSocket interface {
	IsOpen() bool
	Bind(port uint16) error
	Recv() ([]byte, netip.AddrPort, error)
	SendSlice(data []byte, to netip.AddrPort) error
}

// TCPSocket is the subset of a TCP socket services use.
type TCPSocket interface {
	IsOpen() bool
	IsActive() bool
	MayRecv() bool
	MaySend() bool
	CanSend() bool
	Listen(port uint16) error
	Close()
	SetKeepAlive(time.Duration)
	SetTimeout(time.Duration)
	Recv(fn func(data []byte) int) (int, error)
	Send(fn func(free []byte) int) (int, error)
	SendSlice(b []byte) (int, error)
}

// printable returns data as a string or a placeholder for non UTF-8 data.
func printable(data []byte) string {
	if !utf8.Valid(data) {
		return "(invalid utf8)"
	}
	return string(data)
}

// logger is embedded by services to log with a fixed service attribute.
type logger struct {
	l    *slog.Logger
	name string
}

func (l logger) info(msg string, attrs ...slog.Attr) {
	l.logattrs(slog.LevelInfo, msg, attrs...)
}

func (l logger) debug(msg string, attrs ...slog.Attr) {
	l.logattrs(slog.LevelDebug, msg, attrs...)
}

func (l logger) warn(msg string, attrs ...slog.Attr) {
	l.logattrs(slog.LevelWarn, msg, attrs...)
}

func (l logger) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if l.l == nil {
		return
	}
	attrs = append(attrs, slog.String("svc", l.name))
	l.l.LogAttrs(context.Background(), level, msg, attrs...)
}
