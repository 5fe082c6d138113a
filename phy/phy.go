// Package phy defines the raw frame device contract consumed by the network
// interface, Linux TAP/TUN implementations, a readiness waiter, an in-memory
// pipe for tests and device middleware (capture, fault injection, tracing).
package phy

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrWouldBlock is returned by non-blocking reads when no frame is pending.
	ErrWouldBlock = errors.New("phy: would block")
	// ErrClosed is returned on operations over a closed device.
	ErrClosed = errors.New("phy: device closed")
	// ErrFrameTooLarge is returned when writing a frame that exceeds the device MTU.
	ErrFrameTooLarge = errors.New("phy: frame exceeds MTU")
)

// Medium is the link layer framing a device carries.
type Medium uint8

const (
	// MediumEthernet devices carry Ethernet II frames (TAP).
	MediumEthernet Medium = iota + 1
	// MediumIP devices carry bare IP packets (TUN).
	MediumIP
)

func (m Medium) String() string {
	switch m {
	case MediumEthernet:
		return "ethernet"
	case MediumIP:
		return "ip"
	}
	return "unknown"
}

// Capabilities describes a device.
type Capabilities struct {
	Medium Medium
	// MTU is the largest frame the device sends or receives, link layer header
	// included for Ethernet devices.
	MTU int
}

// Device sends and receives raw frames without blocking.
type Device interface {
	Capabilities() Capabilities
	// ReadFrame reads a single frame into b and returns its length.
	// It returns ErrWouldBlock when no frame is pending.
	ReadFrame(b []byte) (int, error)
	// WriteFrame writes a single frame. It may return ErrWouldBlock if
	// the device cannot accept the frame right now.
	WriteFrame(b []byte) error
	Close() error
}

// Waiter blocks until its device is readable, the timeout elapses or ctx is done.
// If hasTimeout is false the wait is bounded only by readability and ctx.
type Waiter interface {
	Wait(ctx context.Context, timeout time.Duration, hasTimeout bool) error
}

// fder is implemented by devices backed by a file descriptor.
type fder interface {
	Fd() int
}

// unwrapper is implemented by middleware wrapping another device.
type unwrapper interface {
	Unwrap() Device
}

// Unwrap returns the innermost device of a middleware chain.
func Unwrap(dev Device) Device {
	for {
		u, ok := dev.(unwrapper)
		if !ok {
			return dev
		}
		dev = u.Unwrap()
	}
}
