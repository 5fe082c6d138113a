package pollhost

import "errors"

var (
	// ErrBufferFull is returned when a socket buffer cannot accept more data.
	ErrBufferFull = errors.New("pollhost: buffer full")
	// ErrExhausted is returned by non-blocking receives when nothing is queued.
	ErrExhausted = errors.New("pollhost: nothing to receive")
	// ErrInvalidState is returned when an operation is not valid in the socket's current state.
	ErrInvalidState = errors.New("pollhost: invalid socket state")
	// ErrMalformed wraps errors caused by frames that cannot be parsed.
	ErrMalformed = errors.New("pollhost: malformed packet")
	// ErrChecksum is returned for packets with a bad IPv4, ICMP, UDP or TCP checksum.
	ErrChecksum = errors.New("pollhost: bad checksum")
	// ErrUnaddressable is returned for an unspecified port or address, or a destination with no route.
	ErrUnaddressable = errors.New("pollhost: unaddressable")
)

var (
	// errNeighborPending means the link address of the next hop is being
	// resolved and the packet must be retried later.
	errNeighborPending = errors.New("neighbor pending")
	// errDeviceBusy means the device would block on write.
	errDeviceBusy = errors.New("device busy")
)
