// Package pollhost implements a single-threaded, poll driven IPv4 and IPv6 host stack
// over a raw frame device. An [Interface] owns the device and a [SocketSet];
// applications mutate sockets between calls to [Interface.Poll], which moves
// frames between the device and socket buffers.
package pollhost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"time"

	"github.com/soypat/seqs"
	"golang.org/x/exp/constraints"
	"golang.org/x/time/rate"

	"github.com/soypat/pollhost/internal/logging"
	"github.com/soypat/pollhost/internal/wire"
	"github.com/soypat/pollhost/phy"
)

// DefaultMaxFramesPerPoll bounds the frames read from the device in a single Poll call.
const DefaultMaxFramesPerPoll = 64

// Config configures an [Interface].
type Config struct {
	// HardwareAddr is the interface's Ethernet address. Required, and
	// must be unicast, for Ethernet devices. Ignored for IP devices.
	HardwareAddr [6]byte
	// Addrs are the interface addresses and their on-link prefixes.
	// At least one is required.
	Addrs []netip.Prefix
	// Gateway is the next hop for destinations of its address family outside
	// of every prefix. Other off-link destinations are unaddressable.
	Gateway netip.Addr
	// Logger receives engine logs. Nil disables logging.
	Logger *slog.Logger
	// RandSeed seeds initial sequence numbers.
	RandSeed uint32
	// MaxFramesPerPoll defaults to DefaultMaxFramesPerPoll.
	MaxFramesPerPoll int
}

// Stats are counters kept by an [Interface].
type Stats struct {
	RxFrames uint64
	TxFrames uint64
	RxErrors uint64
	// Ignored counts IPv6 packets with extension headers or an unknown next header.
	Ignored uint64
	// TCPResets counts resets sent in reply to segments matching no connection.
	TCPResets uint64
	// PortUnreachable counts ICMP port unreachable messages sent.
	PortUnreachable uint64
}

// Interface is a network interface bound to one device. It is not safe for
// concurrent use: Poll and socket operations must happen on the same goroutine.
type Interface struct {
	dev       phy.Device
	medium    phy.Medium
	hw        [6]byte
	addrs     []netip.Prefix
	gateway   netip.Addr
	sockets   SocketSet
	neighbors neighborCache
	arps      []*arpLink
	logger    *slog.Logger
	prand     uint32
	ipID      uint16
	maxFrames int
	// ipMTU is the largest IP datagram the device carries.
	ipMTU     int
	rxbuf     []byte
	txbuf     []byte
	icmpLimit *rate.Limiter
	stats     Stats
}

// New creates an interface over dev.
func New(dev phy.Device, cfg Config) (*Interface, error) {
	caps := dev.Capabilities()
	iface := &Interface{
		dev:       dev,
		medium:    caps.Medium,
		gateway:   cfg.Gateway,
		logger:    cfg.Logger,
		prand:     cfg.RandSeed,
		maxFrames: cfg.MaxFramesPerPoll,
		// At most 10 ICMP errors per second.
		icmpLimit: rate.NewLimiter(rate.Every(100*time.Millisecond), 10),
	}
	switch caps.Medium {
	case phy.MediumEthernet:
		if cfg.HardwareAddr == [6]byte{} || wire.IsMulticastHW(cfg.HardwareAddr) {
			return nil, errors.New("pollhost: ethernet interface requires a unicast hardware address")
		}
		iface.hw = cfg.HardwareAddr
		iface.ipMTU = caps.MTU - wire.SizeEthernetHeader
	case phy.MediumIP:
		iface.ipMTU = caps.MTU
	default:
		return nil, fmt.Errorf("pollhost: unsupported medium %v", caps.Medium)
	}
	if iface.ipMTU < 576 {
		return nil, fmt.Errorf("pollhost: device MTU %d too small", caps.MTU)
	}
	if len(cfg.Addrs) == 0 {
		return nil, errors.New("pollhost: interface requires at least one address")
	}
	if err := iface.SetAddrs(cfg.Addrs); err != nil {
		return nil, err
	}
	if iface.maxFrames <= 0 {
		iface.maxFrames = DefaultMaxFramesPerPoll
	}
	if iface.prand == 0 {
		iface.prand = uint32(time.Now().UnixNano()) | 1
	}
	iface.rxbuf = make([]byte, caps.MTU)
	iface.txbuf = make([]byte, max(caps.MTU, wire.SizeEthernetHeader+64))
	iface.sockets.init()
	iface.info("interface created",
		slog.String("medium", caps.Medium.String()),
		slog.Int("mtu", caps.MTU),
		slog.Any("addrs", iface.addrs),
	)
	return iface, nil
}

// HardwareAddr6 returns the Ethernet address of the interface.
func (iface *Interface) HardwareAddr6() [6]byte { return iface.hw }

// Medium returns the device's link layer.
func (iface *Interface) Medium() phy.Medium { return iface.medium }

// Addrs returns a copy of the interface addresses.
func (iface *Interface) Addrs() []netip.Prefix { return slices.Clone(iface.addrs) }

// HasAddr reports whether addr is one of the interface addresses.
func (iface *Interface) HasAddr(addr netip.Addr) bool {
	for _, p := range iface.addrs {
		if p.Addr() == addr {
			return true
		}
	}
	return false
}

// SetAddrs replaces the interface addresses.
func (iface *Interface) SetAddrs(addrs []netip.Prefix) error {
	for _, p := range addrs {
		if !p.IsValid() || p.Addr().IsUnspecified() || p.Addr().IsMulticast() {
			return fmt.Errorf("%w: invalid interface address %v", ErrUnaddressable, p)
		}
	}
	iface.addrs = slices.Clone(addrs)
	return iface.resetARP()
}

// Stats returns the interface counters.
func (iface *Interface) Stats() Stats { return iface.stats }

// Sockets returns the interface's socket set.
func (iface *Interface) Sockets() *SocketSet { return &iface.sockets }

// AddTCPSocket adds sock to the interface and returns its handle.
func (iface *Interface) AddTCPSocket(sock *TCPSocket) Handle { return iface.sockets.AddTCP(sock) }

// AddUDPSocket adds sock to the interface and returns its handle.
func (iface *Interface) AddUDPSocket(sock *UDPSocket) Handle { return iface.sockets.AddUDP(sock) }

// RemoveSocket removes the socket referenced by h.
func (iface *Interface) RemoveSocket(h Handle) error { return iface.sockets.Remove(h) }

// TCPSocket returns the TCP socket referenced by h. See [SocketSet.TCP].
func (iface *Interface) TCPSocket(h Handle) *TCPSocket { return iface.sockets.TCP(h) }

// UDPSocket returns the UDP socket referenced by h. See [SocketSet.UDP].
func (iface *Interface) UDPSocket(h Handle) *UDPSocket { return iface.sockets.UDP(h) }

// Poll reads and processes pending frames from the device, runs socket
// timers and transmits pending data. It reports whether any socket may have
// changed readiness. Errors of individual frames do not stop processing
// and are returned joined.
func (iface *Interface) Poll(now time.Time) (changed bool, err error) {
	var errs []error
	for i := 0; i < iface.maxFrames; i++ {
		n, rerr := iface.dev.ReadFrame(iface.rxbuf)
		if errors.Is(rerr, phy.ErrWouldBlock) {
			break
		} else if rerr != nil {
			errs = append(errs, fmt.Errorf("read frame: %w", rerr))
			break
		}
		iface.stats.RxFrames++
		c, ferr := iface.recvFrame(now, iface.rxbuf[:n])
		changed = changed || c
		if ferr != nil {
			iface.stats.RxErrors++
			errs = append(errs, ferr)
		}
	}
	iface.neighbors.expire(now)
	c, eerr := iface.egress(now)
	changed = changed || c
	if eerr != nil {
		errs = append(errs, eerr)
	}
	return changed, errors.Join(errs...)
}

func (iface *Interface) egress(now time.Time) (changed bool, err error) {
	var errs []error
	iface.sockets.each(func(sock any) bool {
		var c bool
		var serr error
		switch s := sock.(type) {
		case *TCPSocket:
			c, serr = s.dispatch(now, iface)
		case *UDPSocket:
			c, serr = s.dispatch(now, iface)
		}
		changed = changed || c
		switch {
		case serr == nil, errors.Is(serr, errNeighborPending):
		case errors.Is(serr, errDeviceBusy):
			return false
		default:
			errs = append(errs, serr)
		}
		return true
	})
	return changed, errors.Join(errs...)
}

// PollAt returns the time at which Poll should next be called absent new
// frames. ok is false if no socket needs servicing. A time not after now
// means Poll should be called immediately.
func (iface *Interface) PollAt(now time.Time) (at time.Time, ok bool) {
	iface.sockets.each(func(sock any) bool {
		var t time.Time
		var has bool
		switch s := sock.(type) {
		case *TCPSocket:
			t, has = s.pollAt()
		case *UDPSocket:
			t, has = s.pollAt()
		}
		if has && (!ok || t.Before(at)) {
			at, ok = t, true
		}
		return true
	})
	return at, ok
}

// PollDelay returns how long to wait before calling Poll absent new frames.
// ok is false when there is no deadline: wait until the device is readable.
func (iface *Interface) PollDelay(now time.Time) (time.Duration, bool) {
	at, ok := iface.PollAt(now)
	if !ok {
		return 0, false
	}
	return max(at.Sub(now), 0), true
}

// unholdAll lets sockets waiting on address resolution transmit immediately.
func (iface *Interface) unholdAll() {
	iface.sockets.each(func(sock any) bool {
		switch s := sock.(type) {
		case *TCPSocket:
			s.unhold()
		case *UDPSocket:
			s.unhold()
		}
		return true
	})
}

// localMSS is the largest segment the device carries for connections on local.
func (iface *Interface) localMSS(local netip.Addr) uint16 {
	iphdr := wire.SizeIPv4Header
	if !local.Is4() {
		iphdr = wire.SizeIPv6Header
	}
	return uint16(clamp(iface.ipMTU-iphdr-wire.SizeTCPHeader, defaultMSS, 0xffff))
}

func (iface *Interface) newISS() seqs.Value {
	return seqs.Value(iface.prng32())
}

// prng32 is a xorshift32 pseudo random number generator.
func (iface *Interface) prng32() uint32 {
	seed := iface.prand
	seed ^= seed << 13
	seed ^= seed >> 17
	seed ^= seed << 5
	iface.prand = seed
	return seed
}

func clamp[T constraints.Integer](v, lo, hi T) T {
	return min(max(v, lo), hi)
}

func (iface *Interface) logerr(msg string, attrs ...slog.Attr) {
	iface.logattrs(slog.LevelError, msg, attrs...)
}

func (iface *Interface) info(msg string, attrs ...slog.Attr) {
	iface.logattrs(slog.LevelInfo, msg, attrs...)
}

func (iface *Interface) debug(msg string, attrs ...slog.Attr) {
	iface.logattrs(slog.LevelDebug, msg, attrs...)
}

func (iface *Interface) trace(msg string, attrs ...slog.Attr) {
	iface.logattrs(logging.LevelTrace, msg, attrs...)
}

func (iface *Interface) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if iface.logger == nil {
		return
	}
	iface.logger.LogAttrs(context.Background(), level, msg, attrs...)
}

func slogAddrPort(key string, ap netip.AddrPort) slog.Attr {
	return slog.String(key, ap.String())
}

func slogAddr(key string, a netip.Addr) slog.Attr {
	return slog.String(key, a.String())
}

func slogDuration(key string, d time.Duration) slog.Attr {
	return slog.Duration(key, d)
}
