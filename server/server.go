// Package server runs the demo services over a pollhost interface in a
// single goroutine poll loop.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/soypat/pollhost"
	"github.com/soypat/pollhost/phy"
	"github.com/soypat/pollhost/service"
)

// Config configures the services and their socket buffers.
type Config struct {
	UDPEchoPort     uint16
	GreeterPort     uint16
	ReverseEchoPort uint16
	SinkholePort    uint16
	FountainPort    uint16

	UDPRx pollhost.UDPBufferConfig
	UDPTx pollhost.UDPBufferConfig
	// Small buffers are used by the greeter and reverse-echo sockets.
	SmallRx, SmallTx int
	// Large buffers are used by the sinkhole and fountain sockets.
	LargeRx, LargeTx int

	SinkholeKeepAlive time.Duration
	SinkholeTimeout   time.Duration

	Logger *slog.Logger
	// Now returns the loop timestamp. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns the reference ports and buffer sizes.
func DefaultConfig() Config {
	return Config{
		UDPEchoPort:       service.PortUDPEcho,
		GreeterPort:       service.PortGreeter,
		ReverseEchoPort:   service.PortReverseEcho,
		SinkholePort:      service.PortSinkhole,
		FountainPort:      service.PortFountain,
		UDPRx:             pollhost.UDPBufferConfig{Slots: 1, Bytes: 64},
		UDPTx:             pollhost.UDPBufferConfig{Slots: 1, Bytes: 128},
		SmallRx:           64,
		SmallTx:           128,
		LargeRx:           65535,
		LargeTx:           65535,
		SinkholeKeepAlive: service.DefaultSinkholeKeepAlive,
		SinkholeTimeout:   service.DefaultSinkholeTimeout,
	}
}

// Stats summarizes the loop's activity.
type Stats struct {
	Iterations uint64
	PollErrors uint64
	// Poll latency percentiles in microseconds.
	PollP50, PollP99, PollMax int64
	PollMean                  float64
	// SlowPolls counts polls longer than the histogram range, recorded at its highest value.
	SlowPolls uint64
}

// Server owns the service sockets and drives the poll loop.
type Server struct {
	iface  *pollhost.Interface
	waiter phy.Waiter
	now    func() time.Time
	logger *slog.Logger

	udp                                     pollhost.Handle
	greeter, reverse, sinkhole, fountainSck pollhost.Handle

	udpEcho  *service.UDPEcho
	greet    *service.Greeter
	rev      *service.ReverseEcho
	sink     *service.Sinkhole
	fountain *service.Fountain

	iterations uint64
	pollErrors uint64
	slowPolls  uint64
	latency    *hdrhistogram.Histogram
}

// New creates the service sockets on iface. waiter blocks Run between iterations.
func New(iface *pollhost.Interface, waiter phy.Waiter, cfg Config) (*Server, error) {
	if iface == nil {
		return nil, errors.New("server: nil interface")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	sizes := []int{cfg.UDPRx.Slots, cfg.UDPRx.Bytes, cfg.UDPTx.Slots, cfg.UDPTx.Bytes, cfg.SmallRx, cfg.SmallTx, cfg.LargeRx, cfg.LargeTx}
	for _, sz := range sizes {
		if sz <= 0 {
			return nil, fmt.Errorf("server: non-positive buffer size %d", sz)
		}
	}
	s := &Server{
		iface:  iface,
		waiter: waiter,
		now:    cfg.Now,
		logger: cfg.Logger,
		// Microsecond resolution from 1µs to 10s.
		latency:  hdrhistogram.New(1, 10_000_000, 3),
		udpEcho:  service.NewUDPEcho(cfg.UDPEchoPort, cfg.Logger),
		greet:    service.NewGreeter(cfg.GreeterPort, cfg.Logger),
		rev:      service.NewReverseEcho(cfg.ReverseEchoPort, cfg.Logger),
		sink:     service.NewSinkhole(cfg.SinkholePort, cfg.SinkholeKeepAlive, cfg.SinkholeTimeout, cfg.Logger),
		fountain: service.NewFountain(cfg.FountainPort, cfg.Logger),
	}
	s.udp = iface.AddUDPSocket(pollhost.NewUDPSocket(cfg.UDPRx, cfg.UDPTx))
	s.greeter = iface.AddTCPSocket(pollhost.NewTCPSocket(cfg.SmallRx, cfg.SmallTx))
	s.reverse = iface.AddTCPSocket(pollhost.NewTCPSocket(cfg.SmallRx, cfg.SmallTx))
	s.sinkhole = iface.AddTCPSocket(pollhost.NewTCPSocket(cfg.LargeRx, cfg.LargeTx))
	s.fountainSck = iface.AddTCPSocket(pollhost.NewTCPSocket(cfg.LargeRx, cfg.LargeTx))
	return s, nil
}

// Step polls the interface once and then runs every service once in a fixed
// order. Poll errors are logged, service errors are returned.
func (s *Server) Step(now time.Time) error {
	s.iterations++
	start := time.Now()
	_, err := s.iface.Poll(now)
	s.recordLatency(time.Since(start))
	if err != nil {
		s.pollErrors++
		s.debug("poll error", slog.String("err", err.Error()))
	}
	if err := s.udpEcho.Step(s.iface.UDPSocket(s.udp)); err != nil {
		return err
	}
	if err := s.greet.Step(s.iface.TCPSocket(s.greeter)); err != nil {
		return fmt.Errorf("greeter: %w", err)
	}
	if err := s.rev.Step(s.iface.TCPSocket(s.reverse)); err != nil {
		return fmt.Errorf("reverse echo: %w", err)
	}
	if err := s.sink.Step(s.iface.TCPSocket(s.sinkhole)); err != nil {
		return fmt.Errorf("sinkhole: %w", err)
	}
	if err := s.fountain.Step(s.iface.TCPSocket(s.fountainSck)); err != nil {
		return fmt.Errorf("fountain: %w", err)
	}
	return nil
}

func (s *Server) recordLatency(d time.Duration) {
	us := max(d.Microseconds(), 1)
	if hi := s.latency.HighestTrackableValue(); us > hi {
		s.slowPolls++
		us = hi
	}
	if err := s.latency.RecordValue(us); err != nil {
		s.debug("poll latency not recorded", slog.String("err", err.Error()))
	}
}

// Run steps the server until ctx is done, waiting for the device to become
// readable or the next socket deadline between steps. It returns nil when ctx is done.
func (s *Server) Run(ctx context.Context) error {
	defer s.logStats()
	for {
		now := s.now()
		if err := s.Step(now); err != nil {
			return err
		}
		delay, ok := s.iface.PollDelay(now)
		err := s.waiter.Wait(ctx, delay, ok)
		if ctx.Err() != nil {
			return nil
		} else if err != nil {
			return fmt.Errorf("wait: %w", err)
		}
	}
}

// Stats returns a snapshot of the loop statistics.
func (s *Server) Stats() Stats {
	return Stats{
		Iterations: s.iterations,
		PollErrors: s.pollErrors,
		PollP50:    s.latency.ValueAtQuantile(50),
		PollP99:    s.latency.ValueAtQuantile(99),
		PollMax:    s.latency.Max(),
		PollMean:   s.latency.Mean(),
		SlowPolls:  s.slowPolls,
	}
}

// Sockets returns the handles of the UDP echo, greeter, reverse-echo, sinkhole and fountain sockets.
func (s *Server) Sockets() (udp, greeter, reverse, sinkhole, fountain pollhost.Handle) {
	return s.udp, s.greeter, s.reverse, s.sinkhole, s.fountainSck
}

func (s *Server) logStats() {
	st := s.Stats()
	s.info("server stopped",
		slog.Uint64("iterations", st.Iterations),
		slog.Uint64("poll_errors", st.PollErrors),
		slog.Int64("poll_p50_us", st.PollP50),
		slog.Int64("poll_p99_us", st.PollP99),
		slog.Int64("poll_max_us", st.PollMax),
		slog.Uint64("slow_polls", st.SlowPolls),
	)
}

func (s *Server) info(msg string, attrs ...slog.Attr) {
	s.logattrs(slog.LevelInfo, msg, attrs...)
}

func (s *Server) debug(msg string, attrs ...slog.Attr) {
	s.logattrs(slog.LevelDebug, msg, attrs...)
}

func (s *Server) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if s.logger == nil {
		return
	}
	s.logger.LogAttrs(context.Background(), level, msg, attrs...)
}
