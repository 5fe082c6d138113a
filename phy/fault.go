package phy

import (
	"errors"
	"math/rand/v2"
	"time"

	"golang.org/x/time/rate"
)

// FaultConfig configures a [FaultInjector]. Zero values disable the corresponding fault.
type FaultConfig struct {
	// DropChance is the percentage (0..100) of frames dropped in each direction.
	DropChance uint8
	// CorruptChance is the percentage (0..100) of frames that get one octet corrupted.
	CorruptChance uint8
	// SizeLimit drops frames longer than this many octets.
	SizeLimit int
	// TxRateLimit and RxRateLimit are token bucket sizes in frames refilled
	// every ShapingInterval.
	TxRateLimit     int
	RxRateLimit     int
	ShapingInterval time.Duration
	// Seed seeds the fault random generator.
	Seed uint64
	// Now returns the current time for rate shaping. Defaults to time.Now.
	Now func() time.Time
}

// FaultStats counts frames affected by a [FaultInjector].
type FaultStats struct {
	Dropped   uint64
	Corrupted uint64
	Oversized uint64
	Shaped    uint64
}

// FaultInjector is device middleware that drops, corrupts, size limits and
// rate shapes frames in both directions.
type FaultInjector struct {
	dev     Device
	cfg     FaultConfig
	rng     *rand.Rand
	txLimit *rate.Limiter
	rxLimit *rate.Limiter
	stats   FaultStats
	scratch []byte
}

var _ Device = (*FaultInjector)(nil)

// DefaultShapingInterval is the token bucket refill interval when none is configured.
const DefaultShapingInterval = 50 * time.Millisecond

func NewFaultInjector(dev Device, cfg FaultConfig) (*FaultInjector, error) {
	if cfg.DropChance > 100 || cfg.CorruptChance > 100 {
		return nil, errors.New("phy: fault chance must be a percentage")
	}
	if cfg.SizeLimit < 0 || cfg.TxRateLimit < 0 || cfg.RxRateLimit < 0 {
		return nil, errors.New("phy: negative fault limit")
	}
	if cfg.ShapingInterval <= 0 {
		cfg.ShapingInterval = DefaultShapingInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	f := &FaultInjector{
		dev:     dev,
		cfg:     cfg,
		rng:     rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		scratch: make([]byte, dev.Capabilities().MTU),
	}
	f.txLimit = newShaper(cfg.TxRateLimit, cfg.ShapingInterval)
	f.rxLimit = newShaper(cfg.RxRateLimit, cfg.ShapingInterval)
	return f, nil
}

func newShaper(frames int, interval time.Duration) *rate.Limiter {
	if frames == 0 {
		return nil
	}
	every := rate.Limit(float64(frames) / interval.Seconds())
	return rate.NewLimiter(every, frames)
}

func (f *FaultInjector) Capabilities() Capabilities { return f.dev.Capabilities() }
func (f *FaultInjector) Unwrap() Device             { return f.dev }
func (f *FaultInjector) Close() error               { return f.dev.Close() }
func (f *FaultInjector) Stats() FaultStats          { return f.stats }

// ReadFrame reads frames from the wrapped device until one survives fault
// injection or the device has nothing more to read.
func (f *FaultInjector) ReadFrame(b []byte) (int, error) {
	for {
		n, err := f.dev.ReadFrame(b)
		if err != nil {
			return n, err
		}
		if f.pass(b[:n], f.rxLimit) {
			f.maybeCorrupt(b[:n])
			return n, nil
		}
	}
}

// WriteFrame silently discards frames selected for dropping.
func (f *FaultInjector) WriteFrame(b []byte) error {
	if !f.pass(b, f.txLimit) {
		return nil
	}
	if f.cfg.CorruptChance > 0 {
		// Never corrupt the caller's buffer.
		frame := f.scratch[:copy(f.scratch, b)]
		if len(frame) < len(b) {
			frame = append([]byte(nil), b...)
		}
		f.maybeCorrupt(frame)
		b = frame
	}
	return f.dev.WriteFrame(b)
}

func (f *FaultInjector) pass(frame []byte, lim *rate.Limiter) bool {
	if f.cfg.SizeLimit > 0 && len(frame) > f.cfg.SizeLimit {
		f.stats.Oversized++
		return false
	}
	if f.chance(f.cfg.DropChance) {
		f.stats.Dropped++
		return false
	}
	if lim != nil && !lim.AllowN(f.cfg.Now(), 1) {
		f.stats.Shaped++
		return false
	}
	return true
}

func (f *FaultInjector) maybeCorrupt(frame []byte) {
	if len(frame) == 0 || !f.chance(f.cfg.CorruptChance) {
		return
	}
	i := f.rng.IntN(len(frame))
	frame[i] ^= byte(1 + f.rng.IntN(255)) // Always flips at least one bit.
	f.stats.Corrupted++
}

func (f *FaultInjector) chance(percent uint8) bool {
	return percent > 0 && f.rng.IntN(100) < int(percent)
}
