package pollhost

import (
	"net/netip"
	"time"
)

const (
	neighborLifetime = 60 * time.Second
	// resolveSilence is the minimum time between ARP requests or neighbor
	// solicitations for the same address.
	resolveSilence = time.Second
)

type neighbor struct {
	hw      [6]byte
	expires time.Time
}

// neighborCache maps on-link IPv4 and IPv6 addresses to hardware addresses.
// It is filled from ARP and neighbor discovery and bounds the request rate.
type neighborCache struct {
	entries map[netip.Addr]neighbor
	// silent holds the time before which no new request is sent for an address.
	silent map[netip.Addr]time.Time
}

func (c *neighborCache) lookup(addr netip.Addr, now time.Time) ([6]byte, bool) {
	n, ok := c.entries[addr]
	if !ok || !now.Before(n.expires) {
		return [6]byte{}, false
	}
	return n.hw, true
}

// fill inserts or refreshes an entry and reports whether the address was not known before.
func (c *neighborCache) fill(addr netip.Addr, hw [6]byte, now time.Time) (added bool) {
	if c.entries == nil {
		c.entries = make(map[netip.Addr]neighbor)
	}
	old, ok := c.entries[addr]
	added = !ok || old.hw != hw || !now.Before(old.expires)
	c.entries[addr] = neighbor{hw: hw, expires: now.Add(neighborLifetime)}
	delete(c.silent, addr)
	return added
}

// shouldRequest reports whether a request for addr may be sent now and
// if so starts a new silence period.
func (c *neighborCache) shouldRequest(addr netip.Addr, now time.Time) bool {
	if c.silent == nil {
		c.silent = make(map[netip.Addr]time.Time)
	}
	if until, ok := c.silent[addr]; ok && now.Before(until) {
		return false
	}
	c.silent[addr] = now.Add(resolveSilence)
	return true
}

// expire removes stale entries.
func (c *neighborCache) expire(now time.Time) {
	for addr, n := range c.entries {
		if !now.Before(n.expires) {
			delete(c.entries, addr)
		}
	}
	for addr, until := range c.silent {
		if !now.Before(until) {
			delete(c.silent, addr)
		}
	}
}

func (c *neighborCache) len() int { return len(c.entries) }
