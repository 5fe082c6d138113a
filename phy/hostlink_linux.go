//go:build linux

package phy

import (
	"fmt"
	"net/netip"

	"github.com/vishvananda/netlink"
)

// ConfigureHost assigns prefix to the host side of the named TAP/TUN link,
// sets its MTU if mtu is positive and brings it up.
func ConfigureHost(name string, prefix netip.Prefix, mtu int) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("failed to get link by name: %w", err)
	}
	if mtu > 0 {
		if err := netlink.LinkSetMTU(link, mtu); err != nil {
			return fmt.Errorf("failed to set MTU: %w", err)
		}
	}
	if prefix.IsValid() {
		addr, err := netlink.ParseAddr(prefix.String())
		if err != nil {
			return err
		}
		if err := netlink.AddrReplace(link, addr); err != nil {
			return fmt.Errorf("failed to add address %s: %w", prefix, err)
		}
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("failed to set link up: %w", err)
	}
	return nil
}
