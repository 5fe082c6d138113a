//go:build !linux

package phy

import (
	"errors"
	"net/netip"
)

func OpenTAP(name string) (Device, error) { return nil, errors.ErrUnsupported }
func OpenTUN(name string) (Device, error) { return nil, errors.ErrUnsupported }

func NewWaiter(dev Device) (Waiter, error) { return nil, errors.ErrUnsupported }

func ConfigureHost(name string, prefix netip.Prefix, mtu int) error { return errors.ErrUnsupported }
