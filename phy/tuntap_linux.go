//go:build linux

package phy

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

const sizeEthernetHeader = 14

// TunTap is a Linux TAP (Ethernet) or TUN (IP) device opened in non-blocking mode.
type TunTap struct {
	fd   int
	name string
	caps Capabilities
}

var _ Device = (*TunTap)(nil)

// OpenTAP opens or creates the TAP interface name. Frames are Ethernet II.
func OpenTAP(name string) (*TunTap, error) {
	return openTunTap(name, MediumEthernet)
}

// OpenTUN opens or creates the TUN interface name. Frames are bare IP packets
// without packet information header.
func OpenTUN(name string) (*TunTap, error) {
	return openTunTap(name, MediumIP)
}

func openTunTap(name string, medium Medium) (*TunTap, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open /dev/net/tun: %w", err)
	}
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	flags := uint16(unix.IFF_NO_PI)
	if medium == MediumEthernet {
		flags |= unix.IFF_TAP
	} else {
		flags |= unix.IFF_TUN
	}
	ifr.SetUint16(flags)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("TUNSETIFF %s: %w", name, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, err
	}
	mtu, err := interfaceMTU(name)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if medium == MediumEthernet {
		mtu += sizeEthernetHeader
	}
	return &TunTap{
		fd:   fd,
		name: name,
		caps: Capabilities{Medium: medium, MTU: mtu},
	}, nil
}

// interfaceMTU queries the IP MTU of the named interface.
func interfaceMTU(name string) (int, error) {
	sock, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, err
	}
	defer unix.Close(sock)
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return 0, err
	}
	if err := unix.IoctlIfreq(sock, unix.SIOCGIFMTU, ifr); err != nil {
		return 0, fmt.Errorf("SIOCGIFMTU %s: %w", name, err)
	}
	return int(ifr.Uint32()), nil
}

func (t *TunTap) Capabilities() Capabilities { return t.caps }

// Fd returns the device's file descriptor for readiness polling.
func (t *TunTap) Fd() int { return t.fd }

func (t *TunTap) Name() string { return t.name }

func (t *TunTap) ReadFrame(b []byte) (int, error) {
	for {
		n, err := unix.Read(t.fd, b)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, ErrWouldBlock
		case errors.Is(err, unix.EBADF) || errors.Is(err, unix.EBADFD):
			return 0, ErrClosed
		case err != nil:
			return 0, err
		}
		return n, nil
	}
}

func (t *TunTap) WriteFrame(b []byte) error {
	if len(b) > t.caps.MTU {
		return ErrFrameTooLarge
	}
	for {
		_, err := unix.Write(t.fd, b)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return ErrWouldBlock
		case errors.Is(err, unix.EBADF) || errors.Is(err, unix.EBADFD):
			return ErrClosed
		}
		return err
	}
}

func (t *TunTap) Close() error {
	if t.fd < 0 {
		return ErrClosed
	}
	err := unix.Close(t.fd)
	t.fd = -1
	return err
}
