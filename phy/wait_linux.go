//go:build linux

package phy

import (
	"context"
	"errors"
	"math"
	"time"

	"golang.org/x/sys/unix"
)

// FdWaiter waits for a file descriptor backed device to become readable.
// Context cancellation interrupts the wait through an eventfd.
type FdWaiter struct {
	fd     int
	wakefd int
}

var _ Waiter = (*FdWaiter)(nil)

// NewWaiter returns a Waiter for dev, which must be backed by a file
// descriptor, possibly behind middleware.
func NewWaiter(dev Device) (*FdWaiter, error) {
	f, ok := Unwrap(dev).(fder)
	if !ok {
		return nil, errors.New("phy: device has no file descriptor")
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &FdWaiter{fd: f.Fd(), wakefd: wakefd}, nil
}

func (w *FdWaiter) Wait(ctx context.Context, timeout time.Duration, hasTimeout bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ms := -1
	if hasTimeout {
		ms = int(min(timeout.Milliseconds(), math.MaxInt32))
		if ms == 0 && timeout > 0 {
			ms = 1 // Round sub-millisecond timeouts up so we do not spin.
		}
	}
	stop := context.AfterFunc(ctx, w.wake)
	defer stop()
	pollFds := []unix.PollFd{
		{Fd: int32(w.fd), Events: unix.POLLIN},
		{Fd: int32(w.wakefd), Events: unix.POLLIN},
	}
	_, err := pollWithRetry(pollFds, ms)
	if pollFds[1].Revents&unix.POLLIN != 0 {
		w.drain()
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (w *FdWaiter) wake() {
	var one = [8]byte{1}
	unix.Write(w.wakefd, one[:])
}

func (w *FdWaiter) drain() {
	var buf [8]byte
	unix.Read(w.wakefd, buf[:])
}

// Close releases the waiter's eventfd. It does not close the device.
func (w *FdWaiter) Close() error {
	return unix.Close(w.wakefd)
}

func pollWithRetry(pollFds []unix.PollFd, timeout int) (int, error) {
	for {
		n, err := unix.Poll(pollFds, timeout)
		if err == unix.EINTR {
			continue // retry on EINTR
		}
		return n, err
	}
}
