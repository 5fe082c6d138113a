package phy

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// PcapDevice writes every frame read from or written to the wrapped device
// to a pcap capture.
type PcapDevice struct {
	dev Device
	mu  sync.Mutex
	w   *pcapgo.Writer
	now func() time.Time
	log *slog.Logger
}

var _ Device = (*PcapDevice)(nil)

// NewPcapDevice writes the pcap file header to w and returns the wrapped device.
// The link type follows the device medium.
func NewPcapDevice(dev Device, w io.Writer, logger *slog.Logger) (*PcapDevice, error) {
	linkType := layers.LinkTypeEthernet
	if dev.Capabilities().Medium == MediumIP {
		linkType = layers.LinkTypeRaw
	}
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(uint32(max(dev.Capabilities().MTU, 65535)), linkType); err != nil {
		return nil, fmt.Errorf("failed to write pcap header: %w", err)
	}
	return &PcapDevice{dev: dev, w: pw, now: time.Now, log: logger}, nil
}

func (d *PcapDevice) Capabilities() Capabilities { return d.dev.Capabilities() }
func (d *PcapDevice) Unwrap() Device             { return d.dev }
func (d *PcapDevice) Close() error               { return d.dev.Close() }

func (d *PcapDevice) ReadFrame(b []byte) (int, error) {
	n, err := d.dev.ReadFrame(b)
	if err != nil {
		return n, err
	}
	d.capture(b[:n])
	return n, nil
}

func (d *PcapDevice) WriteFrame(b []byte) error {
	err := d.dev.WriteFrame(b)
	if err != nil {
		return err
	}
	d.capture(b)
	return nil
}

func (d *PcapDevice) capture(frame []byte) {
	ci := gopacket.CaptureInfo{
		Timestamp:     d.now(),
		CaptureLength: len(frame),
		Length:        len(frame),
	}
	d.mu.Lock()
	err := d.w.WritePacket(ci, frame)
	d.mu.Unlock()
	if err != nil && d.log != nil {
		d.log.Warn("pcap: failed to write packet", slog.String("err", err.Error()))
	}
}
