// Package config holds the pollserver configuration file format.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/soypat/pollhost"
	"github.com/soypat/pollhost/internal/logging"
	"github.com/soypat/pollhost/phy"
	"github.com/soypat/pollhost/server"
)

const (
	DeviceTAP = "tap"
	DeviceTUN = "tun"
)

type Config struct {
	Device     Device     `yaml:"device"`
	Services   Services   `yaml:"services"`
	Buffers    Buffers    `yaml:"buffers"`
	Middleware Middleware `yaml:"middleware"`
	Log        Log        `yaml:"log"`
}

type Device struct {
	// Kind is tap or tun.
	Kind string `yaml:"kind"`
	// Name of the host link, e.g. tap0.
	Name string `yaml:"name"`
	// HardwareAddr of the interface. Ignored for tun devices.
	HardwareAddr string `yaml:"hwaddr"`
	// Addrs are the interface addresses in CIDR notation.
	Addrs   []string `yaml:"addrs"`
	Gateway string   `yaml:"gateway,omitempty"`
	// HostAddr is assigned to the host side of the link when ConfigureHost is set.
	HostAddr      string `yaml:"host_addr"`
	ConfigureHost bool   `yaml:"configure_host"`
}

type Services struct {
	UDPEchoPort       uint16        `yaml:"udp_echo_port"`
	GreeterPort       uint16        `yaml:"greeter_port"`
	ReverseEchoPort   uint16        `yaml:"reverse_echo_port"`
	SinkholePort      uint16        `yaml:"sinkhole_port"`
	FountainPort      uint16        `yaml:"fountain_port"`
	SinkholeKeepAlive time.Duration `yaml:"sinkhole_keepalive"`
	SinkholeTimeout   time.Duration `yaml:"sinkhole_timeout"`
}

type Buffers struct {
	UDPRxSlots int `yaml:"udp_rx_slots"`
	UDPRxBytes int `yaml:"udp_rx_bytes"`
	UDPTxSlots int `yaml:"udp_tx_slots"`
	UDPTxBytes int `yaml:"udp_tx_bytes"`
	SmallRx    int `yaml:"small_rx"`
	SmallTx    int `yaml:"small_tx"`
	LargeRx    int `yaml:"large_rx"`
	LargeTx    int `yaml:"large_tx"`
}

type Middleware struct {
	// Pcap is the capture file path. Empty disables capture.
	Pcap            string        `yaml:"pcap,omitempty"`
	DropChance      uint8         `yaml:"drop_chance"`
	CorruptChance   uint8         `yaml:"corrupt_chance"`
	SizeLimit       int           `yaml:"size_limit"`
	TxRateLimit     int           `yaml:"tx_rate_limit"`
	RxRateLimit     int           `yaml:"rx_rate_limit"`
	ShapingInterval time.Duration `yaml:"shaping_interval"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration of the reference server.
func Default() *Config {
	srv := server.DefaultConfig()
	return &Config{
		Device: Device{
			Kind:         DeviceTAP,
			Name:         "tap0",
			HardwareAddr: "02:00:00:00:00:01",
			Addrs:        []string{"192.168.69.1/24", "fdaa::1/64", "fe80::1/64"},
			HostAddr:     "192.168.69.100/24",
		},
		Services: Services{
			UDPEchoPort:       srv.UDPEchoPort,
			GreeterPort:       srv.GreeterPort,
			ReverseEchoPort:   srv.ReverseEchoPort,
			SinkholePort:      srv.SinkholePort,
			FountainPort:      srv.FountainPort,
			SinkholeKeepAlive: srv.SinkholeKeepAlive,
			SinkholeTimeout:   srv.SinkholeTimeout,
		},
		Buffers: Buffers{
			UDPRxSlots: srv.UDPRx.Slots,
			UDPRxBytes: srv.UDPRx.Bytes,
			UDPTxSlots: srv.UDPTx.Slots,
			UDPTxBytes: srv.UDPTx.Bytes,
			SmallRx:    srv.SmallRx,
			SmallTx:    srv.SmallTx,
			LargeRx:    srv.LargeRx,
			LargeTx:    srv.LargeTx,
		},
		Middleware: Middleware{ShapingInterval: phy.DefaultShapingInterval},
		Log:        Log{Level: "info", Format: "text"},
	}
}

// Load reads the YAML file at path over the defaults. An empty path
// returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading YAML file: %w", err)
	}
	if err := Parse(b, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML document b into cfg. Fields absent from b are left unchanged.
func Parse(b []byte, cfg *Config) error {
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("failed to unmarshal YAML: %w", err)
	}
	return nil
}

// Marshal encodes cfg as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate checks every field and returns all problems found.
func (c *Config) Validate() error {
	var errs []error
	switch c.Device.Kind {
	case DeviceTAP:
		if _, err := c.HardwareAddr(); err != nil {
			errs = append(errs, err)
		}
	case DeviceTUN:
	default:
		errs = append(errs, fmt.Errorf("device kind %q is not tap or tun", c.Device.Kind))
	}
	if c.Device.Name == "" {
		errs = append(errs, errors.New("device name is empty"))
	}
	if _, err := c.Prefixes(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Gateway(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.HostPrefix(); err != nil {
		errs = append(errs, err)
	}

	s := c.Services
	ports := map[string]uint16{
		"udp_echo_port":     s.UDPEchoPort,
		"greeter_port":      s.GreeterPort,
		"reverse_echo_port": s.ReverseEchoPort,
		"sinkhole_port":     s.SinkholePort,
		"fountain_port":     s.FountainPort,
	}
	for name, port := range ports {
		if port == 0 {
			errs = append(errs, fmt.Errorf("%s must be non-zero", name))
		}
	}
	tcp := map[uint16]bool{}
	for _, port := range []uint16{s.GreeterPort, s.ReverseEchoPort, s.SinkholePort, s.FountainPort} {
		if port != 0 && tcp[port] {
			errs = append(errs, fmt.Errorf("TCP port %d used by more than one service", port))
		}
		tcp[port] = true
	}
	if s.SinkholeKeepAlive < 0 || s.SinkholeTimeout < 0 {
		errs = append(errs, errors.New("sinkhole keep-alive and timeout must not be negative"))
	}

	b := c.Buffers
	for name, sz := range map[string]int{
		"udp_rx_slots": b.UDPRxSlots, "udp_rx_bytes": b.UDPRxBytes,
		"udp_tx_slots": b.UDPTxSlots, "udp_tx_bytes": b.UDPTxBytes,
		"small_rx": b.SmallRx, "small_tx": b.SmallTx,
		"large_rx": b.LargeRx, "large_tx": b.LargeTx,
	} {
		if sz <= 0 {
			errs = append(errs, fmt.Errorf("buffer %s must be positive, got %d", name, sz))
		}
	}

	m := c.Middleware
	if m.DropChance > 100 || m.CorruptChance > 100 {
		errs = append(errs, errors.New("drop and corrupt chances are percentages"))
	}
	if m.SizeLimit < 0 || m.TxRateLimit < 0 || m.RxRateLimit < 0 {
		errs = append(errs, errors.New("size and rate limits must not be negative"))
	}
	if m.ShapingInterval <= 0 {
		errs = append(errs, errors.New("shaping interval must be positive"))
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if _, err := logging.ParseFormat(c.Log.Format); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// HardwareAddr parses the interface hardware address.
func (c *Config) HardwareAddr() ([6]byte, error) {
	hw, err := net.ParseMAC(c.Device.HardwareAddr)
	if err != nil {
		return [6]byte{}, fmt.Errorf("invalid hwaddr: %w", err)
	}
	if len(hw) != 6 {
		return [6]byte{}, fmt.Errorf("hwaddr %s is not an EUI-48 address", hw)
	}
	if hw[0]&1 != 0 {
		return [6]byte{}, fmt.Errorf("hwaddr %s is multicast", hw)
	}
	return [6]byte(hw), nil
}

// Prefixes parses the interface addresses. At least one IPv4 address is required.
func (c *Config) Prefixes() ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	has4 := false
	for _, s := range c.Device.Addrs {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("invalid address: %w", err)
		}
		has4 = has4 || p.Addr().Is4()
		prefixes = append(prefixes, p)
	}
	if !has4 {
		return nil, errors.New("at least one IPv4 address is required")
	}
	return prefixes, nil
}

// Gateway parses the optional IPv4 gateway.
func (c *Config) Gateway() (netip.Addr, error) {
	if c.Device.Gateway == "" {
		return netip.Addr{}, nil
	}
	gw, err := netip.ParseAddr(c.Device.Gateway)
	if err != nil {
		return gw, fmt.Errorf("invalid gateway: %w", err)
	}
	if !gw.Is4() {
		return netip.Addr{}, fmt.Errorf("gateway %v is not IPv4", gw)
	}
	return gw, nil
}

// HostPrefix parses the host side address. It is invalid if unset.
func (c *Config) HostPrefix() (netip.Prefix, error) {
	if c.Device.HostAddr == "" {
		if c.Device.ConfigureHost {
			return netip.Prefix{}, errors.New("configure_host requires host_addr")
		}
		return netip.Prefix{}, nil
	}
	p, err := netip.ParsePrefix(c.Device.HostAddr)
	if err != nil {
		return p, fmt.Errorf("invalid host_addr: %w", err)
	}
	return p, nil
}

// Server returns the service configuration. The logger is left unset.
func (c *Config) Server() server.Config {
	cfg := server.DefaultConfig()
	s, b := c.Services, c.Buffers
	cfg.UDPEchoPort = s.UDPEchoPort
	cfg.GreeterPort = s.GreeterPort
	cfg.ReverseEchoPort = s.ReverseEchoPort
	cfg.SinkholePort = s.SinkholePort
	cfg.FountainPort = s.FountainPort
	cfg.SinkholeKeepAlive = s.SinkholeKeepAlive
	cfg.SinkholeTimeout = s.SinkholeTimeout
	cfg.UDPRx = pollhost.UDPBufferConfig{Slots: b.UDPRxSlots, Bytes: b.UDPRxBytes}
	cfg.UDPTx = pollhost.UDPBufferConfig{Slots: b.UDPTxSlots, Bytes: b.UDPTxBytes}
	cfg.SmallRx, cfg.SmallTx = b.SmallRx, b.SmallTx
	cfg.LargeRx, cfg.LargeTx = b.LargeRx, b.LargeTx
	return cfg
}

// Faults returns the fault injection configuration and whether any fault is enabled.
func (c *Config) Faults() (phy.FaultConfig, bool) {
	m := c.Middleware
	fc := phy.FaultConfig{
		DropChance:      m.DropChance,
		CorruptChance:   m.CorruptChance,
		SizeLimit:       m.SizeLimit,
		TxRateLimit:     m.TxRateLimit,
		RxRateLimit:     m.RxRateLimit,
		ShapingInterval: m.ShapingInterval,
	}
	enabled := m.DropChance > 0 || m.CorruptChance > 0 || m.SizeLimit > 0 || m.TxRateLimit > 0 || m.RxRateLimit > 0
	return fc, enabled
}
