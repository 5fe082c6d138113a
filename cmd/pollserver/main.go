// pollserver runs the demo services (UDP/TCP hello, reverse echo, sinkhole
// and fountain) over a TAP or TUN device.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/soypat/pollhost"
	"github.com/soypat/pollhost/config"
	"github.com/soypat/pollhost/internal/logging"
	"github.com/soypat/pollhost/phy"
	"github.com/soypat/pollhost/server"
)

var flags struct {
	config          string
	tap             string
	tun             string
	hwaddr          string
	addrs           []string
	configureHost   bool
	hostAddr        string
	pcap            string
	dropChance      uint8
	corruptChance   uint8
	sizeLimit       int
	txRateLimit     int
	rxRateLimit     int
	shapingInterval time.Duration
	logLevel        string
	logFormat       string
}

var rootCmd = &cobra.Command{
	Use:   "pollserver",
	Short: "Serve hello, reverse-echo, sinkhole and fountain over a TAP/TUN device",
	Long: `pollserver owns a TAP or TUN device and serves, on a single goroutine:

  udp/6969  replies "hello\n" to every datagram
  tcp/6969  sends "hello\n" and closes
  tcp/6970  reverses each received chunk
  tcp/6971  discards everything, resets idle peers
  tcp/6972  streams 0x00, 0x01, ... 0xff, 0x00, ...`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return run(cmd.Context(), cfg)
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&flags.config, "config", "", "YAML configuration file")
	f.StringVar(&flags.tap, "tap", "", "TAP interface to use")
	f.StringVar(&flags.tun, "tun", "", "TUN interface to use")
	f.StringVar(&flags.hwaddr, "hwaddr", "", "interface hardware address")
	f.StringArrayVar(&flags.addrs, "addr", nil, "interface address in CIDR notation (repeatable)")
	f.BoolVar(&flags.configureHost, "configure-host", false, "assign --host-addr to the host side of the link and bring it up")
	f.StringVar(&flags.hostAddr, "host-addr", "", "host side address in CIDR notation")
	f.StringVar(&flags.pcap, "pcap", "", "write a packet capture to this file")
	f.Uint8Var(&flags.dropChance, "drop-chance", 0, "percentage of frames to drop")
	f.Uint8Var(&flags.corruptChance, "corrupt-chance", 0, "percentage of frames to corrupt")
	f.IntVar(&flags.sizeLimit, "size-limit", 0, "drop frames larger than this many octets")
	f.IntVar(&flags.txRateLimit, "tx-rate-limit", 0, "frames sent per shaping interval")
	f.IntVar(&flags.rxRateLimit, "rx-rate-limit", 0, "frames received per shaping interval")
	f.DurationVar(&flags.shapingInterval, "shaping-interval", phy.DefaultShapingInterval, "token bucket refill interval")
	f.StringVar(&flags.logLevel, "log-level", "", "trace, debug, info, warn or error")
	f.StringVar(&flags.logFormat, "log-format", "", "text or json")
	rootCmd.MarkFlagsMutuallyExclusive("tap", "tun")
}

// loadConfig reads the configuration file and applies the flags set on the command line.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(flags.config)
	if err != nil {
		return nil, err
	}
	changed := cmd.Flags().Changed
	switch {
	case changed("tap"):
		cfg.Device.Kind, cfg.Device.Name = config.DeviceTAP, flags.tap
	case changed("tun"):
		cfg.Device.Kind, cfg.Device.Name = config.DeviceTUN, flags.tun
	}
	if changed("hwaddr") {
		cfg.Device.HardwareAddr = flags.hwaddr
	}
	if changed("addr") {
		cfg.Device.Addrs = flags.addrs
	}
	if changed("configure-host") {
		cfg.Device.ConfigureHost = flags.configureHost
	}
	if changed("host-addr") {
		cfg.Device.HostAddr = flags.hostAddr
	}
	m := &cfg.Middleware
	if changed("pcap") {
		m.Pcap = flags.pcap
	}
	if changed("drop-chance") {
		m.DropChance = flags.dropChance
	}
	if changed("corrupt-chance") {
		m.CorruptChance = flags.corruptChance
	}
	if changed("size-limit") {
		m.SizeLimit = flags.sizeLimit
	}
	if changed("tx-rate-limit") {
		m.TxRateLimit = flags.txRateLimit
	}
	if changed("rx-rate-limit") {
		m.RxRateLimit = flags.rxRateLimit
	}
	if changed("shaping-interval") {
		m.ShapingInterval = flags.shapingInterval
	}
	if changed("log-level") {
		cfg.Log.Level = flags.logLevel
	}
	if changed("log-format") {
		cfg.Log.Format = flags.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	level, _ := logging.ParseLevel(cfg.Log.Level)
	json, _ := logging.ParseFormat(cfg.Log.Format)
	logger := logging.New(logging.WithLevel(level), logging.WithJSON(json))

	dev, closers, err := openDevice(cfg, logger, level)
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i].Close()
		}
	}()
	if err != nil {
		return err
	}

	if cfg.Device.ConfigureHost {
		host, _ := cfg.HostPrefix()
		if err := phy.ConfigureHost(cfg.Device.Name, host, 0); err != nil {
			return fmt.Errorf("configure host link %s: %w", cfg.Device.Name, err)
		}
		logger.Info("host link configured", slog.String("link", cfg.Device.Name), slog.String("addr", host.String()))
	}

	w, err := phy.NewWaiter(dev)
	if err != nil {
		return err
	}
	var waiter phy.Waiter = w
	if c, ok := waiter.(io.Closer); ok {
		defer c.Close()
	}

	ifcfg := pollhost.Config{Logger: logger.With(slog.String("component", "iface"))}
	ifcfg.Addrs, _ = cfg.Prefixes()
	ifcfg.Gateway, _ = cfg.Gateway()
	if dev.Capabilities().Medium == phy.MediumEthernet {
		ifcfg.HardwareAddr, _ = cfg.HardwareAddr()
	}
	iface, err := pollhost.New(dev, ifcfg)
	if err != nil {
		return err
	}

	srvcfg := cfg.Server()
	srvcfg.Logger = logger
	srv, err := server.New(iface, waiter, srvcfg)
	if err != nil {
		return err
	}
	logger.Info("serving",
		slog.String("device", cfg.Device.Name),
		slog.String("medium", dev.Capabilities().Medium.String()),
		slog.String("hwaddr", net.HardwareAddr(ifcfg.HardwareAddr[:]).String()),
		slog.Any("addrs", ifcfg.Addrs),
	)
	return srv.Run(ctx)
}

// openDevice opens the configured device and wraps it in the configured
// middleware. closers must be closed by the caller even on error.
func openDevice(cfg *config.Config, logger *slog.Logger, level slog.Level) (dev phy.Device, closers []io.Closer, err error) {
	switch cfg.Device.Kind {
	case config.DeviceTAP:
		tap, err := phy.OpenTAP(cfg.Device.Name)
		if err != nil {
			return nil, nil, fmt.Errorf("open TAP %s: %w", cfg.Device.Name, err)
		}
		dev = tap
	case config.DeviceTUN:
		tun, err := phy.OpenTUN(cfg.Device.Name)
		if err != nil {
			return nil, nil, fmt.Errorf("open TUN %s: %w", cfg.Device.Name, err)
		}
		dev = tun
	default:
		return nil, nil, fmt.Errorf("unknown device kind %q", cfg.Device.Kind)
	}
	closers = append(closers, dev)

	if fc, ok := cfg.Faults(); ok {
		fc.Seed = uint64(time.Now().UnixNano())
		dev, err = phy.NewFaultInjector(dev, fc)
		if err != nil {
			return nil, closers, err
		}
		logger.Info("fault injection enabled",
			slog.Int("drop_chance", int(fc.DropChance)),
			slog.Int("corrupt_chance", int(fc.CorruptChance)),
			slog.Int("size_limit", fc.SizeLimit),
			slog.Int("tx_rate_limit", fc.TxRateLimit),
			slog.Int("rx_rate_limit", fc.RxRateLimit),
		)
	}
	if path := cfg.Middleware.Pcap; path != "" {
		f, err := os.Create(path)
		if err != nil {
			return nil, closers, fmt.Errorf("create capture file: %w", err)
		}
		closers = append(closers, f)
		dev, err = phy.NewPcapDevice(dev, f, logger)
		if err != nil {
			return nil, closers, err
		}
	}
	if level <= logging.LevelTrace {
		dev = phy.NewTracer(dev, logger)
	}
	return dev, closers, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "pollserver:", err)
		}
		stop()
		os.Exit(1)
	}
}
