package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/musebridge/bridge"
	"github.com/srg/musebridge/internal/device"
	goble "github.com/srg/musebridge/internal/device/go-ble"
	"github.com/srg/musebridge/internal/device/sim"
	"github.com/srg/musebridge/manager"
	"github.com/srg/musebridge/pkg/config"
)

const closeTimeout = 3 * time.Second

type streamOptions struct {
	socket      string
	simulate    int
	all         bool
	streamFirst bool
	autoStream  []string
	noLaunch    bool
	duration    time.Duration
	primary     string
	secondary   string
	format      string
}

func newStreamCmd() *cobra.Command {
	opts := &streamOptions{}
	cmd := &cobra.Command{
		Use:   "stream [device...]",
		Short: "Discover headbands and stream their EEG to the sink host",
		Long: `Discover Muse headbands and stream EEG chunks to the sink host.

Devices named as arguments (address or advertised name) start streaming as
soon as they come online. The sink host is launched on the first stream and
released when the last one stops.`,
		Example: `  musebridge stream --first
  musebridge stream Muse-1E7F 00:55:da:b0:00:42
  musebridge stream --simulate 2 --all --duration 30s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.autoStream = append(opts.autoStream, args...)
			return runStream(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.socket, "socket", "", "Bridge socket path (default from config)")
	f.IntVar(&opts.simulate, "simulate", 0, "Use N simulated headbands instead of Bluetooth")
	f.BoolVar(&opts.all, "all", false, "Stream every device as it comes online")
	f.BoolVar(&opts.streamFirst, "first", false, "Stream the first device that comes online")
	f.BoolVar(&opts.noLaunch, "no-launch", false, "Connect to an already running sink host")
	f.DurationVar(&opts.duration, "duration", 0, "Stop after this long (0 for indefinite)")
	f.StringVar(&opts.primary, "timestamps", "", "Primary timestamp format (unix, sink)")
	f.StringVar(&opts.secondary, "secondary-timestamps", "", "Secondary timestamp format (none, unix, sink)")
	f.StringVar(&opts.format, "format", "", "Channel format (float32, float64)")
	return cmd
}

func (o *streamOptions) apply(cfg *config.Config) error {
	if o.socket != "" {
		cfg.SocketPath = o.socket
	}
	if o.primary != "" {
		cfg.PrimaryTimestamp = o.primary
	}
	if o.secondary != "" {
		cfg.SecondaryTimestamp = o.secondary
	}
	if o.format != "" {
		cfg.ChannelFormat = o.format
	}
	if o.streamFirst {
		cfg.StreamFirst = true
	}
	cfg.AutoStream = append(cfg.AutoStream, o.autoStream...)
	return cfg.Validate()
}

func runStream(cmd *cobra.Command, opts *streamOptions) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := opts.apply(cfg); err != nil {
		return err
	}
	if opts.simulate < 0 {
		return fmt.Errorf("--simulate must not be negative")
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	central, err := newCentral(cfg, opts.simulate, logger)
	if err != nil {
		return err
	}

	var launcher bridge.Launcher
	if !opts.noLaunch {
		launcher = &bridge.ExecLauncher{
			Args: []string{
				"host",
				"--socket", cfg.SocketPath,
				"--inactivity-timeout", cfg.HostInactivityTimeout.String(),
				"--log-level", cfg.LogLevel,
			},
			Logger: logger,
		}
	}
	client := bridge.NewClient(bridge.ClientConfig{
		Dialer:            bridge.UnixDialer{Path: cfg.SocketPath},
		Launcher:          launcher,
		KeepAliveInterval: cfg.KeepAliveInterval,
		DialRetryInterval: cfg.DialRetryInterval,
		Logger:            logger,
	})

	primary, secondary, err := cfg.Timestamps()
	if err != nil {
		return err
	}
	format, err := cfg.SampleFormat()
	if err != nil {
		return err
	}
	m, err := manager.New(manager.Config{
		Central:           central,
		Publisher:         client,
		Reconnector:       manager.PollReconnector{Interval: cfg.ReconnectPollInterval},
		EnumerationWindow: cfg.EnumerationWindow,
		ConnectTimeout:    cfg.ConnectTimeout,
		Primary:           primary,
		Secondary:         secondary,
		ChannelFormat:     format,
		BufferLength:      cfg.BufferLength,
		StreamFirst:       cfg.StreamFirst,
		AutoStream:        cfg.AutoStream,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if opts.duration > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, opts.duration)
		defer stop()
	}

	if err := m.FindDevices(); err != nil {
		return err
	}
	printer := newStatusPrinter(cmd.OutOrStdout())
	logger.WithField("socket", cfg.SocketPath).Info("Waiting for headbands")

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case ev, ok := <-m.Events():
			if !ok {
				break loop
			}
			printer.Print(ev)
			if opts.all && ev.Type == manager.EventOnline {
				if err := m.StartStreaming(ev.Device.ID); err != nil {
					logger.WithError(err).WithField("device", ev.Device.Name).Error("Failed to start streaming")
				}
			}
		}
	}

	if err := m.Close(); err != nil {
		logger.WithError(err).Warn("Error releasing devices")
	}
	closeCtx, closeCancel := context.WithTimeout(context.Background(), closeTimeout)
	defer closeCancel()
	if err := client.Close(closeCtx); err != nil {
		logger.WithError(err).Warn("Bridge did not flush before exit")
	}
	logger.WithField("sent", client.Sent()).Info("Stream session ended")
	return nil
}

func newCentral(cfg *config.Config, simulate int, logger *logrus.Logger) (device.Central, error) {
	if simulate == 0 {
		central, err := goble.NewCentral(cfg.ConnectTimeout, logger)
		if err != nil {
			return nil, err
		}
		return central, nil
	}
	peripherals := make([]*sim.Peripheral, simulate)
	for i := range peripherals {
		name := fmt.Sprintf("Muse-SIM%d", i+1)
		addr := fmt.Sprintf("00:55:da:b0:00:%02x", i+1)
		peripherals[i] = sim.NewPeripheral(name, addr)
	}
	return sim.NewCentral(logger, peripherals...), nil
}
