package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/musebridge/bridge"
	"github.com/srg/musebridge/internal/groutine"
	"github.com/srg/musebridge/internal/sink"
)

const (
	listenRetryInterval = 100 * time.Millisecond
	statsInterval       = 5 * time.Second
)

type hostOptions struct {
	socket     string
	record     string
	inactivity time.Duration
	stats      time.Duration
}

func newHostCmd() *cobra.Command {
	opts := &hostOptions{}
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Run the sink host that receives streams over the bridge socket",
		Long: `Run the sink host. It owns one outlet per open stream and terminates on
CloseBridge or when no message arrives within the inactivity timeout.

The stream command launches it on demand; run it by hand together with
"stream --no-launch" to keep it in the foreground.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHost(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.socket, "socket", "", "Bridge socket path (default from config)")
	f.StringVar(&opts.record, "record", "", "Record every stream as CSV into this directory")
	f.DurationVar(&opts.inactivity, "inactivity-timeout", 0, "Terminate after this long without messages (default from config)")
	f.DurationVar(&opts.stats, "stats-interval", statsInterval, "How often to log stream rates (0 disables)")
	return cmd
}

func runHost(cmd *cobra.Command, opts *hostOptions) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if opts.socket != "" {
		cfg.SocketPath = opts.socket
	}
	if opts.inactivity > 0 {
		cfg.HostInactivityTimeout = opts.inactivity
	}
	cmd.SilenceUsage = true

	var s sink.Sink
	if opts.record != "" {
		csvSink, err := sink.NewCSVSink(opts.record, logger)
		if err != nil {
			return err
		}
		s = csvSink
	} else {
		s = sink.NewMemorySink(logger)
	}

	host, err := bridge.NewHost(bridge.HostConfig{
		Sink:              s,
		InactivityTimeout: cfg.HostInactivityTimeout,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ln, err := listen(ctx, cfg.SocketPath, cfg.HostInactivityTimeout, logger)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer os.Remove(cfg.SocketPath)

	logger.WithFields(logrus.Fields{
		"socket":     cfg.SocketPath,
		"inactivity": cfg.HostInactivityTimeout,
		"record":     opts.record,
	}).Info("Bridge host listening")

	if opts.stats > 0 {
		groutine.GoSafe(ctx, "bridge-host-stats", logger, func(ctx context.Context) {
			logStats(ctx, host, opts.stats, logger)
		})
	}

	// Interrupts and deadlines are a normal shutdown.
	err = host.Serve(ctx, ln)
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		err = nil
	}
	logger.WithField("reason", host.Reason()).Info("Bridge host exited")
	return err
}

// listen retries while a previous host still owns the socket; it shuts
// down on its own within one inactivity window.
func listen(ctx context.Context, path string, patience time.Duration, logger *logrus.Logger) (net.Listener, error) {
	deadline := time.Now().Add(patience)
	for {
		ln, err := bridge.Listen(path)
		if err == nil {
			return ln, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("failed to listen on %s: %w", path, err)
		}
		logger.WithError(err).Debug("Socket busy, retrying")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(listenRetryInterval):
		}
	}
}

func logStats(ctx context.Context, host *bridge.Host, every time.Duration, logger *logrus.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-host.Done():
			return
		case <-ticker.C:
		}
		for _, st := range host.Streams() {
			logger.WithFields(logrus.Fields{
				"stream":   st.Name,
				"channels": st.Channels,
				"format":   st.Format,
				"chunks":   st.Chunks,
				"rate":     fmt.Sprintf("%.1f Hz", st.Rate),
			}).Info("Stream stats")
		}
	}
}
