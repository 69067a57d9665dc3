package manager

import (
	"context"
	"time"
)

// DefaultPollInterval is the reconnect probe period.
const DefaultPollInterval = 3 * time.Second

// Reconnector decides when offline devices are nudged back online.
// Run blocks until ctx is done.
type Reconnector interface {
	Run(ctx context.Context, nudge func(ctx context.Context))
}

// PollReconnector nudges on a fixed interval. Each nudge issues a harmless
// service query against the dropped links, which makes stacks with a lazy
// auto-connect re-establish them.
type PollReconnector struct {
	Interval time.Duration
}

func (p PollReconnector) Run(ctx context.Context, nudge func(ctx context.Context)) {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			nudge(ctx)
		}
	}
}

// NativeReconnector never nudges. Use it on platforms that report
// reconnection through the link status handler by themselves.
type NativeReconnector struct{}

func (NativeReconnector) Run(ctx context.Context, _ func(ctx context.Context)) {
	<-ctx.Done()
}
