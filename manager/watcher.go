package manager

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/musebridge/internal/device"
	"github.com/srg/musebridge/internal/groutine"
)

// DefaultEnumerationWindow is how long a fresh scan runs before the initial
// enumeration counts as complete.
const DefaultEnumerationWindow = 5 * time.Second

// WatcherState is the discovery watcher lifecycle.
type WatcherState int

const (
	WatcherStopped WatcherState = iota
	WatcherStarted
	WatcherEnumerationCompleted
	WatcherStopping
)

func (s WatcherState) String() string {
	switch s {
	case WatcherStarted:
		return "started"
	case WatcherEnumerationCompleted:
		return "enumeration completed"
	case WatcherStopping:
		return "stopping"
	}
	return "stopped"
}

// watcher runs one continuous scan at a time. Advertisements keep flowing
// after the enumeration window so late devices are still picked up.
type watcher struct {
	central      device.Central
	window       time.Duration
	onAdvert     func(device.Advertisement)
	onEnumerated func()
	logger       *logrus.Logger

	mu      sync.Mutex
	parent  context.Context
	state   WatcherState
	restart bool
	cancel  context.CancelFunc
	done    chan struct{}
	runs    int
	halted  bool
	loops   sync.WaitGroup
}

func newWatcher(central device.Central, window time.Duration, logger *logrus.Logger) *watcher {
	if window <= 0 {
		window = DefaultEnumerationWindow
	}
	return &watcher{
		central:      central,
		window:       window,
		onAdvert:     func(device.Advertisement) {},
		onEnumerated: func() {},
		logger:       logger,
	}
}

// State returns the current lifecycle state.
func (w *watcher) State() WatcherState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Runs counts started scans.
func (w *watcher) Runs() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.runs
}

// Start begins scanning. A running watcher is left alone; a stopping one is
// restarted as soon as its scan has wound down.
func (w *watcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.halted {
		return
	}
	switch w.state {
	case WatcherStarted, WatcherEnumerationCompleted:
		return
	case WatcherStopping:
		w.restart = true
		w.logger.Debug("Discovery restart requested while stopping")
		return
	}
	w.startLocked(ctx)
}

func (w *watcher) startLocked(ctx context.Context) {
	scanCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	w.parent = ctx
	w.state = WatcherStarted
	w.cancel = cancel
	w.done = done
	w.runs++
	w.logger.WithField("window", w.window).Info("Starting device discovery")

	w.loops.Add(2)
	groutine.GoSafe(scanCtx, "discovery-enumeration", w.logger, func(ctx context.Context) {
		defer w.loops.Done()
		select {
		case <-ctx.Done():
		case <-time.After(w.window):
			w.mu.Lock()
			completed := w.state == WatcherStarted && w.done == done
			if completed {
				w.state = WatcherEnumerationCompleted
			}
			w.mu.Unlock()
			if completed {
				w.logger.Info("Device enumeration completed")
				w.onEnumerated()
			}
		}
	})

	groutine.GoSafe(scanCtx, "discovery-scan", w.logger, func(ctx context.Context) {
		defer w.loops.Done()
		defer close(done)
		err := w.central.Scan(ctx, w.onAdvert)
		if err != nil {
			w.logger.WithError(err).Error("Device discovery failed")
		}
		w.finished(done)
	})
}

// finished moves a wound-down scan to Stopped, restarting when asked to.
func (w *watcher) finished(done chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done != done {
		return
	}
	w.cancel()
	w.state = WatcherStopped
	w.logger.Debug("Device discovery stopped")

	if w.restart && !w.halted {
		w.restart = false
		w.startLocked(w.parent)
	}
}

// Stop requests the scan to end. It does not wait; use Wait for that.
func (w *watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != WatcherStarted && w.state != WatcherEnumerationCompleted {
		return
	}
	w.state = WatcherStopping
	w.cancel()
}

// Halt stops the watcher for good, then waits for the scan and the
// enumeration timer to end or ctx to expire. A halted watcher never starts again.
func (w *watcher) Halt(ctx context.Context) error {
	w.mu.Lock()
	w.restart = false
	w.halted = true
	w.mu.Unlock()
	w.Stop()
	if err := w.Wait(ctx); err != nil {
		return err
	}

	loops := make(chan struct{})
	go func() {
		w.loops.Wait()
		close(loops)
	}()
	select {
	case <-loops:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until no scan is running.
func (w *watcher) Wait(ctx context.Context) error {
	for {
		w.mu.Lock()
		state, done := w.state, w.done
		w.mu.Unlock()
		if state == WatcherStopped || done == nil {
			return nil
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
