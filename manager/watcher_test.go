package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/musebridge/internal/device"
	"github.com/srg/musebridge/internal/testutils"
)

// slowCentral keeps its scan alive after cancellation until released.
type slowCentral struct {
	device.Central
	mu      sync.Mutex
	release chan struct{}
	scans   atomic.Int32
}

func (c *slowCentral) Scan(ctx context.Context, _ func(device.Advertisement)) error {
	c.scans.Add(1)
	<-ctx.Done()
	c.mu.Lock()
	release := c.release
	c.mu.Unlock()
	if release != nil {
		<-release
	}
	return nil
}

func TestWatcherLifecycle(t *testing.T) {
	helper := testutils.NewTestHelper(t)
	central := &slowCentral{}
	w := newWatcher(central, 20*time.Millisecond, helper.Logger)

	var enumerated atomic.Int32
	w.onEnumerated = func() { enumerated.Add(1) }

	assert.Equal(t, WatcherStopped, w.State())
	w.Start(context.Background())
	assert.Equal(t, WatcherStarted, w.State())

	require.True(t, testutils.Eventually(func() bool {
		return w.State() == WatcherEnumerationCompleted
	}, time.Second))
	assert.EqualValues(t, 1, enumerated.Load())

	w.Start(context.Background())
	assert.Equal(t, 1, w.Runs(), "start while running is a no-op")

	require.NoError(t, w.Halt(context.Background()))
	assert.Equal(t, WatcherStopped, w.State())
	assert.EqualValues(t, 1, central.scans.Load())
}

func TestWatcherRestartsWhenStartedWhileStopping(t *testing.T) {
	helper := testutils.NewTestHelper(t)
	central := &slowCentral{release: make(chan struct{})}
	w := newWatcher(central, time.Hour, helper.Logger)

	w.Start(context.Background())
	w.Stop()
	assert.Equal(t, WatcherStopping, w.State())

	w.Start(context.Background())
	assert.Equal(t, WatcherStopping, w.State(), "restart waits for the old scan")

	central.mu.Lock()
	close(central.release)
	central.release = nil
	central.mu.Unlock()

	require.True(t, testutils.Eventually(func() bool {
		return w.State() == WatcherStarted && central.scans.Load() == 2
	}, time.Second))
	assert.Equal(t, 2, w.Runs())

	require.NoError(t, w.Halt(context.Background()))
	assert.Equal(t, WatcherStopped, w.State())
}

func TestWatcherHaltCancelsPendingRestart(t *testing.T) {
	helper := testutils.NewTestHelper(t)
	central := &slowCentral{release: make(chan struct{})}
	w := newWatcher(central, time.Hour, helper.Logger)

	w.Start(context.Background())
	w.Stop()
	w.Start(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		central.mu.Lock()
		close(central.release)
		central.release = nil
		central.mu.Unlock()
	}()

	require.NoError(t, w.Halt(context.Background()))
	assert.Equal(t, WatcherStopped, w.State())
	assert.EqualValues(t, 1, central.scans.Load())
}

func TestWatcherHaltWaitsForEnumerationCallback(t *testing.T) {
	helper := testutils.NewTestHelper(t)
	w := newWatcher(&slowCentral{}, 5*time.Millisecond, helper.Logger)

	var returned atomic.Bool
	w.onEnumerated = func() {
		time.Sleep(30 * time.Millisecond)
		returned.Store(true)
	}

	w.Start(context.Background())
	require.True(t, testutils.Eventually(func() bool {
		return w.State() == WatcherEnumerationCompleted
	}, time.Second))

	require.NoError(t, w.Halt(context.Background()))
	assert.True(t, returned.Load(), "Halt returned while the enumeration callback was running")

	w.Start(context.Background())
	assert.Equal(t, WatcherStopped, w.State(), "a halted watcher stays stopped")
	assert.Equal(t, 1, w.Runs())
}
