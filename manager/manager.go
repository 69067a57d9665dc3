package manager

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/musebridge/bridge"
	"github.com/srg/musebridge/internal/device"
	"github.com/srg/musebridge/internal/groutine"
	"github.com/srg/musebridge/internal/muse"
	"github.com/srg/musebridge/internal/ringchan"
	"github.com/srg/musebridge/internal/timestamp"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultEventBuffer    = 256
)

// Publisher receives stream lifecycle messages and chunks. bridge.Client
// implements it.
type Publisher interface {
	ActivateHost() error
	DeactivateHost()
	Enqueue(msg bridge.Message) error
}

// Config wires a Manager.
type Config struct {
	Central     device.Central
	Publisher   Publisher
	Reconnector Reconnector // nil = PollReconnector with DefaultPollInterval

	EnumerationWindow time.Duration
	ConnectTimeout    time.Duration

	Primary       timestamp.Format // nil = unix milliseconds
	Secondary     timestamp.Format // nil = none
	ChannelFormat bridge.SampleFormat
	BufferLength  int // seconds; 0 = muse.BufferLength

	StreamFirst bool
	AutoStream  []string // addresses or names to stream once online

	Logger *logrus.Logger
}

// Manager is the device registry and streaming state machine.
//
// Lock order: mu (registry) before managedDevice.mu; hostMu and fmtMu are
// leaves and may be taken while holding a device lock.
type Manager struct {
	central     device.Central
	publisher   Publisher
	reconnector Reconnector
	connectTout time.Duration
	logger      *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	registry *orderedmap.OrderedMap[string, *managedDevice]
	closed   bool

	fmtMu        sync.RWMutex
	primary      timestamp.Format
	secondary    timestamp.Format
	format       bridge.SampleFormat
	bufferLength int

	hostMu     sync.Mutex
	hostActive bool
	streaming  atomic.Int32 // devices streaming or starting

	reconnectOnce sync.Once
	watcher       *watcher
	auto          *autoStream
	events        *ringchan.RingChannel[DeviceEvent]
	wg            sync.WaitGroup
}

// New creates a manager. Discovery starts with FindDevices.
func New(cfg Config) (*Manager, error) {
	if cfg.Central == nil {
		return nil, errors.New("manager needs a BLE central")
	}
	if cfg.Publisher == nil {
		return nil, errors.New("manager needs a publisher")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
	}

	format := cfg.ChannelFormat
	if format == "" {
		format = bridge.Float32
	}
	if _, err := bridge.ParseSampleFormat(string(format)); err != nil {
		return nil, err
	}
	primary := cfg.Primary
	if primary == nil {
		primary = timestamp.NewUnixMillis(nil)
	}
	if primary.Kind() == timestamp.None {
		return nil, errors.New("primary timestamp format cannot be none")
	}
	secondary := cfg.Secondary
	if secondary == nil {
		secondary = timestamp.NewNone()
	}
	bufferLength := cfg.BufferLength
	if bufferLength <= 0 {
		bufferLength = muse.BufferLength
	}
	reconnector := cfg.Reconnector
	if reconnector == nil {
		reconnector = PollReconnector{Interval: DefaultPollInterval}
	}
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		central:      cfg.Central,
		publisher:    cfg.Publisher,
		reconnector:  reconnector,
		connectTout:  connectTimeout,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		registry:     orderedmap.New[string, *managedDevice](),
		primary:      primary,
		secondary:    secondary,
		format:       format,
		bufferLength: bufferLength,
		auto:         newAutoStream(),
		events:       ringchan.New[DeviceEvent](DefaultEventBuffer),
	}
	m.watcher = newWatcher(cfg.Central, cfg.EnumerationWindow, logger)
	m.watcher.onAdvert = m.handleAdvertisement
	m.watcher.onEnumerated = m.startReconnector

	m.auto.setStreamFirst(cfg.StreamFirst)
	m.auto.add(cfg.AutoStream...)
	return m, nil
}

// Events delivers registry changes. Old events are dropped when the reader lags.
func (m *Manager) Events() <-chan DeviceEvent {
	return m.events.C()
}

func (m *Manager) emit(t EventType, info DeviceInfo) {
	m.events.Send(DeviceEvent{Type: t, Device: info})
}

// WatcherState exposes the discovery lifecycle.
func (m *Manager) WatcherState() WatcherState {
	return m.watcher.State()
}

// ----------------------------
// Settings
// ----------------------------

// SetTimestampFormats selects the clocks used by streams opened from now on.
func (m *Manager) SetTimestampFormats(primary, secondary timestamp.Format) error {
	if primary == nil || primary.Kind() == timestamp.None {
		return errors.New("primary timestamp format is required")
	}
	if secondary == nil {
		secondary = timestamp.NewNone()
	}
	m.fmtMu.Lock()
	defer m.fmtMu.Unlock()
	m.primary, m.secondary = primary, secondary
	return nil
}

// SetChannelFormat selects the sample width declared by streams opened from now on.
func (m *Manager) SetChannelFormat(format bridge.SampleFormat) error {
	f, err := bridge.ParseSampleFormat(string(format))
	if err != nil {
		return err
	}
	m.fmtMu.Lock()
	defer m.fmtMu.Unlock()
	m.format = f
	return nil
}

// SetStreamFirst arms or disarms streaming of the first device to come online.
func (m *Manager) SetStreamFirst(v bool) { m.auto.setStreamFirst(v) }

// AddAutoStream marks devices, by address or name, to stream once online.
func (m *Manager) AddAutoStream(keys ...string) { m.auto.add(keys...) }

// AutoStreamPolicy returns the armed stream-first flag and pending keys.
func (m *Manager) AutoStreamPolicy() (streamFirst bool, pending []string) {
	return m.auto.snapshot()
}

// ----------------------------
// Registry
// ----------------------------

// Devices returns every registered device in registry order.
func (m *Manager) Devices() []DeviceInfo {
	devs := m.snapshot()
	out := make([]DeviceInfo, len(devs))
	for i, d := range devs {
		out[i] = d.info()
	}
	return out
}

// Device returns the device whose id, address or name equals key.
func (m *Manager) Device(key string) (DeviceInfo, error) {
	d, err := m.lookup(key)
	if err != nil {
		return DeviceInfo{}, err
	}
	return d.info(), nil
}

func (m *Manager) snapshot() []*managedDevice {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*managedDevice, 0, m.registry.Len())
	for pair := m.registry.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

func (m *Manager) lookup(key string) (*managedDevice, error) {
	m.mu.RLock()
	if d, ok := m.registry.Get(deviceID(key)); ok {
		m.mu.RUnlock()
		return d, nil
	}
	m.mu.RUnlock()

	for _, d := range m.snapshot() {
		if d.matches(key) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, key)
}

func (m *Manager) isFirst(d *managedDevice) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	oldest := m.registry.Oldest()
	return oldest != nil && oldest.Value == d
}

// ----------------------------
// Discovery
// ----------------------------

// FindDevices starts the discovery watcher. Calling it while discovery runs is a no-op.
func (m *Manager) FindDevices() error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrManagerClosed
	}
	m.watcher.Start(m.ctx)
	return nil
}

// ForceRefresh forgets every device that is not streaming and restarts
// discovery. Streaming devices are left untouched.
func (m *Manager) ForceRefresh() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	var removed []*managedDevice
	for pair := m.registry.Oldest(); pair != nil; {
		next := pair.Next()
		if !pair.Value.isStreaming() {
			removed = append(removed, pair.Value)
			m.registry.Delete(pair.Key)
		}
		pair = next
	}
	m.mu.Unlock()

	for _, d := range removed {
		d.mu.Lock()
		link := d.link
		d.link = nil
		d.status = device.Offline
		info := d.infoLocked()
		d.mu.Unlock()
		if link != nil {
			link.SetStatusHandler(nil)
			if err := link.Close(); err != nil {
				m.logger.WithError(err).WithField("device", info.Name).Warn("Error closing link")
			}
		}
		m.emit(EventRemoved, info)
	}
	m.logger.WithField("removed", len(removed)).Info("Refreshing device list")

	m.watcher.Stop()
	m.watcher.Start(m.ctx)
	return nil
}

func (m *Manager) handleAdvertisement(adv device.Advertisement) {
	variant, ok := muse.MatchVariant(adv.LocalName())
	if !ok {
		if !slices.Contains(adv.Services(), device.NormalizeUUID(muse.ServiceUUID)) {
			return
		}
		variant = muse.KnownVariants[0]
	}
	id := deviceID(adv.Addr())
	if id == "" {
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	d, existing := m.registry.Get(id)
	if !existing {
		d = newManagedDevice(adv, variant)
		m.registry.Set(id, d)
	}
	m.mu.Unlock()

	if existing {
		d.mu.Lock()
		changed := d.rssi != adv.RSSI() || (adv.LocalName() != "" && d.name != adv.LocalName())
		d.rssi = adv.RSSI()
		if adv.LocalName() != "" {
			d.name = adv.LocalName()
		}
		info := d.infoLocked()
		needsLink := d.link == nil
		d.mu.Unlock()
		if changed {
			m.emit(EventUpdated, info)
		}
		if needsLink {
			m.connectAsync(d)
		}
		return
	}

	info := d.info()
	m.logger.WithFields(logrus.Fields{
		"device":  info.Name,
		"address": info.Address,
		"variant": info.Variant,
		"rssi":    info.RSSI,
	}).Info("Discovered new device")
	m.emit(EventAdded, info)
	m.connectAsync(d)
}

// ----------------------------
// Connection lifecycle
// ----------------------------

func (m *Manager) connectAsync(d *managedDevice) {
	if !d.connecting.CompareAndSwap(false, true) {
		return
	}
	started := m.spawn("connect-"+d.id, func(ctx context.Context) {
		defer d.connecting.Store(false)
		m.connect(ctx, d)
	})
	if !started {
		d.connecting.Store(false)
	}
}

// spawn runs fn on a tracked goroutine unless the manager is closed. The
// wg.Add happens under mu so Close never waits concurrently with it.
func (m *Manager) spawn(name string, fn func(ctx context.Context)) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false
	}
	m.wg.Add(1)
	groutine.GoSafe(m.ctx, name, m.logger, func(ctx context.Context) {
		defer m.wg.Done()
		fn(ctx)
	})
	return true
}

func (m *Manager) connect(ctx context.Context, d *managedDevice) {
	ctx, cancel := context.WithTimeout(ctx, m.connectTout)
	defer cancel()

	logger := m.logger.WithFields(logrus.Fields{"device": d.info().Name, "address": d.address})
	link, err := m.central.Connect(ctx, d.address)
	if err != nil {
		logger.WithError(err).Warn("Failed to connect")
		return
	}
	if err := m.pair(ctx, link); err != nil {
		logger.WithError(err).Warn("Pairing failed")
	}

	m.mu.RLock()
	current, registered := m.registry.Get(d.id)
	closed := m.closed
	m.mu.RUnlock()
	if closed || !registered || current != d {
		_ = link.Close()
		return
	}

	d.mu.Lock()
	if d.link != nil {
		d.mu.Unlock()
		_ = link.Close()
		return
	}
	d.link = link
	d.mu.Unlock()

	link.SetStatusHandler(func(st device.ConnectionStatus) { m.onStatus(d, link, st) })
	logger.Debug("Link established")
	m.onStatus(d, link, device.Online)
}

func (m *Manager) pair(ctx context.Context, link device.Link) error {
	p, ok := link.(device.Pairer)
	if !ok || p.IsPaired() {
		return nil
	}
	return p.Pair(ctx)
}

// onStatus handles the connectivity-changed signal of one link.
func (m *Manager) onStatus(d *managedDevice, link device.Link, st device.ConnectionStatus) {
	d.mu.Lock()
	if d.link != link || d.status == st {
		d.mu.Unlock()
		return
	}
	d.status = st
	stopped := false
	if st == device.Offline && d.streaming {
		m.stopLocked(d, false)
		stopped = true
	}
	info := d.infoLocked()
	d.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"device":  info.Name,
		"address": info.Address,
		"status":  st,
	}).Info("Device connectivity changed")
	if stopped {
		m.emit(EventStreamingStopped, info)
		m.deactivateIfIdle()
	}

	if st == device.Offline {
		m.emit(EventOffline, info)
		return
	}
	m.emit(EventOnline, info)

	if m.auto.claim(info.Address, info.Name, m.isFirst(d)) {
		m.logger.WithField("device", info.Name).Info("Auto-streaming device")
		m.spawn("autostream-"+d.id, func(context.Context) {
			if err := m.StartStreaming(d.id); err != nil {
				m.logger.WithError(err).WithField("device", info.Name).Error("Auto-stream failed")
			}
		})
	}
}

func (m *Manager) startReconnector() {
	m.reconnectOnce.Do(func() {
		m.spawn("reconnector", func(ctx context.Context) {
			m.reconnector.Run(ctx, m.nudge)
		})
	})
}

// nudge probes every offline device, and connects those without a link.
func (m *Manager) nudge(ctx context.Context) {
	for _, d := range m.snapshot() {
		d.mu.Lock()
		link, online := d.link, d.status == device.Online
		d.mu.Unlock()
		if online {
			continue
		}
		if link == nil {
			m.connectAsync(d)
			continue
		}
		if err := link.Probe(ctx); err != nil {
			entry := m.logger.WithError(err).WithField("address", d.address)
			if device.IsConnectionState(err, device.NotConnected) {
				entry.Debug("Reconnect probe failed")
			} else {
				entry.Warn("Reconnect probe failed")
			}
			continue
		}
		if link.IsConnected() {
			m.onStatus(d, link, device.Online)
		}
	}
}

// ResolveAutoStreamAll applies the auto-stream policy to devices that are
// already online, in registry order.
func (m *Manager) ResolveAutoStreamAll() error {
	var errs []error
	for i, d := range m.snapshot() {
		info := d.info()
		if info.Status != device.Online || info.Streaming {
			continue
		}
		if !m.auto.claim(info.Address, info.Name, i == 0) {
			continue
		}
		if err := m.StartStreaming(info.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close stops every stream and discovery, then releases all links.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.StopStreamingAll()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.watcher.Halt(ctx); err != nil {
		m.logger.WithError(err).Warn("Discovery did not stop in time")
	}
	m.cancel()
	m.wg.Wait()

	var errs []error
	for _, d := range m.snapshot() {
		d.mu.Lock()
		link := d.link
		d.link = nil
		d.status = device.Offline
		d.mu.Unlock()
		if link == nil {
			continue
		}
		link.SetStatusHandler(nil)
		if err := link.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", d.address, err))
		}
	}
	m.events.Close()
	return errors.Join(errs...)
}
