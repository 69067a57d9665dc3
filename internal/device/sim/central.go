package sim

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/musebridge/internal/device"
	"github.com/srg/musebridge/internal/groutine"
	"github.com/srg/musebridge/internal/muse"
)

// DefaultAdvertiseInterval is how often each available peripheral re-advertises during a scan.
const DefaultAdvertiseInterval = 500 * time.Millisecond

// Central implements device.Central over a fixed set of simulated peripherals.
type Central struct {
	AdvertiseInterval time.Duration

	logger      *logrus.Logger
	mu          sync.RWMutex
	peripherals []*Peripheral
	scans       int
}

// NewCentral creates a central serving peripherals in the given order.
func NewCentral(logger *logrus.Logger, peripherals ...*Peripheral) *Central {
	if logger == nil {
		logger = logrus.New()
	}
	for _, p := range peripherals {
		p.logger = logger
	}
	return &Central{
		AdvertiseInterval: DefaultAdvertiseInterval,
		logger:            logger,
		peripherals:       peripherals,
	}
}

// Add makes another peripheral visible to subsequent scans.
func (c *Central) Add(p *Peripheral) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p.logger = c.logger
	c.peripherals = append(c.peripherals, p)
}

// Scans counts Scan calls.
func (c *Central) Scans() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.scans
}

func (c *Central) snapshot() []*Peripheral {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Peripheral(nil), c.peripherals...)
}

func (c *Central) Scan(ctx context.Context, handler func(device.Advertisement)) error {
	c.mu.Lock()
	c.scans++
	c.mu.Unlock()

	ticker := time.NewTicker(c.AdvertiseInterval)
	defer ticker.Stop()

	for {
		for _, p := range c.snapshot() {
			p.mu.Lock()
			available := p.available
			p.mu.Unlock()
			if available {
				handler(&advertisement{p: p})
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (c *Central) Connect(ctx context.Context, address string) (device.Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, p := range c.snapshot() {
		if !strings.EqualFold(p.address, address) {
			continue
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		if !p.available {
			return nil, &device.ConnectionError{State: device.NotConnected, Msg: "peripheral out of range"}
		}
		p.connected = true
		l := &link{p: p}
		p.links = append(p.links, l)
		return l, nil
	}
	return nil, &device.NotFoundError{Resource: "device", UUIDs: []string{address}}
}

// ----------------------------
// Advertisement
// ----------------------------

type advertisement struct {
	p *Peripheral
}

func (a *advertisement) LocalName() string  { return a.p.name }
func (a *advertisement) Addr() string       { return a.p.address }
func (a *advertisement) RSSI() int          { return a.p.rssi }
func (a *advertisement) Connectable() bool  { return true }
func (a *advertisement) Services() []string { return []string{device.NormalizeUUID(muse.ServiceUUID)} }

// ----------------------------
// Link
// ----------------------------

type link struct {
	p *Peripheral

	mu       sync.Mutex
	onStatus func(device.ConnectionStatus)
	closed   bool
}

func (l *link) notify(st device.ConnectionStatus) {
	l.mu.Lock()
	h, closed := l.onStatus, l.closed
	l.mu.Unlock()
	if h != nil && !closed {
		h(st)
	}
}

func (l *link) Address() string { return l.p.address }

func (l *link) IsConnected() bool {
	l.p.mu.Lock()
	defer l.p.mu.Unlock()
	return l.p.connected
}

func (l *link) SetStatusHandler(fn func(device.ConnectionStatus)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onStatus = fn
}

func (l *link) Characteristic(service, uuid string) (device.Characteristic, error) {
	if device.NormalizeUUID(service) != device.NormalizeUUID(muse.ServiceUUID) {
		return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{service}}
	}
	u := device.NormalizeUUID(uuid)

	l.p.mu.Lock()
	defer l.p.mu.Unlock()
	if !l.p.hasCharacteristic(u) {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{service, uuid}}
	}
	return &characteristic{p: l.p, uuid: u}, nil
}

// Probe reconnects a dropped link when the peripheral is back in range.
func (l *link) Probe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return device.ErrNotConnected
	}

	l.p.mu.Lock()
	l.p.probes++
	if l.p.connected {
		l.p.mu.Unlock()
		return nil
	}
	if !l.p.available {
		l.p.mu.Unlock()
		return device.ErrNotConnected
	}
	l.p.connected = true
	l.p.mu.Unlock()

	groutine.Go(context.Background(), "sim-reconnect", func(context.Context) {
		l.notify(device.Online)
	})
	return nil
}

func (l *link) IsPaired() bool {
	l.p.mu.Lock()
	defer l.p.mu.Unlock()
	return !l.p.needsPairing || l.p.paired
}

func (l *link) Pair(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.p.mu.Lock()
	defer l.p.mu.Unlock()
	if !l.p.connected {
		return device.ErrNotConnected
	}
	l.p.paired = true
	return nil
}

func (l *link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.p.mu.Lock()
	defer l.p.mu.Unlock()
	for i, other := range l.p.links {
		if other == l {
			l.p.links = append(l.p.links[:i], l.p.links[i+1:]...)
			break
		}
	}
	if len(l.p.links) == 0 {
		l.p.connected = false
		l.p.stopLocked()
		l.p.handlers = make(map[string]func([]byte))
	}
	return nil
}

// ----------------------------
// Characteristic
// ----------------------------

type characteristic struct {
	p    *Peripheral
	uuid string
}

func (c *characteristic) UUID() string { return c.uuid }

func (c *characteristic) Write(data []byte, _ bool) error {
	return c.p.write(c.uuid, data)
}

func (c *characteristic) Subscribe(handler func([]byte)) (device.Subscription, error) {
	release, err := c.p.subscribe(c.uuid, handler)
	if err != nil {
		return nil, err
	}
	return device.ReleaseFunc(release), nil
}

// Interface guards
var (
	_ device.Central = (*Central)(nil)
	_ device.Link    = (*link)(nil)
	_ device.Pairer  = (*link)(nil)
)
