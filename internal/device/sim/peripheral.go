package sim

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/musebridge/internal/device"
	"github.com/srg/musebridge/internal/groutine"
	"github.com/srg/musebridge/internal/muse"
	"github.com/srg/musebridge/internal/packet"
)

// Option configures a Peripheral.
type Option func(*Peripheral)

// WithoutAutoEmit disables the notification generator; use Emit instead.
func WithoutAutoEmit() Option {
	return func(p *Peripheral) { p.autoEmit = false }
}

// WithPairing makes links to the peripheral require Pair before streaming.
func WithPairing() Option {
	return func(p *Peripheral) { p.needsPairing = true }
}

// WithRSSI sets the advertised signal strength.
func WithRSSI(rssi int) Option {
	return func(p *Peripheral) { p.rssi = rssi }
}

// WithWaveform replaces the default generator. fn returns microvolts for a
// channel at time t seconds since streaming started.
func WithWaveform(fn func(channel int, t float64) float64) Option {
	return func(p *Peripheral) { p.waveform = fn }
}

// Peripheral is one simulated headband.
type Peripheral struct {
	name         string
	address      string
	rssi         int
	channels     []string // normalized characteristic UUIDs in channel order
	autoEmit     bool
	needsPairing bool
	waveform     func(channel int, t float64) float64
	logger       *logrus.Logger

	mu           sync.Mutex
	available    bool
	connected    bool
	paired       bool
	streaming    bool
	counter      uint16
	sampleIndex  int
	stopEmitter  chan struct{}
	handlers     map[string]func([]byte)
	missing      map[string]bool
	subscribeErr map[string]error
	writeErr     error
	writes       [][]byte
	probes       int
	links        []*link
}

// NewPeripheral creates an available peripheral. The channel layout comes from
// the name-based variant match; unknown names get the 5-channel Muse layout.
func NewPeripheral(name, address string, opts ...Option) *Peripheral {
	variant, ok := muse.MatchVariant(name)
	if !ok {
		variant = muse.KnownVariants[0]
	}

	p := &Peripheral{
		name:         name,
		address:      address,
		rssi:         -60,
		channels:     device.NormalizeUUIDs(variant.ChannelUUIDs()),
		autoEmit:     true,
		waveform:     defaultWaveform,
		logger:       logrus.New(),
		available:    true,
		handlers:     make(map[string]func([]byte)),
		missing:      make(map[string]bool),
		subscribeErr: make(map[string]error),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// defaultWaveform is a 10 Hz alpha-band sine with a per-channel phase.
func defaultWaveform(channel int, t float64) float64 {
	return 50 * math.Sin(2*math.Pi*10*t+float64(channel)*math.Pi/4)
}

func (p *Peripheral) Name() string    { return p.name }
func (p *Peripheral) Address() string { return p.address }

// ----------------------------
// Test hooks
// ----------------------------

// SetAvailable moves the peripheral in or out of range. Going away drops every
// link and stops the generator; coming back lets Probe reconnect. Unlike
// the Link methods it notifies status handlers synchronously.
func (p *Peripheral) SetAvailable(available bool) {
	p.mu.Lock()
	p.available = available
	var dropped []*link
	if !available && p.connected {
		p.connected = false
		p.stopLocked()
		p.handlers = make(map[string]func([]byte))
		dropped = append(dropped, p.links...)
	}
	p.mu.Unlock()

	for _, l := range dropped {
		l.notify(device.Offline)
	}
}

// RemoveCharacteristic hides a characteristic from lookups.
func (p *Peripheral) RemoveCharacteristic(uuid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.missing[device.NormalizeUUID(uuid)] = true
}

// FailSubscribe makes subscriptions to uuid fail with err (nil clears).
func (p *Peripheral) FailSubscribe(uuid string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribeErr[device.NormalizeUUID(uuid)] = err
}

// FailWrites makes control writes fail with err (nil clears).
func (p *Peripheral) FailWrites(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErr = err
}

// Writes returns a copy of every accepted control write.
func (p *Peripheral) Writes() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.writes))
	for i, w := range p.writes {
		out[i] = append([]byte(nil), w...)
	}
	return out
}

// Streaming reports whether the sensor has been told to notify.
func (p *Peripheral) Streaming() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streaming
}

// Subscribed is the number of channel characteristics with an active subscriber.
func (p *Peripheral) Subscribed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handlers)
}

// Probes counts Probe calls against any link of this peripheral.
func (p *Peripheral) Probes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.probes
}

// Emit delivers one notification on channel index ch, bypassing the generator.
// It returns false when nothing is subscribed to that channel.
func (p *Peripheral) Emit(ch int, ts uint16, raw []uint16) (bool, error) {
	payload, err := packet.EncodeEEG(ts, raw)
	if err != nil {
		return false, err
	}
	return p.EmitRaw(ch, payload), nil
}

// EmitRaw delivers payload as-is on channel index ch.
func (p *Peripheral) EmitRaw(ch int, payload []byte) bool {
	p.mu.Lock()
	if ch < 0 || ch >= len(p.channels) {
		p.mu.Unlock()
		return false
	}
	h := p.handlers[p.channels[ch]]
	p.mu.Unlock()

	if h == nil {
		return false
	}
	h(payload)
	return true
}

// ----------------------------
// GATT behaviour
// ----------------------------

func (p *Peripheral) hasCharacteristic(uuid string) bool {
	if p.missing[uuid] {
		return false
	}
	if uuid == device.NormalizeUUID(muse.ControlCharacteristicUUID) {
		return true
	}
	for _, c := range p.channels {
		if c == uuid {
			return true
		}
	}
	return false
}

func (p *Peripheral) write(uuid string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return device.ErrNotConnected
	}
	if p.writeErr != nil {
		return p.writeErr
	}
	if uuid != device.NormalizeUUID(muse.ControlCharacteristicUUID) {
		return fmt.Errorf("characteristic %s is not writable", uuid)
	}
	p.writes = append(p.writes, append([]byte(nil), data...))

	switch {
	case bytes.Equal(data, muse.CommandStartStreaming):
		if p.needsPairing && !p.paired {
			return fmt.Errorf("insufficient authentication")
		}
		if !p.streaming {
			p.streaming = true
			p.sampleIndex = 0
			if p.autoEmit {
				p.startLocked()
			}
		}
	case bytes.Equal(data, muse.CommandStopStreaming):
		p.stopLocked()
	case bytes.Equal(data, muse.CommandReset):
		p.stopLocked()
		p.connected = false
		p.handlers = make(map[string]func([]byte))
		dropped := append([]*link(nil), p.links...)
		groutine.Go(context.Background(), "sim-reset", func(context.Context) {
			for _, l := range dropped {
				l.notify(device.Offline)
			}
		})
	}
	return nil
}

func (p *Peripheral) subscribe(uuid string, h func([]byte)) (func() error, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return nil, device.ErrNotConnected
	}
	if err := p.subscribeErr[uuid]; err != nil {
		return nil, err
	}
	p.handlers[uuid] = h

	var once sync.Once
	return func() error {
		once.Do(func() {
			p.mu.Lock()
			delete(p.handlers, uuid)
			p.mu.Unlock()
		})
		return nil
	}, nil
}

// startLocked launches the generator. Callers hold p.mu.
func (p *Peripheral) startLocked() {
	stop := make(chan struct{})
	p.stopEmitter = stop
	interval := time.Duration(float64(time.Second) * muse.ChunkSize / muse.SampleRate)

	groutine.GoSafe(context.Background(), "sim-emitter-"+p.address, p.logger, func(context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				p.emitTick()
			}
		}
	})
}

// stopLocked halts the generator. Callers hold p.mu.
func (p *Peripheral) stopLocked() {
	p.streaming = false
	if p.stopEmitter != nil {
		close(p.stopEmitter)
		p.stopEmitter = nil
	}
}

// emitTick sends one packet on every subscribed channel, sharing one counter value.
func (p *Peripheral) emitTick() {
	p.mu.Lock()
	if !p.streaming {
		p.mu.Unlock()
		return
	}
	ts := p.counter
	p.counter++
	start := p.sampleIndex
	p.sampleIndex += muse.ChunkSize
	handlers := make([]func([]byte), len(p.channels))
	for i, c := range p.channels {
		handlers[i] = p.handlers[c]
	}
	p.mu.Unlock()

	for ch, h := range handlers {
		if h == nil {
			continue
		}
		raw := make([]uint16, muse.ChunkSize)
		for i := range raw {
			t := float64(start+i) / muse.SampleRate
			raw[i] = packet.RawEEG(p.waveform(ch, t))
		}
		payload, err := packet.EncodeEEG(ts, raw)
		if err != nil {
			p.logger.WithError(err).Warn("Failed to encode simulated packet")
			continue
		}
		h(payload)
	}
}
