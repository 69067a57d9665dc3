// Package assembler groups per-channel EEG notifications that share a
// device-local timestamp into complete multi-channel chunks.
package assembler

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/musebridge/internal/packet"
	"github.com/srg/musebridge/internal/timestamp"
)

// DefaultMaxPending bounds the number of incomplete chunks kept per device.
// The 16-bit device counter wraps, so a key that never completes must not
// linger long enough to be reused.
const DefaultMaxPending = 64

// ErrClosed is returned by Add while the assembler is not accepting data.
var ErrClosed = errors.New("assembler is closed")

// Config describes the channel layout and clocks of one device.
type Config struct {
	Channels   []string // channel identifiers in stream order
	SampleRate float64
	Primary    timestamp.Format
	Secondary  timestamp.Format // nil or None disables secondary timestamps
	MaxPending int              // 0 = DefaultMaxPending
	Logger     *logrus.Logger
}

// Chunk is one complete set of samples across every channel.
type Chunk struct {
	DeviceTimestamp uint16
	Samples         [][]float64 // [channel][sample] in Config.Channels order
	Timestamps      []float64
	Timestamps2     []float64 // nil when the secondary format is disabled
}

// Len is the number of samples per channel.
func (c *Chunk) Len() int {
	if len(c.Samples) == 0 {
		return 0
	}
	return len(c.Samples[0])
}

// Flat returns the samples channel-major: every sample of channel 0, then channel 1, ...
func (c *Chunk) Flat() []float64 {
	out := make([]float64, 0, len(c.Samples)*c.Len())
	for _, ch := range c.Samples {
		out = append(out, ch...)
	}
	return out
}

type pendingChunk struct {
	channels map[string][]float64
	anchor   float64
	anchor2  float64
}

// Assembler holds the pending chunks of one device. All methods are safe for
// concurrent use; channel callbacks may call Add from independent goroutines.
type Assembler struct {
	cfg    Config
	index  map[string]int
	logger *logrus.Logger

	mu      sync.Mutex
	open    bool
	pending *orderedmap.OrderedMap[uint16, *pendingChunk]
}

// New validates cfg and returns a closed assembler.
func New(cfg Config) (*Assembler, error) {
	if len(cfg.Channels) == 0 {
		return nil, fmt.Errorf("assembler needs at least one channel")
	}
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %v", cfg.SampleRate)
	}
	if cfg.Primary == nil {
		return nil, fmt.Errorf("primary timestamp format is required")
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultMaxPending
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
	}

	index := make(map[string]int, len(cfg.Channels))
	for i, ch := range cfg.Channels {
		if _, dup := index[ch]; dup {
			return nil, fmt.Errorf("duplicate channel %q", ch)
		}
		index[ch] = i
	}

	return &Assembler{
		cfg:     cfg,
		index:   index,
		logger:  logger,
		pending: orderedmap.New[uint16, *pendingChunk](),
	}, nil
}

// Open starts accepting notifications with an empty pending set.
func (a *Assembler) Open() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = orderedmap.New[uint16, *pendingChunk]()
	a.open = true
}

// Close stops accepting notifications and discards every pending chunk.
// It returns the number of discarded chunks.
func (a *Assembler) Close() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := a.pending.Len()
	a.pending = orderedmap.New[uint16, *pendingChunk]()
	a.open = false
	return n
}

// IsOpen reports whether Add accepts data.
func (a *Assembler) IsOpen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.open
}

// Pending returns the number of incomplete chunks.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending.Len()
}

// Add decodes one channel notification. It returns the completed chunk once
// every channel has reported for the embedded device timestamp, nil otherwise.
func (a *Assembler) Add(channel string, payload []byte) (*Chunk, error) {
	idx, ok := a.index[channel]
	if !ok {
		return nil, fmt.Errorf("unknown channel %q", channel)
	}

	pkt, err := packet.DecodeEEG(payload)
	if err != nil {
		return nil, fmt.Errorf("channel %d: %w", idx, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.open {
		return nil, ErrClosed
	}

	pc, exists := a.pending.Get(pkt.Timestamp)
	if !exists {
		pc = a.newPending()
		a.pending.Set(pkt.Timestamp, pc)
		a.evictOverflow()
	}
	pc.channels[channel] = pkt.Samples

	if len(pc.channels) < len(a.cfg.Channels) {
		return nil, nil
	}

	a.pending.Delete(pkt.Timestamp)
	return a.complete(pkt.Timestamp, pc), nil
}

func (a *Assembler) newPending() *pendingChunk {
	pc := &pendingChunk{
		channels: make(map[string][]float64, len(a.cfg.Channels)),
		anchor:   a.cfg.Primary.Now(),
	}
	if timestamp.Enabled(a.cfg.Secondary) {
		if a.cfg.Secondary.Kind() == a.cfg.Primary.Kind() {
			pc.anchor2 = pc.anchor
		} else {
			pc.anchor2 = a.cfg.Secondary.Now()
		}
	}
	return pc
}

func (a *Assembler) evictOverflow() {
	for a.pending.Len() > a.cfg.MaxPending {
		oldest := a.pending.Oldest()
		a.pending.Delete(oldest.Key)
		a.logger.WithFields(logrus.Fields{
			"device_timestamp": oldest.Key,
			"channels":         len(oldest.Value.channels),
		}).Warn("Discarding incomplete chunk")
	}
}

func (a *Assembler) complete(key uint16, pc *pendingChunk) *Chunk {
	chunk := &Chunk{
		DeviceTimestamp: key,
		Samples:         make([][]float64, len(a.cfg.Channels)),
	}
	for i, ch := range a.cfg.Channels {
		chunk.Samples[i] = pc.channels[ch]
	}

	n := chunk.Len()
	period := 1000.0 / a.cfg.SampleRate
	chunk.Timestamps = backdate(a.cfg.Primary, pc.anchor, n, period)
	if timestamp.Enabled(a.cfg.Secondary) {
		chunk.Timestamps2 = backdate(a.cfg.Secondary, pc.anchor2, n, period)
	}
	return chunk
}

// backdate spaces n samples one period apart, ending one period before anchor.
func backdate(f timestamp.Format, anchor float64, n int, periodMs float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = f.Backdate(anchor, float64(n-i)*periodMs)
	}
	return out
}
