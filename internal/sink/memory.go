package sink

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
)

// DefaultMemoryChunks bounds a MemoryOutlet whose Desc does not size it.
const DefaultMemoryChunks = 1024

// Chunk is one pushed chunk as stored by a MemoryOutlet. Rows are widened to float64.
type Chunk struct {
	Rows       [][]float64
	Timestamps []float64
}

// MemorySink keeps the most recent chunks of every stream in an overlapped
// ring sized from the stream's buffer length.
type MemorySink struct {
	clock   func() float64
	logger  *logrus.Logger
	outlets *hashmap.Map[string, *MemoryOutlet]
}

// NewMemorySink creates a sink using the monotonic clock.
func NewMemorySink(logger *logrus.Logger) *MemorySink {
	if logger == nil {
		logger = logrus.New()
	}
	return &MemorySink{
		clock:   MonotonicClock(),
		logger:  logger,
		outlets: hashmap.New[string, *MemoryOutlet](),
	}
}

// SetClock replaces the sink-native clock.
func (s *MemorySink) SetClock(clock func() float64) { s.clock = clock }

func (s *MemorySink) LocalClock() float64 { return s.clock() }

func (s *MemorySink) Open(desc Desc) (Outlet, error) {
	if desc.Name == "" || desc.ChannelCount <= 0 {
		return nil, fmt.Errorf("invalid stream description %q with %d channels", desc.Name, desc.ChannelCount)
	}

	capacity := uint32(DefaultMemoryChunks)
	if desc.BufferLength > 0 && desc.SampleRate > 0 && desc.ChunkSize > 0 {
		n := math.Ceil(float64(desc.BufferLength) * desc.SampleRate / float64(desc.ChunkSize))
		capacity = uint32(math.Min(n, math.MaxUint32/2))
	}

	o := &MemoryOutlet{
		desc:   desc,
		buffer: mpmc.NewOverlappedRingBuffer[Chunk](capacity),
		logger: s.logger,
	}
	s.outlets.Set(desc.Name, o)
	s.logger.WithFields(logrus.Fields{
		"stream":   desc.Name,
		"channels": desc.ChannelCount,
		"capacity": capacity,
	}).Debug("Opened memory outlet")
	return o, nil
}

// Outlet returns the most recently opened outlet of that name.
func (s *MemorySink) Outlet(name string) (*MemoryOutlet, bool) {
	return s.outlets.Get(name)
}

// MemoryOutlet is an Outlet backed by an overlapped ring buffer: once full,
// each push overwrites the oldest chunk.
type MemoryOutlet struct {
	desc   Desc
	buffer mpmc.RichOverlappedRingBuffer[Chunk]
	logger *logrus.Logger

	mu          sync.Mutex // serializes drains
	closed      atomic.Bool
	pushed      atomic.Int64
	overwritten atomic.Int64
}

func (o *MemoryOutlet) Desc() Desc { return o.desc }

func (o *MemoryOutlet) PushFloat32(rows [][]float32, timestamps []float64) error {
	wide := make([][]float64, len(rows))
	for i, r := range rows {
		wide[i] = make([]float64, len(r))
		for j, v := range r {
			wide[i][j] = float64(v)
		}
	}
	return o.push(wide, timestamps)
}

func (o *MemoryOutlet) PushFloat64(rows [][]float64, timestamps []float64) error {
	cp := make([][]float64, len(rows))
	for i, r := range rows {
		cp[i] = append([]float64(nil), r...)
	}
	return o.push(cp, timestamps)
}

func (o *MemoryOutlet) push(rows [][]float64, timestamps []float64) error {
	if o.closed.Load() {
		return ErrOutletClosed
	}
	if len(rows) != len(timestamps) {
		return fmt.Errorf("%d rows with %d timestamps", len(rows), len(timestamps))
	}
	for i, r := range rows {
		if len(r) != o.desc.ChannelCount {
			return fmt.Errorf("row %d has %d channels, stream %q declares %d", i, len(r), o.desc.Name, o.desc.ChannelCount)
		}
	}

	overwrites, err := o.buffer.EnqueueM(Chunk{Rows: rows, Timestamps: append([]float64(nil), timestamps...)})
	if err != nil {
		return fmt.Errorf("unexpected buffer enqueue error: %w", err)
	}
	o.pushed.Add(1)
	if overwrites > 0 {
		o.overwritten.Add(int64(overwrites))
	}
	return nil
}

// Drain removes and returns every buffered chunk, oldest first.
func (o *MemoryOutlet) Drain() []Chunk {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []Chunk
	for !o.buffer.IsEmpty() {
		c, err := o.buffer.Dequeue()
		if err != nil {
			break
		}
		out = append(out, c)
	}
	return out
}

// Pushed counts accepted chunks; Overwritten counts chunks lost to the ring.
func (o *MemoryOutlet) Pushed() int64      { return o.pushed.Load() }
func (o *MemoryOutlet) Overwritten() int64 { return o.overwritten.Load() }
func (o *MemoryOutlet) Closed() bool       { return o.closed.Load() }

func (o *MemoryOutlet) Close() error {
	if o.closed.CompareAndSwap(false, true) {
		o.logger.WithField("stream", o.desc.Name).Debug("Closed memory outlet")
	}
	return nil
}
