// Package sink is the contract between the bridge host and the time-series
// streaming library it feeds, with two implementations: an in-memory ring
// (MemorySink) and a CSV recorder (CSVSink).
package sink

import (
	"errors"
	"time"
)

var ErrOutletClosed = errors.New("outlet is closed")

// Desc declares a stream to the sink. ChannelCount includes any timestamp
// channels appended by the host.
type Desc struct {
	Name         string
	Type         string
	SourceID     string
	Labels       []string
	Units        []string
	ChannelCount int
	ChunkSize    int
	BufferLength int // seconds
	SampleRate   float64
	Format       string // "float32" or "float64"
}

// Sink opens outlets.
type Sink interface {
	Open(desc Desc) (Outlet, error)

	// LocalClock is the sink-native clock in seconds.
	LocalClock() float64
}

// Outlet receives chunks of one stream. rows is [sample][channel]; timestamps
// has one entry per row, in sink-native seconds.
type Outlet interface {
	PushFloat32(rows [][]float32, timestamps []float64) error
	PushFloat64(rows [][]float64, timestamps []float64) error
	Close() error
}

// MonotonicClock returns seconds elapsed since the first call of the returned
// function's creation, backed by the monotonic reading of time.Now.
func MonotonicClock() func() float64 {
	start := time.Now()
	return func() float64 {
		return time.Since(start).Seconds()
	}
}
