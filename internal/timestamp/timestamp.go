// Package timestamp provides the wall-clock formats used to anchor chunks.
package timestamp

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Kind identifies a timestamp format.
type Kind string

const (
	// None disables a timestamp slot. Only valid for the secondary format.
	None Kind = "none"

	// UnixMillis is wall-clock milliseconds since the Unix epoch.
	UnixMillis Kind = "unix"

	// SinkClock is the sink's native clock. The producer cannot read it, so it
	// emits Unset and the sink host fills in its own clock.
	SinkClock Kind = "sink"
)

// Unset marks a timestamp array the sink host must synthesize.
var Unset = math.Inf(-1)

// IsUnset reports whether v is the Unset sentinel.
func IsUnset(v float64) bool {
	return math.IsInf(v, -1)
}

// Format samples an anchor and back-dates samples from it.
type Format interface {
	Kind() Kind
	Now() float64
	// Backdate moves anchor ms milliseconds into the past, in the format's unit.
	Backdate(anchor, ms float64) float64
}

// Clock is swapped in tests.
type Clock func() time.Time

type unixFormat struct {
	clock Clock
}

// NewUnixMillis returns a UnixMillis format reading the given clock (nil = time.Now).
func NewUnixMillis(clock Clock) Format {
	if clock == nil {
		clock = time.Now
	}
	return unixFormat{clock: clock}
}

func (f unixFormat) Kind() Kind { return UnixMillis }

func (f unixFormat) Now() float64 {
	return float64(f.clock().UnixNano()) / float64(time.Millisecond)
}

func (f unixFormat) Backdate(anchor, ms float64) float64 {
	return anchor - ms
}

type unsetFormat struct {
	kind Kind
}

func (f unsetFormat) Kind() Kind { return f.kind }
func (f unsetFormat) Now() float64 { return Unset }
func (f unsetFormat) Backdate(anchor, _ float64) float64 { return anchor }

// NewSinkClock returns the SinkClock format.
func NewSinkClock() Format { return unsetFormat{kind: SinkClock} }

// NewNone returns the disabled format.
func NewNone() Format { return unsetFormat{kind: None} }

// Parse resolves a configured kind name.
func Parse(kind string) (Format, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(kind))) {
	case UnixMillis:
		return NewUnixMillis(nil), nil
	case SinkClock:
		return NewSinkClock(), nil
	case None, "":
		return NewNone(), nil
	default:
		return nil, fmt.Errorf("unknown timestamp format %q (must be unix, sink or none)", kind)
	}
}

// Enabled reports whether f produces a timestamp slot.
func Enabled(f Format) bool {
	return f != nil && f.Kind() != None
}

// ----------------------------
// 4-byte secondary timestamps
// ----------------------------

// SplitBase is the divisor that keeps both halves within float32 precision.
const SplitBase = 1e6

// Split divides ts into a base and remainder that each fit a float32.
func Split(ts float64) (base, remainder float64) {
	base = math.Floor(ts / SplitBase)
	return base, ts - base*SplitBase
}

// Join reverses Split.
func Join(base, remainder float64) float64 {
	return base*SplitBase + remainder
}
