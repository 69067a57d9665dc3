package bridge

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// SampleFormat is the sample data width of a stream.
type SampleFormat string

const (
	Float32 SampleFormat = "float32"
	Float64 SampleFormat = "float64"
)

// ParseSampleFormat accepts "float32" and "float64" (case-insensitive); "" means Float32.
func ParseSampleFormat(s string) (SampleFormat, error) {
	switch SampleFormat(strings.ToLower(strings.TrimSpace(s))) {
	case "", Float32:
		return Float32, nil
	case Float64:
		return Float64, nil
	}
	return "", fmt.Errorf("unknown channel format %q (want float32 or float64)", s)
}

// Width is the size of one sample in bytes.
func (f SampleFormat) Width() int {
	if f == Float64 {
		return 8
	}
	return 4
}

// ChannelInfo describes one channel of a stream.
type ChannelInfo struct {
	Label string `json:"Label"`
	Unit  string `json:"Unit"`
	Type  string `json:"Type"`
}

// StreamInfo is the declared metadata of a stream. ChannelCount counts the
// data channels the producer sends; a host appends timestamp channels on top.
type StreamInfo struct {
	Name               string        `json:"Name"`
	Type               string        `json:"Type"`
	Manufacturer       string        `json:"Manufacturer"`
	DeviceName         string        `json:"DeviceName"`
	SourceID           string        `json:"SourceID"`
	Channels           []ChannelInfo `json:"Channels"`
	ChannelCount       int           `json:"ChannelCount"`
	ChunkSize          int           `json:"ChunkSize"`
	BufferLength       int           `json:"BufferLength"`
	SampleRate         float64       `json:"SampleRate"`
	ChannelFormat      SampleFormat  `json:"ChannelFormat"`
	SecondaryTimestamp bool          `json:"SecondaryTimestamp"`
}

// Validate rejects metadata a sink could not open.
func (s StreamInfo) Validate() error {
	switch {
	case s.Name == "":
		return fmt.Errorf("%w: stream name is empty", ErrMalformedMessage)
	case s.ChannelCount <= 0:
		return fmt.Errorf("%w: stream %q has %d channels", ErrMalformedMessage, s.Name, s.ChannelCount)
	case len(s.Channels) != 0 && len(s.Channels) != s.ChannelCount:
		return fmt.Errorf("%w: stream %q declares %d channels but describes %d", ErrMalformedMessage, s.Name, s.ChannelCount, len(s.Channels))
	case s.ChunkSize <= 0:
		return fmt.Errorf("%w: stream %q has chunk size %d", ErrMalformedMessage, s.Name, s.ChunkSize)
	case s.SampleRate <= 0:
		return fmt.Errorf("%w: stream %q has sample rate %v", ErrMalformedMessage, s.Name, s.SampleRate)
	}
	if _, err := ParseSampleFormat(string(s.ChannelFormat)); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return nil
}

// TimestampChannels is the number of synthetic channels carrying the
// secondary timestamp: none when disabled, one for 8-byte samples, two
// (base and remainder) for 4-byte samples.
func (s StreamInfo) TimestampChannels() int {
	if !s.SecondaryTimestamp {
		return 0
	}
	if s.ChannelFormat == Float64 {
		return 1
	}
	return 2
}

// WithTimestampChannels returns a copy carrying the synthetic timestamp
// channels in both Channels and ChannelCount.
func (s StreamInfo) WithTimestampChannels() StreamInfo {
	out := s
	out.Channels = append([]ChannelInfo(nil), s.Channels...)
	if len(out.Channels) == 0 {
		for i := 0; i < s.ChannelCount; i++ {
			out.Channels = append(out.Channels, ChannelInfo{Label: fmt.Sprintf("ch%d", i)})
		}
	}

	switch s.TimestampChannels() {
	case 1:
		out.Channels = append(out.Channels, ChannelInfo{Label: "Timestamp2", Unit: "ms", Type: "Timestamp"})
	case 2:
		out.Channels = append(out.Channels,
			ChannelInfo{Label: "Timestamp2Base", Unit: "ms", Type: "Timestamp"},
			ChannelInfo{Label: "Timestamp2Remainder", Unit: "ms", Type: "Timestamp"},
		)
	}
	out.ChannelCount = s.ChannelCount + s.TimestampChannels()
	return out
}

// sourceNamespace scopes stream source ids to this application.
var sourceNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/srg/musebridge/source"))

// SourceID derives a stable stream source id from a device address so that
// consumers can re-resolve a stream across reconnects and restarts.
func SourceID(address string) string {
	return uuid.NewSHA1(sourceNamespace, []byte(strings.ToLower(strings.TrimSpace(address)))).String()
}
