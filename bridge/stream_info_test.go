package bridge

import (
	"math/rand"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamInfo_TimestampChannels(t *testing.T) {
	tests := []struct {
		format    SampleFormat
		secondary bool
		extra     int
	}{
		{Float32, false, 0},
		{Float64, false, 0},
		{Float64, true, 1},
		{Float32, true, 2},
	}
	for _, tt := range tests {
		t.Run(string(tt.format)+"/"+strconv.FormatBool(tt.secondary), func(t *testing.T) {
			info := museInfo("m", tt.format, tt.secondary)
			eff := info.WithTimestampChannels()
			assert.Equal(t, tt.extra, info.TimestampChannels())
			assert.Equal(t, info.ChannelCount+tt.extra, eff.ChannelCount)
			assert.Len(t, eff.Channels, eff.ChannelCount)
			assert.Len(t, info.Channels, 5, "original is not modified")
		})
	}
}

func TestStreamInfo_Validate(t *testing.T) {
	require.NoError(t, museInfo("ok", Float32, true).Validate())

	broken := []func(*StreamInfo){
		func(s *StreamInfo) { s.Name = "" },
		func(s *StreamInfo) { s.ChannelCount = 0 },
		func(s *StreamInfo) { s.ChannelCount = 4 },
		func(s *StreamInfo) { s.ChunkSize = 0 },
		func(s *StreamInfo) { s.SampleRate = -1 },
		func(s *StreamInfo) { s.ChannelFormat = "int16" },
	}
	for i, mutate := range broken {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			info := museInfo("m", Float32, false)
			mutate(&info)
			assert.ErrorIs(t, info.Validate(), ErrMalformedMessage)
		})
	}
}

func TestParseSampleFormat(t *testing.T) {
	f, err := ParseSampleFormat("")
	require.NoError(t, err)
	assert.Equal(t, Float32, f)

	f, err = ParseSampleFormat("Float64")
	require.NoError(t, err)
	assert.Equal(t, Float64, f)
	assert.Equal(t, 8, f.Width())
	assert.Equal(t, 4, Float32.Width())

	_, err = ParseSampleFormat("double")
	assert.Error(t, err)
}

func TestSourceID_Stable(t *testing.T) {
	a := SourceID("00:55:DA:B0:1E:7F")
	assert.Equal(t, a, SourceID(" 00:55:da:b0:1e:7f "))
	assert.NotEqual(t, a, SourceID("00:55:da:b0:00:42"))
	assert.Len(t, a, 36)
}

func TestReshape_InverseLaw(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 50; trial++ {
		channels := 1 + rng.Intn(8)
		samples := 1 + rng.Intn(24)

		rows := make([][]float64, samples)
		for s := range rows {
			rows[s] = make([]float64, channels)
			for c := range rows[s] {
				rows[s][c] = rng.NormFloat64() * 100
			}
		}

		back, err := Unflatten(Flatten(rows), channels, samples)
		require.NoError(t, err)
		require.Equal(t, rows, back, "trial %d (%dx%d)", trial, samples, channels)
	}
}

func TestUnflatten_ChannelMajor(t *testing.T) {
	// channel 0: 1 2 3, channel 1: 4 5 6
	rows, err := Unflatten([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 4}, {2, 5}, {3, 6}}, rows)

	_, err = Unflatten([]float32{1, 2, 3}, 2, 3)
	assert.ErrorIs(t, err, ErrMalformedMessage)
	_, err = Unflatten([]float32{}, 0, 0)
	assert.ErrorIs(t, err, ErrMalformedMessage)
	assert.Nil(t, Flatten[float64](nil))
}
