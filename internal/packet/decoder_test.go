package packet

import (
	"errors"
	"math/rand"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBits_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for _, width := range []int{12, 16, 24} {
		t.Run("unsigned width "+strconv.Itoa(width), func(t *testing.T) {
			for n := 0; n < 500; n++ {
				buf := make([]byte, 1+rng.Intn(24))
				rng.Read(buf)
				if len(buf)*8 < width {
					continue
				}
				offset := rng.Intn(len(buf)*8 - width + 1)
				want := rng.Uint32() & (1<<uint(width) - 1)

				require.NoError(t, PutBits(buf, offset, width, want))
				got, err := Bits(buf, offset, width)
				require.NoError(t, err)
				assert.Equal(t, want, got, "offset=%d", offset)
			}
		})
	}

	t.Run("signed 16 bit", func(t *testing.T) {
		for n := 0; n < 500; n++ {
			buf := make([]byte, 2+rng.Intn(16))
			offset := rng.Intn(len(buf)*8 - 16 + 1)
			want := int16(rng.Intn(1<<16) - 1<<15)

			require.NoError(t, PutBits(buf, offset, 16, uint32(uint16(want))))
			got, err := Int16(buf, offset)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
	})
}

func TestBits_PreservesNeighbours(t *testing.T) {
	buf := []byte{0xff, 0xff, 0xff}
	require.NoError(t, PutBits(buf, 4, 12, 0))
	assert.Equal(t, []byte{0xf0, 0x00, 0xff}, buf)
}

func TestBits_BigEndianOrder(t *testing.T) {
	buf := []byte{0xab, 0xcd, 0xef}

	v12, err := Uint12(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xabc), v12)

	v12, err = Uint12(buf, 12)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xdef), v12)

	v16, err := Uint16(buf, 4)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xbcde), v16)

	v24, err := Uint24(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xabcdef), v24)

	s16, err := Int16([]byte{0xff, 0xfe}, 0)
	require.NoError(t, err)
	assert.Equal(t, int16(-2), s16)
}

func TestBits_OutOfBounds(t *testing.T) {
	tests := []struct {
		name   string
		size   int
		offset int
		width  int
	}{
		{name: "empty buffer", size: 0, offset: 0, width: 12},
		{name: "field past end", size: 2, offset: 8, width: 12},
		{name: "24 bits in 2 bytes", size: 2, offset: 0, width: 24},
		{name: "negative offset", size: 4, offset: -1, width: 16},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Bits(make([]byte, tt.size), tt.offset, tt.width)

			var decodeErr *DecodeError
			require.True(t, errors.As(err, &decodeErr), "expected DecodeError, got %v", err)
			assert.Equal(t, tt.size*8, decodeErr.BitLen)
		})
	}

	_, err := Bits([]byte{0, 0, 0, 0, 0}, 0, 33)
	assert.Error(t, err)
}

func TestEEGMicrovolts(t *testing.T) {
	assert.Equal(t, -1000.0, EEGMicrovolts(0))
	assert.InDelta(t, 1000.0, EEGMicrovolts(4095), 0.5)
	assert.Equal(t, 0.0, EEGMicrovolts(2048))

	for _, raw := range []uint16{0, 1, 1000, 2048, 4095} {
		assert.Equal(t, raw, RawEEG(EEGMicrovolts(raw)))
	}
	assert.Equal(t, uint16(0), RawEEG(-5000))
	assert.Equal(t, uint16(4095), RawEEG(5000))
}

func TestDecodeEEG(t *testing.T) {
	raw := []uint16{0, 4095, 2048, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	payload, err := EncodeEEG(42, raw)
	require.NoError(t, err)
	require.Len(t, payload, EEGPacketBytes)

	pkt, err := DecodeEEG(payload)
	require.NoError(t, err)
	assert.Equal(t, uint16(42), pkt.Timestamp)
	require.Len(t, pkt.Samples, EEGSamplesPerPacket)
	assert.Equal(t, -1000.0, pkt.Samples[0])
	assert.InDelta(t, 1000.0, pkt.Samples[1], 0.5)
	assert.Equal(t, 0.0, pkt.Samples[2])

	t.Run("short payload", func(t *testing.T) {
		_, err := DecodeEEG(payload[:10])
		var decodeErr *DecodeError
		assert.ErrorAs(t, err, &decodeErr)
	})

	t.Run("wrong sample count", func(t *testing.T) {
		_, err := EncodeEEG(1, raw[:3])
		assert.Error(t, err)
	})
}
