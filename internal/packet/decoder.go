// Package packet extracts bit fields from raw BLE notification payloads and
// converts EEG samples to microvolts.
//
// Buffers are read as a big-endian bit string: bit 0 is the most significant
// bit of byte 0. Offsets and widths are expressed in bits.
package packet

import (
	"fmt"
)

const (
	// EEGSampleBits is the width of one EEG sample.
	EEGSampleBits = 12

	// EEGSamplesPerPacket is the number of samples carried by one channel notification.
	EEGSamplesPerPacket = 12

	// TimestampBits is the width of the device-local counter that prefixes every notification.
	TimestampBits = 16

	// EEGPacketBytes is the minimal payload size of one channel notification.
	EEGPacketBytes = (TimestampBits + EEGSampleBits*EEGSamplesPerPacket) / 8

	// EEGScale is the microvolt value of one raw step (2 mVpp over 12 bits).
	EEGScale = 0.48828125

	eegMidpoint = 2048

	maxFieldBits = 32
)

// DecodeError reports a field that does not fit into the buffer.
type DecodeError struct {
	Offset int
	Width  int
	BitLen int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("bit field [%d:%d) exceeds buffer of %d bits", e.Offset, e.Offset+e.Width, e.BitLen)
}

func checkField(buf []byte, offset, width int) error {
	if width <= 0 || width > maxFieldBits {
		return fmt.Errorf("unsupported bit field width %d", width)
	}
	if offset < 0 || offset+width > len(buf)*8 {
		return &DecodeError{Offset: offset, Width: width, BitLen: len(buf) * 8}
	}
	return nil
}

// Bits returns the unsigned value of the width-bit field starting at offset.
func Bits(buf []byte, offset, width int) (uint32, error) {
	if err := checkField(buf, offset, width); err != nil {
		return 0, err
	}

	var v uint32
	for i := offset; i < offset+width; i++ {
		bit := (buf[i/8] >> (7 - uint(i%8))) & 1
		v = v<<1 | uint32(bit)
	}
	return v, nil
}

// Uint12 extracts a 12-bit unsigned field.
func Uint12(buf []byte, offset int) (uint16, error) {
	v, err := Bits(buf, offset, 12)
	return uint16(v), err
}

// Uint16 extracts a 16-bit unsigned field.
func Uint16(buf []byte, offset int) (uint16, error) {
	v, err := Bits(buf, offset, 16)
	return uint16(v), err
}

// Uint24 extracts a 24-bit unsigned field.
func Uint24(buf []byte, offset int) (uint32, error) {
	return Bits(buf, offset, 24)
}

// Int16 extracts a 16-bit two's-complement field.
func Int16(buf []byte, offset int) (int16, error) {
	v, err := Bits(buf, offset, 16)
	return int16(uint16(v)), err
}

// PutBits writes the low width bits of v into buf at offset. It is the
// inverse of Bits and is used to build notification payloads.
func PutBits(buf []byte, offset, width int, v uint32) error {
	if err := checkField(buf, offset, width); err != nil {
		return err
	}

	for i := 0; i < width; i++ {
		pos := offset + i
		mask := byte(1) << (7 - uint(pos%8))
		if v>>(uint(width-1-i))&1 == 1 {
			buf[pos/8] |= mask
		} else {
			buf[pos/8] &^= mask
		}
	}
	return nil
}

// EEGMicrovolts converts a raw 12-bit sample to microvolts.
func EEGMicrovolts(raw uint16) float64 {
	return (float64(raw) - eegMidpoint) * EEGScale
}

// RawEEG is the inverse of EEGMicrovolts, clamped to the 12-bit range.
func RawEEG(uv float64) uint16 {
	r := uv/EEGScale + eegMidpoint
	switch {
	case r < 0:
		return 0
	case r > 4095:
		return 4095
	}
	return uint16(r + 0.5)
}

// EEGPacket is one decoded channel notification.
type EEGPacket struct {
	Timestamp uint16
	Samples   []float64
}

// DecodeEEG decodes a channel notification: a 16-bit device-local timestamp
// followed by EEGSamplesPerPacket 12-bit samples.
func DecodeEEG(payload []byte) (EEGPacket, error) {
	ts, err := Uint16(payload, 0)
	if err != nil {
		return EEGPacket{}, err
	}

	samples := make([]float64, EEGSamplesPerPacket)
	for i := range samples {
		raw, err := Uint12(payload, TimestampBits+i*EEGSampleBits)
		if err != nil {
			return EEGPacket{}, err
		}
		samples[i] = EEGMicrovolts(raw)
	}
	return EEGPacket{Timestamp: ts, Samples: samples}, nil
}

// EncodeEEG builds a channel notification from raw 12-bit samples.
func EncodeEEG(timestamp uint16, raw []uint16) ([]byte, error) {
	if len(raw) != EEGSamplesPerPacket {
		return nil, fmt.Errorf("expected %d samples, got %d", EEGSamplesPerPacket, len(raw))
	}

	buf := make([]byte, EEGPacketBytes)
	if err := PutBits(buf, 0, TimestampBits, uint32(timestamp)); err != nil {
		return nil, err
	}
	for i, r := range raw {
		if err := PutBits(buf, TimestampBits+i*EEGSampleBits, EEGSampleBits, uint32(r)); err != nil {
			return nil, err
		}
	}
	return buf, nil
}
