// Package muse describes the GATT layout and device variants of Interaxon
// Muse headbands and compatible sensors.
package muse

import (
	"strings"
)

// ----------------------------
// GATT table
// ----------------------------

const (
	// ServiceUUID is the vendor service that carries control and EEG characteristics.
	ServiceUUID = "0000fe8d-0000-1000-8000-00805f9b34fb"

	// ControlCharacteristicUUID accepts stream toggle and device commands.
	ControlCharacteristicUUID = "273e0001-4c4d-454d-96be-f03bac821358"
)

// ChannelCharacteristicUUIDs is consumed in order: channel i of a variant is
// always served by entry i.
var ChannelCharacteristicUUIDs = [...]string{
	"273e0003-4c4d-454d-96be-f03bac821358", // TP9
	"273e0004-4c4d-454d-96be-f03bac821358", // AF7
	"273e0005-4c4d-454d-96be-f03bac821358", // AF8
	"273e0006-4c4d-454d-96be-f03bac821358", // TP10
	"273e0007-4c4d-454d-96be-f03bac821358", // Right AUX
}

// ChannelLabels follows the order of ChannelCharacteristicUUIDs.
var ChannelLabels = [...]string{"TP9", "AF7", "AF8", "TP10", "Right AUX"}

// Commands are length-prefixed ASCII terminated by a newline.
var (
	CommandStartStreaming = []byte{0x02, 0x64, 0x0a} // "d"
	CommandStopStreaming  = []byte{0x02, 0x68, 0x0a} // "h"
	CommandReset          = []byte{0x03, 0x2a, 0x31, 0x0a}
)

const (
	// SampleRate is the nominal EEG sample rate in Hz.
	SampleRate = 256.0

	// ChunkSize is the number of samples per channel in one notification.
	ChunkSize = 12

	// BufferLength is the sink ring-buffer length in seconds.
	BufferLength = 360

	Manufacturer = "Interaxon"
	StreamType   = "EEG"
	ChannelUnit  = "microvolts"
	ChannelType  = "EEG"
)

// ----------------------------
// Variants
// ----------------------------

// Variant is a family of devices sharing one channel layout.
type Variant struct {
	Name       string
	NamePrefix string
	Channels   int
}

// KnownVariants is matched in order; the first prefix hit wins.
var KnownVariants = []Variant{
	{Name: "Muse", NamePrefix: "Muse", Channels: 5},
	{Name: "Smith Lowdown Focus", NamePrefix: "SMXT", Channels: 4},
}

// MatchVariant resolves the variant of an advertised device name.
func MatchVariant(name string) (Variant, bool) {
	name = strings.TrimSpace(name)
	for _, v := range KnownVariants {
		if strings.HasPrefix(strings.ToLower(name), strings.ToLower(v.NamePrefix)) {
			return v, true
		}
	}
	return Variant{}, false
}

// ChannelUUIDs returns the characteristic of every channel the variant streams.
func (v Variant) ChannelUUIDs() []string {
	out := make([]string, v.Channels)
	copy(out, ChannelCharacteristicUUIDs[:v.Channels])
	return out
}

// Labels returns channel labels in stream order.
func (v Variant) Labels() []string {
	out := make([]string, v.Channels)
	copy(out, ChannelLabels[:v.Channels])
	return out
}
