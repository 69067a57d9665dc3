package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Envelope keys.
const (
	KeyMessageType = "MessageType"
	KeyStreamName  = "StreamName"
	KeyStreamInfo  = "StreamInfo"
	KeyData        = "Data"
	KeyTimestamps  = "Timestamps"
	KeyTimestamps2 = "Timestamps2"
)

// envelope is the self-describing wire form of a Message.
type envelope struct {
	MessageType MessageType `json:"MessageType"`
	StreamName  string      `json:"StreamName,omitempty"`
	StreamInfo  *StreamInfo `json:"StreamInfo,omitempty"`
	Data        wireFloats  `json:"Data,omitempty"`
	Timestamps  wireFloats  `json:"Timestamps,omitempty"`
	Timestamps2 wireFloats  `json:"Timestamps2,omitempty"`
}

// Encode renders msg as a JSON envelope.
func Encode(msg Message) ([]byte, error) {
	var env envelope
	switch m := msg.(type) {
	case KeepAlive, *KeepAlive:
		env.MessageType = TypeKeepAlive
	case CloseBridge, *CloseBridge:
		env.MessageType = TypeCloseBridge
	case OpenStream:
		env.MessageType = TypeOpenStream
		info := m.Info
		env.StreamInfo = &info
		env.StreamName = info.Name
	case *OpenStream:
		return Encode(*m)
	case CloseStream:
		env.MessageType = TypeCloseStream
		env.StreamName = m.Name
	case *CloseStream:
		return Encode(*m)
	case SendChunk:
		env.MessageType = TypeSendChunk
		env.StreamName = m.Name
		env.Data = m.Data
		env.Timestamps = m.Timestamps
		env.Timestamps2 = m.Timestamps2
	case *SendChunk:
		return Encode(*m)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessageType, msg)
	}
	return json.Marshal(env)
}

// Decode parses a JSON envelope.
func Decode(data []byte) (Message, error) {
	var env envelope
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	switch env.MessageType {
	case TypeKeepAlive:
		return KeepAlive{}, nil
	case TypeCloseBridge:
		return CloseBridge{}, nil
	case TypeOpenStream:
		if env.StreamInfo == nil {
			return nil, fmt.Errorf("%w: OpenStream without %s", ErrMalformedMessage, KeyStreamInfo)
		}
		return OpenStream{Info: *env.StreamInfo}, nil
	case TypeCloseStream:
		if env.StreamName == "" {
			return nil, fmt.Errorf("%w: CloseStream without %s", ErrMalformedMessage, KeyStreamName)
		}
		return CloseStream{Name: env.StreamName}, nil
	case TypeSendChunk:
		if env.StreamName == "" {
			return nil, fmt.Errorf("%w: SendChunk without %s", ErrMalformedMessage, KeyStreamName)
		}
		return SendChunk{
			Name:        env.StreamName,
			Data:        env.Data,
			Timestamps:  env.Timestamps,
			Timestamps2: env.Timestamps2,
		}, nil
	case "":
		return nil, fmt.Errorf("%w: missing %s", ErrMalformedMessage, KeyMessageType)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.MessageType)
	}
}

// wireFloats is a float array whose non-finite members travel as the strings
// "-Inf", "+Inf" and "NaN", which JSON numbers cannot express.
type wireFloats []float64

func (w wireFloats) MarshalJSON() ([]byte, error) {
	if w == nil {
		return []byte("null"), nil
	}
	buf := make([]byte, 0, len(w)*8+2)
	buf = append(buf, '[')
	for i, v := range w {
		if i > 0 {
			buf = append(buf, ',')
		}
		switch {
		case math.IsInf(v, -1):
			buf = append(buf, `"-Inf"`...)
		case math.IsInf(v, 1):
			buf = append(buf, `"+Inf"`...)
		case math.IsNaN(v):
			buf = append(buf, `"NaN"`...)
		default:
			buf = strconv.AppendFloat(buf, v, 'g', -1, 64)
		}
	}
	return append(buf, ']'), nil
}

func (w *wireFloats) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*w = nil
		return nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(wireFloats, len(raw))
	for i, r := range raw {
		if len(r) > 0 && r[0] == '"' {
			var s string
			if err := json.Unmarshal(r, &s); err != nil {
				return err
			}
			switch s {
			case "-Inf":
				out[i] = math.Inf(-1)
			case "+Inf", "Inf":
				out[i] = math.Inf(1)
			case "NaN":
				out[i] = math.NaN()
			default:
				return fmt.Errorf("invalid number %q at index %d", s, i)
			}
			continue
		}
		if err := json.Unmarshal(r, &out[i]); err != nil {
			return fmt.Errorf("invalid number at index %d: %w", i, err)
		}
	}
	*w = out
	return nil
}
