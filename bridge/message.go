package bridge

import "errors"

// MessageType is the value of the MessageType envelope key.
type MessageType string

const (
	TypeKeepAlive   MessageType = "KeepAlive"
	TypeOpenStream  MessageType = "OpenStream"
	TypeCloseStream MessageType = "CloseStream"
	TypeSendChunk   MessageType = "SendChunk"
	TypeCloseBridge MessageType = "CloseBridge"
)

var (
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrMalformedMessage   = errors.New("malformed message")
	ErrClientClosed       = errors.New("bridge client is closed")
)

// Message is one queued bridge send.
type Message interface {
	Type() MessageType
}

// KeepAlive resets the host inactivity timer and nothing else.
type KeepAlive struct{}

// OpenStream creates a sink stream unless one with the same name exists.
type OpenStream struct {
	Info StreamInfo
}

// CloseStream disposes the named stream.
type CloseStream struct {
	Name string
}

// SendChunk carries one chunk. Data is channel-major: every sample of
// channel 0, then channel 1, and so on. Timestamps2 is nil when the stream has
// no secondary timestamp channel.
type SendChunk struct {
	Name        string
	Data        []float64
	Timestamps  []float64
	Timestamps2 []float64
}

// CloseBridge disposes every stream and terminates the host.
type CloseBridge struct{}

func (KeepAlive) Type() MessageType   { return TypeKeepAlive }
func (OpenStream) Type() MessageType  { return TypeOpenStream }
func (CloseStream) Type() MessageType { return TypeCloseStream }
func (SendChunk) Type() MessageType   { return TypeSendChunk }
func (CloseBridge) Type() MessageType { return TypeCloseBridge }
