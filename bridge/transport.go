package bridge

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
)

// MaxFrameSize bounds a single envelope on the wire.
const MaxFrameSize = 16 << 20

// Conn sends messages to the host.
type Conn interface {
	Send(msg Message) error
	Close() error
}

// Dialer opens a Conn to the host.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// ----------------------------
// Framing
// ----------------------------

// WriteFrame writes one 4-byte big-endian length prefix followed by payload.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit %d", len(payload), MaxFrameSize)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed payload. It returns io.EOF only on a
// clean end between frames.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds limit %d", ErrMalformedMessage, n, MaxFrameSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// ----------------------------
// Unix socket transport
// ----------------------------

// UnixDialer dials the host socket at Path.
type UnixDialer struct {
	Path string
}

func (d UnixDialer) Dial(ctx context.Context) (Conn, error) {
	var nd net.Dialer
	c, err := nd.DialContext(ctx, "unix", d.Path)
	if err != nil {
		return nil, err
	}
	return NewStreamConn(c), nil
}

// StreamConn frames messages over a byte stream.
type StreamConn struct {
	conn net.Conn
	r    *bufio.Reader
	mu   sync.Mutex
}

// NewStreamConn wraps c.
func NewStreamConn(c net.Conn) *StreamConn {
	return &StreamConn{conn: c, r: bufio.NewReader(c)}
}

// Send encodes and writes msg as one frame. Safe for concurrent use.
func (c *StreamConn) Send(msg Message) error {
	payload, err := Encode(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return WriteFrame(c.conn, payload)
}

// Receive reads and decodes the next frame. Decode failures are returned
// with ErrMalformedMessage or ErrUnknownMessageType and leave the stream usable.
func (c *StreamConn) Receive() (Message, error) {
	payload, err := ReadFrame(c.r)
	if err != nil {
		return nil, err
	}
	return Decode(payload)
}

func (c *StreamConn) Close() error {
	return c.conn.Close()
}

// Listen binds the host socket at path, replacing a stale socket file left
// by a previous host.
func Listen(path string) (net.Listener, error) {
	if fi, err := os.Lstat(path); err == nil && fi.Mode()&os.ModeSocket != 0 {
		if c, dialErr := net.Dial("unix", path); dialErr == nil {
			_ = c.Close()
			return nil, fmt.Errorf("socket %s is already served by another host", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("failed to remove stale socket %s: %w", path, err)
		}
	}
	return net.Listen("unix", path)
}
