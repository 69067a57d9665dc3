package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/musebridge/internal/groutine"
	"github.com/srg/musebridge/internal/sink"
	"github.com/srg/musebridge/internal/timestamp"
)

// DefaultInactivityTimeout terminates a host that hears nothing for this long.
const DefaultInactivityTimeout = 5 * time.Second

// HostConfig configures a Host.
type HostConfig struct {
	Sink              sink.Sink
	InactivityTimeout time.Duration // 0 = DefaultInactivityTimeout
	Logger            *logrus.Logger
	Now               func() time.Time // rate meter clock, defaults to time.Now
}

// StreamStats is a snapshot of one open stream.
type StreamStats struct {
	Name     string
	Channels int // including timestamp channels
	Format   SampleFormat
	Chunks   int64
	Samples  int64
	Rate     float64 // measured over the last full second
}

type hostStream struct {
	info   StreamInfo // with timestamp channels appended
	base   int        // data channels sent by the producer
	outlet sink.Outlet

	chunks  atomic.Int64
	samples atomic.Int64
	meter   rateMeter
}

// Host is the sink side of the bridge. Every message handler recovers and
// logs its own failures so one bad message never affects other streams.
type Host struct {
	sink    sink.Sink
	timeout time.Duration
	logger  *logrus.Logger
	now     func() time.Time

	registryMu sync.Mutex // serializes open/close against each other
	streams    *hashmap.Map[string, *hostStream]

	lastActivity atomic.Int64
	done         chan struct{}
	doneOnce     sync.Once
	reason       atomic.Value
}

// NewHost creates a host feeding cfg.Sink.
func NewHost(cfg HostConfig) (*Host, error) {
	if cfg.Sink == nil {
		return nil, fmt.Errorf("host requires a sink")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
	}
	timeout := cfg.InactivityTimeout
	if timeout <= 0 {
		timeout = DefaultInactivityTimeout
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	h := &Host{
		sink:    cfg.Sink,
		timeout: timeout,
		logger:  logger,
		now:     now,
		streams: hashmap.New[string, *hostStream](),
		done:    make(chan struct{}),
	}
	h.touch()
	return h, nil
}

// Done is closed once the host has terminated.
func (h *Host) Done() <-chan struct{} { return h.done }

// Reason describes why the host terminated ("" while running).
func (h *Host) Reason() string {
	if v, ok := h.reason.Load().(string); ok {
		return v
	}
	return ""
}

func (h *Host) touch() {
	h.lastActivity.Store(h.now().UnixNano())
}

// Idle is the time since the last message of any kind.
func (h *Host) Idle() time.Duration {
	return h.now().Sub(time.Unix(0, h.lastActivity.Load()))
}

// Handle applies one message. It never panics.
func (h *Host) Handle(msg Message) {
	defer groutine.Recover(h.logger, "bridge-host-handle")

	h.touch()
	switch m := msg.(type) {
	case KeepAlive, *KeepAlive:
		h.logger.Trace("KeepAlive")
	case OpenStream:
		h.openStream(m.Info)
	case *OpenStream:
		h.openStream(m.Info)
	case CloseStream:
		h.closeStream(m.Name)
	case *CloseStream:
		h.closeStream(m.Name)
	case SendChunk:
		h.sendChunk(m)
	case *SendChunk:
		h.sendChunk(*m)
	case CloseBridge, *CloseBridge:
		h.logger.Info("CloseBridge received, disposing streams")
		h.Shutdown("close requested")
	default:
		h.logger.WithField("type", fmt.Sprintf("%T", msg)).Warn("Ignoring unknown message")
	}
}

func (h *Host) openStream(info StreamInfo) {
	if err := info.Validate(); err != nil {
		h.logger.WithError(err).Warn("Rejected OpenStream")
		return
	}

	h.registryMu.Lock()
	defer h.registryMu.Unlock()

	select {
	case <-h.done:
		h.logger.WithField("stream", info.Name).Warn("Ignoring OpenStream after shutdown")
		return
	default:
	}
	if _, exists := h.streams.Get(info.Name); exists {
		h.logger.WithField("stream", info.Name).Debug("Stream already open")
		return
	}

	eff := info.WithTimestampChannels()
	desc := sink.Desc{
		Name:         eff.Name,
		Type:         eff.Type,
		SourceID:     eff.SourceID,
		ChannelCount: eff.ChannelCount,
		ChunkSize:    eff.ChunkSize,
		BufferLength: eff.BufferLength,
		SampleRate:   eff.SampleRate,
		Format:       string(eff.ChannelFormat),
	}
	if desc.Format == "" {
		desc.Format = string(Float32)
	}
	for _, ch := range eff.Channels {
		desc.Labels = append(desc.Labels, ch.Label)
		desc.Units = append(desc.Units, ch.Unit)
	}

	outlet, err := h.sink.Open(desc)
	if err != nil {
		h.logger.WithError(err).WithField("stream", info.Name).Error("Failed to open sink stream")
		return
	}

	h.streams.Set(info.Name, &hostStream{info: eff, base: info.ChannelCount, outlet: outlet})
	h.logger.WithFields(logrus.Fields{
		"stream":   info.Name,
		"channels": eff.ChannelCount,
		"format":   desc.Format,
	}).Info("Stream opened")
}

func (h *Host) closeStream(name string) {
	h.registryMu.Lock()
	defer h.registryMu.Unlock()

	st, ok := h.streams.Get(name)
	if !ok {
		h.logger.WithField("stream", name).Debug("CloseStream for unknown stream")
		return
	}
	h.streams.Del(name)
	if err := st.outlet.Close(); err != nil {
		h.logger.WithError(err).WithField("stream", name).Warn("Failed to close sink stream")
	}
	h.logger.WithField("stream", name).Info("Stream closed")
}

func (h *Host) sendChunk(m SendChunk) {
	st, ok := h.streams.Get(m.Name)
	if !ok {
		h.logger.WithField("stream", m.Name).Warn("SendChunk for unknown stream")
		return
	}
	if err := h.push(st, m); err != nil {
		h.logger.WithError(err).WithField("stream", m.Name).Warn("Dropped chunk")
	}
}

func (h *Host) push(st *hostStream, m SendChunk) error {
	if len(m.Data) == 0 || len(m.Data)%st.base != 0 {
		return fmt.Errorf("%w: %d values for %d channels", ErrMalformedMessage, len(m.Data), st.base)
	}
	samples := len(m.Data) / st.base
	rows, err := Unflatten(m.Data, st.base, samples)
	if err != nil {
		return err
	}

	ts, err := h.resolveTimestamps(m.Timestamps, samples, st.info.SampleRate)
	if err != nil {
		return fmt.Errorf("primary timestamps: %w", err)
	}

	if extra := st.info.TimestampChannels(); extra > 0 {
		ts2, err := h.resolveTimestamps(m.Timestamps2, samples, st.info.SampleRate)
		if err != nil {
			return fmt.Errorf("secondary timestamps: %w", err)
		}
		for s := range rows {
			if extra == 1 {
				rows[s] = append(rows[s], ts2[s])
			} else {
				base, rem := timestamp.Split(ts2[s])
				rows[s] = append(rows[s], base, rem)
			}
		}
	}

	if st.info.ChannelFormat == Float64 {
		err = st.outlet.PushFloat64(rows, ts)
	} else {
		narrow := make([][]float32, len(rows))
		for i, r := range rows {
			narrow[i] = Convert[float64, float32](r)
		}
		err = st.outlet.PushFloat32(narrow, ts)
	}
	if err != nil {
		return err
	}

	st.chunks.Add(1)
	st.samples.Add(int64(samples))
	st.meter.add(h.now(), samples)
	return nil
}

// resolveTimestamps validates ts or, when it starts with the unset sentinel
// or is missing, synthesizes it from the sink clock back-dated one sample
// period per row.
func (h *Host) resolveTimestamps(ts []float64, samples int, rate float64) ([]float64, error) {
	if len(ts) > 0 && !timestamp.IsUnset(ts[0]) {
		if len(ts) != samples {
			return nil, fmt.Errorf("%w: %d timestamps for %d samples", ErrMalformedMessage, len(ts), samples)
		}
		return ts, nil
	}

	now := h.sink.LocalClock()
	out := make([]float64, samples)
	for i := range out {
		out[i] = now - float64(samples-i)/rate
	}
	return out, nil
}

// Streams returns a snapshot of every open stream ordered by name.
func (h *Host) Streams() []StreamStats {
	now := h.now()
	var out []StreamStats
	h.streams.Range(func(name string, st *hostStream) bool {
		out = append(out, StreamStats{
			Name:     name,
			Channels: st.info.ChannelCount,
			Format:   st.info.ChannelFormat,
			Chunks:   st.chunks.Load(),
			Samples:  st.samples.Load(),
			Rate:     st.meter.rate(now),
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Shutdown disposes every stream and terminates the host. Idempotent.
func (h *Host) Shutdown(reason string) {
	h.doneOnce.Do(func() {
		h.registryMu.Lock()
		var names []string
		h.streams.Range(func(name string, st *hostStream) bool {
			names = append(names, name)
			if err := st.outlet.Close(); err != nil {
				h.logger.WithError(err).WithField("stream", name).Warn("Failed to close sink stream")
			}
			return true
		})
		for _, name := range names {
			h.streams.Del(name)
		}
		// done closes under registryMu so openStream cannot slip in after it.
		h.reason.Store(reason)
		close(h.done)
		h.registryMu.Unlock()

		h.logger.WithFields(logrus.Fields{
			"reason":  reason,
			"streams": len(names),
		}).Info("Bridge host terminated")
	})
}

// Serve accepts producer connections on ln until the host terminates or ctx
// is done. Inactivity longer than the configured timeout terminates the host.
func (h *Host) Serve(ctx context.Context, ln net.Listener) error {
	h.touch()

	var connsMu sync.Mutex
	conns := make(map[*StreamConn]struct{})

	groutine.GoSafe(ctx, "bridge-host-accept", h.logger, func(context.Context) {
		for {
			c, err := ln.Accept()
			if err != nil {
				select {
				case <-h.done:
				default:
					if !errors.Is(err, net.ErrClosed) {
						h.logger.WithError(err).Error("Accept failed")
					}
				}
				return
			}
			sc := NewStreamConn(c)
			connsMu.Lock()
			conns[sc] = struct{}{}
			connsMu.Unlock()
			h.logger.Debug("Producer connected")

			groutine.GoSafe(ctx, "bridge-host-conn", h.logger, func(context.Context) {
				defer func() {
					connsMu.Lock()
					delete(conns, sc)
					connsMu.Unlock()
					_ = sc.Close()
				}()
				h.serveConn(sc)
			})
		}
	})

	tick := h.timeout / 5
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	var result error
loop:
	for {
		select {
		case <-ctx.Done():
			h.Shutdown("context cancelled")
			result = ctx.Err()
			break loop
		case <-h.done:
			break loop
		case <-ticker.C:
			if idle := h.Idle(); idle > h.timeout {
				h.logger.WithField("idle", idle.Round(time.Millisecond)).Warn("No messages within inactivity window")
				h.Shutdown("inactivity timeout")
			}
		}
	}

	_ = ln.Close()
	connsMu.Lock()
	for c := range conns {
		_ = c.Close()
	}
	connsMu.Unlock()
	return result
}

func (h *Host) serveConn(c *StreamConn) {
	for {
		msg, err := c.Receive()
		switch {
		case err == nil:
			h.Handle(msg)
		case errors.Is(err, ErrMalformedMessage), errors.Is(err, ErrUnknownMessageType):
			h.touch()
			h.logger.WithError(err).Warn("Ignoring undecodable message")
		case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			h.logger.Debug("Producer disconnected")
			return
		default:
			h.logger.WithError(err).Warn("Producer connection failed")
			return
		}

		select {
		case <-h.done:
			return
		default:
		}
	}
}

// ----------------------------
// Rate meter
// ----------------------------

// rateMeter counts samples in consecutive one-second windows.
type rateMeter struct {
	mu          sync.Mutex
	windowStart time.Time
	count       int
	last        float64
}

func (m *rateMeter) add(now time.Time, samples int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.windowStart.IsZero() {
		m.windowStart = now
	}
	if elapsed := now.Sub(m.windowStart); elapsed >= time.Second {
		m.last = float64(m.count) / elapsed.Seconds()
		m.windowStart = now
		m.count = 0
	}
	m.count += samples
}

// rate returns the last full-window rate, or 0 once the stream has gone quiet for two windows.
func (m *rateMeter) rate(now time.Time) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.windowStart.IsZero() || now.Sub(m.windowStart) > 2*time.Second {
		return 0
	}
	return m.last
}
