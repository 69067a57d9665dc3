package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/musebridge/internal/groutine"
)

const (
	DefaultKeepAliveInterval = 500 * time.Millisecond
	DefaultDialRetryInterval = 250 * time.Millisecond
)

// Launcher starts the sink-host process.
type Launcher interface {
	Launch(ctx context.Context) error
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context) error

func (f LauncherFunc) Launch(ctx context.Context) error { return f(ctx) }

// ClientConfig configures a Client.
type ClientConfig struct {
	Dialer            Dialer
	Launcher          Launcher // nil when the host is started externally
	KeepAliveInterval time.Duration
	DialRetryInterval time.Duration
	Logger            *logrus.Logger
}

// Client is the producer side of the bridge: an unbounded FIFO of messages
// drained in order over a single host connection.
type Client struct {
	dialer    Dialer
	launcher  Launcher
	keepAlive time.Duration
	retry     time.Duration
	logger    *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	queue       []Message
	conn        Conn
	hostActive  bool
	openStreams map[string]struct{}
	stopKeep    chan struct{}
	closed      bool

	draining atomic.Bool
	dialing  atomic.Bool
	sendMu   sync.Mutex // one writer on conn at a time
	sent     atomic.Int64
}

// NewClient creates an idle client. Nothing is launched or dialed until ActivateHost.
func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
	}
	keepAlive := cfg.KeepAliveInterval
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAliveInterval
	}
	retry := cfg.DialRetryInterval
	if retry <= 0 {
		retry = DefaultDialRetryInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		dialer:      cfg.Dialer,
		launcher:    cfg.Launcher,
		keepAlive:   keepAlive,
		retry:       retry,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		openStreams: make(map[string]struct{}),
	}
}

// Enqueue appends msg and triggers a drain. It only fails after Close.
func (c *Client) Enqueue(msg Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.enqueueLocked(msg)
	c.mu.Unlock()

	c.tryDrain()
	return nil
}

func (c *Client) enqueueLocked(msg Message) {
	switch m := msg.(type) {
	case OpenStream:
		c.openStreams[m.Info.Name] = struct{}{}
	case CloseStream:
		delete(c.openStreams, m.Name)
	}
	c.queue = append(c.queue, msg)
}

// Pending is the number of queued, unsent messages.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Sent counts messages delivered by the drain loop.
func (c *Client) Sent() int64 { return c.sent.Load() }

// Connected reports whether a host connection is live.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// HostActive reports whether the host has been activated and not yet deactivated.
func (c *Client) HostActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hostActive
}

// ActivateHost launches the host at most once per activation and starts
// connecting and keep-alives. Calling it while active is a no-op.
func (c *Client) ActivateHost() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.hostActive {
		c.mu.Unlock()
		return nil
	}
	c.hostActive = true
	stop := make(chan struct{})
	c.stopKeep = stop
	c.mu.Unlock()

	if c.launcher != nil {
		if err := c.launcher.Launch(c.ctx); err != nil {
			c.mu.Lock()
			c.hostActive = false
			c.stopKeep = nil
			c.mu.Unlock()
			c.logger.WithError(err).Error("Failed to launch bridge host")
			return err
		}
		c.logger.Info("Bridge host launched")
	}

	c.startDial()
	groutine.GoSafe(c.ctx, "bridge-keepalive", c.logger, func(ctx context.Context) {
		c.keepAliveLoop(ctx, stop)
	})
	return nil
}

// DeactivateHost queues CloseBridge when no stream remains open. While any
// stream is open it does nothing.
func (c *Client) DeactivateHost() {
	c.mu.Lock()
	if !c.hostActive {
		c.mu.Unlock()
		return
	}
	if n := len(c.openStreams); n > 0 {
		c.mu.Unlock()
		c.logger.WithField("open_streams", n).Debug("Host stays active while streams are open")
		return
	}
	c.hostActive = false
	if c.stopKeep != nil {
		close(c.stopKeep)
		c.stopKeep = nil
	}
	c.enqueueLocked(CloseBridge{})
	c.mu.Unlock()

	c.logger.Info("Deactivating bridge host")
	c.tryDrain()
}

// tryDrain starts the drain loop unless one is already running.
func (c *Client) tryDrain() {
	if !c.draining.CompareAndSwap(false, true) {
		return
	}
	groutine.GoSafe(c.ctx, "bridge-drain", c.logger, func(context.Context) {
		for {
			c.drain()
			c.draining.Store(false)

			// A message enqueued after drain saw an empty queue but before the
			// flag cleared would otherwise wait for the next Enqueue.
			if !c.drainable() || !c.draining.CompareAndSwap(false, true) {
				return
			}
		}
	})
}

func (c *Client) drainable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && len(c.queue) > 0
}

// drain sends queued messages in order until the queue is empty or the
// connection fails. A failed message stays at the head of the queue.
func (c *Client) drain() {
	for {
		c.mu.Lock()
		if c.conn == nil || len(c.queue) == 0 {
			c.mu.Unlock()
			return
		}
		msg, conn := c.queue[0], c.conn
		c.mu.Unlock()

		if err := c.send(conn, msg); err != nil {
			c.logger.WithError(err).WithField("type", msg.Type()).Warn("Bridge send failed, message kept for retry")
			c.dropConn(conn)
			c.startDial()
			return
		}

		c.mu.Lock()
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.mu.Unlock()
		c.sent.Add(1)

		if msg.Type() == TypeCloseBridge {
			c.dropConn(conn)
			c.mu.Lock()
			reactivated := c.hostActive
			c.mu.Unlock()
			if reactivated {
				c.startDial()
			}
			return
		}
	}
}

func (c *Client) send(conn Conn, msg Message) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return conn.Send(msg)
}

// dropConn forgets conn if it is still the current connection.
func (c *Client) dropConn(conn Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	if err := conn.Close(); err != nil {
		c.logger.WithError(err).Debug("Error closing bridge connection")
	}
}

// startDial runs a single dial-retry loop until connected, deactivated or closed.
func (c *Client) startDial() {
	if c.dialer == nil || !c.dialing.CompareAndSwap(false, true) {
		return
	}
	groutine.GoSafe(c.ctx, "bridge-dial", c.logger, func(ctx context.Context) {
		attempt := 0
		for {
			c.mu.Lock()
			active, connected := c.hostActive, c.conn != nil
			pending := len(c.queue) > 0
			c.mu.Unlock()
			if connected || (!active && !pending) {
				c.dialing.Store(false)
				return
			}

			attempt++
			conn, err := c.dialer.Dial(ctx)
			if err == nil {
				c.mu.Lock()
				c.conn = conn
				c.mu.Unlock()
				c.logger.WithField("attempt", attempt).Info("Connected to bridge host")
				// Cleared before draining so a failed first send can redial.
				c.dialing.Store(false)
				c.tryDrain()
				return
			}
			c.logger.WithError(err).WithField("attempt", attempt).Debug("Bridge host not reachable yet")

			select {
			case <-ctx.Done():
				c.dialing.Store(false)
				return
			case <-time.After(c.retry):
			}
		}
	})
}

// keepAliveLoop writes KeepAlive directly on the live connection so the
// host liveness timer is reset even while the data queue is backed up.
func (c *Client) keepAliveLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(c.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			continue
		}
		if err := c.send(conn, KeepAlive{}); err != nil {
			c.logger.WithError(err).Debug("KeepAlive send failed")
		}
	}
}

// Close sends CloseBridge if the host is active, waits for the queue to drain
// until ctx is done, then releases the connection.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.hostActive {
		c.hostActive = false
		for name := range c.openStreams {
			c.queue = append(c.queue, CloseStream{Name: name})
			delete(c.openStreams, name)
		}
		c.queue = append(c.queue, CloseBridge{})
		if c.stopKeep != nil {
			close(c.stopKeep)
			c.stopKeep = nil
		}
	}
	c.mu.Unlock()

	c.tryDrain()
	c.startDial()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	var result error
wait:
	for c.Pending() > 0 {
		select {
		case <-ctx.Done():
			result = ctx.Err()
			break wait
		case <-ticker.C:
		}
	}

	if left := c.Pending(); left > 0 {
		c.logger.WithField("pending", left).Warn("Bridge client closed with undelivered messages")
	}
	c.cancel()

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	return result
}
