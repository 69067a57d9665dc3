package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srg/musebridge/internal/testutils"
)

// recordingConn captures sent messages and can be told to fail.
type recordingConn struct {
	mu       sync.Mutex
	msgs     []Message
	failNext int
	closed   bool
	inSend   atomic.Int32
	overlap  atomic.Bool
	delay    time.Duration
}

func (c *recordingConn) Send(msg Message) error {
	if c.inSend.Add(1) > 1 {
		c.overlap.Store(true)
	}
	defer c.inSend.Add(-1)
	if c.delay > 0 {
		time.Sleep(c.delay)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("use of closed connection")
	}
	if c.failNext > 0 {
		c.failNext--
		return errors.New("broken pipe")
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *recordingConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// data returns sent messages excluding keep-alives.
func (c *recordingConn) data() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Message
	for _, m := range c.msgs {
		if m.Type() != TypeKeepAlive {
			out = append(out, m)
		}
	}
	return out
}

func (c *recordingConn) keepAlives() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.msgs {
		if m.Type() == TypeKeepAlive {
			n++
		}
	}
	return n
}

// scriptedDialer hands out conns in order; nil entries fail the dial.
type scriptedDialer struct {
	mu    sync.Mutex
	conns []*recordingConn
	dials int
}

func (d *scriptedDialer) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.conns) == 0 {
		return nil, errors.New("connection refused")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	if c == nil {
		return nil, errors.New("connection refused")
	}
	return c, nil
}

type ClientTestSuite struct {
	suite.Suite
	helper   *testutils.TestHelper
	dialer   *scriptedDialer
	launches atomic.Int32
	client   *Client
}

func (s *ClientTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.dialer = &scriptedDialer{}
	s.launches.Store(0)
	s.client = NewClient(ClientConfig{
		Dialer: s.dialer,
		Launcher: LauncherFunc(func(context.Context) error {
			s.launches.Add(1)
			return nil
		}),
		KeepAliveInterval: 20 * time.Millisecond,
		DialRetryInterval: 5 * time.Millisecond,
		Logger:            s.helper.Logger,
	})
}

func (s *ClientTestSuite) TearDownTest() {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = s.client.Close(ctx)
}

func (s *ClientTestSuite) eventually(cond func() bool) {
	s.Require().True(testutils.Eventually(cond, 2*time.Second))
}

func names(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		switch v := m.(type) {
		case SendChunk:
			out[i] = v.Name
		default:
			out[i] = string(m.Type())
		}
	}
	return out
}

func (s *ClientTestSuite) TestEnqueueBeforeConnectKeepsFIFO() {
	for _, n := range []string{"a", "b", "c"} {
		s.Require().NoError(s.client.Enqueue(SendChunk{Name: n}))
	}
	s.Equal(3, s.client.Pending())
	s.False(s.client.Connected())

	conn := &recordingConn{}
	s.dialer.conns = []*recordingConn{nil, nil, conn}
	s.Require().NoError(s.client.ActivateHost())

	s.eventually(func() bool { return len(conn.data()) == 3 })
	s.Equal([]string{"a", "b", "c"}, names(conn.data()))
	s.Zero(s.client.Pending())
	s.dialer.mu.Lock()
	s.GreaterOrEqual(s.dialer.dials, 3)
	s.dialer.mu.Unlock()
}

func (s *ClientTestSuite) TestActivateHostLaunchesOnce() {
	s.dialer.conns = []*recordingConn{{}}
	s.Require().NoError(s.client.ActivateHost())
	s.Require().NoError(s.client.ActivateHost())
	s.Require().NoError(s.client.ActivateHost())
	s.EqualValues(1, s.launches.Load())
	s.True(s.client.HostActive())
}

func (s *ClientTestSuite) TestLaunchFailureLeavesHostInactive() {
	failing := NewClient(ClientConfig{
		Dialer:   s.dialer,
		Launcher: LauncherFunc(func(context.Context) error { return errors.New("exec failed") }),
		Logger:   s.helper.Logger,
	})
	defer failing.Close(context.Background())

	s.Error(failing.ActivateHost())
	s.False(failing.HostActive())
}

func (s *ClientTestSuite) TestSendFailureKeepsMessageAndReconnects() {
	first := &recordingConn{failNext: 1 << 20}
	second := &recordingConn{}
	s.dialer.conns = []*recordingConn{first, second}

	s.Require().NoError(s.client.ActivateHost())
	for _, n := range []string{"a", "b", "c"} {
		s.Require().NoError(s.client.Enqueue(SendChunk{Name: n}))
	}

	s.eventually(func() bool { return len(second.data()) == 3 })
	s.Empty(first.data())
	s.Equal([]string{"a", "b", "c"}, names(second.data()), "failed message is retried first")
}

func (s *ClientTestSuite) TestSingleFlightDrain() {
	conn := &recordingConn{delay: time.Millisecond}
	s.dialer.conns = []*recordingConn{conn}
	s.Require().NoError(s.client.ActivateHost())
	s.eventually(s.client.Connected)

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_ = s.client.Enqueue(SendChunk{Name: "x"})
			}
		}()
	}
	wg.Wait()

	s.eventually(func() bool { return len(conn.data()) == 100 })
	s.False(conn.overlap.Load(), "sends must never overlap")
}

func (s *ClientTestSuite) TestDeactivateWaitsForOpenStreams() {
	conn := &recordingConn{}
	s.dialer.conns = []*recordingConn{conn}
	s.Require().NoError(s.client.ActivateHost())

	s.Require().NoError(s.client.Enqueue(OpenStream{Info: museInfo("a", Float32, false)}))
	s.Require().NoError(s.client.Enqueue(OpenStream{Info: museInfo("b", Float32, false)}))
	s.Require().NoError(s.client.Enqueue(CloseStream{Name: "a"}))

	s.client.DeactivateHost()
	s.True(s.client.HostActive(), "stream b is still open")

	s.Require().NoError(s.client.Enqueue(CloseStream{Name: "b"}))
	s.client.DeactivateHost()
	s.False(s.client.HostActive())

	s.eventually(func() bool { return len(conn.data()) == 5 })
	s.Equal([]string{"OpenStream", "OpenStream", "CloseStream", "CloseStream", "CloseBridge"}, names(conn.data()))
	s.eventually(func() bool { return !s.client.Connected() })

	s.Run("reactivation launches a new host", func() {
		next := &recordingConn{}
		s.dialer.mu.Lock()
		s.dialer.conns = []*recordingConn{next}
		s.dialer.mu.Unlock()

		s.Require().NoError(s.client.ActivateHost())
		s.EqualValues(2, s.launches.Load())
		s.Require().NoError(s.client.Enqueue(SendChunk{Name: "after"}))
		s.eventually(func() bool { return len(next.data()) == 1 })
	})
}

func (s *ClientTestSuite) TestKeepAliveBypassesQueue() {
	conn := &recordingConn{}
	s.dialer.conns = []*recordingConn{conn}
	s.Require().NoError(s.client.ActivateHost())
	s.eventually(s.client.Connected)

	// Nothing data-wise is queued, yet the host keeps hearing from us.
	s.eventually(func() bool { return conn.keepAlives() >= 3 })
	s.Empty(conn.data())
}

func (s *ClientTestSuite) TestKeepAliveStopsOnDeactivate() {
	conn := &recordingConn{}
	s.dialer.conns = []*recordingConn{conn}
	s.Require().NoError(s.client.ActivateHost())
	s.eventually(func() bool { return conn.keepAlives() >= 1 })

	s.client.DeactivateHost()
	s.eventually(func() bool { return !s.client.Connected() })
	n := conn.keepAlives()
	time.Sleep(80 * time.Millisecond)
	s.Equal(n, conn.keepAlives())
}

func (s *ClientTestSuite) TestCloseFlushesAndRejectsLateEnqueue() {
	conn := &recordingConn{}
	s.dialer.conns = []*recordingConn{conn}
	s.Require().NoError(s.client.ActivateHost())
	s.Require().NoError(s.client.Enqueue(OpenStream{Info: museInfo("a", Float32, false)}))
	s.Require().NoError(s.client.Enqueue(SendChunk{Name: "a"}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Require().NoError(s.client.Close(ctx))

	s.Equal([]string{"OpenStream", "a", "CloseStream", "CloseBridge"}, names(conn.data()))
	s.ErrorIs(s.client.Enqueue(KeepAlive{}), ErrClientClosed)
	s.ErrorIs(s.client.ActivateHost(), ErrClientClosed)
}

func (s *ClientTestSuite) TestCloseGivesUpAtDeadline() {
	s.Require().NoError(s.client.ActivateHost()) // dialer never succeeds
	s.Require().NoError(s.client.Enqueue(SendChunk{Name: "stuck"}))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	s.ErrorIs(s.client.Close(ctx), context.DeadlineExceeded)
}

func TestClientTestSuite(t *testing.T) {
	suite.Run(t, new(ClientTestSuite))
}
