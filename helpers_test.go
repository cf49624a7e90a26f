package ssenotify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/subnetmarco/ssenotify/internal/clock"
)

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// fakeDialer hands out fakeConns, or fails with err when set.
type fakeDialer struct {
	mu    sync.Mutex
	err   error
	gate  chan struct{} // when non-nil, Dial waits for a value or ctx
	calls int
	ended int
	conns []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	d.calls++
	gate := d.gate
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.ended++
		d.mu.Unlock()
	}()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := &fakeConn{events: make(chan Event, 16)}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) finished() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ended
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func (d *fakeDialer) openConns() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.conns {
		if !c.isClosed() {
			n++
		}
	}
	return n
}

type fakeConn struct {
	events chan Event

	mu       sync.Mutex
	listened []Channel
	closed   bool
}

func (c *fakeConn) Listen(_ context.Context, ch Channel) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listened = append(c.listened, ch)
	return nil
}

func (c *fakeConn) Events(context.Context) <-chan Event { return c.events }

func (c *fakeConn) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) channels() []Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Channel(nil), c.listened...)
}

// testSink records frames and counts Close calls.
type testSink struct {
	mu     sync.Mutex
	frames []Frame
	fail   bool
	closes int
	done   chan struct{}
}

func newTestSink() *testSink { return &testSink{done: make(chan struct{})} }

func (s *testSink) Write(f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("broken pipe")
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *testSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *testSink) Done() <-chan struct{} { return s.done }

func (s *testSink) setFail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

func (s *testSink) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// events returns the event types received, in order.
func (s *testSink) events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.frames))
	for i, f := range s.frames {
		out[i] = f.Event
	}
	return out
}

func (s *testSink) count(event string) int {
	n := 0
	for _, e := range s.events() {
		if e == event {
			n++
		}
	}
	return n
}

func (s *testSink) last() Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames[len(s.frames)-1]
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Channels = []string{"events"}
	cfg.HeartbeatInterval = time.Second
	cfg.Reconnect = ReconnectConfig{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	return cfg
}

func newTestBroker(t *testing.T, cfg Config, d *fakeDialer) (*Broker, *clock.FakeClock) {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	clk := clock.Fake(epoch)
	b, err := newBroker(cfg, d, clk)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, b.Shutdown(ctx))
	})
	return b, clk
}

func requireState(t *testing.T, b *Broker, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return b.ConnectionHealth().State == want },
		2*time.Second, 5*time.Millisecond, "state never became %s", want)
}
