package ssenotify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Dialer opens the broker's dedicated upstream connection. Dial is
// called from its own goroutine and must honor ctx.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one open upstream connection.
//
// Listen subscribes to a channel and is only called before Events.
// Events starts delivery and returns the single channel the broker
// consumes; an Event with a non-nil Err is terminal and the channel is
// closed after it. Cancelling ctx stops delivery. Close releases the
// connection and may be called at any point.
type Conn interface {
	Listen(ctx context.Context, ch Channel) error
	Events(ctx context.Context) <-chan Event
	Close(ctx context.Context) error
}

// Event is either one raw notification or, when Err is set, the reason
// the connection was lost.
type Event struct {
	Channel string
	Payload string
	Err     error
}

// ErrUpstreamClosed is recorded when an upstream event channel closes
// without reporting a cause.
var ErrUpstreamClosed = errors.New("ssenotify: upstream connection closed")

// State is the upstream connection state.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateShuttingDown State = "shutting_down"
)

// transitions lists every legal edge of the upstream state machine.
var transitions = map[State][]State{
	StateIdle:         {StateConnecting, StateShuttingDown},
	StateConnecting:   {StateConnected, StateReconnecting, StateShuttingDown},
	StateConnected:    {StateReconnecting, StateShuttingDown},
	StateReconnecting: {StateConnecting, StateShuttingDown},
	StateShuttingDown: nil,
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// backoffDelay returns min(base * 2^attempt, max).
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		if d >= max/2 {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}

// ParseError reports an upstream notification that could not be decoded.
type ParseError struct {
	Channel string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("ssenotify: bad notification on %q: %v", e.Channel, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// NotifyPayload is one event to route.
type NotifyPayload struct {
	Channel   string          `json:"channel,omitempty"`
	EventType string          `json:"eventType"`
	DeviceID  string          `json:"deviceId,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// validateEventType rejects event types that would break SSE framing.
func validateEventType(t string) error {
	if t == "" {
		return errors.New("missing eventType")
	}
	if strings.ContainsAny(t, "\r\n") {
		return errors.New("eventType contains a line break")
	}
	return nil
}

func parseNotification(channel, raw string) (NotifyPayload, error) {
	var p NotifyPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return NotifyPayload{}, &ParseError{Channel: channel, Err: err}
	}
	if err := validateEventType(p.EventType); err != nil {
		return NotifyPayload{}, &ParseError{Channel: channel, Err: err}
	}
	data, err := compactJSON(p.Data)
	if err != nil {
		return NotifyPayload{}, &ParseError{Channel: channel, Err: fmt.Errorf("data: %w", err)}
	}
	p.Data = data
	p.Channel = channel
	return p, nil
}

// upstream is the listener's state. It is confined to the scheduler
// goroutine.
type upstream struct {
	state     State
	attempts  int
	exhausted bool
	gen       uint64 // bumped whenever an in-flight dial or timer becomes stale

	conn         Conn
	events       <-chan Event
	cancelEvents context.CancelFunc
	cancelDial   context.CancelFunc
	timer        interface{ Stop() bool }

	lastEventAt time.Time
	lastErr     error
}

func (b *Broker) transition(to State) bool {
	from := b.up.state
	if !canTransition(from, to) {
		b.log.Error("refusing illegal upstream transition",
			zap.String("from", string(from)), zap.String("to", string(to)))
		return false
	}
	b.up.state = to
	b.metrics.SetUpstreamState(string(to))
	b.log.Debug("upstream state", zap.String("from", string(from)), zap.String("to", string(to)))
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
	return true
}

// connect enters Connecting and dials in the background.
func (b *Broker) connect() {
	if !b.transition(StateConnecting) {
		return
	}
	b.up.gen++
	gen := b.up.gen

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.ConnectTimeout)
	b.up.cancelDial = cancel

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer cancel()
		conn, err := b.dial(ctx)
		if !b.post(func() { b.onDialed(gen, conn, err) }) && conn != nil {
			_ = conn.Close(context.Background())
		}
	}()
}

func (b *Broker) dial(ctx context.Context) (Conn, error) {
	conn, err := b.dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	for _, ch := range b.channels {
		if err := conn.Listen(ctx, ch); err != nil {
			_ = conn.Close(context.Background())
			return nil, fmt.Errorf("listen %s: %w", ch, err)
		}
	}
	return conn, nil
}

func (b *Broker) onDialed(gen uint64, conn Conn, err error) {
	if gen != b.up.gen || b.up.state != StateConnecting {
		if conn != nil {
			b.closeConnAsync(conn)
		}
		return
	}
	b.up.cancelDial = nil

	if err != nil {
		b.up.lastErr = err
		b.log.Warn("upstream connect failed", zap.Int("attempt", b.up.attempts), zap.Error(err))
		if b.transition(StateReconnecting) {
			b.scheduleReconnect()
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.up.conn = conn
	b.up.cancelEvents = cancel
	b.up.events = conn.Events(ctx)
	if !b.transition(StateConnected) {
		b.dropConn()
		return
	}
	b.up.attempts = 0
	b.up.exhausted = false
	b.up.lastErr = nil
	b.up.lastEventAt = b.clock.Now()
	b.log.Info("upstream connected", zap.Int("channels", len(b.channels)))
}

// onUpstreamEvent handles one item from the connection's event channel.
func (b *Broker) onUpstreamEvent(ev Event, ok bool) {
	if ok && ev.Err == nil {
		b.handleNotification(ev.Channel, ev.Payload)
		return
	}

	err := ev.Err
	if !ok || err == nil {
		err = ErrUpstreamClosed
	}
	b.dropConn()
	b.up.lastErr = err
	if b.up.state != StateConnected {
		return
	}
	b.log.Warn("upstream connection lost", zap.Error(err))
	if b.transition(StateReconnecting) {
		b.scheduleReconnect()
	}
}

func (b *Broker) handleNotification(channel, raw string) {
	p, err := parseNotification(channel, raw)
	if err != nil {
		b.stats.ParseErrors++
		b.metrics.IncParseErrors()
		b.log.Warn("dropping malformed notification", zap.String("channel", channel), zap.Error(err))
		return
	}
	b.stats.EventsReceived++
	b.metrics.IncEventsReceived()
	b.route(p)
	b.up.lastEventAt = b.clock.Now()
}

// scheduleReconnect arms the backoff timer unless the attempt budget is
// spent, in which case only ForceReconnect can resume.
func (b *Broker) scheduleReconnect() {
	if b.up.attempts >= b.cfg.Reconnect.MaxAttempts {
		b.up.exhausted = true
		b.log.Error("upstream reconnect attempts exhausted, waiting for a forced reconnect",
			zap.Int("attempts", b.up.attempts), zap.Error(b.up.lastErr))
		return
	}
	delay := backoffDelay(b.up.attempts, b.cfg.Reconnect.BaseDelay, b.cfg.Reconnect.MaxDelay)
	b.up.attempts++
	gen := b.up.gen
	b.log.Info("upstream reconnect scheduled", zap.Int("attempt", b.up.attempts), zap.Duration("delay", delay))
	b.up.timer = b.clock.AfterFunc(delay, func() {
		b.post(func() { b.onReconnectTimer(gen) })
	})
}

func (b *Broker) onReconnectTimer(gen uint64) {
	if gen != b.up.gen || b.up.state != StateReconnecting {
		return
	}
	b.up.timer = nil
	b.stats.ReconnectCount++
	b.metrics.IncReconnects()
	b.connect()
}

// forceReconnect drops whatever the listener is doing and dials now with
// a fresh attempt budget.
func (b *Broker) forceReconnect() error {
	switch b.up.state {
	case StateShuttingDown:
		return ErrClosed
	case StateIdle:
		b.start()
		return nil
	case StateConnecting, StateConnected:
		b.cancelPending()
		b.dropConn()
		if !b.transition(StateReconnecting) {
			return fmt.Errorf("ssenotify: cannot reconnect from %s", b.up.state)
		}
	case StateReconnecting:
		b.cancelPending()
	}
	b.up.attempts = 0
	b.up.exhausted = false
	b.stats.ReconnectCount++
	b.metrics.IncReconnects()
	b.log.Info("forced upstream reconnect")
	b.connect()
	return nil
}

// cancelPending invalidates any in-flight dial and reconnect timer.
func (b *Broker) cancelPending() {
	b.up.gen++
	if b.up.timer != nil {
		b.up.timer.Stop()
		b.up.timer = nil
	}
	if b.up.cancelDial != nil {
		b.up.cancelDial()
		b.up.cancelDial = nil
	}
}

// dropConn detaches the current connection and closes it off the
// scheduler goroutine.
func (b *Broker) dropConn() {
	if b.up.cancelEvents != nil {
		b.up.cancelEvents()
		b.up.cancelEvents = nil
	}
	b.up.events = nil
	if b.up.conn != nil {
		b.closeConnAsync(b.up.conn)
		b.up.conn = nil
	}
}

func (b *Broker) closeConnAsync(conn Conn) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := conn.Close(ctx); err != nil {
			b.log.Debug("upstream close", zap.Error(err))
		}
	}()
}
