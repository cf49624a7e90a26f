// Package ssenotify fans Postgres LISTEN/NOTIFY events out to
// Server-Sent Events clients, targeted by device or user id.
//
// Features
// - Single dedicated upstream connection with a reconnect state machine
// - Exponential backoff, bounded attempts, manual ForceReconnect
// - Device and user indexes for targeted delivery, broadcast otherwise
// - Admission control at MaxClients
// - Heartbeats that double as dead-peer detection
// - Programmatic broadcasts that bypass the database
// - Stats and health snapshots, mirrored to Prometheus
//
// Delivery is best effort: a client that is not connected, or too slow
// to keep up, misses messages.
package ssenotify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/subnetmarco/ssenotify/internal/clock"
	"github.com/subnetmarco/ssenotify/internal/metrics"
)

var (
	// ErrCapacity is returned by RegisterClient when MaxClients clients
	// are already registered.
	ErrCapacity = errors.New("ssenotify: client capacity reached")
	// ErrClosed is returned by calls made after Shutdown.
	ErrClosed = errors.New("ssenotify: broker shut down")
)

// ---------- Configuration ----------

type ReconnectConfig struct {
	MaxAttempts int           // default 10
	BaseDelay   time.Duration // default 1s
	MaxDelay    time.Duration // default 30s
}

type HTTPConfig struct {
	StreamPath    string // default "/events"
	HealthPath    string // default "/healthz"
	ClientsPath   string // default "/clients"
	ReconnectPath string // default "/reconnect"
	ClientBuffer  int    // default 64 (frames queued per client)
	SSEBufSize    int    // default 32KB buffered writer
}

type Config struct {
	// Required
	Channels []string

	MaxClients             int           // default 10000
	HeartbeatInterval      time.Duration // default 30s
	HeartbeatIncludeStatus bool
	ConnectTimeout         time.Duration // default 10s (dial plus LISTEN)
	Reconnect              ReconnectConfig

	HTTP HTTPConfig

	// Optional collaborators
	Logger     *zap.Logger           // default no-op
	Registerer prometheus.Registerer // nil leaves metrics unregistered
	// OnStateChange runs on the broker goroutine and must not call back
	// into the Broker.
	OnStateChange func(from, to State)
}

func DefaultConfig() Config {
	return Config{
		MaxClients:        10000,
		HeartbeatInterval: 30 * time.Second,
		ConnectTimeout:    10 * time.Second,
		Reconnect: ReconnectConfig{
			MaxAttempts: 10,
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
		},
		HTTP: HTTPConfig{
			StreamPath:    "/events",
			HealthPath:    "/healthz",
			ClientsPath:   "/clients",
			ReconnectPath: "/reconnect",
			ClientBuffer:  64,
			SSEBufSize:    32 << 10,
		},
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.MaxClients <= 0 {
		c.MaxClients = d.MaxClients
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.Reconnect.MaxAttempts <= 0 {
		c.Reconnect.MaxAttempts = d.Reconnect.MaxAttempts
	}
	if c.Reconnect.BaseDelay <= 0 {
		c.Reconnect.BaseDelay = d.Reconnect.BaseDelay
	}
	if c.Reconnect.MaxDelay <= 0 {
		c.Reconnect.MaxDelay = d.Reconnect.MaxDelay
	}
	if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		c.Reconnect.MaxDelay = c.Reconnect.BaseDelay
	}
	if c.HTTP.StreamPath == "" {
		c.HTTP.StreamPath = d.HTTP.StreamPath
	}
	if c.HTTP.HealthPath == "" {
		c.HTTP.HealthPath = d.HTTP.HealthPath
	}
	if c.HTTP.ClientsPath == "" {
		c.HTTP.ClientsPath = d.HTTP.ClientsPath
	}
	if c.HTTP.ReconnectPath == "" {
		c.HTTP.ReconnectPath = d.HTTP.ReconnectPath
	}
	if c.HTTP.ClientBuffer <= 0 {
		c.HTTP.ClientBuffer = d.HTTP.ClientBuffer
	}
	if c.HTTP.SSEBufSize <= 0 {
		c.HTTP.SSEBufSize = d.HTTP.SSEBufSize
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// ---------- Broker ----------

// Broker owns the client registry, the upstream listener and the
// heartbeat. All of that state lives on one goroutine; exported methods
// hand it work and wait for the result, so they are safe for concurrent
// use.
type Broker struct {
	cfg      Config
	channels []Channel
	dialer   Dialer
	log      *zap.Logger
	metrics  *metrics.Metrics
	clock    clock.Clock

	cmds chan func()
	quit chan struct{} // closed once shutdown has run
	done chan struct{} // closed when run returns
	wg   sync.WaitGroup

	final atomic.Pointer[snapshot]

	// Owned by run.
	stopping bool
	reg      *registry
	up       upstream
	ticker   *clock.Ticker
	stats    Stats
}

type snapshot struct {
	stats  Stats
	health Health
}

// New validates cfg and starts the broker goroutine. Nothing is dialed
// until Start.
func New(cfg Config, dialer Dialer) (*Broker, error) {
	return newBroker(cfg, dialer, clock.Real())
}

func newBroker(cfg Config, dialer Dialer, clk clock.Clock) (*Broker, error) {
	if dialer == nil {
		return nil, errors.New("ssenotify: dialer required")
	}
	channels, err := validateChannels(cfg.Channels)
	if err != nil {
		return nil, err
	}
	cfg.setDefaults()

	m, err := metrics.NewMetrics(cfg.Registerer)
	if err != nil {
		return nil, fmt.Errorf("ssenotify: metrics: %w", err)
	}

	b := &Broker{
		cfg:      cfg,
		channels: channels,
		dialer:   dialer,
		log:      cfg.Logger,
		metrics:  m,
		clock:    clk,
		cmds:     make(chan func()),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		reg:      newRegistry(),
		up:       upstream{state: StateIdle},
	}
	m.SetUpstreamState(string(StateIdle))
	go b.run()
	return b, nil
}

func (b *Broker) run() {
	defer close(b.done)
	for {
		var tick <-chan time.Time
		if b.ticker != nil {
			tick = b.ticker.C
		}
		select {
		case fn := <-b.cmds:
			fn()
		case ev, ok := <-b.up.events:
			b.onUpstreamEvent(ev, ok)
		case <-tick:
			b.heartbeat()
		}
		if b.stopping {
			return
		}
	}
}

// post queues fn on the broker goroutine without waiting for it. It
// reports false once the broker has shut down.
func (b *Broker) post(fn func()) bool {
	select {
	case b.cmds <- fn:
		return true
	case <-b.quit:
		return false
	}
}

// do runs fn on the broker goroutine and waits for it to finish. It must
// not be called from the broker goroutine.
func (b *Broker) do(fn func()) bool {
	finished := make(chan struct{})
	if !b.post(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}
	<-finished
	return true
}

// Start opens the upstream connection in the background and starts the
// heartbeat. Calling it again is a no-op.
func (b *Broker) Start() error {
	if !b.do(b.start) {
		return ErrClosed
	}
	return nil
}

func (b *Broker) start() {
	if b.up.state == StateIdle {
		b.connect()
	}
	b.startHeartbeat()
}

// ForceReconnect abandons the current connection attempt or connection,
// resets the reconnect budget and dials immediately. On a broker that
// was never started it behaves like Start.
func (b *Broker) ForceReconnect() error {
	err := ErrClosed
	b.do(func() { err = b.forceReconnect() })
	return err
}

// ---------- Clients ----------

type connectedData struct {
	ClientID ClientID `json:"clientId"`
}

// RegisterClient adds sink to the registry and writes the connected
// frame to it. deviceID and userID are optional. At capacity it returns
// ErrCapacity and leaves the registry unchanged.
func (b *Broker) RegisterClient(deviceID, userID string, sink Sink) (ClientID, error) {
	if sink == nil {
		return "", errors.New("ssenotify: nil sink")
	}
	var id ClientID
	err := ErrClosed
	b.do(func() { id, err = b.register(deviceID, userID, sink) })
	return id, err
}

func (b *Broker) register(deviceID, userID string, sink Sink) (ClientID, error) {
	if b.reg.len() >= b.cfg.MaxClients {
		b.stats.CapacityRejections++
		b.metrics.IncCapacityRejections()
		b.log.Warn("rejecting client at capacity", zap.Int("max_clients", b.cfg.MaxClients))
		return "", ErrCapacity
	}

	c := b.reg.add(deviceID, userID, sink, b.clock.Now())
	b.stats.ClientsRegisteredTotal++
	b.metrics.IncClientsRegistered()
	b.metrics.SetActiveClients(b.reg.len())

	data, _ := json.Marshal(connectedData{ClientID: c.id})
	if err := sink.Write(Frame{Event: EventConnected, Data: data}); err != nil {
		b.stats.WriteFailures++
		b.metrics.IncWriteFailures()
		b.removeClient(c.id, "connected frame failed")
		return "", fmt.Errorf("ssenotify: write connected frame: %w", err)
	}

	b.watch(c)
	b.log.Debug("client registered",
		zap.String("client", string(c.id)),
		zap.String("device_id", deviceID),
		zap.String("user_id", userID),
		zap.Int("active", b.reg.len()))
	return c.id, nil
}

// watch unregisters c when its sink reports that the peer went away.
func (b *Broker) watch(c *client) {
	gone := c.sink.Done()
	if gone == nil {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		select {
		case <-gone:
			b.post(func() { b.removeClient(c.id, "peer closed") })
		case <-c.stop:
		}
	}()
}

// UnregisterClient removes a client and closes its sink. It reports
// whether the client was registered.
func (b *Broker) UnregisterClient(id ClientID) bool {
	var removed bool
	b.do(func() { removed = b.removeClient(id, "unregistered") })
	return removed
}

// removeClient is the only path out of the registry, so every sink is
// closed exactly once.
func (b *Broker) removeClient(id ClientID, reason string) bool {
	c, ok := b.reg.remove(id)
	if !ok {
		return false
	}
	close(c.stop)
	if err := c.sink.Close(); err != nil {
		b.log.Debug("client sink close", zap.String("client", string(id)), zap.Error(err))
	}
	b.metrics.SetActiveClients(b.reg.len())
	b.log.Debug("client removed",
		zap.String("client", string(id)),
		zap.String("reason", reason),
		zap.Int("active", b.reg.len()))
	return true
}

// Clients lists the registered clients, oldest first.
func (b *Broker) Clients() []ClientInfo {
	var out []ClientInfo
	b.do(func() { out = b.reg.list(b.clock.Now()) })
	return out
}

// ---------- Shutdown ----------

// Shutdown stops the upstream listener and the heartbeat, closes every
// client sink and waits for background goroutines. It is idempotent; ctx
// bounds only the wait.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.do(b.shutdown)

	select {
	case <-b.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	drained := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Broker) shutdown() {
	b.log.Info("broker shutting down", zap.Int("clients", b.reg.len()))
	b.stopping = true
	b.cancelPending()
	b.dropConn()
	b.transition(StateShuttingDown)
	b.stopHeartbeat()
	for _, c := range b.reg.all() {
		b.removeClient(c.id, "shutdown")
	}
	b.final.Store(&snapshot{stats: b.snapshotStats(), health: b.health(b.clock.Now())})
	close(b.quit)
}
