package ssenotify

import "time"

// Stats is a point-in-time copy of the broker counters. Counters only
// grow for the life of the broker.
type Stats struct {
	EventsReceived         uint64 `json:"eventsReceived"`
	EventsRouted           uint64 `json:"eventsRouted"`
	FramesDelivered        uint64 `json:"framesDelivered"`
	HeartbeatsSent         uint64 `json:"heartbeatsSent"`
	ReconnectCount         uint64 `json:"reconnectCount"`
	ClientsRegisteredTotal uint64 `json:"clientsRegisteredTotal"`
	CapacityRejections     uint64 `json:"capacityRejections"`
	WriteFailures          uint64 `json:"writeFailures"`
	ParseErrors            uint64 `json:"parseErrors"`

	ActiveClients       int       `json:"activeClients"`
	MaxClients          int       `json:"maxClients"`
	ConnectionState     State     `json:"connectionState"`
	LastEventReceivedAt time.Time `json:"lastEventReceivedAt"`
}

// Health describes the upstream connection.
type Health struct {
	State               State     `json:"state"`
	Healthy             bool      `json:"healthy"`
	ReconnectAttempts   int       `json:"reconnectAttempts"`
	ReconnectExhausted  bool      `json:"reconnectExhausted"`
	LastEventReceivedAt time.Time `json:"lastEventReceivedAt"`
	// MsSinceLastEvent is -1 before the first connect.
	MsSinceLastEvent int64  `json:"msSinceLastEvent"`
	LastError        string `json:"lastError,omitempty"`
}

// Stats returns a snapshot of the counters. After Shutdown it returns
// the final values.
func (b *Broker) Stats() Stats {
	var s Stats
	if b.do(func() { s = b.snapshotStats() }) {
		return s
	}
	return b.final.Load().stats
}

// ConnectionHealth returns the upstream connection health.
func (b *Broker) ConnectionHealth() Health {
	var h Health
	if b.do(func() { h = b.health(b.clock.Now()) }) {
		return h
	}
	return b.final.Load().health
}

func (b *Broker) snapshotStats() Stats {
	s := b.stats
	s.ActiveClients = b.reg.len()
	s.MaxClients = b.cfg.MaxClients
	s.ConnectionState = b.up.state
	s.LastEventReceivedAt = b.up.lastEventAt
	return s
}

func (b *Broker) health(now time.Time) Health {
	h := Health{
		State:               b.up.state,
		Healthy:             b.up.state == StateConnected,
		ReconnectAttempts:   b.up.attempts,
		ReconnectExhausted:  b.up.exhausted,
		LastEventReceivedAt: b.up.lastEventAt,
		MsSinceLastEvent:    -1,
	}
	if !b.up.lastEventAt.IsZero() {
		h.MsSinceLastEvent = now.Sub(b.up.lastEventAt).Milliseconds()
	}
	if b.up.lastErr != nil {
		h.LastError = b.up.lastErr.Error()
	}
	return h
}
