package ssenotify

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

type heartbeatData struct {
	Timestamp string  `json:"timestamp"`
	Upstream  *Health `json:"upstream,omitempty"`
}

// StartHeartbeat begins the periodic keepalive. It is idempotent and
// independent of the upstream state.
func (b *Broker) StartHeartbeat() { b.do(b.startHeartbeat) }

// StopHeartbeat stops the periodic keepalive. It is idempotent.
func (b *Broker) StopHeartbeat() { b.do(b.stopHeartbeat) }

func (b *Broker) startHeartbeat() {
	if b.ticker != nil {
		return
	}
	b.ticker = b.clock.NewTicker(b.cfg.HeartbeatInterval)
}

func (b *Broker) stopHeartbeat() {
	if b.ticker == nil {
		return
	}
	b.ticker.Stop()
	b.ticker = nil
}

// heartbeat writes a keepalive to every client. A failed write evicts the
// client, which is how dead peers without a close notification are found.
func (b *Broker) heartbeat() {
	now := b.clock.Now()
	hb := heartbeatData{Timestamp: now.UTC().Format(time.RFC3339Nano)}
	if b.cfg.HeartbeatIncludeStatus {
		h := b.health(now)
		hb.Upstream = &h
	}
	data, err := json.Marshal(hb)
	if err != nil {
		b.log.Error("encode heartbeat", zap.Error(err))
		return
	}

	n := b.writeAll(b.reg.all(), Frame{Event: EventHeartbeat, Data: data})
	b.stats.HeartbeatsSent += uint64(n)
	b.metrics.AddHeartbeatsSent(n)
}
