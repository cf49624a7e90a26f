package ssenotify

import (
	"encoding/json"

	"go.uber.org/zap"
)

// route delivers p to the clients it targets and returns how many sinks
// accepted the frame. A device id wins over a user id; an event with
// neither is broadcast to everyone.
func (b *Broker) route(p NotifyPayload) int {
	var targets []*client
	switch {
	case p.DeviceID != "":
		targets = b.reg.devices(p.DeviceID)
	case p.UserID != "":
		targets = b.reg.users(p.UserID)
	default:
		targets = b.reg.all()
	}

	delivered := b.writeAll(targets, Frame{Event: p.EventType, Data: p.Data})
	b.stats.EventsRouted++
	b.stats.FramesDelivered += uint64(delivered)
	b.metrics.IncEventsRouted()
	b.metrics.AddFramesDelivered(delivered)
	return delivered
}

// writeAll writes f to every target, evicting clients whose sink
// rejects the write. targets is a snapshot, so evictions during the
// pass are safe.
func (b *Broker) writeAll(targets []*client, f Frame) int {
	now := b.clock.Now()
	n := 0
	for _, c := range targets {
		if err := c.sink.Write(f); err != nil {
			b.stats.WriteFailures++
			b.metrics.IncWriteFailures()
			b.log.Debug("client write failed", zap.String("client", string(c.id)), zap.Error(err))
			b.removeClient(c.id, "write failed")
			continue
		}
		c.lastActivityAt = now
		n++
	}
	return n
}

// BroadcastToDevice sends an event to every session of one device and
// returns the number of clients it reached.
func (b *Broker) BroadcastToDevice(deviceID, eventType string, data json.RawMessage) int {
	if deviceID == "" {
		return 0
	}
	return b.broadcast(NotifyPayload{EventType: eventType, DeviceID: deviceID, Data: data})
}

// BroadcastToUser sends an event to every session of one user.
func (b *Broker) BroadcastToUser(userID, eventType string, data json.RawMessage) int {
	if userID == "" {
		return 0
	}
	return b.broadcast(NotifyPayload{EventType: eventType, UserID: userID, Data: data})
}

// BroadcastToAll sends an event to every connected client.
func (b *Broker) BroadcastToAll(eventType string, data json.RawMessage) int {
	return b.broadcast(NotifyPayload{EventType: eventType, Data: data})
}

func (b *Broker) broadcast(p NotifyPayload) int {
	if err := validateEventType(p.EventType); err != nil {
		b.log.Warn("rejecting broadcast", zap.String("eventType", p.EventType), zap.Error(err))
		return 0
	}
	data, err := compactJSON(p.Data)
	if err != nil {
		b.log.Warn("rejecting broadcast data", zap.String("eventType", p.EventType), zap.Error(err))
		return 0
	}
	p.Data = data
	var n int
	b.do(func() { n = b.route(p) })
	return n
}
