package ssenotify

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// ClientID identifies a registered client. It is generated by the broker.
type ClientID string

type client struct {
	id             ClientID
	deviceID       string
	userID         string
	sink           Sink
	connectedAt    time.Time
	lastActivityAt time.Time
	stop           chan struct{} // closed on removal; stops the close watcher
}

// ClientInfo is the observable view of a registered client.
type ClientInfo struct {
	ID             ClientID  `json:"id"`
	DeviceID       string    `json:"deviceId,omitempty"`
	UserID         string    `json:"userId,omitempty"`
	ConnectedAt    time.Time `json:"connectedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	DurationMs     int64     `json:"durationMs"`
}

// registry owns every client record; the two indexes hold ids only.
// It is confined to the scheduler goroutine.
type registry struct {
	clients  map[ClientID]*client
	byDevice map[string]map[ClientID]struct{}
	byUser   map[string]map[ClientID]struct{}
}

func newRegistry() *registry {
	return &registry{
		clients:  make(map[ClientID]*client),
		byDevice: make(map[string]map[ClientID]struct{}),
		byUser:   make(map[string]map[ClientID]struct{}),
	}
}

func (r *registry) len() int { return len(r.clients) }

func (r *registry) add(deviceID, userID string, sink Sink, now time.Time) *client {
	c := &client{
		id:             ClientID(uuid.NewString()),
		deviceID:       deviceID,
		userID:         userID,
		sink:           sink,
		connectedAt:    now,
		lastActivityAt: now,
		stop:           make(chan struct{}),
	}
	r.clients[c.id] = c
	if deviceID != "" {
		indexAdd(r.byDevice, deviceID, c.id)
	}
	if userID != "" {
		indexAdd(r.byUser, userID, c.id)
	}
	return c
}

// remove drops id from the table and both indexes. Missing ids are not
// an error.
func (r *registry) remove(id ClientID) (*client, bool) {
	c, ok := r.clients[id]
	if !ok {
		return nil, false
	}
	delete(r.clients, id)
	if c.deviceID != "" {
		indexRemove(r.byDevice, c.deviceID, id)
	}
	if c.userID != "" {
		indexRemove(r.byUser, c.userID, id)
	}
	return c, true
}

func (r *registry) devices(deviceID string) []*client { return r.resolve(r.byDevice[deviceID]) }

func (r *registry) users(userID string) []*client { return r.resolve(r.byUser[userID]) }

func (r *registry) all() []*client {
	out := make([]*client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

func (r *registry) resolve(ids map[ClientID]struct{}) []*client {
	if len(ids) == 0 {
		return nil
	}
	out := make([]*client, 0, len(ids))
	for id := range ids {
		if c, ok := r.clients[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// list returns clients ordered by connection time, oldest first.
func (r *registry) list(now time.Time) []ClientInfo {
	out := make([]ClientInfo, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, ClientInfo{
			ID:             c.id,
			DeviceID:       c.deviceID,
			UserID:         c.userID,
			ConnectedAt:    c.connectedAt,
			LastActivityAt: c.lastActivityAt,
			DurationMs:     now.Sub(c.connectedAt).Milliseconds(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

func indexAdd(idx map[string]map[ClientID]struct{}, key string, id ClientID) {
	set, ok := idx[key]
	if !ok {
		set = make(map[ClientID]struct{})
		idx[key] = set
	}
	set[id] = struct{}{}
}

func indexRemove(idx map[string]map[ClientID]struct{}, key string, id ClientID) {
	set, ok := idx[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(idx, key)
	}
}
