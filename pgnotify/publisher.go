package pgnotify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/subnetmarco/ssenotify"
)

// MaxPayloadBytes keeps NOTIFY bodies under the server's 8000 byte limit.
const MaxPayloadBytes = 7900

// ErrPayloadTooLarge is returned by Publish for bodies over the limit.
var ErrPayloadTooLarge = errors.New("pgnotify: payload too large for NOTIFY")

// Execer is the part of pgxpool.Pool that Publisher uses.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Publisher emits broker events with pg_notify.
type Publisher struct {
	db       Execer
	maxBytes int
}

// NewPublisher wraps an existing pool or connection.
func NewPublisher(db Execer) *Publisher {
	return &Publisher{db: db, maxBytes: MaxPayloadBytes}
}

// OpenPool opens a pgx pool for publishing and queue monitoring.
func OpenPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgnotify: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgnotify: ping: %w", err)
	}
	return pool, nil
}

// Publish sends payload on channel as the JSON body the broker parses.
func (p *Publisher) Publish(ctx context.Context, channel ssenotify.Channel, payload ssenotify.NotifyPayload) error {
	if payload.EventType == "" {
		return errors.New("pgnotify: eventType required")
	}
	payload.Channel = ""
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("pgnotify: encode payload: %w", err)
	}
	if len(body) > p.maxBytes {
		return fmt.Errorf("%w (%d > %d)", ErrPayloadTooLarge, len(body), p.maxBytes)
	}
	if _, err := p.db.Exec(ctx, `SELECT pg_notify($1, $2)`, channel.String(), string(body)); err != nil {
		return fmt.Errorf("pgnotify: notify %s: %w", channel, err)
	}
	return nil
}
