// Package pgnotify connects the broker to Postgres LISTEN/NOTIFY using
// pgx. The listener holds one dedicated connection; publishing and
// queue monitoring go through a pool.
package pgnotify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/subnetmarco/ssenotify"
)

// Dialer opens dedicated LISTEN connections. It implements
// ssenotify.Dialer.
type Dialer struct {
	DSN         string
	EventBuffer int         // default 64
	Logger      *zap.Logger // default no-op
}

// Dial connects with pgx.Connect. A pooled connection would be handed
// back to the pool between notifications and lose its LISTENs.
func (d *Dialer) Dial(ctx context.Context) (ssenotify.Conn, error) {
	cfg, err := pgx.ParseConfig(d.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgnotify: parse dsn: %w", err)
	}
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	buf := d.EventBuffer
	if buf <= 0 {
		buf = 64
	}
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &listenConn{conn: conn, buf: buf, log: log}, nil
}

// listenConn serializes access to the pgx connection: Listen runs before
// Events, and Close waits for the notification loop to exit before
// closing the connection.
type listenConn struct {
	conn *pgx.Conn
	buf  int
	log  *zap.Logger

	mu       sync.Mutex
	started  bool
	loopDone chan struct{}
	closed   bool
}

func (c *listenConn) Listen(ctx context.Context, ch ssenotify.Channel) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("pgnotify: connection closed")
	}
	if c.started {
		return errors.New("pgnotify: listen after events started")
	}
	_, err := c.conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch.String()}.Sanitize())
	return err
}

func (c *listenConn) Events(ctx context.Context) <-chan ssenotify.Event {
	out := make(chan ssenotify.Event, c.buf)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.closed {
		close(out)
		return out
	}
	c.started = true
	c.loopDone = make(chan struct{})
	go c.loop(ctx, out)
	return out
}

func (c *listenConn) loop(ctx context.Context, out chan<- ssenotify.Event) {
	defer close(c.loopDone)
	defer close(out)
	for {
		n, err := c.conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			select {
			case out <- ssenotify.Event{Err: err}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case out <- ssenotify.Event{Channel: n.Channel, Payload: n.Payload}:
		case <-ctx.Done():
			return
		}
	}
}

// Close waits for the notification loop, which must already have had
// its context cancelled, then closes the connection.
func (c *listenConn) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	done := c.loopDone
	c.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			c.log.Warn("notification loop did not stop before close", zap.Error(ctx.Err()))
		}
	}
	return c.conn.Close(ctx)
}
