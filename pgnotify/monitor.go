package pgnotify

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Querier is the part of pgxpool.Pool that QueueMonitor uses.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// QueueMonitor polls pg_notification_queue_usage. A full queue makes
// NOTIFY fail for every publisher on the server, so usage above
// WarnThreshold is logged.
type QueueMonitor struct {
	db            Querier
	interval      time.Duration
	warnThreshold float64
	log           *zap.Logger
	usage         prometheus.Gauge
}

// NewQueueMonitor builds a monitor and registers its gauge with reg when
// reg is not nil.
func NewQueueMonitor(db Querier, interval time.Duration, warnThreshold float64, log *zap.Logger, reg prometheus.Registerer) (*QueueMonitor, error) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if warnThreshold <= 0 {
		warnThreshold = 0.5
	}
	if log == nil {
		log = zap.NewNop()
	}
	usage := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ssenotify",
		Name:      "notification_queue_usage_ratio",
		Help:      "Fraction of the Postgres notification queue in use",
	})
	if reg != nil {
		if err := reg.Register(usage); err != nil {
			return nil, err
		}
	}
	return &QueueMonitor{
		db:            db,
		interval:      interval,
		warnThreshold: warnThreshold,
		log:           log,
		usage:         usage,
	}, nil
}

// Check polls once and returns the queue usage ratio.
func (m *QueueMonitor) Check(ctx context.Context) (float64, error) {
	var u float64
	if err := m.db.QueryRow(ctx, `SELECT pg_notification_queue_usage()`).Scan(&u); err != nil {
		return 0, err
	}
	m.usage.Set(u)
	if u > m.warnThreshold {
		m.log.Warn("notification queue filling up",
			zap.Float64("usage", u), zap.Float64("threshold", m.warnThreshold))
	}
	return u, nil
}

// Run polls until ctx is done.
func (m *QueueMonitor) Run(ctx context.Context) {
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := m.Check(ctx); err != nil && ctx.Err() == nil {
				m.log.Debug("queue usage poll failed", zap.Error(err))
			}
		}
	}
}
