// Package metrics exposes the broker's counters as Prometheus collectors.
// All methods are safe to call on a nil *Metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ssenotify"

// States is every upstream connection state label value, used to keep
// the state gauge one-hot.
var States = []string{"idle", "connecting", "connected", "reconnecting", "shutting_down"}

type Metrics struct {
	eventsReceived     prometheus.Counter
	eventsRouted       prometheus.Counter
	framesDelivered    prometheus.Counter
	heartbeatsSent     prometheus.Counter
	writeFailures      prometheus.Counter
	parseErrors        prometheus.Counter
	reconnects         prometheus.Counter
	clientsRegistered  prometheus.Counter
	capacityRejections prometheus.Counter
	activeClients      prometheus.Gauge
	upstreamState      *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		eventsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Notifications received and decoded from the upstream connection.",
		}),
		eventsRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_routed_total",
			Help:      "Routing passes, from upstream or the broadcast API.",
		}),
		framesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_delivered_total",
			Help:      "Event frames accepted by client sinks.",
		}),
		heartbeatsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_sent_total",
			Help:      "Heartbeat frames accepted by client sinks.",
		}),
		writeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_failures_total",
			Help:      "Sink writes that failed and evicted the client.",
		}),
		parseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_errors_total",
			Help:      "Upstream notifications dropped because they could not be decoded.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_reconnects_total",
			Help:      "Reconnect attempts made against the upstream database.",
		}),
		clientsRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clients_registered_total",
			Help:      "Clients admitted since start.",
		}),
		capacityRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capacity_rejections_total",
			Help:      "Registrations refused because the client ceiling was reached.",
		}),
		activeClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_clients",
			Help:      "Currently registered clients.",
		}),
		upstreamState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_state",
			Help:      "1 for the current upstream connection state, 0 otherwise.",
		}, []string{"state"}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.eventsReceived, m.eventsRouted, m.framesDelivered, m.heartbeatsSent,
			m.writeFailures, m.parseErrors, m.reconnects, m.clientsRegistered,
			m.capacityRejections, m.activeClients, m.upstreamState,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) IncEventsReceived() {
	if m != nil {
		m.eventsReceived.Inc()
	}
}

func (m *Metrics) IncEventsRouted() {
	if m != nil {
		m.eventsRouted.Inc()
	}
}

func (m *Metrics) AddFramesDelivered(n int) {
	if m != nil && n > 0 {
		m.framesDelivered.Add(float64(n))
	}
}

func (m *Metrics) AddHeartbeatsSent(n int) {
	if m != nil && n > 0 {
		m.heartbeatsSent.Add(float64(n))
	}
}

func (m *Metrics) IncWriteFailures() {
	if m != nil {
		m.writeFailures.Inc()
	}
}

func (m *Metrics) IncParseErrors() {
	if m != nil {
		m.parseErrors.Inc()
	}
}

func (m *Metrics) IncReconnects() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) IncClientsRegistered() {
	if m != nil {
		m.clientsRegistered.Inc()
	}
}

func (m *Metrics) IncCapacityRejections() {
	if m != nil {
		m.capacityRejections.Inc()
	}
}

func (m *Metrics) SetActiveClients(n int) {
	if m != nil {
		m.activeClients.Set(float64(n))
	}
}

// SetUpstreamState marks state as current and clears every other state.
func (m *Metrics) SetUpstreamState(state string) {
	if m == nil {
		return
	}
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		m.upstreamState.WithLabelValues(s).Set(v)
	}
}
