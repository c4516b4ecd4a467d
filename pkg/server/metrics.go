package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gate and session manager instruments. A nil
// *Metrics records nothing.
type Metrics struct {
	sessionsActive    *prometheus.GaugeVec
	sessionsCreated   *prometheus.CounterVec
	sessionsClosed    *prometheus.CounterVec
	sessionsRejected  prometheus.Counter
	sessionsDetached  prometheus.Counter
	tokensRefreshed   prometheus.Counter
	connectionsActive prometheus.Gauge
	messagesReceived  prometheus.Counter
	messagesRejected  prometheus.Counter
}

// MetricsOption configures metrics construction.
type MetricsOption func(*metricsOptions)

type metricsOptions struct {
	namespace  string
	registerer prometheus.Registerer
}

// WithNamespace sets the metric namespace prefix.
func WithNamespace(ns string) MetricsOption {
	return func(o *metricsOptions) {
		o.namespace = ns
	}
}

// WithRegistry registers the instruments with a custom registerer
// instead of the default registry.
func WithRegistry(r prometheus.Registerer) MetricsOption {
	return func(o *metricsOptions) {
		o.registerer = r
	}
}

// NewMetrics builds and registers the server's instruments.
func NewMetrics(opts ...MetricsOption) *Metrics {
	o := metricsOptions{
		namespace:  "driftsync",
		registerer: prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&o)
	}
	factory := promauto.With(o.registerer)

	return &Metrics{
		sessionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: o.namespace,
			Subsystem: "server",
			Name:      "sessions_active",
			Help:      "Live sessions, by kind.",
		}, []string{"kind"}),
		sessionsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Subsystem: "server",
			Name:      "sessions_created_total",
			Help:      "Sessions created, by kind.",
		}, []string{"kind"}),
		sessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Subsystem: "server",
			Name:      "sessions_closed_total",
			Help:      "Sessions destroyed, by kind.",
		}, []string{"kind"}),
		sessionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: o.namespace,
			Subsystem: "server",
			Name:      "sessions_rejected_total",
			Help:      "Resume attempts refused with the invalid-session close code.",
		}),
		sessionsDetached: factory.NewCounter(prometheus.CounterOpts{
			Namespace: o.namespace,
			Subsystem: "server",
			Name:      "sessions_detached_total",
			Help:      "Connections lost while the session stayed alive.",
		}),
		tokensRefreshed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: o.namespace,
			Subsystem: "server",
			Name:      "tokens_refreshed_total",
			Help:      "Proactive token rotations pushed to clients.",
		}),
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: o.namespace,
			Subsystem: "server",
			Name:      "connections_active",
			Help:      "Currently open websocket connections.",
		}),
		messagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: o.namespace,
			Subsystem: "server",
			Name:      "messages_received_total",
			Help:      "Inbound websocket frames.",
		}),
		messagesRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: o.namespace,
			Subsystem: "server",
			Name:      "messages_rejected_total",
			Help:      "Inbound frames dropped as malformed or misaddressed.",
		}),
	}
}

func kindLabel(anonymous bool) string {
	if anonymous {
		return "anonymous"
	}
	return "user"
}

func (m *Metrics) sessionCreated(anonymous bool) {
	if m == nil {
		return
	}
	m.sessionsCreated.WithLabelValues(kindLabel(anonymous)).Inc()
	m.sessionsActive.WithLabelValues(kindLabel(anonymous)).Inc()
}

func (m *Metrics) sessionClosed(anonymous bool) {
	if m == nil {
		return
	}
	m.sessionsClosed.WithLabelValues(kindLabel(anonymous)).Inc()
	m.sessionsActive.WithLabelValues(kindLabel(anonymous)).Dec()
}

func (m *Metrics) sessionRejected() {
	if m == nil {
		return
	}
	m.sessionsRejected.Inc()
}

func (m *Metrics) sessionDetached() {
	if m == nil {
		return
	}
	m.sessionsDetached.Inc()
}

func (m *Metrics) tokenRefreshed() {
	if m == nil {
		return
	}
	m.tokensRefreshed.Inc()
}

func (m *Metrics) connectionOpened() {
	if m == nil {
		return
	}
	m.connectionsActive.Inc()
}

func (m *Metrics) connectionClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

func (m *Metrics) messageReceived() {
	if m == nil {
		return
	}
	m.messagesReceived.Inc()
}

func (m *Metrics) messageRejected() {
	if m == nil {
		return
	}
	m.messagesRejected.Inc()
}
