package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/driftsync/driftsync/pkg/protocol"
)

// Metrics holds the broker's Prometheus instruments. A nil *Metrics is
// valid and records nothing, so instrumentation stays optional.
type Metrics struct {
	docsActive      prometheus.Gauge
	docsOpened      prometheus.Counter
	docsClosed      prometheus.Counter
	subscribers     prometheus.Gauge
	framesHandled   *prometheus.CounterVec
	framesRejected  prometheus.Counter
	updatesRejected prometheus.Counter
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

// NewMetrics builds and registers the broker's instruments.
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
		docsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: o.namespace,
			Subsystem: "broker",
			Name:      "docs_active",
			Help:      "Number of documents currently open.",
		}),
		docsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: o.namespace,
			Subsystem: "broker",
			Name:      "docs_opened_total",
			Help:      "Total documents opened on first reference.",
		}),
		docsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: o.namespace,
			Subsystem: "broker",
			Name:      "docs_closed_total",
			Help:      "Total documents evicted after the last session left.",
		}),
		subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: o.namespace,
			Subsystem: "broker",
			Name:      "subscribers",
			Help:      "Number of sessions currently subscribed across all documents.",
		}),
		framesHandled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Subsystem: "broker",
			Name:      "frames_handled_total",
			Help:      "Sync frames handled, by opcode.",
		}, []string{"op"}),
		framesRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: o.namespace,
			Subsystem: "broker",
			Name:      "frames_rejected_total",
			Help:      "Sync frames dropped as undecodable.",
		}),
		updatesRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: o.namespace,
			Subsystem: "broker",
			Name:      "updates_rejected_total",
			Help:      "Document updates rejected as corrupt.",
		}),
	}
}

func (m *Metrics) docOpened() {
	if m == nil {
		return
	}
	m.docsOpened.Inc()
	m.docsActive.Inc()
}

func (m *Metrics) docClosed() {
	if m == nil {
		return
	}
	m.docsClosed.Inc()
	m.docsActive.Dec()
}

func (m *Metrics) subscribed() {
	if m == nil {
		return
	}
	m.subscribers.Inc()
}

func (m *Metrics) unsubscribed() {
	if m == nil {
		return
	}
	m.subscribers.Dec()
}

func (m *Metrics) frameHandled(op protocol.Opcode) {
	if m == nil {
		return
	}
	m.framesHandled.WithLabelValues(op.String()).Inc()
}

func (m *Metrics) frameRejected() {
	if m == nil {
		return
	}
	m.framesRejected.Inc()
}

func (m *Metrics) updateRejected() {
	if m == nil {
		return
	}
	m.updatesRejected.Inc()
}
