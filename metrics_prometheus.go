package opqueue

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "opqueue"

// PromMetrics exports queue activity as Prometheus collectors.
type PromMetrics struct {
	enqueued *prometheus.CounterVec
	dequeued *prometheus.CounterVec
	removed  prometheus.Counter
	queued   prometheus.Gauge
}

var _ MetricsPolicy = (*PromMetrics)(nil)

// NewPromMetrics creates the collectors and registers them with reg.
// It panics if registration fails.
func NewPromMetrics(reg prometheus.Registerer) *PromMetrics {
	m := &PromMetrics{
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "enqueued_total",
			Help:      "Requests accepted, by op class and mode.",
		}, []string{"class", "mode"}),
		dequeued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dequeued_total",
			Help:      "Requests handed out, by op class and scheduling phase.",
		}, []string{"class", "phase"}),
		removed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "removed_total",
			Help:      "Requests withdrawn before service.",
		}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "queued",
			Help:      "Requests currently pending.",
		}),
	}
	reg.MustRegister(m.enqueued, m.dequeued, m.removed, m.queued)
	return m
}

func (m *PromMetrics) IncEnqueued(class OpClass, strict bool) {
	mode := "weighted"
	if strict {
		mode = "strict"
	}
	m.enqueued.WithLabelValues(class.String(), mode).Inc()
	m.queued.Inc()
}

func (m *PromMetrics) IncDequeued(class OpClass, phase Phase) {
	m.dequeued.WithLabelValues(class.String(), phase.String()).Inc()
	m.queued.Dec()
}

func (m *PromMetrics) AddRemoved(n int) {
	m.removed.Add(float64(n))
	m.queued.Sub(float64(n))
}
