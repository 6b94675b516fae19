// Package metrics holds the Prometheus instruments for the document layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the instruments the gateway and serializer report into.
// A nil *Metrics disables reporting; every method is nil-safe.
type Metrics struct {
	Operations    *prometheus.CounterVec
	OpDuration    *prometheus.HistogramVec
	WatchEvents   prometheus.Counter
	ActiveWatches prometheus.Gauge
	QueuedWrites  prometheus.Gauge
}

// New registers all metrics on the default registerer.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers all metrics on reg. Tests pass a fresh registry so
// multiple instances can coexist in one process.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Operations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "docsync_operations_total",
			Help: "Document operations by kind and outcome",
		}, []string{"op", "outcome"}),
		OpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docsync_operation_duration_ms",
			Help:    "Latency of document operations in milliseconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 500},
		}, []string{"op"}),
		WatchEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "docsync_watch_events_total",
			Help: "Watch events delivered to observers",
		}),
		ActiveWatches: factory.NewGauge(prometheus.GaugeOpts{
			Name: "docsync_active_watches",
			Help: "Currently attached watch observers",
		}),
		QueuedWrites: factory.NewGauge(prometheus.GaugeOpts{
			Name: "docsync_queued_writes",
			Help: "Writes waiting in or executing from per-document queues",
		}),
	}
}

// ObserveOp records one completed operation.
func (m *Metrics) ObserveOp(op string, err error, millis float64) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.Operations.WithLabelValues(op, outcome).Inc()
	m.OpDuration.WithLabelValues(op).Observe(millis)
}

// IncWatchEvents records delivered watch events.
func (m *Metrics) IncWatchEvents() {
	if m == nil {
		return
	}
	m.WatchEvents.Inc()
}

// AddActiveWatches moves the active watch gauge by delta.
func (m *Metrics) AddActiveWatches(delta float64) {
	if m == nil {
		return
	}
	m.ActiveWatches.Add(delta)
}

// AddQueuedWrites moves the queued writes gauge by delta.
func (m *Metrics) AddQueuedWrites(delta float64) {
	if m == nil {
		return
	}
	m.QueuedWrites.Add(delta)
}
