package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds gate's prometheus collectors. All collectors are registered
// against one registry so tests can build isolated instances with NewNop.
type Metrics struct {
	registry *prometheus.Registry

	UsersReleased   *prometheus.CounterVec
	TickDuration    prometheus.Histogram
	TickQueueErrors prometheus.Counter
	QueueWaiting    *prometheus.GaugeVec
	QueueActive     *prometheus.GaugeVec

	MergeBatches  prometheus.Counter
	MergeOutcomes *prometheus.CounterVec

	StorageReadBytes  prometheus.Counter
	StorageBatchBytes prometheus.Counter
	StorageCommitTime prometheus.Histogram
}

// New builds the collector set on a fresh registry, including the standard
// process and Go runtime collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return build(reg)
}

// NewNop builds an isolated collector set without runtime collectors, for
// tests.
func NewNop() *Metrics {
	return build(prometheus.NewRegistry())
}

func build(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		UsersReleased: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gate_users_released_total",
			Help: "Sessions released by the scheduler per queue",
		}, []string{"tenant", "queue"}),
		TickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "gate_tick_duration_seconds",
			Help:    "Duration of one scheduler tick across all queues",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		TickQueueErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "gate_tick_queue_errors_total",
			Help: "Per-queue failures isolated during scheduler ticks",
		}),
		QueueWaiting: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gate_queue_waiting",
			Help: "Waiting sessions per queue at the last tick",
		}, []string{"tenant", "queue"}),
		QueueActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gate_queue_active",
			Help: "Released plus serving sessions per queue at the last tick",
		}, []string{"tenant", "queue"}),
		MergeBatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "gate_merge_batches_total",
			Help: "Merge batches processed",
		}),
		MergeOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gate_merge_operations_total",
			Help: "Merge operations finished, by terminal status",
		}, []string{"status"}),
		StorageReadBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "gate_storage_read_bytes_total",
			Help: "Bytes read from pebble",
		}),
		StorageBatchBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "gate_storage_batch_bytes_total",
			Help: "Bytes committed to pebble in batches",
		}),
		StorageCommitTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "gate_storage_commit_seconds",
			Help:    "Pebble batch commit latency",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
	}
}

// ObserveRead implements the storage metrics hook.
func (m *Metrics) ObserveRead(_ time.Duration, bytes int) {
	m.StorageReadBytes.Add(float64(bytes))
}

// ObserveBatchCommit implements the storage metrics hook.
func (m *Metrics) ObserveBatchCommit(elapsed time.Duration, bytes int) {
	m.StorageCommitTime.Observe(elapsed.Seconds())
	m.StorageBatchBytes.Add(float64(bytes))
}

// Handler returns the HTTP handler exposing this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
