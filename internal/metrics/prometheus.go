// Package metrics provides a concrete pebblestore.MetricsHook backed by
// Prometheus, so storage latency and batch-commit volume are observable the
// way every storage-layer repo in this lineage exposes them.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements pebblestore.MetricsHook.
type Metrics struct {
	opDuration   *prometheus.HistogramVec
	batchCommits prometheus.Counter
	batchBytes   prometheus.Counter
}

// New registers durastash's storage metrics on reg. A nil reg registers on
// the default global registerer.
func New(reg *prometheus.Registry) *Metrics {
	var factory promauto.Factory
	if reg != nil {
		factory = promauto.With(reg)
	} else {
		factory = promauto.With(prometheus.DefaultRegisterer)
	}

	return &Metrics{
		opDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "durastash",
			Subsystem: "storage",
			Name:      "op_duration_seconds",
			Help:      "Duration of KV store operations by kind",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		batchCommits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "durastash",
			Subsystem: "storage",
			Name:      "batch_commits_total",
			Help:      "Total number of write-batch commits",
		}),
		batchBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "durastash",
			Subsystem: "storage",
			Name:      "batch_commit_bytes_total",
			Help:      "Total bytes committed across write batches",
		}),
	}
}

func (m *Metrics) ObserveWrite(d time.Duration, bytes int) {
	m.opDuration.WithLabelValues("write").Observe(d.Seconds())
}

func (m *Metrics) ObserveRead(d time.Duration, bytes int) {
	m.opDuration.WithLabelValues("read").Observe(d.Seconds())
}

func (m *Metrics) ObserveBatchCommit(d time.Duration, numOps int, bytes int) {
	m.opDuration.WithLabelValues("batch_commit").Observe(d.Seconds())
	m.batchCommits.Inc()
	m.batchBytes.Add(float64(bytes))
}
