package crdt

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts engine activity. A nil *Metrics records nothing.
type Metrics struct {
	commits     prometheus.Counter
	duplicates  prometheus.Counter
	snapshots   prometheus.Counter
	conflicts   *prometheus.CounterVec
	materialize prometheus.Histogram
}

func NewMetrics() *Metrics {
	return &Metrics{
		commits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lexisync",
			Subsystem: "crdt",
			Name:      "commits_added_total",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lexisync",
			Subsystem: "crdt",
			Name:      "duplicate_commits_total",
		}),
		snapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lexisync",
			Subsystem: "crdt",
			Name:      "snapshots_written_total",
		}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lexisync",
			Subsystem: "crdt",
			Name:      "conflicts_resolved_total",
		}, []string{"rule"}),
		materialize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "lexisync",
			Subsystem: "crdt",
			Name:      "materialize_seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}),
	}
}

// Collectors lists the metrics for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.commits, m.duplicates, m.snapshots, m.conflicts, m.materialize}
}

func (m *Metrics) commitsAdded(count int) {
	if m == nil || count == 0 {
		return
	}
	m.commits.Add(float64(count))
}

func (m *Metrics) duplicateCommits(count int) {
	if m == nil || count == 0 {
		return
	}
	m.duplicates.Add(float64(count))
}

func (m *Metrics) snapshotsWritten(count int) {
	if m == nil || count == 0 {
		return
	}
	m.snapshots.Add(float64(count))
}

func (m *Metrics) conflictResolved(rule string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(rule).Inc()
}

func (m *Metrics) observeMaterialize(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.materialize.Observe(elapsed.Seconds())
}
