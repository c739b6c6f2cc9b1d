package graph

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for graph store operations.
type Metrics struct {
	mutationsTotal   *prometheus.CounterVec
	mutationDuration *prometheus.HistogramVec
	cycleChecksTotal *prometheus.CounterVec
	snapshotVersion  prometheus.Gauge
	entityCount      *prometheus.GaugeVec
	registry         *prometheus.Registry
}

// NewMetrics creates a new Metrics instance.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "groupd"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.mutationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "graph",
			Name:      "mutations_total",
			Help:      "Total number of graph mutations",
		},
		[]string{"op", "status"},
	)

	m.mutationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "graph",
			Name:      "mutation_duration_seconds",
			Help:      "Graph mutation duration in seconds",
			Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1},
		},
		[]string{"op"},
	)

	m.cycleChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "graph",
			Name:      "cycle_checks_total",
			Help:      "Total number of cycle-guard reachability checks",
		},
		[]string{"result"},
	)

	m.snapshotVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "graph",
			Name:      "snapshot_version",
			Help:      "Current snapshot version of the graph",
		},
	)

	m.entityCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "graph",
			Name:      "entity_count",
			Help:      "Number of entities in the graph by kind",
		},
		[]string{"kind"},
	)

	m.registry.MustRegister(
		m.mutationsTotal,
		m.mutationDuration,
		m.cycleChecksTotal,
		m.snapshotVersion,
		m.entityCount,
	)

	return m
}

// RecordMutation records a mutation attempt.
func (m *Metrics) RecordMutation(op, status string, duration time.Duration) {
	m.mutationsTotal.WithLabelValues(op, status).Inc()
	m.mutationDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordCycleCheck records a cycle-guard check outcome.
func (m *Metrics) RecordCycleCheck(result string) {
	m.cycleChecksTotal.WithLabelValues(result).Inc()
}

// ObserveSnapshot updates the version and entity gauges from a snapshot.
func (m *Metrics) ObserveSnapshot(s *Snapshot) {
	m.snapshotVersion.Set(float64(s.Version()))
	users, groups, _, _ := s.Counts()
	m.entityCount.WithLabelValues("user").Set(float64(users))
	m.entityCount.WithLabelValues("group").Set(float64(groups))
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MustRegister registers the metrics with the given registry.
func (m *Metrics) MustRegister(registry *prometheus.Registry) {
	registry.MustRegister(
		m.mutationsTotal,
		m.mutationDuration,
		m.cycleChecksTotal,
		m.snapshotVersion,
		m.entityCount,
	)
}
