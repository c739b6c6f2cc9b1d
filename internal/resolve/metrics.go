package resolve

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for permission resolution.
type Metrics struct {
	resolutionsTotal   *prometheus.CounterVec
	resolutionDuration *prometheus.HistogramVec
	registry           *prometheus.Registry
}

// NewMetrics creates a new Metrics instance.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "groupd"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.resolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolve",
			Name:      "resolutions_total",
			Help:      "Total number of resolution queries",
		},
		[]string{"op", "outcome"},
	)

	m.resolutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "resolve",
			Name:      "resolution_duration_seconds",
			Help:      "Resolution query duration in seconds",
			Buckets:   []float64{.00001, .0001, .001, .01, .1, 1},
		},
		[]string{"op"},
	)

	m.registry.MustRegister(
		m.resolutionsTotal,
		m.resolutionDuration,
	)

	return m
}

// RecordResolution records one resolution query.
func (m *Metrics) RecordResolution(op, outcome string, duration time.Duration) {
	m.resolutionsTotal.WithLabelValues(op, outcome).Inc()
	m.resolutionDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MustRegister registers the metrics with the given registry.
func (m *Metrics) MustRegister(registry *prometheus.Registry) {
	registry.MustRegister(
		m.resolutionsTotal,
		m.resolutionDuration,
	)
}
