package plugin

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for plugin hook dispatch.
type Metrics struct {
	hooksTotal   *prometheus.CounterVec
	droppedTotal *prometheus.CounterVec
	queueDepth   prometheus.Gauge
	registry     *prometheus.Registry
}

// NewMetrics creates a new Metrics instance.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "groupd"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.hooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "plugin",
			Name:      "hooks_total",
			Help:      "Total number of plugin hook invocations",
		},
		[]string{"hook", "plugin", "outcome"},
	)

	m.droppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "plugin",
			Name:      "dropped_total",
			Help:      "Total number of hook events dropped because the queue was full",
		},
		[]string{"hook"},
	)

	m.queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "plugin",
			Name:      "queue_depth",
			Help:      "Current number of queued hook events",
		},
	)

	m.registry.MustRegister(
		m.hooksTotal,
		m.droppedTotal,
		m.queueDepth,
	)

	return m
}

// RecordHook records one hook invocation.
func (m *Metrics) RecordHook(hook, plugin, outcome string) {
	m.hooksTotal.WithLabelValues(hook, plugin, outcome).Inc()
}

// RecordDropped records a dropped hook event.
func (m *Metrics) RecordDropped(hook string) {
	m.droppedTotal.WithLabelValues(hook).Inc()
}

// SetQueueDepth updates the queue depth gauge.
func (m *Metrics) SetQueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MustRegister registers the metrics with the given registry.
func (m *Metrics) MustRegister(registry *prometheus.Registry) {
	registry.MustRegister(
		m.hooksTotal,
		m.droppedTotal,
		m.queueDepth,
	)
}
