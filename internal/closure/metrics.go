package closure

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for closure computation and caching.
type Metrics struct {
	cacheHitsTotal      *prometheus.CounterVec
	cacheMissesTotal    *prometheus.CounterVec
	recomputationsTotal *prometheus.CounterVec
	recomputeDuration   *prometheus.HistogramVec
	staleMarkedTotal    prometheus.Counter
	cacheSize           prometheus.Gauge
	sharedTierErrors    prometheus.Counter
	registry            *prometheus.Registry
}

// NewMetrics creates a new Metrics instance.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "groupd"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.cacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "closure",
			Name:      "cache_hits_total",
			Help:      "Total number of closure cache hits",
		},
		[]string{"kind"},
	)

	m.cacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "closure",
			Name:      "cache_misses_total",
			Help:      "Total number of closure cache misses",
		},
		[]string{"kind"},
	)

	m.recomputationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "closure",
			Name:      "recomputations_total",
			Help:      "Total number of closure recomputations",
		},
		[]string{"kind", "trigger"},
	)

	m.recomputeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "closure",
			Name:      "recompute_duration_seconds",
			Help:      "Closure recomputation duration in seconds",
			Buckets:   []float64{.00001, .0001, .001, .01, .1, 1},
		},
		[]string{"kind"},
	)

	m.staleMarkedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "closure",
			Name:      "stale_marked_total",
			Help:      "Total number of cache entries marked stale by invalidation",
		},
	)

	m.cacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "closure",
			Name:      "cache_size",
			Help:      "Current number of cached closures",
		},
	)

	m.sharedTierErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "closure",
			Name:      "shared_tier_errors_total",
			Help:      "Total number of shared cache tier errors",
		},
	)

	m.registry.MustRegister(
		m.cacheHitsTotal,
		m.cacheMissesTotal,
		m.recomputationsTotal,
		m.recomputeDuration,
		m.staleMarkedTotal,
		m.cacheSize,
		m.sharedTierErrors,
	)

	return m
}

// RecordHit records a cache hit.
func (m *Metrics) RecordHit(kind string) {
	m.cacheHitsTotal.WithLabelValues(kind).Inc()
}

// RecordMiss records a cache miss.
func (m *Metrics) RecordMiss(kind string) {
	m.cacheMissesTotal.WithLabelValues(kind).Inc()
}

// RecordRecompute records a closure recomputation.
func (m *Metrics) RecordRecompute(kind, trigger string, duration time.Duration) {
	m.recomputationsTotal.WithLabelValues(kind, trigger).Inc()
	m.recomputeDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordStaleMarked records entries marked stale.
func (m *Metrics) RecordStaleMarked(n int) {
	m.staleMarkedTotal.Add(float64(n))
}

// SetCacheSize updates the cache size gauge.
func (m *Metrics) SetCacheSize(n int) {
	m.cacheSize.Set(float64(n))
}

// RecordSharedTierError records a shared-tier failure.
func (m *Metrics) RecordSharedTierError() {
	m.sharedTierErrors.Inc()
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MustRegister registers the metrics with the given registry.
func (m *Metrics) MustRegister(registry *prometheus.Registry) {
	registry.MustRegister(
		m.cacheHitsTotal,
		m.cacheMissesTotal,
		m.recomputationsTotal,
		m.recomputeDuration,
		m.staleMarkedTotal,
		m.cacheSize,
		m.sharedTierErrors,
	)
}
