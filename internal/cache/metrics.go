package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts cache traffic per data type.
type Metrics struct {
	hits    *prometheus.CounterVec
	misses  *prometheus.CounterVec
	fetches *prometheus.CounterVec
}

// NewMetrics registers cache counters with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Cache hits by data type.",
		}, []string{"data_type"}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Cache misses by data type, including expired and corrupted entries.",
		}, []string{"data_type"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_upstream_fetches_total",
			Help: "Upstream fetches triggered by cache misses.",
		}, []string{"data_type"}),
	}
	reg.MustRegister(m.hits, m.misses, m.fetches)
	return m
}

// NopMetrics returns unregistered counters, for tests and callers that do
// not export metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_hits_total",
		}, []string{"data_type"}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_misses_total",
		}, []string{"data_type"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_upstream_fetches_total",
		}, []string{"data_type"}),
	}
}

func (m *Metrics) Hit(dataType string)   { m.hits.WithLabelValues(dataType).Inc() }
func (m *Metrics) Miss(dataType string)  { m.misses.WithLabelValues(dataType).Inc() }
func (m *Metrics) Fetch(dataType string) { m.fetches.WithLabelValues(dataType).Inc() }
