package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// CacheMetrics contains Prometheus metrics shared by the phase cache and the
// asset probe validation cache. Metric names are prefixed with the cache name.
type CacheMetrics struct {
	Size        prometheus.Gauge
	Hits        prometheus.Counter
	Misses      prometheus.Counter
	Fetches     prometheus.Counter
	FetchErrors prometheus.Counter
	Unchanged   prometheus.Counter
}

// NewCacheMetrics creates and registers CacheMetrics for the named cache.
func NewCacheMetrics(registry prometheus.Registerer, name string) (*CacheMetrics, error) {
	prefix := "assetview_" + name
	m := &CacheMetrics{
		Size: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_entries",
			Help: "Current number of cached entries.",
		}),
		Hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_hits_total",
			Help: "Total number of cache hits.",
		}),
		Misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_misses_total",
			Help: "Total number of cache misses.",
		}),
		Fetches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_fetches_total",
			Help: "Total number of upstream fetches.",
		}),
		FetchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_fetch_errors_total",
			Help: "Total number of failed upstream fetches.",
		}),
		Unchanged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_unchanged_total",
			Help: "Total number of refetches whose signature matched the cached entry.",
		}),
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register %s cache metrics: %w", name, err)
	}
	return m, nil
}

// SetSize records the number of cached entries.
func (m *CacheMetrics) SetSize(n int) {
	if m == nil {
		return
	}
	m.Size.Set(float64(n))
}

// IncrementHits increases the hit counter by one.
func (m *CacheMetrics) IncrementHits() {
	if m == nil {
		return
	}
	m.Hits.Inc()
}

// IncrementMisses increases the miss counter by one.
func (m *CacheMetrics) IncrementMisses() {
	if m == nil {
		return
	}
	m.Misses.Inc()
}

// RecordFetch counts an upstream fetch and whether it failed.
func (m *CacheMetrics) RecordFetch(err error) {
	if m == nil {
		return
	}
	m.Fetches.Inc()
	if err != nil {
		m.FetchErrors.Inc()
	}
}

// IncrementUnchanged increases the unchanged signature counter by one.
func (m *CacheMetrics) IncrementUnchanged() {
	if m == nil {
		return
	}
	m.Unchanged.Inc()
}

// Collect implements the prometheus.Collector interface.
func (m *CacheMetrics) Collect(ch chan<- prometheus.Metric) {
	ch <- m.Size
	ch <- m.Hits
	ch <- m.Misses
	ch <- m.Fetches
	ch <- m.FetchErrors
	ch <- m.Unchanged
}

// Describe implements the prometheus.Collector interface.
func (m *CacheMetrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.Size.Desc()
	ch <- m.Hits.Desc()
	ch <- m.Misses.Desc()
	ch <- m.Fetches.Desc()
	ch <- m.FetchErrors.Desc()
	ch <- m.Unchanged.Desc()
}
