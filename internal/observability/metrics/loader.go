package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Load trigger labels
const (
	TriggerVisible  = "visible"
	TriggerEager    = "eager"
	TriggerTimeout  = "timeout"
	TriggerReload   = "reload"
	TriggerFallback = "fallback"
)

// LoaderMetrics contains Prometheus metrics for the lazy asset loader.
type LoaderMetrics struct {
	LoadsStarted     *prometheus.CounterVec
	LoadsSucceeded   prometheus.Counter
	LoadsFailed      prometheus.Counter
	FallbackSwaps    prometheus.Counter
	StaleCompletions prometheus.Counter
	LoadDuration     prometheus.Histogram
}

// NewLoaderMetrics creates and registers LoaderMetrics.
func NewLoaderMetrics(registry prometheus.Registerer) (*LoaderMetrics, error) {
	m := &LoaderMetrics{
		LoadsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assetview_loader_loads_started_total",
			Help: "Total number of asset loads started, by trigger.",
		}, []string{"trigger"}),
		LoadsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "assetview_loader_loads_succeeded_total",
			Help: "Total number of asset loads that completed successfully.",
		}),
		LoadsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "assetview_loader_loads_failed_total",
			Help: "Total number of asset loads that failed.",
		}),
		FallbackSwaps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "assetview_loader_fallback_swaps_total",
			Help: "Total number of swaps to a configured fallback source.",
		}),
		StaleCompletions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "assetview_loader_stale_completions_total",
			Help: "Total number of load completions discarded because the slot moved on.",
		}),
		LoadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "assetview_loader_load_duration_seconds",
			Help:    "Duration of asset loads in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		}),
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register loader metrics: %w", err)
	}
	return m, nil
}

// IncrementLoadsStarted counts a load started by trigger.
func (m *LoaderMetrics) IncrementLoadsStarted(trigger string) {
	if m == nil {
		return
	}
	m.LoadsStarted.WithLabelValues(trigger).Inc()
}

// ObserveLoad records a finished load and its duration in seconds.
func (m *LoaderMetrics) ObserveLoad(success bool, durationSeconds float64) {
	if m == nil {
		return
	}
	if success {
		m.LoadsSucceeded.Inc()
	} else {
		m.LoadsFailed.Inc()
	}
	m.LoadDuration.Observe(durationSeconds)
}

// IncrementFallbackSwaps increases the fallback swap counter by one.
func (m *LoaderMetrics) IncrementFallbackSwaps() {
	if m == nil {
		return
	}
	m.FallbackSwaps.Inc()
}

// IncrementStaleCompletions increases the stale completion counter by one.
func (m *LoaderMetrics) IncrementStaleCompletions() {
	if m == nil {
		return
	}
	m.StaleCompletions.Inc()
}

// Collect implements the prometheus.Collector interface.
func (m *LoaderMetrics) Collect(ch chan<- prometheus.Metric) {
	m.LoadsStarted.Collect(ch)
	ch <- m.LoadsSucceeded
	ch <- m.LoadsFailed
	ch <- m.FallbackSwaps
	ch <- m.StaleCompletions
	ch <- m.LoadDuration
}

// Describe implements the prometheus.Collector interface.
func (m *LoaderMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.LoadsStarted.Describe(ch)
	ch <- m.LoadsSucceeded.Desc()
	ch <- m.LoadsFailed.Desc()
	ch <- m.FallbackSwaps.Desc()
	ch <- m.StaleCompletions.Desc()
	ch <- m.LoadDuration.Desc()
}
