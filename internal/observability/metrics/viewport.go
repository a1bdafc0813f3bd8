// Package metrics provides custom Prometheus metrics for the assetview components.
//
// Every recording method is safe to call on a nil receiver so components can
// run without a registry.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// PoolMetrics contains Prometheus metrics for the viewport observer pool.
type PoolMetrics struct {
	Entries        prometheus.Gauge
	Elements       prometheus.Gauge
	Subscriptions  prometheus.Counter
	Exhaustions    prometheus.Counter
	CallbackPanics prometheus.Counter
	Dispatches     prometheus.Counter
}

// NewPoolMetrics creates and registers PoolMetrics.
func NewPoolMetrics(registry prometheus.Registerer) (*PoolMetrics, error) {
	m := &PoolMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register pool metrics: %w", err)
	}
	return m, nil
}

func (m *PoolMetrics) initMetrics() {
	m.Entries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "assetview_pool_entries",
		Help: "Number of live shared visibility watchers.",
	})
	m.Elements = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "assetview_pool_observed_elements",
		Help: "Number of elements currently observed across all watchers.",
	})
	m.Subscriptions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "assetview_pool_subscriptions_total",
		Help: "Total number of element subscriptions.",
	})
	m.Exhaustions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "assetview_pool_exhaustions_total",
		Help: "Total number of acquisitions that reused an entry because the pool was full.",
	})
	m.CallbackPanics = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "assetview_pool_callback_panics_total",
		Help: "Total number of subscriber callbacks that panicked.",
	})
	m.Dispatches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "assetview_pool_dispatches_total",
		Help: "Total number of intersection notifications delivered to subscribers.",
	})
}

// SetSize records the current entry and element counts.
func (m *PoolMetrics) SetSize(entries, elements int) {
	if m == nil {
		return
	}
	m.Entries.Set(float64(entries))
	m.Elements.Set(float64(elements))
}

// IncrementSubscriptions increases the subscription counter by one.
func (m *PoolMetrics) IncrementSubscriptions() {
	if m == nil {
		return
	}
	m.Subscriptions.Inc()
}

// IncrementExhaustions increases the exhaustion counter by one.
func (m *PoolMetrics) IncrementExhaustions() {
	if m == nil {
		return
	}
	m.Exhaustions.Inc()
}

// IncrementCallbackPanics increases the callback panic counter by one.
func (m *PoolMetrics) IncrementCallbackPanics() {
	if m == nil {
		return
	}
	m.CallbackPanics.Inc()
}

// AddDispatches adds n delivered notifications.
func (m *PoolMetrics) AddDispatches(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Dispatches.Add(float64(n))
}

// Collect implements the prometheus.Collector interface.
func (m *PoolMetrics) Collect(ch chan<- prometheus.Metric) {
	ch <- m.Entries
	ch <- m.Elements
	ch <- m.Subscriptions
	ch <- m.Exhaustions
	ch <- m.CallbackPanics
	ch <- m.Dispatches
}

// Describe implements the prometheus.Collector interface.
func (m *PoolMetrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.Entries.Desc()
	ch <- m.Elements.Desc()
	ch <- m.Subscriptions.Desc()
	ch <- m.Exhaustions.Desc()
	ch <- m.CallbackPanics.Desc()
	ch <- m.Dispatches.Desc()
}
