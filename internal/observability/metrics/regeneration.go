package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Regeneration event outcomes
const (
	OutcomeAccepted  = "accepted"
	OutcomeIgnored   = "ignored"
	OutcomeStale     = "stale"
	OutcomeCoalesced = "coalesced"
	OutcomeFired     = "fired"
)

// RegenerationMetrics contains Prometheus metrics for the regeneration bus and bridge.
type RegenerationMetrics struct {
	Events         *prometheus.CounterVec
	Published      prometheus.Counter
	Dropped        prometheus.Counter
	ConsumerErrors prometheus.Counter
	PendingWindows prometheus.Gauge
}

// NewRegenerationMetrics creates and registers RegenerationMetrics.
func NewRegenerationMetrics(registry prometheus.Registerer) (*RegenerationMetrics, error) {
	m := &RegenerationMetrics{
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assetview_regeneration_events_total",
			Help: "Total number of regeneration events handled by the bridge, by outcome.",
		}, []string{"outcome"}),
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "assetview_regeneration_published_total",
			Help: "Total number of regeneration events accepted by the bus.",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "assetview_regeneration_dropped_total",
			Help: "Total number of regeneration events dropped because the bus was full.",
		}),
		ConsumerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "assetview_regeneration_consumer_errors_total",
			Help: "Total number of bus consumer failures.",
		}),
		PendingWindows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "assetview_regeneration_pending_windows",
			Help: "Number of products with a debounce window currently open.",
		}),
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register regeneration metrics: %w", err)
	}
	return m, nil
}

// IncrementEvents counts a bridge outcome.
func (m *RegenerationMetrics) IncrementEvents(outcome string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(outcome).Inc()
}

// RecordPublish counts a publish attempt on the bus.
func (m *RegenerationMetrics) RecordPublish(accepted bool) {
	if m == nil {
		return
	}
	if accepted {
		m.Published.Inc()
	} else {
		m.Dropped.Inc()
	}
}

// IncrementConsumerErrors increases the consumer error counter by one.
func (m *RegenerationMetrics) IncrementConsumerErrors() {
	if m == nil {
		return
	}
	m.ConsumerErrors.Inc()
}

// SetPendingWindows records the number of open debounce windows.
func (m *RegenerationMetrics) SetPendingWindows(n int) {
	if m == nil {
		return
	}
	m.PendingWindows.Set(float64(n))
}

// Collect implements the prometheus.Collector interface.
func (m *RegenerationMetrics) Collect(ch chan<- prometheus.Metric) {
	m.Events.Collect(ch)
	ch <- m.Published
	ch <- m.Dropped
	ch <- m.ConsumerErrors
	ch <- m.PendingWindows
}

// Describe implements the prometheus.Collector interface.
func (m *RegenerationMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.Events.Describe(ch)
	ch <- m.Published.Desc()
	ch <- m.Dropped.Desc()
	ch <- m.ConsumerErrors.Desc()
	ch <- m.PendingWindows.Desc()
}
