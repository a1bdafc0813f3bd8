package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// ResolverMetrics contains Prometheus metrics for the image resolution engine.
type ResolverMetrics struct {
	Resolutions *prometheus.CounterVec
	Transitions *prometheus.CounterVec
	Resets      *prometheus.CounterVec
	ActiveSlots prometheus.Gauge
	BrokenSlots prometheus.Gauge
}

// NewResolverMetrics creates and registers ResolverMetrics.
func NewResolverMetrics(registry prometheus.Registerer) (*ResolverMetrics, error) {
	m := &ResolverMetrics{
		Resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assetview_resolver_resolutions_total",
			Help: "Total number of priority chain resolutions, by winning source.",
		}, []string{"source"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assetview_resolver_transitions_total",
			Help: "Total number of slot state transitions, by target state.",
		}, []string{"state"}),
		Resets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assetview_resolver_resets_total",
			Help: "Total number of slot resets, by reason.",
		}, []string{"reason"}),
		ActiveSlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "assetview_resolver_active_slots",
			Help: "Number of slots currently bound.",
		}),
		BrokenSlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "assetview_resolver_broken_slots",
			Help: "Number of bound slots currently rendering the placeholder.",
		}),
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register resolver metrics: %w", err)
	}
	return m, nil
}

// IncrementResolutions counts a resolution won by source.
func (m *ResolverMetrics) IncrementResolutions(source string) {
	if m == nil {
		return
	}
	m.Resolutions.WithLabelValues(source).Inc()
}

// IncrementTransitions counts a transition into state.
func (m *ResolverMetrics) IncrementTransitions(state string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(state).Inc()
}

// IncrementResets counts a slot reset for reason.
func (m *ResolverMetrics) IncrementResets(reason string) {
	if m == nil {
		return
	}
	m.Resets.WithLabelValues(reason).Inc()
}

// SetSlots records the active and broken slot counts.
func (m *ResolverMetrics) SetSlots(active, broken int) {
	if m == nil {
		return
	}
	m.ActiveSlots.Set(float64(active))
	m.BrokenSlots.Set(float64(broken))
}

// Collect implements the prometheus.Collector interface.
func (m *ResolverMetrics) Collect(ch chan<- prometheus.Metric) {
	m.Resolutions.Collect(ch)
	m.Transitions.Collect(ch)
	m.Resets.Collect(ch)
	ch <- m.ActiveSlots
	ch <- m.BrokenSlots
}

// Describe implements the prometheus.Collector interface.
func (m *ResolverMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.Resolutions.Describe(ch)
	m.Transitions.Describe(ch)
	m.Resets.Describe(ch)
	ch <- m.ActiveSlots.Desc()
	ch <- m.BrokenSlots.Desc()
}
