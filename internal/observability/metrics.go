// Package observability provides Prometheus metrics and the metrics endpoint for assetview.
package observability

import (
	"fmt"
	stdlog "log"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/catalogkit/assetview/internal/errors"
	"github.com/catalogkit/assetview/internal/observability/metrics"
)

// Metrics holds all the metric collectors for the application.
type Metrics struct {
	registry     *prometheus.Registry
	Pool         *metrics.PoolMetrics
	Loader       *metrics.LoaderMetrics
	Resolver     *metrics.ResolverMetrics
	Regeneration *metrics.RegenerationMetrics
	PhaseCache   *metrics.CacheMetrics
	AssetCheck   *metrics.CacheMetrics
	MQTT         *metrics.MQTTMetrics
	Errors       *prometheus.CounterVec
}

// NewMetrics creates a registry and initializes all metric collectors.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	m := &Metrics{registry: registry}

	var err error
	if m.Pool, err = metrics.NewPoolMetrics(registry); err != nil {
		return nil, fmt.Errorf("failed to create pool metrics: %w", err)
	}
	if m.Loader, err = metrics.NewLoaderMetrics(registry); err != nil {
		return nil, fmt.Errorf("failed to create loader metrics: %w", err)
	}
	if m.Resolver, err = metrics.NewResolverMetrics(registry); err != nil {
		return nil, fmt.Errorf("failed to create resolver metrics: %w", err)
	}
	if m.Regeneration, err = metrics.NewRegenerationMetrics(registry); err != nil {
		return nil, fmt.Errorf("failed to create regeneration metrics: %w", err)
	}
	if m.PhaseCache, err = metrics.NewCacheMetrics(registry, "phasecache"); err != nil {
		return nil, fmt.Errorf("failed to create phase cache metrics: %w", err)
	}
	if m.AssetCheck, err = metrics.NewCacheMetrics(registry, "assetcheck"); err != nil {
		return nil, fmt.Errorf("failed to create asset check metrics: %w", err)
	}
	if m.MQTT, err = metrics.NewMQTTMetrics(registry); err != nil {
		return nil, fmt.Errorf("failed to create MQTT metrics: %w", err)
	}

	m.Errors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "assetview_errors_total",
		Help: "Total number of errors built, by component and category.",
	}, []string{"component", "category"})
	if err := registry.Register(m.Errors); err != nil {
		return nil, fmt.Errorf("failed to register error metrics: %w", err)
	}
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("failed to register go collector: %w", err)
	}

	return m, nil
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ErrorHook returns an errors.ErrorHook that counts every built error.
func (m *Metrics) ErrorHook() errors.ErrorHook {
	return func(ee *errors.EnhancedError) {
		m.Errors.WithLabelValues(ee.Component, string(ee.Category)).Inc()
	}
}

// Handler returns the HTTP handler serving the registry in exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorLog:      stdlog.New(os.Stderr, "metrics handler: ", stdlog.LstdFlags),
		ErrorHandling: promhttp.HTTPErrorOnError,
	})
}

// RegisterHandlers registers the metrics endpoint with the provided http.ServeMux.
func (m *Metrics) RegisterHandlers(mux *http.ServeMux) {
	mux.Handle("/metrics", m.Handler())
}
