// Package session wires the image resolution core into one unit: the
// visibility pool, the regeneration bus and bridge, the phase cache, the
// asset probe and the resolution engine. Hosts create one Session per
// process and talk to it through the HTTP API, MQTT or the CLI.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/catalogkit/assetview/internal/assetcheck"
	"github.com/catalogkit/assetview/internal/conf"
	"github.com/catalogkit/assetview/internal/errors"
	"github.com/catalogkit/assetview/internal/events"
	"github.com/catalogkit/assetview/internal/httpclient"
	"github.com/catalogkit/assetview/internal/imageresolver"
	"github.com/catalogkit/assetview/internal/lazyload"
	"github.com/catalogkit/assetview/internal/logger"
	"github.com/catalogkit/assetview/internal/mqtt"
	"github.com/catalogkit/assetview/internal/observability"
	"github.com/catalogkit/assetview/internal/phasecache"
	"github.com/catalogkit/assetview/internal/regen"
	"github.com/catalogkit/assetview/internal/timer"
	"github.com/catalogkit/assetview/internal/viewport"
)

// BusShutdownTimeout bounds how long Close waits for in-flight events
const BusShutdownTimeout = 5 * time.Second

// Deps are optional collaborators. Zero fields are built from settings.
type Deps struct {
	Metrics        *observability.Metrics
	Logger         logger.Logger
	Scheduler      timer.Scheduler
	HTTPClient     *httpclient.Client
	PhaseSource    phasecache.Source
	Fetcher        lazyload.Fetcher
	WatcherFactory viewport.WatcherFactory

	// NewMQTTClient replaces mqtt.NewClient
	NewMQTTClient func(mqtt.Config, mqtt.Publisher, logger.Logger) (mqtt.Client, error)
}

// Stats aggregates the statistics of every component
type Stats struct {
	Pool       viewport.PoolStats        `json:"pool"`
	Engine     imageresolver.EngineStats `json:"engine"`
	Bus        events.BusStats           `json:"bus"`
	Bridge     regen.Stats               `json:"bridge"`
	PhaseCache phasecache.Stats          `json:"phase_cache"`
	AssetCheck *assetcheck.Stats         `json:"asset_check,omitempty"`
	MQTT       *mqtt.Stats               `json:"mqtt,omitempty"`
	Slots      int                       `json:"mounted_slots"`
}

// Session owns the resolution core
type Session struct {
	settings  *conf.Settings
	metrics   *observability.Metrics
	scheduler timer.Scheduler
	logger    logger.Logger

	client     *httpclient.Client
	ownsClient bool

	bus     *events.Bus
	cache   *phasecache.Cache
	checker *assetcheck.Checker
	pool    *viewport.Pool
	engine  *imageresolver.Engine
	bridge  *regen.Bridge
	mqtt    mqtt.Client

	removeUpdate func()

	mu     sync.Mutex
	slots  map[string]*imageresolver.Slot
	closed bool
}

// New builds a session from settings and starts the regeneration bridge
func New(settings *conf.Settings, deps Deps) (*Session, error) {
	if settings == nil {
		return nil, errors.Newf("session requires settings").
			Component("session").
			Category(errors.CategoryConfiguration).
			Build()
	}
	readyPhases, err := parsePhases(settings.Regeneration.ReadyPhases)
	if err != nil {
		return nil, err
	}
	deviceClass, err := imageresolver.ParseVariant(settings.Resolver.DeviceClass)
	if err != nil {
		return nil, err
	}

	log := deps.Logger
	if log == nil {
		log = logger.Global().Module("session")
	}
	scheduler := deps.Scheduler
	if scheduler == nil {
		scheduler = timer.Real()
	}
	m := deps.Metrics
	if m == nil {
		if m, err = observability.NewMetrics(); err != nil {
			return nil, errors.New(err).
				Component("session").
				Category(errors.CategoryConfiguration).
				Context("operation", "create_metrics").
				Build()
		}
	}

	s := &Session{
		settings:  settings,
		metrics:   m,
		scheduler: scheduler,
		logger:    log,
		client:    deps.HTTPClient,
		slots:     make(map[string]*imageresolver.Slot),
	}
	if s.client == nil {
		s.client = httpclient.New(&httpclient.Config{UserAgent: settings.AssetCheck.UserAgent})
		s.ownsClient = true
	}

	source := deps.PhaseSource
	if source == nil && settings.PhaseCache.SourceURL != "" {
		httpSource, err := phasecache.NewHTTPSource(s.client, settings.PhaseCache.SourceURL)
		if err != nil {
			s.closeClient()
			return nil, err
		}
		source = httpSource
	}

	s.bus = events.NewBus(&events.Config{
		BufferSize: settings.Regeneration.BufferSize,
		Workers:    settings.Regeneration.Workers,
		Metrics:    m.Regeneration,
	}, log.Module("events"))

	s.cache = phasecache.New(source, phasecache.Options{
		TTL:             settings.PhaseCache.TTL,
		CleanupInterval: settings.PhaseCache.CleanupInterval,
		FetchTimeout:    settings.PhaseCache.FetchTimeout,
		Logger:          log.Module("phasecache"),
		Metrics:         m.PhaseCache,
	})

	fetcher := deps.Fetcher
	if fetcher == nil && settings.AssetCheck.Enabled {
		s.checker = assetcheck.New(assetcheck.Options{
			Client:        s.client,
			Timeout:       settings.AssetCheck.Timeout,
			ValidationTTL: settings.AssetCheck.ValidationTTL,
			RateLimit:     settings.AssetCheck.RateLimit,
			Burst:         settings.AssetCheck.Burst,
			MaxConcurrent: settings.AssetCheck.MaxConcurrent,
			UserAgent:     settings.AssetCheck.UserAgent,
			BaseURL:       settings.AssetCheck.BaseURL,
			Logger:        log.Module("assetcheck"),
			Metrics:       m.AssetCheck,
		})
		fetcher = s.checker
	}

	s.pool = viewport.NewPool(viewport.PoolOptions{
		MaxEntries:     settings.Pool.MaxEntries,
		WatcherFactory: deps.WatcherFactory,
		Logger:         log.Module("viewport"),
		Metrics:        m.Pool,
	})

	s.engine = imageresolver.NewEngine(imageresolver.Options{
		PlaceholderURL:    settings.Resolver.PlaceholderURL,
		StaticFallbackURL: settings.Resolver.StaticFallbackURL,
		RetryDelay:        settings.Resolver.RetryDelay,
		DeviceClass:       deviceClass,
		Phases:            s.cache,
		Pool:              s.pool,
		Threshold:         settings.Pool.Threshold,
		Fetcher:           fetcher,
		FetchTimeout:      settings.Loader.FetchTimeout,
		LoaderMetrics:     m.Loader,
		OnLoadFailure:     s.loadFailed,
		Scheduler:         scheduler,
		Logger:            log.Module("imageresolver"),
		Metrics:           m.Resolver,
	})

	// background phase fetches land after the slot resolved without them;
	// stored entries come from the bridge, which re-resolves on its own
	s.removeUpdate = s.cache.OnUpdate(func(u phasecache.Update) {
		if u.Stored {
			return
		}
		s.engine.Reresolve(u.ProductID, "")
	})

	s.bridge = regen.NewBridge(s.bus, s.cache, s.engine, regen.Options{
		DebounceWindow: settings.Regeneration.DebounceWindow,
		ReadyPhases:    readyPhases,
		Scheduler:      scheduler,
		Logger:         log.Module("regen"),
		Metrics:        m.Regeneration,
		Forget:         s.forgetChecks,
	})
	if err := s.bridge.Start(); err != nil {
		s.Close()
		return nil, err
	}

	if settings.MQTT.Enabled {
		newClient := deps.NewMQTTClient
		if newClient == nil {
			newClient = func(cfg mqtt.Config, pub mqtt.Publisher, log logger.Logger) (mqtt.Client, error) {
				return mqtt.NewClient(cfg, pub, log, m.MQTT)
			}
		}
		client, err := newClient(mqtt.ConfigFromSettings(&settings.MQTT), s.bus, log.Module("mqtt"))
		if err != nil {
			s.Close()
			return nil, err
		}
		s.mqtt = client
	}

	log.Info("session ready",
		logger.Bool("phase_source", source != nil),
		logger.Bool("asset_check", s.checker != nil),
		logger.Bool("mqtt", s.mqtt != nil),
		logger.String("device_class", string(deviceClass)))
	return s, nil
}

func parsePhases(names []string) ([]imageresolver.Phase, error) {
	phases := make([]imageresolver.Phase, 0, len(names))
	for _, name := range names {
		p := imageresolver.Phase(name)
		if !p.Valid() {
			return nil, errors.Newf("unknown regeneration phase %q", name).
				Component("session").
				Category(errors.CategoryConfiguration).
				Context("setting", "regeneration.ready_phases").
				Build()
		}
		phases = append(phases, p)
	}
	return phases, nil
}

// Start connects the MQTT subscriber when one is configured. A failed
// connection is returned; the rest of the session keeps working.
func (s *Session) Start(ctx context.Context) error {
	if s.mqtt == nil {
		return nil
	}
	return s.mqtt.Connect(ctx)
}

// Resolve returns the URL a slot would display for (p, v) right now
func (s *Session) Resolve(p imageresolver.Product, v imageresolver.Variant) imageresolver.Candidate {
	return s.engine.Resolve(p, v)
}

// Render binds an eager slot for (p, v), waits until it is loaded or broken
// and returns its final status. When ctx ends first the last status is
// returned with ctx's error.
func (s *Session) Render(ctx context.Context, p imageresolver.Product, v imageresolver.Variant, cfg imageresolver.SlotConfig) (imageresolver.SlotStatus, error) {
	settled := make(chan struct{}, 1)
	cfg.Lazy = false
	slot := s.engine.Mount(viewport.ElementID("render-"+uuid.NewString()), p, v, s.slotConfig(cfg))
	defer slot.Close()

	remove := slot.OnChange(func(st imageresolver.SlotStatus) {
		if st.Render != imageresolver.RenderLoading {
			select {
			case settled <- struct{}{}:
			default:
			}
		}
	})
	defer remove()

	if st := slot.Status(); st.Render != imageresolver.RenderLoading {
		return st, nil
	}
	select {
	case <-settled:
		return slot.Status(), nil
	case <-ctx.Done():
		return slot.Status(), ctx.Err()
	}
}

// Mount creates a long-lived slot watching element and returns its handle
func (s *Session) Mount(element viewport.ElementID, p imageresolver.Product, v imageresolver.Variant, cfg imageresolver.SlotConfig) (string, imageresolver.SlotStatus, error) {
	if element == "" {
		return "", imageresolver.SlotStatus{}, errors.Newf("mount requires an element id").
			Component("session").
			Category(errors.CategoryValidation).
			Build()
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", imageresolver.SlotStatus{}, errors.Newf("session closed").
			Component("session").
			Category(errors.CategoryState).
			Build()
	}
	s.mu.Unlock()

	slot := s.engine.Mount(element, p, v, s.slotConfig(cfg))
	id := uuid.NewString()

	s.mu.Lock()
	s.slots[id] = slot
	s.mu.Unlock()
	return id, slot.Status(), nil
}

// slotConfig fills unset slot options from settings
func (s *Session) slotConfig(cfg imageresolver.SlotConfig) imageresolver.SlotConfig {
	if cfg.SafetyTimeoutMs <= 0 {
		timeout := s.settings.Loader.SafetyTimeout
		if cfg.Priority {
			timeout = s.settings.Loader.PriorityTimeout
		}
		cfg.SafetyTimeoutMs = int(timeout.Milliseconds())
	}
	if cfg.RootMargin == "" {
		cfg.RootMargin = s.settings.Pool.RootMargin
	}
	return cfg
}

// Slot returns the status of a mounted slot
func (s *Session) Slot(id string) (imageresolver.SlotStatus, bool) {
	s.mu.Lock()
	slot, ok := s.slots[id]
	s.mu.Unlock()
	if !ok {
		return imageresolver.SlotStatus{}, false
	}
	return slot.Status(), true
}

// Unmount closes a mounted slot. It reports whether the slot existed.
func (s *Session) Unmount(id string) bool {
	s.mu.Lock()
	slot, ok := s.slots[id]
	delete(s.slots, id)
	s.mu.Unlock()
	if ok {
		slot.Close()
	}
	return ok
}

// Dispatch delivers visibility notifications reported by the host
func (s *Session) Dispatch(entries ...viewport.IntersectionEntry) {
	s.pool.Dispatch(entries...)
}

// Publish offers a regeneration event to the bus without blocking
func (s *Session) Publish(e events.RegenerationEvent) bool {
	return s.bus.TryPublish(e)
}

// Invalidate drops everything cached about productID and resets its slots.
// It returns the number of slots reset.
func (s *Session) Invalidate(productID string) int {
	return s.bridge.Invalidate(productID)
}

// loadFailed drops the phase data and check results of a product whose image
// failed, so the next attempt refetches them and bypasses caches
func (s *Session) loadFailed(productID, url string, err error) {
	if productID == "" {
		return
	}
	s.cache.Invalidate(productID)
	s.forgetChecks(productID)
	s.logger.Debug("dropped cached asset data after load failure",
		logger.String("product_id", productID),
		logger.String("url", url),
		logger.Error(err))
}

func (s *Session) forgetChecks(productID string) {
	if s.checker != nil {
		s.checker.InvalidateProduct(productID)
	}
}

// Metrics returns the session's collectors
func (s *Session) Metrics() *observability.Metrics {
	return s.metrics
}

// Settings returns the settings the session was built from
func (s *Session) Settings() *conf.Settings {
	return s.settings
}

// Stats returns a snapshot of every component
func (s *Session) Stats() Stats {
	s.mu.Lock()
	mounted := len(s.slots)
	s.mu.Unlock()

	st := Stats{
		Pool:       s.pool.Stats(),
		Engine:     s.engine.Stats(),
		Bus:        s.bus.Stats(),
		Bridge:     s.bridge.Stats(),
		PhaseCache: s.cache.Stats(),
		Slots:      mounted,
	}
	if s.checker != nil {
		cs := s.checker.Stats()
		st.AssetCheck = &cs
	}
	if s.mqtt != nil {
		ms := s.mqtt.Stats()
		st.MQTT = &ms
	}
	return st
}

// Close tears the session down in reverse construction order
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.slots = make(map[string]*imageresolver.Slot)
	s.mu.Unlock()

	if s.mqtt != nil {
		s.mqtt.Disconnect()
	}
	if s.bridge != nil {
		s.bridge.Stop()
	}
	if s.removeUpdate != nil {
		s.removeUpdate()
	}
	s.engine.Close()
	s.pool.Close()
	if s.checker != nil {
		s.checker.Close()
	}
	s.cache.Close()
	if err := s.bus.Shutdown(BusShutdownTimeout); err != nil {
		s.logger.Warn("event bus did not drain", logger.Error(err))
	}
	s.closeClient()
	s.logger.Info("session closed")
}

func (s *Session) closeClient() {
	if s.ownsClient {
		s.client.Close()
	}
}
