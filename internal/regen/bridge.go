// Package regen connects regeneration notifications to the image resolution
// engine. Events for a product are debounced, the phase cache is primed or
// invalidated, and every slot showing the product is re-resolved.
package regen

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/catalogkit/assetview/internal/errors"
	"github.com/catalogkit/assetview/internal/events"
	"github.com/catalogkit/assetview/internal/imageresolver"
	"github.com/catalogkit/assetview/internal/logger"
	"github.com/catalogkit/assetview/internal/observability/metrics"
	"github.com/catalogkit/assetview/internal/timer"
)

// DefaultDebounceWindow coalesces bursts of events for one product
const DefaultDebounceWindow = 300 * time.Millisecond

// seenTTL bounds how long the last event time of a product is remembered
const seenTTL = time.Hour

// DefaultReadyPhases are the phases that trigger re-resolution
var DefaultReadyPhases = []imageresolver.Phase{
	imageresolver.PhaseThumbnailsReady,
	imageresolver.PhaseThumbnailsSkipped,
}

// Bus is the subscription side of events.Bus
type Bus interface {
	Subscribe(name string, handler events.Handler) (unsubscribe func(), err error)
}

// PhaseStore is the part of the phase cache the bridge writes to
type PhaseStore interface {
	SetPhase(productID string, phase imageresolver.Phase)
	Store(productID string, phase imageresolver.Phase, data imageresolver.PhaseData) bool
	Invalidate(productID string) int
}

// Target re-resolves the slots showing a product
type Target interface {
	Reresolve(productID string, phase imageresolver.Phase) int
	Invalidate(productID string) int
}

// Options configures a Bridge
type Options struct {
	Name           string
	DebounceWindow time.Duration
	ReadyPhases    []imageresolver.Phase
	Scheduler      timer.Scheduler
	Logger         logger.Logger
	Metrics        *metrics.RegenerationMetrics

	// Forget drops other cached knowledge of a product, such as remembered
	// load failures, before its slots are re-resolved
	Forget func(productID string)
}

// Stats contains bridge counters
type Stats struct {
	Received  uint64 `json:"received"`
	Ignored   uint64 `json:"ignored"`
	Stale     uint64 `json:"stale"`
	Coalesced uint64 `json:"coalesced"`
	Fired     uint64 `json:"fired"`
	Reresolve uint64 `json:"reresolved_slots"`
	Pending   int    `json:"pending"`
}

// Bridge subscribes to regeneration events and drives re-resolution
type Bridge struct {
	name   string
	bus    Bus
	cache  PhaseStore
	target Target
	ready  map[imageresolver.Phase]struct{}
	forget func(productID string)

	debouncer *events.Debouncer[events.RegenerationEvent]

	mu          sync.Mutex
	seen        *cache.Cache
	unsubscribe func()
	stopped     bool

	received  atomic.Uint64
	ignored   atomic.Uint64
	stale     atomic.Uint64
	coalesced atomic.Uint64
	fired     atomic.Uint64
	slots     atomic.Uint64

	logger  logger.Logger
	metrics *metrics.RegenerationMetrics
}

// NewBridge creates a Bridge. It does not subscribe until Start.
func NewBridge(bus Bus, store PhaseStore, target Target, opts Options) *Bridge {
	if opts.Name == "" {
		opts.Name = "regeneration-bridge"
	}
	if opts.DebounceWindow <= 0 {
		opts.DebounceWindow = DefaultDebounceWindow
	}
	if len(opts.ReadyPhases) == 0 {
		opts.ReadyPhases = DefaultReadyPhases
	}
	if opts.Logger == nil {
		opts.Logger = logger.Global().Module("regen")
	}

	b := &Bridge{
		name:    opts.Name,
		bus:     bus,
		cache:   store,
		target:  target,
		ready:   make(map[imageresolver.Phase]struct{}, len(opts.ReadyPhases)),
		forget:  opts.Forget,
		seen:    cache.New(seenTTL, 10*time.Minute),
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
	for _, p := range opts.ReadyPhases {
		b.ready[p] = struct{}{}
	}
	b.debouncer = events.NewDebouncer(opts.DebounceWindow, opts.Scheduler, b.fire)
	b.debouncer.OnPendingChange(b.metrics.SetPendingWindows)
	return b
}

// Start subscribes to the bus
func (b *Bridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return errors.Newf("regeneration bridge already stopped").
			Component("regen").
			Category(errors.CategoryState).
			Build()
	}
	if b.unsubscribe != nil {
		return nil
	}
	unsubscribe, err := b.bus.Subscribe(b.name, b.Handle)
	if err != nil {
		return errors.New(err).
			Component("regen").
			Category(errors.CategoryBroadcast).
			Context("subscriber", b.name).
			Build()
	}
	b.unsubscribe = unsubscribe
	b.logger.Info("regeneration bridge started", logger.String("subscriber", b.name))
	return nil
}

// Stop unsubscribes and drops pending debounce windows
func (b *Bridge) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	unsubscribe := b.unsubscribe
	b.unsubscribe = nil
	b.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	b.debouncer.Stop()
	b.logger.Info("regeneration bridge stopped")
}

// Handle processes one event. It is the bus handler and may also be called
// directly by transports that bypass the bus.
func (b *Bridge) Handle(e events.RegenerationEvent) error {
	b.received.Add(1)

	if e.ProductID == "" {
		b.ignored.Add(1)
		b.metrics.IncrementEvents(metrics.OutcomeIgnored)
		return errors.Newf("regeneration event without product id").
			Component("regen").
			Category(errors.CategoryValidation).
			Context("event_id", e.ID.String()).
			Build()
	}

	if _, ok := b.ready[e.Phase]; !ok {
		b.ignored.Add(1)
		b.metrics.IncrementEvents(metrics.OutcomeIgnored)
		b.logger.Trace("ignoring regeneration event",
			logger.String("product_id", e.ProductID),
			logger.String("phase", string(e.Phase)))
		return nil
	}

	if b.isStale(e) {
		b.stale.Add(1)
		b.metrics.IncrementEvents(metrics.OutcomeStale)
		err := errors.Newf("regeneration event older than last handled event").
			Component("regen").
			Category(errors.CategoryStaleEvent).
			Priority(errors.PriorityLow).
			Context("product_id", e.ProductID).
			Context("event_time", e.Timestamp).
			Build()
		b.logger.Debug("discarding stale regeneration event", logger.Error(err))
		return nil
	}

	b.cache.SetPhase(e.ProductID, e.Phase)

	if b.debouncer.Trigger(e.ProductID, e) {
		b.coalesced.Add(1)
		b.metrics.IncrementEvents(metrics.OutcomeCoalesced)
		return nil
	}
	b.metrics.IncrementEvents(metrics.OutcomeAccepted)
	return nil
}

// isStale reports whether e predates the last accepted event of its product
// and records e's time otherwise. Events without a timestamp are never stale.
func (b *Bridge) isStale(e events.RegenerationEvent) bool {
	if e.Timestamp.IsZero() {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if v, ok := b.seen.Get(e.ProductID); ok && e.Timestamp.Before(v.(time.Time)) {
		return true
	}
	b.seen.Set(e.ProductID, e.Timestamp, cache.DefaultExpiration)
	return false
}

func (b *Bridge) fire(productID string, e events.RegenerationEvent) {
	if data, ok := e.PhaseData(); ok {
		b.cache.Store(productID, e.Phase, data)
	} else {
		b.cache.Invalidate(productID)
	}
	if b.forget != nil {
		b.forget(productID)
	}

	n := b.target.Reresolve(productID, e.Phase)
	b.fired.Add(1)
	b.slots.Add(uint64(n))
	b.metrics.IncrementEvents(metrics.OutcomeFired)
	b.logger.Debug("re-resolved regenerated product",
		logger.String("product_id", productID),
		logger.String("phase", string(e.Phase)),
		logger.Int("slots", n))
}

// Invalidate forces re-resolution of productID now, dropping any pending
// debounce window and cached phase data. It returns the number of slots
// reset.
func (b *Bridge) Invalidate(productID string) int {
	if productID == "" {
		return 0
	}
	b.debouncer.Cancel(productID)
	b.cache.Invalidate(productID)
	if b.forget != nil {
		b.forget(productID)
	}
	return b.target.Invalidate(productID)
}

// Stats returns bridge counters
func (b *Bridge) Stats() Stats {
	return Stats{
		Received:  b.received.Load(),
		Ignored:   b.ignored.Load(),
		Stale:     b.stale.Load(),
		Coalesced: b.coalesced.Load(),
		Fired:     b.fired.Load(),
		Reresolve: b.slots.Load(),
		Pending:   b.debouncer.Pending(),
	}
}
