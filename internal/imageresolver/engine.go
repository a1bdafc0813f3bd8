// Package imageresolver picks which image URL a catalog slot displays and
// drives the error recovery state machine of each slot.
//
// Resolution walks a priority chain: freshly generated phase data, size
// specific thumbnails, the legacy primary image, then a placeholder. A failed
// load advances the slot through FallbackToPrimary, FallbackToStatic and a
// single timed retry before it is declared Broken. Regeneration notifications
// re-enter the chain from the top.
package imageresolver

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/catalogkit/assetview/internal/lazyload"
	"github.com/catalogkit/assetview/internal/logger"
	"github.com/catalogkit/assetview/internal/observability/metrics"
	"github.com/catalogkit/assetview/internal/timer"
	"github.com/catalogkit/assetview/internal/viewport"
)

// DefaultRetryDelay is the delay before the single timed retry
const DefaultRetryDelay = time.Second

// Options configures an Engine
type Options struct {
	PlaceholderURL    string
	StaticFallbackURL string
	RetryDelay        time.Duration
	DeviceClass       Variant

	Phases PhaseQuerier

	// Used by Mount to build lazy loaders
	Pool          *viewport.Pool
	Threshold     float64
	Fetcher       lazyload.Fetcher
	FetchTimeout  time.Duration
	LoaderMetrics *metrics.LoaderMetrics

	// OnLoadFailure runs after a slot accepted a failed load, outside the
	// slot lock. Hosts use it to drop cached data about the product.
	OnLoadFailure func(productID, url string, err error)

	Scheduler timer.Scheduler
	Logger    logger.Logger
	Metrics   *metrics.ResolverMetrics
}

// EngineStats is a snapshot of engine usage
type EngineStats struct {
	Slots    int            `json:"slots"`
	Broken   int            `json:"broken"`
	Products int            `json:"products"`
	States   map[string]int `json:"states"`
	Phases   int            `json:"cached_phases"`
	// Reevaluations counts slot visits made by Reresolve
	Reevaluations uint64 `json:"reevaluations"`
}

// Engine owns the slots of one session
type Engine struct {
	opts           Options
	resolver       *Resolver
	scheduler      timer.Scheduler
	retryDelay     time.Duration
	staticFallback string
	logger         logger.Logger
	metrics        *metrics.ResolverMetrics

	mu     sync.Mutex
	slots  map[*Slot]struct{}
	phases map[string]Phase
	nextID uint64
	broken atomic.Int64

	reevaluations atomic.Uint64
}

// NewEngine creates an Engine
func NewEngine(opts Options) *Engine {
	if opts.Scheduler == nil {
		opts.Scheduler = timer.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Global().Module("imageresolver")
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}

	return &Engine{
		opts:           opts,
		resolver:       NewResolver(opts.PlaceholderURL, opts.DeviceClass, opts.Phases),
		scheduler:      opts.Scheduler,
		retryDelay:     opts.RetryDelay,
		staticFallback: opts.StaticFallbackURL,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		slots:          make(map[*Slot]struct{}),
		phases:         make(map[string]Phase),
	}
}

// Resolve returns the candidate for (p, v) using the engine's cached phase.
// It has no side effects beyond starting a phase query.
func (e *Engine) Resolve(p Product, v Variant) Candidate {
	e.mu.Lock()
	if ph, ok := e.phases[p.ID]; ok {
		p.Phase = ph
	}
	e.mu.Unlock()
	return e.resolver.Resolve(p, v)
}

// Phase returns the cached phase of a product, if one was recorded
func (e *Engine) Phase(productID string) (Phase, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ph, ok := e.phases[productID]
	return ph, ok
}

// Bind creates a slot whose loads are driven by the caller through
// HandleLoaded and HandleLoadError
func (e *Engine) Bind(p Product, v Variant, cfg SlotConfig) *Slot {
	return e.bind(p, v, cfg, nil)
}

// Mount creates a slot backed by a lazy loader watching element
func (e *Engine) Mount(element viewport.ElementID, p Product, v Variant, cfg SlotConfig) *Slot {
	return e.bind(p, v, cfg, func(s *Slot) assetLoader {
		return lazyload.New(lazyload.Options{
			Element:       element,
			Eager:         !cfg.Lazy,
			Priority:      cfg.Priority,
			RootMargin:    cfg.RootMargin,
			Threshold:     e.opts.Threshold,
			SafetyTimeout: cfg.SafetyTimeout(),
			FetchTimeout:  e.opts.FetchTimeout,
			OnLoad:        s.loaderLoaded,
			OnError:       s.loaderFailed,
			Pool:          e.opts.Pool,
			Fetcher:       e.opts.Fetcher,
			Scheduler:     e.scheduler,
			Logger:        e.logger.Module("lazyload"),
			Metrics:       e.opts.LoaderMetrics,
		})
	})
}

func (e *Engine) bind(p Product, v Variant, cfg SlotConfig, newLoader func(*Slot) assetLoader) *Slot {
	if v == "" {
		v = VariantResponsive
	}

	e.mu.Lock()
	e.nextID++
	s := newSlot(e, e.nextID, cfg)
	e.slots[s] = struct{}{}
	e.mu.Unlock()

	if newLoader != nil {
		s.loader = newLoader(s)
	}
	s.apply(input{kind: inputBind, product: p, variant: v})
	e.reportSlots()
	return s
}

// Reresolve records phase for the product and re-evaluates its slots. An
// empty phase keeps the cached one. A finished phase confirms fresh data, so
// every slot whose displayed URL differs from its candidate is reset. It
// returns the number of slots visited.
func (e *Engine) Reresolve(productID string, phase Phase) int {
	if phase != "" {
		e.mu.Lock()
		e.phases[productID] = phase
		e.mu.Unlock()
	}
	n := e.each(productID, input{kind: inputRefresh, phase: phase})
	e.reevaluations.Add(uint64(n))
	return n
}

// Invalidate forces every slot of the product back to Initial
func (e *Engine) Invalidate(productID string) int {
	return e.each(productID, input{kind: inputInvalidate})
}

func (e *Engine) each(productID string, in input) int {
	n := 0
	for _, s := range e.snapshot() {
		if s.productID() != productID {
			continue
		}
		s.apply(in)
		n++
	}
	if n > 0 {
		e.logger.Debug("re-evaluated product slots",
			logger.String("product_id", productID),
			logger.Int("slots", n))
	}
	return n
}

func (e *Engine) snapshot() []*Slot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Slot, 0, len(e.slots))
	for s := range e.slots {
		out = append(out, s)
	}
	return out
}

func (e *Engine) remove(s *Slot, wasBroken bool) {
	e.mu.Lock()
	_, ok := e.slots[s]
	delete(e.slots, s)
	e.mu.Unlock()

	if ok && wasBroken {
		e.broken.Add(-1)
	}
	e.reportSlots()
}

func (e *Engine) adjustBroken(nowBroken bool) {
	if nowBroken {
		e.broken.Add(1)
	} else {
		e.broken.Add(-1)
	}
	e.reportSlots()
}

func (e *Engine) reportSlots() {
	if e.metrics == nil {
		return
	}
	e.mu.Lock()
	n := len(e.slots)
	e.mu.Unlock()
	e.metrics.SetSlots(n, int(e.broken.Load()))
}

// Stats returns a snapshot of slot states
func (e *Engine) Stats() EngineStats {
	slots := e.snapshot()
	stats := EngineStats{
		Slots:         len(slots),
		Broken:        int(e.broken.Load()),
		States:        make(map[string]int),
		Reevaluations: e.reevaluations.Load(),
	}
	products := make(map[string]struct{})
	for _, s := range slots {
		st := s.Status()
		stats.States[st.State.String()]++
		products[st.ProductID] = struct{}{}
	}
	stats.Products = len(products)

	e.mu.Lock()
	stats.Phases = len(e.phases)
	e.mu.Unlock()
	return stats
}

// Close closes every slot
func (e *Engine) Close() {
	for _, s := range e.snapshot() {
		s.Close()
	}
}
