// Package viewport multiplexes visibility subscriptions for many elements onto
// a bounded number of shared watchers.
//
// A watcher is keyed by its configuration signature (threshold and root margin).
// Elements subscribing with the same configuration share one watcher; the pool
// never holds more than MaxEntries watchers. When full, a new configuration is
// served by the least loaded existing watcher instead of failing.
package viewport

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/catalogkit/assetview/internal/errors"
	"github.com/catalogkit/assetview/internal/logger"
	"github.com/catalogkit/assetview/internal/observability/metrics"
)

// DefaultMaxEntries is the pool bound used when PoolOptions.MaxEntries is not set
const DefaultMaxEntries = 10

// ElementID identifies an observed element
type ElementID string

// Config is a watcher configuration
type Config struct {
	Threshold  float64 // intersection ratio that counts as visible, 0..1
	RootMargin string  // CSS style margin, e.g. "50px"
}

// Signature returns the key under which watchers with this configuration are shared
func (c Config) Signature() string {
	margin := strings.Join(strings.Fields(c.RootMargin), " ")
	if margin == "" {
		margin = "0px"
	}
	return strconv.FormatFloat(c.Threshold, 'g', -1, 64) + "|" + margin
}

// IntersectionEntry is one visibility notification for an element
type IntersectionEntry struct {
	Element        ElementID
	IsIntersecting bool
	Ratio          float64
	Time           time.Time
}

// Callback receives intersection notifications
type Callback func(IntersectionEntry)

// Watcher is the underlying visibility source shared by one pool entry
type Watcher interface {
	Observe(el ElementID)
	Unobserve(el ElementID)
	Disconnect()
}

// WatcherFactory creates a watcher for a configuration
type WatcherFactory func(cfg Config) Watcher

type callbackRef struct {
	id uint64
	fn Callback
}

// record holds the callbacks of one element on one entry
type record struct {
	callbacks []callbackRef
}

// Entry is one shared watcher and the elements it observes
type Entry struct {
	signature string
	config    Config
	watcher   Watcher
	seq       uint64
	elements  map[ElementID]*record
}

// Signature returns the configuration signature the entry was created for
func (e *Entry) Signature() string { return e.signature }

// Config returns the configuration the entry was created for
func (e *Entry) Config() Config { return e.config }

// PoolOptions configures a Pool
type PoolOptions struct {
	MaxEntries     int
	WatcherFactory WatcherFactory
	Logger         logger.Logger
	Metrics        *metrics.PoolMetrics
}

// PoolStats is a snapshot of pool usage
type PoolStats struct {
	Entries     int   `json:"entries"`
	MaxEntries  int   `json:"max_entries"`
	Elements    int   `json:"elements"`
	Callbacks   int   `json:"callbacks"`
	Exhaustions int64 `json:"exhaustions"`
	Panics      int64 `json:"callback_panics"`
}

// Pool is a bounded set of shared watchers
type Pool struct {
	mu             sync.Mutex
	maxEntries     int
	entries        map[string]*Entry
	factory        WatcherFactory
	logger         logger.Logger
	metrics        *metrics.PoolMetrics
	nextSeq        uint64
	nextCallbackID uint64
	exhaustions    int64
	panics         int64
	closed         bool
}

// NewPool creates a Pool. Without a WatcherFactory each entry gets a TrackingWatcher.
func NewPool(opts PoolOptions) *Pool {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.WatcherFactory == nil {
		opts.WatcherFactory = func(cfg Config) Watcher { return NewTrackingWatcher(cfg) }
	}
	if opts.Logger == nil {
		opts.Logger = logger.Global().Module("viewport")
	}
	return &Pool{
		maxEntries: opts.MaxEntries,
		entries:    make(map[string]*Entry),
		factory:    opts.WatcherFactory,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
	}
}

// Acquire returns the entry for cfg, creating one while below the bound.
// At the bound, the least loaded entry is reused and the degradation logged.
// A closed pool returns nil.
func (p *Pool) Acquire(cfg Config) *Entry {
	sig := cfg.Signature()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	if e, ok := p.entries[sig]; ok {
		p.mu.Unlock()
		return e
	}

	if len(p.entries) < p.maxEntries || len(p.entries) == 0 {
		p.nextSeq++
		e := &Entry{
			signature: sig,
			config:    cfg,
			watcher:   p.factory(cfg),
			seq:       p.nextSeq,
			elements:  make(map[ElementID]*record),
		}
		p.entries[sig] = e
		count := len(p.entries)
		p.reportSizeLocked()
		p.mu.Unlock()

		p.logger.Debug("created watcher",
			logger.String("signature", sig),
			logger.Int("entries", count))
		return e
	}

	reused := p.leastLoadedLocked()
	p.exhaustions++
	count := len(p.entries)
	p.mu.Unlock()

	p.metrics.IncrementExhaustions()
	err := errors.Newf("observer pool exhausted at %d watchers", count).
		Component("viewport").
		Category(errors.CategoryPoolExhaustion).
		Priority(errors.PriorityLow).
		Context("requested_signature", sig).
		Context("reused_signature", reused.signature).
		Build()
	p.logger.Warn("observer pool exhausted, reusing existing watcher",
		logger.Error(err),
		logger.String("requested", sig),
		logger.String("reused", reused.signature),
		logger.Int("max_entries", p.maxEntries))
	return reused
}

// leastLoadedLocked picks the entry with the fewest elements, oldest first on ties
func (p *Pool) leastLoadedLocked() *Entry {
	var best *Entry
	for _, e := range p.entries {
		if best == nil ||
			len(e.elements) < len(best.elements) ||
			(len(e.elements) == len(best.elements) && e.seq < best.seq) {
			best = e
		}
	}
	return best
}

// Subscribe registers callback for element on entry. The element is observed
// by the entry's watcher when it gains its first callback. The returned
// function removes this callback and is safe to call more than once.
func (p *Pool) Subscribe(entry *Entry, el ElementID, callback Callback) (unsubscribe func()) {
	if entry == nil || callback == nil {
		return func() {}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return func() {}
	}
	p.nextCallbackID++
	id := p.nextCallbackID

	rec, tracked := entry.elements[el]
	if !tracked {
		rec = &record{}
		entry.elements[el] = rec
	}
	rec.callbacks = append(rec.callbacks, callbackRef{id: id, fn: callback})
	p.reportSizeLocked()
	p.mu.Unlock()

	if !tracked {
		entry.watcher.Observe(el)
	}
	p.metrics.IncrementSubscriptions()

	var once sync.Once
	return func() {
		once.Do(func() { p.unsubscribe(entry, el, id) })
	}
}

func (p *Pool) unsubscribe(entry *Entry, el ElementID, id uint64) {
	p.mu.Lock()
	rec, ok := entry.elements[el]
	if !ok {
		p.mu.Unlock()
		return
	}
	for i, cb := range rec.callbacks {
		if cb.id == id {
			rec.callbacks = append(rec.callbacks[:i], rec.callbacks[i+1:]...)
			break
		}
	}
	emptied := len(rec.callbacks) == 0
	if emptied {
		delete(entry.elements, el)
	}
	p.reportSizeLocked()
	p.mu.Unlock()

	if emptied {
		entry.watcher.Unobserve(el)
	}
}

// Observe acquires the entry for cfg and subscribes callback for element
func (p *Pool) Observe(el ElementID, callback Callback, cfg Config) (unsubscribe func()) {
	return p.Subscribe(p.Acquire(cfg), el, callback)
}

// Dispatch fans intersection notifications out to every callback registered
// for each element, on every entry observing it. Callbacks run outside the
// pool lock; a panicking callback is logged and does not prevent delivery to
// the others.
func (p *Pool) Dispatch(entries ...IntersectionEntry) {
	p.dispatch(nil, entries)
}

// DispatchTo delivers notifications raised by one entry's watcher to that
// entry's subscribers only.
func (p *Pool) DispatchTo(entry *Entry, entries ...IntersectionEntry) {
	if entry == nil {
		return
	}
	p.dispatch(entry, entries)
}

func (p *Pool) dispatch(only *Entry, entries []IntersectionEntry) {
	type delivery struct {
		entry IntersectionEntry
		fns   []Callback
	}

	p.mu.Lock()
	deliveries := make([]delivery, 0, len(entries))
	for _, ie := range entries {
		var fns []Callback
		for _, e := range p.entries {
			if only != nil && e != only {
				continue
			}
			if rec, ok := e.elements[ie.Element]; ok {
				for _, cb := range rec.callbacks {
					fns = append(fns, cb.fn)
				}
			}
		}
		if len(fns) > 0 {
			deliveries = append(deliveries, delivery{entry: ie, fns: fns})
		}
	}
	p.mu.Unlock()

	delivered := 0
	for _, d := range deliveries {
		for _, fn := range d.fns {
			p.invoke(fn, d.entry)
			delivered++
		}
	}
	p.metrics.AddDispatches(delivered)
}

func (p *Pool) invoke(fn Callback, ie IntersectionEntry) {
	defer func() {
		if r := recover(); r != nil {
			p.mu.Lock()
			p.panics++
			p.mu.Unlock()
			p.metrics.IncrementCallbackPanics()
			p.logger.Error("visibility callback panicked",
				logger.String("element", string(ie.Element)),
				logger.String("panic", fmt.Sprint(r)))
		}
	}()
	fn(ie)
}

// Stats returns a snapshot of pool usage
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PoolStats{
		Entries:     len(p.entries),
		MaxEntries:  p.maxEntries,
		Exhaustions: p.exhaustions,
		Panics:      p.panics,
	}
	for _, e := range p.entries {
		stats.Elements += len(e.elements)
		for _, rec := range e.elements {
			stats.Callbacks += len(rec.callbacks)
		}
	}
	return stats
}

// IsObserved reports whether any entry currently observes el
func (p *Pool) IsObserved(el ElementID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		if _, ok := e.elements[el]; ok {
			return true
		}
	}
	return false
}

// Close disconnects every watcher and drops all subscriptions.
// Later subscriptions are ignored.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	watchers := make([]Watcher, 0, len(p.entries))
	for _, e := range p.entries {
		watchers = append(watchers, e.watcher)
		e.elements = make(map[ElementID]*record)
	}
	p.entries = make(map[string]*Entry)
	p.reportSizeLocked()
	p.mu.Unlock()

	for _, w := range watchers {
		w.Disconnect()
	}
}

func (p *Pool) reportSizeLocked() {
	if p.metrics == nil {
		return
	}
	elements := 0
	for _, e := range p.entries {
		elements += len(e.elements)
	}
	p.metrics.SetSize(len(p.entries), elements)
}
