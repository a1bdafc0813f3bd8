// Package phasecache answers phase queries for the image resolver from an
// in-memory TTL cache backed by an external phase data source.
//
// Lookups never block. A miss starts one background fetch per (product, phase)
// and reports Loading until the result arrives; listeners registered with
// OnUpdate are told when an entry changes so callers can re-resolve.
package phasecache

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/catalogkit/assetview/internal/errors"
	"github.com/catalogkit/assetview/internal/imageresolver"
	"github.com/catalogkit/assetview/internal/logger"
	"github.com/catalogkit/assetview/internal/observability/metrics"
)

// Defaults used when Options leave a field zero
const (
	DefaultTTL             = 30 * time.Minute
	DefaultCleanupInterval = 10 * time.Minute
	DefaultFetchTimeout    = 5 * time.Second
)

// Source fetches the phase data the regeneration pipeline produced for a product
type Source interface {
	FetchPhase(ctx context.Context, productID string) (imageresolver.PhaseData, error)
}

// SourceFunc adapts a function to Source
type SourceFunc func(ctx context.Context, productID string) (imageresolver.PhaseData, error)

// FetchPhase calls f
func (f SourceFunc) FetchPhase(ctx context.Context, productID string) (imageresolver.PhaseData, error) {
	return f(ctx, productID)
}

// Options configures a Cache
type Options struct {
	TTL             time.Duration
	CleanupInterval time.Duration
	FetchTimeout    time.Duration
	Logger          logger.Logger
	Metrics         *metrics.CacheMetrics
}

// Update describes a changed cache entry. Stored is set when the entry came
// from Store rather than a fetch; the caller of Store already knows about it.
type Update struct {
	ProductID string
	Phase     imageresolver.Phase
	Data      imageresolver.PhaseData
	Stored    bool
}

// Stats contains cache statistics
type Stats struct {
	Entries     int    `json:"entries"`
	Phases      int    `json:"phases"`
	Inflight    int    `json:"inflight"`
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Fetches     uint64 `json:"fetches"`
	FetchErrors uint64 `json:"fetch_errors"`
	Unchanged   uint64 `json:"unchanged"`
}

type entry struct {
	data      imageresolver.PhaseData
	signature string
	fetchedAt time.Time
}

// Cache implements imageresolver.PhaseQuerier
type Cache struct {
	source       Source
	items        *cache.Cache
	phases       *cache.Cache
	group        singleflight.Group
	fetchTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	mu        sync.Mutex
	inflight  map[string]struct{}
	epochs    map[string]uint64
	listeners map[uint64]func(Update)
	nextID    uint64

	hits        atomic.Uint64
	misses      atomic.Uint64
	fetches     atomic.Uint64
	fetchErrors atomic.Uint64
	unchanged   atomic.Uint64

	logger  logger.Logger
	metrics *metrics.CacheMetrics
}

var _ imageresolver.PhaseQuerier = (*Cache)(nil)

// New creates a Cache. A nil source disables background fetching; entries can
// still be primed with Store.
func New(source Source, opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logger.Global().Module("phasecache")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		source:       source,
		items:        cache.New(opts.TTL, opts.CleanupInterval),
		phases:       cache.New(opts.TTL, opts.CleanupInterval),
		fetchTimeout: opts.FetchTimeout,
		ctx:          ctx,
		cancel:       cancel,
		inflight:     make(map[string]struct{}),
		epochs:       make(map[string]uint64),
		listeners:    make(map[uint64]func(Update)),
		logger:       opts.Logger,
		metrics:      opts.Metrics,
	}
	c.items.OnEvicted(func(string, any) {
		c.metrics.SetSize(c.items.ItemCount())
	})
	return c
}

func cacheKey(productID string, phase imageresolver.Phase) string {
	return productID + "|" + string(phase)
}

// signature identifies the URLs of an entry so refetches can detect no-ops
func signature(d imageresolver.PhaseData) string {
	t := d.Thumbnails
	return strings.Join([]string{d.ThumbnailURL, t.Minithumb, t.Mobile, t.Tablet, t.Desktop}, "\x00")
}

// Lookup returns the cached data for productID in phase. On a miss it starts a
// background fetch and reports Loading.
func (c *Cache) Lookup(productID string, phase imageresolver.Phase) imageresolver.Snapshot {
	if productID == "" {
		return imageresolver.Snapshot{}
	}
	key := cacheKey(productID, phase)

	if v, ok := c.items.Get(key); ok {
		c.hits.Add(1)
		c.metrics.IncrementHits()
		e := v.(*entry)
		if e.data.IsZero() {
			return imageresolver.Snapshot{}
		}
		data := e.data
		return imageresolver.Snapshot{Data: &data}
	}

	c.misses.Add(1)
	c.metrics.IncrementMisses()
	if c.source == nil {
		return imageresolver.Snapshot{}
	}

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return imageresolver.Snapshot{}
	}
	if _, busy := c.inflight[key]; busy {
		c.mu.Unlock()
		return imageresolver.Snapshot{Loading: true}
	}
	c.inflight[key] = struct{}{}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.inflight, key)
			c.mu.Unlock()
		}()
		if _, _, err := c.Refresh(c.ctx, productID, phase); err != nil {
			c.logger.Debug("background phase fetch failed",
				logger.String("product_id", productID),
				logger.String("phase", string(phase)),
				logger.Error(err))
		}
	}()
	return imageresolver.Snapshot{Loading: true}
}

type refreshResult struct {
	data    imageresolver.PhaseData
	changed bool
}

// Refresh fetches productID's phase data from the source and stores it.
// Concurrent refreshes of the same key share one fetch. changed reports
// whether listeners were notified.
func (c *Cache) Refresh(ctx context.Context, productID string, phase imageresolver.Phase) (data imageresolver.PhaseData, changed bool, err error) {
	if c.source == nil {
		return data, false, errors.Newf("phase cache has no source").
			Component("phasecache").
			Category(errors.CategoryConfiguration).
			Build()
	}
	key := cacheKey(productID, phase)

	v, err, _ := c.group.Do(key, func() (any, error) {
		epoch := c.epoch(productID)

		fetchCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
		defer cancel()

		start := time.Now()
		data, err := c.source.FetchPhase(fetchCtx, productID)
		c.fetches.Add(1)
		c.metrics.RecordFetch(err)
		if err != nil {
			c.fetchErrors.Add(1)
			return nil, errors.New(err).
				Component("phasecache").
				Category(errors.CategoryImageFetch).
				Context("product_id", productID).
				Context("phase", string(phase)).
				Timing("fetch_phase", time.Since(start)).
				Build()
		}

		if c.epoch(productID) != epoch {
			// invalidated while fetching; the result may predate the invalidation
			c.logger.Debug("discarding phase data fetched before invalidation",
				logger.String("product_id", productID))
			return refreshResult{data: data}, nil
		}
		return refreshResult{data: data, changed: c.put(productID, phase, data, false)}, nil
	})
	if err != nil {
		return data, false, err
	}
	r := v.(refreshResult)
	return r.data, r.changed, nil
}

// Store primes or replaces the entry for productID in phase. It reports
// whether the entry changed.
func (c *Cache) Store(productID string, phase imageresolver.Phase, data imageresolver.PhaseData) bool {
	if productID == "" {
		return false
	}
	return c.put(productID, phase, data, true)
}

func (c *Cache) put(productID string, phase imageresolver.Phase, data imageresolver.PhaseData, stored bool) bool {
	key := cacheKey(productID, phase)
	sig := signature(data)
	e := &entry{data: data, signature: sig, fetchedAt: time.Now()}

	if v, ok := c.items.Get(key); ok && v.(*entry).signature == sig {
		c.items.Set(key, e, cache.DefaultExpiration)
		c.unchanged.Add(1)
		c.metrics.IncrementUnchanged()
		return false
	}

	c.items.Set(key, e, cache.DefaultExpiration)
	c.metrics.SetSize(c.items.ItemCount())
	c.logger.Debug("phase data cached",
		logger.String("product_id", productID),
		logger.String("phase", string(phase)),
		logger.Bool("empty", data.IsZero()))

	c.notify(Update{ProductID: productID, Phase: phase, Data: data, Stored: stored})
	return true
}

func (c *Cache) notify(u Update) {
	c.mu.Lock()
	fns := make([]func(Update), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(u)
	}
}

func (c *Cache) epoch(productID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epochs[productID]
}

// SetPhase records the latest known phase for productID
func (c *Cache) SetPhase(productID string, phase imageresolver.Phase) {
	if productID == "" {
		return
	}
	c.phases.Set(productID, phase, cache.DefaultExpiration)
}

// Phase returns the latest known phase for productID
func (c *Cache) Phase(productID string) (imageresolver.Phase, bool) {
	v, ok := c.phases.Get(productID)
	if !ok {
		return "", false
	}
	return v.(imageresolver.Phase), true
}

// Invalidate drops every cached entry of productID so the next lookup
// refetches. The recorded phase is kept. It returns the number of entries
// removed.
func (c *Cache) Invalidate(productID string) int {
	if productID == "" {
		return 0
	}
	c.mu.Lock()
	c.epochs[productID]++
	c.mu.Unlock()

	prefix := productID + "|"
	removed := 0
	for key := range c.items.Items() {
		if strings.HasPrefix(key, prefix) {
			c.items.Delete(key)
			c.group.Forget(key)
			removed++
		}
	}
	c.metrics.SetSize(c.items.ItemCount())
	return removed
}

// OnUpdate registers fn to be called after an entry changes. The returned
// function removes the listener.
func (c *Cache) OnUpdate(fn func(Update)) (remove func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Stats returns cache statistics
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	inflight := len(c.inflight)
	c.mu.Unlock()

	return Stats{
		Entries:     c.items.ItemCount(),
		Phases:      c.phases.ItemCount(),
		Inflight:    inflight,
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Fetches:     c.fetches.Load(),
		FetchErrors: c.fetchErrors.Load(),
		Unchanged:   c.unchanged.Load(),
	}
}

// Wait blocks until background fetches finish
func (c *Cache) Wait() {
	c.wg.Wait()
}

// Close cancels background fetches and waits for them
func (c *Cache) Close() {
	c.mu.Lock()
	already := c.closed.Swap(true)
	c.mu.Unlock()
	if already {
		return
	}
	c.cancel()
	c.wg.Wait()
}
