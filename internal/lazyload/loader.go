// Package lazyload defers fetching a visual asset until its slot becomes
// visible, an eager flag applies, or a safety timeout elapses.
//
// A Loader presents a placeholder until the fetch completes, then a fade-in.
// On a failed fetch it swaps to a configured fallback source exactly once.
// Every fetch attempt carries a generation token; completions from an older
// generation are discarded.
package lazyload

import (
	"context"
	"sync"
	"time"

	"github.com/catalogkit/assetview/internal/errors"
	"github.com/catalogkit/assetview/internal/logger"
	"github.com/catalogkit/assetview/internal/observability/metrics"
	"github.com/catalogkit/assetview/internal/timer"
	"github.com/catalogkit/assetview/internal/viewport"
)

// Safety timeouts applied when Options.SafetyTimeout is zero
const (
	DefaultSafetyTimeout  = 1200 * time.Millisecond
	PrioritySafetyTimeout = 800 * time.Millisecond
	DefaultFetchTimeout   = 10 * time.Second
)

// Phase is the presentation phase of a slot
type Phase string

const (
	PhasePlaceholder Phase = "placeholder"
	PhaseLoading     Phase = "loading"
	PhaseLoaded      Phase = "loaded"
	PhaseError       Phase = "error"
)

// RenderState tells the host what to draw
type RenderState struct {
	Phase  Phase  `json:"phase"`
	Source string `json:"source,omitempty"`
	FadeIn bool   `json:"fade_in"`
}

// Fetcher loads one asset URL
type Fetcher interface {
	Fetch(ctx context.Context, url string) error
}

// FetchFunc adapts a function to the Fetcher interface
type FetchFunc func(ctx context.Context, url string) error

// Fetch calls f(ctx, url)
func (f FetchFunc) Fetch(ctx context.Context, url string) error {
	return f(ctx, url)
}

// Options configures a Loader
type Options struct {
	Element        viewport.ElementID
	Source         string
	FallbackSource string
	Eager          bool
	Priority       bool
	RootMargin     string
	Threshold      float64
	SafetyTimeout  time.Duration
	FetchTimeout   time.Duration

	// OnLoad and OnError receive the generation the fetch was issued under
	OnLoad  func(url string, generation uint64)
	OnError func(url string, generation uint64, err error)

	Context   context.Context
	Pool      *viewport.Pool
	Fetcher   Fetcher
	Scheduler timer.Scheduler
	Logger    logger.Logger
	Metrics   *metrics.LoaderMetrics
}

// state is every per-slot flag; generation changes with each fetch attempt
// and identity change.
type state struct {
	generation    uint64
	source        string
	fallback      string
	current       string
	mounted       bool
	activated     bool
	started       bool
	loaded        bool
	errored       bool
	fallbackTried bool
}

// Loader drives the lazy loading of one slot
type Loader struct {
	opts    Options
	logger  logger.Logger
	metrics *metrics.LoaderMetrics

	mu     sync.Mutex
	st     state
	sub    *viewport.Subscription
	safety timer.Timer
	cancel context.CancelFunc

	inflight sync.WaitGroup
}

// New creates a Loader. Nothing is fetched until Mount.
func New(opts Options) *Loader {
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	if opts.Scheduler == nil {
		opts.Scheduler = timer.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Global().Module("lazyload")
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.SafetyTimeout <= 0 {
		opts.SafetyTimeout = DefaultSafetyTimeout
		if opts.Priority {
			opts.SafetyTimeout = PrioritySafetyTimeout
		}
	}

	return &Loader{
		opts:    opts,
		logger:  opts.Logger.With(logger.String("element", string(opts.Element))),
		metrics: opts.Metrics,
		st: state{
			source:   opts.Source,
			fallback: opts.FallbackSource,
			current:  opts.Source,
		},
	}
}

// Mount starts the loader. An eager loader fetches at once; otherwise the
// fetch waits for visibility or the safety timeout.
func (l *Loader) Mount() {
	l.mu.Lock()
	if l.st.mounted {
		l.mu.Unlock()
		return
	}
	l.st.mounted = true
	if !l.st.loaded && !l.st.errored {
		// a fetch cut short by Unmount starts over
		l.st.started = false
	}
	gen := l.st.generation
	immediate := l.opts.Eager || l.opts.Pool == nil
	l.mu.Unlock()

	if immediate {
		l.begin(gen, metrics.TriggerEager)
		return
	}
	l.watch(gen)
}

// watch subscribes to visibility and arms the safety timeout for gen
func (l *Loader) watch(gen uint64) {
	sub := viewport.NewSubscription(l.opts.Pool, l.opts.Element, viewport.Config{
		Threshold:  l.opts.Threshold,
		RootMargin: l.opts.RootMargin,
	})
	safety := l.opts.Scheduler.AfterFunc(l.opts.SafetyTimeout, func() {
		l.begin(gen, metrics.TriggerTimeout)
	})

	l.mu.Lock()
	if gen != l.st.generation || !l.st.mounted || l.st.started {
		l.mu.Unlock()
		sub.Unsubscribe()
		safety.Stop()
		return
	}
	l.sub, l.safety = sub, safety
	l.mu.Unlock()

	sub.OnVisible(func() { l.begin(gen, metrics.TriggerVisible) })
}

// begin issues the first fetch of generation gen
func (l *Loader) begin(gen uint64, trigger string) {
	l.mu.Lock()
	if gen != l.st.generation || !l.st.mounted || l.st.started {
		l.mu.Unlock()
		return
	}
	l.st.started = true
	l.st.activated = true
	sub, safety := l.takeWatchLocked()
	url := l.st.current
	l.mu.Unlock()

	release(sub, safety)
	if trigger == metrics.TriggerTimeout {
		l.logger.Debug("safety timeout elapsed before visibility",
			logger.Duration("timeout", l.opts.SafetyTimeout))
	}
	l.fetch(gen, url, trigger)
}

func (l *Loader) takeWatchLocked() (*viewport.Subscription, timer.Timer) {
	sub, safety := l.sub, l.safety
	l.sub, l.safety = nil, nil
	return sub, safety
}

func release(sub *viewport.Subscription, safety timer.Timer) {
	if safety != nil {
		safety.Stop()
	}
	if sub != nil {
		sub.Unsubscribe()
	}
}

// fetch runs the fetcher asynchronously and reports to complete
func (l *Loader) fetch(gen uint64, url, trigger string) {
	ctx, cancel := context.WithTimeout(l.opts.Context, l.opts.FetchTimeout)

	l.mu.Lock()
	if gen != l.st.generation {
		l.mu.Unlock()
		cancel()
		return
	}
	if l.cancel != nil {
		l.cancel()
	}
	l.cancel = cancel
	l.mu.Unlock()

	l.metrics.IncrementLoadsStarted(trigger)
	l.logger.Trace("fetching asset", logger.String("url", url), logger.String("trigger", trigger))

	l.inflight.Add(1)
	go func() {
		defer l.inflight.Done()
		defer cancel()

		start := time.Now()
		var err error
		if url == "" {
			err = errors.Newf("no source for element %s", l.opts.Element).
				Component("lazyload").
				Category(errors.CategoryMissingSource).
				Build()
		} else if l.opts.Fetcher != nil {
			err = l.opts.Fetcher.Fetch(ctx, url)
		}
		l.complete(gen, url, err, time.Since(start))
	}()
}

// complete applies the result of a fetch attempt
func (l *Loader) complete(gen uint64, url string, err error, elapsed time.Duration) {
	l.mu.Lock()
	if gen != l.st.generation {
		l.mu.Unlock()
		l.metrics.IncrementStaleCompletions()
		l.logger.Trace("discarding stale completion", logger.String("url", url))
		return
	}
	l.cancel = nil

	if err == nil {
		l.st.loaded = true
		l.st.errored = false
		onLoad := l.opts.OnLoad
		l.mu.Unlock()

		l.metrics.ObserveLoad(true, elapsed.Seconds())
		if onLoad != nil {
			onLoad(url, gen)
		}
		return
	}

	l.metrics.ObserveLoad(false, elapsed.Seconds())

	fb := l.st.fallback
	if fb != "" && !l.st.fallbackTried && fb != l.st.current {
		l.st.fallbackTried = true
		l.st.current = fb
		l.st.generation++
		next := l.st.generation
		l.mu.Unlock()

		l.metrics.IncrementFallbackSwaps()
		l.logger.Debug("swapping to fallback source",
			logger.String("failed", url),
			logger.String("fallback", fb),
			logger.Error(err))
		l.fetch(next, fb, metrics.TriggerFallback)
		return
	}

	l.st.errored = true
	onError := l.opts.OnError
	l.mu.Unlock()

	var loadErr *errors.EnhancedError
	if !errors.As(err, &loadErr) {
		loadErr = errors.New(err).
			Component("lazyload").
			Category(errors.CategoryNetworkLoad).
			Priority(errors.PriorityLow).
			Context("element", string(l.opts.Element)).
			Context("url", url).
			Build()
	}
	l.logger.Debug("asset failed to load", logger.String("url", url), logger.Error(loadErr))
	if onError != nil {
		onError(url, gen, loadErr)
	}
}

// Render returns what the host should draw for the slot
func (l *Loader) Render() RenderState {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case l.st.errored:
		return RenderState{Phase: PhaseError, Source: l.st.current}
	case l.st.loaded:
		return RenderState{Phase: PhaseLoaded, Source: l.st.current, FadeIn: true}
	case l.st.started:
		return RenderState{Phase: PhaseLoading, Source: l.st.current}
	default:
		return RenderState{Phase: PhasePlaceholder}
	}
}

// Source returns the URL currently attempted or displayed
func (l *Loader) Source() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.st.current
}

// Generation returns the token of the current fetch attempt. It changes on
// every source change, reload, fallback swap and unmount.
func (l *Loader) Generation() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.st.generation
}

// SetSource replaces the requested source. A different source resets every
// flag and restarts loading; a fallback-only change just updates the fallback.
func (l *Loader) SetSource(src, fallback string) {
	l.mu.Lock()
	if src == l.st.source {
		l.st.fallback = fallback
		l.mu.Unlock()
		return
	}

	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.st.generation++
	l.st.source = src
	l.st.fallback = fallback
	l.st.current = src
	l.st.started = false
	l.st.loaded = false
	l.st.errored = false
	l.st.fallbackTried = false
	sub, safety := l.takeWatchLocked()
	gen := l.st.generation
	mounted := l.st.mounted
	immediate := l.opts.Eager || l.opts.Pool == nil || l.st.activated
	l.mu.Unlock()

	release(sub, safety)
	if !mounted {
		return
	}
	if immediate {
		l.begin(gen, metrics.TriggerEager)
		return
	}
	l.watch(gen)
}

// Reload fetches the current source again under a new generation. A loader
// still waiting for its first trigger keeps waiting.
func (l *Loader) Reload() {
	l.mu.Lock()
	if !l.st.mounted || !l.st.activated {
		l.mu.Unlock()
		return
	}
	l.st.generation++
	l.st.started = true
	l.st.activated = true
	l.st.loaded = false
	l.st.errored = false
	sub, safety := l.takeWatchLocked()
	gen := l.st.generation
	url := l.st.current
	l.mu.Unlock()

	release(sub, safety)
	l.fetch(gen, url, metrics.TriggerReload)
}

// Unmount stops watching, cancels any in-flight fetch and invalidates its
// completion.
func (l *Loader) Unmount() {
	l.mu.Lock()
	if !l.st.mounted {
		l.mu.Unlock()
		return
	}
	l.st.mounted = false
	l.st.generation++
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	sub, safety := l.takeWatchLocked()
	l.mu.Unlock()

	release(sub, safety)
}

// Wait blocks until every in-flight fetch has completed
func (l *Loader) Wait() {
	l.inflight.Wait()
}
