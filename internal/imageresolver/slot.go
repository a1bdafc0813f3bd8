package imageresolver

import (
	"strings"
	"sync"
	"time"

	"github.com/catalogkit/assetview/internal/errors"
	"github.com/catalogkit/assetview/internal/logger"
	"github.com/catalogkit/assetview/internal/timer"
)

// SlotConfig configures one visual slot
type SlotConfig struct {
	Lazy              bool   `json:"lazy" yaml:"lazy"`
	Priority          bool   `json:"priority" yaml:"priority"`
	RootMargin        string `json:"root_margin,omitempty" yaml:"root_margin,omitempty"`
	SafetyTimeoutMs   int    `json:"safety_timeout_ms,omitempty" yaml:"safety_timeout_ms,omitempty"`
	StaticFallbackURL string `json:"static_fallback_url,omitempty" yaml:"static_fallback_url,omitempty"`
}

// SafetyTimeout converts SafetyTimeoutMs. Zero leaves the loader default.
func (c SlotConfig) SafetyTimeout() time.Duration {
	if c.SafetyTimeoutMs <= 0 {
		return 0
	}
	return time.Duration(c.SafetyTimeoutMs) * time.Millisecond
}

// SlotStatus is a snapshot of a slot
type SlotStatus struct {
	ProductID string      `json:"product_id"`
	Variant   Variant     `json:"variant"`
	URL       string      `json:"url"`
	Source    Source      `json:"source"`
	State     State       `json:"state"`
	Stage     State       `json:"stage"`
	Render    RenderPhase `json:"render"`
	Retries   int         `json:"retries"`
	Attempt   uint64      `json:"attempt"`
}

// assetLoader is the part of lazyload.Loader a slot drives
type assetLoader interface {
	SetSource(src, fallback string)
	Reload()
	Generation() uint64
	Mount()
	Unmount()
	Wait()
}

type inputKind int

const (
	inputBind inputKind = iota
	inputProduct
	inputVariant
	inputLoaded
	inputLoadFailed
	inputRetryDue
	inputRefresh
	inputInvalidate
)

// input is one event for the slot. Completions carry the token of the load
// they finish: attempt for host driven loads, loaderGen for the slot's own
// loader.
type input struct {
	kind       inputKind
	product    Product
	variant    Variant
	phase      Phase
	url        string
	err        error
	generation uint64
	attempt    uint64
	loaderGen  uint64
	fromLoader bool
}

// slotState holds every flag of one resolution attempt. generation changes
// on each reset so a retry timer armed before it is recognized as stale.
type slotState struct {
	generation   uint64
	product      Product
	variant      Variant
	candidate    Candidate
	url          string
	source       Source
	state        State
	stage        State
	retries      int
	attempt      uint64
	triedPrimary bool
	triedStatic  bool
	retryTimer   timer.Timer
}

// outcome collects what a transition did, reported after the lock is released
type outcome struct {
	transitions []State
	reset       string
	resolved    bool
	retried     bool
	stale       bool
	missing     bool
	brokenErr   error
	failedURL   string
	failErr     error
}

// Slot is one product/variant pair being resolved and displayed
type Slot struct {
	engine *Engine
	id     uint64
	config SlotConfig
	logger logger.Logger

	mu            sync.Mutex
	st            slotState
	loader        assetLoader
	loaderMounted bool
	loaderURL     string
	loaderGen     uint64
	closed        bool
	listeners     map[uint64]func(SlotStatus)
	nextListener  uint64
}

func newSlot(e *Engine, id uint64, cfg SlotConfig) *Slot {
	return &Slot{
		engine:    e,
		id:        id,
		config:    cfg,
		logger:    e.logger,
		listeners: make(map[uint64]func(SlotStatus)),
	}
}

// apply is the single transition function of the slot state machine. Every
// input goes through it; loader effects run under the slot lock so the
// loader always sees transitions in order.
func (s *Slot) apply(in input) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	wasBroken := s.st.state == StateBroken
	var out outcome

	switch in.kind {
	case inputBind:
		s.st.product = in.product
		s.st.variant = in.variant
		s.resetLocked(&out, "")

	case inputProduct:
		sameIdentity := in.product.ID == s.st.product.ID
		s.st.product = in.product
		if sameIdentity {
			s.reevaluateLocked(&out, ResetRegeneration, false)
		} else {
			s.resetLocked(&out, ResetIdentity)
		}

	case inputVariant:
		if in.variant != s.st.variant {
			s.st.variant = in.variant
			s.reevaluateLocked(&out, ResetVariant, false)
		}

	case inputLoaded:
		if !s.currentLocked(in) || s.st.state == StateBroken {
			out.stale = true
			break
		}
		s.stopRetryLocked()
		s.st.retries = 0
		if s.st.state != StateLoaded {
			s.st.state = StateLoaded
			out.transitions = append(out.transitions, StateLoaded)
		}

	case inputLoadFailed:
		awaitingRetry := s.st.state == StateRetrying && s.st.retryTimer != nil
		if !s.currentLocked(in) || s.st.state == StateBroken || awaitingRetry {
			out.stale = true
			break
		}
		out.failedURL, out.failErr = in.url, in.err
		s.failLocked(&out, in.err)

	case inputRetryDue:
		if in.generation != s.st.generation || s.st.state != StateRetrying || s.st.retryTimer == nil {
			out.stale = true
			break
		}
		s.st.retryTimer = nil
		s.st.attempt++
		out.retried = true
		if s.loader != nil {
			s.loader.Reload()
			s.loaderGen = s.loader.Generation()
		}

	case inputRefresh:
		s.reevaluateLocked(&out, ResetRegeneration, in.phase.Done())

	case inputInvalidate:
		s.resetLocked(&out, ResetInvalidate)
	}

	isBroken := s.st.state == StateBroken
	status := s.statusLocked()
	var listeners []func(SlotStatus)
	if len(out.transitions) > 0 || out.reset != "" || out.retried {
		for _, fn := range s.listeners {
			listeners = append(listeners, fn)
		}
	}
	s.mu.Unlock()

	s.report(status, out, wasBroken, isBroken)
	if out.failedURL != "" && s.engine.opts.OnLoadFailure != nil {
		s.engine.opts.OnLoadFailure(status.ProductID, out.failedURL, out.failErr)
	}
	for _, fn := range listeners {
		fn(status)
	}
}

// currentLocked reports whether a completion belongs to the load in flight
func (s *Slot) currentLocked(in input) bool {
	if in.url != s.st.url {
		return false
	}
	if in.fromLoader {
		return in.loaderGen == s.loaderGen
	}
	return in.attempt == s.st.attempt
}

// reevaluateLocked re-runs the chain and resets when the candidate differs
// from the displayed URL. Unless the pipeline confirmed fresh data, a
// candidate equal to the previous one is kept out so a URL that already
// failed is not loaded again.
func (s *Slot) reevaluateLocked(out *outcome, reason string, confirmed bool) {
	cand := s.engine.Resolve(s.st.product, s.st.variant)
	switch {
	case cand.URL == s.st.url:
		s.st.candidate = cand
		s.st.source = cand.Source
		return
	case !confirmed && cand.URL == s.st.candidate.URL:
		s.st.candidate = cand
		return
	}
	s.resetWithLocked(out, reason, cand)
}

func (s *Slot) resetLocked(out *outcome, reason string) {
	s.resetWithLocked(out, reason, s.engine.Resolve(s.st.product, s.st.variant))
}

func (s *Slot) resetWithLocked(out *outcome, reason string, cand Candidate) {
	s.stopRetryLocked()
	s.st.generation++
	s.st.triedPrimary = false
	s.st.triedStatic = false
	s.st.retries = 0
	s.st.stage = StateInitial
	s.st.candidate = cand
	s.st.url = cand.URL
	s.st.source = cand.Source
	out.reset = reason
	out.resolved = true

	if cand.IsPlaceholder() {
		out.missing = true
		s.setStateLocked(out, StateBroken)
		return
	}
	s.setStateLocked(out, StateInitial)
	s.loadLocked()
}

// failLocked advances the recovery chain after a failed load of the current URL
func (s *Slot) failLocked(out *outcome, err error) {
	if primary := strings.TrimSpace(s.st.product.PrimaryURL); primary != "" && primary != s.st.url && !s.st.triedPrimary {
		s.st.triedPrimary = true
		s.st.url = primary
		s.st.source = SourcePrimary
		s.setStateLocked(out, StateFallbackToPrimary)
		s.loadLocked()
		return
	}

	if static := s.staticFallback(); static != "" && static != s.st.url && !s.st.triedStatic {
		s.st.triedStatic = true
		s.st.url = static
		s.st.source = SourceStatic
		s.setStateLocked(out, StateFallbackToStatic)
		s.loadLocked()
		return
	}

	if s.st.retries == 0 {
		s.st.retries = 1
		s.setStateLocked(out, StateRetrying)
		gen := s.st.generation
		s.st.retryTimer = s.engine.scheduler.AfterFunc(s.engine.retryDelay, func() {
			s.apply(input{kind: inputRetryDue, generation: gen})
		})
		return
	}

	out.brokenErr = err
	s.st.url = s.engine.resolver.Placeholder()
	s.st.source = SourcePlaceholder
	s.setStateLocked(out, StateBroken)
}

func (s *Slot) setStateLocked(out *outcome, st State) {
	s.st.state = st
	if st.rank() > s.st.stage.rank() {
		s.st.stage = st
	}
	out.transitions = append(out.transitions, st)
}

// loadLocked points the loader at the current URL
func (s *Slot) loadLocked() {
	s.st.attempt++
	if s.loader == nil {
		return
	}
	switch {
	case !s.loaderMounted:
		s.loader.SetSource(s.st.url, "")
		s.loaderURL = s.st.url
		s.loaderMounted = true
		s.loader.Mount()
	case s.st.url == s.loaderURL:
		// same source after a reset: the loader would treat it as unchanged
		s.loader.Reload()
	default:
		s.loader.SetSource(s.st.url, "")
		s.loaderURL = s.st.url
	}
	s.loaderGen = s.loader.Generation()
}

func (s *Slot) stopRetryLocked() {
	if s.st.retryTimer != nil {
		s.st.retryTimer.Stop()
		s.st.retryTimer = nil
	}
}

func (s *Slot) staticFallback() string {
	for _, u := range []string{s.config.StaticFallbackURL, s.st.product.StaticFallbackURL, s.engine.staticFallback} {
		if u = strings.TrimSpace(u); u != "" {
			return u
		}
	}
	return ""
}

func (s *Slot) report(status SlotStatus, out outcome, wasBroken, isBroken bool) {
	m := s.engine.metrics
	if out.reset != "" {
		m.IncrementResets(out.reset)
	}
	if out.resolved {
		m.IncrementResolutions(string(status.Source))
	}
	for _, st := range out.transitions {
		m.IncrementTransitions(st.String())
	}
	if wasBroken != isBroken {
		s.engine.adjustBroken(isBroken)
	}

	switch {
	case out.stale:
		s.logger.Trace("discarding stale slot input",
			logger.String("product_id", status.ProductID),
			logger.String("url", status.URL))
	case out.missing:
		err := errors.Newf("no image source for product %s", status.ProductID).
			Component("imageresolver").
			Category(errors.CategoryMissingSource).
			Priority(errors.PriorityLow).
			AssetContext(status.ProductID, status.URL).
			Build()
		s.logger.Debug("rendering placeholder", logger.Error(err))
	case out.brokenErr != nil:
		err := errors.New(out.brokenErr).
			Component("imageresolver").
			Category(errors.CategoryNetworkLoad).
			Priority(errors.PriorityLow).
			AssetContext(status.ProductID, status.URL).
			Context("variant", string(status.Variant)).
			Build()
		s.logger.Info("image unavailable after recovery chain",
			logger.String("product_id", status.ProductID),
			logger.Error(err))
	case len(out.transitions) > 0:
		s.logger.Debug("slot transition",
			logger.String("product_id", status.ProductID),
			logger.String("state", status.State.String()),
			logger.String("url", status.URL))
	}
}

func (s *Slot) statusLocked() SlotStatus {
	return SlotStatus{
		ProductID: s.st.product.ID,
		Variant:   s.st.variant,
		URL:       s.st.url,
		Source:    s.st.source,
		State:     s.st.state,
		Stage:     s.st.stage,
		Render:    renderPhase(s.st.state),
		Retries:   s.st.retries,
		Attempt:   s.st.attempt,
	}
}

func renderPhase(st State) RenderPhase {
	switch st {
	case StateLoaded:
		return RenderLoaded
	case StateBroken:
		return RenderBroken
	default:
		return RenderLoading
	}
}

// Status returns a snapshot of the slot
func (s *Slot) Status() SlotStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

// URL returns the URL currently attempted or displayed
func (s *Slot) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.url
}

// State returns the current resolution state
func (s *Slot) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.state
}

// Stage returns the furthest recovery stage reached since the last reset
func (s *Slot) Stage() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.stage
}

// RenderState returns loading, loaded or broken
func (s *Slot) RenderState() RenderPhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return renderPhase(s.st.state)
}

// Product returns the product the slot is bound to
func (s *Slot) Product() Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.product
}

func (s *Slot) productID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.product.ID
}

// SetProduct substitutes the product. A different identity resets the slot.
func (s *Slot) SetProduct(p Product) {
	s.apply(input{kind: inputProduct, product: p})
}

// SetVariant changes the requested size
func (s *Slot) SetVariant(v Variant) {
	s.apply(input{kind: inputVariant, variant: v})
}

// HandleLoaded reports that url finished loading. attempt is the Attempt of
// the status the load was started from; results of an older attempt are
// discarded.
func (s *Slot) HandleLoaded(url string, attempt uint64) {
	s.apply(input{kind: inputLoaded, url: url, attempt: attempt})
}

// HandleLoadError reports that url failed to load under attempt
func (s *Slot) HandleLoadError(url string, attempt uint64, err error) {
	s.apply(input{kind: inputLoadFailed, url: url, attempt: attempt, err: err})
}

func (s *Slot) loaderLoaded(url string, gen uint64) {
	s.apply(input{kind: inputLoaded, url: url, loaderGen: gen, fromLoader: true})
}

func (s *Slot) loaderFailed(url string, gen uint64, err error) {
	s.apply(input{kind: inputLoadFailed, url: url, loaderGen: gen, fromLoader: true, err: err})
}

// OnChange registers fn to run after every state change, reset or timed
// retry. Hosts that drive loads themselves re-issue the URL when Attempt grows.
func (s *Slot) OnChange(fn func(SlotStatus)) (remove func()) {
	s.mu.Lock()
	s.nextListener++
	id := s.nextListener
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Wait blocks until loads started by the slot's loader have completed
func (s *Slot) Wait() {
	s.mu.Lock()
	l := s.loader
	s.mu.Unlock()
	if l != nil {
		l.Wait()
	}
}

// Close unmounts the loader, stops the retry timer and detaches the slot
func (s *Slot) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.stopRetryLocked()
	if s.loader != nil && s.loaderMounted {
		s.loader.Unmount()
	}
	wasBroken := s.st.state == StateBroken
	s.mu.Unlock()

	s.engine.remove(s, wasBroken)
}
