package viewport

import (
	"slices"
	"sync"
)

// TrackingWatcher is the default Watcher. It records which elements are
// observed; visibility itself is reported to the pool by the host through
// Pool.Dispatch.
type TrackingWatcher struct {
	mu           sync.Mutex
	config       Config
	observed     map[ElementID]struct{}
	observeCalls int
	disconnected bool
}

// NewTrackingWatcher creates a TrackingWatcher for cfg
func NewTrackingWatcher(cfg Config) *TrackingWatcher {
	return &TrackingWatcher{
		config:   cfg,
		observed: make(map[ElementID]struct{}),
	}
}

func (w *TrackingWatcher) Observe(el ElementID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.disconnected {
		return
	}
	w.observeCalls++
	w.observed[el] = struct{}{}
}

func (w *TrackingWatcher) Unobserve(el ElementID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.observed, el)
}

func (w *TrackingWatcher) Disconnect() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.disconnected = true
	clear(w.observed)
}

// IsObserving reports whether el is currently observed
func (w *TrackingWatcher) IsObserving(el ElementID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.observed[el]
	return ok
}

// Observed returns the observed elements in sorted order
func (w *TrackingWatcher) Observed() []ElementID {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]ElementID, 0, len(w.observed))
	for el := range w.observed {
		out = append(out, el)
	}
	slices.Sort(out)
	return out
}

// ObserveCalls returns how many times Observe was called
func (w *TrackingWatcher) ObserveCalls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.observeCalls
}

// Disconnected reports whether Disconnect was called
func (w *TrackingWatcher) Disconnected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.disconnected
}
