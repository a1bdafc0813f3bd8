package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/catalogkit/assetview/internal/timer"
)

// Debouncer coalesces rapid triggers for the same key. The first trigger
// opens a window; later triggers inside it replace the pending value. When
// the window closes the callback runs once with the newest value.
type Debouncer[T any] struct {
	window    time.Duration
	scheduler timer.Scheduler
	fire      func(key string, value T)
	onPending func(n int)

	mu      sync.Mutex
	pending map[string]*pendingValue[T]
	stopped bool

	triggered atomic.Uint64
	coalesced atomic.Uint64
	fired     atomic.Uint64
	cancelled atomic.Uint64
}

type pendingValue[T any] struct {
	value T
	timer timer.Timer
	count int
}

// NewDebouncer creates a Debouncer calling fire once per key per window
func NewDebouncer[T any](window time.Duration, scheduler timer.Scheduler, fire func(key string, value T)) *Debouncer[T] {
	if scheduler == nil {
		scheduler = timer.Real()
	}
	return &Debouncer[T]{
		window:    window,
		scheduler: scheduler,
		fire:      fire,
		pending:   make(map[string]*pendingValue[T]),
	}
}

// OnPendingChange registers a hook receiving the number of open windows
func (d *Debouncer[T]) OnPendingChange(fn func(n int)) {
	d.mu.Lock()
	d.onPending = fn
	d.mu.Unlock()
}

// Trigger records value for key. It reports whether the value was coalesced
// into an already open window.
func (d *Debouncer[T]) Trigger(key string, value T) (coalesced bool) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return false
	}
	d.triggered.Add(1)

	if p, ok := d.pending[key]; ok {
		p.value = value
		p.count++
		d.mu.Unlock()
		d.coalesced.Add(1)
		return true
	}

	p := &pendingValue[T]{value: value, count: 1}
	d.pending[key] = p
	p.timer = d.scheduler.AfterFunc(d.window, func() { d.flush(key, p) })
	n, hook := len(d.pending), d.onPending
	d.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	return false
}

func (d *Debouncer[T]) flush(key string, p *pendingValue[T]) {
	d.mu.Lock()
	if d.stopped || d.pending[key] != p {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	value := p.value
	n, hook := len(d.pending), d.onPending
	d.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	d.fired.Add(1)
	d.fire(key, value)
}

// Cancel drops the pending value for key. It reports whether one existed.
func (d *Debouncer[T]) Cancel(key string) bool {
	d.mu.Lock()
	p, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
		p.timer.Stop()
	}
	n, hook := len(d.pending), d.onPending
	d.mu.Unlock()

	if ok {
		d.cancelled.Add(1)
		if hook != nil {
			hook(n)
		}
	}
	return ok
}

// Pending returns the number of open windows
func (d *Debouncer[T]) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stop cancels every open window. Later triggers are ignored.
func (d *Debouncer[T]) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	for key, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, key)
		d.cancelled.Add(1)
	}
	hook := d.onPending
	d.mu.Unlock()

	if hook != nil {
		hook(0)
	}
}

// Stats returns debouncer counters
func (d *Debouncer[T]) Stats() DebouncerStats {
	return DebouncerStats{
		Triggered: d.triggered.Load(),
		Coalesced: d.coalesced.Load(),
		Fired:     d.fired.Load(),
		Cancelled: d.cancelled.Load(),
		Pending:   d.Pending(),
	}
}
