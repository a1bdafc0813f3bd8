package viewport

import "sync"

// Subscription binds one element to the pool and exposes its visibility.
// Visible latches once the element has intersected; Intersecting follows
// the latest notification.
type Subscription struct {
	mu           sync.Mutex
	element      ElementID
	visible      bool
	intersecting bool
	onVisible    []func()
	unsubscribe  func()
}

// NewSubscription subscribes el on the pool entry for cfg
func NewSubscription(pool *Pool, el ElementID, cfg Config) *Subscription {
	s := &Subscription{element: el}
	s.unsubscribe = pool.Observe(el, s.handle, cfg)
	return s
}

func (s *Subscription) handle(ie IntersectionEntry) {
	s.mu.Lock()
	s.intersecting = ie.IsIntersecting
	var fire []func()
	if ie.IsIntersecting && !s.visible {
		s.visible = true
		fire = s.onVisible
		s.onVisible = nil
	}
	s.mu.Unlock()

	for _, fn := range fire {
		fn()
	}
}

// Element returns the subscribed element
func (s *Subscription) Element() ElementID { return s.element }

// Visible reports whether the element has been visible at least once
func (s *Subscription) Visible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visible
}

// Intersecting reports the latest intersection state
func (s *Subscription) Intersecting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intersecting
}

// OnVisible registers fn to run once the element first becomes visible.
// If it already has, fn runs immediately.
func (s *Subscription) OnVisible(fn func()) {
	s.mu.Lock()
	if s.visible {
		s.mu.Unlock()
		fn()
		return
	}
	s.onVisible = append(s.onVisible, fn)
	s.mu.Unlock()
}

// Unsubscribe releases the subscription. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	s.onVisible = nil
	s.mu.Unlock()
	s.unsubscribe()
}
