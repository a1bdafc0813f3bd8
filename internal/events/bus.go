package events

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/catalogkit/assetview/internal/errors"
	"github.com/catalogkit/assetview/internal/logger"
	"github.com/catalogkit/assetview/internal/observability/metrics"
)

// Config holds event bus configuration
type Config struct {
	BufferSize int
	Workers    int
	Metrics    *metrics.RegenerationMetrics
}

// DefaultConfig returns the default event bus configuration
func DefaultConfig() *Config {
	return &Config{
		BufferSize: 1000,
		Workers:    2,
	}
}

type subscriber struct {
	name    string
	id      uint64
	handler Handler
}

// Bus delivers regeneration events to subscribers without blocking publishers
type Bus struct {
	events  chan RegenerationEvent
	workers int

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	mu          sync.RWMutex
	subscribers []subscriber
	nextID      uint64

	received       atomic.Uint64
	processed      atomic.Uint64
	dropped        atomic.Uint64
	consumerErrors atomic.Uint64
	fastPathHits   atomic.Uint64

	logger  logger.Logger
	metrics *metrics.RegenerationMetrics
}

// NewBus creates a bus and starts its workers
func NewBus(config *Config, log logger.Logger) *Bus {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}
	if config.Workers <= 0 {
		config.Workers = DefaultConfig().Workers
	}
	if log == nil {
		log = logger.Global().Module("events")
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		events:  make(chan RegenerationEvent, config.BufferSize),
		workers: config.Workers,
		ctx:     ctx,
		cancel:  cancel,
		logger:  log,
		metrics: config.Metrics,
	}

	b.running.Store(true)
	for i := range b.workers {
		b.wg.Add(1)
		go b.worker(i)
	}

	b.logger.Info("event bus started",
		logger.Int("buffer_size", config.BufferSize),
		logger.Int("workers", config.Workers))
	return b
}

// Subscribe registers handler under a unique name. The returned function
// removes the subscription and is safe to call more than once.
func (b *Bus) Subscribe(name string, handler Handler) (unsubscribe func(), err error) {
	if b == nil {
		return nil, fmt.Errorf("event bus not initialized")
	}
	if handler == nil {
		return nil, errors.Newf("nil handler for subscriber %s", name).
			Component("events").
			Category(errors.CategoryValidation).
			Build()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.subscribers {
		if s.name == name {
			return nil, errors.Newf("subscriber %s already registered", name).
				Component("events").
				Category(errors.CategoryBroadcast).
				Context("subscriber", name).
				Build()
		}
	}

	b.nextID++
	id := b.nextID
	b.subscribers = append(b.subscribers, subscriber{name: name, id: id, handler: handler})
	b.logger.Debug("registered event subscriber", logger.String("subscriber", name))

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}, nil
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = slices.DeleteFunc(b.subscribers, func(s subscriber) bool { return s.id == id })
}

// TryPublish attempts to publish an event without blocking.
// Returns true if the event was accepted, false if dropped.
func (b *Bus) TryPublish(event RegenerationEvent) bool {
	if b == nil || !b.running.Load() {
		return false
	}

	b.mu.RLock()
	hasSubscribers := len(b.subscribers) > 0
	b.mu.RUnlock()
	if !hasSubscribers {
		b.fastPathHits.Add(1)
		return false
	}

	select {
	case b.events <- event:
		b.received.Add(1)
		b.metrics.RecordPublish(true)
		return true
	default:
		b.dropped.Add(1)
		b.metrics.RecordPublish(false)
		b.logger.Debug("event dropped due to full buffer",
			logger.String("product_id", event.ProductID),
			logger.String("phase", string(event.Phase)))
		return false
	}
}

func (b *Bus) worker(id int) {
	defer b.wg.Done()

	log := b.logger.With(logger.Int("worker_id", id))
	log.Trace("worker started")

	for {
		select {
		case <-b.ctx.Done():
			log.Trace("worker stopping")
			return
		case event := <-b.events:
			b.deliver(event, log)
		}
	}
}

// deliver sends the event to a snapshot of the subscribers
func (b *Bus) deliver(event RegenerationEvent, log logger.Logger) {
	b.mu.RLock()
	subs := slices.Clone(b.subscribers)
	b.mu.RUnlock()

	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.consumerErrors.Add(1)
					b.metrics.IncrementConsumerErrors()
					log.Error("subscriber panicked",
						logger.String("subscriber", s.name),
						logger.String("panic", fmt.Sprint(r)),
						logger.String("product_id", event.ProductID))
				}
			}()

			if err := s.handler(event); err != nil {
				b.consumerErrors.Add(1)
				b.metrics.IncrementConsumerErrors()
				log.Warn("subscriber error",
					logger.String("subscriber", s.name),
					logger.String("product_id", event.ProductID),
					logger.Error(err))
				return
			}
			b.processed.Add(1)
		}()
	}
}

// Shutdown stops accepting events and waits for the workers
func (b *Bus) Shutdown(timeout time.Duration) error {
	if b == nil || !b.running.Swap(false) {
		return nil
	}

	b.logger.Info("shutting down event bus", logger.Duration("timeout", timeout))
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("event bus shutdown complete")
		return nil
	case <-time.After(timeout):
		return errors.Newf("event bus shutdown timeout exceeded").
			Component("events").
			Category(errors.CategoryTimeout).
			Timing("shutdown", timeout).
			Build()
	}
}

// Stats returns current bus statistics
func (b *Bus) Stats() BusStats {
	if b == nil {
		return BusStats{}
	}
	b.mu.RLock()
	subs := len(b.subscribers)
	b.mu.RUnlock()

	return BusStats{
		EventsReceived:  b.received.Load(),
		EventsProcessed: b.processed.Load(),
		EventsDropped:   b.dropped.Load(),
		ConsumerErrors:  b.consumerErrors.Load(),
		FastPathHits:    b.fastPathHits.Load(),
		Subscribers:     subs,
		Pending:         len(b.events),
	}
}
