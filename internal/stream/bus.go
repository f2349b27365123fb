// Package stream distributes engine events to decoupled consumers.
// Signals, position transitions and feed state changes flow through
// one Bus in a fan-out pattern; a slow subscriber loses events rather
// than stalling the pipeline.
package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"zerodha-scanner/internal/models"
)

// BusConfig holds configuration for the event bus.
type BusConfig struct {
	// BufferSize is the size of the internal event channel buffer.
	BufferSize int
	// SubscriberBufferSize is the size of each subscriber's channel buffer.
	SubscriberBufferSize int
}

// DefaultBusConfig returns the default bus configuration.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		BufferSize:           1000,
		SubscriberBufferSize: 100,
	}
}

// Subscription is one consumer's view of the bus.
type Subscription struct {
	ID        string
	CreatedAt time.Time

	kinds   map[models.EventKind]struct{} // empty means all kinds
	ch      chan models.Event
	dropped uint64
}

// Events returns the subscriber's receive channel. The channel closes
// when the subscription is cancelled or the bus stops.
func (s *Subscription) Events() <-chan models.Event {
	return s.ch
}

// Dropped returns how many events this subscriber lost to a full buffer.
func (s *Subscription) Dropped() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

func (s *Subscription) matches(kind models.EventKind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

// Bus fans events out to subscribers. Publishing never blocks: when
// the internal buffer or a subscriber buffer is full the event is
// dropped and counted.
type Bus struct {
	config      BusConfig
	mu          sync.RWMutex
	subscribers []*Subscription
	eventChan   chan models.Event
	done        chan struct{}
	started     bool

	metricsMu sync.RWMutex
	published uint64
	delivered uint64
	dropped   uint64
}

// NewBus creates a bus with default configuration.
func NewBus() *Bus {
	return NewBusWithConfig(DefaultBusConfig())
}

// NewBusWithConfig creates a bus with custom configuration.
func NewBusWithConfig(config BusConfig) *Bus {
	return &Bus{
		config:    config,
		eventChan: make(chan models.Event, config.BufferSize),
		done:      make(chan struct{}),
	}
}

// Start begins the distribution loop.
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	go b.distributeLoop(ctx)
}

func (b *Bus) distributeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case event := <-b.eventChan:
			b.broadcast(event)
		}
	}
}

// Stop halts distribution and closes every subscriber channel.
func (b *Bus) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.started {
		return
	}
	close(b.done)
	b.started = false

	for _, sub := range b.subscribers {
		close(sub.ch)
	}
	b.subscribers = nil
}

// Publish queues an event for distribution. Non-blocking: when the
// internal buffer is full the event is dropped and counted.
func (b *Bus) Publish(event models.Event) {
	select {
	case b.eventChan <- event:
		b.metricsMu.Lock()
		b.published++
		b.metricsMu.Unlock()
	default:
		b.metricsMu.Lock()
		b.dropped++
		b.metricsMu.Unlock()
	}
}

// Subscribe registers a consumer for the given event kinds. With no
// kinds the subscriber receives everything.
func (b *Bus) Subscribe(id string, kinds ...models.EventKind) *Subscription {
	sub := &Subscription{
		ID:        id,
		CreatedAt: time.Now(),
		kinds:     make(map[models.EventKind]struct{}, len(kinds)),
		ch:        make(chan models.Event, b.config.SubscriberBufferSize),
	}
	for _, kind := range kinds {
		sub.kinds[kind] = struct{}{}
	}

	b.mu.Lock()
	b.subscribers = append(b.subscribers, sub)
	b.mu.Unlock()
	return sub
}

// Unsubscribe cancels a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, candidate := range b.subscribers {
		if candidate == sub {
			close(candidate.ch)
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			return
		}
	}
}

// broadcast delivers an event to every matching subscriber with a
// non-blocking send, so one slow consumer never holds up the rest.
func (b *Bus) broadcast(event models.Event) {
	b.mu.RLock()
	subs := make([]*Subscription, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()

	for _, sub := range subs {
		if !sub.matches(event.Kind) {
			continue
		}
		select {
		case sub.ch <- event:
			b.metricsMu.Lock()
			b.delivered++
			b.metricsMu.Unlock()
		default:
			atomic.AddUint64(&sub.dropped, 1)
			b.metricsMu.Lock()
			b.dropped++
			b.metricsMu.Unlock()
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// IsStarted reports whether the distribution loop is running.
func (b *Bus) IsStarted() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.started
}

// BusMetrics contains bus delivery counters.
type BusMetrics struct {
	Published   uint64
	Delivered   uint64
	Dropped     uint64
	Subscribers int
}

// Metrics returns a snapshot of the delivery counters.
func (b *Bus) Metrics() BusMetrics {
	b.metricsMu.RLock()
	defer b.metricsMu.RUnlock()

	return BusMetrics{
		Published:   b.published,
		Delivered:   b.delivered,
		Dropped:     b.dropped,
		Subscribers: b.SubscriberCount(),
	}
}
