package mesh

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Handler receives events. It runs on the publisher's goroutine.
type Handler func(Event)

// SubscriptionID identifies a subscription for Unsubscribe.
type SubscriptionID uint64

type subscription struct {
	id      SubscriptionID
	handler Handler
}

// Bus fans lifecycle events out to subscribers.
//
// Delivery is synchronous: every handler registered before Publish is
// called has run by the time Publish returns, in subscription order. The
// subscriber list is copy-on-write, so Subscribe and Unsubscribe never wait
// for a publish in progress.
type Bus struct {
	mu     sync.Mutex
	nextID SubscriptionID
	subs   atomic.Pointer[[]subscription]
	logger Logger
}

// NewBus creates an empty bus.
func NewBus(logger Logger) *Bus {
	b := &Bus{logger: orNoop(logger)}
	b.subs.Store(&[]subscription{})
	return b
}

// Subscribe registers h and returns its id.
func (b *Bus) Subscribe(h Handler) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	current := *b.subs.Load()
	next := make([]subscription, len(current), len(current)+1)
	copy(next, current)
	next = append(next, subscription{id: b.nextID, handler: h})
	b.subs.Store(&next)
	return b.nextID
}

// Unsubscribe removes a subscription. It reports whether id was registered.
func (b *Bus) Unsubscribe(id SubscriptionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := *b.subs.Load()
	next := make([]subscription, 0, len(current))
	for _, s := range current {
		if s.id != id {
			next = append(next, s)
		}
	}
	if len(next) == len(current) {
		return false
	}
	b.subs.Store(&next)
	return true
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	return len(*b.subs.Load())
}

// Publish delivers e to every current subscriber. A panicking handler is
// logged and skipped; the remaining handlers still run.
func (b *Bus) Publish(e Event) {
	for _, s := range *b.subs.Load() {
		b.deliver(s, e)
	}
}

func (b *Bus) deliver(s subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panic",
				"subscription", s.id,
				"kind", e.Kind(),
				"error", fmt.Errorf("%v", r))
		}
	}()
	s.handler(e)
}
