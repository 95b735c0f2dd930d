// Package broker provides a small generic publish/subscribe fan-out used
// by both the per-query result provider (component F) and the resource
// configuration store's change notifications. Each owner constructs its
// own Broker instance explicitly — there is no package-level singleton —
// so lifecycle stays tied to whatever owns it, per spec.md §9's note about
// replacing implicit global notifiers with explicit construction.
package broker

import "sync"

// Subscription is a channel a subscriber reads events from.
type Subscription[T any] chan T

// Broker distributes published values to every current subscriber. A slow
// or stalled subscriber never blocks delivery to others: its buffer simply
// drops the event.
type Broker[T any] struct {
	mu          sync.RWMutex
	subscribers map[Subscription[T]]struct{}
	eventCh     chan T
	stopCh      chan struct{}
	subBuffer   int
}

// New creates a Broker. subBuffer is the per-subscriber channel capacity;
// queueDepth is the capacity of the internal publish queue.
func New[T any](queueDepth, subBuffer int) *Broker[T] {
	return &Broker[T]{
		subscribers: make(map[Subscription[T]]struct{}),
		eventCh:     make(chan T, queueDepth),
		stopCh:      make(chan struct{}),
		subBuffer:   subBuffer,
	}
}

// Start begins the broker's distribution loop in a background goroutine.
func (b *Broker[T]) Start() {
	go b.run()
}

// Stop halts distribution and closes every subscriber channel.
func (b *Broker[T]) Stop() {
	close(b.stopCh)
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subscribers {
		close(sub)
	}
	b.subscribers = make(map[Subscription[T]]struct{})
}

// Subscribe registers a new subscriber and returns its channel.
func (b *Broker[T]) Subscribe() Subscription[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscription[T], b.subBuffer)
	b.subscribers[sub] = struct{}{}
	return sub
}

// Unsubscribe removes and closes a subscriber's channel.
func (b *Broker[T]) Unsubscribe(sub Subscription[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish enqueues a value for distribution to all current subscribers, in
// the order Publish was called.
func (b *Broker[T]) Publish(v T) {
	select {
	case b.eventCh <- v:
	case <-b.stopCh:
	}
}

func (b *Broker[T]) run() {
	for {
		select {
		case v := <-b.eventCh:
			b.broadcast(v)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker[T]) broadcast(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- v:
		default:
			// Subscriber buffer full; drop rather than block others.
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
