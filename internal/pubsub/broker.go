package pubsub

import (
	"context"
	"sync"
	"time"
)

// defaultBufferSize is the per-subscriber channel capacity.
const defaultBufferSize = 64

// Broker fans published payloads out to every subscriber. Delivery per
// subscriber is FIFO in publish order; a subscriber that falls behind loses
// events instead of blocking publishers.
type Broker[T any] struct {
	mu         sync.RWMutex
	subs       map[chan Event[T]]struct{}
	closed     bool
	bufferSize int
}

// NewBroker creates a broker with the default per-subscriber buffer (64).
func NewBroker[T any]() *Broker[T] {
	return NewBrokerWithBuffer[T](defaultBufferSize)
}

// NewBrokerWithBuffer creates a broker with a custom per-subscriber buffer.
func NewBrokerWithBuffer[T any](size int) *Broker[T] {
	return &Broker[T]{
		subs:       make(map[chan Event[T]]struct{}),
		bufferSize: size,
	}
}

// Subscribe registers a new subscription channel. The channel is removed and
// closed when ctx is cancelled, or when the broker itself is closed.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan Event[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(chan Event[T], b.bufferSize)
	if b.closed {
		close(sub)
		return sub
	}
	b.subs[sub] = struct{}{}
	go b.reapOnCancel(ctx, sub)
	return sub
}

func (b *Broker[T]) reapOnCancel(ctx context.Context, sub chan Event[T]) {
	<-ctx.Done()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return // Close already tore everything down
	}
	delete(b.subs, sub)
	close(sub)
}

// Publish stamps the payload and delivers it to every subscriber.
// Non-blocking: the event is dropped for any subscriber whose buffer is full.
func (b *Broker[T]) Publish(payload T) {
	ev := Event[T]{Payload: payload, Timestamp: time.Now()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		select {
		case sub <- ev:
		default:
			// Full buffer - drop rather than block the publisher
		}
	}
}

// Close shuts down the broker and closes all subscriber channels.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub)
	}
	b.subs = nil
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
