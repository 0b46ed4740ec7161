// Package pubsub provides a generic publish/subscribe broker used by the
// coordination core for in-process event fanout.
package pubsub

import (
	"context"
	"time"
)

// Event is a published payload stamped with its publish time.
type Event[T any] struct {
	Payload   T
	Timestamp time.Time
}

// Subscriber provides a subscription channel for events.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context) <-chan Event[T]
}

// Publisher publishes typed payloads.
type Publisher[T any] interface {
	Publish(payload T)
}
