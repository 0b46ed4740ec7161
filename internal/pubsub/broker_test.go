package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerDeliversToAllSubscribers(t *testing.T) {
	b := NewBroker[string]()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch1 := b.Subscribe(ctx)
	ch2 := b.Subscribe(ctx)

	b.Publish("hello")

	for _, ch := range []<-chan Event[string]{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, "hello", ev.Payload)
			assert.False(t, ev.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestBrokerFIFOPerSubscriber(t *testing.T) {
	b := NewBroker[int]()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := b.Subscribe(ctx)
	for i := 0; i < 10; i++ {
		b.Publish(i)
	}

	for i := 0; i < 10; i++ {
		select {
		case ev := <-ch:
			assert.Equal(t, i, ev.Payload)
		case <-time.After(time.Second):
			t.Fatal("timed out")
		}
	}
}

func TestBrokerDropsWhenBufferFull(t *testing.T) {
	b := NewBrokerWithBuffer[int](2)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := b.Subscribe(ctx)
	for i := 0; i < 5; i++ {
		b.Publish(i)
	}

	// Only the first two fit; publishes never blocked.
	assert.Equal(t, 0, (<-ch).Payload)
	assert.Equal(t, 1, (<-ch).Payload)
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %v", ev.Payload)
	default:
	}
}

func TestBrokerSubscribeAfterClose(t *testing.T) {
	b := NewBroker[string]()
	b.Close()

	ch := b.Subscribe(context.Background())
	_, ok := <-ch
	require.False(t, ok, "channel from closed broker must be closed")

	// Publish after close is a no-op, not a panic.
	b.Publish("late")
	b.Close()
}

func TestBrokerContextCancelRemovesSubscriber(t *testing.T) {
	b := NewBroker[string]()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch := b.Subscribe(ctx)
	require.Equal(t, 1, b.SubscriberCount())

	cancel()
	// The cleanup goroutine closes the channel.
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
	assert.Eventually(t, func() bool { return b.SubscriberCount() == 0 }, time.Second, 10*time.Millisecond)
}
