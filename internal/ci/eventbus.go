package ci

import (
	"slices"
	"sync"
	"time"

	"github.com/zjrosen/orchestrate/internal/log"
)

// DefaultHistoryLimit bounds the event history ring when no limit is given.
const DefaultHistoryLimit = 100

// Handler receives a CI event. Errors are caught and logged; they never
// affect other subscribers.
type Handler func(CIEvent) error

// Filter narrows the events a subscriber receives. Empty slices match
// everything; an event without a branch passes only an empty branch filter.
type Filter struct {
	EventTypes []EventType
	Branches   []string
}

func (f Filter) matches(ev CIEvent) bool {
	if len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, ev.Type) {
		return false
	}
	if len(f.Branches) > 0 {
		if ev.Branch == "" {
			return false
		}
		if !slices.Contains(f.Branches, ev.Branch) {
			return false
		}
	}
	return true
}

// Subscription identifies a registered handler for later removal.
type Subscription struct {
	id int
}

type subscriber struct {
	id      int
	handler Handler
	filter  Filter
}

// EventBus fans CI events out to filtered subscribers and keeps a bounded
// history ring. Emits are serialized, so delivery per subscriber is FIFO in
// emit order.
type EventBus struct {
	mu           sync.Mutex
	emitMu       sync.Mutex
	nextID       int
	subs         []*subscriber
	history      []CIEvent
	historyLimit int
}

// NewEventBus creates a bus with the given history capacity. Values below 1
// fall back to DefaultHistoryLimit.
func NewEventBus(historyLimit int) *EventBus {
	if historyLimit < 1 {
		historyLimit = DefaultHistoryLimit
	}
	return &EventBus{historyLimit: historyLimit}
}

// Subscribe registers a handler. A nil filter matches every event.
func (b *EventBus) Subscribe(h Handler, filter *Filter) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscriber{id: b.nextID, handler: h}
	if filter != nil {
		sub.filter = *filter
	}
	b.subs = append(b.subs, sub)
	return &Subscription{id: sub.id}
}

// Unsubscribe removes a subscription. Unknown subscriptions are a no-op.
func (b *EventBus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = slices.DeleteFunc(b.subs, func(s *subscriber) bool { return s.id == sub.id })
}

// Emit records the event in history and delivers it to every matching
// subscriber. A zero timestamp is stamped with the current time.
func (b *EventBus) Emit(ev CIEvent) {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	b.history = append(b.history, ev)
	if len(b.history) > b.historyLimit {
		b.history = b.history[len(b.history)-b.historyLimit:]
	}
	targets := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.filter.matches(ev) {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	for _, s := range targets {
		b.deliver(s, ev)
	}
}

func (b *EventBus) deliver(s *subscriber, ev CIEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatCI, "event handler panicked", "event", string(ev.Type), "panic", r)
		}
	}()
	if err := s.handler(ev); err != nil {
		log.Error(log.CatCI, "event handler failed", "event", string(ev.Type), "error", err)
	}
}

// GetHistory returns retained events matching the filter, oldest first.
// A limit of 0 returns all retained matches.
func (b *EventBus) GetHistory(filter Filter, limit int) []CIEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []CIEvent
	for _, ev := range b.history {
		if filter.matches(ev) {
			out = append(out, ev)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// ClearHistory drops every retained event.
func (b *EventBus) ClearHistory() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = nil
}
