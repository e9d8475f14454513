package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kestrelflow/reactor/domain/event"
)

// Handler receives events whose topic matches a subscriber's pattern.
type Handler func(event.Event)

type subscription struct {
	id      string
	pattern string
	handler Handler
	seq     uint64
}

// EventBus maintains subscriber-id -> (pattern, handler), synthesizes
// Events via New and delivers them via Deliver (§4.1). Delivery to
// subscribers is registration order; the bus itself does not serialize
// stimulus processing — that discipline lives in the Dispatcher, which
// calls New and Deliver and matches rules itself rather than subscribing.
type EventBus struct {
	mu       sync.RWMutex
	subs     []subscription
	topics   *patternCache
	nextSeq  uint64
	source   string
}

// NewEventBus returns an EventBus that stamps emitted events with source.
func NewEventBus(source string) *EventBus {
	return &EventBus{topics: newPatternCache('.'), source: source}
}

// Subscribe registers handler for topics matching pattern, returning a
// subscriber id usable with Unsubscribe.
func (b *EventBus) Subscribe(pattern string, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSeq++
	id := uuid.NewString()
	b.subs = append(b.subs, subscription{id: id, pattern: pattern, handler: handler, seq: b.nextSeq})
	return id
}

// Unsubscribe removes a subscriber. Idempotent.
func (b *EventBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.subs[:0]
	for _, s := range b.subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	b.subs = out
}

// New synthesizes an Event from topic/data without delivering it; used by
// the Dispatcher so it controls delivery ordering relative to audit/trace
// recording.
func (b *EventBus) New(topic string, data map[string]any, correlationID string) event.Event {
	return event.Event{
		ID:            uuid.NewString(),
		Topic:         topic,
		Data:          data,
		Timestamp:     time.Now().UTC(),
		Source:        b.source,
		CorrelationID: correlationID,
	}
}

// Deliver fans ev out to every subscriber whose pattern matches its topic,
// in registration order.
func (b *EventBus) Deliver(ev event.Event) {
	b.mu.RLock()
	matched := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if b.topics.match(s.pattern, ev.Topic) {
			matched = append(matched, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range matched {
		s.handler(ev)
	}
}
