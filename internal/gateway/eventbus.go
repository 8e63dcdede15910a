package gateway

import (
	"sync"
	"time"
)

// EventType classifies a radio event for WebSocket clients.
type EventType string

const (
	EventState   EventType = "state"
	EventMessage EventType = "message"
	EventStats   EventType = "stats"
)

// Event is the JSON-serialisable envelope broadcast to WebSocket clients.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// StateData is the payload of an EventState.
type StateData struct {
	State string `json:"state"`
}

// MessageData is the payload of an EventMessage. Payload is hex encoded.
type MessageData struct {
	Channel string `json:"channel"`
	MsgID   *byte  `json:"msg_id,omitempty"`
	Payload string `json:"payload"`
}

type subscriber struct {
	ch chan Event
}

// EventBus fans radio events out to every subscriber. Publish never
// blocks: a subscriber whose buffer is full misses the event.
type EventBus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewEventBus constructs a ready EventBus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a client. The returned function unsubscribes and
// closes the channel; it must be called exactly once.
func (b *EventBus) Subscribe() (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, 64)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
		close(s.ch)
	}
	return s.ch, unsub
}

// Publish sends e to all current subscribers. Inbound messages are
// published from the receive loop, so slow consumers are skipped.
func (b *EventBus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
		}
	}
}

// PublishState is a convenience wrapper for EventState events.
func (b *EventBus) PublishState(state string) {
	b.Publish(Event{Type: EventState, Data: StateData{State: state}})
}

// PublishMessage is a convenience wrapper for EventMessage events.
func (b *EventBus) PublishMessage(data MessageData) {
	b.Publish(Event{Type: EventMessage, Data: data})
}

// PublishStats is a convenience wrapper for EventStats events.
func (b *EventBus) PublishStats(data any) {
	b.Publish(Event{Type: EventStats, Data: data})
}

// Len returns the current subscriber count.
func (b *EventBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
