package session

import (
	"sync"
	"time"
)

// EventType enumerates the lifecycle events on the bus.
type EventType string

const (
	EventStateChanged      EventType = "state_changed"
	EventToolCallStarted   EventType = "tool_call_started"
	EventToolCallFinished  EventType = "tool_call_finished"
	EventDelegationStarted EventType = "delegation_started"
	EventDelegationEnded   EventType = "delegation_ended"
	EventAssistantText     EventType = "assistant_text"
	EventUserInput         EventType = "user_input"
	// EventOverflow is the final notice a dropped subscriber receives.
	EventOverflow EventType = "overflow"
)

// Event is one bus message. Events cross the bus by value; no shared
// mutable state travels with them.
type Event struct {
	Type      EventType
	SessionID string
	Timestamp time.Time
	Payload   map[string]interface{}
}

const (
	// subscriberQueueSize bounds each subscriber's pending events.
	subscriberQueueSize = 256
	// historySize bounds the per-session replay ring.
	historySize = 100
)

// Subscription is one subscriber's handle on the bus.
type Subscription struct {
	// C delivers events in publish order. It is closed after an
	// overflow notice or an Unsubscribe.
	C  <-chan Event
	ch chan Event
	id uint64
}

// Bus fans lifecycle events out to subscribers. Delivery is best-effort:
// a subscriber that falls subscriberQueueSize events behind is dropped
// after a final overflow notice, and the producer never blocks.
type Bus struct {
	mu          sync.Mutex
	nextID      uint64
	subscribers map[uint64]*Subscription
	history     map[string][]Event
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[uint64]*Subscription),
		history:     make(map[string][]Event),
	}
}

// Subscribe registers a new subscriber.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	// One extra slot keeps the overflow notice deliverable even when the
	// queue itself is full.
	ch := make(chan Event, subscriberQueueSize+1)
	sub := &Subscription{C: ch, ch: ch, id: b.nextID}
	b.subscribers[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.subscribers[sub.id]; exists {
		delete(b.subscribers, sub.id)
		close(sub.ch)
	}
}

// Publish delivers an event to every subscriber and records it in the
// session's history ring. A zero timestamp is stamped with now.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if event.SessionID != "" {
		ring := append(b.history[event.SessionID], event)
		if len(ring) > historySize {
			ring = ring[len(ring)-historySize:]
		}
		b.history[event.SessionID] = ring
	}

	for id, sub := range b.subscribers {
		if len(sub.ch) >= subscriberQueueSize {
			// Queue full: drop the subscriber with a final notice in
			// the reserved slot.
			delete(b.subscribers, id)
			sub.ch <- Event{
				Type:      EventOverflow,
				SessionID: event.SessionID,
				Timestamp: event.Timestamp,
			}
			close(sub.ch)
			continue
		}
		sub.ch <- event
	}
}

// History returns a copy of a session's recent events, oldest first, for
// late subscribers.
func (b *Bus) History(sessionID string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Event(nil), b.history[sessionID]...)
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
