package session

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_DeliveryInPublishOrder(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	for i := 0; i < 10; i++ {
		bus.Publish(Event{
			Type:      EventAssistantText,
			SessionID: "s1",
			Payload:   map[string]interface{}{"seq": i},
		})
	}

	for i := 0; i < 10; i++ {
		event := <-sub.C
		assert.Equal(t, i, event.Payload["seq"])
	}
}

func TestBus_SlowSubscriberDroppedWithOverflowNotice(t *testing.T) {
	bus := NewBus()
	slow := bus.Subscribe()
	fast := bus.Subscribe()

	// Fill the slow subscriber's queue without draining it, then one more.
	for i := 0; i <= subscriberQueueSize; i++ {
		bus.Publish(Event{Type: EventAssistantText, SessionID: "s1"})
		// Keep the fast subscriber drained so it survives.
		<-fast.C
	}

	assert.Equal(t, 1, bus.SubscriberCount())

	// Drain the slow queue: all delivered events, then the overflow
	// notice, then channel close.
	var last Event
	count := 0
	for event := range slow.C {
		last = event
		count++
	}
	assert.Equal(t, subscriberQueueSize+1, count)
	assert.Equal(t, EventOverflow, last.Type)

	// The surviving subscriber still gets events.
	bus.Publish(Event{Type: EventUserInput, SessionID: "s1"})
	event := <-fast.C
	assert.Equal(t, EventUserInput, event.Type)

	bus.Unsubscribe(fast)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	bus.Unsubscribe(sub)
	bus.Unsubscribe(sub) // idempotent

	_, open := <-sub.C
	assert.False(t, open)
	assert.Equal(t, 0, bus.SubscriberCount())

	// Publishing after the only subscriber left never blocks.
	bus.Publish(Event{Type: EventAssistantText})
}

func TestBus_History(t *testing.T) {
	bus := NewBus()

	for i := 0; i < historySize+20; i++ {
		bus.Publish(Event{
			Type:      EventAssistantText,
			SessionID: "s1",
			Payload:   map[string]interface{}{"seq": i},
		})
	}
	bus.Publish(Event{Type: EventUserInput, SessionID: "s2"})

	history := bus.History("s1")
	require.Len(t, history, historySize)
	assert.Equal(t, 20, history[0].Payload["seq"])
	assert.Equal(t, historySize+19, history[len(history)-1].Payload["seq"])

	require.Len(t, bus.History("s2"), 1)
	assert.Empty(t, bus.History("unknown"))
}

func TestBus_TimestampStamped(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	bus.Publish(Event{Type: EventAssistantText, SessionID: fmt.Sprintf("s%d", 1)})
	event := <-sub.C
	assert.False(t, event.Timestamp.IsZero())
}
