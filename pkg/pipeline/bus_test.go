package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBusPublishSubscribe(t *testing.T) {
	bus := NewEventBus()
	ch := make(chan Event, 1)
	bus.Subscribe(EventInterrupted, ch)

	bus.Publish(Event{Type: EventInterrupted, Payload: InterruptNotice{TurnID: "t1"}})

	select {
	case evt := <-ch:
		assert.Equal(t, EventInterrupted, evt.Type)
		assert.False(t, evt.Timestamp.IsZero())
		assert.Equal(t, "t1", evt.Payload.(InterruptNotice).TurnID)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

func TestEventBusFiltersByType(t *testing.T) {
	bus := NewEventBus()
	ch := make(chan Event, 1)
	bus.Subscribe(EventTurnReady, ch)

	bus.Publish(Event{Type: EventSpeechStarted})
	assert.Empty(t, ch)
}

func TestEventBusUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	ch := make(chan Event, 1)
	bus.Subscribe(EventTurnFailed, ch)
	bus.Unsubscribe(EventTurnFailed, ch)

	bus.Publish(Event{Type: EventTurnFailed})
	assert.Empty(t, ch)
}

func TestEventBusSubscribeAll(t *testing.T) {
	bus := NewEventBus()
	ch := make(chan Event, 16)
	bus.SubscribeAll(ch)

	bus.Publish(Event{Type: EventSpeechStarted})
	bus.Publish(Event{Type: EventTurnCompleted})
	require.Len(t, ch, 2)

	bus.UnsubscribeAll(ch)
	bus.Publish(Event{Type: EventSpeechStarted})
	assert.Len(t, ch, 2)
}

func TestEventBusMultipleSubscribers(t *testing.T) {
	bus := NewEventBus()
	ch1 := make(chan Event, 1)
	ch2 := make(chan Event, 1)
	bus.Subscribe(EventResponseText, ch1)
	bus.Subscribe(EventResponseText, ch2)

	bus.Publish(Event{Type: EventResponseText})
	assert.Len(t, ch1, 1)
	assert.Len(t, ch2, 1)
}

func TestEventBusDropsWhenFull(t *testing.T) {
	bus := NewEventBus()
	ch := make(chan Event)
	bus.Subscribe(EventSpeechStarted, ch)

	done := make(chan struct{})
	go func() {
		bus.Publish(Event{Type: EventSpeechStarted})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on an unbuffered subscriber")
	}
}

func TestEventTypeString(t *testing.T) {
	assert.Equal(t, "interrupt", EventInterrupted.String())
	assert.Equal(t, "turn_ready", EventTurnReady.String())
	assert.Equal(t, "unknown", EventType(99).String())
}
