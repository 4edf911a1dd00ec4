package pipeline

import (
	"log"
	"sync"
	"time"
)

// EventType identifies an outbound notice.
type EventType int

const (
	// EventSpeechStarted is published when the user starts a new turn.
	EventSpeechStarted EventType = iota
	// EventInterrupted tells the transport to stop playing any response now.
	EventInterrupted
	// EventTurnDispatched is published when a turn is handed to the pipeline.
	EventTurnDispatched
	// EventTurnReady carries the text recognized for a dispatched turn.
	EventTurnReady
	// EventResponseText carries a streamed response text fragment.
	EventResponseText
	// EventResponseAudio carries a streamed response audio fragment.
	EventResponseAudio
	// EventTurnCompleted is published when a dispatch finishes or is cancelled.
	EventTurnCompleted
	// EventTurnFailed is published when a dispatch ends with an error.
	EventTurnFailed
)

func (t EventType) String() string {
	switch t {
	case EventSpeechStarted:
		return "speech_started"
	case EventInterrupted:
		return "interrupt"
	case EventTurnDispatched:
		return "turn_dispatched"
	case EventTurnReady:
		return "turn_ready"
	case EventResponseText:
		return "response_text"
	case EventResponseAudio:
		return "response_audio"
	case EventTurnCompleted:
		return "turn_completed"
	case EventTurnFailed:
		return "turn_failed"
	default:
		return "unknown"
	}
}

// Event is one notice on the bus. Payload holds one of the *Notice types.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   any
}

// Bus is the outbound notification surface of a session.
type Bus interface {
	Subscribe(eventType EventType, ch chan<- Event)
	Unsubscribe(eventType EventType, ch chan<- Event)
	Publish(evt Event)
}

// EventBus delivers each published event to every channel subscribed to its
// type. Delivery never blocks the publisher: an event for a full channel is
// dropped and logged, so subscribers must buffer.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan<- Event
}

// NewEventBus returns an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[EventType][]chan<- Event)}
}

// Subscribe registers ch for eventType.
func (b *EventBus) Subscribe(eventType EventType, ch chan<- Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)
}

// SubscribeAll registers ch for every event type.
func (b *EventBus) SubscribeAll(ch chan<- Event) {
	for t := EventSpeechStarted; t <= EventTurnFailed; t++ {
		b.Subscribe(t, ch)
	}
}

// Unsubscribe removes ch from eventType.
func (b *EventBus) Unsubscribe(eventType EventType, ch chan<- Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[eventType]
	for i, s := range subs {
		if s == ch {
			b.subscribers[eventType] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// UnsubscribeAll removes ch from every event type.
func (b *EventBus) UnsubscribeAll(ch chan<- Event) {
	for t := EventSpeechStarted; t <= EventTurnFailed; t++ {
		b.Unsubscribe(t, ch)
	}
}

// Publish delivers evt. A zero Timestamp is filled with the current time.
func (b *EventBus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers[evt.Type] {
		select {
		case ch <- evt:
		default:
			log.Printf("[EventBus] warning: subscriber full, dropped %s event", evt.Type)
		}
	}
}

var _ Bus = (*EventBus)(nil)
