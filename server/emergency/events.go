package emergency

import (
	"sync"
	"time"
)

type EventType string

const (
	EventTriggered          EventType = "triggered"
	EventActivated          EventType = "activated"
	EventResolved           EventType = "resolved"
	EventDenied             EventType = "denied"
	EventExpired            EventType = "expired"
	EventVerificationFailed EventType = "verification_failed"
)

// Event is the in-process fan-out record published on every state change,
// so UI surfaces can react without polling.
type Event struct {
	Type      EventType `json:"type"`
	AccessID  uint      `json:"access_id"`
	UserID    uint      `json:"user_id"`
	Reference string    `json:"reference"`
	At        time.Time `json:"at"`
}

const eventBufferSize = 16

// eventBus is a minimal publish/subscribe channel fan-out. Publish never
// blocks; a subscriber that stops draining loses events rather than
// stalling the emergency flow.
type eventBus struct {
	mu          sync.Mutex
	subscribers map[uint64]chan Event
	nextID      uint64
}

func newEventBus() *eventBus {
	return &eventBus{subscribers: make(map[uint64]chan Event)}
}

// Subscribe returns a receive channel and an unsubscribe func. The channel
// is closed on unsubscribe.
func (bus *eventBus) Subscribe() (<-chan Event, func()) {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	id := bus.nextID
	bus.nextID++

	events := make(chan Event, eventBufferSize)
	bus.subscribers[id] = events

	unsubscribe := func() {
		bus.mu.Lock()
		defer bus.mu.Unlock()

		if sub, ok := bus.subscribers[id]; ok {
			delete(bus.subscribers, id)
			close(sub)
		}
	}

	return events, unsubscribe
}

func (bus *eventBus) publish(event Event) {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	for _, sub := range bus.subscribers {
		select {
		case sub <- event:
		default:
		}
	}
}
