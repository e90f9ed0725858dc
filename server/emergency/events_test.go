package emergency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEventBusFanOut(t *testing.T) {
	bus := newEventBus()

	first, unsubscribeFirst := bus.Subscribe()
	second, unsubscribeSecond := bus.Subscribe()
	defer unsubscribeSecond()

	bus.publish(Event{Type: EventTriggered, AccessID: 1, At: time.Now()})

	for _, events := range []<-chan Event{first, second} {
		select {
		case event := <-events:
			assert.Equal(t, EventTriggered, event.Type)
			assert.Equal(t, uint(1), event.AccessID)
		default:
			t.Fatal("expected every subscriber to receive the event")
		}
	}

	// an unsubscribed channel is closed and stops receiving
	unsubscribeFirst()
	bus.publish(Event{Type: EventResolved, AccessID: 1, At: time.Now()})

	_, open := <-first
	assert.False(t, open)

	select {
	case event := <-second:
		assert.Equal(t, EventResolved, event.Type)
	default:
		t.Fatal("expected the remaining subscriber to receive the event")
	}
}

func TestEventBusPublishNeverBlocks(t *testing.T) {
	bus := newEventBus()

	events, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	// overflow the buffer; extra events are dropped, publish returns
	for i := 0; i < eventBufferSize*2; i++ {
		bus.publish(Event{Type: EventTriggered, AccessID: uint(i), At: time.Now()})
	}

	received := 0
	for {
		select {
		case <-events:
			received++
			continue
		default:
		}
		break
	}

	assert.Equal(t, eventBufferSize, received)
}
