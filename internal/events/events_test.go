package events

import (
	"encoding/json"
	"testing"

	"possync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus(t *testing.T) {
	bus := NewEventBus()

	var received *Event
	var callCount int

	bus.Subscribe(EventSyncCompleted, func(event *Event) error {
		received = event
		callCount++
		return nil
	})

	err := bus.PublishJSON(EventSyncCompleted, models.SyncResult{Succeeded: 2, Failed: 1, Trigger: models.TriggerManual})
	require.NoError(t, err)

	assert.Equal(t, 1, callCount)
	require.NotNil(t, received)
	assert.Equal(t, EventSyncCompleted, received.Type)
	assert.NotZero(t, received.ID)
	assert.False(t, received.CreatedAt.IsZero())

	var decoded models.SyncResult
	require.NoError(t, json.Unmarshal(received.Payload, &decoded))
	assert.Equal(t, 2, decoded.Succeeded)
	assert.Equal(t, 1, decoded.Failed)
	assert.Equal(t, models.TriggerManual, decoded.Trigger)
}

func TestEventBusMultipleSubscribers(t *testing.T) {
	bus := NewEventBus()
	var count1, count2, wildcard int

	bus.Subscribe("event", func(_ *Event) error { count1++; return nil })
	bus.Subscribe("event", func(_ *Event) error { count2++; return nil })
	bus.Subscribe(Wildcard, func(_ *Event) error { wildcard++; return nil })

	bus.Publish(&Event{Type: "event"})
	bus.Publish(&Event{Type: "other"})

	assert.Equal(t, 1, count1)
	assert.Equal(t, 1, count2)
	assert.Equal(t, 2, wildcard)
}

func TestEventBusUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	var first, second int

	unsubscribe := bus.Subscribe(EventQueueStatus, func(_ *Event) error { first++; return nil })
	bus.Subscribe(EventQueueStatus, func(_ *Event) error { second++; return nil })

	bus.Publish(&Event{Type: EventQueueStatus})
	unsubscribe()
	unsubscribe()
	bus.Publish(&Event{Type: EventQueueStatus})

	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)
}

func TestEventBusNoSubscribers(t *testing.T) {
	bus := NewEventBus()
	assert.NotPanics(t, func() { bus.Publish(&Event{Type: "unknown"}) })
	assert.NoError(t, bus.PublishJSON("unknown", nil))

	var nilBus *EventBus
	assert.NoError(t, nilBus.PublishJSON(EventQueueStatus, models.QueueStatus{}))
}

func TestNewJSONEvent(t *testing.T) {
	event, err := NewJSONEvent(EventStoreError, StoreErrorPayload{Operation: "enqueue", Error: "disk full"})
	require.NoError(t, err)

	assert.Equal(t, EventStoreError, event.Type)
	assert.False(t, event.CreatedAt.IsZero())

	var decoded StoreErrorPayload
	require.NoError(t, json.Unmarshal(event.Payload, &decoded))
	assert.Equal(t, "enqueue", decoded.Operation)
	assert.Equal(t, "disk full", decoded.Error)
}
