package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apqueue/internal/observability/logging"
)

func TestPublishDeliversInOrder(t *testing.T) {
	bus := NewBus(logging.Discard())

	var got []string
	bus.Subscribe(func(e Event) { got = append(got, "a:"+e.ItemID) })
	bus.Subscribe(func(e Event) { got = append(got, "b:"+e.ItemID) })

	bus.Publish(Event{Type: ItemAdded, ItemID: "1"})
	bus.Publish(Event{Type: ItemAdded, ItemID: "2"})

	assert.Equal(t, []string{"a:1", "b:1", "a:2", "b:2"}, got)
}

func TestLateSubscriberMissesEarlierEvents(t *testing.T) {
	bus := NewBus(logging.Discard())
	bus.Publish(Event{Type: ItemAdded, ItemID: "early"})

	var got []string
	bus.Subscribe(func(e Event) { got = append(got, e.ItemID) })
	bus.Publish(Event{Type: ItemAdded, ItemID: "late"})

	assert.Equal(t, []string{"late"}, got)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(logging.Discard())

	count := 0
	unsubscribe := bus.Subscribe(func(Event) { count++ })
	bus.Publish(Event{Type: StatusChanged})
	unsubscribe()
	unsubscribe()
	bus.Publish(Event{Type: StatusChanged})

	assert.Equal(t, 1, count)
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestTypeFilter(t *testing.T) {
	bus := NewBus(logging.Discard())

	var got []Type
	bus.Subscribe(func(e Event) { got = append(got, e.Type) }, StatusChanged, ItemRemoved)

	bus.Publish(Event{Type: ItemAdded})
	bus.Publish(Event{Type: StatusChanged})
	bus.Publish(Event{Type: ItemRemoved})

	assert.Equal(t, []Type{StatusChanged, ItemRemoved}, got)
}

func TestPanickingListenerDoesNotStopOthers(t *testing.T) {
	bus := NewBus(logging.Discard())

	delivered := false
	bus.Subscribe(func(Event) { panic("boom") })
	bus.Subscribe(func(Event) { delivered = true })

	require.NotPanics(t, func() { bus.Publish(Event{Type: Notification}) })
	assert.True(t, delivered)
}

func TestUnsubscribeDuringPublish(t *testing.T) {
	bus := NewBus(logging.Discard())

	calls := 0
	var unsubscribe func()
	unsubscribe = bus.Subscribe(func(Event) {
		calls++
		unsubscribe()
	})

	bus.Publish(Event{Type: Notification})
	bus.Publish(Event{Type: Notification})
	assert.Equal(t, 1, calls)
}

func TestPublishStampsTime(t *testing.T) {
	bus := NewBus(logging.Discard())
	var got Event
	bus.Subscribe(func(e Event) { got = e })
	bus.Publish(Event{Type: Notification})
	assert.False(t, got.At.IsZero())
}
