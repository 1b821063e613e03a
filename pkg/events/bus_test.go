package events

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case evt, ok := <-sub.C:
		require.True(t, ok, "subscription channel closed unexpectedly")
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishDeliversToRoomSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(SessionRoom("abc"))
	other := bus.Subscribe(SessionRoom("def"))

	bus.Publish(Event{
		Type:      TypeSessionStatusChanged,
		Room:      SessionRoom("abc"),
		SessionID: "abc",
		From:      "pending",
		To:        "queued",
	})

	evt := recvEvent(t, sub)
	assert.Equal(t, TypeSessionStatusChanged, evt.Type)
	assert.Equal(t, "pending", evt.From)
	assert.Equal(t, "queued", evt.To)

	select {
	case <-other.C:
		t.Fatal("event leaked into another session's room")
	default:
	}
}

func TestGlobalRoomReceivesEverything(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	global := bus.Subscribe(RoomGlobal)

	bus.Publish(Event{Type: TypeSessionCreated, Room: SessionRoom("abc"), SessionID: "abc"})
	bus.Publish(Event{Type: TypeAgentRegistered, Room: AgentRoom("agent-1"), AgentID: "agent-1"})

	first := recvEvent(t, global)
	second := recvEvent(t, global)
	assert.Equal(t, TypeSessionCreated, first.Type)
	assert.Equal(t, TypeAgentRegistered, second.Type)
}

func TestTypeFilter(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(SessionRoom("abc"), TypeSessionCompleted)

	bus.Publish(Event{Type: TypeSessionStatusChanged, Room: SessionRoom("abc")})
	bus.Publish(Event{Type: TypeSessionCompleted, Room: SessionRoom("abc")})

	evt := recvEvent(t, sub)
	assert.Equal(t, TypeSessionCompleted, evt.Type, "filtered families must be skipped")
}

func TestPerRoomOrdering(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(SessionRoom("abc"))
	for i := 0; i < 10; i++ {
		bus.Publish(Event{
			Type:    TypeSessionMetricsUpdated,
			Room:    SessionRoom("abc"),
			Payload: map[string]any{"seq": i},
		})
	}
	for i := 0; i < 10; i++ {
		evt := recvEvent(t, sub)
		assert.Equal(t, i, evt.Payload["seq"])
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	slow := bus.Subscribe(SessionRoom("abc"))
	require.Equal(t, 1, bus.SubscriberCount())

	// Nobody reads from slow; once its backlog fills the publisher
	// disconnects it instead of blocking.
	for i := 0; i < DefaultBacklog+1; i++ {
		bus.Publish(Event{Type: TypeSessionMetricsUpdated, Room: SessionRoom("abc")})
	}

	assert.Equal(t, 0, bus.SubscriberCount())

	// Drain until the channel closes to confirm the drop closed it.
	closed := false
	for !closed {
		select {
		case _, ok := <-slow.C:
			if !ok {
				closed = true
			}
		case <-time.After(time.Second):
			t.Fatal("dropped subscriber channel never closed")
		}
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(RoomGlobal)
	bus.Unsubscribe(sub)
	bus.Unsubscribe(sub)
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestCloseStopsDelivery(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(RoomGlobal)
	bus.Close()

	_, ok := <-sub.C
	assert.False(t, ok)

	// Publishing after close is a no-op, and late subscribers get a
	// closed channel immediately.
	bus.Publish(Event{Type: TypeSessionCreated, Room: RoomGlobal})
	late := bus.Subscribe(RoomGlobal)
	_, ok = <-late.C
	assert.False(t, ok)
}

func TestManySubscribersFanOut(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	subs := make([]*Subscription, 5)
	for i := range subs {
		subs[i] = bus.Subscribe(SessionRoom("abc"))
	}

	bus.Publish(Event{Type: TypeSessionCompleted, Room: SessionRoom("abc")})
	for i, sub := range subs {
		evt := recvEvent(t, sub)
		assert.Equal(t, TypeSessionCompleted, evt.Type, fmt.Sprintf("subscriber %d", i))
	}
}
