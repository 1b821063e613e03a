package events

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// DefaultBacklog is the per-subscriber channel capacity. A subscriber that
// falls this far behind is dropped rather than blocking the publisher.
const DefaultBacklog = 256

// Subscription is a registered subscriber. Events arrive on C in
// publication order for a given room. C is closed when the subscription is
// cancelled or dropped for falling behind.
type Subscription struct {
	ID    string
	Types map[string]bool // empty means all families
	Room  string
	C     chan Event

	once sync.Once
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.C) })
}

// Bus is a typed in-process publish/subscribe hub. Publishing never blocks:
// slow subscribers are disconnected once their backlog fills.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]*Subscription
	backlog int
	closed  bool
}

// NewBus creates a Bus with the default per-subscriber backlog.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]*Subscription), backlog: DefaultBacklog}
}

// Subscribe registers for the given event families on one room. An empty
// types slice subscribes to every family; RoomGlobal receives all rooms.
func (b *Bus) Subscribe(room string, types ...string) *Subscription {
	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}
	sub := &Subscription{
		ID:    uuid.New().String(),
		Types: typeSet,
		Room:  room,
		C:     make(chan Event, b.backlog),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.close()
		return sub
	}
	b.subs[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel. Safe to call
// for already-dropped subscriptions.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub.ID)
	b.mu.Unlock()
	sub.close()
}

// Publish fans the event out to every matching subscriber. Delivery is
// best-effort: a subscriber whose backlog is full is dropped so the
// publisher never blocks. Ordering is preserved per room because each
// room's events pass through Publish serially (the supervisor holds the
// session lock while publishing).
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	matched := make([]*Subscription, 0, 4)
	for _, sub := range b.subs {
		if sub.Room != RoomGlobal && sub.Room != evt.Room {
			continue
		}
		if len(sub.Types) > 0 && !sub.Types[evt.Type] {
			continue
		}
		matched = append(matched, sub)
	}
	b.mu.RUnlock()

	var dropped []*Subscription
	for _, sub := range matched {
		select {
		case sub.C <- evt:
		default:
			dropped = append(dropped, sub)
		}
	}

	for _, sub := range dropped {
		slog.Warn("Dropping slow event subscriber",
			"subscription_id", sub.ID, "room", sub.Room)
		b.Unsubscribe(sub)
	}
}

// SubscriberCount returns the number of active subscriptions. Used by
// tests to poll instead of sleeping.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close drops all subscriptions. Further publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[string]*Subscription)
	b.closed = true
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}
