// Package events carries registry change notifications from the session
// registry to the dispatcher's controller-broadcast path.
package events

import (
	"sync"
	"time"

	"github.com/emberbank/fleetrelay/pkg/protocol"
)

// Event types published on the bus.
const (
	TypeTransition = "session.transition"
	TypeCheckIn    = "session.checkin"
	TypeMessage    = "session.message"
)

// Transition reports a session status change.
type Transition struct {
	DeviceID string
	Status   string
}

// CheckIn reports a successful device check-in with its metadata.
type CheckIn struct {
	DeviceID string
	Status   string
	Info     protocol.DeviceInfo
}

// MessageAppended reports a message appended to a session conversation.
type MessageAppended struct {
	DeviceID string
	Sender   string
	Text     string
	Sequence int64
	SentAt   time.Time
}

// Event is a single notification on the bus.
type Event struct {
	Type      string
	Timestamp time.Time
	Data      any
}

// Bus is a fan-out pub/sub bus. Subscribers receive events on a buffered
// channel; publish never blocks, slow subscribers lose events.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]map[string]bool // channel → subscribed types (nil = all)
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[chan Event]map[string]bool)}
}

// Subscribe returns a channel receiving events of the given types, or all
// events when none are given. The channel is buffered (64).
func (b *Bus) Subscribe(types ...string) chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(types) == 0 {
		b.subs[ch] = nil
	} else {
		filter := make(map[string]bool, len(types))
		for _, t := range types {
			filter[t] = true
		}
		b.subs[ch] = filter
	}
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Publish delivers an event to all matching subscribers without blocking; a
// subscriber with a full buffer misses the event.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, filter := range b.subs {
		if filter != nil && !filter[e.Type] {
			continue
		}
		select {
		case ch <- e:
		default:
			// slow subscriber, drop
		}
	}
}

// Close unsubscribes everyone and closes their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
}
