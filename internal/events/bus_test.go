package events

import (
	"testing"
)

func TestSubscribeFilter(t *testing.T) {
	bus := New()
	defer bus.Close()

	all := bus.Subscribe()
	only := bus.Subscribe(TypeCheckIn)

	bus.Publish(Event{Type: TypeTransition, Data: Transition{DeviceID: "d1", Status: "Offline"}})
	bus.Publish(Event{Type: TypeCheckIn, Data: CheckIn{DeviceID: "d1"}})

	if got := len(drain(all)); got != 2 {
		t.Errorf("unfiltered subscriber expected 2 events, got %d", got)
	}
	evs := drain(only)
	if len(evs) != 1 || evs[0].Type != TypeCheckIn {
		t.Errorf("filtered subscriber expected only check-in, got %+v", evs)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	bus := New()
	defer bus.Close()

	ch := bus.Subscribe(TypeMessage)
	// Overfill the buffer; extra events are dropped, not deadlocked.
	for i := 0; i < 200; i++ {
		bus.Publish(Event{Type: TypeMessage, Data: MessageAppended{DeviceID: "d1"}})
	}
	if got := len(drain(ch)); got != cap(ch) {
		t.Errorf("expected a full buffer of %d events, got %d", cap(ch), got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := New()
	defer bus.Close()

	ch := bus.Subscribe()
	bus.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed after unsubscribe")
	}

	// Publishing after unsubscribe must not panic.
	bus.Publish(Event{Type: TypeCheckIn})
}

func TestPublishSetsTimestamp(t *testing.T) {
	bus := New()
	defer bus.Close()

	ch := bus.Subscribe()
	bus.Publish(Event{Type: TypeCheckIn})
	ev := <-ch
	if ev.Timestamp.IsZero() {
		t.Error("expected Publish to stamp the event")
	}
}

func drain(ch chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}
