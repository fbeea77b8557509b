package journal

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
)

func setupJournal(t *testing.T) Journal {
	t.Helper()
	j, err := New(Config{Driver: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func appendEvent(t *testing.T, j Journal, deviceID, action string, at time.Time) {
	t.Helper()
	err := j.Append(context.Background(), &Event{
		ID:        uuid.New().String(),
		DeviceID:  deviceID,
		Action:    action,
		Detail:    json.RawMessage(`{"k":"v"}`),
		CreatedAt: at,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestAppendAndList(t *testing.T) {
	j := setupJournal(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	appendEvent(t, j, "dev-1", ActionDeviceCheckIn, base)
	appendEvent(t, j, "dev-1", ActionSendMessage, base.Add(time.Second))
	appendEvent(t, j, "dev-2", ActionRevoke, base.Add(2*time.Second))

	events, err := j.List(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	// Newest first.
	if events[0].Action != ActionRevoke {
		t.Errorf("expected newest event first, got %s", events[0].Action)
	}
	if string(events[0].Detail) != `{"k":"v"}` {
		t.Errorf("detail round-trip failed: %s", events[0].Detail)
	}
}

func TestListFilters(t *testing.T) {
	j := setupJournal(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	appendEvent(t, j, "dev-1", ActionDeviceCheckIn, base)
	appendEvent(t, j, "dev-1", ActionSendMessage, base.Add(time.Second))
	appendEvent(t, j, "dev-2", ActionSendMessage, base.Add(2*time.Second))

	byDevice, err := j.List(ctx, Filter{DeviceID: "dev-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byDevice) != 2 {
		t.Errorf("expected 2 events for dev-1, got %d", len(byDevice))
	}

	byAction, err := j.List(ctx, Filter{Action: ActionSendMessage})
	if err != nil {
		t.Fatal(err)
	}
	if len(byAction) != 2 {
		t.Errorf("expected 2 send_message events, got %d", len(byAction))
	}

	both, err := j.List(ctx, Filter{Action: ActionSendMessage, DeviceID: "dev-2"})
	if err != nil {
		t.Fatal(err)
	}
	if len(both) != 1 || both[0].DeviceID != "dev-2" {
		t.Errorf("combined filter failed: %+v", both)
	}
}

func TestListPagination(t *testing.T) {
	j := setupJournal(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	for i := 0; i < 5; i++ {
		appendEvent(t, j, "dev-1", ActionDeviceMessage, base.Add(time.Duration(i)*time.Second))
	}

	page, err := j.List(ctx, Filter{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 {
		t.Fatalf("expected page of 2, got %d", len(page))
	}
}

func TestPing(t *testing.T) {
	j := setupJournal(t)
	if err := j.Ping(context.Background()); err != nil {
		t.Errorf("ping failed: %v", err)
	}
}

func TestNewUnknownDriver(t *testing.T) {
	if _, err := New(Config{Driver: "oracle"}); err == nil {
		t.Error("expected error for unknown driver")
	}
}
