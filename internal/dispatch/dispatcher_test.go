package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/emberbank/fleetrelay/internal/events"
	"github.com/emberbank/fleetrelay/internal/journal"
	"github.com/emberbank/fleetrelay/internal/registry"
	"github.com/emberbank/fleetrelay/pkg/protocol"
)

// chanBroadcaster feeds broadcasts into a channel for assertions.
type chanBroadcaster struct {
	ch chan protocol.Notification
}

func (b *chanBroadcaster) Broadcast(n protocol.Notification) {
	select {
	case b.ch <- n:
	default:
	}
}

// memJournal is an in-memory Journal for tests.
type memJournal struct {
	mu     sync.Mutex
	events []journal.Event
}

func (m *memJournal) Append(_ context.Context, ev *journal.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *ev)
	return nil
}

func (m *memJournal) List(context.Context, journal.Filter) ([]journal.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]journal.Event, len(m.events))
	copy(out, m.events)
	return out, nil
}

func (m *memJournal) Ping(context.Context) error { return nil }
func (m *memJournal) Close() error               { return nil }

func (m *memJournal) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, ev := range m.events {
		out = append(out, ev.Action)
	}
	return out
}

type fakeHandle struct {
	mu   sync.Mutex
	sent []protocol.Command
}

func (h *fakeHandle) Send(cmd protocol.Command) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, cmd)
	return nil
}

func (h *fakeHandle) commands() []protocol.Command {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]protocol.Command, len(h.sent))
	copy(out, h.sent)
	return out
}

func setupDispatcher(t *testing.T) (*Dispatcher, *registry.Registry, *chanBroadcaster, *memJournal) {
	t.Helper()
	bus := events.New()
	t.Cleanup(bus.Close)
	reg := registry.New(bus)
	bc := &chanBroadcaster{ch: make(chan protocol.Notification, 16)}
	jnl := &memJournal{}
	d := New(reg, bus, bc, jnl, slog.Default())
	return d, reg, bc, jnl
}

// connectDevice binds a handle and checks the device in.
func connectDevice(t *testing.T, reg *registry.Registry, id string) *fakeHandle {
	t.Helper()
	h := &fakeHandle{}
	reg.Bind(id, h)
	if _, err := reg.CheckIn(id, "desc", "android"); err != nil {
		t.Fatal(err)
	}
	return h
}

func waitNotification(t *testing.T, bc *chanBroadcaster, event string) protocol.Notification {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case n := <-bc.ch:
			if n.Event == event {
				return n
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s notification", event)
		}
	}
}

func TestSendMessage(t *testing.T) {
	d, reg, _, jnl := setupDispatcher(t)
	h := connectDevice(t, reg, "dev-1")

	if err := d.SendMessage(context.Background(), "dev-1", "hello there"); err != nil {
		t.Fatal(err)
	}

	cmds := h.commands()
	if len(cmds) != 1 || cmds[0].Action != protocol.ActionReceiveMessage {
		t.Fatalf("expected one RECEIVE_MESSAGE, got %+v", cmds)
	}
	p := cmds[0].Payload.(protocol.ReceiveMessage)
	if p.Text != "hello there" || p.From != "admin" {
		t.Errorf("unexpected payload: %+v", p)
	}

	msgs, err := reg.Messages("dev-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Sender != registry.SenderController {
		t.Errorf("expected one controller message in the log, got %+v", msgs)
	}

	actions := jnl.actions()
	if len(actions) != 1 || actions[0] != journal.ActionSendMessage {
		t.Errorf("expected one send_message audit event, got %v", actions)
	}
}

func TestSendMessage_OfflineLeavesNoTrace(t *testing.T) {
	d, reg, _, jnl := setupDispatcher(t)
	connectDevice(t, reg, "dev-1")
	gen := reg.Bind("dev-1", &fakeHandle{})
	reg.Unbind("dev-1", gen)

	err := d.SendMessage(context.Background(), "dev-1", "anyone home?")
	if !errors.Is(err, registry.ErrOffline) {
		t.Fatalf("expected ErrOffline, got %v", err)
	}
	if msgs, _ := reg.Messages("dev-1"); len(msgs) != 0 {
		t.Errorf("failed delivery must not append to the conversation: %+v", msgs)
	}
	if len(jnl.actions()) != 0 {
		t.Errorf("failed delivery must not be journaled: %v", jnl.actions())
	}
}

func TestSendMessage_UnknownDevice(t *testing.T) {
	d, _, _, _ := setupDispatcher(t)
	err := d.SendMessage(context.Background(), "ghost", "hi")
	if !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRevoke(t *testing.T) {
	d, reg, _, _ := setupDispatcher(t)
	h := connectDevice(t, reg, "dev-1")

	if err := d.Revoke(context.Background(), "dev-1", ""); err != nil {
		t.Fatal(err)
	}

	cmds := h.commands()
	if len(cmds) != 1 || cmds[0].Action != protocol.ActionSessionRevoked {
		t.Fatalf("expected SESSION_REVOKED, got %+v", cmds)
	}
	p := cmds[0].Payload.(protocol.SessionRevoked)
	if p.Reason == "" {
		t.Error("expected a default revocation reason")
	}

	snap, _ := reg.Get("dev-1")
	if snap.Status != registry.StatusRevoked {
		t.Errorf("expected Revoked, got %s", snap.Status)
	}
}

func TestRevoke_OfflineDeviceUntouched(t *testing.T) {
	d, reg, _, _ := setupDispatcher(t)
	connectDevice(t, reg, "dev-1")
	gen := reg.Bind("dev-1", &fakeHandle{})
	reg.Unbind("dev-1", gen)

	err := d.Revoke(context.Background(), "dev-1", "gone")
	if !errors.Is(err, registry.ErrOffline) {
		t.Fatalf("expected ErrOffline, got %v", err)
	}
	snap, _ := reg.Get("dev-1")
	if snap.Status != registry.StatusOffline {
		t.Errorf("revoke of an offline device must not change status, got %s", snap.Status)
	}
}

func TestRevoke_ConnectingDeviceNotNotified(t *testing.T) {
	d, reg, _, jnl := setupDispatcher(t)

	// Bound but never checked in: the state machine refuses Connecting →
	// Revoked, so the device must not hear SESSION_REVOKED.
	h := &fakeHandle{}
	reg.Bind("dev-1", h)

	err := d.Revoke(context.Background(), "dev-1", "fraud")
	if !errors.Is(err, registry.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if cmds := h.commands(); len(cmds) != 0 {
		t.Errorf("refused revoke must not reach the device: %+v", cmds)
	}
	if actions := jnl.actions(); len(actions) != 0 {
		t.Errorf("refused revoke must not be journaled: %v", actions)
	}
	snap, _ := reg.Get("dev-1")
	if snap.Status != registry.StatusConnecting {
		t.Errorf("expected status to stay Connecting, got %s", snap.Status)
	}
}

func TestSwitchGateway_Targeted(t *testing.T) {
	d, reg, _, _ := setupDispatcher(t)
	h := connectDevice(t, reg, "dev-1")

	sent, err := d.SwitchGateway(context.Background(), "gw-backup", "dev-1")
	if err != nil {
		t.Fatal(err)
	}
	if sent != 1 {
		t.Errorf("expected 1 recipient, got %d", sent)
	}
	cmds := h.commands()
	if cmds[len(cmds)-1].Payload.(protocol.SwitchGateway).GatewayID != "gw-backup" {
		t.Errorf("unexpected command: %+v", cmds)
	}
}

func TestSwitchGateway_Broadcast(t *testing.T) {
	d, reg, _, _ := setupDispatcher(t)
	h1 := connectDevice(t, reg, "dev-1")
	h2 := connectDevice(t, reg, "dev-2")

	// dev-3 connected but never checked in: not a fan-out recipient.
	h3 := &fakeHandle{}
	reg.Bind("dev-3", h3)

	sent, err := d.SwitchGateway(context.Background(), "gw-backup", "")
	if err != nil {
		t.Fatal(err)
	}
	if sent != 2 {
		t.Errorf("expected 2 recipients, got %d", sent)
	}
	for name, h := range map[string]*fakeHandle{"dev-1": h1, "dev-2": h2} {
		got := h.commands()
		if got[len(got)-1].Action != protocol.ActionSwitchGateway {
			t.Errorf("%s: expected SWITCH_GATEWAY, got %+v", name, got)
		}
	}
	if len(h3.commands()) != 0 {
		t.Errorf("device that never checked in must not receive fan-out: %+v", h3.commands())
	}
}

func TestLoanDecision(t *testing.T) {
	d, reg, _, jnl := setupDispatcher(t)
	h := connectDevice(t, reg, "dev-1")

	if err := d.LoanDecision(context.Background(), "dev-1", "ln-42", "approved"); err != nil {
		t.Fatal(err)
	}
	cmds := h.commands()
	p := cmds[len(cmds)-1].Payload.(protocol.LoanDecision)
	if p.LoanID != "ln-42" || p.Status != "approved" {
		t.Errorf("unexpected payload: %+v", p)
	}
	actions := jnl.actions()
	if actions[len(actions)-1] != journal.ActionLoanDecision {
		t.Errorf("expected loan_decision audit event, got %v", actions)
	}
}

func TestForwarding(t *testing.T) {
	d, reg, bc, _ := setupDispatcher(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	// Check-in → DEVICE_CHECKIN_NOTIFICATION.
	gen := reg.Bind("dev-1", &fakeHandle{})
	if _, err := reg.CheckIn("dev-1", "desc", "android"); err != nil {
		t.Fatal(err)
	}
	n := waitNotification(t, bc, protocol.PushDeviceCheckIn)
	ci := n.Payload.(protocol.DeviceCheckInNotification)
	if ci.ID != "dev-1" || ci.DeviceInfo.Descriptor != "desc" {
		t.Errorf("unexpected check-in push: %+v", ci)
	}

	// Device message → CLIENT_MESSAGE.
	if err := d.HandleDeviceMessage(context.Background(), "dev-1", "ping"); err != nil {
		t.Fatal(err)
	}
	n = waitNotification(t, bc, protocol.PushClientMessage)
	cm := n.Payload.(protocol.ClientMessage)
	if cm.ID != "dev-1" || cm.Text != "ping" {
		t.Errorf("unexpected client message push: %+v", cm)
	}

	// Disconnect → DEVICE_DISCONNECTED.
	reg.Unbind("dev-1", gen)
	n = waitNotification(t, bc, protocol.PushDeviceDisconnected)
	dd := n.Payload.(protocol.DeviceDisconnected)
	if dd.ID != "dev-1" {
		t.Errorf("unexpected disconnect push: %+v", dd)
	}
}

func TestForwarding_ControllerMessagesNotEchoed(t *testing.T) {
	d, reg, bc, _ := setupDispatcher(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	connectDevice(t, reg, "dev-1")
	waitNotification(t, bc, protocol.PushDeviceCheckIn)

	if err := d.SendMessage(context.Background(), "dev-1", "from admin"); err != nil {
		t.Fatal(err)
	}

	// Give the forwarding goroutine a moment, then assert nothing arrived.
	time.Sleep(50 * time.Millisecond)
	select {
	case n := <-bc.ch:
		t.Errorf("controller-sent message must not be pushed back: %+v", n)
	default:
	}
}

func TestErrorCode(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{registry.ErrNotFound, "not_found"},
		{registry.ErrOffline, "offline"},
		{errors.New("boom"), "dispatch_failed"},
	}
	for _, c := range cases {
		if got := ErrorCode(c.err); got != c.want {
			t.Errorf("ErrorCode(%v) = %q, want %q", c.err, got, c.want)
		}
	}
}
