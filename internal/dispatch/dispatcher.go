// Package dispatch turns controller intents into typed command envelopes,
// routes them to device transports through the registry, and fans registry
// change notifications out to every controller console.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/emberbank/fleetrelay/internal/events"
	"github.com/emberbank/fleetrelay/internal/journal"
	"github.com/emberbank/fleetrelay/internal/registry"
	"github.com/emberbank/fleetrelay/pkg/protocol"
)

// DefaultRevokeReason is used when a controller revokes without a reason,
// and by the gateway when it re-notifies a revoked device that tries to
// check in.
const DefaultRevokeReason = "Session revoked by administrator"

// Broadcaster delivers a push notification to every connected controller.
// Sends must be best-effort and non-blocking per recipient.
type Broadcaster interface {
	Broadcast(n protocol.Notification)
}

// Dispatcher routes controller commands and registry notifications.
type Dispatcher struct {
	reg         *registry.Registry
	bus         *events.Bus
	controllers Broadcaster
	jnl         journal.Journal
	logger      *slog.Logger
}

// New creates a dispatcher. Call Start to begin relaying registry
// notifications to the controller group.
func New(reg *registry.Registry, bus *events.Bus, controllers Broadcaster, jnl journal.Journal, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		reg:         reg,
		bus:         bus,
		controllers: controllers,
		jnl:         jnl,
		logger:      logger.With("component", "dispatcher"),
	}
}

// Start subscribes to the registry's notification bus and forwards matching
// events to the controller broadcast group until ctx is canceled.
func (d *Dispatcher) Start(ctx context.Context) {
	ch := d.bus.Subscribe(events.TypeCheckIn, events.TypeTransition, events.TypeMessage)
	go func() {
		defer d.bus.Unsubscribe(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				d.forward(ev)
			}
		}
	}()
}

func (d *Dispatcher) forward(ev events.Event) {
	switch data := ev.Data.(type) {
	case events.CheckIn:
		d.controllers.Broadcast(protocol.Notification{
			Event:     protocol.PushDeviceCheckIn,
			Timestamp: ev.Timestamp,
			Payload: protocol.DeviceCheckInNotification{
				ID:         data.DeviceID,
				Status:     data.Status,
				DeviceInfo: data.Info,
				Timestamp:  ev.Timestamp,
			},
		})
	case events.Transition:
		if data.Status != string(registry.StatusOffline) {
			return
		}
		d.controllers.Broadcast(protocol.Notification{
			Event:     protocol.PushDeviceDisconnected,
			Timestamp: ev.Timestamp,
			Payload:   protocol.DeviceDisconnected{ID: data.DeviceID, Timestamp: ev.Timestamp},
		})
	case events.MessageAppended:
		if data.Sender != string(registry.SenderDevice) {
			return
		}
		d.controllers.Broadcast(protocol.Notification{
			Event:     protocol.PushClientMessage,
			Timestamp: ev.Timestamp,
			Payload:   protocol.ClientMessage{ID: data.DeviceID, Text: data.Text, Timestamp: data.SentAt},
		})
	}
}

// SendMessage delivers a chat message to the target device and appends it to
// the session conversation. Delivery is fire-and-forget: success means the
// envelope was handed to the transport.
func (d *Dispatcher) SendMessage(ctx context.Context, targetID, text string) error {
	now := time.Now()
	err := d.reg.Send(targetID, protocol.Command{
		Action:    protocol.ActionReceiveMessage,
		Timestamp: now,
		Payload:   protocol.ReceiveMessage{Text: text, From: "admin", Timestamp: now},
	})
	if err != nil {
		return err
	}
	if _, err := d.reg.AppendMessage(targetID, registry.SenderController, text); err != nil {
		return err
	}
	d.journal(ctx, journal.ActionSendMessage, targetID, nil)
	return nil
}

// RequestIdentity asks the target device to present identity verification.
func (d *Dispatcher) RequestIdentity(ctx context.Context, targetID string) error {
	now := time.Now()
	err := d.reg.Send(targetID, protocol.Command{
		Action:    protocol.ActionRequestIDVerification,
		Timestamp: now,
		Payload:   protocol.TimestampOnly{Timestamp: now},
	})
	if err != nil {
		return err
	}
	d.journal(ctx, journal.ActionRequestID, targetID, nil)
	return nil
}

// RequestTransactionLog asks the target device for its transaction log.
func (d *Dispatcher) RequestTransactionLog(ctx context.Context, targetID string) error {
	now := time.Now()
	err := d.reg.Send(targetID, protocol.Command{
		Action:    protocol.ActionRequestTransactionLog,
		Timestamp: now,
		Payload:   protocol.TimestampOnly{Timestamp: now},
	})
	if err != nil {
		return err
	}
	d.journal(ctx, journal.ActionRequestLog, targetID, nil)
	return nil
}

// Revoke terminally marks the target session and notifies the device. The
// transport stays open; the device is told, not cut off. The session is
// validated before anything touches the wire: a device must never hear
// SESSION_REVOKED when the state machine would refuse the transition.
func (d *Dispatcher) Revoke(ctx context.Context, targetID, reason string) error {
	if reason == "" {
		reason = DefaultRevokeReason
	}
	snap, err := d.reg.Get(targetID)
	if err != nil {
		return err
	}
	if !snap.Live {
		return fmt.Errorf("%w: %s", registry.ErrOffline, targetID)
	}
	if snap.Status != registry.StatusOnline {
		return fmt.Errorf("%w: %s → %s", registry.ErrInvalidTransition, snap.Status, registry.StatusRevoked)
	}

	now := time.Now()
	if err := d.reg.Send(targetID, protocol.Command{
		Action:    protocol.ActionSessionRevoked,
		Timestamp: now,
		Payload:   protocol.SessionRevoked{Timestamp: now, Reason: reason},
	}); err != nil {
		return err
	}
	if err := d.reg.Transition(targetID, registry.StatusRevoked); err != nil {
		return err
	}
	d.journal(ctx, journal.ActionRevoke, targetID, map[string]string{"reason": reason})
	return nil
}

// SwitchGateway retargets one device when targetID is set, or every Online
// device with a live transport when it is empty. The global fan-out is
// best-effort per device; it returns how many envelopes were handed off.
func (d *Dispatcher) SwitchGateway(ctx context.Context, gatewayID, targetID string) (int, error) {
	cmd := protocol.Command{
		Action:    protocol.ActionSwitchGateway,
		Timestamp: time.Now(),
		Payload:   protocol.SwitchGateway{GatewayID: gatewayID},
	}

	if targetID != "" {
		if err := d.reg.Send(targetID, cmd); err != nil {
			return 0, err
		}
		d.journal(ctx, journal.ActionSwitchGateway, targetID, map[string]string{"gateway_id": gatewayID})
		return 1, nil
	}

	sent := 0
	for _, id := range d.reg.LiveOnline() {
		if err := d.reg.Send(id, cmd); err != nil {
			d.logger.Warn("gateway switch fan-out failed", "device_id", id, "error", err)
			continue
		}
		sent++
	}
	d.journal(ctx, journal.ActionSwitchGateway, "", map[string]any{"gateway_id": gatewayID, "recipients": sent})
	return sent, nil
}

// LoanDecision relays a loan approval outcome to the target device.
func (d *Dispatcher) LoanDecision(ctx context.Context, targetID, loanID, status string) error {
	err := d.reg.Send(targetID, protocol.Command{
		Action:    protocol.ActionLoanDecision,
		Timestamp: time.Now(),
		Payload:   protocol.LoanDecision{LoanID: loanID, Status: status},
	})
	if err != nil {
		return err
	}
	d.journal(ctx, journal.ActionLoanDecision, targetID, map[string]string{"loan_id": loanID, "status": status})
	return nil
}

// HandleDeviceMessage appends an inbound device message to the conversation.
// The registry notification it produces carries the message to every
// controller as a CLIENT_MESSAGE push.
func (d *Dispatcher) HandleDeviceMessage(ctx context.Context, deviceID, text string) error {
	if _, err := d.reg.AppendMessage(deviceID, registry.SenderDevice, text); err != nil {
		return err
	}
	d.journal(ctx, journal.ActionDeviceMessage, deviceID, nil)
	return nil
}

// journal records an audit event; failures are logged, never propagated —
// journaling must not block or fail the relay path.
func (d *Dispatcher) journal(ctx context.Context, action, deviceID string, detail any) {
	var raw json.RawMessage
	if detail != nil {
		b, err := json.Marshal(detail)
		if err != nil {
			d.logger.Warn("marshal audit detail failed", "action", action, "error", err)
		} else {
			raw = b
		}
	}
	if err := d.jnl.Append(ctx, &journal.Event{
		ID:        uuid.New().String(),
		DeviceID:  deviceID,
		Action:    action,
		Detail:    raw,
		CreatedAt: time.Now(),
	}); err != nil {
		d.logger.Warn("failed to journal audit event", "action", action, "error", err)
	}
}

// ErrorCode maps a dispatch error to its wire code for inline controller
// error notices.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, registry.ErrNotFound):
		return "not_found"
	case errors.Is(err, registry.ErrOffline):
		return "offline"
	default:
		return "dispatch_failed"
	}
}
