package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emberbank/fleetrelay/pkg/identity"
	"github.com/emberbank/fleetrelay/pkg/protocol"
)

// Agent is the device-side runtime connecting a device to the relay.
type Agent struct {
	cfg       *Config
	ident     *identity.Store
	conn      *conn
	checkin   *checkInLoop
	listeners *listeners
	logger    *slog.Logger

	mu     sync.Mutex
	runCtx context.Context
}

// New loads the persisted identity and wires the agent components.
func New(cfg *Config, logger *slog.Logger) (*Agent, error) {
	ident, err := identity.Open(cfg.Agent.IdentityFile)
	if err != nil {
		return nil, fmt.Errorf("open identity: %w", err)
	}

	a := &Agent{
		cfg:    cfg,
		ident:  ident,
		logger: logger.With("component", "agent"),
	}
	a.listeners = newListeners(logger)
	a.conn = newConn(cfg.Relay, ident.DeviceID(), a.listeners.Dispatch, a.onConnected, logger)
	a.checkin = newCheckInLoop(a.conn.Send, ident, cfg.Agent, logger)
	a.registerBuiltins()
	return a, nil
}

// DeviceID returns the agent's stable device id.
func (a *Agent) DeviceID() string {
	return a.ident.DeviceID()
}

// On registers an application handler for a relay command action.
func (a *Agent) On(action string, h CommandHandler) {
	a.listeners.On(action, h)
}

// SendMessage sends a chat message toward the controller consoles.
func (a *Agent) SendMessage(text string) error {
	payload, err := marshalPayload(protocol.DeviceMessage{Text: text})
	if err != nil {
		return err
	}
	return a.conn.Send(protocol.DeviceEvent{
		Event:     protocol.EventMessage,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

// Run connects to the relay and blocks until the context is canceled or the
// reconnect budget is exhausted.
func (a *Agent) Run(ctx context.Context) error {
	a.mu.Lock()
	a.runCtx = ctx
	a.mu.Unlock()

	go a.heartbeatLoop(ctx)

	a.logger.Info("agent starting", "device_id", a.ident.DeviceID(),
		"acknowledged", a.ident.Acknowledged())
	return a.conn.Run(ctx)
}

func (a *Agent) onConnected() {
	a.mu.Lock()
	ctx := a.runCtx
	a.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	// Fresh connection: resume the check-in loop unless a previous run was
	// already acknowledged. An acknowledged agent relies on heartbeats for
	// the relay to mark it online again.
	a.checkin.Start(ctx)
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Agent.HeartbeatInterval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := a.conn.Send(protocol.DeviceEvent{
				Event:     protocol.EventHeartbeat,
				Timestamp: time.Now(),
			})
			if err != nil {
				a.logger.Debug("heartbeat skipped", "error", err)
			}
		}
	}
}

// registerBuiltins installs the default reactions to relay commands. An
// embedding application layers its own handlers on top with On.
func (a *Agent) registerBuiltins() {
	a.On(protocol.ActionCheckInAck, func(protocol.Command) {
		a.checkin.Acknowledge()
	})
	a.On(protocol.ActionReceiveMessage, func(cmd protocol.Command) {
		if p, ok := cmd.Payload.(protocol.ReceiveMessage); ok {
			a.logger.Info("message received", "from", p.From, "text", p.Text)
		}
	})
	a.On(protocol.ActionRequestIDVerification, func(protocol.Command) {
		a.logger.Info("identity verification requested")
	})
	a.On(protocol.ActionRequestTransactionLog, func(protocol.Command) {
		a.logger.Info("transaction log requested")
	})
	a.On(protocol.ActionSessionRevoked, func(cmd protocol.Command) {
		reason := ""
		if p, ok := cmd.Payload.(protocol.SessionRevoked); ok {
			reason = p.Reason
		}
		a.logger.Warn("session revoked by relay", "reason", reason)
	})
	a.On(protocol.ActionSwitchGateway, func(cmd protocol.Command) {
		if p, ok := cmd.Payload.(protocol.SwitchGateway); ok {
			a.logger.Info("switching payment gateway", "gateway_id", p.GatewayID)
		}
	})
	a.On(protocol.ActionLoanDecision, func(cmd protocol.Command) {
		if p, ok := cmd.Payload.(protocol.LoanDecision); ok {
			a.logger.Info("loan decision received", "loan_id", p.LoanID, "status", p.Status)
		}
	})
}

func marshalPayload(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return b, nil
}
