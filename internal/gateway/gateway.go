// Package gateway owns the WebSocket edge of the relay: the device endpoint
// that binds transports into the session registry, and the controller
// endpoint that accepts console commands and receives push notifications.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/emberbank/fleetrelay/internal/dispatch"
	"github.com/emberbank/fleetrelay/internal/journal"
	"github.com/emberbank/fleetrelay/internal/registry"
	"github.com/emberbank/fleetrelay/pkg/protocol"
)

// Gateway terminates device and controller WebSocket connections.
type Gateway struct {
	reg         *registry.Registry
	disp        *dispatch.Dispatcher
	controllers *ControllerGroup
	jnl         journal.Journal
	logger      *slog.Logger
	upgrader    websocket.Upgrader
}

// New creates a gateway. The controller group must be the same instance the
// dispatcher broadcasts to.
func New(reg *registry.Registry, disp *dispatch.Dispatcher, controllers *ControllerGroup, jnl journal.Journal, logger *slog.Logger) *Gateway {
	return &Gateway{
		reg:         reg,
		disp:        disp,
		controllers: controllers,
		jnl:         jnl,
		logger:      logger.With("component", "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy is enforced by the fronting proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// deviceConn is the registry handle for one device transport. The mutex is
// shared with the keepalive pinger so all writes to the socket serialize.
type deviceConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// Send marshals a command envelope and writes it to the device socket.
func (c *deviceConn) Send(cmd protocol.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := c.conn.WriteJSON(cmd); err != nil {
		return fmt.Errorf("write command %s: %w", cmd.Action, err)
	}
	return nil
}

// HandleDevice upgrades a device connection and runs its read loop until the
// socket closes. The device identifies itself with the device_id query
// parameter; a second connection for the same id supersedes the first, and
// the superseded connection's close is ignored by the registry.
func (g *Gateway) HandleDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		http.Error(w, "device_id query parameter required", http.StatusBadRequest)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("device upgrade failed", "device_id", deviceID, "error", err)
		return
	}

	dc := &deviceConn{conn: conn}
	gen := g.reg.Bind(deviceID, dc)
	cancelKeepalive := startWSKeepalive(conn, &dc.mu)

	log := g.logger.With("device_id", deviceID)
	log.Info("device connected")
	g.journal(r.Context(), journal.ActionDeviceConnect, deviceID, nil)

	defer func() {
		cancelKeepalive()
		_ = conn.Close()
		// Unbind only fires for the generation we installed; a superseded
		// connection closing here must not mark the new one offline.
		if g.reg.Unbind(deviceID, gen) {
			log.Info("device disconnected")
			g.journal(context.Background(), journal.ActionDeviceDisconnect, deviceID, nil)
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("device read error", "error", err)
			}
			return
		}
		g.handleDeviceFrame(r.Context(), log, deviceID, dc, data)
	}
}

func (g *Gateway) handleDeviceFrame(ctx context.Context, log *slog.Logger, deviceID string, dc *deviceConn, data []byte) {
	event, payload, err := protocol.DecodeDeviceEvent(data)
	if err != nil {
		log.Warn("dropping malformed device frame", "event", event, "error", err)
		return
	}

	switch event {
	case protocol.EventCheckIn:
		ci := payload.(protocol.CheckIn)
		info, err := g.reg.CheckIn(deviceID, ci.Descriptor, ci.Platform)
		if err != nil {
			if errors.Is(err, registry.ErrRevoked) {
				// No ack for a revoked session. Re-send the revocation so a
				// restarted agent learns its state.
				now := time.Now()
				notice := protocol.Command{
					Action:    protocol.ActionSessionRevoked,
					Timestamp: now,
					Payload:   protocol.SessionRevoked{Timestamp: now, Reason: dispatch.DefaultRevokeReason},
				}
				if err := dc.Send(notice); err != nil {
					log.Warn("revocation notice failed", "error", err)
				}
				return
			}
			log.Warn("check-in failed", "error", err)
			return
		}
		ack := protocol.Command{Action: protocol.ActionCheckInAck, Timestamp: time.Now()}
		if err := dc.Send(ack); err != nil {
			log.Warn("check-in ack failed", "error", err)
			return
		}
		log.Info("device checked in", "descriptor", info.Descriptor, "platform", info.Platform)
		g.journal(ctx, journal.ActionDeviceCheckIn, deviceID, info)

	case protocol.EventHeartbeat:
		if _, err := g.reg.Touch(deviceID); err != nil {
			log.Warn("heartbeat for unknown session", "error", err)
		}

	case protocol.EventMessage:
		dm := payload.(protocol.DeviceMessage)
		// A message counts as activity just like a heartbeat does.
		_, _ = g.reg.Touch(deviceID)
		if err := g.disp.HandleDeviceMessage(ctx, deviceID, dm.Text); err != nil {
			log.Warn("device message dropped", "error", err)
		}
	}
}

// HandleController upgrades a console connection, registers it for push
// notifications, and runs its command read loop until the socket closes.
func (g *Gateway) HandleController(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("controller upgrade failed", "error", err)
		return
	}

	c := g.controllers.add(conn)
	cancelKeepalive := startWSKeepalive(conn, &c.mu)

	log := g.logger.With("controller_id", c.id)
	log.Info("controller connected")

	defer func() {
		cancelKeepalive()
		g.controllers.remove(c)
		_ = conn.Close()
		log.Info("controller disconnected")
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("controller read error", "error", err)
			}
			return
		}
		g.handleControllerCommand(r.Context(), log, c, data)
	}
}

// handleControllerCommand decodes one console command and dispatches it.
// Failures come back to the issuing console only, as inline ERROR pushes; the
// connection stays up.
func (g *Gateway) handleControllerCommand(ctx context.Context, log *slog.Logger, c *controller, data []byte) {
	var cc protocol.ControllerCommand
	if err := json.Unmarshal(data, &cc); err != nil {
		c.notifyError("malformed_command", "invalid command frame")
		return
	}

	var err error
	switch cc.Command {
	case protocol.CmdSendMessage:
		var p protocol.SendMessageRequest
		if err = json.Unmarshal(cc.Payload, &p); err == nil {
			err = g.disp.SendMessage(ctx, p.TargetID, p.Text)
		}
	case protocol.CmdRequestID:
		var p protocol.TargetRequest
		if err = json.Unmarshal(cc.Payload, &p); err == nil {
			err = g.disp.RequestIdentity(ctx, p.TargetID)
		}
	case protocol.CmdRequestLog:
		var p protocol.TargetRequest
		if err = json.Unmarshal(cc.Payload, &p); err == nil {
			err = g.disp.RequestTransactionLog(ctx, p.TargetID)
		}
	case protocol.CmdRevoke:
		var p protocol.RevokeRequest
		if err = json.Unmarshal(cc.Payload, &p); err == nil {
			err = g.disp.Revoke(ctx, p.TargetID, p.Reason)
		}
	case protocol.CmdSwitchGateway:
		var p protocol.SwitchGatewayRequest
		if err = json.Unmarshal(cc.Payload, &p); err == nil {
			_, err = g.disp.SwitchGateway(ctx, p.GatewayID, p.TargetID)
		}
	case protocol.CmdLoanDecision:
		var p protocol.LoanDecisionRequest
		if err = json.Unmarshal(cc.Payload, &p); err == nil {
			err = g.disp.LoanDecision(ctx, p.TargetID, p.LoanID, p.Status)
		}
	default:
		c.notifyError("unknown_command", fmt.Sprintf("unknown command %q", cc.Command))
		return
	}

	if err != nil {
		log.Warn("controller command failed", "command", cc.Command, "error", err)
		c.notifyError(dispatch.ErrorCode(err), err.Error())
	}
}

func (g *Gateway) journal(ctx context.Context, action, deviceID string, detail any) {
	var raw json.RawMessage
	if detail != nil {
		if b, err := json.Marshal(detail); err == nil {
			raw = b
		}
	}
	if err := g.jnl.Append(ctx, &journal.Event{
		ID:        uuid.New().String(),
		DeviceID:  deviceID,
		Action:    action,
		Detail:    raw,
		CreatedAt: time.Now(),
	}); err != nil {
		g.logger.Warn("failed to journal audit event", "action", action, "error", err)
	}
}
