package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/emberbank/fleetrelay/pkg/protocol"
)

// ErrNotConnected is returned by Send while the transport is down.
var ErrNotConnected = errors.New("not connected to relay")

// ErrReconnectExhausted is returned by Run when the agent has used up its
// reconnect budget without reestablishing a connection.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// frameHandler processes one decoded command from the relay.
type frameHandler func(cmd protocol.Command)

// conn manages the agent's outbound WebSocket connection with bounded
// reconnection. The delay between attempts doubles from the configured
// minimum up to the maximum; the attempt counter resets after any successful
// connection.
type conn struct {
	cfg         RelayConfig
	deviceID    string
	handler     frameHandler
	onConnected func()
	logger      *slog.Logger

	mu sync.Mutex
	ws *websocket.Conn
}

func newConn(cfg RelayConfig, deviceID string, handler frameHandler, onConnected func(), logger *slog.Logger) *conn {
	return &conn{
		cfg:         cfg,
		deviceID:    deviceID,
		handler:     handler,
		onConnected: onConnected,
		logger:      logger.With("component", "relay-conn"),
	}
}

// Run connects to the relay and keeps the connection alive until ctx is
// canceled or the reconnect budget runs out.
func (c *conn) Run(ctx context.Context) error {
	attempts := 0
	delay := c.cfg.ReconnectMinDelay.Duration

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		connected, err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			c.logger.Warn("connection lost", "error", err)
		}
		if connected {
			// A successful connection resets the reconnect budget.
			attempts = 0
			delay = c.cfg.ReconnectMinDelay.Duration
		}

		attempts++
		if attempts >= c.cfg.MaxReconnectAttempts {
			c.logger.Error("giving up", "attempts", attempts)
			return ErrReconnectExhausted
		}

		c.logger.Info("reconnecting", "delay", delay, "attempt", attempts)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > c.cfg.ReconnectMaxDelay.Duration {
			delay = c.cfg.ReconnectMaxDelay.Duration
		}
	}
}

func (c *conn) connectOnce(ctx context.Context) (bool, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return false, fmt.Errorf("parse relay url: %w", err)
	}
	q := u.Query()
	q.Set("device_id", c.deviceID)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return false, fmt.Errorf("dial relay: %w", err)
	}

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
		_ = ws.Close()
	}()

	c.logger.Info("connected to relay", "url", c.cfg.URL)
	if c.onConnected != nil {
		c.onConnected()
	}

	for {
		select {
		case <-ctx.Done():
			_ = ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
			return true, ctx.Err()
		default:
		}

		_, msg, err := ws.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read message: %w", err)
		}

		cmd, err := protocol.DecodeCommand(msg)
		if err != nil {
			c.logger.Warn("invalid command from relay", "error", err)
			continue
		}
		c.handler(cmd)
	}
}

// Send delivers a device event to the relay over the current connection.
func (c *conn) Send(ev protocol.DeviceEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return ErrNotConnected
	}
	return c.ws.WriteJSON(ev)
}
