package gateway

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/emberbank/fleetrelay/pkg/protocol"
)

// controllerQueueSize is the per-controller outbound buffer. A controller
// that cannot drain its queue loses notifications rather than stalling the
// relay.
const controllerQueueSize = 64

// controller is one connected console. All writes to conn go through the
// writer goroutine, which shares mu with the keepalive pinger.
type controller struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
	send chan protocol.Notification
}

// enqueue hands a notification to the writer goroutine without blocking.
func (c *controller) enqueue(n protocol.Notification) bool {
	select {
	case c.send <- n:
		return true
	default:
		return false
	}
}

func (c *controller) notifyError(code, message string) {
	c.enqueue(protocol.Notification{
		Event:     protocol.PushError,
		Timestamp: time.Now(),
		Payload:   protocol.ErrorNotice{Code: code, Message: message},
	})
}

func (c *controller) writeLoop(logger *slog.Logger) {
	for n := range c.send {
		c.mu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		err := c.conn.WriteJSON(n)
		c.mu.Unlock()
		if err != nil {
			logger.Debug("controller write failed", "controller_id", c.id, "error", err)
			return
		}
	}
}

// ControllerGroup is the set of connected consoles. It is the broadcast
// target for every push notification the dispatcher produces.
type ControllerGroup struct {
	logger *slog.Logger

	mu      sync.RWMutex
	members map[string]*controller
}

// NewControllerGroup creates an empty group.
func NewControllerGroup(logger *slog.Logger) *ControllerGroup {
	return &ControllerGroup{
		logger:  logger.With("component", "controllers"),
		members: make(map[string]*controller),
	}
}

func (g *ControllerGroup) add(conn *websocket.Conn) *controller {
	c := &controller{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan protocol.Notification, controllerQueueSize),
	}
	g.mu.Lock()
	g.members[c.id] = c
	g.mu.Unlock()
	go c.writeLoop(g.logger)
	return c
}

func (g *ControllerGroup) remove(c *controller) {
	g.mu.Lock()
	if _, ok := g.members[c.id]; ok {
		delete(g.members, c.id)
		close(c.send)
	}
	g.mu.Unlock()
}

// Count returns how many consoles are connected.
func (g *ControllerGroup) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.members)
}

// Broadcast fans a notification out to every connected console. Delivery is
// best-effort per recipient: a full queue drops the frame for that console
// only.
func (g *ControllerGroup) Broadcast(n protocol.Notification) {
	g.mu.RLock()
	members := make([]*controller, 0, len(g.members))
	for _, c := range g.members {
		members = append(members, c)
	}
	g.mu.RUnlock()

	for _, c := range members {
		if !c.enqueue(n) {
			g.logger.Warn("controller queue full, dropping notification",
				"controller_id", c.id, "event", n.Event)
		}
	}
}
