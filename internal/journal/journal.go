// Package journal persists the relay's audit trail: connection lifecycle,
// check-ins, and every controller command, with SQLite and PostgreSQL
// implementations. The journal is an append-only side record; the session
// registry itself is deliberately volatile and is never rebuilt from it.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Journal actions recorded by the gateway and dispatcher.
const (
	ActionDeviceConnect    = "device.connect"
	ActionDeviceCheckIn    = "device.checkin"
	ActionDeviceDisconnect = "device.disconnect"
	ActionDeviceMessage    = "device.message"
	ActionSendMessage      = "command.send_message"
	ActionRequestID        = "command.request_id"
	ActionRequestLog       = "command.request_log"
	ActionRevoke           = "command.revoke"
	ActionSwitchGateway    = "command.switch_gateway"
	ActionLoanDecision     = "command.loan_decision"
)

// Event is one audit record.
type Event struct {
	ID        string          `json:"id"`
	DeviceID  string          `json:"device_id,omitempty"`
	Action    string          `json:"action"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Filter selects audit events for listing.
type Filter struct {
	Action   string
	DeviceID string
	Limit    int
	Offset   int
}

// Journal is the audit persistence interface.
type Journal interface {
	Append(ctx context.Context, ev *Event) error
	List(ctx context.Context, f Filter) ([]Event, error)
	Ping(ctx context.Context) error
	Close() error
}

// Config selects and configures a journal driver.
type Config struct {
	Driver string `json:"driver"` // "sqlite" (default) or "postgres"
	DSN    string `json:"dsn"`
}

// New creates a Journal based on the configured driver.
func New(cfg Config) (Journal, error) {
	switch cfg.Driver {
	case "postgres":
		return NewPostgres(cfg.DSN)
	case "sqlite", "":
		return NewSQLite(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported journal driver: %q", cfg.Driver)
	}
}
