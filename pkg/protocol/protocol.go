// Package protocol defines the wire protocol exchanged between FleetRelay
// components (device agent ↔ relay ↔ controller console) over WebSocket.
//
// All frames are JSON-encoded. Devices send event frames ("event" tag), the
// relay sends command envelopes toward devices ("action" tag) and push
// notifications toward controllers ("event" tag). Unknown or malformed frames
// decode to ErrMalformedEnvelope and are dropped at the transport boundary.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedEnvelope is returned when a frame fails schema validation or
// carries an unrecognized tag.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// --- Device → server events ---

const (
	EventCheckIn   = "CHECK_IN"
	EventHeartbeat = "HEARTBEAT"
	EventMessage   = "MESSAGE"
)

// DeviceEvent is the top-level frame a device sends to the relay.
type DeviceEvent struct {
	Event     string          `json:"event"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// CheckIn carries the device's presence handshake.
type CheckIn struct {
	Descriptor string    `json:"descriptor"`
	Platform   string    `json:"platform"`
	Timestamp  time.Time `json:"timestamp"`
}

// DeviceMessage is a chat-style message from the device to the controllers.
type DeviceMessage struct {
	Text string `json:"text"`
}

// DecodeDeviceEvent validates a raw frame from a device connection and
// decodes its payload into the matching typed struct. It returns the event
// tag, the decoded payload (nil for HEARTBEAT), and ErrMalformedEnvelope for
// anything outside the device vocabulary.
func DecodeDeviceEvent(data []byte) (string, any, error) {
	var ev DeviceEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	switch ev.Event {
	case EventCheckIn:
		var ci CheckIn
		if err := json.Unmarshal(ev.Payload, &ci); err != nil {
			return ev.Event, nil, fmt.Errorf("%w: check-in payload: %v", ErrMalformedEnvelope, err)
		}
		return ev.Event, ci, nil
	case EventHeartbeat:
		return ev.Event, nil, nil
	case EventMessage:
		var dm DeviceMessage
		if err := json.Unmarshal(ev.Payload, &dm); err != nil {
			return ev.Event, nil, fmt.Errorf("%w: message payload: %v", ErrMalformedEnvelope, err)
		}
		if dm.Text == "" {
			return ev.Event, nil, fmt.Errorf("%w: empty message text", ErrMalformedEnvelope)
		}
		return ev.Event, dm, nil
	default:
		return ev.Event, nil, fmt.Errorf("%w: unknown device event %q", ErrMalformedEnvelope, ev.Event)
	}
}

// --- Server → device commands ---

const (
	ActionCheckInAck            = "CHECK_IN_ACK"
	ActionReceiveMessage        = "RECEIVE_MESSAGE"
	ActionRequestIDVerification = "REQUEST_ID_VERIFICATION"
	ActionRequestTransactionLog = "REQUEST_TRANSACTION_LOG"
	ActionSessionRevoked        = "SESSION_REVOKED"
	ActionSwitchGateway         = "SWITCH_GATEWAY"
	ActionLoanDecision          = "LOAN_DECISION"
)

// Command is the envelope for everything the relay sends toward a device.
type Command struct {
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// ReceiveMessage delivers a controller chat message to a device.
type ReceiveMessage struct {
	Text      string    `json:"text"`
	From      string    `json:"from"`
	Timestamp time.Time `json:"timestamp"`
}

// TimestampOnly is the payload of commands that carry nothing but the time
// of issue (identity and transaction-log requests).
type TimestampOnly struct {
	Timestamp time.Time `json:"timestamp"`
}

// SessionRevoked notifies a device its session was terminally marked.
type SessionRevoked struct {
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// SwitchGateway instructs a device to change its active payment gateway.
type SwitchGateway struct {
	GatewayID string `json:"gatewayId"`
}

// LoanDecision relays an approval outcome for a pending loan.
type LoanDecision struct {
	LoanID string `json:"loanId"`
	Status string `json:"status"`
}

// rawCommand mirrors Command with an undecoded payload for the agent side.
type rawCommand struct {
	Action    string          `json:"action"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// DecodeCommand validates a command envelope received by a device agent and
// decodes the payload into the matching typed struct. CHECK_IN_ACK carries no
// payload; unknown actions are ErrMalformedEnvelope.
func DecodeCommand(data []byte) (Command, error) {
	var raw rawCommand
	if err := json.Unmarshal(data, &raw); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	cmd := Command{Action: raw.Action, Timestamp: raw.Timestamp}
	switch raw.Action {
	case ActionCheckInAck:
		return cmd, nil
	case ActionReceiveMessage:
		var p ReceiveMessage
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			return Command{}, fmt.Errorf("%w: receive-message payload: %v", ErrMalformedEnvelope, err)
		}
		cmd.Payload = p
	case ActionRequestIDVerification, ActionRequestTransactionLog:
		var p TimestampOnly
		if len(raw.Payload) > 0 {
			if err := json.Unmarshal(raw.Payload, &p); err != nil {
				return Command{}, fmt.Errorf("%w: %s payload: %v", ErrMalformedEnvelope, raw.Action, err)
			}
		}
		cmd.Payload = p
	case ActionSessionRevoked:
		var p SessionRevoked
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			return Command{}, fmt.Errorf("%w: session-revoked payload: %v", ErrMalformedEnvelope, err)
		}
		cmd.Payload = p
	case ActionSwitchGateway:
		var p SwitchGateway
		if err := json.Unmarshal(raw.Payload, &p); err != nil || p.GatewayID == "" {
			return Command{}, fmt.Errorf("%w: switch-gateway payload", ErrMalformedEnvelope)
		}
		cmd.Payload = p
	case ActionLoanDecision:
		var p LoanDecision
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			return Command{}, fmt.Errorf("%w: loan-decision payload: %v", ErrMalformedEnvelope, err)
		}
		cmd.Payload = p
	default:
		return Command{}, fmt.Errorf("%w: unknown action %q", ErrMalformedEnvelope, raw.Action)
	}
	return cmd, nil
}

// --- Server → controller push events ---

const (
	PushDeviceCheckIn      = "DEVICE_CHECKIN_NOTIFICATION"
	PushDeviceDisconnected = "DEVICE_DISCONNECTED"
	PushClientMessage      = "CLIENT_MESSAGE"
	PushError              = "ERROR"
)

// Notification is the envelope for everything the relay pushes to controller
// consoles.
type Notification struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// DeviceCheckInNotification announces a device coming online.
type DeviceCheckInNotification struct {
	ID         string     `json:"id"`
	Status     string     `json:"status"`
	DeviceInfo DeviceInfo `json:"deviceInfo"`
	Timestamp  time.Time  `json:"timestamp"`
}

// DeviceInfo is the metadata a device supplies at check-in.
type DeviceInfo struct {
	Descriptor  string    `json:"descriptor"`
	Platform    string    `json:"platform"`
	FirstSeenAt time.Time `json:"firstSeenAt"`
}

// DeviceDisconnected announces a device transport going away.
type DeviceDisconnected struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage relays a device chat message to every controller.
type ClientMessage struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorNotice is an inline error pushed to the controller that issued a
// failing command.
type ErrorNotice struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// --- Controller → server commands ---

const (
	CmdSendMessage   = "SEND_MESSAGE"
	CmdRequestID     = "REQUEST_ID"
	CmdRequestLog    = "REQUEST_LOG"
	CmdRevoke        = "REVOKE"
	CmdSwitchGateway = "SWITCH_GATEWAY"
	CmdLoanDecision  = "LOAN_DECISION"
)

// ControllerCommand is the frame a controller console sends to the relay.
type ControllerCommand struct {
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SendMessageRequest targets a device with a chat message.
type SendMessageRequest struct {
	TargetID string `json:"targetId"`
	Text     string `json:"text"`
}

// TargetRequest addresses a single device (identity / log requests).
type TargetRequest struct {
	TargetID string `json:"targetId"`
}

// RevokeRequest terminally marks a device session.
type RevokeRequest struct {
	TargetID string `json:"targetId"`
	Reason   string `json:"reason"`
}

// SwitchGatewayRequest retargets one device, or every online device when
// TargetID is empty.
type SwitchGatewayRequest struct {
	GatewayID string `json:"gatewayId"`
	TargetID  string `json:"targetId,omitempty"`
}

// LoanDecisionRequest relays a loan approval outcome to a device.
type LoanDecisionRequest struct {
	TargetID string `json:"targetId"`
	LoanID   string `json:"loanId"`
	Status   string `json:"status"`
}
