package protocol

import (
	"errors"
	"testing"
)

func TestDecodeDeviceEvent_CheckIn(t *testing.T) {
	raw := []byte(`{"event":"CHECK_IN","payload":{"descriptor":"POS terminal 4","platform":"android","timestamp":"2026-08-28T10:00:00Z"}}`)
	event, payload, err := DecodeDeviceEvent(raw)
	if err != nil {
		t.Fatal(err)
	}
	if event != EventCheckIn {
		t.Errorf("expected CHECK_IN, got %s", event)
	}
	ci, ok := payload.(CheckIn)
	if !ok {
		t.Fatalf("expected CheckIn payload, got %T", payload)
	}
	if ci.Descriptor != "POS terminal 4" || ci.Platform != "android" {
		t.Errorf("unexpected payload: %+v", ci)
	}
}

func TestDecodeDeviceEvent_Heartbeat(t *testing.T) {
	event, payload, err := DecodeDeviceEvent([]byte(`{"event":"HEARTBEAT"}`))
	if err != nil {
		t.Fatal(err)
	}
	if event != EventHeartbeat || payload != nil {
		t.Errorf("unexpected result: %s %v", event, payload)
	}
}

func TestDecodeDeviceEvent_Message(t *testing.T) {
	_, payload, err := DecodeDeviceEvent([]byte(`{"event":"MESSAGE","payload":{"text":"need help"}}`))
	if err != nil {
		t.Fatal(err)
	}
	dm := payload.(DeviceMessage)
	if dm.Text != "need help" {
		t.Errorf("unexpected text: %q", dm.Text)
	}
}

func TestDecodeDeviceEvent_Malformed(t *testing.T) {
	cases := map[string]string{
		"not json":       `{{{`,
		"unknown event":  `{"event":"SELF_DESTRUCT"}`,
		"bad payload":    `{"event":"CHECK_IN","payload":"nope"}`,
		"empty message":  `{"event":"MESSAGE","payload":{"text":""}}`,
		"missing fields": `{}`,
	}
	for name, raw := range cases {
		if _, _, err := DecodeDeviceEvent([]byte(raw)); !errors.Is(err, ErrMalformedEnvelope) {
			t.Errorf("%s: expected ErrMalformedEnvelope, got %v", name, err)
		}
	}
}

func TestDecodeCommand_Ack(t *testing.T) {
	cmd, err := DecodeCommand([]byte(`{"action":"CHECK_IN_ACK","timestamp":"2026-08-28T10:00:00Z"}`))
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Action != ActionCheckInAck || cmd.Payload != nil {
		t.Errorf("unexpected command: %+v", cmd)
	}
}

func TestDecodeCommand_ReceiveMessage(t *testing.T) {
	cmd, err := DecodeCommand([]byte(`{"action":"RECEIVE_MESSAGE","payload":{"text":"hi","from":"admin","timestamp":"2026-08-28T10:00:00Z"}}`))
	if err != nil {
		t.Fatal(err)
	}
	p := cmd.Payload.(ReceiveMessage)
	if p.Text != "hi" || p.From != "admin" {
		t.Errorf("unexpected payload: %+v", p)
	}
}

func TestDecodeCommand_SessionRevoked(t *testing.T) {
	cmd, err := DecodeCommand([]byte(`{"action":"SESSION_REVOKED","payload":{"reason":"fraud hold","timestamp":"2026-08-28T10:00:00Z"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Payload.(SessionRevoked).Reason != "fraud hold" {
		t.Errorf("unexpected payload: %+v", cmd.Payload)
	}
}

func TestDecodeCommand_SwitchGateway(t *testing.T) {
	cmd, err := DecodeCommand([]byte(`{"action":"SWITCH_GATEWAY","payload":{"gatewayId":"gw-backup"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Payload.(SwitchGateway).GatewayID != "gw-backup" {
		t.Errorf("unexpected payload: %+v", cmd.Payload)
	}

	// A gateway switch without a target gateway is useless.
	if _, err := DecodeCommand([]byte(`{"action":"SWITCH_GATEWAY","payload":{}}`)); !errors.Is(err, ErrMalformedEnvelope) {
		t.Errorf("expected ErrMalformedEnvelope for empty gatewayId, got %v", err)
	}
}

func TestDecodeCommand_LoanDecision(t *testing.T) {
	cmd, err := DecodeCommand([]byte(`{"action":"LOAN_DECISION","payload":{"loanId":"ln-7","status":"approved"}}`))
	if err != nil {
		t.Fatal(err)
	}
	p := cmd.Payload.(LoanDecision)
	if p.LoanID != "ln-7" || p.Status != "approved" {
		t.Errorf("unexpected payload: %+v", p)
	}
}

func TestDecodeCommand_Unknown(t *testing.T) {
	if _, err := DecodeCommand([]byte(`{"action":"FORMAT_DISK"}`)); !errors.Is(err, ErrMalformedEnvelope) {
		t.Errorf("expected ErrMalformedEnvelope, got %v", err)
	}
}
