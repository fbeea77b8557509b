package registry

import (
	"sync"
	"time"

	"github.com/emberbank/fleetrelay/pkg/protocol"
)

// Status is the lifecycle state of a device session.
type Status string

const (
	StatusConnecting Status = "Connecting"
	StatusOnline     Status = "Online"
	StatusOffline    Status = "Offline"
	StatusRevoked    Status = "Revoked"
)

// Sender identifies which side of a conversation wrote a message.
type Sender string

const (
	SenderDevice     Sender = "Device"
	SenderController Sender = "Controller"
)

// Message is one entry in a session's append-only conversation log.
type Message struct {
	Sender   Sender    `json:"sender"`
	Text     string    `json:"text"`
	SentAt   time.Time `json:"sentAt"`
	Sequence int64     `json:"sequence"`
}

// Handle is a live transport bound to a session. It is installed and cleared
// by the transport gateway; the dispatcher only sends through it.
type Handle interface {
	Send(cmd protocol.Command) error
}

// Snapshot is a point-in-time copy of a session, safe to hold without locks.
type Snapshot struct {
	ID             string               `json:"id"`
	Status         Status               `json:"status"`
	DeviceInfo     *protocol.DeviceInfo `json:"deviceInfo,omitempty"`
	LastActivityAt time.Time            `json:"lastActivityAt"`
	Live           bool                 `json:"online"`
}

// session is the registry's record for one device id. All fields are guarded
// by mu; operations on different sessions never contend.
type session struct {
	id string

	mu             sync.Mutex
	status         Status
	handle         Handle
	generation     uint64
	info           *protocol.DeviceInfo
	lastActivityAt time.Time
	conversation   []Message
	nextSeq        int64
}

func newSession(id string, now time.Time) *session {
	return &session{
		id:             id,
		status:         StatusConnecting,
		lastActivityAt: now,
		nextSeq:        1,
	}
}

func (s *session) snapshotLocked() Snapshot {
	var info *protocol.DeviceInfo
	if s.info != nil {
		cp := *s.info
		info = &cp
	}
	return Snapshot{
		ID:             s.id,
		Status:         s.status,
		DeviceInfo:     info,
		LastActivityAt: s.lastActivityAt,
		Live:           s.handle != nil,
	}
}

// appendLocked assigns the next sequence number and appends the message.
func (s *session) appendLocked(sender Sender, text string, now time.Time) Message {
	msg := Message{
		Sender:   sender,
		Text:     text,
		SentAt:   now,
		Sequence: s.nextSeq,
	}
	s.nextSeq++
	s.conversation = append(s.conversation, msg)
	return msg
}
