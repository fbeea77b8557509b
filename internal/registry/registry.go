// Package registry is the authoritative in-memory directory of device
// sessions. It owns session lifecycle state, the per-session conversation
// log, and the bind-generation counters that guard against stale disconnect
// callbacks. State is volatile for the process lifetime; sessions are
// created on first sight of a device id and never deleted.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/emberbank/fleetrelay/internal/events"
	"github.com/emberbank/fleetrelay/pkg/protocol"
)

var (
	// ErrNotFound means the device id has no registry entry.
	ErrNotFound = errors.New("device not found")
	// ErrOffline means the device id exists but has no live transport.
	ErrOffline = errors.New("device offline")
	// ErrInvalidTransition means the requested status change is not part of
	// the session state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrRevoked means the session was terminally revoked by a controller.
	ErrRevoked = errors.New("session revoked")
)

// validNext encodes the session state machine. Revoked is terminal for the
// process lifetime: nothing leads out of it, and CheckIn rejects revoked
// sessions outright.
var validNext = map[Status]map[Status]bool{
	StatusConnecting: {StatusOnline: true, StatusOffline: true},
	StatusOnline:     {StatusOffline: true, StatusRevoked: true},
	StatusOffline:    {StatusConnecting: true},
	StatusRevoked:    {},
}

// Registry maps device ids to sessions. The map itself is guarded by a
// read-write mutex; each session carries its own lock so that a slow
// operation on one device never stalls another.
type Registry struct {
	bus *events.Bus

	mu       sync.RWMutex
	sessions map[string]*session
}

// New creates an empty registry publishing notifications on bus.
func New(bus *events.Bus) *Registry {
	return &Registry{
		bus:      bus,
		sessions: make(map[string]*session),
	}
}

// Upsert returns the session for id, creating it with status Connecting when
// the id has not been seen before.
func (r *Registry) Upsert(id string) Snapshot {
	s := r.getOrCreate(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Get returns a snapshot of the session for id.
func (r *Registry) Get(id string) (Snapshot, error) {
	s, ok := r.lookup(id)
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(), nil
}

// List returns snapshots of every session, for the controller read model.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	all := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(all))
	for _, s := range all {
		s.mu.Lock()
		out = append(out, s.snapshotLocked())
		s.mu.Unlock()
	}
	return out
}

// Bind installs a transport handle on the session for id, creating the
// session if needed, and returns the generation assigned to this bind. The
// session moves to Connecting; a later Unbind only takes effect when called
// with the generation returned here. A Revoked session accepts the transport
// but keeps its status, so the gateway can tell the device it is revoked.
func (r *Registry) Bind(id string, h Handle) uint64 {
	s := r.getOrCreate(id)
	s.mu.Lock()
	s.handle = h
	s.generation++
	gen := s.generation
	prev := s.status
	if prev != StatusRevoked {
		s.status = StatusConnecting
	}
	s.lastActivityAt = time.Now()
	s.mu.Unlock()

	if prev != StatusConnecting && prev != StatusRevoked {
		r.bus.Publish(events.Event{
			Type: events.TypeTransition,
			Data: events.Transition{DeviceID: id, Status: string(StatusConnecting)},
		})
	}
	return gen
}

// Unbind clears the handle and transitions the session to Offline, but only
// when generation matches the currently installed bind. A stale close event
// from a superseded connection returns false and changes nothing. A Revoked
// session keeps its status; losing the transport does not soften revocation.
func (r *Registry) Unbind(id string, generation uint64) bool {
	s, ok := r.lookup(id)
	if !ok {
		return false
	}
	s.mu.Lock()
	if s.generation != generation || s.handle == nil {
		s.mu.Unlock()
		return false
	}
	s.handle = nil
	wentOffline := s.status != StatusRevoked
	if wentOffline {
		s.status = StatusOffline
	}
	s.mu.Unlock()

	if wentOffline {
		r.bus.Publish(events.Event{
			Type: events.TypeTransition,
			Data: events.Transition{DeviceID: id, Status: string(StatusOffline)},
		})
	}
	return true
}

// Transition moves the session to newStatus if the state machine allows it.
func (r *Registry) Transition(id string, newStatus Status) error {
	s, ok := r.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.mu.Lock()
	if !validNext[s.status][newStatus] {
		cur := s.status
		s.mu.Unlock()
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, cur, newStatus)
	}
	s.status = newStatus
	s.mu.Unlock()

	r.bus.Publish(events.Event{
		Type: events.TypeTransition,
		Data: events.Transition{DeviceID: id, Status: string(newStatus)},
	})
	return nil
}

// CheckIn records the device's metadata and moves the session Online,
// atomically. The first check-in stores the metadata with its first-seen
// time; reconnect check-ins keep the original firstSeenAt. A retried
// check-in on an already-Online session refreshes activity but publishes no
// duplicate notification, so controllers see one notification per effective
// check-in. A check-in on a Revoked session is rejected with ErrRevoked:
// no status change, no notification.
func (r *Registry) CheckIn(id string, descriptor, platform string) (protocol.DeviceInfo, error) {
	s, ok := r.lookup(id)
	if !ok {
		return protocol.DeviceInfo{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	now := time.Now()
	s.mu.Lock()
	if s.status == StatusRevoked {
		s.mu.Unlock()
		return protocol.DeviceInfo{}, fmt.Errorf("%w: %s", ErrRevoked, id)
	}
	if s.info == nil {
		s.info = &protocol.DeviceInfo{
			Descriptor:  descriptor,
			Platform:    platform,
			FirstSeenAt: now,
		}
	}
	info := *s.info
	s.lastActivityAt = now
	already := s.status == StatusOnline
	s.status = StatusOnline
	s.mu.Unlock()

	if !already {
		r.bus.Publish(events.Event{
			Type: events.TypeCheckIn,
			Data: events.CheckIn{DeviceID: id, Status: string(StatusOnline), Info: info},
		})
	}
	return info, nil
}

// SetDeviceInfo overwrites the session metadata and publishes a check-in
// notification carrying the current status.
func (r *Registry) SetDeviceInfo(id string, info protocol.DeviceInfo) error {
	s, ok := r.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.mu.Lock()
	cp := info
	s.info = &cp
	status := s.status
	s.mu.Unlock()

	r.bus.Publish(events.Event{
		Type: events.TypeCheckIn,
		Data: events.CheckIn{DeviceID: id, Status: string(status), Info: info},
	})
	return nil
}

// Touch records inbound activity from the device. A heartbeat from a
// Connecting session that has already checked in (metadata present from a
// previous connection) promotes it back to Online; this is how a
// reconnecting device that no longer checks in leaves Connecting. Returns
// whether the promotion happened.
func (r *Registry) Touch(id string) (bool, error) {
	s, ok := r.lookup(id)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.mu.Lock()
	s.lastActivityAt = time.Now()
	promoted := s.status == StatusConnecting && s.info != nil && s.handle != nil
	if promoted {
		s.status = StatusOnline
	}
	s.mu.Unlock()

	if promoted {
		r.bus.Publish(events.Event{
			Type: events.TypeTransition,
			Data: events.Transition{DeviceID: id, Status: string(StatusOnline)},
		})
	}
	return promoted, nil
}

// AppendMessage appends a message to the session conversation, assigning the
// next gapless sequence number. Device-sent messages also count as activity.
func (r *Registry) AppendMessage(id string, sender Sender, text string) (Message, error) {
	s, ok := r.lookup(id)
	if !ok {
		return Message{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	now := time.Now()
	s.mu.Lock()
	msg := s.appendLocked(sender, text, now)
	if sender == SenderDevice {
		s.lastActivityAt = now
	}
	s.mu.Unlock()

	r.bus.Publish(events.Event{
		Type: events.TypeMessage,
		Data: events.MessageAppended{
			DeviceID: id,
			Sender:   string(sender),
			Text:     msg.Text,
			Sequence: msg.Sequence,
			SentAt:   msg.SentAt,
		},
	})
	return msg, nil
}

// Messages returns a copy of the full ordered conversation for id.
func (r *Registry) Messages(id string) ([]Message, error) {
	s, ok := r.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.conversation))
	copy(out, s.conversation)
	return out, nil
}

// Send delivers a command through the session's bound transport. The handle
// check and the send happen under the session lock, so a concurrent unbind
// cannot slip in between.
func (r *Registry) Send(id string, cmd protocol.Command) error {
	s, ok := r.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return fmt.Errorf("%w: %s", ErrOffline, id)
	}
	return s.handle.Send(cmd)
}

// LiveOnline returns the ids of every session that is Online with a bound
// transport, the recipient set for global fan-out commands.
func (r *Registry) LiveOnline() []string {
	r.mu.RLock()
	all := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	var ids []string
	for _, s := range all {
		s.mu.Lock()
		if s.status == StatusOnline && s.handle != nil {
			ids = append(ids, s.id)
		}
		s.mu.Unlock()
	}
	return ids
}

func (r *Registry) lookup(id string) (*session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) getOrCreate(id string) *session {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s
	}
	s = newSession(id, time.Now())
	r.sessions[id] = s
	return s
}
