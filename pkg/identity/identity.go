// Package identity manages the device agent's persisted identity: a stable
// device id generated on first run and the check-in acknowledgement flag.
// Both survive restarts, so a device keeps its session across reconnects and
// does not re-check-in once the relay has acknowledged it.
package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
)

// idPrefix marks ids generated by this agent.
const idPrefix = "EB-"

// State is the persisted identity file contents.
type State struct {
	DeviceID            string `json:"device_id"`
	CheckInAcknowledged bool   `json:"checkin_acknowledged"`
}

// Store is a file-backed identity store.
type Store struct {
	path string

	mu    sync.Mutex
	state State
}

// Open loads the identity file at path, generating and persisting a fresh
// device id when the file does not exist or carries no id.
func Open(path string) (*Store, error) {
	s := &Store{path: path}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &s.state); err != nil {
			return nil, fmt.Errorf("parse identity file: %w", err)
		}
	case os.IsNotExist(err):
		// First run, nothing persisted yet.
	default:
		return nil, fmt.Errorf("read identity file: %w", err)
	}

	if s.state.DeviceID == "" {
		s.state.DeviceID = idPrefix + uuid.New().String()
		s.state.CheckInAcknowledged = false
		if err := s.persist(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// DeviceID returns the stable device id.
func (s *Store) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.DeviceID
}

// Acknowledged reports whether the relay has acknowledged this device's
// check-in.
func (s *Store) Acknowledged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.CheckInAcknowledged
}

// SetAcknowledged persists the acknowledgement flag. Calling it again once
// set is a no-op.
func (s *Store) SetAcknowledged() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.CheckInAcknowledged {
		return nil
	}
	s.state.CheckInAcknowledged = true
	return s.persist()
}

// Reset clears the acknowledgement flag so the agent checks in again on its
// next run. An operator uses this after a session revocation.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.CheckInAcknowledged {
		return nil
	}
	s.state.CheckInAcknowledged = false
	return s.persist()
}

func (s *Store) persist() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write identity file: %w", err)
	}
	return nil
}
