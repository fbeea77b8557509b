package identity

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestOpen_GeneratesID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	id := s.DeviceID()
	if !strings.HasPrefix(id, "EB-") {
		t.Errorf("expected EB- prefix, got %q", id)
	}
	if s.Acknowledged() {
		t.Error("fresh identity must not be acknowledged")
	}

	// Reopening keeps the same id.
	s2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if s2.DeviceID() != id {
		t.Errorf("device id must be stable: %q != %q", s2.DeviceID(), id)
	}
}

func TestAcknowledgementPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetAcknowledged(); err != nil {
		t.Fatal(err)
	}
	// Setting it again is a no-op.
	if err := s.SetAcknowledged(); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if !s2.Acknowledged() {
		t.Error("acknowledgement must survive a restart")
	}

	if err := s2.Reset(); err != nil {
		t.Fatal(err)
	}
	s3, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if s3.Acknowledged() {
		t.Error("reset must clear the persisted flag")
	}
	if s3.DeviceID() != s.DeviceID() {
		t.Error("reset must keep the device id")
	}
}

func TestOpen_BadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	if err := os.WriteFile(path, []byte("not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); err == nil {
		t.Error("expected error for corrupt identity file")
	}
}
