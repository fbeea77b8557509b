// Package agent implements the device-side runtime: the outbound WebSocket
// connection to the relay, the check-in retry loop, the heartbeat loop, and
// the command listener fan-out.
package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config is the top-level agent configuration.
type Config struct {
	Relay RelayConfig  `json:"relay"`
	Agent DeviceConfig `json:"agent"`
}

// RelayConfig defines how the agent connects to the relay.
type RelayConfig struct {
	URL                  string   `json:"url"`                              // e.g. "ws://relay:8080/ws/device"
	ReconnectMinDelay    Duration `json:"reconnect_min_delay,omitempty"`    // default 1s
	ReconnectMaxDelay    Duration `json:"reconnect_max_delay,omitempty"`    // default 5s
	MaxReconnectAttempts int      `json:"max_reconnect_attempts,omitempty"` // default 5
}

// DeviceConfig defines the device's own settings.
type DeviceConfig struct {
	IdentityFile       string   `json:"identity_file,omitempty"`        // default "agent-identity.json"
	Descriptor         string   `json:"descriptor"`                     // human-readable device description
	Platform           string   `json:"platform"`                       // e.g. "android", "pos-terminal"
	CheckInInterval    Duration `json:"checkin_interval,omitempty"`     // default 10s
	MaxCheckInAttempts int      `json:"max_checkin_attempts,omitempty"` // default 60
	HeartbeatInterval  Duration `json:"heartbeat_interval,omitempty"`   // default 30s
	LogLevel           string   `json:"log_level,omitempty"`
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// LoadConfig reads and validates an agent config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Relay.URL == "" {
		return nil, fmt.Errorf("relay.url is required")
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Relay.ReconnectMinDelay.Duration == 0 {
		c.Relay.ReconnectMinDelay.Duration = 1 * time.Second
	}
	if c.Relay.ReconnectMaxDelay.Duration == 0 {
		c.Relay.ReconnectMaxDelay.Duration = 5 * time.Second
	}
	if c.Relay.MaxReconnectAttempts == 0 {
		c.Relay.MaxReconnectAttempts = 5
	}
	if c.Agent.IdentityFile == "" {
		c.Agent.IdentityFile = "agent-identity.json"
	}
	if c.Agent.CheckInInterval.Duration == 0 {
		c.Agent.CheckInInterval.Duration = 10 * time.Second
	}
	if c.Agent.MaxCheckInAttempts == 0 {
		c.Agent.MaxCheckInAttempts = 60
	}
	if c.Agent.HeartbeatInterval.Duration == 0 {
		c.Agent.HeartbeatInterval.Duration = 30 * time.Second
	}
	if c.Agent.LogLevel == "" {
		c.Agent.LogLevel = "info"
	}
}
