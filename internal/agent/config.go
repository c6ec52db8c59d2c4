package agent

import (
	"fmt"
	"strings"
	"time"

	"tabletd.sh/internal/config"
)

// Config holds the agent configuration. Values come from flags with
// environment fallbacks.
type Config struct {
	// ServerURL is the management server base URL (http or https)
	ServerURL string

	// DeviceID uniquely identifies this tablet
	DeviceID string

	// Name is the human-readable label shown on the dashboard
	Name string

	Model      string
	OSVersion  string
	AppVersion string

	// StatePath is where the agent persists its local state
	StatePath string

	// HeartbeatInterval is how often the agent reports over the gateway
	HeartbeatInterval time.Duration

	// PollInterval is how often pending commands are pulled over REST when
	// the gateway connection is down
	PollInterval time.Duration
}

// DefaultConfig returns an agent config populated from the environment.
func DefaultConfig() *Config {
	return &Config{
		ServerURL:         config.GetStringFromEnv("TABLETD_SERVER_URL", "http://localhost:8080"),
		DeviceID:          config.GetStringFromEnv("TABLETD_DEVICE_ID", ""),
		Name:              config.GetStringFromEnv("TABLETD_DEVICE_NAME", ""),
		Model:             config.GetStringFromEnv("TABLETD_DEVICE_MODEL", ""),
		OSVersion:         config.GetStringFromEnv("TABLETD_OS_VERSION", ""),
		AppVersion:        config.GetStringFromEnv("TABLETD_APP_VERSION", ""),
		StatePath:         config.GetStringFromEnv("TABLETD_STATE_PATH", "tabletd-agent.json"),
		HeartbeatInterval: config.GetDurationFromEnv("TABLETD_HEARTBEAT_INTERVAL", 15*time.Second),
		PollInterval:      config.GetDurationFromEnv("TABLETD_POLL_INTERVAL", 30*time.Second),
	}
}

// Validate checks the config for required fields.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server URL is required")
	}
	if c.DeviceID == "" {
		return fmt.Errorf("device ID is required")
	}
	if c.Name == "" {
		c.Name = c.DeviceID
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	return nil
}

// WebsocketURL derives the gateway endpoint from the server base URL.
func (c *Config) WebsocketURL() string {
	base := strings.TrimSuffix(c.ServerURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/ws"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/ws"
	}
	return base + "/ws"
}
