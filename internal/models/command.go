package models

import (
	"encoding/json"
	"time"
)

// CommandType identifies a remote action a tablet can execute.
type CommandType string

const (
	CommandLockScreen    CommandType = "LOCK_SCREEN"
	CommandUnlockScreen  CommandType = "UNLOCK_SCREEN"
	CommandOpenURL       CommandType = "OPEN_URL"
	CommandCloseTab      CommandType = "CLOSE_TAB"
	CommandLaunchApp     CommandType = "LAUNCH_APP"
	CommandSetBrightness CommandType = "SET_BRIGHTNESS"
	CommandVolume        CommandType = "VOLUME"
	CommandGetPrint      CommandType = "GET_PRINT"
	CommandReboot        CommandType = "REBOOT"
	CommandAlert         CommandType = "ALERT"
	CommandPolicyChange  CommandType = "POLICY_CHANGE"
	CommandStartKiosk    CommandType = "START_KIOSK"
	CommandStopKiosk     CommandType = "STOP_KIOSK"
)

var commandTypes = map[CommandType]struct{}{
	CommandLockScreen:    {},
	CommandUnlockScreen:  {},
	CommandOpenURL:       {},
	CommandCloseTab:      {},
	CommandLaunchApp:     {},
	CommandSetBrightness: {},
	CommandVolume:        {},
	CommandGetPrint:      {},
	CommandReboot:        {},
	CommandAlert:         {},
	CommandPolicyChange:  {},
	CommandStartKiosk:    {},
	CommandStopKiosk:     {},
}

// IsValid reports whether t is a known command type.
func (t CommandType) IsValid() bool {
	_, ok := commandTypes[t]
	return ok
}

// Command is a remote action queued for a device. Commands are delivered
// over the realtime gateway when the device is connected and parked in the
// pending queue otherwise.
type Command struct {
	ID         string          `json:"id"`
	DeviceID   string          `json:"deviceId"`
	Type       CommandType     `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	ConsumedAt *time.Time      `json:"consumedAt,omitempty"`
}

// Validate checks the command shape and its payload against the type.
func (c *Command) Validate() error {
	if c.DeviceID == "" {
		return ErrInvalidCommand("device ID is required")
	}
	if !c.Type.IsValid() {
		return ErrInvalidCommand("unknown command type: " + string(c.Type))
	}

	switch c.Type {
	case CommandOpenURL:
		var p OpenURLPayload
		if err := json.Unmarshal(c.Payload, &p); err != nil || p.URL == "" {
			return ErrInvalidCommand("OPEN_URL requires a url payload")
		}
	case CommandLaunchApp:
		var p LaunchAppPayload
		if err := json.Unmarshal(c.Payload, &p); err != nil || p.Package == "" {
			return ErrInvalidCommand("LAUNCH_APP requires a package payload")
		}
	case CommandSetBrightness:
		var p LevelPayload
		if err := json.Unmarshal(c.Payload, &p); err != nil || p.Level < 0 || p.Level > 100 {
			return ErrInvalidCommand("SET_BRIGHTNESS requires a level between 0 and 100")
		}
	case CommandVolume:
		var p LevelPayload
		if err := json.Unmarshal(c.Payload, &p); err != nil || p.Level < 0 || p.Level > 100 {
			return ErrInvalidCommand("VOLUME requires a level between 0 and 100")
		}
	case CommandAlert:
		var p AlertPayload
		if err := json.Unmarshal(c.Payload, &p); err != nil || p.Message == "" {
			return ErrInvalidCommand("ALERT requires a message payload")
		}
	}
	return nil
}

// OpenURLPayload opens a URL in the managed browser.
type OpenURLPayload struct {
	URL string `json:"url"`
}

// LaunchAppPayload starts an installed application by package name.
type LaunchAppPayload struct {
	Package string `json:"package"`
}

// LevelPayload carries a 0-100 percentage for brightness and volume.
type LevelPayload struct {
	Level int `json:"level"`
}

// AlertPayload shows a message on the tablet screen.
type AlertPayload struct {
	Title   string `json:"title,omitempty"`
	Message string `json:"message"`
}

// ErrInvalidCommand represents a command validation error
type ErrInvalidCommand string

func (e ErrInvalidCommand) Error() string {
	return string(e)
}
