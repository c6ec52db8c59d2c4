package agent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"tabletd.sh/internal/models"
)

// Executor applies commands to the local tablet state. Execution is
// idempotent: replaying a delivered command leaves the same state behind.
type Executor struct {
	state  *StateManager
	logger *slog.Logger

	// OnBlockedSite fires when a command tries to open a blocked URL
	OnBlockedSite func(url string)

	// OnPolicyChange fires on POLICY_CHANGE so the agent can re-pull
	OnPolicyChange func()

	// OnScreenshotRequest fires on GET_PRINT
	OnScreenshotRequest func()

	// OnReboot fires on REBOOT after state is persisted
	OnReboot func()
}

// NewExecutor creates a command executor over the local state.
func NewExecutor(state *StateManager) *Executor {
	return &Executor{
		state:  state,
		logger: slog.Default().With("component", "executor"),
	}
}

// Execute applies a single command.
func (e *Executor) Execute(cmd *models.Command) error {
	e.logger.Info("Executing command", "command_id", cmd.ID, "type", cmd.Type)

	switch cmd.Type {
	case models.CommandLockScreen:
		return e.state.Update(func(s *State) error {
			s.Locked = true
			return nil
		})

	case models.CommandUnlockScreen:
		return e.state.Update(func(s *State) error {
			s.Locked = false
			return nil
		})

	case models.CommandOpenURL:
		var p models.OpenURLPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return fmt.Errorf("invalid OPEN_URL payload: %w", err)
		}
		if e.isBlocked(p.URL) {
			if e.OnBlockedSite != nil {
				e.OnBlockedSite(p.URL)
			}
			return fmt.Errorf("url is blocked by policy: %s", p.URL)
		}
		return e.state.Update(func(s *State) error {
			s.CurrentURL = p.URL
			return nil
		})

	case models.CommandCloseTab:
		return e.state.Update(func(s *State) error {
			s.CurrentURL = ""
			return nil
		})

	case models.CommandLaunchApp:
		var p models.LaunchAppPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return fmt.Errorf("invalid LAUNCH_APP payload: %w", err)
		}
		return e.state.Update(func(s *State) error {
			s.CurrentApp = p.Package
			return nil
		})

	case models.CommandSetBrightness:
		var p models.LevelPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return fmt.Errorf("invalid SET_BRIGHTNESS payload: %w", err)
		}
		return e.state.Update(func(s *State) error {
			s.Brightness = p.Level
			return nil
		})

	case models.CommandVolume:
		var p models.LevelPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return fmt.Errorf("invalid VOLUME payload: %w", err)
		}
		return e.state.Update(func(s *State) error {
			s.Volume = p.Level
			return nil
		})

	case models.CommandGetPrint:
		if e.OnScreenshotRequest != nil {
			e.OnScreenshotRequest()
		}
		return nil

	case models.CommandReboot:
		if e.OnReboot != nil {
			e.OnReboot()
		}
		return nil

	case models.CommandAlert:
		var p models.AlertPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return fmt.Errorf("invalid ALERT payload: %w", err)
		}
		e.logger.Info("Alert shown", "title", p.Title, "message", p.Message)
		return nil

	case models.CommandPolicyChange:
		if e.OnPolicyChange != nil {
			e.OnPolicyChange()
		}
		return nil

	case models.CommandStartKiosk:
		return e.state.Update(func(s *State) error {
			s.KioskMode = true
			return nil
		})

	case models.CommandStopKiosk:
		return e.state.Update(func(s *State) error {
			s.KioskMode = false
			return nil
		})
	}

	return fmt.Errorf("unknown command type: %s", cmd.Type)
}

// isBlocked checks a URL host against the policy's blocked domain list.
// Subdomains of a blocked domain are blocked too.
func (e *Executor) isBlocked(rawURL string) bool {
	policy := e.state.Get().Policy
	if policy == nil {
		return false
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	target := strings.ToLower(strings.TrimSuffix(u.Hostname()+u.EscapedPath(), "/"))

	for _, blocked := range policy.BlockedDomains {
		blocked = strings.ToLower(blocked)
		// Entries can carry a path, like youtube.com/shorts
		if strings.Contains(blocked, "/") {
			if target == blocked || strings.HasPrefix(target, blocked+"/") {
				return true
			}
			continue
		}
		if host == blocked || strings.HasSuffix(host, "."+blocked) {
			return true
		}
	}
	return false
}
