package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"tabletd.sh/internal/gateway"
	"tabletd.sh/internal/models"
)

// Agent is the on-device client: it keeps a gateway connection to the
// management server, executes pushed commands, and falls back to REST
// polling while disconnected.
type Agent struct {
	config   *Config
	state    *StateManager
	executor *Executor
	http     *http.Client
	logger   *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// New creates an agent from the given configuration.
func New(config *Config) (*Agent, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid agent config: %w", err)
	}

	state, err := NewStateManager(config.StatePath)
	if err != nil {
		return nil, err
	}

	a := &Agent{
		config:   config,
		state:    state,
		executor: NewExecutor(state),
		http:     &http.Client{Timeout: 10 * time.Second},
		logger:   slog.Default().With("component", "agent", "device_id", config.DeviceID),
	}

	a.executor.OnBlockedSite = a.reportBlockedSite
	a.executor.OnPolicyChange = func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.RefreshPolicy(ctx); err != nil {
			a.logger.Warn("Failed to refresh policy", "error", err)
		}
	}

	return a, nil
}

// State exposes the current local state, mainly for the heartbeat and tests.
func (a *Agent) State() State {
	return a.state.Get()
}

// Run connects to the server and keeps the session alive until ctx is
// cancelled, reconnecting with exponential backoff. The pending command
// queue is drained over REST on every disconnect and on a periodic ticker,
// so commands survive dropped pushes.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.state.Update(func(s *State) error {
		s.LastStartTime = time.Now()
		return nil
	}); err != nil {
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0

	for {
		err := a.runSession(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			a.logger.Warn("Gateway session ended", "error", err)
		} else {
			bo.Reset()
		}

		// The push channel is down, pull instead
		if err := a.PollPending(ctx); err != nil {
			a.logger.Warn("Failed to poll pending commands", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// runSession dials the gateway, registers, and serves one connection until
// it drops or ctx is cancelled.
func (a *Agent) runSession(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.config.WebsocketURL(), nil)
	if err != nil {
		return fmt.Errorf("failed to dial gateway: %w", err)
	}
	defer conn.Close()

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.conn = nil
		a.mu.Unlock()
	}()

	if err := a.register(); err != nil {
		return err
	}
	// First heartbeat goes out immediately, the ticker covers the rest
	if err := a.sendHeartbeat(); err != nil {
		return err
	}
	a.logger.Info("Connected to gateway", "url", a.config.WebsocketURL())

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.heartbeatLoop(sessionCtx)
	go a.pollLoop(sessionCtx)
	go func() {
		// Unblock the read loop when ctx is cancelled
		<-sessionCtx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("gateway read failed: %w", err)
		}

		var env gateway.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			a.logger.Warn("Invalid gateway message", "error", err)
			continue
		}
		a.handleEnvelope(ctx, env)
	}
}

func (a *Agent) register() error {
	env, err := gateway.NewEnvelope(gateway.EventRegisterDevice, map[string]string{
		"deviceId":   a.config.DeviceID,
		"name":       a.config.Name,
		"model":      a.config.Model,
		"osVersion":  a.config.OSVersion,
		"appVersion": a.config.AppVersion,
	})
	if err != nil {
		return err
	}
	return a.send(env)
}

func (a *Agent) handleEnvelope(ctx context.Context, env gateway.Envelope) {
	switch env.Event {
	case gateway.EventRegistered:
		a.logger.Info("Registration confirmed")
		if err := a.RefreshPolicy(ctx); err != nil {
			a.logger.Warn("Failed to refresh policy", "error", err)
		}

	case gateway.EventCommand:
		var cmd models.Command
		if err := json.Unmarshal(env.Data, &cmd); err != nil {
			a.logger.Warn("Invalid command payload", "error", err)
			return
		}
		a.handleCommand(ctx, &cmd)

	default:
		a.logger.Debug("Ignoring gateway event", "event", env.Event)
	}
}

// handleCommand executes a command and acknowledges it. Queued commands are
// only removed from the server queue once the ack lands, so a crash between
// execute and ack replays the command, which execution tolerates.
func (a *Agent) handleCommand(ctx context.Context, cmd *models.Command) {
	if err := a.executor.Execute(cmd); err != nil {
		a.logger.Error("Command failed", "command_id", cmd.ID, "type", cmd.Type, "error", err)
	}
	if cmd.ID != "" {
		if err := a.ackCommand(ctx, cmd.ID); err != nil {
			a.logger.Warn("Failed to ack command", "command_id", cmd.ID, "error", err)
		}
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.sendHeartbeat(); err != nil {
				a.logger.Warn("Heartbeat failed", "error", err)
				return
			}
		}
	}
}

// pollLoop periodically drains the pending queue even while the push
// channel is up, catching commands whose live delivery was dropped.
func (a *Agent) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(a.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.PollPending(ctx); err != nil {
				a.logger.Warn("Failed to poll pending commands", "error", err)
			}
		}
	}
}

func (a *Agent) sendHeartbeat() error {
	state := a.state.Get()
	status := models.DeviceStatusOnline
	if state.Locked {
		status = models.DeviceStatusLocked
	}

	env, err := gateway.NewEnvelope(gateway.EventDeviceHeartbeat, map[string]any{
		"status":     status,
		"currentUrl": state.CurrentURL,
		"appVersion": a.config.AppVersion,
	})
	if err != nil {
		return err
	}
	return a.send(env)
}

// reportBlockedSite tells the server a blocked URL was attempted. Best
// effort: while disconnected the attempt is only logged locally.
func (a *Agent) reportBlockedSite(url string) {
	env, err := gateway.NewEnvelope(gateway.EventBlockedSiteAttempt, map[string]string{
		"url": url,
	})
	if err != nil {
		return
	}
	if err := a.send(env); err != nil {
		a.logger.Warn("Failed to report blocked site", "url", url, "error", err)
	}
}

func (a *Agent) send(env gateway.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return fmt.Errorf("not connected")
	}
	a.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return a.conn.WriteMessage(websocket.TextMessage, data)
}

// PollPending pulls and executes queued commands over REST. This is the
// fallback path for agents without a live gateway session.
func (a *Agent) PollPending(ctx context.Context) error {
	var pending []*models.Command
	if err := a.getJSON(ctx, "/api/devices/"+a.config.DeviceID+"/commands/pending", &pending); err != nil {
		return err
	}

	for _, cmd := range pending {
		a.handleCommand(ctx, cmd)
	}
	return nil
}

// RefreshPolicy pulls the device's policy snapshot from the server.
func (a *Agent) RefreshPolicy(ctx context.Context) error {
	var device models.Device
	if err := a.getJSON(ctx, "/api/devices/"+a.config.DeviceID, &device); err != nil {
		return err
	}
	if device.Policy == nil {
		return nil
	}

	return a.state.Update(func(s *State) error {
		s.Policy = device.Policy
		s.KioskMode = device.Policy.KioskMode
		return nil
	})
}

func (a *Agent) ackCommand(ctx context.Context, commandID string) error {
	body, err := json.Marshal(map[string][]string{"commandIds": {commandID}})
	if err != nil {
		return err
	}

	url := a.config.ServerURL + "/api/devices/" + a.config.DeviceID + "/commands/ack"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("ack rejected with status %d", resp.StatusCode)
	}
	return nil
}

func (a *Agent) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.config.ServerURL+path, nil)
	if err != nil {
		return err
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
