package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"tabletd.sh/internal/metrics"
)

// EventHandler receives inbound device events. The HTTP server implements
// it; the hub stays protocol-only.
type EventHandler interface {
	// OnDeviceRegister handles REGISTER_DEVICE and returns the device ID
	// the session should be bound to
	OnDeviceRegister(ctx context.Context, data json.RawMessage) (string, error)

	// OnDeviceReady runs after the session is bound, once the device can
	// receive pushes. Queued commands are flushed here.
	OnDeviceReady(ctx context.Context, deviceID string)

	// OnDeviceHeartbeat handles DEVICE_HEARTBEAT
	OnDeviceHeartbeat(ctx context.Context, deviceID string, data json.RawMessage) error

	// OnDeviceActivity handles DEVICE_ACTIVITY
	OnDeviceActivity(ctx context.Context, deviceID string, data json.RawMessage) error

	// OnBlockedSiteAttempt handles BLOCKED_SITE_ATTEMPT
	OnBlockedSiteAttempt(ctx context.Context, deviceID string, data json.RawMessage) error

	// OnDeviceDisconnect runs when a bound device connection goes away
	OnDeviceDisconnect(ctx context.Context, deviceID string)
}

// Hub tracks live websocket sessions: at most one per device, any number of
// admin dashboards.
type Hub struct {
	mu      sync.RWMutex
	devices map[string]*session
	admins  map[*session]struct{}

	handler  EventHandler
	logger   *slog.Logger
	upgrader websocket.Upgrader

	closed bool
}

// NewHub creates a gateway hub routing inbound events to handler.
func NewHub(handler EventHandler) *Hub {
	return &Hub{
		devices: make(map[string]*session),
		admins:  make(map[*session]struct{}),
		handler: handler,
		logger:  slog.Default().With("component", "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser dashboards connect from a separate origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeWS upgrades an HTTP request to a gateway session. Admin dashboards
// pass ?role=admin; everything else starts as an unbound device connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	sessRole := roleDevice
	if r.URL.Query().Get("role") == "admin" {
		sessRole = roleAdmin
	}

	s := newSession(h, conn, sessRole)
	if sessRole == roleAdmin {
		h.addAdmin(s)
	}

	go s.writePump()
	go s.readPump()
}

func (h *Hub) addAdmin(s *session) {
	h.mu.Lock()
	h.admins[s] = struct{}{}
	count := len(h.admins)
	h.mu.Unlock()

	metrics.AdminsConnected.Set(float64(count))
	h.logger.Info("Admin connected", "admins", count)
}

// bindDevice makes s the live session for deviceID. The last registration
// wins: a previous session for the same device is closed.
func (h *Hub) bindDevice(deviceID string, s *session) {
	h.mu.Lock()
	prev := h.devices[deviceID]
	h.devices[deviceID] = s
	count := len(h.devices)
	h.mu.Unlock()

	s.setDeviceID(deviceID)
	if prev != nil && prev != s {
		prev.setDeviceID("")
		prev.close()
	}

	metrics.DevicesConnected.Set(float64(count))
	h.logger.Info("Device connected", "device_id", deviceID, "devices", count)
}

// detach removes a session from the hub. A device mapping is only removed
// if it still points at this session, so a replaced connection going away
// does not unregister its successor.
func (h *Hub) detach(s *session) {
	deviceID := s.getDeviceID()

	h.mu.Lock()
	wasCurrent := false
	if deviceID != "" && h.devices[deviceID] == s {
		delete(h.devices, deviceID)
		wasCurrent = true
	}
	if s.role == roleAdmin {
		delete(h.admins, s)
		metrics.AdminsConnected.Set(float64(len(h.admins)))
	}
	deviceCount := len(h.devices)
	closed := h.closed
	h.mu.Unlock()

	if wasCurrent {
		metrics.DevicesConnected.Set(float64(deviceCount))
		h.logger.Info("Device disconnected", "device_id", deviceID, "devices", deviceCount)
		if h.handler != nil && !closed {
			h.handler.OnDeviceDisconnect(context.Background(), deviceID)
		}
	}
}

// dispatch routes an inbound envelope to the event handler.
func (h *Hub) dispatch(ctx context.Context, s *session, env Envelope) {
	switch env.Event {
	case EventRegisterDevice:
		deviceID, err := h.handler.OnDeviceRegister(ctx, env.Data)
		if err != nil {
			h.logger.Warn("Device registration rejected", "error", err)
			return
		}
		h.bindDevice(deviceID, s)
		if reply, err := NewEnvelope(EventRegistered, map[string]string{"deviceId": deviceID}); err == nil {
			h.sendTo(s, reply)
		}
		h.handler.OnDeviceReady(ctx, deviceID)

	case EventDeviceHeartbeat:
		deviceID := s.getDeviceID()
		if deviceID == "" {
			h.logger.Warn("Heartbeat from unbound session")
			return
		}
		if err := h.handler.OnDeviceHeartbeat(ctx, deviceID, env.Data); err != nil {
			h.logger.Warn("Heartbeat rejected", "device_id", deviceID, "error", err)
		}

	case EventDeviceActivity:
		deviceID := s.getDeviceID()
		if deviceID == "" {
			return
		}
		if err := h.handler.OnDeviceActivity(ctx, deviceID, env.Data); err != nil {
			h.logger.Warn("Activity rejected", "device_id", deviceID, "error", err)
		}

	case EventBlockedSiteAttempt:
		deviceID := s.getDeviceID()
		if deviceID == "" {
			return
		}
		if err := h.handler.OnBlockedSiteAttempt(ctx, deviceID, env.Data); err != nil {
			h.logger.Warn("Blocked site report rejected", "device_id", deviceID, "error", err)
		}

	default:
		h.logger.Warn("Unknown gateway event", "event", env.Event)
	}
}

func (h *Hub) sendTo(s *session, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("Failed to marshal envelope", "event", env.Event, "error", err)
		return
	}
	metrics.GatewayMessagesTotal.WithLabelValues("outbound", env.Event).Inc()
	s.enqueue(data)
}

// SendToDevice delivers an envelope to a connected device. Returns false
// when the device has no live session; the caller decides whether to queue.
func (h *Hub) SendToDevice(deviceID string, env Envelope) bool {
	h.mu.RLock()
	s, ok := h.devices[deviceID]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("Failed to marshal envelope", "event", env.Event, "error", err)
		return false
	}

	metrics.GatewayMessagesTotal.WithLabelValues("outbound", env.Event).Inc()
	return s.enqueue(data)
}

// BroadcastAdmins fans an envelope out to every connected admin dashboard.
func (h *Hub) BroadcastAdmins(env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("Failed to marshal envelope", "event", env.Event, "error", err)
		return
	}

	h.mu.RLock()
	sessions := make([]*session, 0, len(h.admins))
	for s := range h.admins {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	metrics.GatewayMessagesTotal.WithLabelValues("outbound", env.Event).Inc()
	for _, s := range sessions {
		s.enqueue(data)
	}
}

// IsConnected reports whether a device has a live session.
func (h *Hub) IsConnected(deviceID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.devices[deviceID]
	return ok
}

// ConnectedDevices returns the IDs of all live device sessions.
func (h *Hub) ConnectedDevices() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.devices))
	for id := range h.devices {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown closes every session. Disconnect callbacks are suppressed so a
// shutting-down server does not flap device statuses.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	h.closed = true
	sessions := make([]*session, 0, len(h.devices)+len(h.admins))
	for _, s := range h.devices {
		sessions = append(sessions, s)
	}
	for s := range h.admins {
		sessions = append(sessions, s)
	}
	h.devices = make(map[string]*session)
	h.admins = make(map[*session]struct{})
	h.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}

	metrics.DevicesConnected.Set(0)
	metrics.AdminsConnected.Set(0)
	h.logger.Info("Gateway shut down", "sessions_closed", len(sessions))
}
