package gateway

import "encoding/json"

// Wire events exchanged with devices and admin dashboards.
const (
	EventRegisterDevice     = "REGISTER_DEVICE"
	EventRegistered         = "REGISTERED"
	EventDeviceHeartbeat    = "DEVICE_HEARTBEAT"
	EventCommand            = "COMMAND"
	EventDeviceUpdated      = "DEVICE_UPDATED"
	EventDeviceActivity     = "DEVICE_ACTIVITY"
	EventBlockedSiteAttempt = "BLOCKED_SITE_ATTEMPT"
)

// Envelope is the framing for every gateway message: an event name plus an
// event-specific JSON payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope builds an envelope, marshalling data as the payload.
func NewEnvelope(event string, data any) (Envelope, error) {
	if data == nil {
		return Envelope{Event: event}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: raw}, nil
}
