package models

import "time"

// ActivityAction classifies a device activity report.
type ActivityAction string

const (
	ActivityURLChanged  ActivityAction = "URL_CHANGED"
	ActivityBlockedSite ActivityAction = "BLOCKED_SITE"
	ActivityCommandSent ActivityAction = "COMMAND_SENT"
)

// IsValid reports whether a is a known activity action.
func (a ActivityAction) IsValid() bool {
	switch a {
	case ActivityURLChanged, ActivityBlockedSite, ActivityCommandSent:
		return true
	}
	return false
}

// Activity is a single event reported by a device or recorded by the
// server, kept for the dashboard's activity feed. Details carries the URL
// for navigation and blocked-site events, the command type for COMMAND_SENT.
type Activity struct {
	ID        int64          `json:"id"`
	DeviceID  string         `json:"deviceId"`
	Action    ActivityAction `json:"action"`
	Details   string         `json:"details,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Validate checks if the activity data is valid
func (a *Activity) Validate() error {
	if a.DeviceID == "" {
		return ErrInvalidActivity("device ID is required")
	}
	if !a.Action.IsValid() {
		return ErrInvalidActivity("unknown activity action: " + string(a.Action))
	}
	return nil
}

// ErrInvalidActivity represents an activity validation error
type ErrInvalidActivity string

func (e ErrInvalidActivity) Error() string {
	return string(e)
}

// Notification is an operator-facing alert raised by the platform, for
// example a blocked site attempt.
type Notification struct {
	ID        int64     `json:"id"`
	DeviceID  string    `json:"deviceId,omitempty"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}
