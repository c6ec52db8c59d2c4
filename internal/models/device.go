package models

import (
	"encoding/json"
	"time"
)

// Device represents a managed classroom tablet
type Device struct {
	DeviceID   string       `json:"deviceId"`
	Name       string       `json:"name"`
	Model      string       `json:"model,omitempty"`
	OSVersion  string       `json:"osVersion,omitempty"`
	AppVersion string       `json:"appVersion,omitempty"`
	Status     DeviceStatus `json:"status"`
	CurrentURL string       `json:"currentUrl,omitempty"`
	LastSeen   time.Time    `json:"-"`
	CreatedAt  time.Time    `json:"createdAt"`
	UpdatedAt  time.Time    `json:"updatedAt"`

	// Populated on detail endpoints and registration responses
	Policy *Policy `json:"policy,omitempty"`
}

// DeviceStatus represents the current status of a device
type DeviceStatus string

const (
	DeviceStatusOnline  DeviceStatus = "online"
	DeviceStatusOffline DeviceStatus = "offline"
	DeviceStatusLocked  DeviceStatus = "locked"
)

// IsValid reports whether s is a known device status.
func (s DeviceStatus) IsValid() bool {
	switch s {
	case DeviceStatusOnline, DeviceStatusOffline, DeviceStatusLocked:
		return true
	}
	return false
}

// MarshalJSON emits lastSeen as epoch milliseconds, which is what the
// admin dashboard and the agents exchange on the wire.
func (d Device) MarshalJSON() ([]byte, error) {
	type alias Device
	return json.Marshal(struct {
		alias
		LastSeen int64 `json:"lastSeen"`
	}{
		alias:    alias(d),
		LastSeen: d.LastSeen.UnixMilli(),
	})
}

// IsStale reports whether the device has not been heard from within threshold.
func (d *Device) IsStale(now time.Time, threshold time.Duration) bool {
	return now.Sub(d.LastSeen) >= threshold
}

// Validate checks if the device data is valid
func (d *Device) Validate() error {
	if d.DeviceID == "" {
		return ErrInvalidDevice("device ID is required")
	}
	if d.Name == "" {
		return ErrInvalidDevice("device name is required")
	}
	if d.Status != "" && !d.Status.IsValid() {
		return ErrInvalidDevice("unknown device status")
	}
	return nil
}

// ErrInvalidDevice represents a device validation error
type ErrInvalidDevice string

func (e ErrInvalidDevice) Error() string {
	return string(e)
}
