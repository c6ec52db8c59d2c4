package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"tabletd.sh/internal/gateway"
	"tabletd.sh/internal/merrors"
	"tabletd.sh/internal/metrics"
	"tabletd.sh/internal/models"
	"tabletd.sh/internal/repository"
	"tabletd.sh/internal/webhook"
)

// registerDevice is the shared registration path for the gateway and the
// REST endpoint: upsert the device, make sure it has a policy snapshot, and
// tell the dashboards.
func (s *Server) registerDevice(ctx context.Context, device *models.Device) (bool, error) {
	created, err := s.devices.Register(ctx, device)
	if err != nil {
		return false, err
	}

	policy, err := s.policies.EnsureDevicePolicy(ctx, device.DeviceID)
	if err != nil {
		return false, err
	}
	device.Policy = policy

	s.broadcastDeviceUpdated(ctx, device.DeviceID)
	if created {
		s.notifier.Notify(webhook.EventDeviceRegistered, map[string]string{
			"deviceId": device.DeviceID,
			"name":     device.Name,
		})
	}
	return created, nil
}

// dispatchCommand queues a command and then attempts a live push over the
// gateway. The queued copy survives until the device acks it, so a live push
// that never reaches the agent is retried on the next connect or poll.
// Returns the delivery mode used.
func (s *Server) dispatchCommand(ctx context.Context, cmd *models.Command) (string, error) {
	if err := cmd.Validate(); err != nil {
		return "", merrors.Wrap(err, merrors.ErrCodeInvalidInput, "invalid command")
	}
	if _, err := s.devices.Get(ctx, cmd.DeviceID); err != nil {
		return "", err
	}

	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = time.Now()
	}

	if err := s.commands.Enqueue(ctx, cmd); err != nil {
		return "", err
	}

	delivery := "queued"
	if env, err := gateway.NewEnvelope(gateway.EventCommand, cmd); err == nil {
		if s.hub.SendToDevice(cmd.DeviceID, env) {
			delivery = "realtime"
		}
	}

	if err := s.activities.Log(ctx, &models.Activity{
		DeviceID: cmd.DeviceID,
		Action:   models.ActivityCommandSent,
		Details:  string(cmd.Type),
	}); err != nil {
		s.logger.Warn("Failed to log command activity", "device_id", cmd.DeviceID, "error", err)
	}

	metrics.RecordCommandDispatch(string(cmd.Type), delivery)
	s.notifier.Notify(webhook.EventCommandSent, map[string]string{
		"deviceId": cmd.DeviceID,
		"type":     string(cmd.Type),
		"delivery": delivery,
	})
	s.logger.Info("Command dispatched",
		"device_id", cmd.DeviceID,
		"type", cmd.Type,
		"delivery", delivery,
	)
	return delivery, nil
}

// recordActivity stores an activity report and fans it out to dashboards.
// URL changes double as a heartbeat and update the device's current URL.
// Blocked site attempts additionally raise a notification and a webhook.
func (s *Server) recordActivity(ctx context.Context, activity *models.Activity) error {
	if err := activity.Validate(); err != nil {
		return merrors.Wrap(err, merrors.ErrCodeInvalidInput, "invalid activity")
	}
	if _, err := s.devices.Get(ctx, activity.DeviceID); err != nil {
		return err
	}

	if err := s.activities.Log(ctx, activity); err != nil {
		return err
	}

	if env, err := gateway.NewEnvelope(gateway.EventDeviceActivity, activity); err == nil {
		s.hub.BroadcastAdmins(env)
	}
	s.notifier.Notify(webhook.EventDeviceActivity, map[string]string{
		"deviceId": activity.DeviceID,
		"action":   string(activity.Action),
		"details":  activity.Details,
	})

	switch activity.Action {
	case models.ActivityURLChanged:
		url := activity.Details
		if err := s.tracker.Touch(ctx, activity.DeviceID, repository.Heartbeat{
			CurrentURL: &url,
		}); err != nil {
			s.logger.Warn("Failed to touch device on URL change", "device_id", activity.DeviceID, "error", err)
		}
		s.broadcastDeviceUpdated(ctx, activity.DeviceID)

	case models.ActivityBlockedSite:
		if err := s.activities.Notify(ctx, &models.Notification{
			DeviceID: activity.DeviceID,
			Kind:     "blocked_site_attempt",
			Message:  "Blocked site attempt: " + activity.Details,
		}); err != nil {
			s.logger.Error("Failed to raise notification", "device_id", activity.DeviceID, "error", err)
		}
		if env, err := gateway.NewEnvelope(gateway.EventBlockedSiteAttempt, activity); err == nil {
			s.hub.BroadcastAdmins(env)
		}
		s.notifier.Notify(webhook.EventBlockedSiteAttempt, map[string]string{
			"deviceId": activity.DeviceID,
			"url":      activity.Details,
		})
	}
	return nil
}

// broadcastDeviceUpdated pushes the current device record to every admin
// dashboard.
func (s *Server) broadcastDeviceUpdated(ctx context.Context, deviceID string) {
	device, err := s.devices.Get(ctx, deviceID)
	if err != nil {
		s.logger.Warn("Failed to load device for broadcast", "device_id", deviceID, "error", err)
		return
	}

	env, err := gateway.NewEnvelope(gateway.EventDeviceUpdated, device)
	if err != nil {
		return
	}
	s.hub.BroadcastAdmins(env)
}

// onDevicesWentOffline is the presence sweep callback.
func (s *Server) onDevicesWentOffline(deviceIDs []string) {
	ctx := context.Background()
	for _, id := range deviceIDs {
		s.broadcastDeviceUpdated(ctx, id)
		s.notifier.Notify(webhook.EventDeviceOffline, map[string]string{"deviceId": id})
	}
}

// OnDeviceRegister handles REGISTER_DEVICE from the gateway.
func (s *Server) OnDeviceRegister(ctx context.Context, data json.RawMessage) (string, error) {
	var device models.Device
	if err := json.Unmarshal(data, &device); err != nil {
		return "", merrors.Wrap(err, merrors.ErrCodeInvalidInput, "invalid registration payload")
	}

	if _, err := s.registerDevice(ctx, &device); err != nil {
		return "", err
	}
	return device.DeviceID, nil
}

// OnDeviceReady flushes queued commands once the session is bound. Commands
// stay pending until the device acks them, so a drop mid-flush loses nothing.
func (s *Server) OnDeviceReady(ctx context.Context, deviceID string) {
	pending, err := s.commands.ListPending(ctx, deviceID)
	if err != nil {
		s.logger.Error("Failed to list pending commands", "device_id", deviceID, "error", err)
		return
	}

	for _, cmd := range pending {
		env, err := gateway.NewEnvelope(gateway.EventCommand, cmd)
		if err != nil {
			continue
		}
		if !s.hub.SendToDevice(deviceID, env) {
			return
		}
	}

	if len(pending) > 0 {
		s.logger.Info("Flushed pending commands", "device_id", deviceID, "count", len(pending))
	}
}

// OnDeviceHeartbeat handles DEVICE_HEARTBEAT from the gateway.
func (s *Server) OnDeviceHeartbeat(ctx context.Context, deviceID string, data json.RawMessage) error {
	var hb heartbeatRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &hb); err != nil {
			return merrors.Wrap(err, merrors.ErrCodeInvalidInput, "invalid heartbeat payload")
		}
	}

	if err := s.tracker.Touch(ctx, deviceID, repository.Heartbeat{
		Status:     hb.Status,
		CurrentURL: hb.CurrentURL,
		AppVersion: hb.AppVersion,
	}); err != nil {
		return err
	}

	s.broadcastDeviceUpdated(ctx, deviceID)
	s.notifier.Notify(webhook.EventDeviceHeartbeat, map[string]string{"deviceId": deviceID})
	return nil
}

// OnDeviceActivity handles DEVICE_ACTIVITY from the gateway.
func (s *Server) OnDeviceActivity(ctx context.Context, deviceID string, data json.RawMessage) error {
	var activity models.Activity
	if err := json.Unmarshal(data, &activity); err != nil {
		return merrors.Wrap(err, merrors.ErrCodeInvalidInput, "invalid activity payload")
	}
	activity.DeviceID = deviceID
	return s.recordActivity(ctx, &activity)
}

// OnBlockedSiteAttempt handles BLOCKED_SITE_ATTEMPT from the gateway.
func (s *Server) OnBlockedSiteAttempt(ctx context.Context, deviceID string, data json.RawMessage) error {
	var report struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(data, &report); err != nil {
		return merrors.Wrap(err, merrors.ErrCodeInvalidInput, "invalid blocked site payload")
	}

	return s.recordActivity(ctx, &models.Activity{
		DeviceID: deviceID,
		Action:   models.ActivityBlockedSite,
		Details:  report.URL,
	})
}

// OnDeviceDisconnect demotes a device whose gateway session went away.
func (s *Server) OnDeviceDisconnect(ctx context.Context, deviceID string) {
	err := s.devices.SetStatus(ctx, deviceID, models.DeviceStatusOffline)
	if err != nil {
		if merrors.GetCode(err) != merrors.ErrCodeNotFound {
			s.logger.Error("Failed to mark device offline", "device_id", deviceID, "error", err)
		}
		return
	}

	s.broadcastDeviceUpdated(ctx, deviceID)
	s.notifier.Notify(webhook.EventDeviceOffline, map[string]string{"deviceId": deviceID})
}
