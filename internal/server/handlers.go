package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"tabletd.sh/internal/gateway"
	"tabletd.sh/internal/merrors"
	"tabletd.sh/internal/metrics"
	"tabletd.sh/internal/models"
	"tabletd.sh/internal/repository"
	"tabletd.sh/internal/webhook"
)

// handleRegisterDevice registers a device over REST. Devices normally
// register through the gateway; this endpoint serves agents that only poll.
func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var device models.Device
	if err := decodeJSON(r, &device); err != nil {
		respondError(w, err)
		return
	}

	created, err := s.registerDevice(r.Context(), &device)
	if err != nil {
		respondError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respondJSON(w, status, device)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.devices.List(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	if devices == nil {
		devices = []*models.Device{}
	}
	respondJSON(w, http.StatusOK, devices)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("deviceId")

	device, err := s.devices.Get(r.Context(), deviceID)
	if err != nil {
		respondError(w, err)
		return
	}

	// The policy is part of the dashboard's device detail view
	if policy, err := s.policies.GetDevicePolicy(r.Context(), deviceID); err == nil {
		device.Policy = policy
	}

	respondJSON(w, http.StatusOK, device)
}

func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("deviceId")

	var upd repository.DeviceUpdate
	if err := decodeJSON(r, &upd); err != nil {
		respondError(w, err)
		return
	}

	device, err := s.devices.Update(r.Context(), deviceID, upd)
	if err != nil {
		respondError(w, err)
		return
	}

	s.broadcastDeviceUpdated(r.Context(), deviceID)
	respondJSON(w, http.StatusOK, device)
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("deviceId")

	if err := s.devices.Delete(r.Context(), deviceID); err != nil {
		respondError(w, err)
		return
	}

	if env, err := gateway.NewEnvelope(gateway.EventDeviceUpdated,
		map[string]any{"deviceId": deviceID, "deleted": true}); err == nil {
		s.hub.BroadcastAdmins(env)
	}
	s.notifier.Notify(webhook.EventDeviceDeleted, map[string]string{"deviceId": deviceID})

	respondJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

type heartbeatRequest struct {
	Status     models.DeviceStatus `json:"status"`
	CurrentURL *string             `json:"currentUrl"`
	AppVersion *string             `json:"appVersion"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("deviceId")

	var hb heartbeatRequest
	if err := decodeJSON(r, &hb); err != nil {
		respondError(w, err)
		return
	}

	if err := s.tracker.Touch(r.Context(), deviceID, repository.Heartbeat{
		Status:     hb.Status,
		CurrentURL: hb.CurrentURL,
		AppVersion: hb.AppVersion,
	}); err != nil {
		respondError(w, err)
		return
	}

	s.broadcastDeviceUpdated(r.Context(), deviceID)
	s.notifier.Notify(webhook.EventDeviceHeartbeat, map[string]string{"deviceId": deviceID})
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleDispatchCommand(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("deviceId")

	var cmd models.Command
	if err := decodeJSON(r, &cmd); err != nil {
		respondError(w, err)
		return
	}
	cmd.DeviceID = deviceID

	delivery, err := s.dispatchCommand(r.Context(), &cmd)
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]any{
		"command":  cmd,
		"delivery": delivery,
	})
}

// handleBroadcastCommand pushes the same command to every connected device.
// Broadcasts are live-only: devices that are offline never see them, and
// nothing is queued for later.
func (s *Server) handleBroadcastCommand(w http.ResponseWriter, r *http.Request) {
	var req models.Command
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	// Validate type and payload once before fanning out
	probe := models.Command{DeviceID: "broadcast", Type: req.Type, Payload: req.Payload}
	if err := probe.Validate(); err != nil {
		respondError(w, merrors.Wrap(err, merrors.ErrCodeInvalidInput, "invalid command"))
		return
	}

	connected := s.hub.ConnectedDevices()
	delivered := 0
	for _, deviceID := range connected {
		cmd := models.Command{
			ID:        uuid.NewString(),
			DeviceID:  deviceID,
			Type:      req.Type,
			Payload:   req.Payload,
			CreatedAt: time.Now(),
		}
		env, err := gateway.NewEnvelope(gateway.EventCommand, cmd)
		if err != nil {
			continue
		}
		if s.hub.SendToDevice(deviceID, env) {
			delivered++
			metrics.RecordCommandDispatch(string(cmd.Type), "broadcast")
		}
	}

	s.logger.Info("Command broadcast", "type", req.Type, "delivered", delivered)
	respondJSON(w, http.StatusAccepted, map[string]any{
		"devices":   len(connected),
		"delivered": delivered,
	})
}

func (s *Server) handleListPendingCommands(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("deviceId")

	if _, err := s.devices.Get(r.Context(), deviceID); err != nil {
		respondError(w, err)
		return
	}

	commands, err := s.commands.ListPending(r.Context(), deviceID)
	if err != nil {
		respondError(w, err)
		return
	}
	if commands == nil {
		commands = []*models.Command{}
	}
	respondJSON(w, http.StatusOK, commands)
}

func (s *Server) handleAckCommand(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("deviceId")

	var req struct {
		CommandIDs []string `json:"commandIds"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if len(req.CommandIDs) == 0 {
		respondError(w, merrors.New(merrors.ErrCodeInvalidInput, "commandIds is required"))
		return
	}

	for _, id := range req.CommandIDs {
		if err := s.commands.Ack(r.Context(), deviceID, id); err != nil {
			respondError(w, err)
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"acknowledged": len(req.CommandIDs)})
}

func (s *Server) handleReportActivity(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("deviceId")

	var activity models.Activity
	if err := decodeJSON(r, &activity); err != nil {
		respondError(w, err)
		return
	}
	activity.DeviceID = deviceID

	if err := s.recordActivity(r.Context(), &activity); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, activity)
}

func (s *Server) handleListActivity(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("deviceId")

	limit, err := limitParam(r)
	if err != nil {
		respondError(w, err)
		return
	}

	activities, err := s.activities.ListByDevice(r.Context(), deviceID, limit)
	if err != nil {
		respondError(w, err)
		return
	}
	if activities == nil {
		activities = []*models.Activity{}
	}
	respondJSON(w, http.StatusOK, activities)
}

func (s *Server) handleUpdateDevicePolicy(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("deviceId")

	var patch models.PolicyPatch
	if err := decodeJSON(r, &patch); err != nil {
		respondError(w, err)
		return
	}

	policy, err := s.policies.UpdateDevicePolicy(r.Context(), deviceID, patch)
	if err != nil {
		respondError(w, err)
		return
	}

	s.pushPolicyChange(r.Context(), deviceID)
	s.broadcastDeviceUpdated(r.Context(), deviceID)
	s.notifier.Notify(webhook.EventPolicyUpdated, map[string]string{
		"scope":    "device",
		"deviceId": deviceID,
	})
	respondJSON(w, http.StatusOK, policy)
}

func (s *Server) handleValidateUnlockPin(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("deviceId")

	var req struct {
		Pin string `json:"pin"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}

	valid, err := s.policies.ValidateUnlockPin(r.Context(), deviceID, req.Pin)
	if err != nil {
		respondError(w, err)
		return
	}
	if !valid {
		respondError(w, merrors.New(merrors.ErrCodeUnauthorized, "invalid unlock pin"))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"valid": true})
}

func (s *Server) handleGetGlobalPolicy(w http.ResponseWriter, r *http.Request) {
	policy, err := s.policies.GetGlobal(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, policy)
}

func (s *Server) handleUpdateGlobalPolicy(w http.ResponseWriter, r *http.Request) {
	var patch models.PolicyPatch
	if err := decodeJSON(r, &patch); err != nil {
		respondError(w, err)
		return
	}

	policy, err := s.policies.UpdateGlobal(r.Context(), patch)
	if err != nil {
		respondError(w, err)
		return
	}

	s.pushGlobalPolicyChange()
	respondJSON(w, http.StatusOK, policy)
}

func (s *Server) handleAddBlockedDomain(w http.ResponseWriter, r *http.Request) {
	s.handleGlobalListChange(w, r, "domain", s.policies.AddBlockedDomain)
}

func (s *Server) handleRemoveBlockedDomain(w http.ResponseWriter, r *http.Request) {
	s.handleGlobalListChange(w, r, "domain", s.policies.RemoveBlockedDomain)
}

func (s *Server) handleAddAllowedApp(w http.ResponseWriter, r *http.Request) {
	s.handleGlobalListChange(w, r, "package", s.policies.AddAllowedApp)
}

func (s *Server) handleRemoveAllowedApp(w http.ResponseWriter, r *http.Request) {
	s.handleGlobalListChange(w, r, "package", s.policies.RemoveAllowedApp)
}

// handleGlobalListChange serves the blacklist and whitelist mutations, which
// only differ in the JSON field name and the repository call.
func (s *Server) handleGlobalListChange(w http.ResponseWriter, r *http.Request, field string,
	op func(ctx context.Context, value string) (*models.Policy, error)) {

	var body map[string]string
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, err)
		return
	}
	value := body[field]
	if value == "" {
		respondError(w, merrors.Newf(merrors.ErrCodeInvalidInput, "%s is required", field))
		return
	}

	policy, err := op(r.Context(), value)
	if err != nil {
		respondError(w, err)
		return
	}

	s.pushGlobalPolicyChange()
	respondJSON(w, http.StatusOK, policy)
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		respondError(w, err)
		return
	}

	notifications, err := s.activities.ListNotifications(r.Context(), limit)
	if err != nil {
		respondError(w, err)
		return
	}
	if notifications == nil {
		notifications = []*models.Notification{}
	}
	respondJSON(w, http.StatusOK, notifications)
}

func (s *Server) handleMarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		respondError(w, merrors.New(merrors.ErrCodeInvalidInput, "notification ID must be an integer"))
		return
	}

	if err := s.activities.MarkNotificationRead(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"read": true})
}

func limitParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, merrors.New(merrors.ErrCodeInvalidInput, "limit must be an integer")
	}
	return n, nil
}

// pushPolicyChange tells a device to re-pull its policy, queueing the
// command so an offline device picks it up on reconnect.
func (s *Server) pushPolicyChange(ctx context.Context, deviceID string) {
	cmd := models.Command{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		Type:      models.CommandPolicyChange,
		CreatedAt: time.Now(),
	}
	if _, err := s.dispatchCommand(ctx, &cmd); err != nil {
		s.logger.Warn("Failed to push policy change", "device_id", deviceID, "error", err)
	}
}

// pushGlobalPolicyChange nudges every connected device to re-pull its
// policy after a global change. Live-only: offline devices get the fresh
// snapshot when they register again.
func (s *Server) pushGlobalPolicyChange() {
	for _, deviceID := range s.hub.ConnectedDevices() {
		cmd := models.Command{
			ID:        uuid.NewString(),
			DeviceID:  deviceID,
			Type:      models.CommandPolicyChange,
			CreatedAt: time.Now(),
		}
		if env, err := gateway.NewEnvelope(gateway.EventCommand, cmd); err == nil {
			s.hub.SendToDevice(deviceID, env)
		}
	}
	s.notifier.Notify(webhook.EventPolicyUpdated, map[string]string{"scope": "global"})
}
