package repository

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"tabletd.sh/internal/database"
	"tabletd.sh/internal/merrors"
	"tabletd.sh/internal/models"
)

// PolicyRepository defines the interface for policy data access. The global
// policy is a singleton row that seeds each device policy at registration.
type PolicyRepository interface {
	// GetGlobal returns the global policy, seeding it with defaults on
	// first access
	GetGlobal(ctx context.Context) (*models.Policy, error)

	// UpdateGlobal applies a partial update to the global policy
	UpdateGlobal(ctx context.Context, patch models.PolicyPatch) (*models.Policy, error)

	// GetDevicePolicy returns the policy for a device
	GetDevicePolicy(ctx context.Context, deviceID string) (*models.Policy, error)

	// EnsureDevicePolicy creates the device policy from the global policy
	// if it does not exist yet
	EnsureDevicePolicy(ctx context.Context, deviceID string) (*models.Policy, error)

	// UpdateDevicePolicy applies a partial update to a device policy
	UpdateDevicePolicy(ctx context.Context, deviceID string, patch models.PolicyPatch) (*models.Policy, error)

	// AddBlockedDomain adds a domain to the global blacklist. Duplicates
	// are rejected.
	AddBlockedDomain(ctx context.Context, domain string) (*models.Policy, error)

	// RemoveBlockedDomain removes a domain from the global blacklist
	RemoveBlockedDomain(ctx context.Context, domain string) (*models.Policy, error)

	// AddAllowedApp adds a package to the global app whitelist
	AddAllowedApp(ctx context.Context, pkg string) (*models.Policy, error)

	// RemoveAllowedApp removes a package from the global app whitelist
	RemoveAllowedApp(ctx context.Context, pkg string) (*models.Policy, error)

	// ValidateUnlockPin checks a pin against the device policy, falling
	// back to the global pin when the device has none. Returns an
	// INVALID_INPUT error when no pin is configured at either level.
	ValidateUnlockPin(ctx context.Context, deviceID, pin string) (bool, error)
}

type policyRepository struct {
	db           *database.DB
	logger       *slog.Logger
	errorHandler *merrors.ErrorHandler
}

// NewPolicyRepository creates a new policy repository
func NewPolicyRepository(db *database.DB) PolicyRepository {
	errorHandler := &merrors.ErrorHandler{
		OnError: func(err *merrors.MdmError) {
			slog.Error("Policy repository error",
				"code", err.Code,
				"message", err.Message,
			)
		},
	}

	return &policyRepository{
		db:           db,
		logger:       slog.Default().With("component", "policy-repository"),
		errorHandler: errorHandler,
	}
}

const policyColumns = `blocked_domains, allowed_apps, blocked_apps, screenshot_interval, kiosk_mode, unlock_pin, updated_at`

func (r *policyRepository) GetGlobal(ctx context.Context) (*models.Policy, error) {
	defer r.errorHandler.HandlePanic()

	row := r.db.QueryRowContext(ctx,
		`SELECT `+policyColumns+` FROM global_policy WHERE id = 1`)

	policy, err := scanPolicy(row)
	if err == sql.ErrNoRows {
		return r.seedGlobal(ctx)
	}
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "failed to get global policy")
	}
	return policy, nil
}

func (r *policyRepository) seedGlobal(ctx context.Context) (*models.Policy, error) {
	policy := models.DefaultGlobalPolicy()
	policy.UpdatedAt = time.Now()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO global_policy (id, `+policyColumns+`)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		marshalList(policy.BlockedDomains),
		marshalList(policy.AllowedApps),
		marshalList(policy.BlockedApps),
		policy.ScreenshotInterval,
		boolToInt(policy.KioskMode),
		policy.UnlockPin,
		formatTime(policy.UpdatedAt),
	)
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "failed to seed global policy")
	}

	r.logger.Info("Global policy seeded with defaults")
	return &policy, nil
}

func (r *policyRepository) UpdateGlobal(ctx context.Context, patch models.PolicyPatch) (*models.Policy, error) {
	defer r.errorHandler.HandlePanic()

	if err := patch.Validate(); err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInvalidInput, "invalid policy patch")
	}

	policy, err := r.GetGlobal(ctx)
	if err != nil {
		return nil, err
	}

	if !patch.Apply(policy) {
		return policy, nil
	}
	policy.UpdatedAt = time.Now()

	if err := r.writeGlobal(ctx, policy); err != nil {
		return nil, err
	}

	r.logger.Info("Global policy updated")
	return policy, nil
}

func (r *policyRepository) writeGlobal(ctx context.Context, policy *models.Policy) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE global_policy
		SET blocked_domains = ?, allowed_apps = ?, blocked_apps = ?,
		    screenshot_interval = ?, kiosk_mode = ?, unlock_pin = ?, updated_at = ?
		WHERE id = 1`,
		marshalList(policy.BlockedDomains),
		marshalList(policy.AllowedApps),
		marshalList(policy.BlockedApps),
		policy.ScreenshotInterval,
		boolToInt(policy.KioskMode),
		policy.UnlockPin,
		formatTime(policy.UpdatedAt),
	)
	if err != nil {
		return merrors.Wrap(err, merrors.ErrCodeInternal, "failed to write global policy")
	}
	return nil
}

func (r *policyRepository) GetDevicePolicy(ctx context.Context, deviceID string) (*models.Policy, error) {
	defer r.errorHandler.HandlePanic()

	if deviceID == "" {
		return nil, merrors.New(merrors.ErrCodeInvalidInput, "device ID is required")
	}

	row := r.db.QueryRowContext(ctx,
		`SELECT `+policyColumns+` FROM policy WHERE device_id = ?`, deviceID)

	policy, err := scanPolicy(row)
	if err == sql.ErrNoRows {
		return nil, merrors.Newf(merrors.ErrCodeNotFound, "policy not found for device: %s", deviceID)
	}
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "failed to get device policy")
	}
	return policy, nil
}

func (r *policyRepository) EnsureDevicePolicy(ctx context.Context, deviceID string) (*models.Policy, error) {
	defer r.errorHandler.HandlePanic()

	if deviceID == "" {
		return nil, merrors.New(merrors.ErrCodeInvalidInput, "device ID is required")
	}

	policy, err := r.GetDevicePolicy(ctx, deviceID)
	if err == nil {
		return policy, nil
	}
	if merrors.GetCode(err) != merrors.ErrCodeNotFound {
		return nil, err
	}

	// Seed from the global policy
	global, err := r.GetGlobal(ctx)
	if err != nil {
		return nil, err
	}
	global.UpdatedAt = time.Now()

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO policy (device_id, `+policyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (device_id) DO NOTHING`,
		deviceID,
		marshalList(global.BlockedDomains),
		marshalList(global.AllowedApps),
		marshalList(global.BlockedApps),
		global.ScreenshotInterval,
		boolToInt(global.KioskMode),
		global.UnlockPin,
		formatTime(global.UpdatedAt),
	)
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "failed to seed device policy")
	}

	r.logger.Info("Device policy seeded from global", "device_id", deviceID)
	return global, nil
}

func (r *policyRepository) UpdateDevicePolicy(ctx context.Context, deviceID string, patch models.PolicyPatch) (*models.Policy, error) {
	defer r.errorHandler.HandlePanic()

	if err := patch.Validate(); err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInvalidInput, "invalid policy patch")
	}

	policy, err := r.GetDevicePolicy(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	if !patch.Apply(policy) {
		return policy, nil
	}
	policy.UpdatedAt = time.Now()

	_, err = r.db.ExecContext(ctx, `
		UPDATE policy
		SET blocked_domains = ?, allowed_apps = ?, blocked_apps = ?,
		    screenshot_interval = ?, kiosk_mode = ?, unlock_pin = ?, updated_at = ?
		WHERE device_id = ?`,
		marshalList(policy.BlockedDomains),
		marshalList(policy.AllowedApps),
		marshalList(policy.BlockedApps),
		policy.ScreenshotInterval,
		boolToInt(policy.KioskMode),
		policy.UnlockPin,
		formatTime(policy.UpdatedAt),
		deviceID,
	)
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "failed to update device policy")
	}

	r.logger.Info("Device policy updated", "device_id", deviceID)
	return policy, nil
}

func (r *policyRepository) AddBlockedDomain(ctx context.Context, domain string) (*models.Policy, error) {
	defer r.errorHandler.HandlePanic()

	if domain == "" {
		return nil, merrors.New(merrors.ErrCodeInvalidInput, "domain is required")
	}

	policy, err := r.GetGlobal(ctx)
	if err != nil {
		return nil, err
	}

	list, added := models.AddToList(policy.BlockedDomains, domain)
	if !added {
		return nil, merrors.Newf(merrors.ErrCodeAlreadyExists, "domain already blocked: %s", domain)
	}
	policy.BlockedDomains = list
	policy.UpdatedAt = time.Now()

	if err := r.writeGlobal(ctx, policy); err != nil {
		return nil, err
	}

	r.logger.Info("Domain added to blacklist", "domain", domain)
	return policy, nil
}

func (r *policyRepository) RemoveBlockedDomain(ctx context.Context, domain string) (*models.Policy, error) {
	defer r.errorHandler.HandlePanic()

	policy, err := r.GetGlobal(ctx)
	if err != nil {
		return nil, err
	}

	list, removed := models.RemoveFromList(policy.BlockedDomains, domain)
	if !removed {
		return nil, merrors.Newf(merrors.ErrCodeNotFound, "domain not blocked: %s", domain)
	}
	policy.BlockedDomains = list
	policy.UpdatedAt = time.Now()

	if err := r.writeGlobal(ctx, policy); err != nil {
		return nil, err
	}

	r.logger.Info("Domain removed from blacklist", "domain", domain)
	return policy, nil
}

func (r *policyRepository) AddAllowedApp(ctx context.Context, pkg string) (*models.Policy, error) {
	defer r.errorHandler.HandlePanic()

	if pkg == "" {
		return nil, merrors.New(merrors.ErrCodeInvalidInput, "package is required")
	}

	policy, err := r.GetGlobal(ctx)
	if err != nil {
		return nil, err
	}

	list, added := models.AddToList(policy.AllowedApps, pkg)
	if !added {
		return nil, merrors.Newf(merrors.ErrCodeAlreadyExists, "app already allowed: %s", pkg)
	}
	policy.AllowedApps = list
	policy.UpdatedAt = time.Now()

	if err := r.writeGlobal(ctx, policy); err != nil {
		return nil, err
	}

	r.logger.Info("App added to whitelist", "package", pkg)
	return policy, nil
}

func (r *policyRepository) RemoveAllowedApp(ctx context.Context, pkg string) (*models.Policy, error) {
	defer r.errorHandler.HandlePanic()

	policy, err := r.GetGlobal(ctx)
	if err != nil {
		return nil, err
	}

	list, removed := models.RemoveFromList(policy.AllowedApps, pkg)
	if !removed {
		return nil, merrors.Newf(merrors.ErrCodeNotFound, "app not in whitelist: %s", pkg)
	}
	policy.AllowedApps = list
	policy.UpdatedAt = time.Now()

	if err := r.writeGlobal(ctx, policy); err != nil {
		return nil, err
	}

	r.logger.Info("App removed from whitelist", "package", pkg)
	return policy, nil
}

func (r *policyRepository) ValidateUnlockPin(ctx context.Context, deviceID, pin string) (bool, error) {
	defer r.errorHandler.HandlePanic()

	if pin == "" {
		return false, merrors.New(merrors.ErrCodeInvalidInput, "pin is required")
	}

	policy, err := r.GetDevicePolicy(ctx, deviceID)
	if err != nil {
		return false, err
	}

	if policy.UnlockPin != nil && *policy.UnlockPin != "" {
		return *policy.UnlockPin == pin, nil
	}

	global, err := r.GetGlobal(ctx)
	if err != nil {
		return false, err
	}
	if global.UnlockPin == nil || *global.UnlockPin == "" {
		return false, merrors.New(merrors.ErrCodeInvalidInput, "no unlock pin configured")
	}
	return *global.UnlockPin == pin, nil
}

type policyScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row policyScanner) (*models.Policy, error) {
	var policy models.Policy
	var blockedDomains, allowedApps, blockedApps, updatedAt string
	var kioskMode int
	var unlockPin sql.NullString

	err := row.Scan(
		&blockedDomains,
		&allowedApps,
		&blockedApps,
		&policy.ScreenshotInterval,
		&kioskMode,
		&unlockPin,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	policy.BlockedDomains = unmarshalList(blockedDomains)
	policy.AllowedApps = unmarshalList(allowedApps)
	policy.BlockedApps = unmarshalList(blockedApps)
	policy.KioskMode = kioskMode != 0
	if unlockPin.Valid && unlockPin.String != "" {
		pin := unlockPin.String
		policy.UnlockPin = &pin
	}
	policy.UpdatedAt = parseTime(updatedAt)
	return &policy, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
