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

// DeviceRepository defines the interface for device data access
type DeviceRepository interface {
	// Register creates the device or refreshes its identity fields if it
	// already exists. Returns true when the device was newly created.
	Register(ctx context.Context, device *models.Device) (bool, error)

	// List returns all devices ordered by most recently seen
	List(ctx context.Context) ([]*models.Device, error)

	// Get returns a single device by ID
	Get(ctx context.Context, id string) (*models.Device, error)

	// Update modifies mutable device fields
	Update(ctx context.Context, id string, upd DeviceUpdate) (*models.Device, error)

	// Delete removes a device and its dependent rows
	Delete(ctx context.Context, id string) error

	// Heartbeat refreshes last_seen and the fields a heartbeat carries
	Heartbeat(ctx context.Context, id string, hb Heartbeat) error

	// SetStatus changes the device status
	SetStatus(ctx context.Context, id string, status models.DeviceStatus) error

	// MarkStaleOffline demotes online devices whose last_seen is before
	// cutoff and returns the affected IDs; locked devices are left alone
	MarkStaleOffline(ctx context.Context, cutoff time.Time) ([]string, error)
}

// DeviceUpdate is a partial update applied by the dashboard. Nil fields are
// left untouched.
type DeviceUpdate struct {
	Name       *string `json:"name"`
	Model      *string `json:"model"`
	OSVersion  *string `json:"osVersion"`
	AppVersion *string `json:"appVersion"`
}

// Heartbeat carries the fields a device reports on each beat.
type Heartbeat struct {
	Status     models.DeviceStatus
	CurrentURL *string
	AppVersion *string
	At         time.Time
}

type deviceRepository struct {
	db           *database.DB
	logger       *slog.Logger
	errorHandler *merrors.ErrorHandler
}

// NewDeviceRepository creates a new device repository
func NewDeviceRepository(db *database.DB) DeviceRepository {
	errorHandler := &merrors.ErrorHandler{
		OnError: func(err *merrors.MdmError) {
			slog.Error("Device repository error",
				"code", err.Code,
				"message", err.Message,
			)
		},
	}

	return &deviceRepository{
		db:           db,
		logger:       slog.Default().With("component", "device-repository"),
		errorHandler: errorHandler,
	}
}

const deviceColumns = `device_id, name, model, os_version, app_version, status, current_url, last_seen, created_at, updated_at`

func (r *deviceRepository) Register(ctx context.Context, device *models.Device) (bool, error) {
	defer r.errorHandler.HandlePanic()

	if err := device.Validate(); err != nil {
		return false, merrors.Wrap(err, merrors.ErrCodeInvalidInput, "invalid device")
	}

	now := time.Now()
	device.Status = models.DeviceStatusOnline
	device.LastSeen = now

	created := false
	err := r.db.Transaction(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM device WHERE device_id = ?)`,
			device.DeviceID).Scan(&exists); err != nil {
			return merrors.Wrap(err, merrors.ErrCodeInternal, "failed to check device existence")
		}

		if exists {
			_, err := tx.ExecContext(ctx, `
				UPDATE device
				SET name = ?, model = ?, os_version = ?, app_version = ?,
				    status = ?, last_seen = ?, updated_at = ?
				WHERE device_id = ?`,
				device.Name, device.Model, device.OSVersion, device.AppVersion,
				string(device.Status), formatTime(now), formatTime(now),
				device.DeviceID,
			)
			if err != nil {
				return merrors.Wrap(err, merrors.ErrCodeInternal, "failed to refresh device")
			}
			return nil
		}

		created = true
		device.CreatedAt = now
		device.UpdatedAt = now
		_, err := tx.ExecContext(ctx, `
			INSERT INTO device (`+deviceColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			device.DeviceID, device.Name, device.Model, device.OSVersion,
			device.AppVersion, string(device.Status), device.CurrentURL,
			formatTime(now), formatTime(now), formatTime(now),
		)
		if err != nil {
			return merrors.Wrap(err, merrors.ErrCodeInternal, "failed to create device")
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	r.logger.Info("Device registered",
		"device_id", device.DeviceID,
		"name", device.Name,
		"created", created,
	)
	return created, nil
}

func (r *deviceRepository) List(ctx context.Context) ([]*models.Device, error) {
	defer r.errorHandler.HandlePanic()

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM device ORDER BY last_seen DESC`)
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "failed to query devices")
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "failed to scan device row")
		}
		devices = append(devices, device)
	}
	if err := rows.Err(); err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "failed to iterate device rows")
	}

	return devices, nil
}

func (r *deviceRepository) Get(ctx context.Context, id string) (*models.Device, error) {
	defer r.errorHandler.HandlePanic()

	if id == "" {
		return nil, merrors.New(merrors.ErrCodeInvalidInput, "device ID is required")
	}

	row := r.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM device WHERE device_id = ?`, id)

	device, err := scanDevice(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, merrors.Newf(merrors.ErrCodeNotFound, "device not found: %s", id)
		}
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "failed to get device")
	}

	return device, nil
}

func (r *deviceRepository) Update(ctx context.Context, id string, upd DeviceUpdate) (*models.Device, error) {
	defer r.errorHandler.HandlePanic()

	if id == "" {
		return nil, merrors.New(merrors.ErrCodeInvalidInput, "device ID is required")
	}
	if upd.Name != nil && *upd.Name == "" {
		return nil, merrors.New(merrors.ErrCodeInvalidInput, "device name cannot be empty")
	}

	device, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if upd.Name != nil {
		device.Name = *upd.Name
	}
	if upd.Model != nil {
		device.Model = *upd.Model
	}
	if upd.OSVersion != nil {
		device.OSVersion = *upd.OSVersion
	}
	if upd.AppVersion != nil {
		device.AppVersion = *upd.AppVersion
	}
	device.UpdatedAt = time.Now()

	_, err = r.db.ExecContext(ctx, `
		UPDATE device
		SET name = ?, model = ?, os_version = ?, app_version = ?, updated_at = ?
		WHERE device_id = ?`,
		device.Name, device.Model, device.OSVersion, device.AppVersion,
		formatTime(device.UpdatedAt), id,
	)
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "failed to update device")
	}

	r.logger.Info("Device updated", "device_id", id)
	return device, nil
}

func (r *deviceRepository) Delete(ctx context.Context, id string) error {
	defer r.errorHandler.HandlePanic()

	if id == "" {
		return merrors.New(merrors.ErrCodeInvalidInput, "device ID is required")
	}

	// Dependent rows cascade via foreign keys
	result, err := r.db.ExecContext(ctx, `DELETE FROM device WHERE device_id = ?`, id)
	if err != nil {
		return merrors.Wrap(err, merrors.ErrCodeInternal, "failed to delete device")
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return merrors.Wrap(err, merrors.ErrCodeInternal, "failed to get rows affected")
	}
	if rowsAffected == 0 {
		return merrors.Newf(merrors.ErrCodeNotFound, "device not found: %s", id)
	}

	r.logger.Info("Device deleted", "device_id", id)
	return nil
}

func (r *deviceRepository) Heartbeat(ctx context.Context, id string, hb Heartbeat) error {
	defer r.errorHandler.HandlePanic()

	if id == "" {
		return merrors.New(merrors.ErrCodeInvalidInput, "device ID is required")
	}
	if hb.Status != "" && !hb.Status.IsValid() {
		return merrors.Newf(merrors.ErrCodeInvalidInput, "unknown device status: %s", hb.Status)
	}
	if hb.At.IsZero() {
		hb.At = time.Now()
	}

	query := `UPDATE device SET last_seen = ?, updated_at = ?`
	args := []any{formatTime(hb.At), formatTime(hb.At)}

	if hb.Status != "" {
		query += `, status = ?`
		args = append(args, string(hb.Status))
	}
	if hb.CurrentURL != nil {
		query += `, current_url = ?`
		args = append(args, *hb.CurrentURL)
	}
	if hb.AppVersion != nil {
		query += `, app_version = ?`
		args = append(args, *hb.AppVersion)
	}
	query += ` WHERE device_id = ?`
	args = append(args, id)

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return merrors.Wrap(err, merrors.ErrCodeInternal, "failed to record heartbeat")
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return merrors.Wrap(err, merrors.ErrCodeInternal, "failed to get rows affected")
	}
	if rowsAffected == 0 {
		return merrors.Newf(merrors.ErrCodeNotFound, "device not found: %s", id)
	}

	return nil
}

func (r *deviceRepository) SetStatus(ctx context.Context, id string, status models.DeviceStatus) error {
	defer r.errorHandler.HandlePanic()

	if id == "" {
		return merrors.New(merrors.ErrCodeInvalidInput, "device ID is required")
	}
	if !status.IsValid() {
		return merrors.Newf(merrors.ErrCodeInvalidInput, "unknown device status: %s", status)
	}

	now := time.Now()
	result, err := r.db.ExecContext(ctx,
		`UPDATE device SET status = ?, updated_at = ? WHERE device_id = ?`,
		string(status), formatTime(now), id)
	if err != nil {
		return merrors.Wrap(err, merrors.ErrCodeInternal, "failed to set device status")
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return merrors.Wrap(err, merrors.ErrCodeInternal, "failed to get rows affected")
	}
	if rowsAffected == 0 {
		return merrors.Newf(merrors.ErrCodeNotFound, "device not found: %s", id)
	}

	return nil
}

func (r *deviceRepository) MarkStaleOffline(ctx context.Context, cutoff time.Time) ([]string, error) {
	defer r.errorHandler.HandlePanic()

	var ids []string
	err := r.db.Transaction(ctx, func(tx *sql.Tx) error {
		// Only online devices go stale: a locked tablet that stops
		// heartbeating stays locked.
		rows, err := tx.QueryContext(ctx,
			`SELECT device_id FROM device WHERE status = ? AND last_seen < ?`,
			string(models.DeviceStatusOnline), formatTime(cutoff))
		if err != nil {
			return merrors.Wrap(err, merrors.ErrCodeInternal, "failed to query stale devices")
		}
		defer rows.Close()

		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return merrors.Wrap(err, merrors.ErrCodeInternal, "failed to scan stale device")
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			return merrors.Wrap(err, merrors.ErrCodeInternal, "failed to iterate stale devices")
		}

		if len(ids) == 0 {
			return nil
		}

		now := formatTime(time.Now())
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx,
				`UPDATE device SET status = ?, updated_at = ? WHERE device_id = ?`,
				string(models.DeviceStatusOffline), now, id); err != nil {
				return merrors.Wrap(err, merrors.ErrCodeInternal, "failed to mark device offline")
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(ids) > 0 {
		r.logger.Info("Marked stale devices offline", "count", len(ids))
	}
	return ids, nil
}

type deviceScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row deviceScanner) (*models.Device, error) {
	var device models.Device
	var status, lastSeen, createdAt, updatedAt string

	err := row.Scan(
		&device.DeviceID,
		&device.Name,
		&device.Model,
		&device.OSVersion,
		&device.AppVersion,
		&status,
		&device.CurrentURL,
		&lastSeen,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	device.Status = models.DeviceStatus(status)
	device.LastSeen = parseTime(lastSeen)
	device.CreatedAt = parseTime(createdAt)
	device.UpdatedAt = parseTime(updatedAt)
	return &device, nil
}
