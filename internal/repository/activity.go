package repository

import (
	"context"
	"log/slog"
	"time"

	"tabletd.sh/internal/database"
	"tabletd.sh/internal/merrors"
	"tabletd.sh/internal/models"
)

// ActivityRepository stores the device activity feed and operator
// notifications.
type ActivityRepository interface {
	// Log records an activity event
	Log(ctx context.Context, activity *models.Activity) error

	// ListByDevice returns the most recent events for a device
	ListByDevice(ctx context.Context, deviceID string, limit int) ([]*models.Activity, error)

	// Notify records an operator-facing notification
	Notify(ctx context.Context, n *models.Notification) error

	// ListNotifications returns notifications, unread first
	ListNotifications(ctx context.Context, limit int) ([]*models.Notification, error)

	// MarkNotificationRead marks a notification as read
	MarkNotificationRead(ctx context.Context, id int64) error
}

type activityRepository struct {
	db           *database.DB
	logger       *slog.Logger
	errorHandler *merrors.ErrorHandler
}

// NewActivityRepository creates a new activity repository
func NewActivityRepository(db *database.DB) ActivityRepository {
	errorHandler := &merrors.ErrorHandler{
		OnError: func(err *merrors.MdmError) {
			slog.Error("Activity repository error",
				"code", err.Code,
				"message", err.Message,
			)
		},
	}

	return &activityRepository{
		db:           db,
		logger:       slog.Default().With("component", "activity-repository"),
		errorHandler: errorHandler,
	}
}

func (r *activityRepository) Log(ctx context.Context, activity *models.Activity) error {
	defer r.errorHandler.HandlePanic()

	if err := activity.Validate(); err != nil {
		return merrors.Wrap(err, merrors.ErrCodeInvalidInput, "invalid activity")
	}
	if activity.CreatedAt.IsZero() {
		activity.CreatedAt = time.Now()
	}

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO activity_log (device_id, action, details, created_at)
		VALUES (?, ?, ?, ?)`,
		activity.DeviceID, string(activity.Action), activity.Details,
		formatTime(activity.CreatedAt),
	)
	if err != nil {
		return merrors.Wrap(err, merrors.ErrCodeInternal, "failed to log activity")
	}

	if id, err := result.LastInsertId(); err == nil {
		activity.ID = id
	}
	return nil
}

func (r *activityRepository) ListByDevice(ctx context.Context, deviceID string, limit int) ([]*models.Activity, error) {
	defer r.errorHandler.HandlePanic()

	if deviceID == "" {
		return nil, merrors.New(merrors.ErrCodeInvalidInput, "device ID is required")
	}
	if limit <= 0 {
		limit = 100
	}
	if limit > 200 {
		limit = 200
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, device_id, action, details, created_at
		FROM activity_log
		WHERE device_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		deviceID, limit,
	)
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "failed to query activity")
	}
	defer rows.Close()

	var activities []*models.Activity
	for rows.Next() {
		var a models.Activity
		var action, createdAt string
		if err := rows.Scan(&a.ID, &a.DeviceID, &action, &a.Details, &createdAt); err != nil {
			return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "failed to scan activity row")
		}
		a.Action = models.ActivityAction(action)
		a.CreatedAt = parseTime(createdAt)
		activities = append(activities, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "failed to iterate activity rows")
	}

	return activities, nil
}

func (r *activityRepository) Notify(ctx context.Context, n *models.Notification) error {
	defer r.errorHandler.HandlePanic()

	if n.Kind == "" || n.Message == "" {
		return merrors.New(merrors.ErrCodeInvalidInput, "notification kind and message are required")
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO notification (device_id, kind, message, read, created_at)
		VALUES (?, ?, ?, 0, ?)`,
		n.DeviceID, n.Kind, n.Message, formatTime(n.CreatedAt),
	)
	if err != nil {
		return merrors.Wrap(err, merrors.ErrCodeInternal, "failed to create notification")
	}

	if id, err := result.LastInsertId(); err == nil {
		n.ID = id
	}
	return nil
}

func (r *activityRepository) ListNotifications(ctx context.Context, limit int) ([]*models.Notification, error) {
	defer r.errorHandler.HandlePanic()

	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, device_id, kind, message, read, created_at
		FROM notification
		ORDER BY read ASC, created_at DESC, id DESC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "failed to query notifications")
	}
	defer rows.Close()

	var notifications []*models.Notification
	for rows.Next() {
		var n models.Notification
		var read int
		var createdAt string
		if err := rows.Scan(&n.ID, &n.DeviceID, &n.Kind, &n.Message, &read, &createdAt); err != nil {
			return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "failed to scan notification row")
		}
		n.Read = read != 0
		n.CreatedAt = parseTime(createdAt)
		notifications = append(notifications, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "failed to iterate notification rows")
	}

	return notifications, nil
}

func (r *activityRepository) MarkNotificationRead(ctx context.Context, id int64) error {
	defer r.errorHandler.HandlePanic()

	result, err := r.db.ExecContext(ctx,
		`UPDATE notification SET read = 1 WHERE id = ?`, id)
	if err != nil {
		return merrors.Wrap(err, merrors.ErrCodeInternal, "failed to mark notification read")
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return merrors.Wrap(err, merrors.ErrCodeInternal, "failed to get rows affected")
	}
	if rowsAffected == 0 {
		return merrors.Newf(merrors.ErrCodeNotFound, "notification not found: %d", id)
	}

	return nil
}
