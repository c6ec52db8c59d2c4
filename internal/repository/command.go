package repository

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"tabletd.sh/internal/database"
	"tabletd.sh/internal/merrors"
	"tabletd.sh/internal/models"
)

// PendingCommandTTL is how long a queued command stays deliverable. Older
// commands are filtered at read time rather than swept.
const PendingCommandTTL = 5 * time.Minute

// CommandRepository defines the interface for the pending command queue.
// Commands land here when a device is offline and are drained on reconnect.
type CommandRepository interface {
	// Enqueue stores a command for later delivery and assigns its ID
	Enqueue(ctx context.Context, cmd *models.Command) error

	// ListPending returns unconsumed, unexpired commands for a device in
	// FIFO order
	ListPending(ctx context.Context, deviceID string) ([]*models.Command, error)

	// Ack marks a command consumed. Acks are idempotent and scoped to the
	// owning device: acking another device's command is a no-op.
	Ack(ctx context.Context, deviceID, commandID string) error
}

type commandRepository struct {
	db           *database.DB
	logger       *slog.Logger
	errorHandler *merrors.ErrorHandler
}

// NewCommandRepository creates a new command repository
func NewCommandRepository(db *database.DB) CommandRepository {
	errorHandler := &merrors.ErrorHandler{
		OnError: func(err *merrors.MdmError) {
			slog.Error("Command repository error",
				"code", err.Code,
				"message", err.Message,
			)
		},
	}

	return &commandRepository{
		db:           db,
		logger:       slog.Default().With("component", "command-repository"),
		errorHandler: errorHandler,
	}
}

func (r *commandRepository) Enqueue(ctx context.Context, cmd *models.Command) error {
	defer r.errorHandler.HandlePanic()

	if err := cmd.Validate(); err != nil {
		return merrors.Wrap(err, merrors.ErrCodeInvalidInput, "invalid command")
	}

	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = time.Now()
	}

	payload := "{}"
	if len(cmd.Payload) > 0 {
		payload = string(cmd.Payload)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO pending_command (id, device_id, type, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		cmd.ID, cmd.DeviceID, string(cmd.Type), payload, formatTime(cmd.CreatedAt),
	)
	if err != nil {
		return merrors.Wrap(err, merrors.ErrCodeInternal, "failed to enqueue command")
	}

	r.logger.Info("Command queued",
		"command_id", cmd.ID,
		"device_id", cmd.DeviceID,
		"type", cmd.Type,
	)
	return nil
}

func (r *commandRepository) ListPending(ctx context.Context, deviceID string) ([]*models.Command, error) {
	defer r.errorHandler.HandlePanic()

	if deviceID == "" {
		return nil, merrors.New(merrors.ErrCodeInvalidInput, "device ID is required")
	}

	cutoff := time.Now().Add(-PendingCommandTTL)
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, device_id, type, payload, created_at
		FROM pending_command
		WHERE device_id = ? AND consumed_at IS NULL AND created_at >= ?
		ORDER BY created_at ASC`,
		deviceID, formatTime(cutoff),
	)
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "failed to query pending commands")
	}
	defer rows.Close()

	var commands []*models.Command
	for rows.Next() {
		var cmd models.Command
		var cmdType, payload, createdAt string
		if err := rows.Scan(&cmd.ID, &cmd.DeviceID, &cmdType, &payload, &createdAt); err != nil {
			return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "failed to scan command row")
		}
		cmd.Type = models.CommandType(cmdType)
		cmd.Payload = json.RawMessage(payload)
		cmd.CreatedAt = parseTime(createdAt)
		commands = append(commands, &cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "failed to iterate command rows")
	}

	return commands, nil
}

func (r *commandRepository) Ack(ctx context.Context, deviceID, commandID string) error {
	defer r.errorHandler.HandlePanic()

	if deviceID == "" || commandID == "" {
		return merrors.New(merrors.ErrCodeInvalidInput, "device ID and command ID are required")
	}

	_, err := r.db.ExecContext(ctx, `
		UPDATE pending_command
		SET consumed_at = ?
		WHERE id = ? AND device_id = ? AND consumed_at IS NULL`,
		formatTime(time.Now()), commandID, deviceID,
	)
	if err != nil {
		return merrors.Wrap(err, merrors.ErrCodeInternal, "failed to ack command")
	}

	return nil
}
