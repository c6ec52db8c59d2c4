package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabletd.sh/internal/database"
	"tabletd.sh/internal/merrors"
	"tabletd.sh/internal/models"
)

func setupCommandTest(t *testing.T) (*database.DB, CommandRepository) {
	db := setupTestDB(t)
	devices := NewDeviceRepository(db)
	registerDevice(t, devices, "tab-1", "Desk 1")
	registerDevice(t, devices, "tab-2", "Desk 2")
	return db, NewCommandRepository(db)
}

func TestEnqueueAssignsID(t *testing.T) {
	_, repo := setupCommandTest(t)
	ctx := context.Background()

	cmd := &models.Command{DeviceID: "tab-1", Type: models.CommandLockScreen}
	require.NoError(t, repo.Enqueue(ctx, cmd))
	assert.NotEmpty(t, cmd.ID)
	assert.False(t, cmd.CreatedAt.IsZero())
}

func TestEnqueueRejectsInvalid(t *testing.T) {
	_, repo := setupCommandTest(t)

	err := repo.Enqueue(context.Background(), &models.Command{DeviceID: "tab-1", Type: "NOPE"})
	require.Error(t, err)
	assert.Equal(t, merrors.ErrCodeInvalidInput, merrors.GetCode(err))
}

func TestListPendingFIFO(t *testing.T) {
	_, repo := setupCommandTest(t)
	ctx := context.Background()

	first := &models.Command{
		DeviceID:  "tab-1",
		Type:      models.CommandOpenURL,
		Payload:   json.RawMessage(`{"url":"https://octoclass.com"}`),
		CreatedAt: time.Now().Add(-2 * time.Minute),
	}
	second := &models.Command{
		DeviceID:  "tab-1",
		Type:      models.CommandLockScreen,
		CreatedAt: time.Now().Add(-1 * time.Minute),
	}
	require.NoError(t, repo.Enqueue(ctx, first))
	require.NoError(t, repo.Enqueue(ctx, second))

	pending, err := repo.ListPending(ctx, "tab-1")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID, "oldest first")
	assert.Equal(t, second.ID, pending[1].ID)
	assert.JSONEq(t, `{"url":"https://octoclass.com"}`, string(pending[0].Payload))
}

func TestListPendingSkipsExpired(t *testing.T) {
	_, repo := setupCommandTest(t)
	ctx := context.Background()

	expired := &models.Command{
		DeviceID:  "tab-1",
		Type:      models.CommandReboot,
		CreatedAt: time.Now().Add(-PendingCommandTTL - time.Minute),
	}
	fresh := &models.Command{DeviceID: "tab-1", Type: models.CommandLockScreen}
	require.NoError(t, repo.Enqueue(ctx, expired))
	require.NoError(t, repo.Enqueue(ctx, fresh))

	pending, err := repo.ListPending(ctx, "tab-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, fresh.ID, pending[0].ID)
}

func TestAckConsumesCommand(t *testing.T) {
	_, repo := setupCommandTest(t)
	ctx := context.Background()

	cmd := &models.Command{DeviceID: "tab-1", Type: models.CommandLockScreen}
	require.NoError(t, repo.Enqueue(ctx, cmd))

	require.NoError(t, repo.Ack(ctx, "tab-1", cmd.ID))

	pending, err := repo.ListPending(ctx, "tab-1")
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Acks are idempotent
	assert.NoError(t, repo.Ack(ctx, "tab-1", cmd.ID))
}

func TestAckScopedToDevice(t *testing.T) {
	_, repo := setupCommandTest(t)
	ctx := context.Background()

	cmd := &models.Command{DeviceID: "tab-1", Type: models.CommandLockScreen}
	require.NoError(t, repo.Enqueue(ctx, cmd))

	// Another device acking the command must not consume it
	require.NoError(t, repo.Ack(ctx, "tab-2", cmd.ID))

	pending, err := repo.ListPending(ctx, "tab-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, cmd.ID, pending[0].ID)
}
