package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaTablesExist(t *testing.T) {
	db := setupTestDB(t)

	tables := []string{
		"device",
		"policy",
		"global_policy",
		"pending_command",
		"activity_log",
		"notification",
	}

	for _, table := range tables {
		var exists bool
		err := db.QueryRow(
			`SELECT EXISTS (SELECT name FROM sqlite_master WHERE type='table' AND name=?)`,
			table).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "table %s should exist", table)
	}
}

func TestSchemaIdempotent(t *testing.T) {
	db := setupTestDB(t)

	// Applying the schema a second time must not fail or lose data
	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := db.ExecContext(ctx,
		`INSERT INTO device (device_id, name, last_seen, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		"tab-1", "Desk 1", now, now, now)
	require.NoError(t, err)

	require.NoError(t, db.runMigrations())

	var count int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM device`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestDeleteDeviceCascades(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := db.ExecContext(ctx,
		`INSERT INTO device (device_id, name, last_seen, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		"tab-1", "Desk 1", now, now, now)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx,
		`INSERT INTO policy (device_id, updated_at) VALUES (?, ?)`, "tab-1", now)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx,
		`INSERT INTO pending_command (id, device_id, type, created_at) VALUES (?, ?, ?, ?)`,
		"cmd-1", "tab-1", "LOCK_SCREEN", now)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `DELETE FROM device WHERE device_id = ?`, "tab-1")
	require.NoError(t, err)

	var count int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM policy`).Scan(&count))
	assert.Equal(t, 0, count, "policy rows should cascade")

	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_command`).Scan(&count))
	assert.Equal(t, 0, count, "pending commands should cascade")
}

func TestCommandOrphanRejected(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := db.ExecContext(ctx,
		`INSERT INTO pending_command (id, device_id, type, created_at) VALUES (?, ?, ?, ?)`,
		"cmd-orphan", "no-such-device", "REBOOT", now)
	assert.Error(t, err, "foreign key should reject orphan commands")
}
