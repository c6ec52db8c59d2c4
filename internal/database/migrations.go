package database

import (
	"context"
	"fmt"
	"time"
)

// schema is applied on startup. Statements are idempotent so restarts are
// safe without a separate migration tracking table.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS device (
		device_id   TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		model       TEXT NOT NULL DEFAULT '',
		os_version  TEXT NOT NULL DEFAULT '',
		app_version TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL DEFAULT 'offline',
		current_url TEXT NOT NULL DEFAULT '',
		last_seen   TEXT NOT NULL,
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS policy (
		device_id           TEXT PRIMARY KEY REFERENCES device(device_id) ON DELETE CASCADE,
		blocked_domains     TEXT NOT NULL DEFAULT '[]',
		allowed_apps        TEXT NOT NULL DEFAULT '[]',
		blocked_apps        TEXT NOT NULL DEFAULT '[]',
		screenshot_interval INTEGER NOT NULL DEFAULT 60000,
		kiosk_mode          INTEGER NOT NULL DEFAULT 1,
		unlock_pin          TEXT,
		updated_at          TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS global_policy (
		id                  INTEGER PRIMARY KEY CHECK (id = 1),
		blocked_domains     TEXT NOT NULL DEFAULT '[]',
		allowed_apps        TEXT NOT NULL DEFAULT '[]',
		blocked_apps        TEXT NOT NULL DEFAULT '[]',
		screenshot_interval INTEGER NOT NULL DEFAULT 60000,
		kiosk_mode          INTEGER NOT NULL DEFAULT 1,
		unlock_pin          TEXT,
		updated_at          TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS pending_command (
		id          TEXT PRIMARY KEY,
		device_id   TEXT NOT NULL REFERENCES device(device_id) ON DELETE CASCADE,
		type        TEXT NOT NULL,
		payload     TEXT NOT NULL DEFAULT '{}',
		created_at  TEXT NOT NULL,
		consumed_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pending_command_device
		ON pending_command(device_id, consumed_at)`,
	`CREATE TABLE IF NOT EXISTS activity_log (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id  TEXT NOT NULL REFERENCES device(device_id) ON DELETE CASCADE,
		action     TEXT NOT NULL,
		details    TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_activity_log_device
		ON activity_log(device_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS notification (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id  TEXT NOT NULL DEFAULT '',
		kind       TEXT NOT NULL,
		message    TEXT NOT NULL,
		read       INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	)`,
}

func (db *DB) runMigrations() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	for i, stmt := range schema {
		// Another process may briefly hold the write lock on startup
		err := ExecuteWithRetry(ctx, func() error {
			_, execErr := db.ExecContext(ctx, stmt)
			return execErr
		}, DefaultRetryConfig())
		if err != nil {
			return fmt.Errorf("schema statement %d failed: %w", i, err)
		}
	}

	db.logger.Info("Database schema applied",
		"statements", len(schema),
		"duration", time.Since(start))
	return nil
}
