package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t testing.TB) *DB {
	config := DefaultConfig()
	config.DSN = ":memory:"
	config.QueryTimeout = 5 * time.Second

	db, err := New(config)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return db
}

func TestDatabaseConnection(t *testing.T) {
	db := setupTestDB(t)

	ctx := context.Background()
	require.NoError(t, db.PingContext(ctx))

	stats := db.Stats()
	assert.LessOrEqual(t, stats.OpenConnections, 1, "sqlite pool should hold a single connection")
}

func TestTransactionCommit(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	now := time.Now().UTC().Format(time.RFC3339)
	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO device (device_id, name, last_seen, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			"tab-1", "Front Row 1", now, now, now)
		return err
	})
	require.NoError(t, err)

	var count int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM device WHERE device_id = ?`, "tab-1").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestTransactionRollback(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	now := time.Now().UTC().Format(time.RFC3339)
	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO device (device_id, name, last_seen, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			"tab-rollback", "Rollback", now, now, now)
		if err != nil {
			return err
		}
		return errors.New("force rollback")
	})
	require.Error(t, err)

	var count int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM device WHERE device_id = ?`, "tab-rollback").Scan(&count))
	assert.Equal(t, 0, count, "row should be rolled back")
}

func TestTransactionPanicPropagates(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic to propagate")
		}
	}()

	db.Transaction(ctx, func(tx *sql.Tx) error {
		panic("test panic")
	})
}

func TestDatabaseClose(t *testing.T) {
	config := DefaultConfig()
	config.DSN = ":memory:"

	db, err := New(config)
	require.NoError(t, err)

	require.NoError(t, db.Close())

	_, err = db.QueryContext(context.Background(), "SELECT 1")
	assert.Error(t, err, "closed database should refuse queries")

	// Close again should be safe
	assert.NoError(t, db.Close())
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name        string
		config      *Config
		expectError bool
	}{
		{
			name:        "nil config",
			config:      nil,
			expectError: true,
		},
		{
			name: "missing driver",
			config: &Config{
				DSN: "test.db",
			},
			expectError: true,
		},
		{
			name: "missing DSN",
			config: &Config{
				Driver: "sqlite",
			},
			expectError: true,
		},
		{
			name: "unsupported driver",
			config: &Config{
				Driver: "postgres",
				DSN:    "test.db",
			},
			expectError: true,
		},
		{
			name: "valid config",
			config: &Config{
				Driver: "sqlite",
				DSN:    ":memory:",
			},
			expectError: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, err := New(tt.config)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			db.Close()
		})
	}
}

func TestExecuteWithRetryRecovers(t *testing.T) {
	cfg := RetryConfig{
		MaxRetries:    3,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2,
	}

	attempts := 0
	err := ExecuteWithRetry(context.Background(), func() error {
		attempts++
		if attempts < 2 {
			return errors.New("database is locked")
		}
		return nil
	}, cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	// Non-retryable errors fail fast
	attempts = 0
	err = ExecuteWithRetry(context.Background(), func() error {
		attempts++
		return errors.New("near \"FORM\": syntax error")
	}, cfg)
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryableErrorClassification(t *testing.T) {
	assert.True(t, isRetryableError(errors.New("database is locked")))
	assert.True(t, isRetryableError(errors.New("SQLITE_BUSY: database busy")))
	assert.True(t, isRetryableError(errors.New("connection refused")))
	assert.False(t, isRetryableError(errors.New("UNIQUE constraint failed")))
	assert.False(t, isRetryableError(nil))
}

func TestCalculateBackoff(t *testing.T) {
	assert.Equal(t, 2*time.Second, calculateBackoff(time.Second, 30*time.Second, 2.0))
	assert.Equal(t, 30*time.Second, calculateBackoff(20*time.Second, 30*time.Second, 2.0))
}
