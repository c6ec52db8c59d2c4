package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// RetryConfig holds configuration for database retry logic
type RetryConfig struct {
	MaxRetries     int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	BackoffFactor  float64
	ConnectTimeout time.Duration
}

// DefaultRetryConfig returns default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     10,
		InitialDelay:   1 * time.Second,
		MaxDelay:       30 * time.Second,
		BackoffFactor:  2.0,
		ConnectTimeout: 5 * time.Second,
	}
}

// OpenWithRetry opens a database connection with retry logic
func OpenWithRetry(ctx context.Context, driver, dsn string, config RetryConfig) (*sql.DB, error) {
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context cancelled while connecting to database")
		default:
		}

		slog.Info("Attempting database connection",
			"attempt", attempt,
			"max_attempts", config.MaxRetries,
			"driver", driver)

		db, err := sql.Open(driver, dsn)
		if err != nil {
			slog.Error("Failed to open database",
				"error", err,
				"attempt", attempt)
			if attempt < config.MaxRetries {
				time.Sleep(delay)
				delay = calculateBackoff(delay, config.MaxDelay, config.BackoffFactor)
				continue
			}
			return nil, fmt.Errorf("failed to open database after %d attempts: %w", config.MaxRetries, err)
		}

		pingCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
		err = db.PingContext(pingCtx)
		cancel()

		if err != nil {
			db.Close()
			slog.Error("Database ping failed",
				"error", err,
				"attempt", attempt)
			if attempt < config.MaxRetries {
				time.Sleep(delay)
				delay = calculateBackoff(delay, config.MaxDelay, config.BackoffFactor)
				continue
			}
			return nil, fmt.Errorf("database ping failed after %d attempts: %w", config.MaxRetries, err)
		}

		slog.Info("Database connection established",
			"attempt", attempt,
			"driver", driver)
		return db, nil
	}

	return nil, fmt.Errorf("failed to connect to database after %d attempts", config.MaxRetries)
}

// calculateBackoff calculates the next delay with exponential backoff
func calculateBackoff(current, max time.Duration, factor float64) time.Duration {
	next := time.Duration(float64(current) * factor)
	if next > max {
		return max
	}
	return next
}

// ExecuteWithRetry executes a database operation with retry logic
func ExecuteWithRetry(ctx context.Context, operation func() error, config RetryConfig) error {
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled during database operation")
		default:
		}

		err := operation()
		if err == nil {
			return nil
		}

		if !isRetryableError(err) {
			return err
		}

		slog.Warn("Database operation failed, retrying",
			"error", err,
			"attempt", attempt,
			"max_attempts", config.MaxRetries)

		if attempt < config.MaxRetries {
			time.Sleep(delay)
			delay = calculateBackoff(delay, config.MaxDelay, config.BackoffFactor)
			continue
		}

		return fmt.Errorf("database operation failed after %d attempts: %w", config.MaxRetries, err)
	}

	return nil
}

// isRetryableError determines if an error should trigger a retry
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"timeout",
		"temporary failure",
		"database is locked",
		"busy",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
