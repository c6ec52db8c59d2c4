package main

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"tabletd.sh/internal/config"
	"tabletd.sh/internal/server"
	"tabletd.sh/internal/version"
)

func main() {
	logLevel := slog.LevelInfo
	if config.GetBoolFromEnv("TABLETD_DEBUG", false) {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg := &server.Config{
		Port:            config.GetIntFromEnv("TABLETD_PORT", 8080),
		DatabaseDSN:     config.GetStringFromEnv("TABLETD_DATABASE_DSN", "tabletd.db"),
		AllowedOrigins:  splitOrigins(config.GetStringFromEnv("TABLETD_CORS_ORIGINS", "*")),
		WebhookURL:      config.GetStringFromEnv("TABLETD_WEBHOOK_URL", ""),
		WebhookSecret:   config.GetStringFromEnv("TABLETD_WEBHOOK_SECRET", ""),
		StaleAfter:      config.GetDurationFromEnv("TABLETD_PRESENCE_STALE_AFTER", 5*time.Minute),
		SweepInterval:   config.GetDurationFromEnv("TABLETD_PRESENCE_SWEEP_INTERVAL", time.Minute),
		ShutdownTimeout: config.GetDurationFromEnv("TABLETD_SHUTDOWN_TIMEOUT", 10*time.Second),
	}

	slog.Info("Starting tabletd server",
		"version", version.GetVersion(),
		"port", cfg.Port,
		"database", cfg.DatabaseDSN,
	)

	srv, err := server.New(cfg)
	if err != nil {
		slog.Error("Failed to initialize server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(); err != nil {
		slog.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
}

func splitOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}
