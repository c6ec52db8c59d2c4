package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"tabletd.sh/internal/agent"
	"tabletd.sh/internal/version"
)

func main() {
	cfg := agent.DefaultConfig()

	var (
		serverURL   = flag.String("server", cfg.ServerURL, "Management server URL (overrides env)")
		deviceID    = flag.String("device-id", cfg.DeviceID, "Device ID (overrides env)")
		name        = flag.String("name", cfg.Name, "Device display name")
		statePath   = flag.String("state", cfg.StatePath, "Path to the persistent state file")
		debug       = flag.Bool("debug", false, "Enable debug logging")
		showVersion = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *showVersion {
		os.Stdout.WriteString(version.GetVersion() + "\n")
		return
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg.ServerURL = *serverURL
	cfg.DeviceID = *deviceID
	cfg.Name = *name
	cfg.StatePath = *statePath

	a, err := agent.New(cfg)
	if err != nil {
		slog.Error("Failed to initialize agent", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Received shutdown signal")
		cancel()
	}()

	slog.Info("Starting device agent",
		"version", version.GetVersion(),
		"device_id", cfg.DeviceID,
		"server", cfg.ServerURL,
	)

	if err := a.Run(ctx); err != nil && err != context.Canceled {
		slog.Error("Agent exited with error", "error", err)
		os.Exit(1)
	}
}
