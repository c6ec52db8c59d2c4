package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"tabletd.sh/internal/database"
	"tabletd.sh/internal/gateway"
	"tabletd.sh/internal/metrics"
	"tabletd.sh/internal/presence"
	"tabletd.sh/internal/repository"
	"tabletd.sh/internal/webhook"
)

// Config holds the server configuration
type Config struct {
	Port            int
	DatabaseDSN     string
	AllowedOrigins  []string
	WebhookURL      string
	WebhookSecret   string
	StaleAfter      time.Duration
	SweepInterval   time.Duration
	ShutdownTimeout time.Duration
}

// Server is the tablet management server: REST API for the dashboard,
// websocket gateway for devices and admins, presence tracking on top.
type Server struct {
	config     *Config
	db         *database.DB
	devices    repository.DeviceRepository
	policies   repository.PolicyRepository
	commands   repository.CommandRepository
	activities repository.ActivityRepository
	hub        *gateway.Hub
	tracker    *presence.Tracker
	notifier   *webhook.Notifier
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// New creates a new management server instance
func New(config *Config) (*Server, error) {
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 10 * time.Second
	}

	dbConfig := database.DefaultConfig()
	dbConfig.DSN = config.DatabaseDSN
	db, err := database.New(dbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	s := &Server{
		config:     config,
		db:         db,
		devices:    repository.NewDeviceRepository(db),
		policies:   repository.NewPolicyRepository(db),
		commands:   repository.NewCommandRepository(db),
		activities: repository.NewActivityRepository(db),
		notifier: webhook.NewNotifier(webhook.Config{
			URL:    config.WebhookURL,
			Secret: config.WebhookSecret,
		}),
		mux:    http.NewServeMux(),
		logger: slog.Default().With("component", "server"),
	}

	s.hub = gateway.NewHub(s)
	s.tracker = presence.NewTracker(s.devices, presence.Config{
		StaleAfter:    config.StaleAfter,
		SweepInterval: config.SweepInterval,
		OnOffline:     s.onDevicesWentOffline,
	})

	s.routes()
	return s, nil
}

// Handler returns the full HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   s.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.mux)

	return s.withMetrics(corsHandler)
}

func (s *Server) routes() {
	// Health and observability
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /health/live", s.handleHealthLive)
	s.mux.HandleFunc("GET /health/ready", s.handleHealthReady)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	// Realtime gateway
	s.mux.HandleFunc("GET /ws", s.hub.ServeWS)

	// Device management
	s.mux.HandleFunc("POST /api/devices/register", s.handleRegisterDevice)
	s.mux.HandleFunc("GET /api/devices", s.handleListDevices)
	s.mux.HandleFunc("GET /api/devices/{deviceId}", s.handleGetDevice)
	s.mux.HandleFunc("PUT /api/devices/{deviceId}", s.handleUpdateDevice)
	s.mux.HandleFunc("DELETE /api/devices/{deviceId}", s.handleDeleteDevice)
	s.mux.HandleFunc("PUT /api/devices/{deviceId}/heartbeat", s.handleHeartbeat)

	// Commands
	s.mux.HandleFunc("POST /api/devices/{deviceId}/commands", s.handleDispatchCommand)
	s.mux.HandleFunc("POST /api/devices/commands/broadcast", s.handleBroadcastCommand)
	s.mux.HandleFunc("GET /api/devices/{deviceId}/commands/pending", s.handleListPendingCommands)
	s.mux.HandleFunc("POST /api/devices/{deviceId}/commands/ack", s.handleAckCommand)

	// Activity
	s.mux.HandleFunc("POST /api/devices/{deviceId}/activity", s.handleReportActivity)
	s.mux.HandleFunc("GET /api/devices/{deviceId}/activity", s.handleListActivity)

	// Policies
	s.mux.HandleFunc("PUT /api/devices/{deviceId}/policies", s.handleUpdateDevicePolicy)
	s.mux.HandleFunc("POST /api/devices/{deviceId}/unlock-validate", s.handleValidateUnlockPin)
	s.mux.HandleFunc("GET /api/global-policies", s.handleGetGlobalPolicy)
	s.mux.HandleFunc("PUT /api/global-policies", s.handleUpdateGlobalPolicy)
	s.mux.HandleFunc("POST /api/global-policies/blacklist", s.handleAddBlockedDomain)
	s.mux.HandleFunc("DELETE /api/global-policies/blacklist", s.handleRemoveBlockedDomain)
	s.mux.HandleFunc("POST /api/global-policies/whitelist", s.handleAddAllowedApp)
	s.mux.HandleFunc("DELETE /api/global-policies/whitelist", s.handleRemoveAllowedApp)

	// Notifications
	s.mux.HandleFunc("GET /api/notifications", s.handleListNotifications)
	s.mux.HandleFunc("PUT /api/notifications/{id}/read", s.handleMarkNotificationRead)
}

// Start starts the server and blocks until ctx is cancelled or the listener
// fails.
func (s *Server) Start(ctx context.Context) error {
	s.tracker.Start()

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", s.config.Port)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server")

	s.tracker.Stop()
	s.hub.Shutdown(ctx)

	var httpErr error
	if s.httpServer != nil {
		httpErr = s.httpServer.Shutdown(ctx)
		if httpErr != nil {
			s.logger.Error("Failed to shutdown HTTP server", "error", httpErr)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("Failed to close database", "error", err)
		}
	}

	return httpErr
}

// Run starts the server and handles shutdown signals
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		s.logger.Info("Received shutdown signal")
		cancel()
	}()

	return s.Start(ctx)
}

// withMetrics records request counts and latency per route pattern.
func (s *Server) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		endpoint := r.Pattern
		if endpoint == "" {
			endpoint = r.URL.Path
		}
		metrics.RecordHTTPRequest(r.Method, endpoint,
			strconv.Itoa(rec.status), time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack exposes the underlying connection so the websocket upgrade on
// /ws works through the middleware chain.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// handleHealth returns the overall health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"service":   "tabletd",
		"checks": map[string]any{
			"database": s.checkDatabase(),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// handleHealthLive returns liveness status (is the service running?)
func (s *Server) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"status":    "alive",
		"timestamp": time.Now().Unix(),
	})
}

// handleHealthReady returns readiness status (is the service ready to
// handle requests?)
func (s *Server) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]any{
			"status":    "not_ready",
			"error":     err.Error(),
			"timestamp": time.Now().Unix(),
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"status":    "ready",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) checkDatabase() string {
	if err := s.db.Ping(); err != nil {
		return "unhealthy"
	}
	return "healthy"
}
