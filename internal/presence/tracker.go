package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tabletd.sh/internal/metrics"
	"tabletd.sh/internal/models"
	"tabletd.sh/internal/repository"
)

const (
	// DefaultStaleAfter is how long a silent device stays online.
	DefaultStaleAfter = 5 * time.Minute

	// DefaultSweepInterval is how often the sweep demotes stale devices.
	DefaultSweepInterval = 60 * time.Second
)

// Config configures the presence tracker.
type Config struct {
	// StaleAfter is the silence threshold before a device goes offline
	StaleAfter time.Duration

	// SweepInterval is the period of the background sweep
	SweepInterval time.Duration

	// OnOffline is invoked with the IDs demoted by a sweep
	OnOffline func(deviceIDs []string)
}

// Tracker maintains device presence: heartbeats promote devices to online,
// a periodic sweep demotes silent ones to offline.
type Tracker struct {
	devices   repository.DeviceRepository
	config    Config
	logger    *slog.Logger
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewTracker creates a presence tracker over the device repository.
func NewTracker(devices repository.DeviceRepository, config Config) *Tracker {
	if config.StaleAfter <= 0 {
		config.StaleAfter = DefaultStaleAfter
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultSweepInterval
	}

	return &Tracker{
		devices: devices,
		config:  config,
		logger:  slog.Default().With("component", "presence"),
	}
}

// Touch records a heartbeat. A device that does not report a status is
// promoted to online; a device reporting locked stays locked.
func (t *Tracker) Touch(ctx context.Context, deviceID string, hb repository.Heartbeat) error {
	if hb.Status == "" {
		hb.Status = models.DeviceStatusOnline
	}
	if hb.At.IsZero() {
		hb.At = time.Now()
	}

	if err := t.devices.Heartbeat(ctx, deviceID, hb); err != nil {
		return err
	}

	metrics.DeviceHeartbeatsTotal.Inc()
	return nil
}

// Sweep demotes devices silent for longer than StaleAfter and returns the
// demoted IDs. Devices already offline are never demoted again, so repeated
// sweeps are monotonic.
func (t *Tracker) Sweep(ctx context.Context) ([]string, error) {
	cutoff := time.Now().Add(-t.config.StaleAfter)
	ids, err := t.devices.MarkStaleOffline(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	metrics.PresenceSweepsTotal.Inc()
	if len(ids) > 0 {
		metrics.PresenceDemotionsTotal.Add(float64(len(ids)))
		t.logger.Info("Presence sweep demoted devices", "count", len(ids))
		if t.config.OnOffline != nil {
			t.config.OnOffline(ids)
		}
	}
	return ids, nil
}

// Start launches the background sweep loop.
func (t *Tracker) Start() {
	t.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		t.cancel = cancel

		t.wg.Add(1)
		go t.run(ctx)
		t.logger.Info("Presence tracker started",
			"sweep_interval", t.config.SweepInterval,
			"stale_after", t.config.StaleAfter)
	})
}

// Stop halts the sweep loop and waits for it to exit.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}
		t.wg.Wait()
		t.logger.Info("Presence tracker stopped")
	})
}

func (t *Tracker) run(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			if _, err := t.Sweep(sweepCtx); err != nil {
				t.logger.Error("Presence sweep failed", "error", err)
				metrics.RecordError("presence", "sweep")
			}
			cancel()
		}
	}
}
