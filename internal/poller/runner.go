package poller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mediamesh/flowmediator/internal/flowstate"
	"github.com/mediamesh/flowmediator/internal/tablesync"
)

const (
	defaultPollInterval = 10 * time.Second
	defaultPoolSize     = 8
)

// Device bundles everything the runner needs to reconcile one device.
type Device struct {
	ID           string
	Poller       Poller
	Engine       *flowstate.Engine
	Synchronizer *tablesync.Synchronizer
}

type RunnerConfig struct {
	Logger   *slog.Logger
	Devices  []*Device
	Interval time.Duration
	PoolSize int
	Clock    clockwork.Clock
	Metrics  *Metrics
}

func (c *RunnerConfig) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if len(c.Devices) == 0 {
		return fmt.Errorf("at least one device is required")
	}
	for _, dev := range c.Devices {
		if dev.ID == "" || dev.Poller == nil || dev.Engine == nil {
			return fmt.Errorf("device is missing id, poller or engine")
		}
	}
	if c.Interval <= 0 {
		c.Interval = defaultPollInterval
	}
	if c.PoolSize <= 0 {
		c.PoolSize = defaultPoolSize
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(prometheus.NewRegistry())
	}
	return nil
}

// Runner polls every device on a fixed interval and pushes the merged
// state out through each device's synchronizer. Cycles for different
// devices run concurrently on a shared pool; a device never has two
// cycles in flight because each tick waits for the whole group.
type Runner struct {
	cfg  RunnerConfig
	pool pond.Pool
}

func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Runner{
		cfg:  cfg,
		pool: pond.NewPool(cfg.PoolSize),
	}, nil
}

// Run blocks until ctx is canceled. The first cycle starts immediately
// rather than waiting out the initial interval.
func (r *Runner) Run(ctx context.Context) error {
	r.cfg.Logger.Info("Starting poll runner",
		"devices", len(r.cfg.Devices),
		"interval", r.cfg.Interval,
	)

	if err := r.runCycles(ctx); err != nil {
		r.cfg.Logger.Error("Failed to run poll cycles", "error", err)
	}

	ticker := r.cfg.Clock.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.pool.StopAndWait()
			return ctx.Err()
		case <-ticker.Chan():
			if err := r.runCycles(ctx); err != nil {
				r.cfg.Logger.Error("Failed to run poll cycles", "error", err)
			}
		}
	}
}

func (r *Runner) runCycles(ctx context.Context) error {
	group := r.pool.NewGroupContext(ctx)
	for _, dev := range r.cfg.Devices {
		group.SubmitErr(func() error {
			if err := r.runCycle(ctx, dev); err != nil {
				r.cfg.Metrics.CycleErrors.WithLabelValues(dev.ID).Inc()
				r.cfg.Logger.Error("Device cycle failed", "device", dev.ID, "error", err)
			}
			return nil
		})
	}
	_ = group.Wait()
	return nil
}

func (r *Runner) runCycle(ctx context.Context, dev *Device) error {
	start := r.cfg.Clock.Now()

	snap, err := dev.Poller.Poll(ctx)
	if err != nil {
		return fmt.Errorf("failed to poll device: %w", err)
	}

	result, err := dev.Engine.ApplySnapshot(ctx, snap)
	if err != nil {
		return fmt.Errorf("failed to apply snapshot: %w", err)
	}
	if result.Rejected > 0 {
		r.cfg.Logger.Warn("Snapshot contained rejected observations",
			"device", dev.ID,
			"rejected", result.Rejected,
		)
	}

	if dev.Synchronizer != nil {
		_, err = backoff.Retry(ctx, func() (struct{}, error) {
			return struct{}{}, dev.Synchronizer.Sync(ctx, dev.Engine)
		}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(r.cfg.Interval))
		if err != nil {
			return fmt.Errorf("failed to sync tables: %w", err)
		}
	}

	r.cfg.Metrics.CycleDuration.WithLabelValues(dev.ID).Observe(r.cfg.Clock.Since(start).Seconds())
	r.cfg.Logger.Debug("Completed device cycle",
		"device", dev.ID,
		"added", result.Added,
		"updated", result.Updated,
		"removed", result.Removed,
		"duration", r.cfg.Clock.Since(start),
	)
	return nil
}
