package turnengine

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultPendingRetention is how old a suspended pending-tool record must be
// before the janitor considers it stale, mirroring the reference runtime's
// async-job retention window.
const DefaultPendingRetention = 24 * time.Hour

// JanitorConfig configures the periodic pending-state sweep.
type JanitorConfig struct {
	// Schedule is a standard (or "@every" style) cron expression; defaults
	// to "@every 5m".
	Schedule string
	// Retention is how old a pending row must be to be swept; defaults to
	// DefaultPendingRetention.
	Retention time.Duration
	Logger    *slog.Logger
}

func (c JanitorConfig) withDefaults() JanitorConfig {
	if c.Schedule == "" {
		c.Schedule = "@every 5m"
	}
	if c.Retention <= 0 {
		c.Retention = DefaultPendingRetention
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// PendingStateJanitor periodically deletes pending-tool records that have
// outlived their retention window, so a crashed caller that never resolves
// a permission request doesn't leave the session wedged forever (§4.5's
// durability guarantee covers restart, not abandonment).
type PendingStateJanitor struct {
	cfg   JanitorConfig
	store PendingToolStore
	cron  *cron.Cron
}

// NewPendingStateJanitor wires a janitor against store. Call Start to begin
// the periodic sweep and Stop to shut it down cleanly.
func NewPendingStateJanitor(store PendingToolStore, cfg JanitorConfig) *PendingStateJanitor {
	cfg = cfg.withDefaults()
	return &PendingStateJanitor{cfg: cfg, store: store, cron: cron.New()}
}

// Start schedules the sweep and begins running it in the background. It
// returns an error only if the configured schedule is malformed.
func (j *PendingStateJanitor) Start(ctx context.Context) error {
	_, err := j.cron.AddFunc(j.cfg.Schedule, func() {
		j.sweep(ctx)
	})
	if err != nil {
		return err
	}
	j.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight sweep to finish.
func (j *PendingStateJanitor) Stop() {
	stopCtx := j.cron.Stop()
	<-stopCtx.Done()
}

func (j *PendingStateJanitor) sweep(ctx context.Context) {
	n, err := j.store.DeleteStalePendingTools(ctx, j.cfg.Retention)
	if err != nil {
		j.cfg.Logger.Error("pending-state janitor sweep failed", "error", err)
		return
	}
	if n > 0 {
		j.cfg.Logger.Info("pending-state janitor swept stale records", "count", n, "retention", j.cfg.Retention)
	}
}
