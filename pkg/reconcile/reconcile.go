// Package reconcile closes scans whose work has drained. Completion is
// detected by sweep, not by counting: a periodic pass closes every open
// scan with no pending or running variants left. The sweep is the
// safety net that message counting cannot be under at-least-once
// delivery, and it also closes vacuous scans that never produced a
// single variant.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/apivet/apivet/pkg/duration"
	"github.com/apivet/apivet/pkg/metrics"
	"github.com/apivet/apivet/pkg/store"
)

// Reconciler periodically sweeps open scans.
type Reconciler struct {
	store    store.Store
	interval time.Duration
	metrics  *metrics.Collector
	logger   *slog.Logger
}

// Config assembles a Reconciler. Store is required.
type Config struct {
	Store    store.Store
	Interval time.Duration      // default duration.ReconcileSweep
	Metrics  *metrics.Collector // optional
	Logger   *slog.Logger
}

// New builds a reconciler with defaulted interval and logger.
func New(cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = duration.ReconcileSweep
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reconciler{
		store:    cfg.Store,
		interval: cfg.Interval,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}
}

// Run sweeps on a ticker until the context is cancelled. Sweep errors
// are logged and the next tick tries again.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error("reconcile sweep failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Sweep closes every open scan with no active variants and returns how
// many were closed.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	open, err := r.store.OpenScanIDs(ctx)
	if err != nil {
		return 0, err
	}
	if len(open) == 0 {
		return 0, nil
	}

	active, err := r.store.ScanIDsWithActiveChildren(ctx, open)
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, id := range open {
		if active[id] {
			continue
		}
		if err := r.store.CloseScan(ctx, id); err != nil {
			r.logger.Error("failed to close scan",
				slog.String("scan_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		closed++
		if r.metrics != nil {
			r.metrics.ScanClosed()
		}
		r.logger.Info("scan complete", slog.String("scan_id", id))
	}
	return closed, nil
}
