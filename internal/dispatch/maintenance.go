package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"BrokerCopilot/internal/metrics"
	"BrokerCopilot/internal/models"
)

// Cleanup deletes terminal records last updated strictly before now - retention.
// A non-positive retention uses the configured one.
func (e *Engine) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		retention = e.cfg.CleanupRetention
	}
	cutoff := e.now().UTC().Add(-retention)

	n, err := e.store.PurgeTerminal(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge terminal emails: %w", err)
	}

	metrics.RecordsPurged.Add(float64(n))
	e.log.Info("cleanup complete", zap.Int("deleted", n), zap.Time("cutoff", cutoff))
	return n, nil
}

// SweepStuck returns records stranded in queued or sending for longer than
// lease to pending, so the next scan dispatches them again.
func (e *Engine) SweepStuck(ctx context.Context, lease time.Duration) (int, error) {
	if lease <= 0 {
		lease = e.cfg.StuckLease
	}
	cutoff := e.now().UTC().Add(-lease)

	stale, err := e.store.ListStale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale emails: %w", err)
	}

	recovered := 0
	for _, rec := range stale {
		if _, err := e.store.UpdateStatus(ctx, rec.ID, models.StatusPending); err != nil {
			e.log.Warn("failed to recover stuck email", zap.String("email_id", rec.ID), zap.Error(err))
			continue
		}
		recovered++
		e.log.Warn("recovered stuck email",
			zap.String("email_id", rec.ID),
			zap.String("status", string(rec.Status)),
			zap.Time("updated_at", rec.UpdatedAt),
		)
	}

	metrics.RecordsRecovered.Add(float64(recovered))
	return recovered, nil
}

// Run drives scans, sweeps and cleanup until ctx is done. The first scan
// runs immediately.
func (e *Engine) Run(ctx context.Context) {
	scan := time.NewTicker(e.cfg.PollInterval)
	defer scan.Stop()
	sweep := time.NewTicker(e.cfg.SweepInterval)
	defer sweep.Stop()
	cleanup := time.NewTicker(e.cfg.CleanupInterval)
	defer cleanup.Stop()

	e.log.Info("dispatch loop started",
		zap.Duration("poll_interval", e.cfg.PollInterval),
		zap.Duration("sweep_interval", e.cfg.SweepInterval),
		zap.Duration("cleanup_interval", e.cfg.CleanupInterval),
	)

	e.runScan(ctx)
	for {
		select {
		case <-ctx.Done():
			e.log.Info("dispatch loop stopped")
			return
		case <-scan.C:
			e.runScan(ctx)
		case <-sweep.C:
			if _, err := e.SweepStuck(ctx, 0); err != nil {
				e.log.Error("stuck sweep failed", zap.Error(err))
			}
		case <-cleanup.C:
			if _, err := e.Cleanup(ctx, 0); err != nil {
				e.log.Error("cleanup failed", zap.Error(err))
			}
		}
	}
}

func (e *Engine) runScan(ctx context.Context) {
	if _, err := e.Scan(ctx); err != nil && ctx.Err() == nil {
		e.log.Error("dispatch scan failed", zap.Error(err))
	}
}
