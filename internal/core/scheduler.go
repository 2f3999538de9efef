package core

// scheduler.go provides background job scheduling for maintenance tasks.
//
// Currently implements retention: uploads, workbooks, changelogs and run
// history older than MaxAge are purged from the store. The push ledger is
// kept; it is what makes repeated imports idempotent.
//
// The scheduler is long-running and context-aware for graceful shutdown.
// A failed purge is logged and retried at the next interval.

import (
	"context"
	"log/slog"
	"time"
)

// RetentionConfig holds configuration for the retention scheduler.
// Zero values fall back to defaults.
type RetentionConfig struct {
	MaxAge        time.Duration // age after which artifacts are purged (default: 30 days)
	CheckInterval time.Duration // how often to run (default: 24h)
}

func (c RetentionConfig) withDefaults() RetentionConfig {
	if c.MaxAge <= 0 {
		c.MaxAge = 30 * 24 * time.Hour
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 24 * time.Hour
	}
	return c
}

// StartRetentionScheduler periodically purges old artifacts and run records.
// It runs immediately on start, then every CheckInterval, and returns when
// ctx is cancelled.
func (s *Service) StartRetentionScheduler(ctx context.Context, cfg RetentionConfig) {
	cfg = cfg.withDefaults()
	slog.Info("retention scheduler started",
		"max_age", cfg.MaxAge,
		"check_interval", cfg.CheckInterval,
	)

	// Run immediately on startup
	s.runRetentionJob(ctx, cfg)

	ticker := time.NewTicker(cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("retention scheduler stopped")
			return
		case <-ticker.C:
			s.runRetentionJob(ctx, cfg)
		}
	}
}

// runRetentionJob performs one purge cycle.
func (s *Service) runRetentionJob(ctx context.Context, cfg RetentionConfig) {
	start := time.Now()
	purged, err := s.Purge(ctx, cfg.MaxAge)
	if err != nil {
		slog.Error("retention purge failed", "error", err)
		return
	}
	slog.Info("retention purge completed",
		"items_purged", purged,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// Purge deletes artifacts and run records older than maxAge.
func (s *Service) Purge(ctx context.Context, maxAge time.Duration) (int, error) {
	return s.store.Purge(ctx, s.now().Add(-maxAge))
}
