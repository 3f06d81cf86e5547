// ABOUTME: Background sweeper that expires idle sessions on a timer
// ABOUTME: Runs until its context is cancelled

package session

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically expires idle sessions. Expiry is lazy between
// sweeps: Resumable already rejects anything terminal, so the sweep
// only has to catch up bookkeeping, not gate resumes.
type Sweeper struct {
	registry *Registry
	maxAge   time.Duration
	interval time.Duration
	logger   *slog.Logger
}

func NewSweeper(registry *Registry, maxAge, interval time.Duration) *Sweeper {
	return &Sweeper{
		registry: registry,
		maxAge:   maxAge,
		interval: interval,
		logger:   slog.Default().With("component", "session-sweeper"),
	}
}

// Run blocks, sweeping once per interval until ctx is cancelled. One
// sweep runs immediately on start so a restarted gateway clears stale
// sessions without waiting a full interval.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("sweeper started", "max_age", s.maxAge, "interval", s.interval)

	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	if _, err := s.registry.SweepExpired(ctx, s.maxAge); err != nil {
		s.logger.Error("sweep failed", "error", err)
	}
}
