package engine

import (
	"context"
	"log/slog"
	"time"
)

// Scheduler drives the core on a fixed wall-clock cadence.
type Scheduler struct {
	core     *Core
	interval time.Duration
}

// NewScheduler returns a scheduler stepping core every interval.
func NewScheduler(core *Core, interval time.Duration) *Scheduler {
	return &Scheduler{core: core, interval: interval}
}

// Run steps the world until ctx is cancelled. Steps run synchronously in
// the loop, so a slow tick delays the next one rather than overlapping
// it, and cancellation never leaves a tick half-resolved.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("tick scheduler started", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("tick scheduler stopped", "tick", s.core.CurrentTick())
			return
		case <-ticker.C:
			tick, n, resolved := s.core.Step(false)
			if resolved {
				slog.Debug("tick resolved", "tick", tick, "events", n)
			}
		}
	}
}
