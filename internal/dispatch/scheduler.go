package dispatch

import (
	"context"
	"log/slog"
	"time"
)

// Scheduler triggers a dispatch cycle immediately and then once per
// interval. Cycles never overlap; ticks missed during a long cycle
// collapse into one.
type Scheduler struct {
	dispatcher *Dispatcher
	interval   time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewScheduler creates a Scheduler for d.
func NewScheduler(d *Dispatcher, interval time.Duration) *Scheduler {
	return &Scheduler{
		dispatcher: d,
		interval:   interval,
		logger:     d.logger,
		now:        time.Now,
	}
}

// Run blocks until ctx is cancelled. A cycle in progress when ctx ends
// starts no further jobs; jobs already sending see the cancellation, are
// aborted and recorded as failed with reason canceled. Run returns once
// those status writes are done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.dispatcher.RunCycle(ctx, s.now())

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.dispatcher.RunCycle(ctx, s.now())
		}
	}
}
