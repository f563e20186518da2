package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"
)

// Refresher starts a refresh without waiting for it. It reports false when
// the call joined one already in flight.
type Refresher interface {
	Trigger(ctx context.Context) bool
}

// Scheduler periodically triggers a refresh of the display state.
type Scheduler struct {
	scheduler *gocron.Scheduler
	refresher Refresher
	interval  time.Duration
	logger    *zap.Logger
}

// New creates a Scheduler. An interval of zero or less disables auto-refresh.
func New(refresher Refresher, interval time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		refresher: refresher,
		interval:  interval,
		logger:    logger,
	}
}

// Start schedules the refresh job and starts the underlying scheduler. The
// first tick fires one interval after Start.
func (s *Scheduler) Start() error {
	if s.interval <= 0 {
		s.logger.Info("auto-refresh disabled")
		return nil
	}

	_, err := s.scheduler.Every(s.interval).SingletonMode().WaitForSchedule().Do(s.tick)
	if err != nil {
		return fmt.Errorf("schedule auto-refresh: %w", err)
	}

	s.scheduler.StartAsync()
	s.logger.Info("auto-refresh started", zap.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) tick() {
	if started := s.refresher.Trigger(context.Background()); !started {
		s.logger.Debug("auto-refresh joined in-flight refresh")
	}
}

// Stop stops the scheduler and cancels any future ticks. A refresh already
// triggered still completes.
func (s *Scheduler) Stop() {
	if s.scheduler != nil && s.scheduler.IsRunning() {
		s.scheduler.Stop()
	}
}
