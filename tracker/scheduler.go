package tracker

import (
	"context"
	"fmt"

	"querywatch/util/goroutine"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSchedule polls once a minute.
const DefaultSchedule = "@every 1m"

// Scheduler runs poll cycles on a cron schedule. A cycle that is still
// running when the next one is due causes that tick to be skipped.
type Scheduler struct {
	cron     *cron.Cron
	tracker  *Tracker
	schedule string
	logger   *zap.SugaredLogger
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewScheduler creates a scheduler for t. It does not start it.
func NewScheduler(t *Tracker, schedule string, logger *zap.SugaredLogger) *Scheduler {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &Scheduler{
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		tracker:  t,
		schedule: schedule,
		logger:   logger,
	}
}

// Start registers the poll job and starts the cron loop. Cycles run with a
// context derived from ctx that is cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	if _, err := s.cron.AddFunc(s.schedule, s.runCycle); err != nil {
		s.cancel()
		return fmt.Errorf("invalid poll schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	s.logger.Infow("Poll scheduler started", "schedule", s.schedule)
	return nil
}

// Stop cancels any cycle in flight and waits for it to return.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.cron.Stop().Done()
	s.logger.Info("Poll scheduler stopped")
}

func (s *Scheduler) runCycle() {
	defer goroutine.Recover("poll-cycle", s.logger)

	result, err := s.tracker.Poll(s.ctx)
	if err != nil {
		s.logger.Errorw("Poll cycle failed", "error", err)
		return
	}
	if result.Err != nil {
		s.logger.Warnw("Poll cycle finished with record errors",
			"failed", result.Failed,
			"error", result.Err)
	}
}
