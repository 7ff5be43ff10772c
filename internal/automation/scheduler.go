package automation

import (
	"context"
	"time"
)

// Ticker is the part of the engine the scheduler drives.
type Ticker interface {
	OnClockTick(ctx context.Context, now time.Time) PassResult
}

// Scheduler invokes time-rule passes once per minute.
//
// Ticks are aligned to interval boundaries on the wall clock. Each minute is
// evaluated at most once; minutes missed while the process was down or
// stalled are not replayed.
type Scheduler struct {
	engine   Ticker
	interval time.Duration
	logger   Logger
	now      func() time.Time

	lastMinute time.Time
}

// NewScheduler creates a scheduler. interval defaults to one minute.
func NewScheduler(engine Ticker, interval time.Duration, logger Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Scheduler{
		engine:   engine,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("rule scheduler started", "interval", s.interval)

	timer := time.NewTimer(s.untilNext(s.now()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("rule scheduler stopped")
			return nil
		case <-timer.C:
			s.tick(ctx, s.now())
			timer.Reset(s.untilNext(s.now()))
		}
	}
}

// tick runs a pass unless the minute containing now was already evaluated.
func (s *Scheduler) tick(ctx context.Context, now time.Time) bool {
	minute := now.Truncate(time.Minute)
	if !minute.After(s.lastMinute) {
		return false
	}
	s.lastMinute = minute

	res := s.engine.OnClockTick(ctx, now)
	if res.Triggered > 0 || res.Failed > 0 {
		s.logger.Info("time rules evaluated",
			"minute", minute.Format(time.RFC3339),
			"evaluated", res.Evaluated,
			"triggered", res.Triggered,
			"failed", res.Failed,
		)
	}
	return true
}

func (s *Scheduler) untilNext(now time.Time) time.Duration {
	next := now.Truncate(s.interval).Add(s.interval)
	return next.Sub(now)
}
