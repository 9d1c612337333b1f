package recon

import (
	"context"
	"log/slog"
	"time"
)

// SchedulerConfig configures the nightly reconciliation scheduler.
type SchedulerConfig struct {
	Runner    Runner
	Window    time.Duration
	RunHour   int
	RunMinute int
	Location  *time.Location
	Logger    *slog.Logger
}

// Scheduler executes reconciliation on a fixed daily cadence.
type Scheduler struct {
	runner    Runner
	window    time.Duration
	runHour   int
	runMinute int
	location  *time.Location
	logger    *slog.Logger
}

// NewScheduler constructs a scheduler with sane defaults.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	window := cfg.Window
	if window <= 0 {
		window = 24 * time.Hour
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner:    cfg.Runner,
		window:    window,
		runHour:   clampHour(cfg.RunHour),
		runMinute: clampMinute(cfg.RunMinute),
		location:  loc,
		logger:    logger,
	}
}

// Start begins the scheduling loop until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.runner == nil {
		return
	}
	for {
		now := time.Now().In(s.location)
		next := s.nextRun(now)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			opts := RunOptions{Start: next.Add(-s.window), End: next}
			if _, err := s.runner.Run(ctx, opts); err != nil {
				s.logger.Error("scheduled reconciliation failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (s *Scheduler) nextRun(after time.Time) time.Time {
	target := time.Date(after.Year(), after.Month(), after.Day(), s.runHour, s.runMinute, 0, 0, s.location)
	if !target.After(after) {
		target = target.Add(24 * time.Hour)
	}
	return target
}

func clampHour(hour int) int {
	if hour < 0 {
		return 0
	}
	if hour > 23 {
		return 23
	}
	return hour
}

func clampMinute(minute int) int {
	if minute < 0 {
		return 0
	}
	if minute > 59 {
		return 59
	}
	return minute
}
