package recon

import (
	"context"
	"log/slog"
	"time"
)

// Scheduler triggers a reconciliation run once per day at a fixed local time.
type Scheduler struct {
	reconciler *Reconciler
	hour       int
	minute     int
	window     time.Duration
	logger     *slog.Logger
}

// NewScheduler wires a reconciler to a daily trigger. Hour and minute are
// clamped into range; window defaults to 24 hours.
func NewScheduler(reconciler *Reconciler, hour, minute int, window time.Duration, logger *slog.Logger) *Scheduler {
	if window <= 0 {
		window = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		reconciler: reconciler,
		hour:       clampHour(hour),
		minute:     clampMinute(minute),
		window:     window,
		logger:     logger,
	}
}

// Start blocks until ctx is cancelled, running the reconciler each day. Every
// run covers the window ending at the trigger time, so a failed run is
// re-covered by the next night's overlap only if the window spans it.
func (s *Scheduler) Start(ctx context.Context) {
	for {
		now := s.reconciler.now()
		next := nextRun(now, s.hour, s.minute, s.reconciler.tz)
		timer := time.NewTimer(next.Sub(now))
		s.logger.Info("reconciliation scheduled",
			slog.Time("next_run", next),
			slog.Duration("window", s.window),
		)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		start := next.Add(-s.window)
		if _, err := s.reconciler.Run(ctx, RunOptions{Start: start, End: next}); err != nil {
			s.logger.Error("scheduled reconciliation failed",
				slog.Time("window_start", start),
				slog.Time("window_end", next),
				slog.String("error", err.Error()),
			)
		}
	}
}

func nextRun(now time.Time, hour, minute int, tz *time.Location) time.Time {
	local := now.In(tz)
	candidate := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, tz)
	if !candidate.After(local) {
		candidate = candidate.Add(24 * time.Hour)
	}
	return candidate
}

func clampHour(h int) int {
	if h < 0 {
		return 0
	}
	if h > 23 {
		return 23
	}
	return h
}

func clampMinute(m int) int {
	if m < 0 {
		return 0
	}
	if m > 59 {
		return 59
	}
	return m
}
