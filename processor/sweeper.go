package processor

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"paybridge/storage"
)

const (
	defaultSweepInterval = 5 * time.Minute
	defaultSweepBatch    = 50
)

// SweepStore adds the compensation queue operations the sweeper drives.
type SweepStore interface {
	ListCompensationTasks(ctx context.Context, limit int) ([]storage.CompensationTask, error)
	DeleteCompensationTask(ctx context.Context, id uuid.UUID) error
	BumpCompensationAttempt(ctx context.Context, id uuid.UUID, reason string) error
}

// Sweeper re-drives entitlement grants that exhausted their synchronous
// retries. Each cycle is one attempt per task; the sweep cadence is the
// retry schedule.
type Sweeper struct {
	store    SweepStore
	proc     *Processor
	logger   *slog.Logger
	interval time.Duration
	batch    int
}

// NewSweeper builds a sweeper over the shared processor. A non-positive
// interval falls back to five minutes.
func NewSweeper(store SweepStore, proc *Processor, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    store,
		proc:     proc,
		logger:   logger,
		interval: interval,
		batch:    defaultSweepBatch,
	}
}

// Run blocks until the context is cancelled, sweeping once per interval.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			repaired, failed := s.Sweep(ctx)
			if repaired > 0 || failed > 0 {
				s.logger.InfoContext(ctx, "compensation sweep finished",
					slog.Int("repaired", repaired),
					slog.Int("failed", failed),
				)
			}
		}
	}
}

// Sweep attempts every queued task once. Repaired tasks leave the queue;
// failures stay with a bumped attempt counter and the latest reason.
func (s *Sweeper) Sweep(ctx context.Context) (repaired, failed int) {
	tasks, err := s.store.ListCompensationTasks(ctx, s.batch)
	if err != nil {
		s.logger.ErrorContext(ctx, "list compensation tasks", slog.String("error", err.Error()))
		return 0, 0
	}
	for _, task := range tasks {
		if ctx.Err() != nil {
			return repaired, failed
		}
		err := s.proc.GrantForOrder(ctx, task.TradeNo)
		if err == nil {
			if delErr := s.store.DeleteCompensationTask(ctx, task.ID); delErr != nil {
				s.logger.ErrorContext(ctx, "dequeue repaired task",
					slog.String("trade_no", task.TradeNo),
					slog.String("error", delErr.Error()),
				)
				continue
			}
			s.proc.metrics.CompensationRepaired()
			s.logger.InfoContext(ctx, "compensation task repaired",
				slog.String("trade_no", task.TradeNo),
				slog.Int("attempt", task.Attempt),
			)
			repaired++
			continue
		}
		failed++
		if bumpErr := s.store.BumpCompensationAttempt(ctx, task.ID, err.Error()); bumpErr != nil {
			s.logger.ErrorContext(ctx, "bump compensation attempt",
				slog.String("trade_no", task.TradeNo),
				slog.String("error", bumpErr.Error()),
			)
		}
	}
	return repaired, failed
}
