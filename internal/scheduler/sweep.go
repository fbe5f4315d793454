package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jcmexdev/identity-sagas/internal/coordinator/sagalog"
	"github.com/jcmexdev/identity-sagas/internal/pkg/metrics"
)

// TimeoutReport summarizes one timeout sweep.
type TimeoutReport struct {
	Found  int
	Forced int
	Failed int
}

// SweepTimeouts forces every overdue saga into compensation. A failure on one
// saga is logged and counted; the rest of the batch is still processed.
func (s *Scheduler) SweepTimeouts(ctx context.Context) (TimeoutReport, error) {
	var rep TimeoutReport

	due, err := s.repo.FindTimedOut(ctx, s.now().UTC(), s.cfg.BatchSize)
	if err != nil {
		return rep, fmt.Errorf("scheduler: find timed out sagas: %w", err)
	}
	rep.Found = len(due)

	for _, tx := range due {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		if err := s.forceTimeout(ctx, tx.SagaID); err != nil {
			rep.Failed++
			metrics.SweepErrors.WithLabelValues("timeout").Inc()
			slog.ErrorContext(ctx, "scheduler: timeout compensation failed",
				"saga_id", tx.SagaID,
				"saga_type", tx.EventType,
				"status", tx.Status,
				"error", err,
			)
			continue
		}
		rep.Forced++
	}

	if rep.Found > 0 {
		slog.InfoContext(ctx, "scheduler: timeout sweep done", "found", rep.Found, "forced", rep.Forced, "failed", rep.Failed)
	}
	return rep, nil
}

func (s *Scheduler) forceTimeout(ctx context.Context, sagaID string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return s.comp.ForceTimeout(ctx, sagaID)
}

// StuckSaga is a non-terminal saga that has not moved for too long.
type StuckSaga struct {
	SagaID    string
	SagaType  string
	Status    sagalog.Status
	Step      string
	UpdatedAt time.Time
}

// HealthReport summarizes one health sweep.
type HealthReport struct {
	Counts             map[sagalog.Status]int
	Active             int
	CompensationFailed int
	Stuck              []StuckSaga
}

// SweepHealth reads saga statistics and publishes them as gauges. It never
// changes a saga.
func (s *Scheduler) SweepHealth(ctx context.Context) (HealthReport, error) {
	rep := HealthReport{}

	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return rep, fmt.Errorf("scheduler: count sagas: %w", err)
	}
	rep.Counts = counts
	for status, n := range counts {
		metrics.SagasByStatus.WithLabelValues(string(status)).Set(float64(n))
		if !status.Terminal() {
			rep.Active += n
		}
	}
	rep.CompensationFailed = counts[sagalog.StatusCompensationFailed]
	metrics.ActiveSagas.Set(float64(rep.Active))

	cutoff := s.now().UTC().Add(-time.Duration(s.stuckAfter.Load()))
	stuck, err := s.repo.FindStuck(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return rep, fmt.Errorf("scheduler: find stuck sagas: %w", err)
	}
	for _, tx := range stuck {
		rep.Stuck = append(rep.Stuck, StuckSaga{
			SagaID:    tx.SagaID,
			SagaType:  tx.EventType,
			Status:    tx.Status,
			Step:      tx.CurrentStep,
			UpdatedAt: tx.UpdatedAt,
		})
		slog.WarnContext(ctx, "scheduler: saga stuck",
			"saga_id", tx.SagaID,
			"saga_type", tx.EventType,
			"status", tx.Status,
			"step", tx.CurrentStep,
			"updated_at", tx.UpdatedAt,
		)
	}
	metrics.StuckSagas.Set(float64(len(stuck)))

	if rep.CompensationFailed > 0 {
		slog.ErrorContext(ctx, "scheduler: sagas need manual cleanup",
			"status", sagalog.StatusCompensationFailed,
			"count", rep.CompensationFailed,
		)
	}
	return rep, nil
}
