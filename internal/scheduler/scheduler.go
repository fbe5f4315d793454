// Package scheduler runs the two periodic sweeps of the saga core: the
// timeout sweep, which forces overdue sagas into compensation, and the health
// sweep, which reports stuck sagas and per-status counts without touching
// them. Each sweep runs on its own goroutine, so a sweep never overlaps with
// itself.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jcmexdev/identity-sagas/internal/coordinator/sagalog"
	"github.com/jcmexdev/identity-sagas/internal/pkg/metrics"
)

// Compensator is the part of the orchestrator the timeout sweep drives.
type Compensator interface {
	ForceTimeout(ctx context.Context, sagaID string) error
}

type Config struct {
	TimeoutInterval time.Duration
	HealthInterval  time.Duration

	// StuckAfter is how long a non-terminal saga may go without an update
	// before the health sweep reports it.
	StuckAfter time.Duration

	// BatchSize caps the sagas handled per sweep.
	BatchSize int
}

// DefaultConfig sweeps timeouts every 30s and health every 5m.
var DefaultConfig = Config{
	TimeoutInterval: 30 * time.Second,
	HealthInterval:  5 * time.Minute,
	StuckAfter:      10 * time.Minute,
	BatchSize:       100,
}

// Scheduler owns the sweep loops. Start and Stop may each be called once.
type Scheduler struct {
	repo sagalog.Repository
	comp Compensator
	cfg  Config

	stuckAfter atomic.Int64
	now        func() time.Time

	lastTimeout atomic.Int64
	lastHealth  atomic.Int64
	running     atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(repo sagalog.Repository, comp Compensator, cfg Config) *Scheduler {
	if cfg.TimeoutInterval <= 0 {
		cfg.TimeoutInterval = DefaultConfig.TimeoutInterval
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultConfig.HealthInterval
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = DefaultConfig.StuckAfter
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig.BatchSize
	}
	s := &Scheduler{repo: repo, comp: comp, cfg: cfg, now: time.Now}
	s.stuckAfter.Store(int64(cfg.StuckAfter))
	return s
}

// SetStuckAfter changes the stuck threshold of subsequent health sweeps.
func (s *Scheduler) SetStuckAfter(d time.Duration) {
	if d > 0 {
		s.stuckAfter.Store(int64(d))
	}
}

// Start launches both loops. Each sweep runs once immediately so sagas left
// in flight by a previous process are picked up without waiting an interval.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)

	now := s.now().UnixNano()
	s.lastTimeout.Store(now)
	s.lastHealth.Store(now)

	s.wg.Add(2)
	go s.loop(ctx, "timeout", s.cfg.TimeoutInterval, &s.lastTimeout, func(ctx context.Context) error {
		_, err := s.SweepTimeouts(ctx)
		return err
	})
	go s.loop(ctx, "health", s.cfg.HealthInterval, &s.lastHealth, func(ctx context.Context) error {
		_, err := s.SweepHealth(ctx)
		return err
	})
	slog.InfoContext(ctx, "scheduler: started",
		"timeout_interval", s.cfg.TimeoutInterval,
		"health_interval", s.cfg.HealthInterval,
	)
}

// Stop cancels both loops and waits for a running sweep to return.
func (s *Scheduler) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.cancel()
	s.wg.Wait()
	slog.Info("scheduler: stopped")
}

// Healthy is true while the loops run and each finished a sweep within the
// last three of its intervals.
func (s *Scheduler) Healthy() bool {
	if !s.running.Load() {
		return false
	}
	now := s.now()
	fresh := func(last *atomic.Int64, every time.Duration) bool {
		return now.Sub(time.Unix(0, last.Load())) <= 3*every
	}
	return fresh(&s.lastTimeout, s.cfg.TimeoutInterval) && fresh(&s.lastHealth, s.cfg.HealthInterval)
}

func (s *Scheduler) loop(ctx context.Context, name string, every time.Duration, last *atomic.Int64, sweep func(context.Context) error) {
	defer s.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		s.runOnce(ctx, name, last, sweep)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, name string, last *atomic.Int64, sweep func(context.Context) error) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			metrics.SweepErrors.WithLabelValues(name).Inc()
			slog.ErrorContext(ctx, "scheduler: sweep panicked", "sweep", name, "panic", p)
		}
		metrics.SweepDuration.WithLabelValues(name).Observe(float64(time.Since(start).Milliseconds()))
		last.Store(s.now().UnixNano())
	}()

	if err := sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
		metrics.SweepErrors.WithLabelValues(name).Inc()
		slog.ErrorContext(ctx, "scheduler: sweep failed", "sweep", name, "error", err)
	}
}
