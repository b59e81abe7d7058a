// Package retention runs the periodic cleanup jobs: visit retention, stale
// presence expiry and rate-limiter cache GC. Each job runs as a suture
// service under one supervisor.
package retention

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"visitstats/internal/metrics"
)

// SweepFunc performs one cleanup pass and returns how many items it removed.
type SweepFunc func(ctx context.Context) (int64, error)

// Task is one periodically scheduled sweep.
type Task struct {
	Name       string
	Interval   time.Duration
	RunAtStart bool
	// Timeout bounds a single pass. Zero means 30 seconds.
	Timeout time.Duration
	Sweep   SweepFunc
}

func (t *Task) String() string { return t.Name }

// RunOnce executes a single pass. Errors are logged and counted, then
// returned for callers that want them.
func (t *Task) RunOnce(ctx context.Context) (int64, error) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	n, err := t.Sweep(ctx)
	if err != nil {
		metrics.CountSweepError(t.Name)
		slog.Error("sweep failed", "task", t.Name, "err", err)
		return n, err
	}
	metrics.CountSwept(t.Name, n)
	if n > 0 {
		slog.Info("sweep completed", "task", t.Name, "removed", n)
	} else {
		slog.Debug("sweep completed", "task", t.Name, "removed", n)
	}
	return n, nil
}

// Serve implements suture.Service. Sweep errors never stop the loop.
func (t *Task) Serve(ctx context.Context) error {
	if t.RunAtStart {
		t.RunOnce(ctx)
	}
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.RunOnce(ctx)
		}
	}
}

// VisitPruner deletes visits older than a retention period.
type VisitPruner interface {
	CleanupOldVisits(ctx context.Context, daysToKeep int) (int64, error)
}

// SessionExpirer deletes presence sessions past their expiry window.
type SessionExpirer interface {
	ExpireStale(ctx context.Context) (int64, error)
}

// CacheSweeper drops expired in-memory entries.
type CacheSweeper interface {
	Sweep() int
}

func VisitRetention(p VisitPruner, daysToKeep int, interval time.Duration) *Task {
	return &Task{
		Name:       "visit-retention",
		Interval:   interval,
		RunAtStart: true,
		Sweep: func(ctx context.Context) (int64, error) {
			return p.CleanupOldVisits(ctx, daysToKeep)
		},
	}
}

func SessionExpiry(e SessionExpirer, interval time.Duration) *Task {
	return &Task{
		Name:       "session-expiry",
		Interval:   interval,
		RunAtStart: true,
		Sweep:      e.ExpireStale,
	}
}

func RateLimitGC(c CacheSweeper, interval time.Duration) *Task {
	return &Task{
		Name:     "ratelimit-gc",
		Interval: interval,
		Sweep: func(context.Context) (int64, error) {
			return int64(c.Sweep()), nil
		},
	}
}

// Sweeper supervises a set of tasks with an explicit start/stop lifecycle.
type Sweeper struct {
	sup    *suture.Supervisor
	cancel context.CancelFunc
	done   <-chan error
}

func NewSweeper(logger *slog.Logger, tasks ...*Task) *Sweeper {
	hook := (&sutureslog.Handler{Logger: logger}).MustHook()
	sup := suture.New("retention", suture.Spec{
		EventHook: hook,
		Timeout:   10 * time.Second,
	})
	for _, t := range tasks {
		sup.Add(t)
	}
	return &Sweeper{sup: sup}
}

// Start runs all tasks in the background until Stop or ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = s.sup.ServeBackground(ctx)
}

// Stop cancels every task and waits for the supervisor to exit.
func (s *Sweeper) Stop() error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	err := <-s.done
	s.cancel = nil
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
