package retention

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/thejerf/suture/v4"
)

type fakePruner struct {
	days  atomic.Int64
	calls atomic.Int64
}

func (p *fakePruner) CleanupOldVisits(_ context.Context, days int) (int64, error) {
	p.days.Store(int64(days))
	p.calls.Add(1)
	return 3, nil
}

type failingExpirer struct{ calls atomic.Int64 }

func (e *failingExpirer) ExpireStale(context.Context) (int64, error) {
	e.calls.Add(1)
	return 0, errors.New("database is locked")
}

type fakeCache struct{ swept atomic.Int64 }

func (c *fakeCache) Sweep() int {
	c.swept.Add(1)
	return 2
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTaskImplementsService(t *testing.T) {
	var _ suture.Service = (*Task)(nil)
}

func TestRunOnce_VisitRetention(t *testing.T) {
	p := &fakePruner{}
	task := VisitRetention(p, 30, time.Hour)

	n, err := task.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("removed = %d, want 3", n)
	}
	if p.days.Load() != 30 {
		t.Errorf("days = %d, want 30", p.days.Load())
	}
}

func TestRunOnce_ErrorIsReturnedNotFatal(t *testing.T) {
	e := &failingExpirer{}
	task := SessionExpiry(e, time.Minute)
	if _, err := task.RunOnce(context.Background()); err == nil {
		t.Error("expected sweep error")
	}
}

func TestRunOnce_RateLimitGC(t *testing.T) {
	c := &fakeCache{}
	n, err := RateLimitGC(c, time.Hour).RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || c.swept.Load() != 1 {
		t.Errorf("removed = %d, sweeps = %d", n, c.swept.Load())
	}
}

func TestServe_RunsAtStartAndOnTicks(t *testing.T) {
	p := &fakePruner{}
	task := VisitRetention(p, 30, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- task.Serve(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for p.calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Serve returned %v", err)
	}
	if p.calls.Load() < 3 {
		t.Errorf("calls = %d, want at least 3", p.calls.Load())
	}
}

func TestServe_SkipsStartWhenNotRequested(t *testing.T) {
	c := &fakeCache{}
	task := RateLimitGC(c, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	task.Serve(ctx)
	if c.swept.Load() != 0 {
		t.Errorf("swept = %d, want 0 before the first tick", c.swept.Load())
	}
}

func TestSweeper_StartStop(t *testing.T) {
	p := &fakePruner{}
	e := &failingExpirer{}
	s := NewSweeper(discardLogger(),
		VisitRetention(p, 30, time.Hour),
		SessionExpiry(e, 20*time.Millisecond),
	)
	s.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for (p.calls.Load() < 1 || e.calls.Load() < 2) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("Stop = %v", err)
	}
	if p.calls.Load() != 1 {
		t.Errorf("retention calls = %d, want 1", p.calls.Load())
	}
	if e.calls.Load() < 2 {
		t.Errorf("expiry calls = %d, want failing sweeps to keep running", e.calls.Load())
	}

	if err := s.Stop(); err != nil {
		t.Errorf("second Stop = %v", err)
	}
}
