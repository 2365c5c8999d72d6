package sweep

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/foxzi/drip/internal/lock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeCampaign struct {
	slug  string
	n     int
	err   error
	calls atomic.Int32
	block chan struct{}
}

func (c *fakeCampaign) Slug() string { return c.slug }

func (c *fakeCampaign) Process(ctx context.Context) (int, error) {
	c.calls.Add(1)
	if c.block != nil {
		<-c.block
	}
	return c.n, c.err
}

func sourceOf(cs ...*fakeCampaign) Source {
	return func() []Campaign {
		out := make([]Campaign, len(cs))
		for i, c := range cs {
			out[i] = c
		}
		return out
	}
}

func TestNewInvalidSchedule(t *testing.T) {
	if _, err := New(sourceOf(), nil, Config{Schedule: "not a schedule"}, testLogger()); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestNewDefaultSchedule(t *testing.T) {
	s, err := New(sourceOf(), nil, Config{}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.interval != DefaultSchedule {
		t.Errorf("interval = %q, want %q", s.interval, DefaultSchedule)
	}
}

func TestSweepIsolatesFailures(t *testing.T) {
	ok := &fakeCampaign{slug: "onboarding", n: 3}
	bad := &fakeCampaign{slug: "billing", n: 1, err: errors.New("store down")}

	s, err := New(sourceOf(ok, bad), lock.NewLocalProvider(), Config{}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	results := s.Sweep(context.Background())
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}

	if results[0].Campaign != "onboarding" || results[0].Processed != 3 || results[0].Err != nil {
		t.Errorf("onboarding result = %+v", results[0])
	}
	if results[1].Campaign != "billing" || results[1].Err == nil {
		t.Errorf("billing result = %+v, want error", results[1])
	}
	if ok.calls.Load() != 1 || bad.calls.Load() != 1 {
		t.Errorf("calls = %d/%d, want 1/1", ok.calls.Load(), bad.calls.Load())
	}
}

func TestSweepSkipsLockedCampaign(t *testing.T) {
	locks := lock.NewLocalProvider()
	c := &fakeCampaign{slug: "onboarding", n: 1}

	held := locks.New("sweep:onboarding")
	if ok, err := held.Acquire(context.Background()); err != nil || !ok {
		t.Fatalf("Acquire = %v, %v", ok, err)
	}

	s, err := New(sourceOf(c), locks, Config{}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	results := s.Sweep(context.Background())
	if !results[0].Locked {
		t.Error("expected campaign to be skipped while locked")
	}
	if c.calls.Load() != 0 {
		t.Errorf("Process called %d times while locked", c.calls.Load())
	}

	if err := held.Release(context.Background()); err != nil {
		t.Fatalf("Release: %v", err)
	}
	results = s.Sweep(context.Background())
	if results[0].Locked || results[0].Processed != 1 {
		t.Errorf("after release result = %+v", results[0])
	}
}

func TestSweeperRunsOnSchedule(t *testing.T) {
	c := &fakeCampaign{slug: "onboarding"}
	s, err := New(sourceOf(c), nil, Config{Schedule: "@every 1s"}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	deadline := time.Now().Add(5 * time.Second)
	for c.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	s.Stop()

	if c.calls.Load() == 0 {
		t.Error("scheduled sweep never ran")
	}
}

// renewingLock counts extensions of a short lived hold
type renewingLock struct {
	ttl      time.Duration
	extended atomic.Int32
	released atomic.Bool
}

func (l *renewingLock) Acquire(ctx context.Context) (bool, error) { return true, nil }

func (l *renewingLock) Release(ctx context.Context) error {
	l.released.Store(true)
	return nil
}

func (l *renewingLock) TTL() time.Duration { return l.ttl }

func (l *renewingLock) Extend(ctx context.Context, ttl time.Duration) (bool, error) {
	if l.released.Load() {
		return false, nil
	}
	l.extended.Add(1)
	return true, nil
}

type renewingProvider struct {
	l *renewingLock
}

func (p renewingProvider) New(key string) lock.Lock { return p.l }

func TestSweepRenewsLockDuringLongCampaign(t *testing.T) {
	l := &renewingLock{ttl: 20 * time.Millisecond}
	c := &fakeCampaign{slug: "onboarding", n: 1, block: make(chan struct{})}

	s, err := New(sourceOf(c), renewingProvider{l}, Config{}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		close(c.block)
	}()

	results := s.Sweep(context.Background())
	if results[0].Err != nil || results[0].Processed != 1 {
		t.Fatalf("result = %+v", results[0])
	}
	if l.extended.Load() == 0 {
		t.Error("lock was never extended while the campaign ran")
	}
	if !l.released.Load() {
		t.Error("lock not released after the sweep")
	}

	// Renewal stops with the campaign
	n := l.extended.Load()
	time.Sleep(50 * time.Millisecond)
	if got := l.extended.Load(); got != n {
		t.Errorf("extensions after sweep = %d, want %d", got, n)
	}
}
