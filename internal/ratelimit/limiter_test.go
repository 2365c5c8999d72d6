package ratelimit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/drip/internal/mailer"
	"github.com/foxzi/drip/internal/model"
)

func setupTestDB(t *testing.T) *bolt.DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return db
}

func newTestLimiter(t *testing.T, db *bolt.DB, cfg *Config) *Limiter {
	t.Helper()

	limiter, err := NewLimiter(db, cfg)
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	t.Cleanup(func() { limiter.Stop() })
	return limiter
}

func allowN(t *testing.T, l *Limiter, campaign string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		res, err := l.Allow(context.Background(), campaign)
		if err != nil {
			t.Fatalf("Allow() error = %v", err)
		}
		if !res.Allowed {
			t.Fatalf("send %d for %q denied by %s", i+1, campaign, res.DeniedBy)
		}
	}
}

func TestNewLimiterDefaultConfig(t *testing.T) {
	limiter := newTestLimiter(t, setupTestDB(t), nil)

	if limiter.config.FlushInterval != 10*time.Second {
		t.Errorf("FlushInterval = %v, want 10s", limiter.config.FlushInterval)
	}

	// No limits configured
	allowN(t, limiter, "onboarding", 100)
}

func TestAllowCampaignHourlyLimit(t *testing.T) {
	limiter := newTestLimiter(t, setupTestDB(t), &Config{
		Campaigns: map[string]*LimitConfig{
			"onboarding": {MessagesPerHour: 3},
		},
	})

	allowN(t, limiter, "onboarding", 3)

	res, err := limiter.Allow(context.Background(), "onboarding")
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if res.Allowed {
		t.Fatal("4th send should be denied")
	}
	if res.DeniedBy != LevelCampaign || res.DeniedKey != "campaign:onboarding" {
		t.Errorf("denied by %s/%s, want campaign:onboarding", res.DeniedBy, res.DeniedKey)
	}
	if res.RetryAfter <= 0 || res.RetryAfter > time.Hour {
		t.Errorf("RetryAfter = %v, want within the hour", res.RetryAfter)
	}

	// Other campaigns have no limit
	allowN(t, limiter, "digest", 10)
}

func TestAllowDefaultCampaignLimit(t *testing.T) {
	limiter := newTestLimiter(t, setupTestDB(t), &Config{
		DefaultCampaign: &LimitConfig{MessagesPerDay: 2},
		Campaigns: map[string]*LimitConfig{
			"vip": {MessagesPerDay: 5},
		},
	})

	allowN(t, limiter, "onboarding", 2)
	allowN(t, limiter, "digest", 2)
	allowN(t, limiter, "vip", 5)

	for _, campaign := range []string{"onboarding", "digest", "vip"} {
		res, _ := limiter.Allow(context.Background(), campaign)
		if res.Allowed {
			t.Errorf("%s should be over its daily limit", campaign)
		}
	}
}

func TestAllowGlobalLimitIsShared(t *testing.T) {
	limiter := newTestLimiter(t, setupTestDB(t), &Config{
		Global: &LimitConfig{MessagesPerHour: 4},
	})

	allowN(t, limiter, "onboarding", 2)
	allowN(t, limiter, "digest", 2)

	res, _ := limiter.Allow(context.Background(), "reengage")
	if res.Allowed || res.DeniedBy != LevelGlobal {
		t.Errorf("result = %+v, want denied by global", res)
	}

	stats := limiter.GetStats(LevelGlobal, "global")
	if stats.HourlyCount != 4 {
		t.Errorf("global HourlyCount = %d, want 4", stats.HourlyCount)
	}
}

func TestDeniedSendIsNotCounted(t *testing.T) {
	limiter := newTestLimiter(t, setupTestDB(t), &Config{
		Global: &LimitConfig{MessagesPerHour: 10},
		Campaigns: map[string]*LimitConfig{
			"onboarding": {MessagesPerHour: 1},
		},
	})

	allowN(t, limiter, "onboarding", 1)
	for i := 0; i < 3; i++ {
		limiter.Allow(context.Background(), "onboarding")
	}

	if got := limiter.GetStats(LevelGlobal, "global").HourlyCount; got != 1 {
		t.Errorf("global HourlyCount = %d, want 1", got)
	}
}

func TestWindowReset(t *testing.T) {
	limiter := newTestLimiter(t, setupTestDB(t), &Config{
		DefaultCampaign: &LimitConfig{MessagesPerHour: 1, MessagesPerDay: 2},
	})

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	allowN(t, limiter, "onboarding", 1)
	if res, _ := limiter.Allow(context.Background(), "onboarding"); res.Allowed {
		t.Fatal("second send in the hour should be denied")
	}

	now = now.Add(time.Hour)
	allowN(t, limiter, "onboarding", 1)

	now = now.Add(time.Hour)
	res, _ := limiter.Allow(context.Background(), "onboarding")
	if res.Allowed {
		t.Fatal("third send in the day should be denied")
	}
	if res.RetryAfter != 22*time.Hour {
		t.Errorf("RetryAfter = %v, want 22h", res.RetryAfter)
	}

	now = now.Add(22 * time.Hour)
	allowN(t, limiter, "onboarding", 1)
}

func TestCountersPersist(t *testing.T) {
	db := setupTestDB(t)
	cfg := &Config{
		Campaigns: map[string]*LimitConfig{
			"onboarding": {MessagesPerHour: 3},
		},
	}

	first, err := NewLimiter(db, cfg)
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	allowN(t, first, "onboarding", 2)
	if err := first.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	second := newTestLimiter(t, db, cfg)
	if got := second.GetStats(LevelCampaign, "onboarding").HourlyCount; got != 2 {
		t.Errorf("restored HourlyCount = %d, want 2", got)
	}

	allowN(t, second, "onboarding", 1)
	if res, _ := second.Allow(context.Background(), "onboarding"); res.Allowed {
		t.Error("restored counters should still enforce the limit")
	}
}

func TestInterceptor(t *testing.T) {
	limiter := newTestLimiter(t, setupTestDB(t), &Config{
		Campaigns: map[string]*LimitConfig{
			"onboarding": {MessagesPerHour: 1},
		},
	})
	intercept := limiter.Interceptor()

	msg := &mailer.Message{To: []string{"ada@example.org"}, Subject: "Welcome"}
	msg.SetMailing(&model.Mailing{ID: "m-1", Campaign: "onboarding"})

	if err := intercept(context.Background(), msg); err != nil {
		t.Fatalf("first send error = %v", err)
	}

	err := intercept(context.Background(), msg)
	var limitErr *LimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("second send error = %v, want *LimitError", err)
	}
	if limitErr.Level != LevelCampaign {
		t.Errorf("Level = %s, want campaign", limitErr.Level)
	}
	if !mailer.IsTemporaryError(err) {
		t.Error("rate limit errors should be temporary")
	}

	// Messages without a mailing only count against the global limit
	bare := &mailer.Message{To: []string{"ada@example.org"}}
	if err := intercept(context.Background(), bare); err != nil {
		t.Errorf("bare message error = %v", err)
	}
}
