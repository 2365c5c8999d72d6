// Package ratelimit enforces hourly and daily sending quotas, globally and
// per campaign. Counters are kept in memory and flushed to bbolt.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/drip/internal/mailer"
	"github.com/foxzi/drip/internal/metrics"
)

var bucketRateLimits = []byte("rate_limits")

// Level represents the level of rate limiting
type Level string

const (
	LevelGlobal   Level = "global"
	LevelCampaign Level = "campaign"
)

// Config contains rate limit configuration
type Config struct {
	// Global limits all sends together
	Global *LimitConfig

	// DefaultCampaign applies to campaigns without their own limits
	DefaultCampaign *LimitConfig

	// Campaigns holds limits by campaign slug
	Campaigns map[string]*LimitConfig

	FlushInterval time.Duration
}

// LimitConfig contains rate limit values. Zero means unlimited.
type LimitConfig struct {
	MessagesPerHour int `yaml:"messages_per_hour" json:"messages_per_hour"`
	MessagesPerDay  int `yaml:"messages_per_day" json:"messages_per_day"`
}

// Counter tracks rate limit counters
type Counter struct {
	HourlyCount int       `json:"hourly_count"`
	DailyCount  int       `json:"daily_count"`
	HourStart   time.Time `json:"hour_start"`
	DayStart    time.Time `json:"day_start"`
}

// Limiter implements rate limiting with multiple levels
type Limiter struct {
	db       *bolt.DB
	config   *Config
	counters map[string]*Counter // key -> counter
	mu       sync.Mutex
	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewLimiter creates a new rate limiter
func NewLimiter(db *bolt.DB, cfg *Config) (*Limiter, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRateLimits)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limits bucket: %w", err)
	}

	l := &Limiter{
		db:       db,
		config:   cfg,
		counters: make(map[string]*Counter),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}

	if err := l.loadCounters(); err != nil {
		return nil, fmt.Errorf("failed to load counters: %w", err)
	}

	l.wg.Add(1)
	go l.persistLoop()

	return l, nil
}

// LimitError is returned when a send would exceed a quota. It is temporary:
// the send may succeed after RetryAfter.
type LimitError struct {
	Level      Level
	Key        string
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s rate limit exceeded for %s, retry in %s", e.Level, e.Key, e.RetryAfter.Round(time.Second))
}

// Result contains the rate limit check result
type Result struct {
	Allowed    bool
	DeniedBy   Level
	DeniedKey  string
	RetryAfter time.Duration
}

// Err returns the result as a *LimitError, or nil when allowed
func (r *Result) Err() error {
	if r.Allowed {
		return nil
	}
	return &LimitError{Level: r.DeniedBy, Key: r.DeniedKey, RetryAfter: r.RetryAfter}
}

// Allow checks if a send for campaign is allowed and counts it
func (l *Limiter) Allow(ctx context.Context, campaign string) (*Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	checks := l.getChecks(campaign)

	for _, check := range checks {
		counter := l.getOrCreateCounter(check.key, now)
		resetExpiredCounters(counter, now)

		if res := check.exceeded(counter, now); res != nil {
			return res, nil
		}
	}

	for _, check := range checks {
		counter := l.counters[check.key]
		counter.HourlyCount++
		counter.DailyCount++
	}

	return &Result{Allowed: true}, nil
}

// Interceptor returns a dispatcher interceptor that denies sends over quota
func (l *Limiter) Interceptor() mailer.Interceptor {
	return func(ctx context.Context, msg *mailer.Message) error {
		var campaign string
		if m := msg.Mailing(); m != nil {
			campaign = m.Campaign
		}

		res, err := l.Allow(ctx, campaign)
		if err != nil {
			return err
		}
		if !res.Allowed {
			metrics.IncRateLimited(string(res.DeniedBy))
		}
		return res.Err()
	}
}

// Stats contains rate limit statistics
type Stats struct {
	Level       Level
	Key         string
	HourlyCount int
	DailyCount  int
	HourStart   time.Time
	DayStart    time.Time
}

// GetStats returns current rate limit statistics
func (l *Limiter) GetStats(level Level, key string) *Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := &Stats{Level: level, Key: key}

	counter, exists := l.counters[makeKey(level, key)]
	if !exists {
		return stats
	}

	now := l.now()
	stats.HourStart = counter.HourStart
	stats.DayStart = counter.DayStart
	if now.Sub(counter.HourStart) < time.Hour {
		stats.HourlyCount = counter.HourlyCount
	}
	if now.Sub(counter.DayStart) < 24*time.Hour {
		stats.DailyCount = counter.DailyCount
	}

	return stats
}

// Stop stops the rate limiter and persists counters
func (l *Limiter) Stop() error {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
	return l.persistCounters()
}

type limitCheck struct {
	level Level
	key   string
	limit *LimitConfig
}

func (c limitCheck) exceeded(counter *Counter, now time.Time) *Result {
	deny := func(retryAfter time.Duration) *Result {
		return &Result{
			DeniedBy:   c.level,
			DeniedKey:  c.key,
			RetryAfter: retryAfter,
		}
	}

	if c.limit.MessagesPerHour > 0 && counter.HourlyCount >= c.limit.MessagesPerHour {
		return deny(counter.HourStart.Add(time.Hour).Sub(now))
	}
	if c.limit.MessagesPerDay > 0 && counter.DailyCount >= c.limit.MessagesPerDay {
		return deny(counter.DayStart.Add(24 * time.Hour).Sub(now))
	}
	return nil
}

func (l *Limiter) getChecks(campaign string) []limitCheck {
	var checks []limitCheck

	if l.config.Global != nil {
		checks = append(checks, limitCheck{
			level: LevelGlobal,
			key:   makeKey(LevelGlobal, "global"),
			limit: l.config.Global,
		})
	}

	if campaign == "" {
		return checks
	}

	limit := l.config.Campaigns[campaign]
	if limit == nil {
		limit = l.config.DefaultCampaign
	}
	if limit != nil {
		checks = append(checks, limitCheck{
			level: LevelCampaign,
			key:   makeKey(LevelCampaign, campaign),
			limit: limit,
		})
	}

	return checks
}

func (l *Limiter) getOrCreateCounter(key string, now time.Time) *Counter {
	counter, exists := l.counters[key]
	if !exists {
		counter = &Counter{
			HourStart: now,
			DayStart:  now,
		}
		l.counters[key] = counter
	}
	return counter
}

func resetExpiredCounters(counter *Counter, now time.Time) {
	if now.Sub(counter.HourStart) >= time.Hour {
		counter.HourlyCount = 0
		counter.HourStart = now
	}
	if now.Sub(counter.DayStart) >= 24*time.Hour {
		counter.DailyCount = 0
		counter.DayStart = now
	}
}

func (l *Limiter) loadCounters() error {
	return l.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRateLimits)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			var counter Counter
			if err := json.Unmarshal(v, &counter); err != nil {
				return nil // Skip invalid entries
			}
			l.counters[string(k)] = &counter
			return nil
		})
	})
}

func (l *Limiter) persistCounters() error {
	l.mu.Lock()
	snapshot := make(map[string][]byte, len(l.counters))
	for key, counter := range l.counters {
		data, err := json.Marshal(counter)
		if err != nil {
			continue
		}
		snapshot[key] = data
	}
	l.mu.Unlock()

	return l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRateLimits)
		if bucket == nil {
			return nil
		}

		for key, data := range snapshot {
			if err := bucket.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Limiter) persistLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			_ = l.persistCounters()
		}
	}
}

func makeKey(level Level, key string) string {
	return string(level) + ":" + key
}
