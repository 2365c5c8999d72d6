// Package sweep periodically processes the due mailings of every campaign.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/foxzi/drip/internal/lock"
	"github.com/foxzi/drip/internal/metrics"
)

// DefaultSchedule runs a sweep every minute
const DefaultSchedule = "@every 1m"

// Campaign is one unit of a sweep
type Campaign interface {
	Slug() string
	Process(ctx context.Context) (int, error)
}

// Source lists the campaigns to sweep
type Source func() []Campaign

// Config contains sweeper settings
type Config struct {
	// Schedule is a cron expression or descriptor such as "@every 30s"
	Schedule string
	// Timeout bounds one campaign's processing. Zero means no limit.
	Timeout time.Duration
}

// Result is the outcome of sweeping one campaign
type Result struct {
	Campaign  string
	Processed int
	Locked    bool
	Err       error
}

// Sweeper runs sweeps on a cron schedule. Campaigns are processed
// concurrently and in isolation: one campaign's error never stops another.
type Sweeper struct {
	source   Source
	locks    lock.Provider
	schedule cron.Schedule
	interval string
	timeout  time.Duration
	logger   *slog.Logger

	cron *cron.Cron
}

// New creates a sweeper. The schedule is validated here.
func New(source Source, locks lock.Provider, cfg Config, logger *slog.Logger) (*Sweeper, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	schedule, err := cron.ParseStandard(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", cfg.Schedule, err)
	}
	if locks == nil {
		locks = lock.NewLocalProvider()
	}

	logger = logger.With("component", "sweep")
	return &Sweeper{
		source:   source,
		locks:    locks,
		schedule: schedule,
		interval: cfg.Schedule,
		timeout:  cfg.Timeout,
		logger:   logger,
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger{logger}),
			cron.SkipIfStillRunning(cronLogger{logger}),
		)),
	}, nil
}

// Start schedules sweeps until ctx is done or Stop is called
func (s *Sweeper) Start(ctx context.Context) {
	s.cron.Schedule(s.schedule, cron.FuncJob(func() {
		s.Sweep(ctx)
	}))
	s.cron.Start()
	s.logger.Info("sweeper started", "schedule", s.interval)
}

// Stop stops scheduling and waits for a running sweep to finish
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("sweeper stopped")
}

// Sweep processes every campaign once
func (s *Sweeper) Sweep(ctx context.Context) []Result {
	campaigns := s.source()
	results := make([]Result, len(campaigns))

	var wg sync.WaitGroup
	for i, c := range campaigns {
		wg.Add(1)
		go func(i int, c Campaign) {
			defer wg.Done()
			results[i] = s.sweepCampaign(ctx, c)
		}(i, c)
	}
	wg.Wait()

	processed := 0
	for _, r := range results {
		processed += r.Processed
	}
	if processed > 0 {
		s.logger.Info("sweep finished", "campaigns", len(campaigns), "processed", processed)
	}
	return results
}

func (s *Sweeper) sweepCampaign(ctx context.Context, c Campaign) Result {
	res := Result{Campaign: c.Slug()}
	logger := s.logger.With("campaign", res.Campaign)

	l := s.locks.New("sweep:" + res.Campaign)
	ok, err := l.Acquire(ctx)
	if err != nil {
		res.Err = err
		metrics.IncSweepErrors(res.Campaign)
		logger.Error("failed to acquire sweep lock", "error", err)
		return res
	}
	if !ok {
		res.Locked = true
		metrics.IncSweepSkipped(res.Campaign)
		logger.Debug("campaign is being swept elsewhere")
		return res
	}
	defer func() {
		if err := l.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("failed to release sweep lock", "error", err)
		}
	}()

	if r, ok := l.(lock.Renewer); ok {
		stop := renew(ctx, r, logger)
		defer stop()
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	res.Processed, res.Err = c.Process(ctx)
	if res.Err != nil {
		metrics.IncSweepErrors(res.Campaign)
		logger.Error("campaign sweep failed", "processed", res.Processed, "error", res.Err)
	}
	return res
}

// renew extends r every half TTL until the returned stop func is called,
// so a campaign that takes longer than the TTL keeps its lock
func renew(ctx context.Context, r lock.Renewer, logger *slog.Logger) (stop func()) {
	ttl := r.TTL()
	done := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()

		ticker := time.NewTicker(ttl / 2)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				held, err := r.Extend(ctx, ttl)
				if err != nil {
					logger.Warn("failed to extend sweep lock", "error", err)
					continue
				}
				if !held {
					logger.Warn("sweep lock lost before the campaign finished")
					return
				}
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}

// cronLogger adapts slog to the cron job wrappers
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
