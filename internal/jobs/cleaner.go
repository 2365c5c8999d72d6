package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CleanerConfig contains dead letter retention settings
type CleanerConfig struct {
	MaxAge   time.Duration
	MaxCount int
	Interval time.Duration
}

// Cleaner prunes the dead letter queue
type Cleaner struct {
	queue  *BoltQueue
	cfg    CleanerConfig
	logger *slog.Logger
	wg     sync.WaitGroup
	done   chan struct{}
}

// NewCleaner creates a new cleaner service
func NewCleaner(q *BoltQueue, cfg CleanerConfig, logger *slog.Logger) *Cleaner {
	return &Cleaner{
		queue:  q,
		cfg:    cfg,
		logger: logger.With("component", "jobs_cleaner"),
		done:   make(chan struct{}),
	}
}

// Start starts the cleanup loop. It does nothing without a retention rule.
func (c *Cleaner) Start(ctx context.Context) {
	if (c.cfg.MaxAge <= 0 && c.cfg.MaxCount <= 0) || c.cfg.Interval <= 0 {
		return
	}

	c.wg.Add(1)
	go c.loop(ctx)

	c.logger.Info("cleaner started",
		"max_age", c.cfg.MaxAge,
		"max_count", c.cfg.MaxCount,
		"interval", c.cfg.Interval,
	)
}

// Stop stops the cleaner and waits for its loop to finish
func (c *Cleaner) Stop() {
	close(c.done)
	c.wg.Wait()
}

func (c *Cleaner) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	// Run cleanup immediately on start
	c.run(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.run(ctx)
		}
	}
}

func (c *Cleaner) run(ctx context.Context) {
	deleted, err := c.queue.CleanupDead(ctx, c.cfg.MaxAge, c.cfg.MaxCount)
	if err != nil {
		c.logger.Error("failed to cleanup dead jobs", "error", err)
		return
	}

	if deleted > 0 {
		c.logger.Info("cleaned up dead jobs", "deleted", deleted)
	}
}
