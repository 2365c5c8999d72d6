package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/drip/internal/metrics"
)

// Performer runs the delivery of one mailing
type Performer interface {
	Perform(ctx context.Context, mailingID string) error
}

// ErrorChecker reports whether a failed job may be retried
type ErrorChecker func(err error) bool

// ProcessorConfig contains processor configuration
type ProcessorConfig struct {
	Workers         int
	RetryInterval   time.Duration
	MaxRetries      int
	ProcessInterval time.Duration
	JobTimeout      time.Duration
}

// Processor runs queued delivery jobs with a pool of workers
type Processor struct {
	queue           *BoltQueue
	performer       Performer
	workers         int
	retryInterval   time.Duration
	maxRetries      int
	processInterval time.Duration
	jobTimeout      time.Duration
	isTemporary     ErrorChecker
	logger          *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewProcessor creates a new job processor
func NewProcessor(q *BoltQueue, performer Performer, cfg ProcessorConfig, isTemp ErrorChecker, logger *slog.Logger) *Processor {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.ProcessInterval <= 0 {
		cfg.ProcessInterval = time.Second
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 2 * time.Minute
	}
	if isTemp == nil {
		isTemp = func(err error) bool { return true }
	}

	return &Processor{
		queue:           q,
		performer:       performer,
		workers:         cfg.Workers,
		retryInterval:   cfg.RetryInterval,
		maxRetries:      cfg.MaxRetries,
		processInterval: cfg.ProcessInterval,
		jobTimeout:      cfg.JobTimeout,
		isTemporary:     isTemp,
		logger:          logger.With("component", "jobs"),
		stopCh:          make(chan struct{}),
	}
}

// Start recovers jobs interrupted by a previous run and starts the workers
func (p *Processor) Start(ctx context.Context) {
	if n, err := p.queue.Recover(ctx); err != nil {
		p.logger.Error("failed to recover running jobs", "error", err)
	} else if n > 0 {
		p.logger.Info("recovered interrupted jobs", "count", n)
	}

	p.logger.Info("starting job processor", "workers", p.workers)

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop stops the processor gracefully
func (p *Processor) Stop() {
	p.logger.Info("stopping job processor")
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	p.logger.Info("job processor stopped")
}

// worker is the main processing loop
func (p *Processor) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	logger := p.logger.With("worker_id", id)
	logger.Debug("worker started")

	ticker := time.NewTicker(p.processInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("worker stopped by context")
			return
		case <-p.stopCh:
			logger.Debug("worker stopped by signal")
			return
		case <-ticker.C:
			// Drain due jobs before waiting for the next tick
			for p.processOne(ctx, logger) {
				select {
				case <-p.stopCh:
					return
				default:
				}
			}
		}
	}
}

// processOne runs a single job and reports whether one was found
func (p *Processor) processOne(ctx context.Context, logger *slog.Logger) bool {
	job, err := p.queue.Dequeue(ctx)
	if err != nil {
		logger.Error("failed to dequeue job", "error", err)
		return false
	}
	if job == nil {
		return false
	}

	logger = logger.With("mailing_id", job.MailingID, "attempt", job.Attempts)
	logger.Debug("running delivery job")

	jobCtx, cancel := context.WithTimeout(ctx, p.jobTimeout)
	err = p.performer.Perform(jobCtx, job.MailingID)
	cancel()

	if err == nil {
		if err := p.queue.Complete(ctx, job.MailingID); err != nil {
			logger.Error("failed to complete job", "error", err)
		}
		metrics.IncJobs("succeeded")
		logger.Debug("delivery job done")
		return true
	}

	logger.Warn("delivery job failed", "error", err)

	if p.isTemporary(err) && job.Attempts < p.maxRetries {
		backoff := p.calculateBackoff(job.Attempts)
		runAt := time.Now().Add(backoff)
		if err := p.queue.Defer(ctx, job.MailingID, runAt, err.Error()); err != nil {
			logger.Error("failed to defer job", "error", err)
		}
		metrics.IncJobs("deferred")
		logger.Info("delivery job deferred",
			"next_run_at", runAt,
			"backoff", backoff,
		)
		return true
	}

	if err := p.queue.Bury(ctx, job.MailingID, err.Error()); err != nil {
		logger.Error("failed to move job to dead letter queue", "error", err)
	}
	metrics.IncJobs("dead")
	logger.Error("delivery job failed permanently",
		"attempts", job.Attempts,
		"max_retries", p.maxRetries,
	)
	return true
}

// calculateBackoff calculates exponential backoff duration
func (p *Processor) calculateBackoff(attempt int) time.Duration {
	// retry_interval * 2^(attempt-1), capped at 12x and at one hour
	multiplier := 1 << (attempt - 1)
	if multiplier > 12 {
		multiplier = 12
	}

	backoff := time.Duration(multiplier) * p.retryInterval
	if backoff > time.Hour {
		return time.Hour
	}
	return backoff
}
