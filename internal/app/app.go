// Package app wires the drip engine together from configuration.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/drip/internal/api"
	"github.com/foxzi/drip/internal/campaign"
	"github.com/foxzi/drip/internal/config"
	"github.com/foxzi/drip/internal/drip"
	"github.com/foxzi/drip/internal/jobs"
	"github.com/foxzi/drip/internal/lock"
	"github.com/foxzi/drip/internal/mailer"
	"github.com/foxzi/drip/internal/metrics"
	"github.com/foxzi/drip/internal/ratelimit"
	"github.com/foxzi/drip/internal/store"
	"github.com/foxzi/drip/internal/store/postgres"
	"github.com/foxzi/drip/internal/sweep"
)

// App is the main application
type App struct {
	config        *config.Config
	store         store.Store
	stateDB       *bolt.DB // set when jobs and metrics live outside the store
	redis         *redis.Client
	jobs          *jobs.BoltQueue
	rateLimiter   *ratelimit.Limiter
	campaigns     *campaign.Registry
	sweeper       *sweep.Sweeper
	processor     *jobs.Processor
	cleaner       *jobs.Cleaner
	collector     *metrics.Collector
	metricsServer *metrics.Server
	apiServer     *api.Server
	logger        *slog.Logger
}

// New creates a new application
func New(cfg *config.Config, version string) (*App, error) {
	logger := setupLogger(cfg.Logging)
	a := &App{config: cfg, logger: logger}

	if err := a.openStorage(); err != nil {
		a.close()
		return nil, err
	}
	if err := a.build(version); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// openStorage opens the store and the bolt database holding jobs and
// persisted metrics. With the bolt driver both share one file.
func (a *App) openStorage() error {
	cfg := a.config

	switch cfg.Storage.Driver {
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		pg, err := postgres.Open(ctx, cfg.Storage.DSN)
		if err != nil {
			return fmt.Errorf("failed to open postgres store: %w", err)
		}
		a.store = pg
		if err := pg.Migrate(ctx); err != nil {
			return err
		}

		if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0755); err != nil {
			return fmt.Errorf("failed to create state directory: %w", err)
		}
		db, err := bolt.Open(cfg.Storage.Path, 0600, &bolt.Options{Timeout: time.Second})
		if err != nil {
			return fmt.Errorf("failed to open state database: %w", err)
		}
		a.stateDB = db
	default:
		st, err := store.NewBoltStore(cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("failed to create storage: %w", err)
		}
		a.store = st
	}

	q, err := jobs.NewBoltQueueFromDB(a.boltDB())
	if err != nil {
		return fmt.Errorf("failed to create job queue: %w", err)
	}
	a.jobs = q
	return nil
}

func (a *App) build(version string) error {
	cfg := a.config
	logger := a.logger

	transport, err := newTransport(cfg, logger)
	if err != nil {
		return err
	}

	dispatcher := mailer.NewDispatcher(transport, logger)
	dispatcher.SetEnqueuer(a.jobs)

	if cfg.RateLimit.Enabled {
		a.rateLimiter, err = ratelimit.NewLimiter(a.boltDB(), rateLimitConfig(cfg))
		if err != nil {
			return fmt.Errorf("failed to create rate limiter: %w", err)
		}
		dispatcher.Intercept(a.rateLimiter.Interceptor())
		logger.Info("rate limiting enabled")
	}
	mailers := mailer.NewRegistry(dispatcher)

	a.campaigns = campaign.NewRegistry(mailers, a.store, logger)
	if err := registerCampaigns(cfg, a.campaigns, mailers, a.store); err != nil {
		return err
	}

	var pgDB *sql.DB
	if pg, ok := a.store.(*postgres.Store); ok {
		pgDB = pg.DB()
	}
	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	locks := lock.NewProvider(a.redis, pgDB, cfg.Redis.LockTTL)

	a.sweeper, err = sweep.New(a.sweepSource, locks, sweep.Config{
		Schedule: cfg.Sweep.Schedule,
		Timeout:  cfg.Sweep.Timeout,
	}, logger)
	if err != nil {
		return err
	}

	a.processor = jobs.NewProcessor(a.jobs, a.campaigns, jobs.ProcessorConfig{
		Workers:         cfg.Delivery.Workers,
		RetryInterval:   cfg.Delivery.RetryInterval,
		MaxRetries:      cfg.Delivery.MaxRetries,
		ProcessInterval: cfg.Delivery.PollInterval,
		JobTimeout:      cfg.Delivery.JobTimeout,
	}, mailer.IsTemporaryError, logger)

	a.cleaner = jobs.NewCleaner(a.jobs, jobs.CleanerConfig{
		MaxAge:   cfg.DLQ.MaxAge,
		MaxCount: cfg.DLQ.MaxCount,
		Interval: cfg.DLQ.CleanupInterval,
	}, logger)

	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)

		a.collector, err = metrics.NewCollector(a.boltDB(), m, jobStats{a.jobs}, cfg.Storage.Path, cfg.Metrics.FlushInterval)
		if err != nil {
			return fmt.Errorf("failed to create metrics collector: %w", err)
		}
		a.metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, cfg.Metrics.AllowedIPs, logger)
	}

	if cfg.API.Enabled {
		a.apiServer = api.NewServer(a.campaigns, a.store, a.jobs, &cfg.API, version, logger)
	}

	return nil
}

// newTransport returns the SMTP relay transport, or a logging one in dry-run
// mode
func newTransport(cfg *config.Config, logger *slog.Logger) (mailer.Transport, error) {
	if cfg.Delivery.DryRun {
		logger.Warn("dry run enabled, messages are logged instead of sent")
		return mailer.NewLogTransport(logger), nil
	}

	opts := mailer.SMTPOptions{
		Addr:        cfg.SMTP.Addr,
		Hostname:    cfg.SMTP.Hostname,
		Username:    cfg.SMTP.Username,
		Password:    cfg.SMTP.Password,
		ImplicitTLS: cfg.SMTP.ImplicitTLS,
		Timeout:     cfg.SMTP.Timeout,
	}

	if dk := cfg.SMTP.DKIM; dk.Enabled {
		signer, err := mailer.NewSignerFromFile(dk.KeyFile, dk.Domain, dk.Selector)
		if err != nil {
			return nil, fmt.Errorf("failed to load DKIM key: %w", err)
		}
		opts.Signer = signer
		logger.Info("DKIM signing enabled", "domain", dk.Domain, "selector", dk.Selector)
	}

	return mailer.NewSMTPTransport(opts, logger), nil
}

// rateLimitConfig converts the configured quotas for the limiter
func rateLimitConfig(cfg *config.Config) *ratelimit.Config {
	convert := func(l *config.LimitConfig) *ratelimit.LimitConfig {
		if l == nil {
			return nil
		}
		return &ratelimit.LimitConfig{
			MessagesPerHour: l.MessagesPerHour,
			MessagesPerDay:  l.MessagesPerDay,
		}
	}

	rl := &ratelimit.Config{
		Global:          convert(cfg.RateLimit.Global),
		DefaultCampaign: convert(cfg.RateLimit.DefaultCampaign),
		Campaigns:       make(map[string]*ratelimit.LimitConfig),
		FlushInterval:   cfg.RateLimit.FlushInterval,
	}
	for _, camp := range cfg.Campaigns {
		if camp.RateLimit != nil {
			rl.Campaigns[camp.Slug] = convert(camp.RateLimit)
		}
	}
	return rl
}

// registerCampaigns creates a dripper per configured campaign and binds its
// drips to template mailer actions
func registerCampaigns(cfg *config.Config, registry *campaign.Registry, mailers *mailer.Registry, subs mailer.SubscriptionGetter) error {
	templates := make(map[string]*mailer.Template, len(cfg.Templates))
	for name, tc := range cfg.Templates {
		templates[name] = tc.Template()
	}

	for i := range cfg.Campaigns {
		camp := &cfg.Campaigns[i]

		var delivery campaign.Delivery = campaign.ArgumentDelivery{}
		if camp.Delivery == "context" {
			delivery = campaign.ContextDelivery{}
		}

		d, err := registry.NewDripper(camp.Slug, campaign.Config{
			MailerClass:  camp.Mailer,
			Delivery:     delivery,
			DeliverLater: cfg.DeliverLater(camp),
			BatchSize:    camp.BatchSize,
			ClaimLease:   camp.ClaimLease,
		})
		if err != nil {
			return err
		}

		tm := &mailer.TemplateMailer{
			From:      camp.From,
			BaseURL:   cfg.API.BaseURL,
			Templates: templates,
			Subs:      subs,
		}

		for _, dc := range camp.Drips {
			mode, err := mailer.ParseMode(dc.Using)
			if err != nil {
				return fmt.Errorf("campaign %s: %w", camp.Slug, err)
			}
			mailers.Handle(camp.Mailer, dc.Action, tm.Action(dc.Template))

			opts := []drip.Option{drip.Delay(dc.Delay), drip.Using(mode)}
			for k, v := range dc.Options {
				opts = append(opts, drip.WithOption(k, v))
			}

			if dc.Every > 0 {
				err = d.Periodical(dc.Action, dc.Every, opts...)
			} else {
				err = d.Drip(dc.Action, opts...)
			}
			if err != nil {
				return fmt.Errorf("campaign %s: %w", camp.Slug, err)
			}
		}
	}
	return nil
}

// Campaigns returns the campaign registry, for registering hooks and rescue
// handlers before Run
func (a *App) Campaigns() *campaign.Registry {
	return a.campaigns
}

// Jobs returns the delivery job queue
func (a *App) Jobs() *jobs.BoltQueue {
	return a.jobs
}

// Sweep processes every campaign once
func (a *App) Sweep(ctx context.Context) []sweep.Result {
	return a.sweeper.Sweep(ctx)
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting drip",
		"storage", a.config.Storage.Driver,
		"campaigns", len(a.campaigns.Drippers()),
		"schedule", a.config.Sweep.Schedule,
	)

	// Create context that listens for signals
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.processor.Start(ctx)
	a.cleaner.Start(ctx)
	if a.collector != nil {
		a.collector.Start(ctx)
	}
	a.sweeper.Start(ctx)

	// Channel to collect errors
	errCh := make(chan error, 2)

	if a.apiServer != nil {
		go func() {
			if err := a.apiServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("api server: %w", err)
			}
		}()
	}

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop producing work first
	a.sweeper.Stop()
	a.processor.Stop()
	a.cleaner.Stop()

	if a.apiServer != nil {
		if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("api server shutdown error", "error", err)
		}
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}
	if a.collector != nil {
		if err := a.collector.Stop(); err != nil {
			a.logger.Error("metrics collector stop error", "error", err)
		}
	}

	a.close()
	a.logger.Info("shutdown complete")
	return nil
}

// Close releases storage without stopping background components. It is for
// short-lived commands that never called Run.
func (a *App) Close() error {
	a.close()
	return nil
}

func (a *App) close() {
	if a.rateLimiter != nil {
		if err := a.rateLimiter.Stop(); err != nil {
			a.logger.Error("rate limiter stop error", "error", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("redis close error", "error", err)
		}
	}
	if a.stateDB != nil {
		if err := a.stateDB.Close(); err != nil {
			a.logger.Error("state database close error", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("storage close error", "error", err)
		}
	}
}

func (a *App) boltDB() *bolt.DB {
	if a.stateDB != nil {
		return a.stateDB
	}
	return a.store.(*store.BoltStore).DB()
}

func (a *App) sweepSource() []sweep.Campaign {
	drippers := a.campaigns.Drippers()
	list := make([]sweep.Campaign, len(drippers))
	for i, d := range drippers {
		list[i] = d
	}
	return list
}

// jobStats adapts the job queue to the metrics collector
type jobStats struct {
	q *jobs.BoltQueue
}

func (j jobStats) Stats(ctx context.Context) (*metrics.JobStats, error) {
	s, err := j.q.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &metrics.JobStats{
		Waiting: s.Pending + s.Deferred + s.Running,
		Dead:    s.Dead,
		Oldest:  s.OldestAt,
	}, nil
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
