// Package api serves the subscription links and the management API.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/drip/internal/campaign"
	"github.com/foxzi/drip/internal/config"
	"github.com/foxzi/drip/internal/jobs"
	"github.com/foxzi/drip/internal/metrics"
	"github.com/foxzi/drip/internal/store"
)

// JobQueue is the part of the delivery job queue the API exposes
type JobQueue interface {
	Stats(ctx context.Context) (*jobs.Stats, error)
	ListDead(ctx context.Context, limit, offset int) ([]*jobs.Job, error)
	RetryDead(ctx context.Context, mailingID string) error
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	campaigns  *campaign.Registry
	store      store.Store
	jobs       JobQueue
	config     *config.APIConfig
	version    string
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server. jq may be nil when no job runner is
// configured.
func NewServer(campaigns *campaign.Registry, st store.Store, jq JobQueue, cfg *config.APIConfig, version string, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		campaigns: campaigns,
		store:     st,
		jobs:      jq,
		config:    cfg,
		version:   version,
		logger:    logger.With("component", "api"),
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s
}

// Handler returns the HTTP handler of the server
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(metrics.HTTPMiddleware)
	s.router.Use(middleware.Recoverer)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	// Token links embedded in mail (no auth required)
	s.router.Route("/subscriptions/{token}", func(r chi.Router) {
		r.Get("/unsubscribe", s.handleUnsubscribe)
		r.Post("/unsubscribe", s.handleUnsubscribe)
		r.Get("/subscribe", s.handleResubscribe)
	})

	// API v1 routes (auth required)
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/campaigns", s.handleCampaigns)
		r.Route("/campaigns/{slug}", func(r chi.Router) {
			r.Post("/process", s.handleProcess)
			r.Post("/subscriptions", s.handleSubscribe)
			r.Get("/subscriptions/{subscriber}", s.handleSubscription)
			r.Delete("/subscriptions/{subscriber}", s.handleUnsubscribeSubscriber)
			r.Post("/subscriptions/{subscriber}/redrip", s.handleRedrip)
		})

		r.Get("/jobs", s.handleJobs)
		r.Get("/jobs/dead", s.handleDeadJobs)
		r.Post("/jobs/dead/{id}/retry", s.handleRetryJob)
	})
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.router,
		ReadTimeout:       s.config.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       s.config.IdleTimeout,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
