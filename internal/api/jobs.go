package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/drip/internal/jobs"
)

// DeadJobsResponse is the response for GET /api/v1/jobs/dead
type DeadJobsResponse struct {
	Stats *jobs.Stats `json:"stats"`
	Jobs  []*jobs.Job `json:"jobs"`
}

// handleJobs handles GET /api/v1/jobs
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if !s.jobsEnabled(w) {
		return
	}

	stats, err := s.jobs.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to get job stats", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get job stats")
		return
	}
	s.sendJSON(w, http.StatusOK, stats)
}

// handleDeadJobs handles GET /api/v1/jobs/dead
func (s *Server) handleDeadJobs(w http.ResponseWriter, r *http.Request) {
	if !s.jobsEnabled(w) {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	stats, err := s.jobs.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to get job stats", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get job stats")
		return
	}

	dead, err := s.jobs.ListDead(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("failed to list dead jobs", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list dead jobs")
		return
	}

	s.sendJSON(w, http.StatusOK, DeadJobsResponse{Stats: stats, Jobs: dead})
}

// handleRetryJob handles POST /api/v1/jobs/dead/{id}/retry
func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	if !s.jobsEnabled(w) {
		return
	}

	id := chi.URLParam(r, "id")
	err := s.jobs.RetryDead(r.Context(), id)
	if errors.Is(err, jobs.ErrNotFound) {
		s.sendError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		s.sendError(w, http.StatusConflict, err.Error())
		return
	}

	s.logger.Info("dead job retried", "mailing_id", id)
	s.sendJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"message": "Job moved to ready queue",
	})
}

func (s *Server) jobsEnabled(w http.ResponseWriter) bool {
	if s.jobs == nil {
		s.sendError(w, http.StatusNotFound, "Job runner disabled")
		return false
	}
	return true
}
