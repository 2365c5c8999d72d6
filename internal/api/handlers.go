package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/drip/internal/campaign"
	"github.com/foxzi/drip/internal/jobs"
	"github.com/foxzi/drip/internal/model"
	"github.com/foxzi/drip/internal/store"
)

// UnsubscribeReason is recorded for unsubscribes through a token link
const UnsubscribeReason = "unsubscribe link"

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status    string      `json:"status"`
	Version   string      `json:"version"`
	Uptime    string      `json:"uptime"`
	Campaigns int         `json:"campaigns"`
	Jobs      *jobs.Stats `json:"jobs,omitempty"`
}

// SubscriptionResponse describes a subscription and its mailings
type SubscriptionResponse struct {
	ID                string           `json:"id"`
	Campaign          string           `json:"campaign"`
	SubscriberID      string           `json:"subscriber_id"`
	UserID            string           `json:"user_id,omitempty"`
	Status            string           `json:"status"`
	SubscribedAt      time.Time        `json:"subscribed_at"`
	UnsubscribedAt    *time.Time       `json:"unsubscribed_at,omitempty"`
	EndedAt           *time.Time       `json:"ended_at,omitempty"`
	UnsubscribeReason string           `json:"unsubscribe_reason,omitempty"`
	EndReason         string           `json:"end_reason,omitempty"`
	Mailings          []*model.Mailing `json:"mailings,omitempty"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "ok",
		Version:   s.version,
		Uptime:    time.Since(s.startTime).String(),
		Campaigns: len(s.campaigns.Drippers()),
	}
	if s.jobs != nil {
		resp.Jobs, _ = s.jobs.Stats(r.Context())
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// handleUnsubscribe handles GET and POST /subscriptions/{token}/unsubscribe.
// POST serves one-click List-Unsubscribe.
func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	sub, d, ok := s.resolveToken(w, r)
	if !ok {
		return
	}

	if err := d.Unsubscribe(r.Context(), sub, UnsubscribeReason); err != nil {
		s.logger.Error("failed to unsubscribe", "subscription_id", sub.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to unsubscribe")
		return
	}

	s.sendJSON(w, http.StatusOK, subscriptionResponse(sub, nil))
}

// handleResubscribe handles GET /subscriptions/{token}/subscribe
func (s *Server) handleResubscribe(w http.ResponseWriter, r *http.Request) {
	sub, d, ok := s.resolveToken(w, r)
	if !ok {
		return
	}
	if sub.Ended() {
		s.sendError(w, http.StatusConflict, "Subscription has ended")
		return
	}

	if err := d.Resubscribe(r.Context(), sub); err != nil {
		s.logger.Error("failed to resubscribe", "subscription_id", sub.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to resubscribe")
		return
	}

	s.sendJSON(w, http.StatusOK, subscriptionResponse(sub, nil))
}

// resolveToken loads the subscription of the token in the URL and its
// campaign. It writes the error response itself.
func (s *Server) resolveToken(w http.ResponseWriter, r *http.Request) (*model.Subscription, *campaign.Dripper, bool) {
	token := chi.URLParam(r, "token")

	sub, err := s.store.SubscriptionByToken(r.Context(), token)
	if errors.Is(err, store.ErrNotFound) {
		s.sendError(w, http.StatusNotFound, "Subscription not found")
		return nil, nil, false
	}
	if err != nil {
		s.logger.Error("failed to resolve token", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to resolve token")
		return nil, nil, false
	}

	d, ok := s.campaigns.Dripper(sub.Campaign)
	if !ok {
		s.sendError(w, http.StatusNotFound, "Campaign not found")
		return nil, nil, false
	}
	return sub, d, true
}

func subscriptionResponse(sub *model.Subscription, mailings []*model.Mailing) SubscriptionResponse {
	status := "active"
	switch {
	case sub.Ended():
		status = "ended"
	case sub.Unsubscribed():
		status = "unsubscribed"
	}

	return SubscriptionResponse{
		ID:                sub.ID,
		Campaign:          sub.Campaign,
		SubscriberID:      sub.SubscriberID,
		UserID:            sub.UserID,
		Status:            status,
		SubscribedAt:      sub.SubscribedAt,
		UnsubscribedAt:    sub.UnsubscribedAt,
		EndedAt:           sub.EndedAt,
		UnsubscribeReason: sub.UnsubscribeReason,
		EndReason:         sub.EndReason,
		Mailings:          mailings,
	}
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
