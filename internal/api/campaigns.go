package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/drip/internal/campaign"
	"github.com/foxzi/drip/internal/drip"
	"github.com/foxzi/drip/internal/metrics"
	"github.com/foxzi/drip/internal/store"
)

// CampaignSummary is an entry of GET /api/v1/campaigns
type CampaignSummary struct {
	Slug  string   `json:"slug"`
	Drips []string `json:"drips"`
}

// SubscribeRequest is the request body for POST .../subscriptions
type SubscribeRequest struct {
	SubscriberID string `json:"subscriber_id"`
	UserID       string `json:"user_id,omitempty"`
}

// RedripRequest is the request body for POST .../redrip
type RedripRequest struct {
	Action string `json:"action"`
}

// ProcessResponse is the response for POST .../process
type ProcessResponse struct {
	Campaign  string `json:"campaign"`
	Processed int    `json:"processed"`
	Error     string `json:"error,omitempty"`
}

// handleCampaigns handles GET /api/v1/campaigns
func (s *Server) handleCampaigns(w http.ResponseWriter, r *http.Request) {
	drippers := s.campaigns.Drippers()
	list := make([]CampaignSummary, len(drippers))
	for i, d := range drippers {
		list[i] = CampaignSummary{Slug: d.Slug(), Drips: d.Drips().Actions()}
	}
	s.sendJSON(w, http.StatusOK, list)
}

// handleProcess handles POST /api/v1/campaigns/{slug}/process
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	d, ok := s.dripper(w, r)
	if !ok {
		return
	}

	n, err := d.Process(r.Context())
	resp := ProcessResponse{Campaign: d.Slug(), Processed: n}
	if err != nil {
		metrics.IncAPIErrors("process")
		s.logger.Error("manual process failed", "campaign", d.Slug(), "error", err)
		resp.Error = err.Error()
		s.sendJSON(w, http.StatusInternalServerError, resp)
		return
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// handleSubscribe handles POST /api/v1/campaigns/{slug}/subscriptions
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	d, ok := s.dripper(w, r)
	if !ok {
		return
	}

	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.SubscriberID == "" {
		s.sendError(w, http.StatusBadRequest, "subscriber_id is required")
		return
	}

	var opts []campaign.SubscribeOption
	if req.UserID != "" {
		opts = append(opts, campaign.WithUserID(req.UserID))
	}

	sub, err := d.Subscribe(r.Context(), req.SubscriberID, opts...)
	if err != nil {
		s.logger.Error("failed to subscribe", "campaign", d.Slug(), "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to subscribe")
		return
	}

	s.sendJSON(w, http.StatusCreated, subscriptionResponse(sub, nil))
}

// handleSubscription handles GET /api/v1/campaigns/{slug}/subscriptions/{subscriber}
func (s *Server) handleSubscription(w http.ResponseWriter, r *http.Request) {
	d, ok := s.dripper(w, r)
	if !ok {
		return
	}

	sub, err := s.store.FindSubscription(r.Context(), d.Slug(), chi.URLParam(r, "subscriber"))
	if errors.Is(err, store.ErrNotFound) {
		s.sendError(w, http.StatusNotFound, "Subscription not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to find subscription", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get subscription")
		return
	}

	mailings, err := s.store.ListMailings(r.Context(), sub.ID, store.MailingFilter{})
	if err != nil {
		s.logger.Error("failed to list mailings", "subscription_id", sub.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list mailings")
		return
	}

	s.sendJSON(w, http.StatusOK, subscriptionResponse(sub, mailings))
}

// handleUnsubscribeSubscriber handles DELETE /api/v1/campaigns/{slug}/subscriptions/{subscriber}
func (s *Server) handleUnsubscribeSubscriber(w http.ResponseWriter, r *http.Request) {
	d, ok := s.dripper(w, r)
	if !ok {
		return
	}

	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "api"
	}

	err := d.UnsubscribeSubscriber(r.Context(), chi.URLParam(r, "subscriber"), reason)
	if errors.Is(err, store.ErrNotFound) {
		s.sendError(w, http.StatusNotFound, "Subscription not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to unsubscribe", "campaign", d.Slug(), "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to unsubscribe")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleRedrip handles POST /api/v1/campaigns/{slug}/subscriptions/{subscriber}/redrip
func (s *Server) handleRedrip(w http.ResponseWriter, r *http.Request) {
	d, ok := s.dripper(w, r)
	if !ok {
		return
	}

	var req RedripRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Action == "" {
		s.sendError(w, http.StatusBadRequest, "action is required")
		return
	}

	sub, err := s.store.FindSubscription(r.Context(), d.Slug(), chi.URLParam(r, "subscriber"))
	if errors.Is(err, store.ErrNotFound) {
		s.sendError(w, http.StatusNotFound, "Subscription not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to find subscription", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get subscription")
		return
	}

	m, err := d.Redrip(r.Context(), sub, req.Action)
	var unresolved *drip.UnresolvedDripError
	switch {
	case errors.As(err, &unresolved):
		s.sendError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		s.sendError(w, http.StatusConflict, err.Error())
		return
	}

	s.sendJSON(w, http.StatusCreated, m)
}

// dripper resolves the campaign in the URL. It writes the 404 itself.
func (s *Server) dripper(w http.ResponseWriter, r *http.Request) (*campaign.Dripper, bool) {
	d, ok := s.campaigns.Dripper(chi.URLParam(r, "slug"))
	if !ok {
		s.sendError(w, http.StatusNotFound, "Campaign not found")
	}
	return d, ok
}
