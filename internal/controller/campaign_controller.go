// internal/controller/campaign_controller.go
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/rcs-campaign-pipeline/internal/errors"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/model"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/service"
)

type CampaignController struct {
	CampaignService *service.CampaignService
}

// Routes mounts the campaign endpoints on r.
func (c *CampaignController) Routes(r chi.Router) {
	r.Post("/campaigns", c.CreateCampaign)
	r.Get("/campaigns", c.ListCampaigns)
	r.Post("/campaigns/{id}/recipients", c.AddRecipients)
	r.Post("/campaigns/{id}/schedule", c.Schedule)
	r.Post("/campaigns/{id}/activate", c.Activate)
	r.Post("/campaigns/{id}/pause", c.Pause)
	r.Post("/campaigns/{id}/resume", c.Resume)
	r.Post("/campaigns/{id}/cancel", c.Cancel)
	r.Post("/campaigns/{id}/personalized-preview", c.PersonalizedPreview)
}

// statusFor maps service and store errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case appErrors.IsNotFound(err), errors.Is(err, service.ErrRecipientMissing):
		return http.StatusNotFound
	case appErrors.IsInvalidTransition(err), errors.Is(err, appErrors.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, appErrors.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrEmptyName),
		errors.Is(err, service.ErrEmptyTemplate),
		errors.Is(err, service.ErrNoRecipients),
		errors.Is(err, service.ErrEmptyContent),
		errors.Is(err, appErrors.ErrScheduleNotInFuture),
		errors.Is(err, appErrors.ErrUnsupportedEvent):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func campaignID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var body service.CampaignInput
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	campaign, err := c.CampaignService.CreateCampaign(r.Context(), body)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, campaign)
}

func (c *CampaignController) AddRecipients(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}

	var body struct {
		Recipients []model.Recipient `json:"recipients"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	added, err := c.CampaignService.AddRecipients(r.Context(), id, body.Recipients)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"campaign_id": id,
		"added":       added,
		"skipped":     len(body.Recipients) - added,
	})
}

func (c *CampaignController) Schedule(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}

	var body struct {
		ScheduledAt time.Time `json:"scheduled_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ScheduledAt.IsZero() {
		http.Error(w, "scheduled_at is required", http.StatusBadRequest)
		return
	}

	campaign, err := c.CampaignService.Schedule(r.Context(), id, body.ScheduledAt)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, campaign)
}

// lifecycle adapts a service transition into a handler.
func lifecycle(fn func(context.Context, uuid.UUID) (*model.Campaign, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := campaignID(w, r)
		if !ok {
			return
		}
		campaign, err := fn(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, campaign)
	}
}

func (c *CampaignController) Activate(w http.ResponseWriter, r *http.Request) {
	lifecycle(c.CampaignService.Activate)(w, r)
}

func (c *CampaignController) Pause(w http.ResponseWriter, r *http.Request) {
	lifecycle(c.CampaignService.Pause)(w, r)
}

func (c *CampaignController) Resume(w http.ResponseWriter, r *http.Request) {
	lifecycle(c.CampaignService.Resume)(w, r)
}

func (c *CampaignController) Cancel(w http.ResponseWriter, r *http.Request) {
	lifecycle(c.CampaignService.Cancel)(w, r)
}

func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	// Parse query parameters
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	channel := r.URL.Query().Get("channel")
	status := r.URL.Query().Get("status")

	campaigns, pagination, err := c.CampaignService.ListCampaigns(r.Context(), page, pageSize, channel, status)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":       campaigns,
		"pagination": pagination,
	})
}

func (c *CampaignController) PersonalizedPreview(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}

	var body struct {
		RecipientSeq int64   `json:"recipient_seq"`
		OverrideText *string `json:"override_text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	rendered, err := c.CampaignService.RenderPreview(r.Context(), id, body.RecipientSeq, body.OverrideText)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rendered_message": rendered,
		"sms_text":         rendered.SMSText(),
		"used_template":    body.OverrideText,
		"recipient_seq":    body.RecipientSeq,
	})
}
