// internal/handler/campaign_handler.go
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/rcs-campaign-pipeline/internal/errors"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/service"
)

// CampaignHandler serves read-only campaign views.
type CampaignHandler struct {
	Service *service.CampaignService
}

func NewCampaignHandler(svc *service.CampaignService) *CampaignHandler {
	return &CampaignHandler{Service: svc}
}

// GetCampaignHandlerWithStats returns a campaign with its delivery counters
// and a per-status breakdown of its messages.
func (h *CampaignHandler) GetCampaignHandlerWithStats(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return
	}

	details, err := h.Service.GetCampaignDetailsWithStats(r.Context(), id)
	if appErrors.IsNotFound(err) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("campaign_id", id.String()).Msg("failed to fetch campaign")
		http.Error(w, "failed to fetch campaign: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(details)
}
