package controller

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/unclebandit/rcs-campaign-pipeline/internal/logging"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/model"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/provider"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/service"
)

const maxWebhookBody = 1 << 20

// WebhookController accepts delivery callbacks and hands them to the
// reconciler queue. It answers as soon as the event is queued.
type WebhookController struct {
	Reconciler *service.Reconciler
}

func (c *WebhookController) Routes(r chi.Router) {
	r.Post("/webhooks/provider", c.ProviderCallback)
}

func (c *WebhookController) ProviderCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	ev, err := c.Reconciler.IngestWebhook(r.Context(), model.RawWebhook{
		Body:      body,
		Signature: r.Header.Get(provider.SignatureHeader),
	})
	if err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Msg("webhook rejected")
		writeError(w, r, err)
		return
	}

	ctx := logging.ContextWithEventID(r.Context(), ev.Provider, ev.EventID)
	zerolog.Ctx(ctx).Info().Str("type", string(ev.Type)).Str("external_id", ev.ExternalID).Msg("webhook queued")
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"event_id": ev.EventID,
		"status":   "accepted",
	})
}
