package controller_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/unclebandit/rcs-campaign-pipeline/internal/model"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/provider"
)

func (s *testServer) webhook(body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/webhooks/provider", bytes.NewReader(body))
	req.Header.Set(provider.SignatureHeader, signature)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestProviderWebhookQueuesSignedEvents(t *testing.T) {
	s := newTestServer()
	body := []byte(`{"event_id":"evt-1","type":"delivered","external_id":"ext-1","timestamp":"2026-03-01T10:00:00Z"}`)

	w := s.webhook(body, provider.Sign(webhookSecret, body))
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}

	job, ok := s.q.TryReceive(model.TopicWebhook)
	if !ok {
		t.Fatal("expected the event on the webhook topic")
	}
	var ev model.WebhookEvent
	if err := json.Unmarshal(job.Body, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.EventID != "evt-1" || ev.ExternalID != "ext-1" || ev.Type != model.EventDelivered {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestProviderWebhookRejections(t *testing.T) {
	s := newTestServer()
	valid := []byte(`{"event_id":"evt-1","type":"delivered","external_id":"ext-1"}`)

	tests := []struct {
		name      string
		body      []byte
		signature string
		want      int
	}{
		{"bad signature", valid, "deadbeef", http.StatusUnauthorized},
		{"unsupported type", []byte(`{"event_id":"e","type":"clicked","external_id":"x"}`), "", http.StatusBadRequest},
		{"missing external id", []byte(`{"event_id":"e","type":"sent"}`), "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := tt.signature
			if sig == "" {
				sig = provider.Sign(webhookSecret, tt.body)
			}
			if w := s.webhook(tt.body, sig); w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
	if s.q.Ready(model.TopicWebhook) != 0 {
		t.Errorf("rejected webhooks must not be queued")
	}
}
