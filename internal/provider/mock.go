package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/rcs-campaign-pipeline/internal/errors"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/model"
)

const mockName = "mock"

// MockClient simulates an aggregator for local runs and tests. Without a
// Behaviour it accepts a SuccessRate share of sends and treats a
// 1-RCSCapableRate share of RCS recipients as not RCS capable.
type MockClient struct {
	SuccessRate    float64
	RCSCapableRate float64
	// Behaviour, when set, decides the outcome of every send.
	Behaviour func(req SendRequest) error

	secret string
	mu     sync.Mutex
	rng    *rand.Rand
	sent   []SendRequest
}

func NewMockClient(webhookSecret string) *MockClient {
	return &MockClient{
		SuccessRate:    0.95,
		RCSCapableRate: 0.8,
		secret:         webhookSecret,
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (m *MockClient) Name() string { return mockName }

func (m *MockClient) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	if err := ctx.Err(); err != nil {
		return SendResult{}, &appErrors.TransientProviderError{Provider: mockName, Err: err}
	}

	m.mu.Lock()
	m.sent = append(m.sent, req)
	err := m.outcome(req)
	m.mu.Unlock()

	if err != nil {
		return SendResult{}, err
	}
	return SendResult{ExternalID: "mock-" + uuid.NewString(), AcceptedAt: time.Now().UTC()}, nil
}

func (m *MockClient) outcome(req SendRequest) error {
	if m.Behaviour != nil {
		return m.Behaviour(req)
	}
	if req.Channel == model.ChannelRCS && m.rng.Float64() >= m.RCSCapableRate {
		return &appErrors.PermanentProviderError{
			Provider: mockName,
			Code:     "RCS_NOT_SUPPORTED",
			Reason:   appErrors.ReasonRCSNotSupported,
			Err:      fmt.Errorf("recipient %s is not rcs capable", req.Recipient),
		}
	}
	if m.rng.Float64() >= m.SuccessRate {
		return &appErrors.TransientProviderError{Provider: mockName, Code: "503", Err: fmt.Errorf("simulated outage")}
	}
	return nil
}

// Sent returns every request the mock has seen.
func (m *MockClient) Sent() []SendRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SendRequest(nil), m.sent...)
}

type mockWebhook struct {
	EventID    string `json:"event_id"`
	Type       string `json:"type"`
	ExternalID string `json:"external_id"`
	Timestamp  string `json:"timestamp"`
	ErrorCode  string `json:"error_code"`
}

// ParseWebhook reads the mock's own callback format.
func (m *MockClient) ParseWebhook(raw model.RawWebhook) (model.WebhookEvent, error) {
	if err := verifySignature(m.secret, raw.Body, raw.Signature); err != nil {
		return model.WebhookEvent{}, err
	}
	var p mockWebhook
	if err := json.Unmarshal(raw.Body, &p); err != nil {
		return model.WebhookEvent{}, fmt.Errorf("decode mock webhook: %w", err)
	}
	eventType := model.WebhookEventType(p.Type)
	if _, ok := eventType.TargetStatus(); !ok {
		return model.WebhookEvent{}, fmt.Errorf("mock event %q: %w", p.Type, appErrors.ErrUnsupportedEvent)
	}

	ts := time.Now().UTC()
	if t, err := time.Parse(time.RFC3339, p.Timestamp); err == nil {
		ts = t.UTC()
	}
	return model.WebhookEvent{
		EventID:    p.EventID,
		Provider:   mockName,
		Type:       eventType,
		ExternalID: p.ExternalID,
		Timestamp:  ts,
		ErrorCode:  p.ErrorCode,
	}, nil
}
