package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/unclebandit/rcs-campaign-pipeline/internal/model"
)

type SendRequest struct {
	MessageID uuid.UUID
	Channel   model.Channel
	Recipient string
	Content   model.Content
}

type SendResult struct {
	ExternalID string
	AcceptedAt time.Time
}

// Client is a delivery aggregator. Send returns *TransientProviderError or
// *PermanentProviderError on failure.
type Client interface {
	Name() string
	Send(ctx context.Context, req SendRequest) (SendResult, error)
	ParseWebhook(raw model.RawWebhook) (model.WebhookEvent, error)
}

type Config struct {
	Name          string
	BaseURL       string
	APIKey        string
	AppName       string
	WebhookSecret string
	Timeout       time.Duration
}

// New selects the adapter named in cfg.
func New(cfg Config) (Client, error) {
	switch cfg.Name {
	case "gupshup":
		return NewGupshupClient(cfg), nil
	case "mock", "":
		return NewMockClient(cfg.WebhookSecret), nil
	}
	return nil, fmt.Errorf("unknown provider %q", cfg.Name)
}
