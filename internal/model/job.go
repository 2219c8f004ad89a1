// internal/model/job.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// Queue topics.
const (
	TopicOrchestrate = "campaign_orchestrate"
	TopicDispatch    = "message_dispatch"
	TopicFallback    = "message_fallback"
	TopicWebhook     = "webhook_events"
)

type OrchestrateJob struct {
	CampaignID uuid.UUID `json:"campaign_id"`
}

type DispatchJob struct {
	MessageID  uuid.UUID `json:"message_id"`
	RetryCount int       `json:"retry_count"`
	Priority   Priority  `json:"priority"`
	// ExternalID is set when the provider already accepted the message but
	// recording SENT failed. The job then only records the result.
	ExternalID string `json:"external_id,omitempty"`
	Provider   string `json:"provider,omitempty"`
}

type FallbackJob struct {
	MessageID uuid.UUID `json:"message_id"`
	Reason    string    `json:"reason"`
}

// DLQRecord accompanies every dead-lettered job.
type DLQRecord struct {
	MessageID   *uuid.UUID `json:"message_id,omitempty"`
	Topic       string     `json:"topic"`
	Attempts    int        `json:"attempts"`
	FailureType string     `json:"failure_type"`
	LastError   string     `json:"last_error"`
	Timestamp   time.Time  `json:"timestamp"`
}

// DLQReason is carried in the broker's x-dlq-reason header.
func (r DLQRecord) DLQReason() string { return r.FailureType }
