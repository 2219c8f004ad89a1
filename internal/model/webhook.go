// internal/model/webhook.go
package model

import "time"

type WebhookEventType string

const (
	EventSent      WebhookEventType = "sent"
	EventDelivered WebhookEventType = "delivered"
	EventRead      WebhookEventType = "read"
	EventFailed    WebhookEventType = "failed"
)

// TargetStatus is the message status a provider event reports.
func (t WebhookEventType) TargetStatus() (MessageStatus, bool) {
	switch t {
	case EventSent:
		return MessageSent, true
	case EventDelivered:
		return MessageDelivered, true
	case EventRead:
		return MessageRead, true
	case EventFailed:
		return MessageFailed, true
	}
	return "", false
}

// RawWebhook is an unparsed provider callback.
type RawWebhook struct {
	Body      []byte `json:"body"`
	Signature string `json:"signature"`
}

type WebhookEvent struct {
	EventID      string           `json:"event_id"`
	Provider     string           `json:"provider"`
	Type         WebhookEventType `json:"type"`
	ExternalID   string           `json:"external_id"`
	Timestamp    time.Time        `json:"timestamp"`
	ErrorCode    string           `json:"error_code,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
}
