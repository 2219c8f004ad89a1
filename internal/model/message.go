// internal/model/message.go
package model

import (
	"time"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/rcs-campaign-pipeline/internal/errors"
)

type Channel string

const (
	ChannelRCS Channel = "rcs"
	ChannelSMS Channel = "sms"
)

type MessageStatus string

const (
	MessagePending      MessageStatus = "pending"
	MessageQueued       MessageStatus = "queued"
	MessageSent         MessageStatus = "sent"
	MessageDelivered    MessageStatus = "delivered"
	MessageRead         MessageStatus = "read"
	MessageFailed       MessageStatus = "failed"
	MessageFallbackSent MessageStatus = "fallback_sent"
	MessageDLQ          MessageStatus = "dlq"
)

// Attempt keys make (campaign, recipient, attempt) unique.
const (
	AttemptPrimary  = "primary"
	AttemptFallback = "fallback"
)

type Message struct {
	ID                uuid.UUID     `db:"id" json:"id"`
	CampaignID        uuid.UUID     `db:"campaign_id" json:"campaign_id"`
	TenantID          uuid.UUID     `db:"tenant_id" json:"tenant_id"`
	Recipient         string        `db:"recipient" json:"recipient"`
	Channel           Channel       `db:"channel" json:"channel"`
	AttemptKey        string        `db:"attempt_key" json:"attempt_key"`
	Status            MessageStatus `db:"status" json:"status"`
	Content           Content       `db:"content" json:"content"`
	Priority          Priority      `db:"priority" json:"priority"`
	Provider          string        `db:"provider" json:"provider,omitempty"`
	ExternalID        *string       `db:"external_id" json:"external_id,omitempty"`
	RetryCount        int           `db:"retry_count" json:"retry_count"`
	FailureReason     string        `db:"failure_reason" json:"failure_reason,omitempty"`
	LastError         string        `db:"last_error" json:"last_error,omitempty"`
	OriginalMessageID *uuid.UUID    `db:"original_message_id" json:"original_message_id,omitempty"`
	Version           int64         `db:"version" json:"version"`
	CreatedAt         time.Time     `db:"created_at" json:"created_at"`
	QueuedAt          *time.Time    `db:"queued_at" json:"queued_at,omitempty"`
	SentAt            *time.Time    `db:"sent_at" json:"sent_at,omitempty"`
	DeliveredAt       *time.Time    `db:"delivered_at" json:"delivered_at,omitempty"`
	ReadAt            *time.Time    `db:"read_at" json:"read_at,omitempty"`
	FailedAt          *time.Time    `db:"failed_at" json:"failed_at,omitempty"`
	UpdatedAt         *time.Time    `db:"updated_at" json:"updated_at,omitempty"`
}

var messageTransitions = map[MessageStatus][]MessageStatus{
	MessagePending:   {MessageQueued},
	MessageQueued:    {MessageSent, MessageFailed},
	MessageSent:      {MessageDelivered, MessageFailed},
	MessageDelivered: {MessageRead},
	MessageFailed:    {MessageQueued, MessageDLQ, MessageFallbackSent},
}

func (s MessageStatus) IsTerminal() bool {
	switch s {
	case MessageDelivered, MessageRead, MessageDLQ, MessageFallbackSent:
		return true
	}
	return false
}

// CanTransition checks the DAG edge. READ is only reachable on RCS.
func (s MessageStatus) CanTransition(to MessageStatus, ch Channel) bool {
	if to == MessageRead && ch != ChannelRCS {
		return false
	}
	for _, next := range messageTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition returns m moved to the given status with its timestamps stamped.
// Moving into the current status yields ErrAlreadyApplied.
func (m Message) Transition(to MessageStatus, now time.Time) (Message, error) {
	if m.Status == to {
		return m, appErrors.ErrAlreadyApplied
	}
	if !m.Status.CanTransition(to, m.Channel) {
		return m, appErrors.NewInvalidTransition("message", string(m.Status), string(to))
	}
	m.Status = to
	m.UpdatedAt = &now
	switch to {
	case MessageQueued:
		m.QueuedAt = &now
	case MessageSent:
		m.SentAt = &now
	case MessageDelivered:
		m.DeliveredAt = &now
	case MessageRead:
		m.ReadAt = &now
	case MessageFailed:
		m.FailedAt = &now
	}
	return m, nil
}

// TransitionPath applies each step in order and sums the counter deltas.
func (m Message) TransitionPath(path []MessageStatus, now time.Time) (Message, CounterDelta, error) {
	var delta CounterDelta
	for _, to := range path {
		next, err := m.Transition(to, now)
		if err != nil {
			return m, CounterDelta{}, err
		}
		m = next
		delta = delta.Add(DeltaFor(to))
	}
	return m, delta, nil
}

var forwardChain = []MessageStatus{MessagePending, MessageQueued, MessageSent, MessageDelivered, MessageRead}

func chainIndex(s MessageStatus) int {
	for i, c := range forwardChain {
		if c == s {
			return i
		}
	}
	return -1
}

// PlanStatusAdvance computes the edges that carry a message from current to
// a provider-reported target. Callbacks arrive out of order, so a DELIVERED
// report for a QUEUED message fills in SENT. Reports behind the current state
// yield ErrAlreadyApplied; reports that cannot be reconciled yield an
// InvalidTransitionError.
func PlanStatusAdvance(current, target MessageStatus, ch Channel) ([]MessageStatus, error) {
	if current == target {
		return nil, appErrors.ErrAlreadyApplied
	}
	invalid := appErrors.NewInvalidTransition("message", string(current), string(target))

	if target == MessageFailed {
		switch current {
		case MessagePending:
			return []MessageStatus{MessageQueued, MessageFailed}, nil
		case MessageQueued, MessageSent:
			return []MessageStatus{MessageFailed}, nil
		case MessageDLQ, MessageFallbackSent:
			return nil, appErrors.ErrAlreadyApplied
		default:
			return nil, invalid
		}
	}

	from, to := chainIndex(current), chainIndex(target)
	if to < 0 || (target == MessageRead && ch != ChannelRCS) {
		return nil, invalid
	}
	if from < 0 {
		// FAILED or a dead end; a late success report cannot be replayed.
		return nil, invalid
	}
	if to < from {
		return nil, appErrors.ErrAlreadyApplied
	}
	return append([]MessageStatus(nil), forwardChain[from+1:to+1]...), nil
}

// CounterDelta is the campaign counter change carried by a message transition.
type CounterDelta struct {
	Sent      int
	Delivered int
	Failed    int
	Read      int
	Fallbacks int
}

func (d CounterDelta) Add(o CounterDelta) CounterDelta {
	return CounterDelta{
		Sent:      d.Sent + o.Sent,
		Delivered: d.Delivered + o.Delivered,
		Failed:    d.Failed + o.Failed,
		Read:      d.Read + o.Read,
		Fallbacks: d.Fallbacks + o.Fallbacks,
	}
}

func (d CounterDelta) IsZero() bool {
	return d == CounterDelta{}
}

// DeltaFor returns the counter change for entering status s. A failure is
// counted once, when the message reaches DLQ or hands off to fallback.
func DeltaFor(s MessageStatus) CounterDelta {
	switch s {
	case MessageSent:
		return CounterDelta{Sent: 1}
	case MessageDelivered:
		return CounterDelta{Delivered: 1}
	case MessageRead:
		return CounterDelta{Read: 1}
	case MessageDLQ:
		return CounterDelta{Failed: 1}
	case MessageFallbackSent:
		return CounterDelta{Failed: 1, Fallbacks: 1}
	}
	return CounterDelta{}
}

// Apply adds a delta to campaign counters.
func (c CampaignCounters) Apply(d CounterDelta) CampaignCounters {
	c.Sent += d.Sent
	c.Delivered += d.Delivered
	c.Failed += d.Failed
	c.Read += d.Read
	c.Fallbacks += d.Fallbacks
	return c
}

// NewMessage builds a PENDING message for one recipient attempt.
func NewMessage(c Campaign, recipient string, ch Channel, attempt string, content Content, now time.Time) Message {
	return Message{
		ID:         uuid.New(),
		CampaignID: c.ID,
		TenantID:   c.TenantID,
		Recipient:  recipient,
		Channel:    ch,
		AttemptKey: attempt,
		Status:     MessagePending,
		Content:    content,
		Priority:   c.Priority,
		Version:    1,
		CreatedAt:  now,
	}
}
