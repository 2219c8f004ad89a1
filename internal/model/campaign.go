// internal/model/campaign.go
package model

import (
	"time"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/rcs-campaign-pipeline/internal/errors"
)

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCancelled CampaignStatus = "cancelled"
)

type CampaignType string

const (
	CampaignPromotional   CampaignType = "promotional"
	CampaignTransactional CampaignType = "transactional"
	CampaignReminder      CampaignType = "reminder"
	CampaignNotification  CampaignType = "notification"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// QueuePriority maps a campaign priority onto the broker's 0-10 scale.
func (p Priority) QueuePriority() uint8 {
	switch p {
	case PriorityLow:
		return 1
	case PriorityHigh:
		return 7
	case PriorityUrgent:
		return 10
	default:
		return 4
	}
}

// CampaignCounters only move through message transitions, see CounterDelta.
type CampaignCounters struct {
	Sent      int `db:"sent_count" json:"sent"`
	Delivered int `db:"delivered_count" json:"delivered"`
	Failed    int `db:"failed_count" json:"failed"`
	Read      int `db:"read_count" json:"read"`
	Fallbacks int `db:"fallback_count" json:"fallbacks"`
}

type Campaign struct {
	ID              uuid.UUID        `db:"id" json:"id"`
	TenantID        uuid.UUID        `db:"tenant_id" json:"tenant_id"`
	Name            string           `db:"name" json:"name"`
	Type            CampaignType     `db:"type" json:"type"`
	Priority        Priority         `db:"priority" json:"priority"`
	Channel         Channel          `db:"channel" json:"channel"`
	TemplateRef     string           `db:"template_ref" json:"template_ref"`
	Template        Content          `db:"template" json:"template"`
	Status          CampaignStatus   `db:"status" json:"status"`
	ScheduledAt     *time.Time       `db:"scheduled_at" json:"scheduled_at,omitempty"`
	RecipientCursor int64            `db:"recipient_cursor" json:"recipient_cursor"`
	MaterializedAt  *time.Time       `db:"materialized_at" json:"materialized_at,omitempty"`
	Counters        CampaignCounters `json:"counters"`
	Version         int64            `db:"version" json:"version"`
	CreatedAt       time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt       *time.Time       `db:"updated_at" json:"updated_at,omitempty"`
	CompletedAt     *time.Time       `db:"completed_at" json:"completed_at,omitempty"`
}

var campaignTransitions = map[CampaignStatus][]CampaignStatus{
	CampaignDraft:     {CampaignScheduled, CampaignCancelled},
	CampaignScheduled: {CampaignActive, CampaignCancelled},
	CampaignActive:    {CampaignPaused, CampaignCompleted, CampaignCancelled},
	CampaignPaused:    {CampaignActive, CampaignCancelled},
}

// CanTransition reports whether the lifecycle graph has an edge from -> to.
func (s CampaignStatus) CanTransition(to CampaignStatus) bool {
	for _, next := range campaignTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s CampaignStatus) IsTerminal() bool {
	return s == CampaignCompleted || s == CampaignCancelled
}

func (c Campaign) transition(to CampaignStatus, now time.Time) (Campaign, error) {
	if !c.Status.CanTransition(to) {
		return c, appErrors.NewInvalidTransition("campaign", string(c.Status), string(to))
	}
	c.Status = to
	c.UpdatedAt = &now
	return c, nil
}

// Schedule moves a draft to SCHEDULED. The timestamp must be in the future.
func (c Campaign) Schedule(at, now time.Time) (Campaign, error) {
	next, err := c.transition(CampaignScheduled, now)
	if err != nil {
		return c, err
	}
	if !at.After(now) {
		return c, appErrors.ErrScheduleNotInFuture
	}
	at = at.UTC()
	next.ScheduledAt = &at
	return next, nil
}

func (c Campaign) Activate(now time.Time) (Campaign, error) {
	if c.Status != CampaignScheduled {
		return c, appErrors.NewInvalidTransition("campaign", string(c.Status), string(CampaignActive))
	}
	return c.transition(CampaignActive, now)
}

func (c Campaign) Pause(now time.Time) (Campaign, error) {
	return c.transition(CampaignPaused, now)
}

func (c Campaign) Resume(now time.Time) (Campaign, error) {
	if c.Status != CampaignPaused {
		return c, appErrors.NewInvalidTransition("campaign", string(c.Status), string(CampaignActive))
	}
	return c.transition(CampaignActive, now)
}

func (c Campaign) Complete(now time.Time) (Campaign, error) {
	next, err := c.transition(CampaignCompleted, now)
	if err != nil {
		return c, err
	}
	next.CompletedAt = &now
	return next, nil
}

func (c Campaign) Cancel(now time.Time) (Campaign, error) {
	return c.transition(CampaignCancelled, now)
}

// Materialized reports whether the orchestrator has exhausted the recipient list.
func (c Campaign) Materialized() bool {
	return c.MaterializedAt != nil
}
