package model_test

import (
	"errors"
	"testing"
	"time"

	appErrors "github.com/unclebandit/rcs-campaign-pipeline/internal/errors"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/model"
)

var allCampaignStatuses = []model.CampaignStatus{
	model.CampaignDraft,
	model.CampaignScheduled,
	model.CampaignActive,
	model.CampaignPaused,
	model.CampaignCompleted,
	model.CampaignCancelled,
}

func TestCampaignTransitionTable(t *testing.T) {
	allowed := map[[2]model.CampaignStatus]bool{
		{model.CampaignDraft, model.CampaignScheduled}:     true,
		{model.CampaignDraft, model.CampaignCancelled}:     true,
		{model.CampaignScheduled, model.CampaignActive}:    true,
		{model.CampaignScheduled, model.CampaignCancelled}: true,
		{model.CampaignActive, model.CampaignPaused}:       true,
		{model.CampaignActive, model.CampaignCompleted}:    true,
		{model.CampaignActive, model.CampaignCancelled}:    true,
		{model.CampaignPaused, model.CampaignActive}:       true,
		{model.CampaignPaused, model.CampaignCancelled}:    true,
	}

	for _, from := range allCampaignStatuses {
		for _, to := range allCampaignStatuses {
			got := from.CanTransition(to)
			if got != allowed[[2]model.CampaignStatus{from, to}] {
				t.Errorf("%s -> %s: expected %v, got %v", from, to, !got, got)
			}
		}
	}
}

func TestCampaignLifecycle(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := model.Campaign{Status: model.CampaignDraft}

	c, err := c.Schedule(now.Add(time.Hour), now)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if c.ScheduledAt == nil || !c.ScheduledAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("expected scheduled_at to be set, got %v", c.ScheduledAt)
	}

	steps := []struct {
		name string
		fn   func(model.Campaign) (model.Campaign, error)
		want model.CampaignStatus
	}{
		{"activate", func(c model.Campaign) (model.Campaign, error) { return c.Activate(now) }, model.CampaignActive},
		{"pause", func(c model.Campaign) (model.Campaign, error) { return c.Pause(now) }, model.CampaignPaused},
		{"resume", func(c model.Campaign) (model.Campaign, error) { return c.Resume(now) }, model.CampaignActive},
		{"complete", func(c model.Campaign) (model.Campaign, error) { return c.Complete(now) }, model.CampaignCompleted},
	}
	for _, s := range steps {
		c, err = s.fn(c)
		if err != nil {
			t.Fatalf("%s: %v", s.name, err)
		}
		if c.Status != s.want {
			t.Fatalf("%s: expected %s, got %s", s.name, s.want, c.Status)
		}
	}
	if c.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}
}

func TestScheduleRequiresFutureTime(t *testing.T) {
	now := time.Now()
	c := model.Campaign{Status: model.CampaignDraft}

	for _, at := range []time.Time{now.Add(-time.Minute), now} {
		next, err := c.Schedule(at, now)
		if !errors.Is(err, appErrors.ErrScheduleNotInFuture) {
			t.Fatalf("expected schedule-not-in-future, got %v", err)
		}
		if appErrors.IsInvalidTransition(err) {
			t.Errorf("a bad schedule time is a validation error, not a state conflict")
		}
		if next.Status != model.CampaignDraft || next.ScheduledAt != nil {
			t.Errorf("campaign must not change on failure, got %s", next.Status)
		}
	}

	// a campaign that cannot be scheduled at all reports the conflict first
	active := model.Campaign{Status: model.CampaignActive}
	if _, err := active.Schedule(now.Add(-time.Minute), now); !appErrors.IsInvalidTransition(err) {
		t.Errorf("expected invalid transition for an active campaign, got %v", err)
	}
}

func TestTerminalCampaignRejectsEverything(t *testing.T) {
	now := time.Now()
	for _, status := range []model.CampaignStatus{model.CampaignCompleted, model.CampaignCancelled} {
		c := model.Campaign{Status: status}
		if _, err := c.Cancel(now); !appErrors.IsInvalidTransition(err) {
			t.Errorf("%s cancel: expected invalid transition, got %v", status, err)
		}
		if _, err := c.Resume(now); !appErrors.IsInvalidTransition(err) {
			t.Errorf("%s resume: expected invalid transition, got %v", status, err)
		}
	}
}

func TestInvalidTransitionNamesBothStates(t *testing.T) {
	c := model.Campaign{Status: model.CampaignDraft}
	_, err := c.Pause(time.Now())

	var ite *appErrors.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if ite.From != "draft" || ite.To != "paused" {
		t.Errorf("unexpected states in error: %+v", ite)
	}
}

func TestQueuePriority(t *testing.T) {
	cases := map[model.Priority]uint8{
		model.PriorityLow:    1,
		model.PriorityMedium: 4,
		model.PriorityHigh:   7,
		model.PriorityUrgent: 10,
		"":                   4,
	}
	for p, want := range cases {
		if got := p.QueuePriority(); got != want {
			t.Errorf("%q: expected %d, got %d", p, want, got)
		}
	}
}
