package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/rcs-campaign-pipeline/internal/errors"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/logging"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/model"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/repository"
)

// maxConflictRetries bounds re-reads after an optimistic version conflict.
const maxConflictRetries = 5

// mutateMessage re-reads the message and applies fn until the versioned write
// lands. fn returns the next state and its counter delta.
func mutateMessage(
	ctx context.Context,
	repo repository.MessageRepositoryInterface,
	id uuid.UUID,
	fn func(m model.Message) (model.Message, model.CounterDelta, error),
) (*model.Message, error) {
	var lastErr error
	for i := 0; i < maxConflictRetries; i++ {
		current, err := repo.GetMessage(ctx, id)
		if err != nil {
			return nil, err
		}
		next, delta, err := fn(*current)
		if err != nil {
			return current, err
		}
		err = repo.UpdateMessage(ctx, &next, current.Version, delta)
		if err == nil {
			return &next, nil
		}
		if !errors.Is(err, appErrors.ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
		zerolog.Ctx(ctx).Debug().Int("attempt", i+1).Msg("message version conflict, re-reading")
	}
	return nil, fmt.Errorf("update message %s: %w", id, lastErr)
}

// transitionTo moves a message along path, stamping timestamps and deltas.
func transitionTo(now time.Time, path ...model.MessageStatus) func(model.Message) (model.Message, model.CounterDelta, error) {
	return func(m model.Message) (model.Message, model.CounterDelta, error) {
		return m.TransitionPath(path, now)
	}
}

// markQueued moves a freshly published message PENDING->QUEUED. A dispatcher
// that got there first is not an error.
func markQueued(ctx context.Context, repo repository.MessageRepositoryInterface, id uuid.UUID, now time.Time) error {
	_, err := mutateMessage(ctx, repo, id, transitionTo(now, model.MessageQueued))
	if err == nil || errors.Is(err, appErrors.ErrAlreadyApplied) || appErrors.IsInvalidTransition(err) {
		return nil
	}
	return err
}

// CompletionChecker moves an ACTIVE campaign to COMPLETED once its recipient
// list is exhausted and every message is terminal.
type CompletionChecker struct {
	CampaignRepo repository.CampaignRepositoryInterface
	MessageRepo  repository.MessageRepositoryInterface

	now func() time.Time
}

func NewCompletionChecker(campaigns repository.CampaignRepositoryInterface, messages repository.MessageRepositoryInterface) *CompletionChecker {
	return &CompletionChecker{CampaignRepo: campaigns, MessageRepo: messages, now: time.Now}
}

// CheckCompletion reports whether this call completed the campaign.
func (c *CompletionChecker) CheckCompletion(ctx context.Context, campaignID uuid.UUID) (bool, error) {
	ctx = logging.ContextWithCampaignID(ctx, campaignID)
	for i := 0; i < maxConflictRetries; i++ {
		campaign, err := c.CampaignRepo.GetCampaign(ctx, campaignID)
		if err != nil {
			return false, err
		}
		if campaign.Status != model.CampaignActive || !campaign.Materialized() {
			return false, nil
		}
		open, err := c.MessageRepo.CountNonTerminal(ctx, campaignID)
		if err != nil {
			return false, err
		}
		if open > 0 {
			return false, nil
		}

		next, err := campaign.Complete(c.now().UTC())
		if err != nil {
			return false, err
		}
		err = c.CampaignRepo.UpdateCampaign(ctx, &next, campaign.Version)
		if errors.Is(err, appErrors.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return false, err
		}
		zerolog.Ctx(ctx).Info().
			Int("sent", next.Counters.Sent).
			Int("delivered", next.Counters.Delivered).
			Int("failed", next.Counters.Failed).
			Msg("campaign completed")
		return true, nil
	}
	return false, fmt.Errorf("complete campaign %s: %w", campaignID, appErrors.ErrVersionConflict)
}
