package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/rcs-campaign-pipeline/internal/errors"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/logging"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/model"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/queue"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/repository"
)

// FallbackHandler re-sends a permanently failed RCS message as SMS.
type FallbackHandler struct {
	MessageRepo repository.MessageRepositoryInterface
	Queue       queue.Queue
	Completion  *CompletionChecker
	BackoffBase time.Duration
	BackoffMax  time.Duration

	now func() time.Time
}

func NewFallbackHandler(messages repository.MessageRepositoryInterface, q queue.Queue, completion *CompletionChecker, backoffBase, backoffMax time.Duration) *FallbackHandler {
	return &FallbackHandler{
		MessageRepo: messages,
		Queue:       q,
		Completion:  completion,
		BackoffBase: backoffBase,
		BackoffMax:  backoffMax,
		now:         time.Now,
	}
}

// Handle is the message_fallback job handler.
func (f *FallbackHandler) Handle(ctx context.Context, job *queue.Job) Decision {
	var payload model.FallbackJob
	if err := job.Decode(&payload); err != nil {
		return deadLetter("malformed_job", nil, 0, err)
	}
	ctx = logging.ContextWithMessageID(ctx, payload.MessageID)

	err := f.Fallback(ctx, payload)
	switch {
	case err == nil:
		return ack()
	case errors.Is(err, appErrors.ErrMessageNotFound):
		return deadLetter("unknown_message", &payload.MessageID, 0, err)
	default:
		return retryLater(Backoff(f.BackoffBase, f.BackoffMax, job.Attempt), err)
	}
}

// Fallback creates the SMS attempt for the original message, queues it and
// marks the original FALLBACK_SENT. Running it twice is harmless.
func (f *FallbackHandler) Fallback(ctx context.Context, job model.FallbackJob) error {
	original, err := f.MessageRepo.GetMessage(ctx, job.MessageID)
	if err != nil {
		return err
	}
	ctx = logging.ContextWithCampaignID(ctx, original.CampaignID)
	logger := zerolog.Ctx(ctx)

	switch {
	case original.Status == model.MessageFallbackSent:
		logger.Debug().Msg("fallback already sent")
		return nil
	case original.Status != model.MessageFailed || original.Channel != model.ChannelRCS:
		logger.Warn().Str("status", string(original.Status)).Str("channel", string(original.Channel)).
			Msg("fallback requested for a message that is not a failed rcs attempt, dropping")
		return nil
	}

	now := f.now().UTC()
	sms := model.NewMessage(model.Campaign{
		ID:       original.CampaignID,
		TenantID: original.TenantID,
		Priority: original.Priority,
	}, original.Recipient, model.ChannelSMS, model.AttemptFallback, model.Content{Text: original.Content.SMSText()}, now)
	originalID := original.ID
	sms.OriginalMessageID = &originalID

	stored, created, err := f.MessageRepo.InsertMessageIfAbsent(ctx, &sms)
	if err != nil {
		return err
	}
	if stored.Status == model.MessagePending {
		if err := publishDispatch(ctx, f.Queue, stored, 0); err != nil {
			return err
		}
		if err := markQueued(ctx, f.MessageRepo, stored.ID, now); err != nil {
			return err
		}
	}

	_, err = mutateMessage(ctx, f.MessageRepo, original.ID, transitionTo(now, model.MessageFallbackSent))
	if err != nil && !errors.Is(err, appErrors.ErrAlreadyApplied) {
		return err
	}
	logger.Info().
		Str("fallback_message_id", stored.ID.String()).
		Bool("created", created).
		Str("reason", job.Reason).
		Msg("sms fallback queued")

	if _, err := f.Completion.CheckCompletion(ctx, original.CampaignID); err != nil {
		logger.Warn().Err(err).Msg("completion check failed")
	}
	return nil
}
