package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/rcs-campaign-pipeline/internal/errors"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/idempotency"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/logging"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/model"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/provider"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/queue"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/repository"
)

// inFlightDelay is how long an event waits while another worker holds its claim.
const inFlightDelay = time.Second

var errEventInFlight = errors.New("webhook event claimed by another worker")

// Reconciler applies provider delivery callbacks to messages.
type Reconciler struct {
	MessageRepo repository.MessageRepositoryInterface
	Queue       queue.Queue
	Provider    provider.Client
	Ledger      idempotency.Ledger
	Completion  *CompletionChecker
	BackoffBase time.Duration
	BackoffMax  time.Duration

	now func() time.Time
}

func NewReconciler(
	messages repository.MessageRepositoryInterface,
	q queue.Queue,
	client provider.Client,
	ledger idempotency.Ledger,
	completion *CompletionChecker,
	backoffBase, backoffMax time.Duration,
) *Reconciler {
	return &Reconciler{
		MessageRepo: messages,
		Queue:       q,
		Provider:    client,
		Ledger:      ledger,
		Completion:  completion,
		BackoffBase: backoffBase,
		BackoffMax:  backoffMax,
		now:         time.Now,
	}
}

// IngestWebhook verifies and parses a raw callback and queues it for the
// reconciler pool.
func (r *Reconciler) IngestWebhook(ctx context.Context, raw model.RawWebhook) (model.WebhookEvent, error) {
	ev, err := r.Provider.ParseWebhook(raw)
	if err != nil {
		return model.WebhookEvent{}, err
	}
	if ev.ExternalID == "" {
		return model.WebhookEvent{}, fmt.Errorf("webhook without external id: %w", appErrors.ErrUnsupportedEvent)
	}
	if err := r.Queue.Publish(ctx, model.TopicWebhook, ev, queue.PublishOptions{}); err != nil {
		return model.WebhookEvent{}, fmt.Errorf("queue webhook event: %w", err)
	}
	zerolog.Ctx(ctx).Debug().Str("event_id", ev.EventID).Str("type", string(ev.Type)).Msg("webhook accepted")
	return ev, nil
}

// Handle is the webhook_events job handler.
func (r *Reconciler) Handle(ctx context.Context, job *queue.Job) Decision {
	var ev model.WebhookEvent
	if err := job.Decode(&ev); err != nil {
		return deadLetter("malformed_job", nil, 0, err)
	}
	err := r.Apply(ctx, ev)
	switch {
	case err == nil, errors.Is(err, appErrors.ErrDuplicateEvent):
		return ack()
	case errors.Is(err, errEventInFlight):
		return postpone(inFlightDelay, nil)
	default:
		return retryLater(Backoff(r.BackoffBase, r.BackoffMax, job.Attempt), err)
	}
}

// Apply claims the event in the ledger and moves the referenced message
// forward. Already applied events return ErrDuplicateEvent.
func (r *Reconciler) Apply(ctx context.Context, ev model.WebhookEvent) error {
	key, source := idempotency.DeriveKey(ev)
	ctx = logging.ContextWithEventID(ctx, ev.Provider, ev.EventID)
	logger := zerolog.Ctx(ctx)

	claim, err := r.Ledger.Claim(ctx, key)
	if err != nil {
		return fmt.Errorf("claim %s: %w", key, err)
	}
	switch claim {
	case idempotency.Duplicate:
		logger.Debug().Str("key_source", string(source)).Msg("duplicate webhook event")
		return appErrors.ErrDuplicateEvent
	case idempotency.InFlight:
		return errEventInFlight
	}

	err = r.apply(ctx, ev)
	if errors.Is(err, appErrors.ErrUnknownReference) {
		logger.Warn().Str("external_id", ev.ExternalID).Msg("webhook for unknown message, dropping")
		return r.release(ctx, key)
	}
	if err != nil {
		if relErr := r.release(ctx, key); relErr != nil {
			logger.Warn().Err(relErr).Msg("release claim failed")
		}
		return err
	}
	if err := r.Ledger.Complete(ctx, key); err != nil {
		return fmt.Errorf("complete %s: %w", key, err)
	}
	return nil
}

func (r *Reconciler) release(ctx context.Context, key string) error {
	if err := r.Ledger.Release(ctx, key); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}

func (r *Reconciler) apply(ctx context.Context, ev model.WebhookEvent) error {
	target, ok := ev.Type.TargetStatus()
	if !ok {
		zerolog.Ctx(ctx).Warn().Str("type", string(ev.Type)).Msg("unsupported webhook event type, dropping")
		return nil
	}

	msg, err := r.MessageRepo.GetMessageByExternalID(ctx, ev.ExternalID)
	if errors.Is(err, appErrors.ErrMessageNotFound) {
		return appErrors.ErrUnknownReference
	}
	if err != nil {
		return err
	}
	ctx = logging.ContextWithMessageID(logging.ContextWithCampaignID(ctx, msg.CampaignID), msg.ID)
	logger := zerolog.Ctx(ctx)

	updated, err := mutateMessage(ctx, r.MessageRepo, msg.ID, func(m model.Message) (model.Message, model.CounterDelta, error) {
		path, err := model.PlanStatusAdvance(m.Status, target, m.Channel)
		if err != nil {
			return m, model.CounterDelta{}, err
		}
		if target == model.MessageFailed && m.Channel != model.ChannelRCS {
			path = append(path, model.MessageDLQ)
		}
		next, delta, err := m.TransitionPath(path, r.now().UTC())
		if err != nil {
			return m, delta, err
		}
		if target == model.MessageFailed {
			next.FailureReason = provider.ReasonForCode(ev.ErrorCode)
			next.LastError = failureText(ev)
		}
		return next, delta, nil
	})

	switch {
	case errors.Is(err, appErrors.ErrAlreadyApplied):
		logger.Debug().Str("type", string(ev.Type)).Str("status", string(updated.Status)).Msg("stale webhook event")
	case appErrors.IsInvalidTransition(err):
		logger.Warn().Err(err).Str("type", string(ev.Type)).Msg("webhook event out of order, recorded as anomaly")
		return nil
	case err != nil:
		return err
	default:
		logger.Info().Str("type", string(ev.Type)).Str("status", string(updated.Status)).Msg("webhook applied")
	}

	// a failed RCS message always has a fallback job in flight, even when the
	// first publish was lost
	if updated.Status == model.MessageFailed && updated.Channel == model.ChannelRCS && updated.FailureReason != "" {
		if err := publishFallback(ctx, r.Queue, updated); err != nil {
			return err
		}
	}
	if updated.Status.IsTerminal() {
		if _, err := r.Completion.CheckCompletion(ctx, updated.CampaignID); err != nil {
			logger.Warn().Err(err).Msg("completion check failed")
		}
	}
	return nil
}

func failureText(ev model.WebhookEvent) string {
	switch {
	case ev.ErrorCode != "" && ev.ErrorMessage != "":
		return ev.ErrorCode + ": " + ev.ErrorMessage
	case ev.ErrorCode != "":
		return ev.ErrorCode
	}
	return ev.ErrorMessage
}
