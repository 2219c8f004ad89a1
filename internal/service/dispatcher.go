package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/rcs-campaign-pipeline/internal/errors"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/logging"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/model"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/provider"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/queue"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/repository"
)

// RateLimiter gates sends per tenant and provider.
type RateLimiter interface {
	Allow(tenantID uuid.UUID, provider string) (bool, time.Duration)
}

type DispatcherOptions struct {
	MaxRetries      int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	RateLimitDelay  time.Duration
	ProviderTimeout time.Duration
}

// Backoff is min(ceiling, base*2^retry).
func Backoff(base, ceiling time.Duration, retry int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < retry; i++ {
		d *= 2
		if ceiling > 0 && d >= ceiling {
			return ceiling
		}
	}
	if ceiling > 0 && d > ceiling {
		return ceiling
	}
	return d
}

// Dispatcher sends one message per job through the provider.
type Dispatcher struct {
	MessageRepo repository.MessageRepositoryInterface
	Queue       queue.Queue
	Provider    provider.Client
	Limiter     RateLimiter
	Completion  *CompletionChecker
	Options     DispatcherOptions

	now func() time.Time
}

func NewDispatcher(
	messages repository.MessageRepositoryInterface,
	q queue.Queue,
	client provider.Client,
	limiter RateLimiter,
	completion *CompletionChecker,
	opts DispatcherOptions,
) *Dispatcher {
	if opts.RateLimitDelay <= 0 {
		opts.RateLimitDelay = 250 * time.Millisecond
	}
	return &Dispatcher{
		MessageRepo: messages,
		Queue:       q,
		Provider:    client,
		Limiter:     limiter,
		Completion:  completion,
		Options:     opts,
		now:         time.Now,
	}
}

// Handle is the message_dispatch job handler.
func (d *Dispatcher) Handle(ctx context.Context, job *queue.Job) Decision {
	var payload model.DispatchJob
	if err := job.Decode(&payload); err != nil {
		return deadLetter("malformed_job", nil, 0, err)
	}
	ctx = logging.ContextWithMessageID(ctx, payload.MessageID)
	logger := zerolog.Ctx(ctx)
	storeRetry := Backoff(d.Options.BackoffBase, d.Options.BackoffMax, job.Attempt)

	m, err := d.MessageRepo.GetMessage(ctx, payload.MessageID)
	if errors.Is(err, appErrors.ErrMessageNotFound) {
		return deadLetter("unknown_message", &payload.MessageID, 0, err)
	}
	if err != nil {
		return retryLater(storeRetry, err)
	}
	ctx = logging.ContextWithCampaignID(ctx, m.CampaignID)

	switch m.Status {
	case model.MessageSent, model.MessageDelivered, model.MessageRead, model.MessageDLQ, model.MessageFallbackSent:
		logger.Debug().Str("status", string(m.Status)).Msg("duplicate dispatch, message already past sending")
		return ack()
	case model.MessageFailed:
		return d.resumeFailed(ctx, m, storeRetry)
	case model.MessagePending:
		// published but never marked QUEUED
		if err := markQueued(ctx, d.MessageRepo, m.ID, d.now().UTC()); err != nil {
			return retryLater(storeRetry, err)
		}
	}

	if payload.ExternalID != "" {
		logger.Info().Str("external_id", payload.ExternalID).Msg("provider already accepted, recording sent")
		return d.recordSent(ctx, m, provider.SendResult{ExternalID: payload.ExternalID}, payload.Provider, storeRetry)
	}

	allowed, wait := d.Limiter.Allow(m.TenantID, d.Provider.Name())
	if !allowed {
		if wait < d.Options.RateLimitDelay {
			wait = d.Options.RateLimitDelay
		}
		logger.Debug().Dur("wait", wait).Msg("rate limited")
		return postpone(wait, nil)
	}

	sendCtx := ctx
	if d.Options.ProviderTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, d.Options.ProviderTimeout)
		defer cancel()
	}
	res, sendErr := d.Provider.Send(sendCtx, provider.SendRequest{
		MessageID: m.ID,
		Channel:   m.Channel,
		Recipient: m.Recipient,
		Content:   m.Content,
	})

	var transient *appErrors.TransientProviderError
	var permanent *appErrors.PermanentProviderError
	switch {
	case sendErr == nil:
		return d.recordSent(ctx, m, res, d.Provider.Name(), storeRetry)
	case errors.As(sendErr, &permanent):
		return d.recordPermanent(ctx, m.ID, permanent, storeRetry)
	case errors.As(sendErr, &transient):
		return d.recordTransient(ctx, m.ID, sendErr, transient.RetryAfter, storeRetry)
	default:
		// unclassified adapter errors are retried like transient ones
		return d.recordTransient(ctx, m.ID, sendErr, 0, storeRetry)
	}
}

// sentWriteAttempts bounds the in-handler retries of the SENT write. The
// provider has accepted the message at that point, so a redelivery must not
// send it again.
const sentWriteAttempts = 3

func (d *Dispatcher) recordSent(ctx context.Context, m *model.Message, res provider.SendResult, providerName string, storeRetry time.Duration) Decision {
	externalID := res.ExternalID
	var err error
	for i := 0; i < sentWriteAttempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(Backoff(d.Options.BackoffBase, d.Options.BackoffMax, i-1)):
			}
		}
		_, err = mutateMessage(ctx, d.MessageRepo, m.ID, func(cur model.Message) (model.Message, model.CounterDelta, error) {
			next, delta, err := cur.TransitionPath([]model.MessageStatus{model.MessageSent}, d.now().UTC())
			if err != nil {
				return cur, delta, err
			}
			next.Provider = providerName
			next.ExternalID = &externalID
			next.LastError = ""
			return next, delta, nil
		})
		if err == nil || errors.Is(err, appErrors.ErrAlreadyApplied) || appErrors.IsInvalidTransition(err) || ctx.Err() != nil {
			break
		}
	}
	if err != nil {
		if errors.Is(err, appErrors.ErrAlreadyApplied) || appErrors.IsInvalidTransition(err) {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("message moved during send, keeping stored state")
			return ack()
		}
		zerolog.Ctx(ctx).Error().Err(err).Str("external_id", externalID).Msg("sent but not recorded, requeueing result")
		dec := retryLater(storeRetry, err)
		dec.Payload = model.DispatchJob{
			MessageID:  m.ID,
			RetryCount: m.RetryCount,
			Priority:   m.Priority,
			ExternalID: externalID,
			Provider:   providerName,
		}
		return dec
	}
	zerolog.Ctx(ctx).Info().Str("external_id", externalID).Str("provider", providerName).Msg("message sent")
	return ack()
}

func (d *Dispatcher) recordTransient(ctx context.Context, id uuid.UUID, sendErr error, retryAfter, storeRetry time.Duration) Decision {
	maxRetries := d.Options.MaxRetries
	updated, err := mutateMessage(ctx, d.MessageRepo, id, func(m model.Message) (model.Message, model.CounterDelta, error) {
		path := []model.MessageStatus{model.MessageFailed, model.MessageQueued}
		if m.RetryCount+1 >= maxRetries {
			path = []model.MessageStatus{model.MessageFailed, model.MessageDLQ}
		}
		next, delta, err := m.TransitionPath(path, d.now().UTC())
		if err != nil {
			return m, delta, err
		}
		next.RetryCount = m.RetryCount + 1
		next.LastError = sendErr.Error()
		if next.Status == model.MessageDLQ {
			next.FailureReason = appErrors.ReasonRetryExhausted
		}
		return next, delta, nil
	})
	if err != nil {
		if errors.Is(err, appErrors.ErrAlreadyApplied) || appErrors.IsInvalidTransition(err) {
			return ack()
		}
		return retryLater(storeRetry, err)
	}

	logger := zerolog.Ctx(ctx).With().Err(sendErr).Int("retry", updated.RetryCount).Logger()
	if updated.Status == model.MessageDLQ {
		logger.Error().Msg("retries exhausted, message dead-lettered")
		d.checkCompletion(ctx, updated.CampaignID)
		return deadLetter(appErrors.ReasonRetryExhausted, &updated.ID, updated.RetryCount, sendErr)
	}

	delay := Backoff(d.Options.BackoffBase, d.Options.BackoffMax, updated.RetryCount-1)
	if retryAfter > delay {
		delay = retryAfter
	}
	logger.Warn().Dur("delay", delay).Msg("transient send failure, retrying")
	return postpone(delay, model.DispatchJob{MessageID: updated.ID, RetryCount: updated.RetryCount, Priority: updated.Priority})
}

func (d *Dispatcher) recordPermanent(ctx context.Context, id uuid.UUID, perr *appErrors.PermanentProviderError, storeRetry time.Duration) Decision {
	updated, err := mutateMessage(ctx, d.MessageRepo, id, func(m model.Message) (model.Message, model.CounterDelta, error) {
		var path []model.MessageStatus
		if m.Status != model.MessageFailed {
			path = append(path, model.MessageFailed)
		}
		if m.Channel != model.ChannelRCS {
			path = append(path, model.MessageDLQ)
		}
		next, delta, err := m.TransitionPath(path, d.now().UTC())
		if err != nil {
			return m, delta, err
		}
		next.FailureReason = perr.Reason
		next.LastError = perr.Error()
		return next, delta, nil
	})
	if err != nil {
		if errors.Is(err, appErrors.ErrAlreadyApplied) || appErrors.IsInvalidTransition(err) {
			return ack()
		}
		return retryLater(storeRetry, err)
	}

	logger := zerolog.Ctx(ctx).With().Str("reason", perr.Reason).Str("code", perr.Code).Logger()
	if updated.Status == model.MessageDLQ {
		logger.Error().Msg("permanent failure on sms, message dead-lettered")
		d.checkCompletion(ctx, updated.CampaignID)
		return deadLetter(perr.Reason, &updated.ID, updated.RetryCount+1, perr)
	}

	logger.Warn().Msg("permanent failure on rcs, falling back to sms")
	if err := publishFallback(ctx, d.Queue, updated); err != nil {
		// the next delivery finds FAILED and re-publishes
		return retryLater(storeRetry, err)
	}
	return ack()
}

// resumeFailed finishes a FAILED message left behind by a crash.
func (d *Dispatcher) resumeFailed(ctx context.Context, m *model.Message, storeRetry time.Duration) Decision {
	if m.FailureReason != "" {
		if m.Channel == model.ChannelRCS {
			if err := publishFallback(ctx, d.Queue, m); err != nil {
				return retryLater(storeRetry, err)
			}
			return ack()
		}
		return d.recordPermanent(ctx, m.ID, &appErrors.PermanentProviderError{
			Provider: m.Provider,
			Reason:   m.FailureReason,
			Err:      errors.New(m.LastError),
		}, storeRetry)
	}

	updated, err := mutateMessage(ctx, d.MessageRepo, m.ID, func(cur model.Message) (model.Message, model.CounterDelta, error) {
		to := model.MessageQueued
		if cur.RetryCount >= d.Options.MaxRetries {
			to = model.MessageDLQ
		}
		next, delta, err := cur.TransitionPath([]model.MessageStatus{to}, d.now().UTC())
		if err != nil {
			return cur, delta, err
		}
		if to == model.MessageDLQ {
			next.FailureReason = appErrors.ReasonRetryExhausted
		}
		return next, delta, nil
	})
	if err != nil {
		if errors.Is(err, appErrors.ErrAlreadyApplied) || appErrors.IsInvalidTransition(err) {
			return ack()
		}
		return retryLater(storeRetry, err)
	}
	if updated.Status == model.MessageDLQ {
		d.checkCompletion(ctx, updated.CampaignID)
		return deadLetter(appErrors.ReasonRetryExhausted, &updated.ID, updated.RetryCount, errors.New(updated.LastError))
	}
	return postpone(Backoff(d.Options.BackoffBase, d.Options.BackoffMax, updated.RetryCount), model.DispatchJob{
		MessageID:  updated.ID,
		RetryCount: updated.RetryCount,
		Priority:   updated.Priority,
	})
}

func (d *Dispatcher) checkCompletion(ctx context.Context, campaignID uuid.UUID) {
	if d.Completion == nil {
		return
	}
	if _, err := d.Completion.CheckCompletion(ctx, campaignID); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("completion check failed")
	}
}

func publishFallback(ctx context.Context, q queue.Queue, m *model.Message) error {
	return q.Publish(ctx, model.TopicFallback, model.FallbackJob{
		MessageID: m.ID,
		Reason:    m.FailureReason,
	}, queue.PublishOptions{Priority: m.Priority.QueuePriority()})
}
