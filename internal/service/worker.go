package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/unclebandit/rcs-campaign-pipeline/internal/logging"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/model"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/queue"
)

// DefaultMaxJobAttempts bounds redeliveries caused by store or queue errors.
const DefaultMaxJobAttempts = 5

type Action int

const (
	ActionAck Action = iota
	ActionRequeue
	ActionDeadLetter
)

func (a Action) String() string {
	switch a {
	case ActionAck:
		return "ack"
	case ActionRequeue:
		return "requeue"
	case ActionDeadLetter:
		return "dead_letter"
	}
	return "unknown"
}

// Decision tells the pool how to settle a job.
type Decision struct {
	Action Action
	Delay  time.Duration
	// Payload replaces the job body on requeue when set.
	Payload any
	// CountAttempt makes the requeue count against MaxAttempts.
	CountAttempt bool
	Record       *model.DLQRecord
	Err          error
}

func ack() Decision { return Decision{Action: ActionAck} }

// retryLater requeues after a store or queue failure.
func retryLater(delay time.Duration, err error) Decision {
	return Decision{Action: ActionRequeue, Delay: delay, CountAttempt: true, Err: err}
}

// postpone requeues without spending an attempt.
func postpone(delay time.Duration, payload any) Decision {
	return Decision{Action: ActionRequeue, Delay: delay, Payload: payload}
}

func deadLetter(failureType string, messageID *uuid.UUID, attempts int, err error) Decision {
	rec := &model.DLQRecord{MessageID: messageID, Attempts: attempts, FailureType: failureType}
	if err != nil {
		rec.LastError = err.Error()
	}
	return Decision{Action: ActionDeadLetter, Record: rec, Err: err}
}

// HandlerFunc processes one job. It must not settle the job itself.
type HandlerFunc func(ctx context.Context, job *queue.Job) Decision

// Worker is a pool of goroutines consuming one topic.
type Worker struct {
	Name        string
	Queue       queue.Queue
	Topic       string
	Concurrency int
	Prefetch    int
	Timeout     time.Duration
	MaxAttempts int
	Handler     HandlerFunc

	now func() time.Time
}

// Constructor
func NewWorker(name string, q queue.Queue, topic string, concurrency int, timeout time.Duration, handler HandlerFunc) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		Name:        name,
		Queue:       q,
		Topic:       topic,
		Concurrency: concurrency,
		Prefetch:    concurrency * 2,
		Timeout:     timeout,
		MaxAttempts: DefaultMaxJobAttempts,
		Handler:     handler,
		now:         time.Now,
	}
}

// Start consumes until ctx is cancelled and in-progress jobs have settled.
func (w *Worker) Start(ctx context.Context) error {
	jobs, err := w.Queue.Consume(ctx, w.Topic, w.Prefetch)
	if err != nil {
		return fmt.Errorf("%s: consume %s: %w", w.Name, w.Topic, err)
	}
	zerolog.Ctx(ctx).Info().Str("worker", w.Name).Str("topic", w.Topic).Int("concurrency", w.Concurrency).Msg("worker started")

	var wg sync.WaitGroup
	for i := 0; i < w.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-jobs:
					if !ok {
						return
					}
					w.Handle(ctx, job)
				}
			}
		}()
	}
	wg.Wait()
	zerolog.Ctx(ctx).Info().Str("worker", w.Name).Msg("worker stopped")
	return nil
}

// Handle runs the handler for one job and settles it.
func (w *Worker) Handle(ctx context.Context, job *queue.Job) Decision {
	ctx = logging.ContextWithJob(ctx, job.Topic, job.ID, job.Attempt)

	d := w.run(ctx, job)
	if d.Action == ActionRequeue && d.CountAttempt && w.MaxAttempts > 0 && job.Attempt+1 >= w.MaxAttempts {
		d = deadLetter(dlqRetryExhausted, nil, job.Attempt+1, d.Err)
	}
	w.settle(ctx, job, d)
	return d
}

const dlqRetryExhausted = "retry_exhausted"

func (w *Worker) run(ctx context.Context, job *queue.Job) (d Decision) {
	jobCtx := ctx
	if w.Timeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, w.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			zerolog.Ctx(ctx).Error().Interface("panic", r).Msg("job handler panicked")
			d = retryLater(time.Second, fmt.Errorf("panic: %v", r))
		}
	}()
	return w.Handler(jobCtx, job)
}

func (w *Worker) settle(ctx context.Context, job *queue.Job, d Decision) {
	logger := zerolog.Ctx(ctx)

	switch d.Action {
	case ActionAck:
		if err := w.Queue.Ack(job); err != nil && !errors.Is(err, queue.ErrAlreadySettled) {
			logger.Error().Err(err).Msg("ack failed")
		}

	case ActionRequeue:
		var payload any = json.RawMessage(job.Body)
		if d.Payload != nil {
			payload = d.Payload
		}
		attempt := job.Attempt
		if d.CountAttempt {
			attempt++
		}
		ev := logger.Debug()
		if d.Err != nil {
			ev = logger.Warn().Err(d.Err)
		}
		ev.Dur("delay", d.Delay).Int("next_attempt", attempt).Msg("requeueing job")

		err := w.Queue.Publish(ctx, job.Topic, payload, queue.PublishOptions{
			Delay:    d.Delay,
			Priority: job.Priority,
			Attempt:  attempt,
		})
		if err != nil {
			logger.Error().Err(err).Msg("requeue publish failed, returning job to broker")
			if err := w.Queue.Nack(job, true); err != nil {
				logger.Error().Err(err).Msg("nack failed")
			}
			return
		}
		if err := w.Queue.Ack(job); err != nil && !errors.Is(err, queue.ErrAlreadySettled) {
			logger.Error().Err(err).Msg("ack after requeue failed")
		}

	case ActionDeadLetter:
		rec := d.Record
		if rec == nil {
			rec = &model.DLQRecord{FailureType: "unknown"}
		}
		rec.Topic = job.Topic
		if rec.Attempts == 0 {
			rec.Attempts = job.Attempt + 1
		}
		if rec.Timestamp.IsZero() {
			rec.Timestamp = w.now().UTC()
		}
		logger.Error().Err(d.Err).Str("failure_type", rec.FailureType).Int("attempts", rec.Attempts).Msg("dead-lettering job")
		if err := w.Queue.DeadLetter(ctx, job, *rec); err != nil {
			logger.Error().Err(err).Msg("dead-letter failed, rejecting job")
			if err := w.Queue.Nack(job, false); err != nil {
				logger.Error().Err(err).Msg("nack failed")
			}
		}
	}
}
