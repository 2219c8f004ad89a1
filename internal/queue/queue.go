package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Queue is an at-least-once work queue with per-job acknowledgement and a
// dead-letter route.
type Queue interface {
	Publish(ctx context.Context, topic string, payload any, opts PublishOptions) error
	Consume(ctx context.Context, topic string, prefetch int) (<-chan *Job, error)
	Ack(job *Job) error
	Nack(job *Job, requeue bool) error
	// DeadLetter moves the job to the topic's dead-letter route with record
	// as the body and settles the original delivery.
	DeadLetter(ctx context.Context, job *Job, record any) error
	Close() error
}

type PublishOptions struct {
	Delay    time.Duration
	Priority uint8
	// Attempt is carried in the x-retry-count header.
	Attempt int
}

// Job is one delivery of a published payload.
type Job struct {
	ID         string
	Topic      string
	Body       []byte
	Attempt    int
	Priority   uint8
	EnqueuedAt time.Time

	settle settler
}

type settler interface {
	ack() error
	nack(requeue bool) error
}

var ErrAlreadySettled = errors.New("job already settled")

// Decode unmarshals the job body into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Body, v); err != nil {
		return fmt.Errorf("decode %s job %s: %w", j.Topic, j.ID, err)
	}
	return nil
}

func encode(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

func newJobID() string {
	return uuid.NewString()
}
