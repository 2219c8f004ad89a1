package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBuffer = 10000

// DeadLetterEntry is a job that left the live queue.
type DeadLetterEntry struct {
	Job    *Job
	Record any
}

// InMemoryQueue is a process-local Queue. Delays use timers, and nacked jobs
// are re-published with their attempt incremented.
type InMemoryQueue struct {
	mu          sync.Mutex
	topics      map[string]chan *Job
	deadLetters map[string][]DeadLetterEntry
	buffer      int
	delayed     int64
	timers      map[*Job]*time.Timer
	closed      bool
	done        chan struct{}
}

// NewInMemoryQueue creates a new queue
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		topics:      make(map[string]chan *Job),
		deadLetters: make(map[string][]DeadLetterEntry),
		buffer:      defaultBuffer,
		timers:      make(map[*Job]*time.Timer),
		done:        make(chan struct{}),
	}
}

func (q *InMemoryQueue) topic(name string) chan *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch, ok := q.topics[name]
	if !ok {
		ch = make(chan *Job, q.buffer)
		q.topics[name] = ch
	}
	return ch
}

func (q *InMemoryQueue) Publish(ctx context.Context, topic string, payload any, opts PublishOptions) error {
	body, err := encode(payload)
	if err != nil {
		return err
	}
	job := &Job{
		ID:         newJobID(),
		Topic:      topic,
		Body:       body,
		Attempt:    opts.Attempt,
		Priority:   opts.Priority,
		EnqueuedAt: time.Now(),
	}
	return q.enqueue(ctx, job, opts.Delay)
}

func (q *InMemoryQueue) enqueue(ctx context.Context, job *Job, delay time.Duration) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return fmt.Errorf("publish %s: queue closed", job.Topic)
	}

	job.settle = &memorySettle{q: q, job: job}
	ch := q.topic(job.Topic)

	if delay > 0 {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return fmt.Errorf("publish %s: queue closed", job.Topic)
		}
		atomic.AddInt64(&q.delayed, 1)
		q.timers[job] = time.AfterFunc(delay, func() { q.fire(ch, job) })
		q.mu.Unlock()
		return nil
	}

	select {
	case ch <- job:
		return nil
	case <-q.done:
		return fmt.Errorf("publish %s: queue closed", job.Topic)
	case <-ctx.Done():
		return fmt.Errorf("publish %s: %w", job.Topic, ctx.Err())
	}
}

// fire delivers a delayed job. After Close the job is dropped, and a full
// topic no longer holds the timer goroutine.
func (q *InMemoryQueue) fire(ch chan *Job, job *Job) {
	defer atomic.AddInt64(&q.delayed, -1)

	q.mu.Lock()
	delete(q.timers, job)
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return
	}
	select {
	case ch <- job:
	case <-q.done:
	}
}

// Consume returns the topic channel. Consumers on the same topic compete for jobs.
func (q *InMemoryQueue) Consume(_ context.Context, topic string, _ int) (<-chan *Job, error) {
	return q.topic(topic), nil
}

// TryReceive takes the next ready job without blocking.
func (q *InMemoryQueue) TryReceive(topic string) (*Job, bool) {
	select {
	case job := <-q.topic(topic):
		return job, true
	default:
		return nil, false
	}
}

func (q *InMemoryQueue) Ack(job *Job) error {
	return job.settle.ack()
}

func (q *InMemoryQueue) Nack(job *Job, requeue bool) error {
	return job.settle.nack(requeue)
}

func (q *InMemoryQueue) DeadLetter(_ context.Context, job *Job, record any) error {
	if err := job.settle.ack(); err != nil {
		return err
	}
	q.mu.Lock()
	q.deadLetters[job.Topic] = append(q.deadLetters[job.Topic], DeadLetterEntry{Job: job, Record: record})
	q.mu.Unlock()
	return nil
}

// DeadLetters returns what has been dead-lettered from topic.
func (q *InMemoryQueue) DeadLetters(topic string) []DeadLetterEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetterEntry(nil), q.deadLetters[topic]...)
}

// Ready is the number of jobs waiting on topic, not counting delayed ones.
func (q *InMemoryQueue) Ready(topic string) int {
	return len(q.topic(topic))
}

// Delayed is the number of jobs waiting on a timer across all topics.
func (q *InMemoryQueue) Delayed() int {
	return int(atomic.LoadInt64(&q.delayed))
}

// Close rejects further publishes and drops jobs still waiting on a timer.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	close(q.done)
	for job, t := range q.timers {
		// a timer that already fired settles the counter in fire
		if t.Stop() {
			atomic.AddInt64(&q.delayed, -1)
		}
		delete(q.timers, job)
	}
	return nil
}

type memorySettle struct {
	q       *InMemoryQueue
	job     *Job
	settled int32
}

func (s *memorySettle) ack() error {
	if !atomic.CompareAndSwapInt32(&s.settled, 0, 1) {
		return ErrAlreadySettled
	}
	return nil
}

func (s *memorySettle) nack(requeue bool) error {
	if !atomic.CompareAndSwapInt32(&s.settled, 0, 1) {
		return ErrAlreadySettled
	}
	if !requeue {
		s.q.mu.Lock()
		s.q.deadLetters[s.job.Topic] = append(s.q.deadLetters[s.job.Topic], DeadLetterEntry{Job: s.job, Record: "rejected"})
		s.q.mu.Unlock()
		return nil
	}
	redelivery := *s.job
	redelivery.Attempt++
	return s.q.enqueue(context.Background(), &redelivery, 0)
}
