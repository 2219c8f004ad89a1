package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
)

const (
	headerRetryCount = "x-retry-count"
	headerDLQReason  = "x-dlq-reason"
	headerTopic      = "x-original-topic"
	maxPriority      = 10
)

// RabbitMQ is the broker-backed Queue. Each topic gets a durable priority
// queue whose rejects dead-letter through <prefix>.dlx into <topic>.dlq.
// Delayed publishes go to per-delay TTL queues that dead-letter back into
// the topic when the TTL expires.
type RabbitMQ struct {
	conn   *amqp.Connection
	pub    *amqp.Channel
	pubMu  sync.Mutex
	prefix string

	declMu   sync.Mutex
	declared map[string]bool
}

// DialRabbitMQ connects and declares the topology for topics.
func DialRabbitMQ(url, prefix string, topics ...string) (*RabbitMQ, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}

	r := &RabbitMQ{conn: conn, pub: ch, prefix: prefix, declared: make(map[string]bool)}
	if err := ch.ExchangeDeclare(r.dlx(), "direct", true, false, false, false, nil); err != nil {
		r.Close()
		return nil, fmt.Errorf("declare dead-letter exchange: %w", err)
	}
	for _, topic := range topics {
		if err := r.declareTopic(topic); err != nil {
			r.Close()
			return nil, err
		}
	}
	return r, nil
}

func (r *RabbitMQ) dlx() string                   { return r.prefix + ".dlx" }
func (r *RabbitMQ) queueName(topic string) string { return r.prefix + "." + topic }
func (r *RabbitMQ) dlqKey(topic string) string    { return topic + ".dlq" }

func (r *RabbitMQ) declareTopic(topic string) error {
	_, err := r.pub.QueueDeclare(
		r.queueName(topic),
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{
			"x-max-priority":            int32(maxPriority),
			"x-dead-letter-exchange":    r.dlx(),
			"x-dead-letter-routing-key": r.dlqKey(topic),
		},
	)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", topic, err)
	}

	dlq := r.queueName(r.dlqKey(topic))
	if _, err := r.pub.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter queue %s: %w", topic, err)
	}
	if err := r.pub.QueueBind(dlq, r.dlqKey(topic), r.dlx(), false, nil); err != nil {
		return fmt.Errorf("bind dead-letter queue %s: %w", topic, err)
	}
	return nil
}

// QuantizeDelay rounds delays up so the number of TTL queues stays small.
func QuantizeDelay(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return 0
	case d < time.Second:
		step := 250 * time.Millisecond
		return (d + step - 1) / step * step
	default:
		return (d + time.Second - 1) / time.Second * time.Second
	}
}

// delayQueueArgs dead-letters expired messages back to target. The queue
// itself never expires: a message parked in it must outlive any idle period.
func delayQueueArgs(target string, delay time.Duration) amqp.Table {
	return amqp.Table{
		"x-message-ttl":             int32(delay.Milliseconds()),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": target,
	}
}

// delayQueue declares (once) the TTL queue for topic and delay.
func (r *RabbitMQ) delayQueue(topic string, delay time.Duration) (string, error) {
	name := fmt.Sprintf("%s.delay.%d", r.queueName(topic), delay.Milliseconds())

	r.declMu.Lock()
	defer r.declMu.Unlock()
	if r.declared[name] {
		return name, nil
	}

	r.pubMu.Lock()
	_, err := r.pub.QueueDeclare(name, true, false, false, false, delayQueueArgs(r.queueName(topic), delay))
	r.pubMu.Unlock()
	if err != nil {
		return "", fmt.Errorf("declare delay queue %s: %w", name, err)
	}
	r.declared[name] = true
	return name, nil
}

func (r *RabbitMQ) Publish(ctx context.Context, topic string, payload any, opts PublishOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := encode(payload)
	if err != nil {
		return err
	}

	routingKey := r.queueName(topic)
	if delay := QuantizeDelay(opts.Delay); delay > 0 {
		if routingKey, err = r.delayQueue(topic, delay); err != nil {
			return err
		}
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Priority:     opts.Priority,
		MessageId:    newJobID(),
		Timestamp:    time.Now().UTC(),
		Headers: amqp.Table{
			headerRetryCount: int32(opts.Attempt),
			headerTopic:      topic,
		},
		Body: body,
	}

	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	if err := r.pub.Publish("", routingKey, false, false, msg); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Consume opens a dedicated channel with the given prefetch. The returned
// channel closes when ctx is done or the broker closes the consumer.
func (r *RabbitMQ) Consume(ctx context.Context, topic string, prefetch int) (<-chan *Job, error) {
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open consumer channel: %w", err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(
		r.queueName(topic),
		"",    // consumer
		false, // autoAck = false for reliability
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("consume %s: %w", topic, err)
	}

	out := make(chan *Job)
	go func() {
		defer close(out)
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					zerolog.Ctx(ctx).Warn().Str("topic", topic).Msg("rabbitmq consumer closed")
					return
				}
				job := &Job{
					ID:         d.MessageId,
					Topic:      topic,
					Body:       d.Body,
					Attempt:    retryCount(d.Headers),
					Priority:   d.Priority,
					EnqueuedAt: d.Timestamp,
					settle:     &amqpSettle{d: d},
				}
				select {
				case out <- job:
				case <-ctx.Done():
					_ = d.Nack(false, true)
					return
				}
			}
		}
	}()
	return out, nil
}

func retryCount(h amqp.Table) int {
	switch v := h[headerRetryCount].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func (r *RabbitMQ) Ack(job *Job) error {
	return job.settle.ack()
}

func (r *RabbitMQ) Nack(job *Job, requeue bool) error {
	return job.settle.nack(requeue)
}

// DeadLetter publishes record to <topic>.dlq and acks the original delivery.
func (r *RabbitMQ) DeadLetter(ctx context.Context, job *Job, record any) error {
	body, err := encode(record)
	if err != nil {
		return err
	}
	reason := "dead_lettered"
	if s, ok := record.(interface{ DLQReason() string }); ok {
		reason = s.DLQReason()
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Timestamp:    time.Now().UTC(),
		Headers: amqp.Table{
			headerRetryCount: int32(job.Attempt),
			headerDLQReason:  reason,
			headerTopic:      job.Topic,
		},
		Body: body,
	}

	r.pubMu.Lock()
	err = r.pub.Publish(r.dlx(), r.dlqKey(job.Topic), false, false, msg)
	r.pubMu.Unlock()
	if err != nil {
		return fmt.Errorf("dead-letter %s job %s: %w", job.Topic, job.ID, err)
	}
	return job.settle.ack()
}

func (r *RabbitMQ) Close() error {
	if r.pub != nil {
		r.pub.Close()
	}
	return r.conn.Close()
}

type amqpSettle struct {
	d amqp.Delivery
}

func (s *amqpSettle) ack() error              { return s.d.Ack(false) }
func (s *amqpSettle) nack(requeue bool) error { return s.d.Nack(false, requeue) }
