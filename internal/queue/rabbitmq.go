package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	maxPriority     = 10
	laneHighPrio    = 9
	laneDefaultPrio = 1
)

// RabbitQueue uses a single durable queue with x-max-priority. Priority lane
// tasks are published with a higher message priority, so the broker hands
// them out first. A delivery stays unacked until the worker has executed it,
// so a worker that dies mid-task leaves it to be redelivered.
type RabbitQueue struct {
	conn    *amqp.Connection
	pub     *amqp.Channel
	pubMu   sync.Mutex
	sub     *amqp.Channel
	name    string
	deliver <-chan amqp.Delivery
	log     *zap.Logger
}

func NewRabbitQueue(ctx context.Context, url, name string, prefetch int, logger *zap.Logger) (*RabbitQueue, error) {
	var conn *amqp.Connection

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxElapsedTime = time.Minute

	err := backoff.Retry(func() error {
		var err error
		conn, err = amqp.Dial(url)
		if err != nil {
			logger.Warn("rabbitmq dial failed, retrying", zap.Error(err))
		}
		return err
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	q, err := setupRabbit(conn, name, prefetch, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return q, nil
}

func setupRabbit(conn *amqp.Connection, name string, prefetch int, logger *zap.Logger) (*RabbitQueue, error) {
	pub, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open publish channel: %w", err)
	}

	_, err = pub.QueueDeclare(name, true, false, false, false, amqp.Table{
		"x-max-priority": maxPriority,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	sub, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open consume channel: %w", err)
	}
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := sub.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}

	deliver, err := sub.Consume(name, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start consumer: %w", err)
	}

	logger.Info("rabbitmq queue ready", zap.String("queue", name), zap.Int("prefetch", prefetch))
	return &RabbitQueue{
		conn:    conn,
		pub:     pub,
		sub:     sub,
		name:    name,
		deliver: deliver,
		log:     logger,
	}, nil
}

func (q *RabbitQueue) Enqueue(ctx context.Context, t Task) error {
	body, err := encode(t)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	prio := uint8(laneDefaultPrio)
	if t.Lane == LanePriority {
		prio = laneHighPrio
	}

	q.pubMu.Lock()
	defer q.pubMu.Unlock()

	return q.pub.PublishWithContext(ctx, "", q.name, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Priority:     prio,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

func (q *RabbitQueue) Dequeue(ctx context.Context) (Task, error) {
	for {
		select {
		case <-ctx.Done():
			return Task{}, ctx.Err()
		case d, ok := <-q.deliver:
			if !ok {
				return Task{}, ErrClosed
			}
			t, err := decode(d.Body)
			if err != nil {
				q.log.Error("dropping malformed task", zap.Error(err))
				if err := d.Reject(false); err != nil {
					q.log.Warn("failed to reject task", zap.Error(err))
				}
				continue
			}
			t.tag = d.DeliveryTag
			return t, nil
		}
	}
}

func (q *RabbitQueue) Ack(t Task) error {
	if t.tag == 0 {
		return nil
	}
	return q.sub.Ack(t.tag, false)
}

func (q *RabbitQueue) Close() error {
	q.sub.Close()
	q.pub.Close()
	return q.conn.Close()
}
