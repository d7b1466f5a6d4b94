package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisQueue stores each lane as a Redis list. BRPOP lists the priority key
// first, so it is always drained before the default one.
type RedisQueue struct {
	client      *redis.Client
	priorityKey string
	defaultKey  string
	poll        time.Duration
	log         *zap.Logger
}

func NewRedisQueue(ctx context.Context, url, name string, logger *zap.Logger) (*RedisQueue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 30 * time.Second

	err = backoff.Retry(func() error {
		return client.Ping(ctx).Err()
	}, backoff.WithContext(b, ctx))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("redis queue connected", zap.String("addr", opts.Addr), zap.String("queue", name))
	return NewRedisQueueWithClient(client, name, logger), nil
}

func NewRedisQueueWithClient(client *redis.Client, name string, logger *zap.Logger) *RedisQueue {
	return &RedisQueue{
		client:      client,
		priorityKey: name + ":" + string(LanePriority),
		defaultKey:  name + ":" + string(LaneDefault),
		poll:        time.Second,
		log:         logger,
	}
}

func (q *RedisQueue) key(l Lane) string {
	if l == LanePriority {
		return q.priorityKey
	}
	return q.defaultKey
}

func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	payload, err := encode(t)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	return q.client.LPush(ctx, q.key(t.Lane), payload).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context) (Task, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Task{}, err
		}

		res, err := q.client.BRPop(ctx, q.poll, q.priorityKey, q.defaultKey).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Task{}, ctx.Err()
			}
			if errors.Is(err, redis.ErrClosed) {
				return Task{}, ErrClosed
			}
			return Task{}, err
		}

		// res is [key, value].
		t, err := decode([]byte(res[1]))
		if err != nil {
			q.log.Error("dropping malformed task", zap.String("key", res[0]), zap.Error(err))
			continue
		}
		return t, nil
	}
}

// Len reports queued tasks per lane.
// Ack is a no-op: BRPOP has already removed the task.
func (q *RedisQueue) Ack(Task) error { return nil }

func (q *RedisQueue) Len(ctx context.Context) (map[Lane]int64, error) {
	p, err := q.client.LLen(ctx, q.priorityKey).Result()
	if err != nil {
		return nil, err
	}
	d, err := q.client.LLen(ctx, q.defaultKey).Result()
	if err != nil {
		return nil, err
	}
	return map[Lane]int64{LanePriority: p, LaneDefault: d}, nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
