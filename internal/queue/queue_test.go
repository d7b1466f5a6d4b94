package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"BrokerCopilot/internal/models"
)

func TestLaneFor(t *testing.T) {
	assert.Equal(t, LanePriority, LaneFor(models.PriorityUrgent))
	assert.Equal(t, LanePriority, LaneFor(models.PriorityHigh))
	assert.Equal(t, LaneDefault, LaneFor(models.PriorityNormal))
	assert.Equal(t, LaneDefault, LaneFor(models.PriorityLow))
}

// drainsPriorityFirst enqueues a default task before a priority one and
// expects the priority task back first.
func drainsPriorityFirst(t *testing.T, q Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, q.Enqueue(ctx, Task{EmailID: "normal-1", Lane: LaneDefault}))
	require.NoError(t, q.Enqueue(ctx, Task{EmailID: "urgent-1", Lane: LanePriority, Provider: "sendgrid"}))

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "urgent-1", first.EmailID)
	assert.Equal(t, "sendgrid", first.Provider)
	assert.False(t, first.EnqueuedAt.IsZero())

	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "normal-1", second.EmailID)
}

func TestMemoryQueuePriority(t *testing.T) {
	drainsPriorityFirst(t, NewMemoryQueue(4))
}

func TestMemoryQueueFull(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Task{EmailID: "a"}))
	assert.ErrorIs(t, q.Enqueue(ctx, Task{EmailID: "b"}), ErrQueueFull)
	require.NoError(t, q.Enqueue(ctx, Task{EmailID: "c", Lane: LanePriority}))
	assert.Equal(t, 2, q.Len())
}

func TestMemoryQueueDequeueStops(t *testing.T) {
	q := NewMemoryQueue(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, q.Close())
	_, err = q.Dequeue(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, q.Enqueue(context.Background(), Task{EmailID: "a"}), ErrClosed)
}

func newMiniredisQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := NewRedisQueueWithClient(client, "emails", zap.NewNop())
	t.Cleanup(func() { _ = q.Close() })
	return q, mr
}

func TestRedisQueuePriority(t *testing.T) {
	q, _ := newMiniredisQueue(t)
	drainsPriorityFirst(t, q)
}

func TestRedisQueueLayout(t *testing.T) {
	q, mr := newMiniredisQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Task{EmailID: "a", Lane: LanePriority}))
	require.NoError(t, q.Enqueue(ctx, Task{EmailID: "b"}))
	require.NoError(t, q.Enqueue(ctx, Task{EmailID: "c"}))

	assert.True(t, mr.Exists("emails:priority"))
	assert.True(t, mr.Exists("emails:default"))

	lens, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), lens[LanePriority])
	assert.Equal(t, int64(2), lens[LaneDefault])
}

func TestRedisQueueSkipsMalformed(t *testing.T) {
	q, mr := newMiniredisQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := mr.Lpush("emails:default", "{not json")
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, Task{EmailID: "ok"}))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", got.EmailID)
}

func TestRedisQueueDequeueHonoursContext(t *testing.T) {
	q, _ := newMiniredisQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.Error(t, err)
}

func TestRabbitQueuePriority(t *testing.T) {
	url := os.Getenv("TEST_AMQP_URL")
	if url == "" {
		t.Skip("TEST_AMQP_URL not set")
	}

	ctx := context.Background()
	name := "broker-copilot-test-" + time.Now().Format("150405.000")
	q, err := NewRabbitQueue(ctx, url, name, 1, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = q.pub.QueueDelete(name, false, false, false)
		_ = q.Close()
	})

	require.NoError(t, q.Enqueue(ctx, Task{EmailID: "x", Lane: LaneDefault}))
	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "x", got.EmailID)
	require.NoError(t, q.Ack(got))
}

func TestRabbitQueueRedeliversUnacked(t *testing.T) {
	url := os.Getenv("TEST_AMQP_URL")
	if url == "" {
		t.Skip("TEST_AMQP_URL not set")
	}

	ctx := context.Background()
	name := "broker-copilot-redeliver-" + time.Now().Format("150405.000")
	first, err := NewRabbitQueue(ctx, url, name, 1, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, first.Enqueue(ctx, Task{EmailID: "y", Lane: LanePriority}))
	got, err := first.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "y", got.EmailID)
	require.NoError(t, first.Close())

	second, err := NewRabbitQueue(ctx, url, name, 1, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = second.pub.QueueDelete(name, false, false, false)
		_ = second.Close()
	})

	dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	again, err := second.Dequeue(dctx)
	require.NoError(t, err)
	assert.Equal(t, "y", again.EmailID)
	require.NoError(t, second.Ack(again))
}

func TestMemoryQueueAckIsNoop(t *testing.T) {
	q := NewMemoryQueue(1)
	require.NoError(t, q.Enqueue(context.Background(), Task{EmailID: "a"}))
	task, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.NoError(t, q.Ack(task))
	assert.Zero(t, q.Len())
}
