package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"BrokerCopilot/internal/dispatch"
	"BrokerCopilot/internal/queue"
)

type recordingExecutor struct {
	mu   sync.Mutex
	seen []string
}

func (r *recordingExecutor) Execute(_ context.Context, task queue.Task) (dispatch.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, task.EmailID)
	if task.EmailID == "boom" {
		return "", errors.New("store unavailable")
	}
	return dispatch.OutcomeSent, nil
}

func (r *recordingExecutor) Seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func TestPoolDrainsQueue(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue(10)
	exec := &recordingExecutor{}

	for _, id := range []string{"a", "boom", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, queue.Task{EmailID: id, Lane: queue.LaneDefault}))
	}

	var wg sync.WaitGroup
	StartPool(ctx, &wg, 2, q, exec, rate.NewLimiter(rate.Inf, 1), zap.NewNop())

	assert.Eventually(t, func() bool { return len(exec.Seen()) == 4 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"a", "boom", "b", "c"}, exec.Seen())

	require.NoError(t, q.Close())
	wg.Wait()
}

func TestPoolStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := queue.NewMemoryQueue(1)

	var wg sync.WaitGroup
	StartPool(ctx, &wg, 3, q, &recordingExecutor{}, rate.NewLimiter(rate.Limit(10), 10), zap.NewNop())
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("workers did not stop")
	}
}

// brokenQueue fails every dequeue, like a backend that is down.
type brokenQueue struct {
	dequeues atomic.Int64
}

func (q *brokenQueue) Enqueue(context.Context, queue.Task) error { return nil }

func (q *brokenQueue) Dequeue(context.Context) (queue.Task, error) {
	q.dequeues.Add(1)
	return queue.Task{}, errors.New("dial tcp 127.0.0.1:6379: connection refused")
}

func (q *brokenQueue) Ack(queue.Task) error { return nil }
func (q *brokenQueue) Close() error         { return nil }

func TestPoolBacksOffWhenDequeueFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := &brokenQueue{}

	var wg sync.WaitGroup
	StartPool(ctx, &wg, 1, q, &recordingExecutor{}, rate.NewLimiter(rate.Inf, 1), zap.NewNop())

	time.Sleep(300 * time.Millisecond)
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop while backing off")
	}

	calls := q.dequeues.Load()
	assert.GreaterOrEqual(t, calls, int64(1))
	assert.LessOrEqual(t, calls, int64(5))
}

// ackingQueue records the order of executions and acks.
type ackingQueue struct {
	*queue.MemoryQueue
	events *[]string
	mu     *sync.Mutex
}

func (q ackingQueue) Ack(t queue.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	*q.events = append(*q.events, "ack:"+t.EmailID)
	return nil
}

type orderedExecutor struct {
	events *[]string
	mu     *sync.Mutex
}

func (e orderedExecutor) Execute(_ context.Context, t queue.Task) (dispatch.Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	*e.events = append(*e.events, "exec:"+t.EmailID)
	return dispatch.OutcomeSent, nil
}

func TestPoolAcksAfterExecute(t *testing.T) {
	ctx := context.Background()
	var (
		mu     sync.Mutex
		events []string
	)
	q := ackingQueue{MemoryQueue: queue.NewMemoryQueue(1), events: &events, mu: &mu}
	require.NoError(t, q.Enqueue(ctx, queue.Task{EmailID: "a"}))

	var wg sync.WaitGroup
	StartPool(ctx, &wg, 1, q, orderedExecutor{events: &events, mu: &mu}, rate.NewLimiter(rate.Inf, 1), zap.NewNop())

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"exec:a", "ack:a"}, events)
	mu.Unlock()

	require.NoError(t, q.Close())
	wg.Wait()
}
