package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryQueue keeps one buffered channel per lane.
type MemoryQueue struct {
	priority chan Task
	normal   chan Task

	closeOnce sync.Once
	done      chan struct{}
}

func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &MemoryQueue{
		priority: make(chan Task, capacity),
		normal:   make(chan Task, capacity),
		done:     make(chan struct{}),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, t Task) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}

	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now().UTC()
	}

	ch := q.normal
	if t.Lane == LanePriority {
		ch = q.priority
	}

	select {
	case ch <- t:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (Task, error) {
	select {
	case t := <-q.priority:
		return t, nil
	default:
	}

	select {
	case t := <-q.priority:
		return t, nil
	case t := <-q.normal:
		return t, nil
	case <-q.done:
		return Task{}, ErrClosed
	case <-ctx.Done():
		return Task{}, ctx.Err()
	}
}

// Len reports queued tasks across both lanes.
// Ack is a no-op: a dequeued task has already left the queue.
func (q *MemoryQueue) Ack(Task) error { return nil }

func (q *MemoryQueue) Len() int {
	return len(q.priority) + len(q.normal)
}

func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}
