// Package queue carries send tasks from the dispatch scan to the workers.
//
// Records are the source of truth; a task only names a record. Losing a task
// is recoverable because the stuck-record sweep returns its record to pending.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"BrokerCopilot/internal/models"
)

var (
	ErrQueueFull = errors.New("task queue is full")
	ErrClosed    = errors.New("task queue is closed")
)

type Lane string

const (
	LanePriority Lane = "priority"
	LaneDefault  Lane = "default"
)

// LaneFor routes urgent and high priority records to the priority lane.
func LaneFor(p models.Priority) Lane {
	if p.Expedited() {
		return LanePriority
	}
	return LaneDefault
}

type Task struct {
	EmailID  string `json:"email_id"`
	Provider string `json:"provider,omitempty"`
	Lane     Lane   `json:"lane"`
	// Force bypasses the record's retry gate. Set for explicit sends only.
	Force      bool      `json:"force,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	// tag is the broker delivery tag of a dequeued task.
	tag uint64
}

// Queue delivers tasks with the priority lane drained before the default one.
type Queue interface {
	Enqueue(ctx context.Context, t Task) error
	// Dequeue blocks until a task is available or ctx is done.
	Dequeue(ctx context.Context) (Task, error)
	// Ack settles a dequeued task once it has been executed. A task that is
	// never acked may be delivered again.
	Ack(t Task) error
	Close() error
}

func encode(t Task) ([]byte, error) {
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now().UTC()
	}
	return json.Marshal(t)
}

func decode(b []byte) (Task, error) {
	var t Task
	err := json.Unmarshal(b, &t)
	return t, err
}
