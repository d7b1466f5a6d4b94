package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"BrokerCopilot/internal/models"
)

const day = 24 * time.Hour

// Interval returns the step between occurrences. Monthly is a fixed 30 days
// and drifts against calendar months.
func Interval(r models.Recurrence) (time.Duration, bool) {
	switch r {
	case models.RecurrenceDaily:
		return day, true
	case models.RecurrenceWeekly:
		return 7 * day, true
	case models.RecurrenceMonthly:
		return 30 * day, true
	default:
		return 0, false
	}
}

// NextOccurrence builds the record that follows parent, stepping from the
// parent's scheduled_at. It returns false when the series has ended: no
// fixed interval, an exhausted counter, or a next time past recurrence_end.
func NextOccurrence(parent *models.ScheduledEmail) (*models.ScheduledEmail, bool) {
	step, ok := Interval(parent.Recurrence)
	if !ok {
		return nil, false
	}
	if parent.RecurrenceCount != nil && *parent.RecurrenceCount <= 0 {
		return nil, false
	}

	next := parent.ScheduledAt.Add(step)
	if parent.RecurrenceEnd != nil && next.After(*parent.RecurrenceEnd) {
		return nil, false
	}

	child := parent.Clone()
	child.ID = uuid.NewString()
	child.ScheduledAt = next
	child.Status = models.StatusPending
	if parent.RecurrenceCount != nil {
		n := *parent.RecurrenceCount - 1
		child.RecurrenceCount = &n
	}

	child.CreatedAt = time.Time{}
	child.UpdatedAt = time.Time{}
	child.SentAt = nil
	child.NextAttemptAt = nil
	child.ErrorMessage = ""
	child.RetryCount = 0
	child.MessageID = ""
	child.Provider = ""
	child.OpenCount = 0
	child.ClickCount = 0

	return child, true
}

func (e *Engine) expandRecurrence(ctx context.Context, sent *models.ScheduledEmail) {
	child, ok := NextOccurrence(sent)
	if !ok {
		if sent.Recurrence != models.RecurrenceNone && sent.Recurrence != "" {
			e.log.Info("recurrence series ended",
				zap.String("email_id", sent.ID),
				zap.String("recurrence", string(sent.Recurrence)),
			)
		}
		return
	}

	saved, err := e.store.Save(ctx, child)
	if err != nil {
		e.log.Error("failed to schedule next occurrence",
			zap.String("parent_id", sent.ID),
			zap.Error(err),
		)
		return
	}

	e.log.Info("scheduled next occurrence",
		zap.String("parent_id", sent.ID),
		zap.String("email_id", saved.ID),
		zap.Time("scheduled_at", saved.ScheduledAt),
	)
}
