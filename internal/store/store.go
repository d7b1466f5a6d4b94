// Package store persists scheduled emails and templates.
//
// The store is the source of truth for delivery status. Callers get copies and
// must go through UpdateStatus to change status; UpdateStatus rejects edges
// that are not part of the delivery state machine.
package store

import (
	"context"
	"errors"
	"time"

	"BrokerCopilot/internal/models"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrSystemTemplate    = errors.New("system templates cannot be modified or deleted")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrMissingOwner      = errors.New("user_id is required")
	ErrTemplateOwner     = errors.New("template belongs to another user")
)

type Store interface {
	Save(ctx context.Context, email *models.ScheduledEmail) (*models.ScheduledEmail, error)
	Get(ctx context.Context, id string) (*models.ScheduledEmail, error)
	Delete(ctx context.Context, id string) (bool, error)

	// ListByUser returns the user's records, most recently scheduled first.
	// An empty status matches every status.
	ListByUser(ctx context.Context, userID string, status models.EmailStatus, limit, offset int) ([]*models.ScheduledEmail, error)
	ListByPolicy(ctx context.Context, policyID string) ([]*models.ScheduledEmail, error)

	// ListDue returns pending records with scheduled_at <= before whose retry
	// gate has opened, ordered urgent to low, then by scheduled_at ascending.
	ListDue(ctx context.Context, before time.Time, limit int) ([]*models.ScheduledEmail, error)

	UpdateStatus(ctx context.Context, id string, status models.EmailStatus, opts ...UpdateOption) (*models.ScheduledEmail, error)
	Count(ctx context.Context, filter CountFilter) (int, error)

	// PurgeTerminal deletes terminal records with updated_at strictly before cutoff.
	PurgeTerminal(ctx context.Context, cutoff time.Time) (int, error)
	// ListStale returns queued or sending records with updated_at strictly before cutoff.
	ListStale(ctx context.Context, cutoff time.Time) ([]*models.ScheduledEmail, error)

	GetTemplate(ctx context.Context, id string) (*models.EmailTemplate, error)
	ListTemplates(ctx context.Context, filter TemplateFilter) ([]*models.EmailTemplate, error)
	// SaveTemplate refuses to overwrite a system template or one owned by
	// another user.
	SaveTemplate(ctx context.Context, tmpl *models.EmailTemplate) (*models.EmailTemplate, error)
	// DeleteTemplate removes a user template owned by userID.
	DeleteTemplate(ctx context.Context, id, userID string) error
}

type CountFilter struct {
	UserID string
	Status models.EmailStatus
}

type TemplateFilter struct {
	Category string
	// UserID limits user templates to this owner. System templates are always
	// included unless ExcludeSystem is set.
	UserID        string
	ExcludeSystem bool
}

type statusUpdate struct {
	errorMessage string
	messageID    string
	provider     string
	retryAt      *time.Time
}

type UpdateOption func(*statusUpdate)

// WithError records a failed attempt: the message is stored and retry_count incremented.
func WithError(msg string) UpdateOption {
	return func(u *statusUpdate) { u.errorMessage = msg }
}

// WithMessageID stores the provider-assigned message id.
func WithMessageID(id string) UpdateOption {
	return func(u *statusUpdate) { u.messageID = id }
}

// WithProvider records which provider delivered the email.
func WithProvider(name string) UpdateOption {
	return func(u *statusUpdate) { u.provider = name }
}

// WithRetryAt holds a pending record back from dispatch until t.
func WithRetryAt(t time.Time) UpdateOption {
	return func(u *statusUpdate) {
		t := t.UTC()
		u.retryAt = &t
	}
}

func buildUpdate(opts []UpdateOption) statusUpdate {
	var u statusUpdate
	for _, o := range opts {
		o(&u)
	}
	return u
}

// applyStatus mutates e in place. Both backends share it so that bookkeeping
// rules stay identical.
func applyStatus(e *models.ScheduledEmail, status models.EmailStatus, u statusUpdate, now time.Time) error {
	if !models.CanTransition(e.Status, status) {
		return ErrInvalidTransition
	}

	e.Status = status
	e.UpdatedAt = now

	if status == models.StatusSent {
		sent := now
		e.SentAt = &sent
		e.NextAttemptAt = nil
	}
	if u.errorMessage != "" {
		e.ErrorMessage = u.errorMessage
		e.RetryCount++
	}
	if u.messageID != "" {
		e.MessageID = u.messageID
	}
	if u.provider != "" {
		e.Provider = u.provider
	}
	if status == models.StatusPending {
		e.NextAttemptAt = u.retryAt
	}

	return nil
}

func validateEmail(e *models.ScheduledEmail) error {
	if e.UserID == "" {
		return ErrMissingOwner
	}
	return nil
}
