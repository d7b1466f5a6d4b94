package models

import (
	"time"

	"github.com/google/uuid"
)

type EmailStatus string

const (
	StatusPending   EmailStatus = "pending"
	StatusQueued    EmailStatus = "queued"
	StatusSending   EmailStatus = "sending"
	StatusSent      EmailStatus = "sent"
	StatusFailed    EmailStatus = "failed"
	StatusCancelled EmailStatus = "cancelled"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank orders priorities for dispatch, lower first. Unknown values rank as normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// Expedited reports whether the priority is routed to the priority lane.
func (p Priority) Expedited() bool {
	return p == PriorityUrgent || p == PriorityHigh
}

type Recurrence string

const (
	RecurrenceNone    Recurrence = "none"
	RecurrenceDaily   Recurrence = "daily"
	RecurrenceWeekly  Recurrence = "weekly"
	RecurrenceMonthly Recurrence = "monthly"
	RecurrenceCustom  Recurrence = "custom"
)

const DefaultMaxRetries = 3

type RecipientType string

const (
	RecipientTo  RecipientType = "to"
	RecipientCc  RecipientType = "cc"
	RecipientBcc RecipientType = "bcc"
)

type Recipient struct {
	Email string        `json:"email"`
	Name  string        `json:"name,omitempty"`
	Type  RecipientType `json:"type"`
}

// Attachment is carried through to providers as-is.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Content     []byte `json:"content,omitempty"`
	Inline      bool   `json:"inline,omitempty"`
}

type ScheduledEmail struct {
	ID string `json:"id"`

	Subject           string         `json:"subject"`
	BodyHTML          string         `json:"body_html,omitempty"`
	BodyText          string         `json:"body_text,omitempty"`
	TemplateID        string         `json:"template_id,omitempty"`
	TemplateVariables map[string]any `json:"template_variables,omitempty"`

	FromEmail   string       `json:"from_email"`
	FromName    string       `json:"from_name,omitempty"`
	Recipients  []Recipient  `json:"recipients"`
	ReplyTo     string       `json:"reply_to,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`

	ScheduledAt     time.Time  `json:"scheduled_at"`
	Timezone        string     `json:"timezone"`
	Recurrence      Recurrence `json:"recurrence"`
	RecurrenceEnd   *time.Time `json:"recurrence_end,omitempty"`
	RecurrenceCount *int       `json:"recurrence_count,omitempty"`

	Priority Priority    `json:"priority"`
	Status   EmailStatus `json:"status"`

	UserID     string   `json:"user_id"`
	PolicyID   string   `json:"policy_id,omitempty"`
	CampaignID string   `json:"campaign_id,omitempty"`
	Tags       []string `json:"tags,omitempty"`

	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	RetryCount    int        `json:"retry_count"`
	MaxRetries    int        `json:"max_retries"`

	MessageID  string `json:"message_id,omitempty"`
	Provider   string `json:"provider,omitempty"`
	OpenCount  int    `json:"open_count"`
	ClickCount int    `json:"click_count"`
}

// NewScheduledEmail returns a pending record with a fresh id and defaults applied.
func NewScheduledEmail() *ScheduledEmail {
	return &ScheduledEmail{
		ID:         uuid.NewString(),
		Timezone:   "UTC",
		Recurrence: RecurrenceNone,
		Priority:   PriorityNormal,
		Status:     StatusPending,
		MaxRetries: DefaultMaxRetries,
	}
}

// HasBody reports whether the record carries content that can be delivered.
func (e *ScheduledEmail) HasBody() bool {
	return e.BodyHTML != "" || e.BodyText != ""
}

// RecipientsOf returns the addresses with the given role, in order.
func (e *ScheduledEmail) RecipientsOf(t RecipientType) []string {
	var out []string
	for _, r := range e.Recipients {
		rt := r.Type
		if rt == "" {
			rt = RecipientTo
		}
		if rt == t {
			out = append(out, r.Email)
		}
	}
	return out
}

// Clone returns a deep copy.
func (e *ScheduledEmail) Clone() *ScheduledEmail {
	if e == nil {
		return nil
	}
	c := *e
	if e.TemplateVariables != nil {
		c.TemplateVariables = make(map[string]any, len(e.TemplateVariables))
		for k, v := range e.TemplateVariables {
			c.TemplateVariables[k] = v
		}
	}
	c.Recipients = append([]Recipient(nil), e.Recipients...)
	if e.Attachments != nil {
		c.Attachments = make([]Attachment, len(e.Attachments))
		for i, a := range e.Attachments {
			a.Content = append([]byte(nil), a.Content...)
			c.Attachments[i] = a
		}
	}
	c.Tags = append([]string(nil), e.Tags...)
	c.RecurrenceEnd = cloneTime(e.RecurrenceEnd)
	c.SentAt = cloneTime(e.SentAt)
	c.NextAttemptAt = cloneTime(e.NextAttemptAt)
	if e.RecurrenceCount != nil {
		n := *e.RecurrenceCount
		c.RecurrenceCount = &n
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
