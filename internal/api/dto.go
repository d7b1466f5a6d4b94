package api

import (
	"time"

	"BrokerCopilot/internal/models"
)

type RecipientRequest struct {
	Email string `json:"email" validate:"required,email"`
	Name  string `json:"name"`
	Type  string `json:"type" validate:"omitempty,oneof=to cc bcc"`
}

type ScheduleRequest struct {
	Subject           string         `json:"subject" validate:"max=998"`
	BodyHTML          string         `json:"body_html"`
	BodyText          string         `json:"body_text"`
	TemplateID        string         `json:"template_id"`
	TemplateVariables map[string]any `json:"template_variables"`

	FromName    string              `json:"from_name"`
	Recipients  []RecipientRequest  `json:"recipients" validate:"required,min=1,dive"`
	ReplyTo     string              `json:"reply_to" validate:"omitempty,email"`
	Attachments []models.Attachment `json:"attachments" validate:"dive"`

	ScheduledAt     string `json:"scheduled_at" validate:"required"`
	Timezone        string `json:"timezone"`
	Recurrence      string `json:"recurrence" validate:"omitempty,oneof=none daily weekly monthly custom"`
	RecurrenceEnd   string `json:"recurrence_end"`
	RecurrenceCount *int   `json:"recurrence_count" validate:"omitempty,min=0"`

	Priority   string   `json:"priority" validate:"omitempty,oneof=low normal high urgent"`
	PolicyID   string   `json:"policy_id"`
	CampaignID string   `json:"campaign_id"`
	Tags       []string `json:"tags"`
	MaxRetries *int     `json:"max_retries" validate:"omitempty,min=0,max=10"`
}

type ScheduleResponse struct {
	ID          string             `json:"id"`
	Status      models.EmailStatus `json:"status"`
	ScheduledAt time.Time          `json:"scheduled_at"`
	Message     string             `json:"message"`
}

type ListResponse struct {
	Emails   []*models.ScheduledEmail `json:"emails"`
	Total    int                      `json:"total"`
	Page     int                      `json:"page"`
	PageSize int                      `json:"page_size"`
	HasMore  bool                     `json:"has_more"`
}

type StatsResponse struct {
	TotalScheduled int       `json:"total_scheduled"`
	TotalSent      int       `json:"total_sent"`
	TotalFailed    int       `json:"total_failed"`
	TotalPending   int       `json:"total_pending"`
	TotalCancelled int       `json:"total_cancelled"`
	OpenRate       float64   `json:"open_rate"`
	ClickRate      float64   `json:"click_rate"`
	PeriodStart    time.Time `json:"period_start"`
	PeriodEnd      time.Time `json:"period_end"`
}

type StatusResponse struct {
	Status     string `json:"status"`
	EmailID    string `json:"email_id,omitempty"`
	TemplateID string `json:"template_id,omitempty"`
	Message    string `json:"message,omitempty"`
}

type BulkSendRequest struct {
	IDs       []string `json:"ids" validate:"required,min=1,max=1000,dive,required"`
	BatchSize int      `json:"batch_size" validate:"omitempty,min=1,max=100"`
	DelayMS   *int     `json:"delay_ms" validate:"omitempty,min=0,max=60000"`
}

type TemplateRequest struct {
	ID               string   `json:"id"`
	Name             string   `json:"name" validate:"required,max=200"`
	Description      string   `json:"description"`
	SubjectTemplate  string   `json:"subject_template" validate:"required"`
	BodyHTMLTemplate string   `json:"body_html_template" validate:"required"`
	BodyTextTemplate string   `json:"body_text_template"`
	Category         string   `json:"category"`
	Variables        []string `json:"variables"`
}

type PreviewRequest struct {
	Variables map[string]any `json:"variables"`
}

type PreviewResponse struct {
	Subject       string         `json:"subject"`
	BodyHTML      string         `json:"body_html"`
	BodyText      string         `json:"body_text,omitempty"`
	VariablesUsed map[string]any `json:"variables_used"`
}

type CampaignResponse struct {
	CampaignID string         `json:"campaign_id"`
	Scheduled  int            `json:"scheduled"`
	IDs        []string       `json:"ids"`
	Skipped    []CampaignSkip `json:"skipped"`
}

type CampaignSkip struct {
	Line   int    `json:"line,omitempty"`
	Email  string `json:"email,omitempty"`
	Reason string `json:"reason"`
}
