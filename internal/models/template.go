package models

import "time"

// EmailTemplate is rendered once, when a record is scheduled from it.
// A template with no owner is a system template and cannot be deleted.
type EmailTemplate struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Description      string   `json:"description,omitempty"`
	SubjectTemplate  string   `json:"subject_template"`
	BodyHTMLTemplate string   `json:"body_html_template"`
	BodyTextTemplate string   `json:"body_text_template,omitempty"`
	Category         string   `json:"category"`
	Variables        []string `json:"variables"`

	UserID   string `json:"user_id,omitempty"`
	IsSystem bool   `json:"is_system"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (t *EmailTemplate) Clone() *EmailTemplate {
	if t == nil {
		return nil
	}
	c := *t
	c.Variables = append([]string(nil), t.Variables...)
	return &c
}
