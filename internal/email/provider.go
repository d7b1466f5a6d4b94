// Package email delivers rendered messages through SMTP, SendGrid or
// Microsoft Graph, with ordered fallback between them.
package email

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"BrokerCopilot/internal/models"
)

type Kind string

const (
	KindSMTP     Kind = "smtp"
	KindSendGrid Kind = "sendgrid"
	KindGraph    Kind = "microsoft_graph"
)

// ParseKind maps a configured provider name onto a known kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindSMTP, KindSendGrid, KindGraph:
		return k, nil
	case "graph":
		return KindGraph, nil
	default:
		return "", fmt.Errorf("unknown email provider %q", s)
	}
}

// ParseKinds maps provider names onto kinds, keeping the first occurrence of
// each kind. Aliases of one kind collapse into a single entry.
func ParseKinds(names []string) ([]Kind, error) {
	var kinds []Kind
	seen := make(map[Kind]bool, len(names))
	for _, name := range names {
		k, err := ParseKind(name)
		if err != nil {
			return nil, err
		}
		if seen[k] {
			continue
		}
		seen[k] = true
		kinds = append(kinds, k)
	}
	return kinds, nil
}

type Message struct {
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	BodyHTML    string
	BodyText    string
	FromEmail   string
	FromName    string
	ReplyTo     string
	Attachments []models.Attachment

	// UserID identifies the mailbox owner for token-based providers.
	UserID string
}

// MessageFrom builds the outgoing message for a stored record.
func MessageFrom(e *models.ScheduledEmail) *Message {
	return &Message{
		To:          e.RecipientsOf(models.RecipientTo),
		Cc:          e.RecipientsOf(models.RecipientCc),
		Bcc:         e.RecipientsOf(models.RecipientBcc),
		Subject:     e.Subject,
		BodyHTML:    e.BodyHTML,
		BodyText:    e.BodyText,
		FromEmail:   e.FromEmail,
		FromName:    e.FromName,
		ReplyTo:     e.ReplyTo,
		Attachments: e.Attachments,
		UserID:      e.UserID,
	}
}

type Result struct {
	Provider  string
	MessageID string
	Timestamp time.Time
}

type Provider interface {
	Name() string
	Send(ctx context.Context, msg *Message) (*Result, error)
}

// ProviderError is returned by every provider. Permanent errors are not
// worth retrying: bad credentials, rejected recipients, malformed payloads.
type ProviderError struct {
	Provider  string
	Cause     error
	Permanent bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %v", e.Provider, e.Cause)
}

func (e *ProviderError) Unwrap() error { return e.Cause }

func permanent(provider string, cause error) error {
	return &ProviderError{Provider: provider, Cause: cause, Permanent: true}
}

func transient(provider string, cause error) error {
	return &ProviderError{Provider: provider, Cause: cause}
}

// IsPermanent reports whether err should fail a record without retrying.
func IsPermanent(err error) bool {
	var ce *ChainError
	if errors.As(err, &ce) {
		return ce.Permanent()
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Permanent
	}
	return false
}

// Config carries the settings each provider kind needs.
type Config struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	SMTPFrom     string

	SendGridAPIKey  string
	SendGridBaseURL string

	GraphBaseURL string
	GraphTokens  TokenSource
}

// NewProvider constructs one provider of the given kind.
func NewProvider(kind Kind, cfg Config) (Provider, error) {
	switch kind {
	case KindSMTP:
		return NewSMTPProvider(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword, cfg.SMTPFrom), nil
	case KindSendGrid:
		return NewSendGridProvider(cfg.SendGridAPIKey, cfg.SendGridBaseURL, nil), nil
	case KindGraph:
		if cfg.GraphTokens == nil {
			return nil, errors.New("graph provider requires a token source")
		}
		return NewGraphProvider(cfg.GraphBaseURL, cfg.GraphTokens, nil), nil
	default:
		return nil, fmt.Errorf("unknown email provider %q", kind)
	}
}

func validate(provider string, msg *Message) error {
	if len(msg.To)+len(msg.Cc)+len(msg.Bcc) == 0 {
		return permanent(provider, errors.New("message has no recipients"))
	}
	if msg.BodyHTML == "" && msg.BodyText == "" {
		return permanent(provider, errors.New("message has no body"))
	}
	return nil
}
