package email

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultSendGridURL = "https://api.sendgrid.com"

type SendGridProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewSendGridProvider returns a SendGrid client. A nil client means http.DefaultClient.
func NewSendGridProvider(apiKey, baseURL string, client *http.Client) *SendGridProvider {
	if baseURL == "" {
		baseURL = defaultSendGridURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &SendGridProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func (p *SendGridProvider) Name() string { return string(KindSendGrid) }

type sgAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sgPersonalization struct {
	To  []sgAddress `json:"to,omitempty"`
	Cc  []sgAddress `json:"cc,omitempty"`
	Bcc []sgAddress `json:"bcc,omitempty"`
}

type sgContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sgAttachment struct {
	Content     string `json:"content"`
	Type        string `json:"type,omitempty"`
	Filename    string `json:"filename"`
	Disposition string `json:"disposition,omitempty"`
}

type sgPayload struct {
	Personalizations []sgPersonalization `json:"personalizations"`
	From             sgAddress           `json:"from"`
	ReplyTo          *sgAddress          `json:"reply_to,omitempty"`
	Subject          string              `json:"subject"`
	Content          []sgContent         `json:"content"`
	Attachments      []sgAttachment      `json:"attachments,omitempty"`
}

func (p *SendGridProvider) Send(ctx context.Context, msg *Message) (*Result, error) {
	if p.apiKey == "" {
		return nil, permanent(p.Name(), errors.New("sendgrid api key not configured"))
	}
	if err := validate(p.Name(), msg); err != nil {
		return nil, err
	}

	body, err := json.Marshal(p.payload(msg))
	if err != nil {
		return nil, permanent(p.Name(), fmt.Errorf("encode payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v3/mail/send", bytes.NewReader(body))
	if err != nil {
		return nil, permanent(p.Name(), err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, transient(p.Name(), fmt.Errorf("sendgrid request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return &Result{
			Provider:  p.Name(),
			MessageID: resp.Header.Get("X-Message-Id"),
			Timestamp: time.Now().UTC(),
		}, nil
	}

	return nil, statusError(p.Name(), resp)
}

func (p *SendGridProvider) payload(msg *Message) sgPayload {
	pl := sgPayload{
		Personalizations: []sgPersonalization{{
			To:  sgAddresses(msg.To),
			Cc:  sgAddresses(msg.Cc),
			Bcc: sgAddresses(msg.Bcc),
		}},
		From:    sgAddress{Email: msg.FromEmail, Name: msg.FromName},
		Subject: msg.Subject,
	}
	if msg.ReplyTo != "" {
		pl.ReplyTo = &sgAddress{Email: msg.ReplyTo}
	}
	// SendGrid requires text/plain to precede text/html.
	if msg.BodyText != "" {
		pl.Content = append(pl.Content, sgContent{Type: "text/plain", Value: msg.BodyText})
	}
	if msg.BodyHTML != "" {
		pl.Content = append(pl.Content, sgContent{Type: "text/html", Value: msg.BodyHTML})
	}
	for _, a := range msg.Attachments {
		att := sgAttachment{
			Content:  base64.StdEncoding.EncodeToString(a.Content),
			Type:     a.ContentType,
			Filename: a.Filename,
		}
		if a.Inline {
			att.Disposition = "inline"
		}
		pl.Attachments = append(pl.Attachments, att)
	}
	return pl
}

func sgAddresses(emails []string) []sgAddress {
	if len(emails) == 0 {
		return nil
	}
	out := make([]sgAddress, len(emails))
	for i, e := range emails {
		out[i] = sgAddress{Email: e}
	}
	return out
}

// statusError turns a non-success HTTP response into a ProviderError.
// Throttling and server faults are transient; other client errors are not.
func statusError(provider string, resp *http.Response) error {
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	cause := fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return transient(provider, cause)
	}
	return permanent(provider, cause)
}
