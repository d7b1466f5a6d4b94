package email

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultGraphURL = "https://graph.microsoft.com"

// TokenSource yields an OAuth access token for the mailbox of userID.
// An empty token with a nil error means the user has not connected a mailbox.
type TokenSource interface {
	Token(ctx context.Context, userID string) (string, error)
}

// StaticToken uses one token for every user.
type StaticToken string

func (t StaticToken) Token(context.Context, string) (string, error) { return string(t), nil }

type GraphProvider struct {
	baseURL string
	tokens  TokenSource
	client  *http.Client
}

func NewGraphProvider(baseURL string, tokens TokenSource, client *http.Client) *GraphProvider {
	if baseURL == "" {
		baseURL = defaultGraphURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &GraphProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		client:  client,
	}
}

func (p *GraphProvider) Name() string { return string(KindGraph) }

type graphAddress struct {
	EmailAddress struct {
		Address string `json:"address"`
		Name    string `json:"name,omitempty"`
	} `json:"emailAddress"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	ContentBytes string `json:"contentBytes"`
	IsInline     bool   `json:"isInline,omitempty"`
}

type graphMessage struct {
	Subject       string            `json:"subject"`
	Body          graphBody         `json:"body"`
	ToRecipients  []graphAddress    `json:"toRecipients"`
	CcRecipients  []graphAddress    `json:"ccRecipients,omitempty"`
	BccRecipients []graphAddress    `json:"bccRecipients,omitempty"`
	ReplyTo       []graphAddress    `json:"replyTo,omitempty"`
	Attachments   []graphAttachment `json:"attachments,omitempty"`
}

type graphSendMail struct {
	Message         graphMessage `json:"message"`
	SaveToSentItems bool         `json:"saveToSentItems"`
}

func (p *GraphProvider) Send(ctx context.Context, msg *Message) (*Result, error) {
	token, err := p.tokens.Token(ctx, msg.UserID)
	if err != nil {
		return nil, transient(p.Name(), fmt.Errorf("access token: %w", err))
	}
	if token == "" {
		return nil, permanent(p.Name(), errors.New("microsoft graph access token not provided"))
	}
	if err := validate(p.Name(), msg); err != nil {
		return nil, err
	}

	body, err := json.Marshal(graphSendMail{Message: graphPayload(msg), SaveToSentItems: true})
	if err != nil {
		return nil, permanent(p.Name(), fmt.Errorf("encode payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1.0/me/sendMail", bytes.NewReader(body))
	if err != nil {
		return nil, permanent(p.Name(), err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, transient(p.Name(), fmt.Errorf("graph request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return nil, statusError(p.Name(), resp)
	}

	// sendMail returns no id; the request id is the closest handle Graph offers.
	id := resp.Header.Get("request-id")
	if id == "" {
		id = uuid.NewString()
	}
	return &Result{Provider: p.Name(), MessageID: id, Timestamp: time.Now().UTC()}, nil
}

func graphPayload(msg *Message) graphMessage {
	gm := graphMessage{
		Subject:       msg.Subject,
		ToRecipients:  graphAddresses(msg.To),
		CcRecipients:  graphAddresses(msg.Cc),
		BccRecipients: graphAddresses(msg.Bcc),
	}
	if msg.BodyHTML != "" {
		gm.Body = graphBody{ContentType: "HTML", Content: msg.BodyHTML}
	} else {
		gm.Body = graphBody{ContentType: "Text", Content: msg.BodyText}
	}
	if gm.ToRecipients == nil {
		gm.ToRecipients = []graphAddress{}
	}
	if msg.ReplyTo != "" {
		gm.ReplyTo = graphAddresses([]string{msg.ReplyTo})
	}
	for _, a := range msg.Attachments {
		ct := a.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		gm.Attachments = append(gm.Attachments, graphAttachment{
			ODataType:    "#microsoft.graph.fileAttachment",
			Name:         a.Filename,
			ContentType:  ct,
			ContentBytes: base64.StdEncoding.EncodeToString(a.Content),
			IsInline:     a.Inline,
		})
	}
	return gm
}

func graphAddresses(emails []string) []graphAddress {
	if len(emails) == 0 {
		return nil
	}
	out := make([]graphAddress, len(emails))
	for i, e := range emails {
		out[i].EmailAddress.Address = e
	}
	return out
}
