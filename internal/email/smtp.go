package email

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

type SMTPProvider struct {
	Host string
	Port int
	From string

	dialer *gomail.Dialer
}

func NewSMTPProvider(host string, port int, user, password, from string) *SMTPProvider {
	return &SMTPProvider{
		Host:   host,
		Port:   port,
		From:   from,
		dialer: gomail.NewDialer(host, port, user, password),
	}
}

func (s *SMTPProvider) Name() string { return string(KindSMTP) }

func (s *SMTPProvider) Send(ctx context.Context, msg *Message) (*Result, error) {
	if err := validate(s.Name(), msg); err != nil {
		return nil, err
	}

	m, id := s.build(msg)

	// gomail has no context support, so the dial runs aside and the caller
	// returns as soon as ctx is done.
	done := make(chan error, 1)
	go func() { done <- s.dialer.DialAndSend(m) }()

	select {
	case <-ctx.Done():
		return nil, transient(s.Name(), fmt.Errorf("smtp send: %w", ctx.Err()))
	case err := <-done:
		if err != nil {
			return nil, classifySMTP(s.Name(), err)
		}
	}

	return &Result{Provider: s.Name(), MessageID: id, Timestamp: time.Now().UTC()}, nil
}

func (s *SMTPProvider) build(msg *Message) (*gomail.Message, string) {
	m := gomail.NewMessage()

	from := msg.FromEmail
	if from == "" {
		from = s.From
	}
	if msg.FromName != "" {
		m.SetAddressHeader("From", from, msg.FromName)
	} else {
		m.SetHeader("From", from)
	}
	if len(msg.To) > 0 {
		m.SetHeader("To", msg.To...)
	}
	if len(msg.Cc) > 0 {
		m.SetHeader("Cc", msg.Cc...)
	}
	if len(msg.Bcc) > 0 {
		m.SetHeader("Bcc", msg.Bcc...)
	}
	if msg.ReplyTo != "" {
		m.SetHeader("Reply-To", msg.ReplyTo)
	}
	m.SetHeader("Subject", msg.Subject)

	id := fmt.Sprintf("<%s@%s>", uuid.NewString(), domainOf(from))
	m.SetHeader("Message-ID", id)

	switch {
	case msg.BodyText != "" && msg.BodyHTML != "":
		m.SetBody("text/plain", msg.BodyText)
		m.AddAlternative("text/html", msg.BodyHTML)
	case msg.BodyHTML != "":
		m.SetBody("text/html", msg.BodyHTML)
	default:
		m.SetBody("text/plain", msg.BodyText)
	}

	for _, a := range msg.Attachments {
		content := a.Content
		settings := []gomail.FileSetting{
			gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(content)
				return err
			}),
		}
		if a.ContentType != "" {
			settings = append(settings, gomail.SetHeader(map[string][]string{"Content-Type": {a.ContentType}}))
		}
		if a.Inline {
			m.Embed(a.Filename, settings...)
		} else {
			m.Attach(a.Filename, settings...)
		}
	}

	return m, id
}

// gomail flattens send errors into strings, so the reply code is recovered
// from the text when the textproto error is gone.
var smtpReplyCode = regexp.MustCompile(`(?:^|: )([2-5]\d\d)[ -]`)

func classifySMTP(provider string, err error) error {
	code := 0
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		code = tpErr.Code
	} else if m := smtpReplyCode.FindStringSubmatch(err.Error()); m != nil {
		code, _ = strconv.Atoi(m[1])
	}

	if code >= 500 {
		return permanent(provider, fmt.Errorf("smtp send: %w", err))
	}
	return transient(provider, fmt.Errorf("smtp send: %w", err))
}

func domainOf(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 && i < len(addr)-1 {
		return addr[i+1:]
	}
	return "localhost"
}
