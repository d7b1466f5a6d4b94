// Package render fills {{variable}} placeholders in email templates.
package render

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/valyala/fasttemplate"

	"BrokerCopilot/internal/models"
)

const (
	startTag = "{{"
	endTag   = "}}"
)

var placeholderName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// Error reports an undefined variable or malformed template.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	if e.Field == "" {
		return "template error: " + e.Reason
	}
	return fmt.Sprintf("template error in %s: %s", e.Field, e.Reason)
}

// Render resolves every placeholder in tmpl from vars.
func Render(tmpl string, vars map[string]any) (string, error) {
	t, err := fasttemplate.NewTemplate(tmpl, startTag, endTag)
	if err != nil {
		return "", &Error{Reason: "unterminated placeholder"}
	}

	return t.ExecuteFuncStringWithErr(func(w io.Writer, tag string) (int, error) {
		name := strings.TrimSpace(tag)
		if !placeholderName.MatchString(name) {
			return 0, &Error{Reason: fmt.Sprintf("invalid placeholder %q", tag)}
		}
		v, ok := vars[name]
		if !ok {
			return 0, &Error{Reason: fmt.Sprintf("undefined variable %q", name)}
		}
		if v == nil {
			return 0, nil
		}
		return io.WriteString(w, fmt.Sprint(v))
	})
}

type Rendered struct {
	Subject  string `json:"subject"`
	BodyHTML string `json:"body_html"`
	BodyText string `json:"body_text,omitempty"`
}

// RenderTemplate renders subject and bodies of t. An empty text template yields an empty text body.
func RenderTemplate(t *models.EmailTemplate, vars map[string]any) (*Rendered, error) {
	var out Rendered
	var err error

	if out.Subject, err = renderField("subject", t.SubjectTemplate, vars); err != nil {
		return nil, err
	}
	if out.BodyHTML, err = renderField("body_html", t.BodyHTMLTemplate, vars); err != nil {
		return nil, err
	}
	if t.BodyTextTemplate != "" {
		if out.BodyText, err = renderField("body_text", t.BodyTextTemplate, vars); err != nil {
			return nil, err
		}
	}

	return &out, nil
}

// Validate checks placeholder syntax in every field of t without resolving
// any variable.
func Validate(t *models.EmailTemplate) error {
	for _, f := range []struct{ name, tmpl string }{
		{"subject", t.SubjectTemplate},
		{"body_html", t.BodyHTMLTemplate},
		{"body_text", t.BodyTextTemplate},
	} {
		if err := check(f.tmpl); err != nil {
			err.Field = f.name
			return err
		}
	}
	return nil
}

func check(tmpl string) *Error {
	t, err := fasttemplate.NewTemplate(tmpl, startTag, endTag)
	if err != nil {
		return &Error{Reason: "unterminated placeholder"}
	}
	var bad *Error
	t.ExecuteFuncString(func(w io.Writer, tag string) (int, error) {
		if bad == nil && !placeholderName.MatchString(strings.TrimSpace(tag)) {
			bad = &Error{Reason: fmt.Sprintf("invalid placeholder %q", tag)}
		}
		return 0, nil
	})
	return bad
}

func renderField(field, tmpl string, vars map[string]any) (string, error) {
	s, err := Render(tmpl, vars)
	if err != nil {
		var re *Error
		if errors.As(err, &re) {
			re.Field = field
			return "", re
		}
		return "", &Error{Field: field, Reason: err.Error()}
	}
	return s, nil
}
