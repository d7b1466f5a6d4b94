package render

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"BrokerCopilot/internal/models"
)

func TestRender(t *testing.T) {
	out, err := Render("Dear {{client_name}}, policy {{ policy_number }} renews for ${{premium}}.", map[string]any{
		"client_name":   "Ada",
		"policy_number": "P-100",
		"premium":       1250.5,
	})
	require.NoError(t, err)
	assert.Equal(t, "Dear Ada, policy P-100 renews for $1250.5.", out)
}

func TestRenderNoPlaceholders(t *testing.T) {
	out, err := Render("plain text", nil)
	require.NoError(t, err)
	assert.Equal(t, "plain text", out)
}

func TestRenderErrors(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
	}{
		{"undefined variable", "Hello {{missing}}"},
		{"unterminated", "Hello {{client_name"},
		{"invalid name", "Hello {{client name}}"},
		{"empty placeholder", "Hello {{}}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Render(tt.tmpl, map[string]any{"client_name": "Ada"})
			require.Error(t, err)
			var re *Error
			assert.True(t, errors.As(err, &re))
		})
	}
}

func TestRenderTemplate(t *testing.T) {
	tmpl := &models.EmailTemplate{
		SubjectTemplate:  "Renewal {{policy_number}}",
		BodyHTMLTemplate: "<p>{{client_name}}</p>",
	}

	out, err := RenderTemplate(tmpl, map[string]any{"policy_number": "P-1", "client_name": "Ada"})
	require.NoError(t, err)
	assert.Equal(t, "Renewal P-1", out.Subject)
	assert.Equal(t, "<p>Ada</p>", out.BodyHTML)
	assert.Empty(t, out.BodyText)
}

func TestRenderTemplateReportsField(t *testing.T) {
	tmpl := &models.EmailTemplate{
		SubjectTemplate:  "Renewal",
		BodyHTMLTemplate: "<p>{{client_name}}</p>",
	}

	_, err := RenderTemplate(tmpl, nil)
	var re *Error
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "body_html", re.Field)
	assert.Contains(t, err.Error(), "client_name")
}

func TestValidate(t *testing.T) {
	ok := &models.EmailTemplate{
		SubjectTemplate:  "Renewal for {{ policy_number }}",
		BodyHTMLTemplate: "<p>Dear {{client_name}}</p>",
	}
	assert.NoError(t, Validate(ok))

	bad := &models.EmailTemplate{
		SubjectTemplate:  "Renewal",
		BodyHTMLTemplate: "<p>Dear {{client name}}</p>",
	}
	err := Validate(bad)
	var rerr *Error
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "body_html", rerr.Field)

	unterminated := &models.EmailTemplate{SubjectTemplate: "Hi {{name", BodyHTMLTemplate: "x"}
	assert.Error(t, Validate(unterminated))
}
