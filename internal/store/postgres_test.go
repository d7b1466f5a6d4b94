package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"BrokerCopilot/internal/models"
)

func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	s, err := NewPostgresStore(context.Background(), dsn, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestPostgresRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newPostgresStore(t)

	n := 2
	e := newEmail("pg-user", time.Now().UTC().Add(-time.Minute).Truncate(time.Microsecond), models.PriorityUrgent)
	e.PolicyID = "pg-policy"
	e.TemplateVariables = map[string]any{"client_name": "Ada"}
	e.RecurrenceCount = &n
	e.Tags = []string{"renewal"}

	saved, err := s.Save(ctx, e)
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = s.Delete(context.Background(), saved.ID) })

	got, err := s.Get(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, e.Recipients, got.Recipients)
	assert.Equal(t, "Ada", got.TemplateVariables["client_name"])
	require.NotNil(t, got.RecurrenceCount)
	assert.Equal(t, 2, *got.RecurrenceCount)
	assert.True(t, e.ScheduledAt.Equal(got.ScheduledAt))

	due, err := s.ListDue(ctx, time.Now().UTC(), 0)
	require.NoError(t, err)
	var found bool
	for _, d := range due {
		found = found || d.ID == saved.ID
	}
	assert.True(t, found)

	_, err = s.UpdateStatus(ctx, saved.ID, models.StatusSending)
	require.NoError(t, err)
	_, err = s.UpdateStatus(ctx, saved.ID, models.StatusSending)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	sent, err := s.UpdateStatus(ctx, saved.ID, models.StatusSent, WithMessageID("pg-msg"))
	require.NoError(t, err)
	assert.Equal(t, "pg-msg", sent.MessageID)
	assert.NotNil(t, sent.SentAt)
}

func TestPostgresSystemTemplates(t *testing.T) {
	ctx := context.Background()
	s := newPostgresStore(t)

	tmpl, err := s.GetTemplate(ctx, TemplateRenewal7)
	require.NoError(t, err)
	assert.True(t, tmpl.IsSystem)
	assert.ErrorIs(t, s.DeleteTemplate(ctx, TemplateRenewal7, "u1"), ErrSystemTemplate)

	_, err = s.SaveTemplate(ctx, tmpl)
	assert.ErrorIs(t, err, ErrSystemTemplate)
}

func TestPostgresTemplateOwnership(t *testing.T) {
	ctx := context.Background()
	s := newPostgresStore(t)

	id := "owned-" + time.Now().Format("150405.000000")
	_, err := s.SaveTemplate(ctx, &models.EmailTemplate{
		ID: id, Name: "Mine", SubjectTemplate: "s", BodyHTMLTemplate: "b", Category: "general", UserID: "u1",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.DeleteTemplate(ctx, id, "u1") })

	_, err = s.SaveTemplate(ctx, &models.EmailTemplate{
		ID: id, Name: "Theirs", SubjectTemplate: "s", BodyHTMLTemplate: "b", Category: "general", UserID: "u2",
	})
	assert.ErrorIs(t, err, ErrTemplateOwner)
	assert.ErrorIs(t, s.DeleteTemplate(ctx, id, "u2"), ErrTemplateOwner)

	got, err := s.GetTemplate(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Mine", got.Name)
}
