package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"BrokerCopilot/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS scheduled_emails (
	id                 TEXT PRIMARY KEY,
	subject            TEXT NOT NULL DEFAULT '',
	body_html          TEXT NOT NULL DEFAULT '',
	body_text          TEXT NOT NULL DEFAULT '',
	template_id        TEXT NOT NULL DEFAULT '',
	template_variables JSONB,
	from_email         TEXT NOT NULL DEFAULT '',
	from_name          TEXT NOT NULL DEFAULT '',
	recipients         JSONB NOT NULL DEFAULT '[]',
	reply_to           TEXT NOT NULL DEFAULT '',
	attachments        JSONB,
	scheduled_at       TIMESTAMPTZ NOT NULL,
	timezone           TEXT NOT NULL DEFAULT 'UTC',
	recurrence         TEXT NOT NULL DEFAULT 'none',
	recurrence_end     TIMESTAMPTZ,
	recurrence_count   INT,
	priority           TEXT NOT NULL DEFAULT 'normal',
	priority_rank      SMALLINT NOT NULL DEFAULT 2,
	status             TEXT NOT NULL,
	user_id            TEXT NOT NULL,
	policy_id          TEXT NOT NULL DEFAULT '',
	campaign_id        TEXT NOT NULL DEFAULT '',
	tags               JSONB,
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL,
	sent_at            TIMESTAMPTZ,
	next_attempt_at    TIMESTAMPTZ,
	error_message      TEXT NOT NULL DEFAULT '',
	retry_count        INT NOT NULL DEFAULT 0,
	max_retries        INT NOT NULL DEFAULT 3,
	message_id         TEXT NOT NULL DEFAULT '',
	provider           TEXT NOT NULL DEFAULT '',
	open_count         INT NOT NULL DEFAULT 0,
	click_count        INT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS scheduled_emails_user_idx ON scheduled_emails (user_id);
CREATE INDEX IF NOT EXISTS scheduled_emails_policy_idx ON scheduled_emails (policy_id);
CREATE INDEX IF NOT EXISTS scheduled_emails_due_idx ON scheduled_emails (status, scheduled_at);

CREATE TABLE IF NOT EXISTS email_templates (
	id                 TEXT PRIMARY KEY,
	name               TEXT NOT NULL,
	description        TEXT NOT NULL DEFAULT '',
	subject_template   TEXT NOT NULL,
	body_html_template TEXT NOT NULL,
	body_text_template TEXT NOT NULL DEFAULT '',
	category           TEXT NOT NULL DEFAULT '',
	variables          JSONB NOT NULL DEFAULT '[]',
	user_id            TEXT NOT NULL DEFAULT '',
	is_system          BOOLEAN NOT NULL DEFAULT FALSE,
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL
);
`

const emailColumns = `id, subject, body_html, body_text, template_id, template_variables,
	from_email, from_name, recipients, reply_to, attachments,
	scheduled_at, timezone, recurrence, recurrence_end, recurrence_count,
	priority, status, user_id, policy_id, campaign_id, tags,
	created_at, updated_at, sent_at, next_attempt_at, error_message,
	retry_count, max_retries, message_id, provider, open_count, click_count`

const templateColumns = `id, name, description, subject_template, body_html_template,
	body_text_template, category, variables, user_id, is_system, created_at, updated_at`

// PostgresStore persists records in PostgreSQL. Status updates lock the row
// so that concurrent claims serialize.
type PostgresStore struct {
	Pool *pgxpool.Pool
	log  *zap.Logger
}

func NewPostgresStore(ctx context.Context, conn string, logger *zap.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, conn)
	if err != nil {
		return nil, err
	}

	s := &PostgresStore{Pool: pool, log: logger}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresStore) Close() {
	s.Pool.Close()
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	for _, t := range SystemTemplates(time.Now().UTC()) {
		vars, err := json.Marshal(t.Variables)
		if err != nil {
			return err
		}
		_, err = s.Pool.Exec(ctx,
			`INSERT INTO email_templates (`+templateColumns+`)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,'',TRUE,$9,$9)
			 ON CONFLICT (id) DO NOTHING`,
			t.ID, t.Name, t.Description, t.SubjectTemplate, t.BodyHTMLTemplate,
			t.BodyTextTemplate, t.Category, vars, t.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("seed template %s: %w", t.ID, err)
		}
	}

	s.log.Info("postgres schema ready")
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, email *models.ScheduledEmail) (*models.ScheduledEmail, error) {
	if err := validateEmail(email); err != nil {
		return nil, err
	}

	rec := email.Clone()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	args, err := emailArgs(rec)
	if err != nil {
		return nil, err
	}

	row := s.Pool.QueryRow(ctx,
		`INSERT INTO scheduled_emails (`+emailColumns+`, priority_rank)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,
		         $21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32,$33,$34)
		 ON CONFLICT (id) DO UPDATE SET
		     subject=EXCLUDED.subject, body_html=EXCLUDED.body_html, body_text=EXCLUDED.body_text,
		     template_id=EXCLUDED.template_id, template_variables=EXCLUDED.template_variables,
		     from_email=EXCLUDED.from_email, from_name=EXCLUDED.from_name,
		     recipients=EXCLUDED.recipients, reply_to=EXCLUDED.reply_to, attachments=EXCLUDED.attachments,
		     scheduled_at=EXCLUDED.scheduled_at, timezone=EXCLUDED.timezone,
		     recurrence=EXCLUDED.recurrence, recurrence_end=EXCLUDED.recurrence_end,
		     recurrence_count=EXCLUDED.recurrence_count, priority=EXCLUDED.priority,
		     priority_rank=EXCLUDED.priority_rank, status=EXCLUDED.status,
		     user_id=EXCLUDED.user_id, policy_id=EXCLUDED.policy_id, campaign_id=EXCLUDED.campaign_id,
		     tags=EXCLUDED.tags, updated_at=EXCLUDED.updated_at, sent_at=EXCLUDED.sent_at,
		     next_attempt_at=EXCLUDED.next_attempt_at, error_message=EXCLUDED.error_message,
		     retry_count=EXCLUDED.retry_count, max_retries=EXCLUDED.max_retries,
		     message_id=EXCLUDED.message_id, provider=EXCLUDED.provider, open_count=EXCLUDED.open_count,
		     click_count=EXCLUDED.click_count
		 RETURNING created_at`,
		append(args, rec.Priority.Rank())...,
	)
	if err := row.Scan(&rec.CreatedAt); err != nil {
		return nil, err
	}

	s.log.Info("saved scheduled email",
		zap.String("email_id", rec.ID),
		zap.String("user_id", rec.UserID),
		zap.String("status", string(rec.Status)),
	)
	return rec, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.ScheduledEmail, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+emailColumns+` FROM scheduled_emails WHERE id=$1`, id)
	return scanEmail(row)
}

func (s *PostgresStore) Delete(ctx context.Context, id string) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM scheduled_emails WHERE id=$1`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, status models.EmailStatus, limit, offset int) ([]*models.ScheduledEmail, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.Pool.Query(ctx,
		`SELECT `+emailColumns+` FROM scheduled_emails
		 WHERE user_id=$1 AND ($2='' OR status=$2)
		 ORDER BY scheduled_at DESC, id
		 LIMIT NULLIF($3, -1) OFFSET $4`,
		userID, string(status), limit, max(offset, 0),
	)
	if err != nil {
		return nil, err
	}
	return collectEmails(rows)
}

func (s *PostgresStore) ListByPolicy(ctx context.Context, policyID string) ([]*models.ScheduledEmail, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT `+emailColumns+` FROM scheduled_emails
		 WHERE policy_id=$1 ORDER BY scheduled_at DESC, id`,
		policyID,
	)
	if err != nil {
		return nil, err
	}
	return collectEmails(rows)
}

func (s *PostgresStore) ListDue(ctx context.Context, before time.Time, limit int) ([]*models.ScheduledEmail, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.Pool.Query(ctx,
		`SELECT `+emailColumns+` FROM scheduled_emails
		 WHERE status=$1 AND scheduled_at <= $2
		   AND (next_attempt_at IS NULL OR next_attempt_at <= $2)
		 ORDER BY priority_rank, scheduled_at, id
		 LIMIT NULLIF($3, -1)`,
		string(models.StatusPending), before, limit,
	)
	if err != nil {
		return nil, err
	}
	return collectEmails(rows)
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status models.EmailStatus, opts ...UpdateOption) (*models.ScheduledEmail, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rec, err := scanEmail(tx.QueryRow(ctx,
		`SELECT `+emailColumns+` FROM scheduled_emails WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}

	old := rec.Status
	u := buildUpdate(opts)
	if err := applyStatus(rec, status, u, time.Now().UTC()); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE scheduled_emails
		 SET status=$1, updated_at=$2, sent_at=$3, next_attempt_at=$4,
		     error_message=$5, retry_count=$6, message_id=$7, provider=$8
		 WHERE id=$9`,
		string(rec.Status), rec.UpdatedAt, rec.SentAt, rec.NextAttemptAt,
		rec.ErrorMessage, rec.RetryCount, rec.MessageID, rec.Provider, id,
	)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	s.log.Info("email status updated",
		zap.String("email_id", id),
		zap.String("old_status", string(old)),
		zap.String("new_status", string(status)),
		zap.Int("retry_count", rec.RetryCount),
	)
	return rec, nil
}

func (s *PostgresStore) Count(ctx context.Context, filter CountFilter) (int, error) {
	var n int
	err := s.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM scheduled_emails
		 WHERE ($1='' OR user_id=$1) AND ($2='' OR status=$2)`,
		filter.UserID, string(filter.Status),
	).Scan(&n)
	return n, err
}

func (s *PostgresStore) PurgeTerminal(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.Pool.Exec(ctx,
		`DELETE FROM scheduled_emails
		 WHERE status IN ($1,$2,$3) AND updated_at < $4`,
		string(models.StatusSent), string(models.StatusFailed), string(models.StatusCancelled), cutoff,
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ListStale(ctx context.Context, cutoff time.Time) ([]*models.ScheduledEmail, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT `+emailColumns+` FROM scheduled_emails
		 WHERE status IN ($1,$2) AND updated_at < $3
		 ORDER BY updated_at`,
		string(models.StatusQueued), string(models.StatusSending), cutoff,
	)
	if err != nil {
		return nil, err
	}
	return collectEmails(rows)
}

func (s *PostgresStore) GetTemplate(ctx context.Context, id string) (*models.EmailTemplate, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+templateColumns+` FROM email_templates WHERE id=$1`, id)
	return scanTemplate(row)
}

func (s *PostgresStore) ListTemplates(ctx context.Context, filter TemplateFilter) ([]*models.EmailTemplate, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT `+templateColumns+` FROM email_templates
		 WHERE ($1='' OR category=$1)
		   AND ((is_system AND NOT $3) OR (NOT is_system AND ($2='' OR user_id=$2)))
		 ORDER BY id`,
		filter.Category, filter.UserID, filter.ExcludeSystem,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.EmailTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveTemplate(ctx context.Context, tmpl *models.EmailTemplate) (*models.EmailTemplate, error) {
	t := tmpl.Clone()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	t.IsSystem = false

	vars, err := json.Marshal(t.Variables)
	if err != nil {
		return nil, err
	}

	row := s.Pool.QueryRow(ctx,
		`INSERT INTO email_templates (`+templateColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,FALSE,$10,$11)
		 ON CONFLICT (id) DO UPDATE SET
		     name=EXCLUDED.name, description=EXCLUDED.description,
		     subject_template=EXCLUDED.subject_template, body_html_template=EXCLUDED.body_html_template,
		     body_text_template=EXCLUDED.body_text_template, category=EXCLUDED.category,
		     variables=EXCLUDED.variables, user_id=EXCLUDED.user_id, updated_at=EXCLUDED.updated_at
		 WHERE NOT email_templates.is_system AND email_templates.user_id = EXCLUDED.user_id
		 RETURNING created_at`,
		t.ID, t.Name, t.Description, t.SubjectTemplate, t.BodyHTMLTemplate,
		t.BodyTextTemplate, t.Category, vars, t.UserID, t.CreatedAt, t.UpdatedAt,
	)
	if err := row.Scan(&t.CreatedAt); err != nil {
		// The conflict clause filters out protected rows, which leaves nothing to return.
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.templateConflict(ctx, t.ID)
		}
		return nil, err
	}
	return t, nil
}

// templateConflict explains why a write to an existing template row was refused.
func (s *PostgresStore) templateConflict(ctx context.Context, id string) error {
	prev, err := s.GetTemplate(ctx, id)
	if err != nil {
		return err
	}
	if prev.IsSystem {
		return ErrSystemTemplate
	}
	return ErrTemplateOwner
}

func (s *PostgresStore) DeleteTemplate(ctx context.Context, id, userID string) error {
	var isSystem bool
	err := s.Pool.QueryRow(ctx,
		`DELETE FROM email_templates WHERE id=$1 AND NOT is_system AND user_id=$2 RETURNING is_system`, id, userID,
	).Scan(&isSystem)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	return s.templateConflict(ctx, id)
}

func emailArgs(e *models.ScheduledEmail) ([]any, error) {
	vars, err := json.Marshal(e.TemplateVariables)
	if err != nil {
		return nil, fmt.Errorf("encode template_variables: %w", err)
	}
	recipients, err := json.Marshal(e.Recipients)
	if err != nil {
		return nil, fmt.Errorf("encode recipients: %w", err)
	}
	attachments, err := json.Marshal(e.Attachments)
	if err != nil {
		return nil, fmt.Errorf("encode attachments: %w", err)
	}
	tags, err := json.Marshal(e.Tags)
	if err != nil {
		return nil, fmt.Errorf("encode tags: %w", err)
	}

	return []any{
		e.ID, e.Subject, e.BodyHTML, e.BodyText, e.TemplateID, vars,
		e.FromEmail, e.FromName, recipients, e.ReplyTo, attachments,
		e.ScheduledAt, e.Timezone, string(e.Recurrence), e.RecurrenceEnd, e.RecurrenceCount,
		string(e.Priority), string(e.Status), e.UserID, e.PolicyID, e.CampaignID, tags,
		e.CreatedAt, e.UpdatedAt, e.SentAt, e.NextAttemptAt, e.ErrorMessage,
		e.RetryCount, e.MaxRetries, e.MessageID, e.Provider, e.OpenCount, e.ClickCount,
	}, nil
}

func scanEmail(row pgx.Row) (*models.ScheduledEmail, error) {
	var (
		e                              models.ScheduledEmail
		vars, recipients, attach, tags []byte
		recurrence, priority, status   string
	)

	err := row.Scan(
		&e.ID, &e.Subject, &e.BodyHTML, &e.BodyText, &e.TemplateID, &vars,
		&e.FromEmail, &e.FromName, &recipients, &e.ReplyTo, &attach,
		&e.ScheduledAt, &e.Timezone, &recurrence, &e.RecurrenceEnd, &e.RecurrenceCount,
		&priority, &status, &e.UserID, &e.PolicyID, &e.CampaignID, &tags,
		&e.CreatedAt, &e.UpdatedAt, &e.SentAt, &e.NextAttemptAt, &e.ErrorMessage,
		&e.RetryCount, &e.MaxRetries, &e.MessageID, &e.Provider, &e.OpenCount, &e.ClickCount,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	e.Recurrence = models.Recurrence(recurrence)
	e.Priority = models.Priority(priority)
	e.Status = models.EmailStatus(status)

	for _, f := range []struct {
		raw []byte
		dst any
	}{
		{vars, &e.TemplateVariables},
		{recipients, &e.Recipients},
		{attach, &e.Attachments},
		{tags, &e.Tags},
	} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("decode email %s: %w", e.ID, err)
		}
	}

	return &e, nil
}

func collectEmails(rows pgx.Rows) ([]*models.ScheduledEmail, error) {
	defer rows.Close()

	out := []*models.ScheduledEmail{}
	for rows.Next() {
		e, err := scanEmail(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanTemplate(row pgx.Row) (*models.EmailTemplate, error) {
	var (
		t    models.EmailTemplate
		vars []byte
	)

	err := row.Scan(
		&t.ID, &t.Name, &t.Description, &t.SubjectTemplate, &t.BodyHTMLTemplate,
		&t.BodyTextTemplate, &t.Category, &vars, &t.UserID, &t.IsSystem, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(vars) > 0 {
		if err := json.Unmarshal(vars, &t.Variables); err != nil {
			return nil, fmt.Errorf("decode template %s: %w", t.ID, err)
		}
	}
	return &t, nil
}
