package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"BrokerCopilot/internal/models"
)

// MemoryStore keeps everything in process memory. One mutex guards records,
// templates and both secondary indexes.
type MemoryStore struct {
	mu        sync.Mutex
	emails    map[string]*models.ScheduledEmail
	templates map[string]*models.EmailTemplate
	byUser    map[string]map[string]struct{}
	byPolicy  map[string]map[string]struct{}

	now func() time.Time
	log *zap.Logger
}

type MemoryOption func(*MemoryStore)

// WithClock overrides the time source used for bookkeeping timestamps.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

func NewMemoryStore(logger *zap.Logger, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		emails:    make(map[string]*models.ScheduledEmail),
		templates: make(map[string]*models.EmailTemplate),
		byUser:    make(map[string]map[string]struct{}),
		byPolicy:  make(map[string]map[string]struct{}),
		now:       time.Now,
		log:       logger,
	}
	for _, o := range opts {
		o(s)
	}

	for _, t := range SystemTemplates(s.now().UTC()) {
		s.templates[t.ID] = t
	}

	logger.Info("memory store initialized", zap.Int("system_templates", len(s.templates)))
	return s
}

func (s *MemoryStore) Save(_ context.Context, email *models.ScheduledEmail) (*models.ScheduledEmail, error) {
	if err := validateEmail(email); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := email.Clone()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := s.now().UTC()

	prev, exists := s.emails[rec.ID]
	if exists {
		rec.CreatedAt = prev.CreatedAt
		if prev.UserID != rec.UserID {
			removeIndex(s.byUser, prev.UserID, rec.ID)
		}
		if prev.PolicyID != rec.PolicyID {
			removeIndex(s.byPolicy, prev.PolicyID, rec.ID)
		}
	} else if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	s.emails[rec.ID] = rec
	addIndex(s.byUser, rec.UserID, rec.ID)
	addIndex(s.byPolicy, rec.PolicyID, rec.ID)

	action := "created scheduled email"
	if exists {
		action = "updated scheduled email"
	}
	s.log.Info(action,
		zap.String("email_id", rec.ID),
		zap.String("user_id", rec.UserID),
		zap.String("status", string(rec.Status)),
		zap.Time("scheduled_at", rec.ScheduledAt),
	)

	return rec.Clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.ScheduledEmail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.emails[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.deleteLocked(id), nil
}

func (s *MemoryStore) deleteLocked(id string) bool {
	rec, ok := s.emails[id]
	if !ok {
		s.log.Warn("delete of unknown scheduled email", zap.String("email_id", id))
		return false
	}

	delete(s.emails, id)
	removeIndex(s.byUser, rec.UserID, id)
	removeIndex(s.byPolicy, rec.PolicyID, id)

	s.log.Info("deleted scheduled email",
		zap.String("email_id", id),
		zap.String("status", string(rec.Status)),
	)
	return true
}

func (s *MemoryStore) ListByUser(_ context.Context, userID string, status models.EmailStatus, limit, offset int) ([]*models.ScheduledEmail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.ScheduledEmail
	for id := range s.byUser[userID] {
		rec := s.emails[id]
		if status != "" && rec.Status != status {
			continue
		}
		out = append(out, rec)
	}
	sortRecent(out)

	return page(out, limit, offset), nil
}

func (s *MemoryStore) ListByPolicy(_ context.Context, policyID string) ([]*models.ScheduledEmail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.ScheduledEmail
	for id := range s.byPolicy[policyID] {
		out = append(out, s.emails[id])
	}
	sortRecent(out)

	return page(out, 0, 0), nil
}

func (s *MemoryStore) ListDue(_ context.Context, before time.Time, limit int) ([]*models.ScheduledEmail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*models.ScheduledEmail
	for _, rec := range s.emails {
		if rec.Status != models.StatusPending || rec.ScheduledAt.After(before) {
			continue
		}
		if rec.NextAttemptAt != nil && rec.NextAttemptAt.After(before) {
			continue
		}
		due = append(due, rec)
	}
	SortDue(due)

	return page(due, limit, 0), nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id string, status models.EmailStatus, opts ...UpdateOption) (*models.ScheduledEmail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.emails[id]
	if !ok {
		s.log.Warn("status update of unknown scheduled email", zap.String("email_id", id))
		return nil, ErrNotFound
	}

	old := rec.Status
	u := buildUpdate(opts)
	if err := applyStatus(rec, status, u, s.now().UTC()); err != nil {
		return nil, err
	}

	s.log.Info("email status updated",
		zap.String("email_id", id),
		zap.String("old_status", string(old)),
		zap.String("new_status", string(status)),
		zap.Int("retry_count", rec.RetryCount),
		zap.Bool("has_error", u.errorMessage != ""),
	)

	return rec.Clone(), nil
}

func (s *MemoryStore) Count(_ context.Context, filter CountFilter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, rec := range s.emails {
		if filter.UserID != "" && rec.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		n++
	}
	return n, nil
}

func (s *MemoryStore) PurgeTerminal(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, rec := range s.emails {
		if rec.Status.Terminal() && rec.UpdatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		s.deleteLocked(id)
	}
	return len(ids), nil
}

func (s *MemoryStore) ListStale(_ context.Context, cutoff time.Time) ([]*models.ScheduledEmail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.ScheduledEmail
	for _, rec := range s.emails {
		if rec.Status != models.StatusQueued && rec.Status != models.StatusSending {
			continue
		}
		if rec.UpdatedAt.Before(cutoff) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })

	return page(out, 0, 0), nil
}

func (s *MemoryStore) GetTemplate(_ context.Context, id string) (*models.EmailTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.templates[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (s *MemoryStore) ListTemplates(_ context.Context, filter TemplateFilter) ([]*models.EmailTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.EmailTemplate
	for _, t := range s.templates {
		if matchTemplate(t, filter) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out, nil
}

func (s *MemoryStore) SaveTemplate(_ context.Context, tmpl *models.EmailTemplate) (*models.EmailTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := tmpl.Clone()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if prev, ok := s.templates[t.ID]; ok {
		if prev.IsSystem {
			return nil, ErrSystemTemplate
		}
		if prev.UserID != t.UserID {
			return nil, ErrTemplateOwner
		}
		t.CreatedAt = prev.CreatedAt
	}
	now := s.now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	s.templates[t.ID] = t
	s.log.Info("saved email template",
		zap.String("template_id", t.ID),
		zap.String("name", t.Name),
		zap.String("category", t.Category),
	)

	return t.Clone(), nil
}

func (s *MemoryStore) DeleteTemplate(_ context.Context, id, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.templates[id]
	if !ok {
		return ErrNotFound
	}
	if t.IsSystem {
		s.log.Warn("attempted to delete system template", zap.String("template_id", id))
		return ErrSystemTemplate
	}
	if t.UserID != userID {
		s.log.Warn("attempted to delete another user's template",
			zap.String("template_id", id),
			zap.String("user_id", userID),
		)
		return ErrTemplateOwner
	}

	delete(s.templates, id)
	s.log.Info("deleted email template", zap.String("template_id", id))
	return nil
}

func matchTemplate(t *models.EmailTemplate, f TemplateFilter) bool {
	if f.Category != "" && t.Category != f.Category {
		return false
	}
	if t.IsSystem {
		return !f.ExcludeSystem
	}
	return f.UserID == "" || t.UserID == f.UserID
}

// SortDue orders records urgent first, then by scheduled_at, then id.
func SortDue(recs []*models.ScheduledEmail) {
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
			return ra < rb
		}
		if !a.ScheduledAt.Equal(b.ScheduledAt) {
			return a.ScheduledAt.Before(b.ScheduledAt)
		}
		return a.ID < b.ID
	})
}

func sortRecent(recs []*models.ScheduledEmail) {
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if !a.ScheduledAt.Equal(b.ScheduledAt) {
			return a.ScheduledAt.After(b.ScheduledAt)
		}
		return a.ID < b.ID
	})
}

// page clones the window [offset, offset+limit). A non-positive limit means no limit.
func page(recs []*models.ScheduledEmail, limit, offset int) []*models.ScheduledEmail {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(recs) {
		return []*models.ScheduledEmail{}
	}
	recs = recs[offset:]
	if limit > 0 && limit < len(recs) {
		recs = recs[:limit]
	}

	out := make([]*models.ScheduledEmail, len(recs))
	for i, r := range recs {
		out[i] = r.Clone()
	}
	return out
}

func addIndex(idx map[string]map[string]struct{}, key, id string) {
	if key == "" {
		return
	}
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[id] = struct{}{}
}

func removeIndex(idx map[string]map[string]struct{}, key, id string) {
	set, ok := idx[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(idx, key)
	}
}
