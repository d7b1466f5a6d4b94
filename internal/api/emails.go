package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"BrokerCopilot/internal/models"
	"BrokerCopilot/internal/render"
	"BrokerCopilot/internal/store"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	defaultStatDays = 30
)

// localLayouts are accepted for times without an offset; they are read in
// the request's timezone.
var localLayouts = []string{"2006-01-02T15:04:05", time.DateTime, "2006-01-02T15:04"}

func parseLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, invalid("unknown timezone %q", tz)
	}
	return loc, nil
}

// parseTime returns t in UTC.
func parseTime(field, value string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, invalid("%s must be RFC3339 or YYYY-MM-DDTHH:MM:SS", field)
}

func (h *Handler) decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return invalid("invalid request body: %v", err)
	}
	return h.validate.Struct(dst)
}

func requireUser(r *http.Request) (string, error) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		return "", invalid("user_id is required")
	}
	return userID, nil
}

// buildEmail turns a schedule request into a pending record. A template, when
// given, supplies subject and bodies.
func (h *Handler) buildEmail(r *http.Request, req *ScheduleRequest, userID, fromEmail string) (*models.ScheduledEmail, error) {
	subject, bodyHTML, bodyText := req.Subject, req.BodyHTML, req.BodyText

	if req.TemplateID != "" {
		tmpl, err := h.store.GetTemplate(r.Context(), req.TemplateID)
		if err != nil {
			return nil, fmt.Errorf("template %s: %w", req.TemplateID, err)
		}
		out, err := render.RenderTemplate(tmpl, req.TemplateVariables)
		if err != nil {
			return nil, err
		}
		subject, bodyHTML = out.Subject, out.BodyHTML
		if out.BodyText != "" {
			bodyText = out.BodyText
		}
	}

	if subject == "" {
		return nil, invalid("subject is required")
	}
	if bodyHTML == "" && bodyText == "" {
		return nil, invalid("email body (html or text) or a template is required")
	}

	loc, err := parseLocation(req.Timezone)
	if err != nil {
		return nil, err
	}
	scheduledAt, err := parseTime("scheduled_at", req.ScheduledAt, loc)
	if err != nil {
		return nil, err
	}

	e := models.NewScheduledEmail()
	e.Subject = subject
	e.BodyHTML = bodyHTML
	e.BodyText = bodyText
	e.TemplateID = req.TemplateID
	e.TemplateVariables = req.TemplateVariables
	e.FromEmail = fromEmail
	e.FromName = req.FromName
	e.ReplyTo = req.ReplyTo
	e.Attachments = req.Attachments
	e.ScheduledAt = scheduledAt
	e.Timezone = loc.String()
	e.UserID = userID
	e.PolicyID = req.PolicyID
	e.CampaignID = req.CampaignID
	e.Tags = req.Tags
	e.RecurrenceCount = req.RecurrenceCount
	e.MaxRetries = h.opts.MaxRetries
	if req.MaxRetries != nil {
		e.MaxRetries = *req.MaxRetries
	}
	if req.Recurrence != "" {
		e.Recurrence = models.Recurrence(req.Recurrence)
	}
	if req.Priority != "" {
		e.Priority = models.Priority(req.Priority)
	}
	if req.RecurrenceEnd != "" {
		end, err := parseTime("recurrence_end", req.RecurrenceEnd, loc)
		if err != nil {
			return nil, err
		}
		e.RecurrenceEnd = &end
	}

	for _, rc := range req.Recipients {
		t := models.RecipientType(rc.Type)
		if t == "" {
			t = models.RecipientTo
		}
		e.Recipients = append(e.Recipients, models.Recipient{Email: rc.Email, Name: rc.Name, Type: t})
	}
	if len(e.RecipientsOf(models.RecipientTo)) == 0 {
		return nil, invalid("at least one \"to\" recipient is required")
	}

	return e, nil
}

func (h *Handler) fromEmail(r *http.Request) string {
	if from := r.URL.Query().Get("from_email"); from != "" {
		return from
	}
	return h.opts.DefaultFrom
}

func (h *Handler) ScheduleEmail(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUser(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var req ScheduleRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	e, err := h.buildEmail(r, &req, userID, h.fromEmail(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	saved, err := h.store.Save(r.Context(), e)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.log.Info("email scheduled",
		zap.String("email_id", saved.ID),
		zap.String("user_id", userID),
		zap.Time("scheduled_at", saved.ScheduledAt),
		zap.String("priority", string(saved.Priority)),
	)

	writeJSON(w, http.StatusCreated, ScheduleResponse{
		ID:          saved.ID,
		Status:      saved.Status,
		ScheduledAt: saved.ScheduledAt,
		Message:     "Email scheduled for " + saved.ScheduledAt.Format(time.RFC3339),
	})
}

func intParam(r *http.Request, name string, def, lo, hi int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < lo || n > hi {
		return 0, invalid("%s must be an integer between %d and %d", name, lo, hi)
	}
	return n, nil
}

func (h *Handler) ListScheduled(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUser(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	status := models.EmailStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		h.fail(w, r, invalid("unknown status %q", status))
		return
	}
	page, err := intParam(r, "page", 1, 1, 1<<20)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	pageSize, err := intParam(r, "page_size", defaultPageSize, 1, maxPageSize)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	// One extra row tells whether another page exists.
	emails, err := h.store.ListByUser(r.Context(), userID, status, pageSize+1, (page-1)*pageSize)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	hasMore := len(emails) > pageSize
	if hasMore {
		emails = emails[:pageSize]
	}

	total, err := h.store.Count(r.Context(), store.CountFilter{UserID: userID, Status: status})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	if emails == nil {
		emails = []*models.ScheduledEmail{}
	}
	writeJSON(w, http.StatusOK, ListResponse{
		Emails:   emails,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		HasMore:  hasMore,
	})
}

func (h *Handler) GetScheduled(w http.ResponseWriter, r *http.Request) {
	e, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *Handler) CancelScheduled(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.dispatch.Cancel(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: string(models.StatusCancelled), EmailID: id})
}

func (h *Handler) SendNow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.dispatch.SendNow(r.Context(), id, r.URL.Query().Get("provider")); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, StatusResponse{
		Status:  string(models.StatusQueued),
		EmailID: id,
		Message: "Email queued for immediate delivery",
	})
}

func (h *Handler) ListForPolicy(w http.ResponseWriter, r *http.Request) {
	emails, err := h.store.ListByPolicy(r.Context(), chi.URLParam(r, "policy_id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if emails == nil {
		emails = []*models.ScheduledEmail{}
	}
	writeJSON(w, http.StatusOK, emails)
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUser(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	days, err := intParam(r, "days", defaultStatDays, 1, 365)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	ctx := r.Context()
	counts := map[models.EmailStatus]int{}
	for _, s := range []models.EmailStatus{"", models.StatusSent, models.StatusFailed, models.StatusPending, models.StatusCancelled} {
		n, err := h.store.Count(ctx, store.CountFilter{UserID: userID, Status: s})
		if err != nil {
			h.fail(w, r, err)
			return
		}
		counts[s] = n
	}

	sent, err := h.store.ListByUser(ctx, userID, models.StatusSent, 0, 0)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var opened, clicked int
	for _, e := range sent {
		if e.OpenCount > 0 {
			opened++
		}
		if e.ClickCount > 0 {
			clicked++
		}
	}

	end := h.now().UTC()
	resp := StatsResponse{
		TotalScheduled: counts[""],
		TotalSent:      counts[models.StatusSent],
		TotalFailed:    counts[models.StatusFailed],
		TotalPending:   counts[models.StatusPending],
		TotalCancelled: counts[models.StatusCancelled],
		PeriodStart:    end.AddDate(0, 0, -days),
		PeriodEnd:      end,
	}
	if len(sent) > 0 {
		resp.OpenRate = float64(opened) / float64(len(sent))
		resp.ClickRate = float64(clicked) / float64(len(sent))
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) BulkSend(w http.ResponseWriter, r *http.Request) {
	var req BulkSendRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	delay := time.Duration(-1)
	if req.DelayMS != nil {
		delay = time.Duration(*req.DelayMS) * time.Millisecond
	}

	res, err := h.dispatch.SendBulk(r.Context(), req.IDs, req.BatchSize, delay)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
