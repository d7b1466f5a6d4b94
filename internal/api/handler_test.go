package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"BrokerCopilot/internal/dispatch"
	"BrokerCopilot/internal/email"
	"BrokerCopilot/internal/models"
	"BrokerCopilot/internal/queue"
	"BrokerCopilot/internal/store"
)

type okSender struct{}

func (okSender) Send(context.Context, *email.Message, string) (*email.Result, error) {
	return &email.Result{Provider: "smtp", MessageID: "m-1", Timestamp: time.Now()}, nil
}

type testServer struct {
	srv   *httptest.Server
	store *store.MemoryStore
	queue *queue.MemoryQueue
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := store.NewMemoryStore(zap.NewNop())
	q := queue.NewMemoryQueue(100)
	cfg := dispatch.DefaultConfig()
	cfg.BulkBatchDelay = 0
	eng := dispatch.NewEngine(st, q, okSender{}, cfg, zap.NewNop())

	h := NewHandler(st, eng, Options{DefaultFrom: "noreply@brokercopilot.com"}, zap.NewNop())
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, store: st, queue: q}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, out
}

func scheduleBody(at string) map[string]any {
	return map[string]any{
		"subject":      "Policy renewal",
		"body_html":    "<p>Your policy renews soon.</p>",
		"recipients":   []map[string]string{{"email": "client@example.com", "name": "Ada"}},
		"scheduled_at": at,
		"priority":     "high",
		"policy_id":    "pol-1",
	}
}

func (ts *testServer) schedule(t *testing.T, body map[string]any) ScheduleResponse {
	t.Helper()
	resp, raw := ts.do(t, http.MethodPost, "/email/schedule?user_id=broker-1", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	var out ScheduleResponse
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestScheduleEmail(t *testing.T) {
	ts := newTestServer(t)

	out := ts.schedule(t, scheduleBody("2026-06-01T09:00:00Z"))
	assert.Equal(t, models.StatusPending, out.Status)
	assert.Equal(t, time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC), out.ScheduledAt)
	assert.Contains(t, out.Message, "2026-06-01T09:00:00Z")

	rec, err := ts.store.Get(context.Background(), out.ID)
	require.NoError(t, err)
	assert.Equal(t, "broker-1", rec.UserID)
	assert.Equal(t, "noreply@brokercopilot.com", rec.FromEmail)
	assert.Equal(t, models.PriorityHigh, rec.Priority)
	assert.Equal(t, models.RecipientTo, rec.Recipients[0].Type)
}

func TestScheduleEmailLocalTime(t *testing.T) {
	ts := newTestServer(t)
	body := scheduleBody("2026-06-01T09:00:00")
	body["timezone"] = "America/New_York"

	out := ts.schedule(t, body)
	assert.Equal(t, time.Date(2026, 6, 1, 13, 0, 0, 0, time.UTC), out.ScheduledAt)
}

func TestScheduleEmailRejects(t *testing.T) {
	ts := newTestServer(t)

	noBody := scheduleBody("2026-06-01T09:00:00Z")
	delete(noBody, "body_html")

	badZone := scheduleBody("2026-06-01T09:00:00")
	badZone["timezone"] = "Mars/Olympus"

	badRecipient := scheduleBody("2026-06-01T09:00:00Z")
	badRecipient["recipients"] = []map[string]string{{"email": "not-an-email"}}

	missingTemplate := scheduleBody("2026-06-01T09:00:00Z")
	missingTemplate["template_id"] = "nope"

	renderFail := scheduleBody("2026-06-01T09:00:00Z")
	renderFail["template_id"] = store.TemplateRenewal30
	renderFail["template_variables"] = map[string]any{}

	tests := []struct {
		name   string
		path   string
		body   map[string]any
		status int
	}{
		{"missing user", "/email/schedule", scheduleBody("2026-06-01T09:00:00Z"), http.StatusBadRequest},
		{"no body", "/email/schedule?user_id=u", noBody, http.StatusBadRequest},
		{"bad timezone", "/email/schedule?user_id=u", badZone, http.StatusBadRequest},
		{"bad recipient", "/email/schedule?user_id=u", badRecipient, http.StatusBadRequest},
		{"unknown template", "/email/schedule?user_id=u", missingTemplate, http.StatusNotFound},
		{"render error", "/email/schedule?user_id=u", renderFail, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, raw := ts.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode, string(raw))
		})
	}

	n, err := ts.store.Count(context.Background(), store.CountFilter{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestScheduleFromTemplate(t *testing.T) {
	ts := newTestServer(t)
	body := scheduleBody("2026-06-01T09:00:00Z")
	delete(body, "subject")
	delete(body, "body_html")
	body["template_id"] = store.TemplateWelcome
	body["template_variables"] = map[string]any{
		"client_name":  "Ada",
		"company_name": "Acme Insurance",
		"broker_name":  "Sam",
		"broker_phone": "555-0100",
		"broker_email": "sam@acme.example",
	}

	out := ts.schedule(t, body)
	rec, err := ts.store.Get(context.Background(), out.ID)
	require.NoError(t, err)
	assert.Equal(t, "Welcome to Acme Insurance - Your Insurance Partner", rec.Subject)
	assert.Contains(t, rec.BodyHTML, "<strong>Sam</strong>")
	assert.Equal(t, store.TemplateWelcome, rec.TemplateID)
}

func TestListScheduledPaging(t *testing.T) {
	ts := newTestServer(t)
	for i := 1; i <= 3; i++ {
		ts.schedule(t, scheduleBody(fmt.Sprintf("2026-06-%02dT09:00:00Z", i)))
	}

	resp, raw := ts.do(t, http.MethodGet, "/email/scheduled?user_id=broker-1&page=1&page_size=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page ListResponse
	require.NoError(t, json.Unmarshal(raw, &page))
	assert.Len(t, page.Emails, 2)
	assert.Equal(t, 3, page.Total)
	assert.True(t, page.HasMore)

	_, raw = ts.do(t, http.MethodGet, "/email/scheduled?user_id=broker-1&page=2&page_size=2", nil)
	require.NoError(t, json.Unmarshal(raw, &page))
	assert.Len(t, page.Emails, 1)
	assert.False(t, page.HasMore)

	resp, _ = ts.do(t, http.MethodGet, "/email/scheduled?user_id=broker-1&page_size=500", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodGet, "/email/scheduled?user_id=broker-1&status=lost", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetCancelAndSendNow(t *testing.T) {
	ts := newTestServer(t)
	a := ts.schedule(t, scheduleBody("2026-06-01T09:00:00Z"))
	b := ts.schedule(t, scheduleBody("2026-06-02T09:00:00Z"))

	resp, _ := ts.do(t, http.MethodGet, "/email/scheduled/"+a.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodGet, "/email/scheduled/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodDelete, "/email/scheduled/"+a.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodDelete, "/email/scheduled/"+a.ID, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodDelete, "/email/scheduled/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, raw := ts.do(t, http.MethodPost, "/email/scheduled/"+b.ID+"/send-now", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(raw))
	task, err := ts.queue.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, b.ID, task.EmailID)
	assert.Equal(t, queue.LanePriority, task.Lane)

	resp, _ = ts.do(t, http.MethodPost, "/email/scheduled/"+a.ID+"/send-now", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPolicyAndStats(t *testing.T) {
	ts := newTestServer(t)
	a := ts.schedule(t, scheduleBody("2026-06-01T09:00:00Z"))
	ts.schedule(t, scheduleBody("2026-06-02T09:00:00Z"))
	ts.do(t, http.MethodDelete, "/email/scheduled/"+a.ID, nil)

	resp, raw := ts.do(t, http.MethodGet, "/email/policy/pol-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var emails []models.ScheduledEmail
	require.NoError(t, json.Unmarshal(raw, &emails))
	assert.Len(t, emails, 2)

	resp, raw = ts.do(t, http.MethodGet, "/email/stats?user_id=broker-1&days=7", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats StatsResponse
	require.NoError(t, json.Unmarshal(raw, &stats))
	assert.Equal(t, 2, stats.TotalScheduled)
	assert.Equal(t, 1, stats.TotalPending)
	assert.Equal(t, 1, stats.TotalCancelled)
	assert.Zero(t, stats.OpenRate)
	assert.WithinDuration(t, stats.PeriodEnd.AddDate(0, 0, -7), stats.PeriodStart, time.Second)
}

func TestBulkSend(t *testing.T) {
	ts := newTestServer(t)
	a := ts.schedule(t, scheduleBody("2026-06-01T09:00:00Z"))
	b := ts.schedule(t, scheduleBody("2026-06-02T09:00:00Z"))

	resp, raw := ts.do(t, http.MethodPost, "/email/bulk-send", map[string]any{
		"ids":        []string{a.ID, b.ID, "missing"},
		"batch_size": 2,
		"delay_ms":   0,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))

	var res dispatch.BulkResult
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 1, res.Skipped)
	assert.Len(t, res.Batches, 2)

	resp, _ = ts.do(t, http.MethodPost, "/email/bulk-send", map[string]any{"ids": []string{}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTemplates(t *testing.T) {
	ts := newTestServer(t)

	resp, raw := ts.do(t, http.MethodGet, "/email/templates?category=renewal", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []models.EmailTemplate
	require.NoError(t, json.Unmarshal(raw, &list))
	assert.Len(t, list, 3)

	resp, raw = ts.do(t, http.MethodPost, "/email/templates?user_id=broker-1", TemplateRequest{
		Name:             "Claim follow-up",
		SubjectTemplate:  "Claim {{claim_number}}",
		BodyHTMLTemplate: "<p>Hi {{client_name}}, about claim {{claim_number}}.</p>",
		Variables:        []string{"claim_number", "client_name"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	var created models.EmailTemplate
	require.NoError(t, json.Unmarshal(raw, &created))
	assert.Equal(t, "broker-1", created.UserID)
	assert.False(t, created.IsSystem)

	resp, raw = ts.do(t, http.MethodPost, "/email/templates/"+created.ID+"/preview", PreviewRequest{
		Variables: map[string]any{"claim_number": "C-9", "client_name": "Ada"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	var preview PreviewResponse
	require.NoError(t, json.Unmarshal(raw, &preview))
	assert.Equal(t, "Claim C-9", preview.Subject)

	resp, _ = ts.do(t, http.MethodPost, "/email/templates/"+created.ID+"/preview", PreviewRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/email/templates?user_id=broker-1", TemplateRequest{
		Name: "Broken", SubjectTemplate: "Hi {{name", BodyHTMLTemplate: "x",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/email/templates?user_id=broker-2", TemplateRequest{
		ID: created.ID, Name: "Taken over", SubjectTemplate: "x", BodyHTMLTemplate: "y",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodDelete, "/email/templates/"+created.ID, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodDelete, "/email/templates/"+store.TemplateRenewal30+"?user_id=broker-1", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodDelete, "/email/templates/"+created.ID+"?user_id=broker-2", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodDelete, "/email/templates/"+created.ID+"?user_id=broker-1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodGet, "/email/templates/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestScheduleCampaign(t *testing.T) {
	ts := newTestServer(t)

	resp, raw := ts.do(t, http.MethodPost, "/email/templates?user_id=broker-1", TemplateRequest{
		Name:             "Spring review",
		SubjectTemplate:  "Review for {{client_name}}",
		BodyHTMLTemplate: "<p>Policy {{policy_number}}</p>",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	var tmpl models.EmailTemplate
	require.NoError(t, json.Unmarshal(raw, &tmpl))

	csv := "email,client_name,policy_number\n" +
		"ada@example.com,Ada,P-1\n" +
		"bad-address,Bob,P-2\n" +
		"cy@example.com,Cy,P-3\n"

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "recipients.csv")
	require.NoError(t, err)
	_, err = io.Copy(fw, strings.NewReader(csv))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	url := ts.srv.URL + "/email/campaigns/spring-26/schedule?user_id=broker-1&template_id=" + tmpl.ID +
		"&scheduled_at=2026-04-01T09:00:00Z"
	req, err := http.NewRequest(http.MethodPost, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	httpResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer httpResp.Body.Close()
	require.Equal(t, http.StatusCreated, httpResp.StatusCode)

	var out CampaignResponse
	require.NoError(t, json.NewDecoder(httpResp.Body).Decode(&out))
	assert.Equal(t, 2, out.Scheduled)
	assert.Len(t, out.Skipped, 1)

	rec, err := ts.store.Get(context.Background(), out.IDs[0])
	require.NoError(t, err)
	assert.Equal(t, "spring-26", rec.CampaignID)
	assert.Equal(t, "Review for Ada", rec.Subject)
	assert.Equal(t, "<p>Policy P-1</p>", rec.BodyHTML)
}

func TestScheduleCampaignRawBody(t *testing.T) {
	ts := newTestServer(t)

	url := ts.srv.URL + "/email/campaigns/c1/schedule?user_id=broker-1&template_id=" + store.TemplateRenewal30 +
		"&scheduled_at=2026-04-01T09:00:00Z"
	resp, err := http.Post(url, "text/csv", strings.NewReader("name\nAda\n"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
