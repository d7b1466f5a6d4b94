package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"BrokerCopilot/internal/csvparser"
	"BrokerCopilot/internal/models"
	"BrokerCopilot/internal/render"
)

const maxCampaignUpload = 10 << 20

// campaignSource returns the CSV either from a multipart "file" field or from
// the raw request body.
func campaignSource(w http.ResponseWriter, r *http.Request) (io.Reader, func(), error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		return http.MaxBytesReader(w, r.Body, maxCampaignUpload), func() {}, nil
	}

	if err := r.ParseMultipartForm(maxCampaignUpload); err != nil {
		return nil, nil, invalid("invalid multipart body: %v", err)
	}
	f, _, err := r.FormFile("file")
	if err != nil {
		return nil, nil, invalid("multipart body must carry a \"file\" field")
	}
	return f, func() { f.Close() }, nil
}

// ScheduleCampaign schedules one templated email per CSV row. Rows that are
// malformed or fail to render are reported and skipped.
func (h *Handler) ScheduleCampaign(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaign_id")
	q := r.URL.Query()

	userID, err := requireUser(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	templateID := q.Get("template_id")
	if templateID == "" {
		h.fail(w, r, invalid("template_id is required"))
		return
	}
	if q.Get("scheduled_at") == "" {
		h.fail(w, r, invalid("scheduled_at is required"))
		return
	}
	loc, err := parseLocation(q.Get("timezone"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if _, err := parseTime("scheduled_at", q.Get("scheduled_at"), loc); err != nil {
		h.fail(w, r, err)
		return
	}
	priority := q.Get("priority")
	if priority != "" {
		if err := h.validate.Var(priority, "oneof=low normal high urgent"); err != nil {
			h.fail(w, r, invalid("unknown priority %q", priority))
			return
		}
	}

	tmpl, err := h.store.GetTemplate(r.Context(), templateID)
	if err != nil {
		h.fail(w, r, fmt.Errorf("template %s: %w", templateID, err))
		return
	}

	src, closeSrc, err := campaignSource(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	defer closeSrc()

	parsed, err := csvparser.ParseRecipients(src, h.opts.MaxCampaignRows)
	if err != nil {
		if errors.Is(err, csvparser.ErrNoEmailColumn) || errors.Is(err, csvparser.ErrNoRows) {
			err = invalid("%v", err)
		} else {
			err = invalid("invalid csv: %v", err)
		}
		h.fail(w, r, err)
		return
	}

	resp := CampaignResponse{CampaignID: campaignID, IDs: []string{}, Skipped: []CampaignSkip{}}
	for _, s := range parsed.Skipped {
		resp.Skipped = append(resp.Skipped, CampaignSkip{Line: s.Line, Reason: s.Reason})
	}

	from := h.fromEmail(r)
	for _, rcpt := range parsed.Recipients {
		req := &ScheduleRequest{
			TemplateID:        tmpl.ID,
			TemplateVariables: rcpt.Variables,
			Recipients:        []RecipientRequest{{Email: rcpt.Email, Name: rcpt.Name, Type: string(models.RecipientTo)}},
			ScheduledAt:       q.Get("scheduled_at"),
			Timezone:          q.Get("timezone"),
			Priority:          priority,
			CampaignID:        campaignID,
			Tags:              []string{"campaign:" + campaignID},
		}
		if policyID, ok := rcpt.Variables["policy_id"].(string); ok {
			req.PolicyID = policyID
		}

		e, err := h.buildEmail(r, req, userID, from)
		var rerr *render.Error
		if errors.As(err, &rerr) {
			resp.Skipped = append(resp.Skipped, CampaignSkip{Email: rcpt.Email, Reason: rerr.Error()})
			continue
		}
		if err != nil {
			h.fail(w, r, err)
			return
		}

		saved, err := h.store.Save(r.Context(), e)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		resp.IDs = append(resp.IDs, saved.ID)
		resp.Scheduled++
	}

	h.log.Info("campaign scheduled",
		zap.String("campaign_id", campaignID),
		zap.String("template_id", tmpl.ID),
		zap.Int("scheduled", resp.Scheduled),
		zap.Int("skipped", len(resp.Skipped)),
	)
	writeJSON(w, http.StatusCreated, resp)
}
