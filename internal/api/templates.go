package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"BrokerCopilot/internal/models"
	"BrokerCopilot/internal/render"
	"BrokerCopilot/internal/store"
)

func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	templates, err := h.store.ListTemplates(r.Context(), store.TemplateFilter{
		Category: q.Get("category"),
		UserID:   q.Get("user_id"),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if templates == nil {
		templates = []*models.EmailTemplate{}
	}
	writeJSON(w, http.StatusOK, templates)
}

func (h *Handler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	tmpl, err := h.store.GetTemplate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tmpl)
}

// CreateTemplate stores a user-owned template after a syntax check.
func (h *Handler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUser(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var req TemplateRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	tmpl := &models.EmailTemplate{
		ID:               req.ID,
		Name:             req.Name,
		Description:      req.Description,
		SubjectTemplate:  req.SubjectTemplate,
		BodyHTMLTemplate: req.BodyHTMLTemplate,
		BodyTextTemplate: req.BodyTextTemplate,
		Category:         req.Category,
		Variables:        req.Variables,
		UserID:           userID,
	}
	if tmpl.ID == "" {
		tmpl.ID = uuid.NewString()
	}
	if tmpl.Category == "" {
		tmpl.Category = "general"
	}
	if tmpl.Variables == nil {
		tmpl.Variables = []string{}
	}
	if err := render.Validate(tmpl); err != nil {
		h.fail(w, r, err)
		return
	}

	saved, err := h.store.SaveTemplate(r.Context(), tmpl)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.log.Info("template saved", zap.String("template_id", saved.ID), zap.String("user_id", userID))
	writeJSON(w, http.StatusCreated, saved)
}

func (h *Handler) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUser(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.store.DeleteTemplate(r.Context(), id, userID); err != nil {
		h.fail(w, r, err)
		return
	}

	h.log.Info("template deleted", zap.String("template_id", id), zap.String("user_id", userID))
	writeJSON(w, http.StatusOK, StatusResponse{Status: "deleted", TemplateID: id})
}

func (h *Handler) PreviewTemplate(w http.ResponseWriter, r *http.Request) {
	tmpl, err := h.store.GetTemplate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var req PreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.fail(w, r, invalid("invalid request body: %v", err))
		return
	}
	if req.Variables == nil {
		req.Variables = map[string]any{}
	}

	out, err := render.RenderTemplate(tmpl, req.Variables)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, PreviewResponse{
		Subject:       out.Subject,
		BodyHTML:      out.BodyHTML,
		BodyText:      out.BodyText,
		VariablesUsed: req.Variables,
	})
}
