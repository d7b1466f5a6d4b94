package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"BrokerCopilot/internal/dispatch"
	"BrokerCopilot/internal/render"
	"BrokerCopilot/internal/store"
)

// badRequest is a caller mistake the handler detected itself.
type badRequest struct{ msg string }

func (e *badRequest) Error() string { return e.msg }

func invalid(format string, args ...any) error {
	return &badRequest{msg: fmt.Sprintf(format, args...)}
}

type fieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

type errorResponse struct {
	Error   string       `json:"error"`
	Details []fieldError `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// fail maps a domain error onto a status code. Unexpected errors are logged
// and reported without detail.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var (
		bad  *badRequest
		rerr *render.Error
		verr validator.ValidationErrors
	)

	switch {
	case errors.As(err, &verr):
		resp := errorResponse{Error: "validation failed"}
		for _, fe := range verr {
			resp.Details = append(resp.Details, fieldError{Field: fe.Namespace(), Rule: fe.Tag()})
		}
		writeJSON(w, http.StatusBadRequest, resp)
	case errors.As(err, &bad), errors.As(err, &rerr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, dispatch.ErrNotCancellable),
		errors.Is(err, dispatch.ErrNotSendable),
		errors.Is(err, store.ErrMissingOwner),
		errors.Is(err, store.ErrInvalidTransition):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, store.ErrSystemTemplate), errors.Is(err, store.ErrTemplateOwner):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: err.Error()})
	default:
		h.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}
