// Package api exposes scheduling, template and campaign endpoints over HTTP.
package api

import (
	"context"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"BrokerCopilot/internal/dispatch"
	"BrokerCopilot/internal/models"
	"BrokerCopilot/internal/store"
)

// Dispatcher is the part of the dispatch engine the API drives.
type Dispatcher interface {
	SendNow(ctx context.Context, id, provider string) (*models.ScheduledEmail, error)
	Cancel(ctx context.Context, id string) (*models.ScheduledEmail, error)
	SendBulk(ctx context.Context, ids []string, batchSize int, delay time.Duration) (dispatch.BulkResult, error)
}

type Options struct {
	DefaultFrom     string
	MaxRetries      int
	MaxCampaignRows int
	RequestTimeout  time.Duration
}

type Handler struct {
	store    store.Store
	dispatch Dispatcher
	validate *validator.Validate
	opts     Options
	now      func() time.Time
	log      *zap.Logger
}

func NewHandler(st store.Store, d Dispatcher, opts Options, logger *zap.Logger) *Handler {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = models.DefaultMaxRetries
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	return &Handler{
		store:    st,
		dispatch: d,
		validate: v,
		opts:     opts,
		now:      time.Now,
		log:      logger,
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(h.opts.RequestTimeout))

	r.Get("/health", h.Health)

	r.Route("/email", func(r chi.Router) {
		r.Post("/schedule", h.ScheduleEmail)
		r.Get("/scheduled", h.ListScheduled)
		r.Get("/scheduled/{id}", h.GetScheduled)
		r.Delete("/scheduled/{id}", h.CancelScheduled)
		r.Post("/scheduled/{id}/send-now", h.SendNow)
		r.Get("/policy/{policy_id}", h.ListForPolicy)
		r.Get("/stats", h.Stats)
		r.Post("/bulk-send", h.BulkSend)
		r.Post("/campaigns/{campaign_id}/schedule", h.ScheduleCampaign)

		r.Route("/templates", func(r chi.Router) {
			r.Get("/", h.ListTemplates)
			r.Post("/", h.CreateTemplate)
			r.Get("/{id}", h.GetTemplate)
			r.Delete("/{id}", h.DeleteTemplate)
			r.Post("/{id}/preview", h.PreviewTemplate)
		})
	})

	return r
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
