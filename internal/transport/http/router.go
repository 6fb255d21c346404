// Package httptransport is the thin HTTP layer. Handlers delegate to the
// audit service without embedding business logic so transport concerns
// remain isolated.
package httptransport

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chronicle/internal/audit"
	"chronicle/pkg/platform/sentinel"
)

// Handler serves the audit API.
type Handler struct {
	svc    Service
	logger *slog.Logger
}

// NewHandler creates the HTTP handler around the audit service.
func NewHandler(svc Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger.With("component", "http")}
}

// NewRouter wires all public endpoints.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/events", h.handleSubmit)
		r.Post("/events/batch", h.handleSubmitBatch)
		r.Get("/events", h.handleQuery)
		r.Get("/events/{id}", h.handleGetByID)
		r.Post("/verify", h.handleVerify)
		r.Post("/archive", h.handleArchive)
		r.Get("/statistics", h.handleStatistics)
	})

	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError centralizes domain error translation to HTTP responses so
// every handler returns the same JSON error envelope.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := http.StatusInternalServerError
	code := "internal"
	msg := "internal error"

	var verr *audit.ValidationError
	var berr *audit.BackendUnavailable
	switch {
	case errors.As(err, &verr):
		status = http.StatusBadRequest
		code = "validation"
		msg = verr.Error()
	case errors.Is(err, sentinel.ErrNotFound):
		status = http.StatusNotFound
		code = "not_found"
		msg = "event not found"
	case errors.Is(err, sentinel.ErrClosed):
		status = http.StatusServiceUnavailable
		code = "shutting_down"
		msg = "service is shutting down"
	case errors.As(err, &berr):
		status = http.StatusServiceUnavailable
		code = "backend_unavailable"
		msg = "storage backend unavailable"
	default:
		logger.Error("request failed", "error", err)
	}

	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": msg,
	})
}
