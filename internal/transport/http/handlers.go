package httptransport

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"chronicle/internal/audit"
)

// Service defines the audit operations the transport needs.
type Service interface {
	Submit(ctx context.Context, ev *audit.Event) (*audit.Event, error)
	SubmitBatch(ctx context.Context, evs []*audit.Event) ([]*audit.Event, error)
	Query(ctx context.Context, c audit.Criteria) ([]*audit.Event, error)
	GetByID(ctx context.Context, id string) (*audit.Event, error)
	VerifyIntegrity(ctx context.Context, id string) (*audit.VerificationResult, error)
	Archive(ctx context.Context, cutoff time.Time) (*audit.ArchiveResult, error)
	Statistics(ctx context.Context) (*audit.Statistics, error)
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var ev audit.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, h.logger, audit.NewValidationError("body", "invalid JSON"))
		return
	}

	stored, err := h.svc.Submit(r.Context(), &ev)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (h *Handler) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var evs []*audit.Event
	if err := json.NewDecoder(r.Body).Decode(&evs); err != nil {
		writeError(w, h.logger, audit.NewValidationError("body", "invalid JSON"))
		return
	}
	if len(evs) == 0 {
		writeError(w, h.logger, audit.NewValidationError("body", "empty batch"))
		return
	}

	stored, err := h.svc.SubmitBatch(r.Context(), evs)
	if err != nil {
		// Events accepted before the failure stay accepted; report both.
		writeJSON(w, http.StatusMultiStatus, map[string]any{
			"accepted": stored,
			"error":    err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"accepted": stored})
}

func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	criteria, err := criteriaFromQuery(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	evs, err := h.svc.Query(r.Context(), criteria)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": evs,
		"count":  len(evs),
	})
}

func (h *Handler) handleGetByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ev, err := h.svc.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EventID string `json:"event_id"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, h.logger, audit.NewValidationError("body", "invalid JSON"))
			return
		}
	}

	result, err := h.svc.VerifyIntegrity(r.Context(), req.EventID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleArchive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Before        *time.Time `json:"before,omitempty"`
		OlderThanDays int        `json:"older_than_days,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.logger, audit.NewValidationError("body", "invalid JSON"))
		return
	}

	var cutoff time.Time
	switch {
	case req.Before != nil:
		cutoff = req.Before.UTC()
	case req.OlderThanDays > 0:
		cutoff = time.Now().UTC().AddDate(0, 0, -req.OlderThanDays)
	default:
		writeError(w, h.logger, audit.NewValidationError("cutoff", "before or older_than_days required"))
		return
	}

	result, err := h.svc.Archive(r.Context(), cutoff)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Statistics(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// criteriaFromQuery maps URL parameters onto query criteria. Multi-value
// filters accept comma-separated lists.
func criteriaFromQuery(r *http.Request) (audit.Criteria, error) {
	q := r.URL.Query()
	c := audit.Criteria{
		ActorIDs:     splitParam(q.Get("actor_id")),
		CommunityIDs: splitParam(q.Get("community_id")),
		SortBy:       audit.SortField(q.Get("sort_by")),
		SortOrder:    audit.SortOrder(q.Get("sort_order")),
	}
	c.IncludeArchived = q.Get("include_archived") == "true"

	for _, v := range splitParam(q.Get("type")) {
		t := audit.EventType(v)
		if !t.Valid() {
			return c, audit.NewValidationError("type", "unknown event type "+v)
		}
		c.Types = append(c.Types, t)
	}
	for _, v := range splitParam(q.Get("severity")) {
		s := audit.Severity(v)
		if !s.Valid() {
			return c, audit.NewValidationError("severity", "unknown severity "+v)
		}
		c.Severities = append(c.Severities, s)
	}
	for _, v := range splitParam(q.Get("outcome")) {
		o := audit.Outcome(v)
		if !o.Valid() {
			return c, audit.NewValidationError("outcome", "unknown outcome "+v)
		}
		c.Outcomes = append(c.Outcomes, o)
	}
	for _, v := range splitParam(q.Get("classification")) {
		cl := audit.Classification(v)
		if !cl.Valid() {
			return c, audit.NewValidationError("classification", "unknown classification "+v)
		}
		c.Classifications = append(c.Classifications, cl)
	}

	var err error
	if c.From, err = parseTimeParam(q.Get("from")); err != nil {
		return c, audit.NewValidationError("from", "invalid RFC3339 timestamp")
	}
	if c.To, err = parseTimeParam(q.Get("to")); err != nil {
		return c, audit.NewValidationError("to", "invalid RFC3339 timestamp")
	}
	if c.Limit, err = parseIntParam(q.Get("limit")); err != nil {
		return c, audit.NewValidationError("limit", "invalid integer")
	}
	if c.Offset, err = parseIntParam(q.Get("offset")); err != nil {
		return c, audit.NewValidationError("offset", "invalid integer")
	}

	return c, nil
}

func splitParam(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseTimeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

func parseIntParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}
