// Package enricher fills in defaults and validates raw events before
// they enter the integrity chain. It has no side effects beyond logging
// rejections.
package enricher

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"chronicle/internal/audit"
)

// Retention periods by classification, in days, unless the caller set
// one explicitly.
const (
	retentionPublicDays    = 365
	retentionInternalDays  = 1095
	retentionProtectedDays = 2555
)

// Enricher assigns identifiers, timestamps, source defaults, and
// retention policy to partially filled events.
type Enricher struct {
	source    string
	component string
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures the Enricher.
type Option func(*Enricher)

// WithClock overrides the time source; tests use this for determinism.
func WithClock(now func() time.Time) Option {
	return func(e *Enricher) { e.now = now }
}

// New creates an enricher that stamps events with the given deployment
// source and component identifiers.
func New(source, component string, logger *slog.Logger, opts ...Option) *Enricher {
	e := &Enricher{
		source:    source,
		component: component,
		logger:    logger.With("component", "enricher"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enrich validates the raw event and returns an enriched copy. The input
// is never mutated. Failing events are rejected with a ValidationError.
func (e *Enricher) Enrich(raw *audit.Event) (*audit.Event, error) {
	if err := e.validate(raw); err != nil {
		e.logger.Warn("event rejected",
			"action", raw.Action,
			"type", raw.Type,
			"error", err,
		)
		return nil, err
	}

	ev := raw.Clone()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now().UTC()
	}
	if ev.Source == "" {
		ev.Source = e.source
	}
	if ev.Component == "" {
		ev.Component = e.component
	}
	if ev.Security.Classification == "" {
		ev.Security.Classification = audit.ClassificationInternal
	}
	if ev.Security.RiskLevel == "" {
		ev.Security.RiskLevel = "low"
	}
	if ev.Compliance.RetentionDays == 0 {
		ev.Compliance.RetentionDays = retentionFor(ev.Security.Classification)
	}
	return ev, nil
}

func (e *Enricher) validate(ev *audit.Event) error {
	if ev == nil {
		return audit.NewValidationError("", "event is required")
	}
	if ev.Action == "" {
		return audit.NewValidationError("action", "must not be empty")
	}
	if ev.Actor.ID == "" {
		return audit.NewValidationError("actor.id", "must not be empty")
	}
	if ev.Type == "" || !ev.Type.Valid() {
		return audit.NewValidationError("type", "unknown event type")
	}
	if ev.Severity == "" || !ev.Severity.Valid() {
		return audit.NewValidationError("severity", "unknown severity")
	}
	if ev.Outcome == "" || !ev.Outcome.Valid() {
		return audit.NewValidationError("outcome", "unknown outcome")
	}
	if ev.Security.Classification != "" && !ev.Security.Classification.Valid() {
		return audit.NewValidationError("security.classification", "unknown classification")
	}
	return nil
}

func retentionFor(c audit.Classification) int {
	switch c {
	case audit.ClassificationPublic:
		return retentionPublicDays
	case audit.ClassificationConfidential, audit.ClassificationRestricted:
		return retentionProtectedDays
	default:
		return retentionInternalDays
	}
}
