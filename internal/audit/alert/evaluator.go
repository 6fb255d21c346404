// Package alert inspects each committed event against configured
// thresholds over a rolling window. Breaches become security_violation
// events fed back through the normal submission pipeline, so alerts are
// themselves auditable and chained, never a side channel.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"chronicle/internal/audit"
)

// metadata key marking evaluator-emitted events; the evaluator skips
// them so an alert can never retrigger itself.
const alertMarker = "alert"

// Thresholds configure the evaluator. Zero disables a rule.
type Thresholds struct {
	// CriticalEvents fires when this many critical-severity events
	// arrive within the window.
	CriticalEvents int
	// HighSeverityEvents fires on high-or-critical volume.
	HighSeverityEvents int
	// FailedLogins fires per actor on failed authentication volume.
	FailedLogins int
	// Violations fires on security_violation volume.
	Violations int
	// Window is the rolling period; defaults to one hour.
	Window time.Duration
}

// DefaultThresholds matches typical deployment policy.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CriticalEvents:     5,
		HighSeverityEvents: 20,
		FailedLogins:       5,
		Violations:         10,
		Window:             time.Hour,
	}
}

// Evaluator checks committed events and produces alert events.
type Evaluator struct {
	thresholds Thresholds
	window     Window
	logger     *slog.Logger
	now        func() time.Time
}

// New creates an evaluator over the given window store.
func New(thresholds Thresholds, window Window, logger *slog.Logger) *Evaluator {
	if thresholds.Window <= 0 {
		thresholds.Window = time.Hour
	}
	return &Evaluator{
		thresholds: thresholds,
		window:     window,
		logger:     logger.With("component", "alert_evaluator"),
		now:        time.Now,
	}
}

// Evaluate records the event in the rolling window and returns any alert
// events the commit triggered. Window-store failures are logged and
// swallowed: alerting must never block commits.
func (e *Evaluator) Evaluate(ctx context.Context, ev *audit.Event) []*audit.Event {
	if ev.Metadata[alertMarker] == "true" {
		return nil
	}

	var alerts []*audit.Event
	now := e.now()
	since := now.Add(-e.thresholds.Window)

	if ev.Severity == audit.SeverityCritical && e.thresholds.CriticalEvents > 0 {
		if n := e.bump(ctx, "critical", ev.Timestamp, since); n >= e.thresholds.CriticalEvents {
			alerts = append(alerts, e.alertEvent(ev,
				"critical_event_threshold",
				fmt.Sprintf("%d critical events within %s", n, e.thresholds.Window),
			))
		}
	}
	if (ev.Severity == audit.SeverityHigh || ev.Severity == audit.SeverityCritical) &&
		e.thresholds.HighSeverityEvents > 0 {
		if n := e.bump(ctx, "high_severity", ev.Timestamp, since); n >= e.thresholds.HighSeverityEvents {
			alerts = append(alerts, e.alertEvent(ev,
				"high_severity_threshold",
				fmt.Sprintf("%d high-severity events within %s", n, e.thresholds.Window),
			))
		}
	}
	if ev.Type == audit.TypeAuthentication && ev.Outcome == audit.OutcomeFailure &&
		e.thresholds.FailedLogins > 0 {
		key := "failed_login:" + ev.Actor.ID
		if n := e.bump(ctx, key, ev.Timestamp, since); n >= e.thresholds.FailedLogins {
			alerts = append(alerts, e.alertEvent(ev,
				"failed_login_threshold",
				fmt.Sprintf("%d failed logins for actor %s within %s", n, ev.Actor.ID, e.thresholds.Window),
			))
		}
	}
	if ev.Type == audit.TypeSecurityViolation && e.thresholds.Violations > 0 {
		if n := e.bump(ctx, "violation", ev.Timestamp, since); n >= e.thresholds.Violations {
			alerts = append(alerts, e.alertEvent(ev,
				"violation_threshold",
				fmt.Sprintf("%d security violations within %s", n, e.thresholds.Window),
			))
		}
	}
	return alerts
}

// bump records the observation and returns the current window count.
func (e *Evaluator) bump(ctx context.Context, key string, at, since time.Time) int {
	if err := e.window.Record(ctx, key, at); err != nil {
		e.logger.Warn("alert window record failed", "key", key, "error", err)
		return 0
	}
	n, err := e.window.Count(ctx, key, since)
	if err != nil {
		e.logger.Warn("alert window count failed", "key", key, "error", err)
		return 0
	}
	return n
}

// alertEvent builds the security_violation event describing the breach.
func (e *Evaluator) alertEvent(trigger *audit.Event, rule, description string) *audit.Event {
	e.logger.Warn("alert threshold breached",
		"rule", rule,
		"trigger_event", trigger.ID,
	)
	return &audit.Event{
		Type:        audit.TypeSecurityViolation,
		Severity:    audit.SeverityHigh,
		Action:      "alert_triggered",
		Description: description,
		Outcome:     audit.OutcomeWarning,
		Actor: audit.Actor{
			Type: "system",
			ID:   "alert-evaluator",
		},
		Target: &audit.Target{
			Type: "audit_event",
			ID:   trigger.ID,
		},
		Metadata: map[string]any{
			alertMarker: "true",
			"rule":      rule,
		},
	}
}
