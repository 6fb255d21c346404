package alert

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronicle/internal/audit"
)

var evalNow = time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

func newTestEvaluator(th Thresholds) *Evaluator {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := New(th, NewMemoryWindow(th.Window), logger)
	e.now = func() time.Time { return evalNow }
	return e
}

func triggerEvent(id string, typ audit.EventType, sev audit.Severity, outcome audit.Outcome, actor string) *audit.Event {
	return &audit.Event{
		ID:        id,
		Type:      typ,
		Severity:  sev,
		Action:    "act",
		Outcome:   outcome,
		Timestamp: evalNow,
		Actor:     audit.Actor{Type: "user", ID: actor},
	}
}

func TestFailedLoginThresholdPerActor(t *testing.T) {
	e := newTestEvaluator(Thresholds{FailedLogins: 3, Window: time.Hour})
	ctx := context.Background()

	// Two failures for bob interleaved with alice must not count toward
	// alice's threshold.
	for i := 0; i < 2; i++ {
		assert.Empty(t, e.Evaluate(ctx, triggerEvent("b", audit.TypeAuthentication, audit.SeverityMedium, audit.OutcomeFailure, "bob")))
		assert.Empty(t, e.Evaluate(ctx, triggerEvent("a", audit.TypeAuthentication, audit.SeverityMedium, audit.OutcomeFailure, "alice")))
	}

	alerts := e.Evaluate(ctx, triggerEvent("a3", audit.TypeAuthentication, audit.SeverityMedium, audit.OutcomeFailure, "alice"))
	require.Len(t, alerts, 1)

	alert := alerts[0]
	assert.Equal(t, audit.TypeSecurityViolation, alert.Type)
	assert.Equal(t, audit.SeverityHigh, alert.Severity)
	assert.Equal(t, "alert_triggered", alert.Action)
	assert.Equal(t, audit.OutcomeWarning, alert.Outcome)
	assert.Equal(t, "alert-evaluator", alert.Actor.ID)
	require.NotNil(t, alert.Target)
	assert.Equal(t, "a3", alert.Target.ID)
	assert.Equal(t, "failed_login_threshold", alert.Metadata["rule"])
	assert.Contains(t, alert.Description, "alice")
}

func TestSuccessfulLoginsDoNotCount(t *testing.T) {
	e := newTestEvaluator(Thresholds{FailedLogins: 2, Window: time.Hour})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		alerts := e.Evaluate(ctx, triggerEvent("ok", audit.TypeAuthentication, audit.SeverityLow, audit.OutcomeSuccess, "alice"))
		assert.Empty(t, alerts)
	}
}

func TestCriticalThreshold(t *testing.T) {
	e := newTestEvaluator(Thresholds{CriticalEvents: 3, Window: time.Hour})
	ctx := context.Background()

	assert.Empty(t, e.Evaluate(ctx, triggerEvent("c1", audit.TypeSystemAction, audit.SeverityCritical, audit.OutcomeFailure, "svc")))
	assert.Empty(t, e.Evaluate(ctx, triggerEvent("c2", audit.TypeSystemAction, audit.SeverityCritical, audit.OutcomeFailure, "svc")))

	alerts := e.Evaluate(ctx, triggerEvent("c3", audit.TypeSystemAction, audit.SeverityCritical, audit.OutcomeFailure, "svc"))
	require.Len(t, alerts, 1)
	assert.Equal(t, "critical_event_threshold", alerts[0].Metadata["rule"])
}

func TestViolationThreshold(t *testing.T) {
	e := newTestEvaluator(Thresholds{Violations: 2, Window: time.Hour})
	ctx := context.Background()

	assert.Empty(t, e.Evaluate(ctx, triggerEvent("v1", audit.TypeSecurityViolation, audit.SeverityMedium, audit.OutcomeBlocked, "mallory")))
	alerts := e.Evaluate(ctx, triggerEvent("v2", audit.TypeSecurityViolation, audit.SeverityMedium, audit.OutcomeBlocked, "mallory"))
	require.Len(t, alerts, 1)
	assert.Equal(t, "violation_threshold", alerts[0].Metadata["rule"])
}

func TestAlertEventsNeverRetrigger(t *testing.T) {
	e := newTestEvaluator(Thresholds{Violations: 1, Window: time.Hour})
	ctx := context.Background()

	alerts := e.Evaluate(ctx, triggerEvent("v1", audit.TypeSecurityViolation, audit.SeverityMedium, audit.OutcomeBlocked, "mallory"))
	require.Len(t, alerts, 1)

	// The alert is itself a security_violation; feeding it back must not
	// produce an alert cascade.
	assert.Empty(t, e.Evaluate(ctx, alerts[0]))
}

func TestObservationsOutsideWindowExpire(t *testing.T) {
	e := newTestEvaluator(Thresholds{CriticalEvents: 2, Window: 10 * time.Minute})
	ctx := context.Background()

	old := triggerEvent("old", audit.TypeSystemAction, audit.SeverityCritical, audit.OutcomeFailure, "svc")
	old.Timestamp = evalNow.Add(-time.Hour)
	assert.Empty(t, e.Evaluate(ctx, old))

	// The stale observation fell out of the window, so one fresh critical
	// event does not breach a threshold of two.
	fresh := triggerEvent("new", audit.TypeSystemAction, audit.SeverityCritical, audit.OutcomeFailure, "svc")
	assert.Empty(t, e.Evaluate(ctx, fresh))
}

func TestZeroThresholdDisablesRule(t *testing.T) {
	e := newTestEvaluator(Thresholds{CriticalEvents: 0, Violations: 1, Window: time.Hour})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		alerts := e.Evaluate(ctx, triggerEvent("c", audit.TypeSystemAction, audit.SeverityCritical, audit.OutcomeFailure, "svc"))
		assert.Empty(t, alerts)
	}
}

func TestMemoryWindowCounts(t *testing.T) {
	w := NewMemoryWindow(time.Hour)
	ctx := context.Background()

	require.NoError(t, w.Record(ctx, "k", evalNow.Add(-2*time.Hour)))
	require.NoError(t, w.Record(ctx, "k", evalNow.Add(-30*time.Minute)))
	require.NoError(t, w.Record(ctx, "k", evalNow))

	n, err := w.Count(ctx, "k", evalNow.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = w.Count(ctx, "other", evalNow.Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}
