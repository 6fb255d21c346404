package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the audit pipeline.
type Metrics struct {
	// Events accepted into the pipeline, by type
	EventsSubmitted *prometheus.CounterVec

	// Events durably committed to the backend
	EventsCommitted prometheus.Counter

	// Submissions rejected at validation
	EventsRejected *prometheus.CounterVec

	// Flush attempts that failed and were re-queued
	FlushRetries prometheus.Counter

	// Hash or chain mismatches found during verification
	IntegrityViolations prometheus.Counter

	// Alerts raised by the threshold evaluator, by rule
	AlertsTriggered *prometheus.CounterVec

	// Events moved to archive storage
	EventsArchived prometheus.Counter

	// Query latency across backends
	QueryLatency prometheus.Histogram
}

// New creates a new Metrics instance with all pipeline metrics registered.
func New() *Metrics {
	return &Metrics{
		EventsSubmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "chronicle_events_submitted_total",
			Help: "Total audit events accepted into the pipeline by type",
		}, []string{"type"}),

		EventsCommitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "chronicle_events_committed_total",
			Help: "Total audit events durably written to the backend",
		}),

		EventsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "chronicle_events_rejected_total",
			Help: "Total submissions rejected at validation by field",
		}, []string{"field"}),

		FlushRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "chronicle_flush_retries_total",
			Help: "Total buffer flushes that failed and were re-queued",
		}),

		IntegrityViolations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "chronicle_integrity_violations_total",
			Help: "Total hash or chain mismatches found during verification",
		}),

		AlertsTriggered: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "chronicle_alerts_triggered_total",
			Help: "Total threshold alerts raised by the evaluator by rule",
		}, []string{"rule"}),

		EventsArchived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "chronicle_events_archived_total",
			Help: "Total audit events moved to archive storage",
		}),

		QueryLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "chronicle_query_duration_seconds",
			Help:    "Duration of audit query evaluation",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
	}
}

// IncrementSubmitted records an accepted event.
func (m *Metrics) IncrementSubmitted(eventType string) {
	if m != nil {
		m.EventsSubmitted.WithLabelValues(eventType).Inc()
	}
}

// AddCommitted records a batch of durably written events.
func (m *Metrics) AddCommitted(n int) {
	if m != nil {
		m.EventsCommitted.Add(float64(n))
	}
}

// IncrementRejected records a validation rejection.
func (m *Metrics) IncrementRejected(field string) {
	if m != nil {
		m.EventsRejected.WithLabelValues(field).Inc()
	}
}

// IncrementFlushRetry records a failed flush that was re-queued.
func (m *Metrics) IncrementFlushRetry() {
	if m != nil {
		m.FlushRetries.Inc()
	}
}

// AddIntegrityViolations records verification findings.
func (m *Metrics) AddIntegrityViolations(n int) {
	if m != nil {
		m.IntegrityViolations.Add(float64(n))
	}
}

// IncrementAlert records a triggered threshold rule.
func (m *Metrics) IncrementAlert(rule string) {
	if m != nil {
		m.AlertsTriggered.WithLabelValues(rule).Inc()
	}
}

// AddArchived records events moved to archive storage.
func (m *Metrics) AddArchived(n int) {
	if m != nil {
		m.EventsArchived.Add(float64(n))
	}
}

// ObserveQueryLatency records the duration of a query.
func (m *Metrics) ObserveQueryLatency(d time.Duration) {
	if m != nil {
		m.QueryLatency.Observe(d.Seconds())
	}
}
