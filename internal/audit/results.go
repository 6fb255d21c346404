package audit

import "time"

// VerificationResult reports the outcome of an integrity check.
// Mismatches are collected per event rather than aborting the run, so a
// single corrupted record never masks the state of the rest of the chain.
type VerificationResult struct {
	Valid   bool     `json:"valid"`
	Checked int      `json:"checked"`
	Errors  []string `json:"errors,omitempty"`
}

// AddError records a violation and marks the result invalid.
func (r *VerificationResult) AddError(msg string) {
	r.Valid = false
	r.Errors = append(r.Errors, msg)
}

// Merge folds another result into this one.
func (r *VerificationResult) Merge(other *VerificationResult) {
	if other == nil {
		return
	}
	r.Checked += other.Checked
	if !other.Valid {
		r.Valid = false
	}
	r.Errors = append(r.Errors, other.Errors...)
}

// ArchiveResult reports an archive run. Partial failure is a valid
// outcome: everything that moved is counted, everything that did not is
// named in Errors.
type ArchiveResult struct {
	Archived int      `json:"archived"`
	Errors   []string `json:"errors,omitempty"`
}

// Statistics summarizes the store for operators and dashboards.
type Statistics struct {
	Total               int64              `json:"total"`
	Today               int64              `json:"today"`
	ThisWeek            int64              `json:"this_week"`
	ByType              map[string]int64   `json:"by_type"`
	BySeverity          map[string]int64   `json:"by_severity"`
	Archived            int64              `json:"archived"`
	OldestEvent         *time.Time         `json:"oldest_event,omitempty"`
	NewestEvent         *time.Time         `json:"newest_event,omitempty"`
	IntegrityViolations []string           `json:"integrity_violations,omitempty"`
	BufferDepth         int                `json:"buffer_depth"`
	FlushFailures       int64              `json:"flush_failures"`
}
