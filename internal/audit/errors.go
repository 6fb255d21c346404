package audit

import (
	"errors"
	"fmt"
)

// ValidationError rejects a malformed event before it enters the chain.
// Recoverable: the caller fixes the event and resubmits.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid event: %s", e.Reason)
	}
	return fmt.Sprintf("invalid event: %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a field-scoped validation error.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IntegrityError reports a checksum, signature, or chain-link mismatch
// discovered during verification. It is surfaced through verification
// results, never silently dropped.
type IntegrityError struct {
	EventID  string
	Sequence uint64
	Reason   string
}

func (e *IntegrityError) Error() string {
	if e.EventID == "" {
		return fmt.Sprintf("integrity violation: %s", e.Reason)
	}
	return fmt.Sprintf("integrity violation: event %s (seq %d): %s", e.EventID, e.Sequence, e.Reason)
}

// BackendUnavailable marks a transient storage failure. The batch buffer
// retries on it instead of dropping events.
type BackendUnavailable struct {
	Backend string
	Err     error
}

func (e *BackendUnavailable) Error() string {
	return fmt.Sprintf("backend %s unavailable: %v", e.Backend, e.Err)
}

func (e *BackendUnavailable) Unwrap() error { return e.Err }

// ArchiveFailure reports a partially failed archive run. Archived counts
// what moved successfully; Errors carries per-segment detail.
type ArchiveFailure struct {
	Archived int
	Errors   []string
}

func (e *ArchiveFailure) Error() string {
	return fmt.Sprintf("archive partially failed: %d moved, %d errors", e.Archived, len(e.Errors))
}

// ConfigurationError fails closed at startup: signing enabled with no
// key, unknown backend kind, and similar misconfiguration.
type ConfigurationError struct {
	Setting string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Setting, e.Reason)
}
