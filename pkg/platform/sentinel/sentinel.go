package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and infrastructure
// layers return these (optionally wrapped) so services can translate
// them into domain errors.
//
// These represent factual states about resources, not validation
// failures:
// - ErrNotFound: event or segment does not exist in the store
// - ErrSealed: segment is sealed, no further writes permitted
// - ErrInvalidState: resource in wrong state for requested operation
// - ErrUnavailable: backend temporarily unavailable
// - ErrClosed: component already shut down
//
// For validation errors (bad input, missing fields), use the audit
// domain errors directly.
var (
	ErrNotFound     = errors.New("not found")
	ErrSealed       = errors.New("sealed")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
	ErrClosed       = errors.New("closed")
)
