// Package store defines the storage backend contract. Two durable
// implementations share it, the append-only file segment store and the
// PostgreSQL structured store, plus an in-memory backend for tests.
// Callers depend on backend substitutability: every implementation must
// answer the same queries and apply the same integrity-verification
// semantics.
package store

import (
	"context"
	"time"

	"chronicle/internal/audit"
)

// Backend persists integrity-stamped events and answers the six caller
// operations. Store and StoreBatch must persist events in the order
// given; reordering breaks the chain invariant at read time.
type Backend interface {
	// Store persists a single event.
	Store(ctx context.Context, ev *audit.Event) error

	// StoreBatch persists events in order. Implementations return a
	// BackendUnavailable error on transient failure so the batch buffer
	// can retry without loss. Redelivery must be idempotent: events
	// already persisted are skipped, never written twice.
	StoreBatch(ctx context.Context, evs []*audit.Event) error

	// Query returns events matching the criteria, filtered, sorted and
	// paginated. Archived events are excluded unless the criteria set
	// IncludeArchived; they stay reachable through GetByID and
	// VerifyIntegrity regardless.
	Query(ctx context.Context, c audit.Criteria) ([]*audit.Event, error)

	// GetByID returns one event or sentinel.ErrNotFound. Archived events
	// remain reachable.
	GetByID(ctx context.Context, id string) (*audit.Event, error)

	// VerifyIntegrity recomputes checksums and walks the hash/sequence
	// chain across the active+archive boundary. With a non-empty id it
	// verifies that single event. Violations are reported per event,
	// never fatal to the run.
	VerifyIntegrity(ctx context.Context, id string) (*audit.VerificationResult, error)

	// Archive relocates events older than the cutoff into cold storage
	// without breaking chain verifiability. Partial failure is reported
	// per segment in the result.
	Archive(ctx context.Context, cutoff time.Time) (*audit.ArchiveResult, error)

	// LastState returns the newest committed integrity link so the chain
	// can resume after restart. Empty backends return a zero state.
	LastState(ctx context.Context) (LastState, error)

	// Statistics summarizes the store.
	Statistics(ctx context.Context) (*audit.Statistics, error)

	// Close releases resources; file backends seal the open segment.
	Close() error
}

// LastState is the resume point reported by a backend.
type LastState struct {
	Sequence uint64
	Hash     string
	Epoch    string
	Empty    bool
}
