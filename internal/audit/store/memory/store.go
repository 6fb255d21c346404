// Package memory holds events in process memory. It implements the full
// backend contract so pipeline tests and dev deployments can run without
// disk or a database.
package memory

import (
	"context"
	"sync"
	"time"

	"chronicle/internal/audit"
	"chronicle/internal/audit/chain"
	"chronicle/internal/audit/query"
	"chronicle/internal/audit/store"
	"chronicle/pkg/platform/sentinel"
)

// Store keeps active and archived events in sequence order.
type Store struct {
	mu       sync.RWMutex
	active   []*audit.Event
	archived []*audit.Event
	byID     map[string]*audit.Event

	verifier *chain.Verifier
}

// New creates an empty in-memory backend verifying with the given
// verifier (nil means hash-only verification without signatures).
func New(verifier *chain.Verifier) *Store {
	if verifier == nil {
		verifier = chain.NewVerifier(nil, true)
	}
	return &Store{
		byID:     make(map[string]*audit.Event),
		verifier: verifier,
	}
}

func (s *Store) Store(ctx context.Context, ev *audit.Event) error {
	return s.StoreBatch(ctx, []*audit.Event{ev})
}

func (s *Store) StoreBatch(_ context.Context, evs []*audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range evs {
		// A redelivered batch may carry events an earlier, partially
		// acknowledged flush already persisted.
		if _, ok := s.byID[ev.ID]; ok {
			continue
		}
		cp := ev.Clone()
		s.active = append(s.active, cp)
		s.byID[cp.ID] = cp
	}
	return nil
}

func (s *Store) Query(ctx context.Context, c audit.Criteria) ([]*audit.Event, error) {
	s.mu.RLock()
	all := make([]*audit.Event, 0, len(s.active)+len(s.archived))
	all = append(all, s.active...)
	if c.IncludeArchived {
		all = append(all, s.archived...)
	}
	s.mu.RUnlock()

	return query.Apply(ctx, all, c.Normalize())
}

func (s *Store) GetByID(_ context.Context, id string) (*audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.byID[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return ev.Clone(), nil
}

func (s *Store) VerifyIntegrity(ctx context.Context, id string) (*audit.VerificationResult, error) {
	if id != "" {
		ev, err := s.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		result := &audit.VerificationResult{Valid: true}
		s.verifier.VerifyEvent(ev, result)
		return result, nil
	}

	s.mu.RLock()
	all := make([]*audit.Event, 0, len(s.active)+len(s.archived))
	all = append(all, s.archived...)
	all = append(all, s.active...)
	s.mu.RUnlock()

	sortBySequence(all)
	return s.verifier.VerifyChain(ctx, all)
}

func (s *Store) Archive(_ context.Context, cutoff time.Time) (*audit.ArchiveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := &audit.ArchiveResult{}
	var kept []*audit.Event
	for _, ev := range s.active {
		if ev.Timestamp.Before(cutoff) {
			s.archived = append(s.archived, ev)
			result.Archived++
		} else {
			kept = append(kept, ev)
		}
	}
	s.active = kept
	return result, nil
}

func (s *Store) LastState(_ context.Context) (store.LastState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var newest *audit.IntegrityLink
	for _, ev := range s.active {
		if ev.Integrity != nil && (newest == nil || ev.Integrity.Sequence > newest.Sequence) {
			newest = ev.Integrity
		}
	}
	for _, ev := range s.archived {
		if ev.Integrity != nil && (newest == nil || ev.Integrity.Sequence > newest.Sequence) {
			newest = ev.Integrity
		}
	}
	if newest == nil {
		return store.LastState{Empty: true}, nil
	}
	return store.LastState{
		Sequence: newest.Sequence,
		Hash:     newest.Hash,
		Epoch:    newest.Epoch,
	}, nil
}

func (s *Store) Statistics(_ context.Context) (*audit.Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &audit.Statistics{
		ByType:     make(map[string]int64),
		BySeverity: make(map[string]int64),
		Archived:   int64(len(s.archived)),
	}
	now := time.Now()
	dayAgo := now.Add(-24 * time.Hour)
	weekAgo := now.Add(-7 * 24 * time.Hour)

	count := func(ev *audit.Event) {
		stats.Total++
		stats.ByType[string(ev.Type)]++
		stats.BySeverity[string(ev.Severity)]++
		if ev.Timestamp.After(dayAgo) {
			stats.Today++
		}
		if ev.Timestamp.After(weekAgo) {
			stats.ThisWeek++
		}
		ts := ev.Timestamp
		if stats.OldestEvent == nil || ts.Before(*stats.OldestEvent) {
			stats.OldestEvent = &ts
		}
		if stats.NewestEvent == nil || ts.After(*stats.NewestEvent) {
			stats.NewestEvent = &ts
		}
	}
	for _, ev := range s.active {
		count(ev)
	}
	for _, ev := range s.archived {
		count(ev)
	}
	return stats, nil
}

func (s *Store) Close() error { return nil }

// Tamper overwrites a stored field in place. Test hook: committed events
// are otherwise immutable, and integrity tests need a way to corrupt one.
func (s *Store) Tamper(id string, mutate func(*audit.Event)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.byID[id]
	if !ok {
		return false
	}
	mutate(ev)
	return true
}

func sortBySequence(evs []*audit.Event) {
	// Archive interleaves the two slices, so re-sort by sequence.
	for i := 1; i < len(evs); i++ {
		for j := i; j > 0 && seqOf(evs[j]) < seqOf(evs[j-1]); j-- {
			evs[j], evs[j-1] = evs[j-1], evs[j]
		}
	}
}

func seqOf(e *audit.Event) uint64 {
	if e.Integrity == nil {
		return 0
	}
	return e.Integrity.Sequence
}
