// Package index maintains the secondary lookup that lets the file
// segment store answer point reads and filtered queries without scanning
// every segment. The index is rebuildable from the segments themselves
// and is never the sole source of truth.
package index

import (
	"sync"
	"time"

	"chronicle/internal/audit"
)

// Location points at an event inside a segment file.
type Location struct {
	Segment string
	Offset  int64
}

// Entry is one indexed event.
type Entry struct {
	ID           string
	Location     Location
	Timestamp    time.Time
	Type         audit.EventType
	Severity     audit.Severity
	ActorID      string
	CommunityIDs []string
}

// Manager is an in-memory posting-list index. Writers update it alongside
// every committed event; Rebuild repopulates it from a segment scan in
// batches so writes never stop indefinitely.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]Entry

	byType      map[audit.EventType]map[string]struct{}
	bySeverity  map[audit.Severity]map[string]struct{}
	byActor     map[string]map[string]struct{}
	byCommunity map[string]map[string]struct{}
}

// NewManager creates an empty index.
func NewManager() *Manager {
	m := &Manager{}
	m.reset()
	return m
}

func (m *Manager) reset() {
	m.entries = make(map[string]Entry)
	m.byType = make(map[audit.EventType]map[string]struct{})
	m.bySeverity = make(map[audit.Severity]map[string]struct{})
	m.byActor = make(map[string]map[string]struct{})
	m.byCommunity = make(map[string]map[string]struct{})
}

// Put records or replaces an entry. Idempotent: re-indexing the same
// event during a rebuild changes nothing.
func (m *Manager) Put(ev *audit.Event, loc Location) {
	entry := Entry{
		ID:           ev.ID,
		Location:     loc,
		Timestamp:    ev.Timestamp,
		Type:         ev.Type,
		Severity:     ev.Severity,
		ActorID:      ev.Actor.ID,
		CommunityIDs: ev.CommunityIDs(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.entries[entry.ID]; ok {
		m.unlink(old)
	}
	m.entries[entry.ID] = entry
	addTo(m.byType, entry.Type, entry.ID)
	addTo(m.bySeverity, entry.Severity, entry.ID)
	addTo(m.byActor, entry.ActorID, entry.ID)
	for _, cid := range entry.CommunityIDs {
		addTo(m.byCommunity, cid, entry.ID)
	}
}

// Move updates the stored location when archival relocates an event.
func (m *Manager) Move(id string, loc Location) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		return
	}
	entry.Location = loc
	m.entries[id] = entry
}

// Lookup returns the location of one event.
func (m *Manager) Lookup(id string) (Location, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[id]
	return entry.Location, ok
}

// Len reports the number of indexed events.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Candidates returns the ids matching the indexable dimensions of the
// criteria, or ok=false when no dimension is indexed (the caller falls
// back to a full scan). Time-range and remaining filters are applied by
// the query engine on the loaded events.
func (m *Manager) Candidates(c audit.Criteria) ([]Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sets []map[string]struct{}
	if len(c.Types) > 0 {
		sets = append(sets, union(m.byType, c.Types))
	}
	if len(c.Severities) > 0 {
		sets = append(sets, union(m.bySeverity, c.Severities))
	}
	if len(c.ActorIDs) > 0 {
		sets = append(sets, union(m.byActor, c.ActorIDs))
	}
	if len(c.CommunityIDs) > 0 {
		sets = append(sets, union(m.byCommunity, c.CommunityIDs))
	}
	if len(sets) == 0 {
		return nil, false
	}

	ids := intersect(sets)
	entries := make([]Entry, 0, len(ids))
	for id := range ids {
		entries = append(entries, m.entries[id])
	}
	return entries, true
}

// Rebuild atomically replaces the index contents with entries produced
// by the source callback. The callback is invoked outside the manager's
// lock so writes continue while the scan runs; the swap itself is brief.
func (m *Manager) Rebuild(source func(put func(ev *audit.Event, loc Location)) error) error {
	fresh := NewManager()
	if err := source(fresh.Put); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = fresh.entries
	m.byType = fresh.byType
	m.bySeverity = fresh.bySeverity
	m.byActor = fresh.byActor
	m.byCommunity = fresh.byCommunity
	return nil
}

func (m *Manager) unlink(e Entry) {
	removeFrom(m.byType, e.Type, e.ID)
	removeFrom(m.bySeverity, e.Severity, e.ID)
	removeFrom(m.byActor, e.ActorID, e.ID)
	for _, cid := range e.CommunityIDs {
		removeFrom(m.byCommunity, cid, e.ID)
	}
}

func addTo[K comparable](m map[K]map[string]struct{}, key K, id string) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]struct{})
		m[key] = set
	}
	set[id] = struct{}{}
}

func removeFrom[K comparable](m map[K]map[string]struct{}, key K, id string) {
	if set, ok := m[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(m, key)
		}
	}
}

func union[K comparable](m map[K]map[string]struct{}, keys []K) map[string]struct{} {
	out := make(map[string]struct{})
	for _, k := range keys {
		for id := range m[k] {
			out[id] = struct{}{}
		}
	}
	return out
}

func intersect(sets []map[string]struct{}) map[string]struct{} {
	smallest := sets[0]
	for _, s := range sets[1:] {
		if len(s) < len(smallest) {
			smallest = s
		}
	}
	out := make(map[string]struct{}, len(smallest))
	for id := range smallest {
		in := true
		for _, s := range sets {
			if _, ok := s[id]; !ok {
				in = false
				break
			}
		}
		if in {
			out[id] = struct{}{}
		}
	}
	return out
}
