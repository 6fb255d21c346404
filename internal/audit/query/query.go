// Package query applies criteria filtering, sorting and pagination to
// in-memory event sets. The file segment and in-memory backends evaluate
// criteria through it; the structured store pushes the same semantics
// down to SQL. Both routes must produce functionally identical results.
package query

import (
	"context"
	"sort"

	"chronicle/internal/audit"
)

// Filter returns the events matching c, honoring ctx cancellation so a
// large scan can be abandoned without side effects.
func Filter(ctx context.Context, evs []*audit.Event, c audit.Criteria) ([]*audit.Event, error) {
	out := make([]*audit.Event, 0, len(evs))
	for i, ev := range evs {
		// Check cancellation periodically, not per event.
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if c.Matches(ev) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Sort orders events in place per the criteria's sort field/direction.
// Ties break on sequence number so results are stable across backends.
func Sort(evs []*audit.Event, c audit.Criteria) {
	c = c.Normalize()
	less := lessFunc(c)
	sort.SliceStable(evs, func(i, j int) bool {
		if c.SortOrder == audit.SortDesc {
			return less(evs[j], evs[i])
		}
		return less(evs[i], evs[j])
	})
}

// Paginate applies offset/limit. Limit 0 means unlimited.
func Paginate(evs []*audit.Event, c audit.Criteria) []*audit.Event {
	c = c.Normalize()
	if c.Offset >= len(evs) {
		return nil
	}
	evs = evs[c.Offset:]
	if c.Limit > 0 && c.Limit < len(evs) {
		evs = evs[:c.Limit]
	}
	return evs
}

// Apply runs the full pipeline: filter, sort, paginate.
func Apply(ctx context.Context, evs []*audit.Event, c audit.Criteria) ([]*audit.Event, error) {
	matched, err := Filter(ctx, evs, c)
	if err != nil {
		return nil, err
	}
	Sort(matched, c)
	return Paginate(matched, c), nil
}

func lessFunc(c audit.Criteria) func(a, b *audit.Event) bool {
	switch c.SortBy {
	case audit.SortBySeverity:
		return func(a, b *audit.Event) bool {
			if a.Severity.Rank() != b.Severity.Rank() {
				return a.Severity.Rank() < b.Severity.Rank()
			}
			return sequenceOf(a) < sequenceOf(b)
		}
	case audit.SortByType:
		return func(a, b *audit.Event) bool {
			if a.Type != b.Type {
				return a.Type < b.Type
			}
			return sequenceOf(a) < sequenceOf(b)
		}
	default:
		return func(a, b *audit.Event) bool {
			if !a.Timestamp.Equal(b.Timestamp) {
				return a.Timestamp.Before(b.Timestamp)
			}
			return sequenceOf(a) < sequenceOf(b)
		}
	}
}

func sequenceOf(e *audit.Event) uint64 {
	if e.Integrity == nil {
		return 0
	}
	return e.Integrity.Sequence
}
