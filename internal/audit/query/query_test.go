package query

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronicle/internal/audit"
)

var base = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func fixture() []*audit.Event {
	mk := func(id string, seq uint64, offset time.Duration, typ audit.EventType, sev audit.Severity, actor string) *audit.Event {
		return &audit.Event{
			ID:        id,
			Type:      typ,
			Severity:  sev,
			Action:    "act",
			Outcome:   audit.OutcomeSuccess,
			Timestamp: base.Add(offset),
			Actor:     audit.Actor{Type: "user", ID: actor},
			Integrity: &audit.IntegrityLink{Sequence: seq},
		}
	}
	return []*audit.Event{
		mk("e1", 1, 0, audit.TypeAuthentication, audit.SeverityLow, "alice"),
		mk("e2", 2, time.Hour, audit.TypeDataAccess, audit.SeverityCritical, "bob"),
		mk("e3", 3, 2*time.Hour, audit.TypeDataAccess, audit.SeverityMedium, "alice"),
		mk("e4", 4, 3*time.Hour, audit.TypeAdminAction, audit.SeverityHigh, "carol"),
	}
}

func ids(evs []*audit.Event) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.ID
	}
	return out
}

func TestApplyDefaultsToNewestFirst(t *testing.T) {
	got, err := Apply(context.Background(), fixture(), audit.Criteria{})
	require.NoError(t, err)
	assert.Equal(t, []string{"e4", "e3", "e2", "e1"}, ids(got))
}

func TestFilterDimensions(t *testing.T) {
	evs := fixture()

	cases := []struct {
		name string
		c    audit.Criteria
		want []string
	}{
		{"by type", audit.Criteria{Types: []audit.EventType{audit.TypeDataAccess}}, []string{"e2", "e3"}},
		{"by severity", audit.Criteria{Severities: []audit.Severity{audit.SeverityCritical, audit.SeverityHigh}}, []string{"e2", "e4"}},
		{"by actor", audit.Criteria{ActorIDs: []string{"alice"}}, []string{"e1", "e3"}},
		{"by time range", audit.Criteria{From: base.Add(30 * time.Minute), To: base.Add(150 * time.Minute)}, []string{"e2", "e3"}},
		{"combined", audit.Criteria{Types: []audit.EventType{audit.TypeDataAccess}, ActorIDs: []string{"alice"}}, []string{"e3"}},
		{"no match", audit.Criteria{ActorIDs: []string{"nobody"}}, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Filter(context.Background(), evs, tc.c)
			require.NoError(t, err)
			if tc.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tc.want, ids(got))
		})
	}
}

func TestSortBySeverity(t *testing.T) {
	evs := fixture()
	Sort(evs, audit.Criteria{SortBy: audit.SortBySeverity, SortOrder: audit.SortDesc})
	assert.Equal(t, []string{"e2", "e4", "e3", "e1"}, ids(evs))

	Sort(evs, audit.Criteria{SortBy: audit.SortBySeverity, SortOrder: audit.SortAsc})
	assert.Equal(t, []string{"e1", "e3", "e4", "e2"}, ids(evs))
}

func TestSortTiesBreakOnSequence(t *testing.T) {
	evs := fixture()
	for _, ev := range evs {
		ev.Timestamp = base
	}
	Sort(evs, audit.Criteria{SortBy: audit.SortByTimestamp, SortOrder: audit.SortAsc})
	assert.Equal(t, []string{"e1", "e2", "e3", "e4"}, ids(evs))
}

func TestPaginate(t *testing.T) {
	evs := fixture()

	page := Paginate(evs, audit.Criteria{Limit: 2})
	assert.Equal(t, []string{"e1", "e2"}, ids(page))

	page = Paginate(evs, audit.Criteria{Limit: 2, Offset: 2})
	assert.Equal(t, []string{"e3", "e4"}, ids(page))

	page = Paginate(evs, audit.Criteria{Offset: 10})
	assert.Empty(t, page)

	page = Paginate(evs, audit.Criteria{})
	assert.Len(t, page, 4)
}

func TestFilterHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Filter(ctx, fixture(), audit.Criteria{})
	assert.Error(t, err)
}
