package memory

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronicle/internal/audit"
	"chronicle/internal/audit/chain"
	"chronicle/pkg/platform/sentinel"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stampedEvents builds a valid chained run of n events spaced an hour apart.
func stampedEvents(t *testing.T, n int) []*audit.Event {
	t.Helper()
	c := chain.New(chain.State{}, testLogger())
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	evs := make([]*audit.Event, 0, n)
	for i := 0; i < n; i++ {
		ev := &audit.Event{
			ID:        "ev-" + string(rune('a'+i)),
			Type:      audit.TypeDataAccess,
			Severity:  audit.SeverityMedium,
			Action:    "read",
			Outcome:   audit.OutcomeSuccess,
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Actor:     audit.Actor{Type: "user", ID: "alice"},
			Security:  audit.SecurityContext{Classification: audit.ClassificationInternal},
		}
		require.NoError(t, c.Stamp(ev))
		evs = append(evs, ev)
	}
	return evs
}

func TestStoreAndGetByID(t *testing.T) {
	s := New(nil)
	evs := stampedEvents(t, 3)
	require.NoError(t, s.StoreBatch(context.Background(), evs))

	got, err := s.GetByID(context.Background(), evs[1].ID)
	require.NoError(t, err)
	assert.Equal(t, evs[1].ID, got.ID)
	assert.Equal(t, evs[1].Integrity.Hash, got.Integrity.Hash)

	// The returned copy must not alias stored state.
	got.Action = "mutated"
	again, err := s.GetByID(context.Background(), evs[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "read", again.Action)

	_, err = s.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestVerifyIntegrityCleanAndTampered(t *testing.T) {
	s := New(nil)
	evs := stampedEvents(t, 5)
	require.NoError(t, s.StoreBatch(context.Background(), evs))

	result, err := s.VerifyIntegrity(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 5, result.Checked)

	require.True(t, s.Tamper(evs[2].ID, func(ev *audit.Event) {
		ev.Description = "rewritten"
	}))

	result, err = s.VerifyIntegrity(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, result.Valid)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0], evs[2].ID)
}

func TestVerifyIntegritySingleEvent(t *testing.T) {
	s := New(nil)
	evs := stampedEvents(t, 2)
	require.NoError(t, s.StoreBatch(context.Background(), evs))

	result, err := s.VerifyIntegrity(context.Background(), evs[0].ID)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 1, result.Checked)

	_, err = s.VerifyIntegrity(context.Background(), "missing")
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestArchiveMovesOldEventsAndKeepsChainVerifiable(t *testing.T) {
	s := New(nil)
	evs := stampedEvents(t, 4)
	require.NoError(t, s.StoreBatch(context.Background(), evs))

	cutoff := evs[2].Timestamp
	result, err := s.Archive(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Archived)

	// Archived events stay readable by ID but drop out of default queries.
	got, err := s.GetByID(context.Background(), evs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, evs[0].ID, got.ID)

	active, err := s.Query(context.Background(), audit.Criteria{})
	require.NoError(t, err)
	assert.Len(t, active, 2)

	all, err := s.Query(context.Background(), audit.Criteria{IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	// Chain verification spans the archive boundary.
	verification, err := s.VerifyIntegrity(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, verification.Valid)
	assert.Equal(t, 4, verification.Checked)

	stats, err := s.Statistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Archived)
	assert.Equal(t, int64(4), stats.Total)
}

func TestStoreBatchRedeliveryIsIdempotent(t *testing.T) {
	s := New(nil)
	evs := stampedEvents(t, 3)
	require.NoError(t, s.StoreBatch(context.Background(), evs))

	// The buffer redelivers whole batches after flush errors; a second
	// delivery must not duplicate events or break the chain.
	require.NoError(t, s.StoreBatch(context.Background(), evs))

	all, err := s.Query(context.Background(), audit.Criteria{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	result, err := s.VerifyIntegrity(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 3, result.Checked)
}

func TestLastStateResumesChain(t *testing.T) {
	s := New(nil)

	state, err := s.LastState(context.Background())
	require.NoError(t, err)
	assert.True(t, state.Empty)

	evs := stampedEvents(t, 3)
	require.NoError(t, s.StoreBatch(context.Background(), evs))

	state, err = s.LastState(context.Background())
	require.NoError(t, err)
	assert.False(t, state.Empty)
	assert.Equal(t, uint64(3), state.Sequence)
	assert.Equal(t, evs[2].Integrity.Hash, state.Hash)
	assert.Equal(t, evs[2].Integrity.Epoch, state.Epoch)

	// Archive must not change the resume point.
	_, err = s.Archive(context.Background(), evs[2].Timestamp)
	require.NoError(t, err)
	state, err = s.LastState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), state.Sequence)
}

func TestQueryFilterAndSort(t *testing.T) {
	s := New(nil)
	evs := stampedEvents(t, 3)
	evs[1].Severity = audit.SeverityCritical
	require.NoError(t, s.StoreBatch(context.Background(), evs))

	got, err := s.Query(context.Background(), audit.Criteria{
		Severities: []audit.Severity{audit.SeverityCritical},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, evs[1].ID, got[0].ID)

	// Default sort is newest first.
	got, err = s.Query(context.Background(), audit.Criteria{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, evs[2].ID, got[0].ID)
	assert.Equal(t, evs[0].ID, got[2].ID)
}
