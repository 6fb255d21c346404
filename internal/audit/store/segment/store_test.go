package segment

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
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

// seedEvents builds a chained run; descriptions are unique so tests can
// find a specific record inside a segment file.
func seedEvents(t *testing.T, n int) []*audit.Event {
	t.Helper()
	c := chain.New(chain.State{}, testLogger())
	base := time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)
	evs := make([]*audit.Event, 0, n)
	for i := 0; i < n; i++ {
		ev := &audit.Event{
			ID:          fmt.Sprintf("ev-%03d", i),
			Type:        audit.TypeDataAccess,
			Severity:    audit.SeverityMedium,
			Action:      "read",
			Description: fmt.Sprintf("payload-%03d", i),
			Outcome:     audit.OutcomeSuccess,
			Timestamp:   base.Add(time.Duration(i) * time.Hour),
			Actor:       audit.Actor{Type: "user", ID: "alice"},
			Security:    audit.SecurityContext{Classification: audit.ClassificationInternal},
		}
		require.NoError(t, c.Stamp(ev))
		evs = append(evs, ev)
	}
	return evs
}

func openStore(t *testing.T, dir string, opts Options) *Store {
	t.Helper()
	s, err := Open(dir, testLogger(), opts)
	require.NoError(t, err)
	return s
}

func TestStoreAndReadBack(t *testing.T) {
	s := openStore(t, t.TempDir(), Options{})
	evs := seedEvents(t, 3)
	require.NoError(t, s.StoreBatch(context.Background(), evs))

	got, err := s.GetByID(context.Background(), "ev-001")
	require.NoError(t, err)
	assert.Equal(t, "payload-001", got.Description)
	assert.Equal(t, evs[1].Integrity.Hash, got.Integrity.Hash)

	_, err = s.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestQueryIndexedAndScanPaths(t *testing.T) {
	s := openStore(t, t.TempDir(), Options{})
	evs := seedEvents(t, 4)
	evs[2].Severity = audit.SeverityCritical
	// Re-stamp after the mutation so stored content matches its hash.
	evs = restamp(t, evs)
	require.NoError(t, s.StoreBatch(context.Background(), evs))

	// Indexed path: severity is a posting-list dimension.
	got, err := s.Query(context.Background(), audit.Criteria{
		Severities: []audit.Severity{audit.SeverityCritical},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ev-002", got[0].ID)

	// Scan path: a pure time-range query has no indexed dimension.
	got, err = s.Query(context.Background(), audit.Criteria{
		From: evs[1].Timestamp,
		To:   evs[2].Timestamp,
	})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	// Default ordering is newest first.
	got, err = s.Query(context.Background(), audit.Criteria{})
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, "ev-003", got[0].ID)
}

func restamp(t *testing.T, evs []*audit.Event) []*audit.Event {
	t.Helper()
	c := chain.New(chain.State{}, testLogger())
	out := make([]*audit.Event, 0, len(evs))
	for _, ev := range evs {
		cp := ev.Clone()
		cp.Integrity = nil
		require.NoError(t, c.Stamp(cp))
		out = append(out, cp)
	}
	return out
}

func TestStoreBatchRedeliverySkipsPersistedEvents(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, Options{})
	evs := seedEvents(t, 4)
	require.NoError(t, s.StoreBatch(context.Background(), evs))

	// The buffer redelivers the whole batch after a flush error, even one
	// raised after the appends landed. The second delivery must not write
	// duplicate frames that would read as sequence gaps.
	require.NoError(t, s.StoreBatch(context.Background(), evs))

	all, err := s.Query(context.Background(), audit.Criteria{SortOrder: audit.SortAsc})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	result, err := s.VerifyIntegrity(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, result.Valid, "redelivery must not break the chain: %v", result.Errors)
	assert.Equal(t, 4, result.Checked)

	// A partially persisted batch fills in only the missing tail.
	fresh := openStore(t, t.TempDir(), Options{})
	next := seedEvents(t, 6)
	require.NoError(t, fresh.StoreBatch(context.Background(), next[:5]))
	require.NoError(t, fresh.StoreBatch(context.Background(), next[4:]))

	state, err := fresh.LastState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(6), state.Sequence)

	result, err = fresh.VerifyIntegrity(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 6, result.Checked)
}

func TestRolloverSealsSegments(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, Options{MaxSegmentBytes: 512})
	evs := seedEvents(t, 10)
	require.NoError(t, s.StoreBatch(context.Background(), evs))
	require.NoError(t, s.Close())

	paths, err := filepath.Glob(filepath.Join(dir, "active", "segment-*.seg"))
	require.NoError(t, err)
	assert.Greater(t, len(paths), 1, "512-byte cap must roll multiple segments")

	for _, p := range paths {
		_, seal, err := readSegment(p, nil)
		require.NoError(t, err)
		require.NotNil(t, seal, "%s must carry a seal after close", filepath.Base(p))
		assert.NotEmpty(t, seal.Checksum)
	}

	// Every event remains readable across segment boundaries.
	reopened := openStore(t, dir, Options{})
	for _, ev := range evs {
		got, err := reopened.GetByID(context.Background(), ev.ID)
		require.NoError(t, err)
		assert.Equal(t, ev.Description, got.Description)
	}
}

func TestReopenResumesState(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, Options{})
	evs := seedEvents(t, 3)
	require.NoError(t, s.StoreBatch(context.Background(), evs))
	require.NoError(t, s.Close())

	reopened := openStore(t, dir, Options{})
	state, err := reopened.LastState(context.Background())
	require.NoError(t, err)
	assert.False(t, state.Empty)
	assert.Equal(t, uint64(3), state.Sequence)
	assert.Equal(t, evs[2].Integrity.Hash, state.Hash)
	assert.Equal(t, evs[0].Integrity.Epoch, state.Epoch)

	result, err := reopened.VerifyIntegrity(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 3, result.Checked)
}

func TestVerifyIntegrityNamesTamperedEvent(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, Options{})
	evs := seedEvents(t, 3)
	require.NoError(t, s.StoreBatch(context.Background(), evs))
	require.NoError(t, s.Close())

	corruptSegmentByte(t, dir, []byte("payload-001"), []byte("hijack!-001"))

	s = openStore(t, dir, Options{})
	result, err := s.VerifyIntegrity(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, 3, result.Checked)

	var namesEvent, namesSeal bool
	for _, msg := range result.Errors {
		if bytes.Contains([]byte(msg), []byte("ev-001")) {
			namesEvent = true
		}
		if bytes.Contains([]byte(msg), []byte("segment-")) {
			namesSeal = true
		}
	}
	assert.True(t, namesEvent, "verification must name the corrupted event: %v", result.Errors)
	assert.True(t, namesSeal, "seal checksum must flag the segment: %v", result.Errors)

	// The untouched events still verify individually.
	single, err := s.VerifyIntegrity(context.Background(), "ev-000")
	require.NoError(t, err)
	assert.True(t, single.Valid)
}

// corruptSegmentByte flips bytes inside the one segment containing old,
// keeping length and JSON shape intact.
func corruptSegmentByte(t *testing.T, dir string, old, replacement []byte) {
	t.Helper()
	require.Equal(t, len(old), len(replacement))

	paths, err := filepath.Glob(filepath.Join(dir, "active", "segment-*.seg"))
	require.NoError(t, err)
	for _, p := range paths {
		raw, err := os.ReadFile(p)
		require.NoError(t, err)
		if !bytes.Contains(raw, old) {
			continue
		}
		require.NoError(t, os.WriteFile(p, bytes.Replace(raw, old, replacement, 1), 0o600))
		return
	}
	t.Fatalf("no segment contains %q", old)
}

func TestArchiveMovesSealedSegments(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, Options{MaxSegmentBytes: 512})
	evs := seedEvents(t, 10)
	require.NoError(t, s.StoreBatch(context.Background(), evs))
	require.NoError(t, s.Close())

	s = openStore(t, dir, Options{})
	// Cut off after the fifth event; only segments whose newest record is
	// older may move.
	cutoff := evs[5].Timestamp
	result, err := s.Archive(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Empty(t, result.Errors)
	assert.Greater(t, result.Archived, 0)

	archived, err := filepath.Glob(filepath.Join(dir, "archive", "segment-*.seg"))
	require.NoError(t, err)
	assert.NotEmpty(t, archived)

	// Point reads and chain verification span the boundary.
	for _, ev := range evs {
		got, err := s.GetByID(context.Background(), ev.ID)
		require.NoError(t, err, "event %s must stay readable after archival", ev.ID)
		assert.Equal(t, ev.Description, got.Description)
	}

	// Default queries see only the active store; IncludeArchived widens
	// the view to everything.
	active, err := s.Query(context.Background(), audit.Criteria{SortOrder: audit.SortAsc})
	require.NoError(t, err)
	assert.Len(t, active, 10-result.Archived)

	all, err := s.Query(context.Background(), audit.Criteria{
		SortOrder:       audit.SortAsc,
		IncludeArchived: true,
	})
	require.NoError(t, err)
	assert.Len(t, all, 10)

	// Both query paths honour the boundary: indexed (severity filter)
	// and full scan (time range).
	indexed, err := s.Query(context.Background(), audit.Criteria{
		Severities: []audit.Severity{audit.SeverityMedium},
	})
	require.NoError(t, err)
	assert.Len(t, indexed, 10-result.Archived)

	scanned, err := s.Query(context.Background(), audit.Criteria{
		From: evs[0].Timestamp,
		To:   evs[9].Timestamp,
	})
	require.NoError(t, err)
	assert.Len(t, scanned, 10-result.Archived)

	verification, err := s.VerifyIntegrity(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, verification.Valid)
	assert.Equal(t, 10, verification.Checked)

	stats, err := s.Statistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(10), stats.Total)
	assert.Equal(t, int64(result.Archived), stats.Archived)

	// Reopening rediscovers which segments live in the archive.
	require.NoError(t, s.Close())
	s = openStore(t, dir, Options{})
	active, err = s.Query(context.Background(), audit.Criteria{SortOrder: audit.SortAsc})
	require.NoError(t, err)
	assert.Len(t, active, 10-result.Archived)
}

func TestArchiveSkipsOpenSegment(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, Options{})
	evs := seedEvents(t, 3)
	require.NoError(t, s.StoreBatch(context.Background(), evs))

	// All events live in the open segment; nothing may move.
	result, err := s.Archive(context.Background(), time.Now().Add(24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, result.Archived)
	assert.Empty(t, result.Errors)
}

func TestRebuildIndexRestoresLookups(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, Options{MaxSegmentBytes: 512})
	evs := seedEvents(t, 6)
	require.NoError(t, s.StoreBatch(context.Background(), evs))

	require.NoError(t, s.RebuildIndex(context.Background()))
	// Rebuilding twice over the same segments is a no-op.
	require.NoError(t, s.RebuildIndex(context.Background()))

	for _, ev := range evs {
		got, err := s.GetByID(context.Background(), ev.ID)
		require.NoError(t, err)
		assert.Equal(t, ev.Description, got.Description)
	}

	// Writes keep landing in the index while rebuilds run.
	extra := seedEvents(t, 7)[6:]
	require.NoError(t, s.StoreBatch(context.Background(), extra))
	_, err := s.GetByID(context.Background(), extra[0].ID)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, s.RebuildIndex(ctx))
}

func TestSealSignature(t *testing.T) {
	signer, err := chain.GenerateSigner("seg-key")
	require.NoError(t, err)

	dir := t.TempDir()
	s := openStore(t, dir, Options{Signer: signer})
	require.NoError(t, s.StoreBatch(context.Background(), seedEvents(t, 2)))
	require.NoError(t, s.Close())

	paths, err := filepath.Glob(filepath.Join(dir, "active", "segment-*.seg"))
	require.NoError(t, err)
	require.Len(t, paths, 1)

	_, seal, err := readSegment(paths[0], nil)
	require.NoError(t, err)
	require.NotNil(t, seal)
	assert.Equal(t, "seg-key", seal.SignedBy)
	assert.NoError(t, signer.Verify(seal.Checksum, seal.Signature))

	s = openStore(t, dir, Options{Signer: signer})
	result, err := s.VerifyIntegrity(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, result.Valid)
}
