package segment

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"chronicle/internal/audit"
	"chronicle/internal/audit/chain"
	"chronicle/internal/audit/index"
	"chronicle/internal/audit/query"
	"chronicle/internal/audit/store"
	"chronicle/pkg/platform/sentinel"
)

const (
	activeDir  = "active"
	archiveDir = "archive"
	fileSuffix = ".seg"
)

// Store is the file segment backend. The current open segment receives
// appends; sealed segments are immutable and eligible for archival.
type Store struct {
	mu       sync.RWMutex
	dir      string
	current  *writer
	nextNum  uint64
	epoch    string
	archived map[string]struct{}

	idx      *index.Manager
	verifier *chain.Verifier
	signer   *chain.Signer
	maxBytes int64
	logger   *slog.Logger
}

// Options configure the segment store.
type Options struct {
	// MaxSegmentBytes seals the open segment once its size passes this
	// limit. Defaults to 64 MiB.
	MaxSegmentBytes int64
	// Signer, when set, signs segment seals alongside event digests.
	Signer *chain.Signer
	// Verifier checks hashes and chain links during VerifyIntegrity.
	Verifier *chain.Verifier
}

// Open prepares the directory layout, indexes existing segments, and
// opens a fresh segment for appends.
func Open(dir string, logger *slog.Logger, opts Options) (*Store, error) {
	if opts.MaxSegmentBytes <= 0 {
		opts.MaxSegmentBytes = 64 << 20
	}
	if opts.Verifier == nil {
		opts.Verifier = chain.NewVerifier(opts.Signer, true)
	}
	for _, sub := range []string{activeDir, archiveDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o700); err != nil {
			return nil, fmt.Errorf("create segment dir: %w", err)
		}
	}

	s := &Store{
		dir:      dir,
		archived: make(map[string]struct{}),
		idx:      index.NewManager(),
		verifier: opts.Verifier,
		signer:   opts.Signer,
		maxBytes: opts.MaxSegmentBytes,
		logger:   logger.With("component", "segment_store"),
	}
	if err := s.bootstrap(); err != nil {
		return nil, err
	}
	return s, nil
}

// bootstrap rebuilds the index from existing segments and determines the
// next segment number and chain epoch.
func (s *Store) bootstrap() error {
	err := s.idx.Rebuild(func(put func(ev *audit.Event, loc index.Location)) error {
		return s.walkSegments(func(path string, header *Header, _ *Seal) error {
			segID := header.SegmentID
			_, _, err := readSegment(path, func(ev *audit.Event, offset int64) error {
				put(ev, index.Location{Segment: segID, Offset: offset})
				if ev.Integrity != nil && ev.Integrity.Epoch != "" {
					s.epoch = ev.Integrity.Epoch
				}
				return nil
			})
			return err
		})
	})
	if err != nil {
		return fmt.Errorf("rebuild index: %w", err)
	}

	paths, err := s.segmentPaths(activeDir)
	if err != nil {
		return err
	}
	for _, p := range paths {
		if n, ok := segmentNumber(p); ok && n >= s.nextNum {
			s.nextNum = n + 1
		}
	}
	archived, err := s.segmentPaths(archiveDir)
	if err != nil {
		return err
	}
	for _, p := range archived {
		if n, ok := segmentNumber(p); ok && n >= s.nextNum {
			s.nextNum = n + 1
		}
		s.archived[segmentID(p)] = struct{}{}
	}
	s.logger.Info("segment store ready",
		"segments", len(paths)+len(archived),
		"indexed_events", s.idx.Len(),
	)
	return nil
}

func (s *Store) Store(ctx context.Context, ev *audit.Event) error {
	return s.StoreBatch(ctx, []*audit.Event{ev})
}

func (s *Store) StoreBatch(_ context.Context, evs []*audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range evs {
		if err := s.appendLocked(ev); err != nil {
			return &audit.BackendUnavailable{Backend: "segment", Err: err}
		}
	}
	if s.current != nil {
		if err := s.current.file.Sync(); err != nil {
			return &audit.BackendUnavailable{Backend: "segment", Err: err}
		}
	}
	return nil
}

func (s *Store) appendLocked(ev *audit.Event) error {
	// The buffer redelivers whole batches after any flush error, even
	// one raised after the appends landed (a failed Sync). Skip events
	// the index already holds so redelivery never duplicates frames.
	if _, ok := s.idx.Lookup(ev.ID); ok {
		return nil
	}
	if s.current != nil && s.current.offset >= s.maxBytes {
		if err := s.sealCurrentLocked(); err != nil {
			return err
		}
	}
	if s.current == nil {
		if err := s.openSegmentLocked(ev); err != nil {
			return err
		}
	}
	offset, err := s.current.append(ev)
	if err != nil {
		return err
	}
	s.idx.Put(ev, index.Location{Segment: s.current.id, Offset: offset})
	return nil
}

func (s *Store) openSegmentLocked(first *audit.Event) error {
	id := fmt.Sprintf("segment-%08d", s.nextNum)
	var firstSeq uint64
	epoch := s.epoch
	if first.Integrity != nil {
		firstSeq = first.Integrity.Sequence
		epoch = first.Integrity.Epoch
	}
	w, err := newWriter(filepath.Join(s.dir, activeDir, id+fileSuffix), id, epoch, firstSeq)
	if err != nil {
		return err
	}
	s.current = w
	s.nextNum++
	s.epoch = epoch
	return nil
}

func (s *Store) sealCurrentLocked() error {
	if s.current == nil {
		return nil
	}
	var sign func(string) (string, string, error)
	if s.signer != nil {
		sign = func(digest string) (string, string, error) {
			sig, err := s.signer.Sign(digest)
			return sig, s.signer.KeyID(), err
		}
	}
	if err := s.current.seal(sign); err != nil {
		return fmt.Errorf("seal %s: %w", s.current.id, err)
	}
	s.logger.Info("segment sealed",
		"segment", s.current.id,
		"events", s.current.count,
	)
	s.current = nil
	return nil
}

func (s *Store) Query(ctx context.Context, c audit.Criteria) ([]*audit.Event, error) {
	c = c.Normalize()

	entries, ok := s.idx.Candidates(c)
	if !ok {
		// No indexed dimension in the criteria: scan everything and let
		// the query engine filter. Same results, different cost.
		evs, err := s.scanAll(ctx, c.IncludeArchived)
		if err != nil {
			return nil, err
		}
		return query.Apply(ctx, evs, c)
	}

	evs := make([]*audit.Event, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !c.IncludeArchived && s.isArchived(entry.Location.Segment) {
			continue
		}
		// Cheap pre-filter on indexed timestamp before touching disk.
		if !c.From.IsZero() && entry.Timestamp.Before(c.From) {
			continue
		}
		if !c.To.IsZero() && entry.Timestamp.After(c.To) {
			continue
		}
		ev, err := s.loadAt(entry.Location)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", entry.ID, err)
		}
		evs = append(evs, ev)
	}
	return query.Apply(ctx, evs, c)
}

func (s *Store) GetByID(_ context.Context, id string) (*audit.Event, error) {
	loc, ok := s.idx.Lookup(id)
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return s.loadAt(loc)
}

// loadAt reads an event record through the index location. The open
// segment is served through the same path: ReadAt is independent of the
// append position.
func (s *Store) loadAt(loc index.Location) (*audit.Event, error) {
	return readEventAt(s.segmentFile(loc.Segment), loc.Offset)
}

// segmentFile resolves a segment id to its current path, checking the
// active directory first, then the archive.
func (s *Store) segmentFile(segID string) string {
	active := filepath.Join(s.dir, activeDir, segID+fileSuffix)
	if _, err := os.Stat(active); err == nil {
		return active
	}
	return filepath.Join(s.dir, archiveDir, segID+fileSuffix)
}

func (s *Store) LastState(_ context.Context) (store.LastState, error) {
	var newest *audit.IntegrityLink
	err := s.walkSegments(func(path string, _ *Header, _ *Seal) error {
		_, _, err := readSegment(path, func(ev *audit.Event, _ int64) error {
			if ev.Integrity != nil && (newest == nil || ev.Integrity.Sequence > newest.Sequence) {
				link := *ev.Integrity
				newest = &link
			}
			return nil
		})
		return err
	})
	if err != nil {
		return store.LastState{}, err
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

func (s *Store) Statistics(ctx context.Context) (*audit.Statistics, error) {
	stats := &audit.Statistics{
		ByType:     make(map[string]int64),
		BySeverity: make(map[string]int64),
	}
	now := time.Now()
	dayAgo := now.Add(-24 * time.Hour)
	weekAgo := now.Add(-7 * 24 * time.Hour)

	archivePrefix := filepath.Join(s.dir, archiveDir)
	err := s.walkSegments(func(path string, _ *Header, _ *Seal) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		inArchive := strings.HasPrefix(path, archivePrefix)
		_, _, err := readSegment(path, func(ev *audit.Event, _ int64) error {
			stats.Total++
			stats.ByType[string(ev.Type)]++
			stats.BySeverity[string(ev.Severity)]++
			if inArchive {
				stats.Archived++
			}
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
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// RebuildIndex repopulates the index from the segments. Idempotent, and
// writes continue while the scan runs; only the final swap briefly locks.
func (s *Store) RebuildIndex(ctx context.Context) error {
	return s.idx.Rebuild(func(put func(ev *audit.Event, loc index.Location)) error {
		return s.walkSegments(func(path string, header *Header, _ *Seal) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			_, _, err := readSegment(path, func(ev *audit.Event, offset int64) error {
				put(ev, index.Location{Segment: header.SegmentID, Offset: offset})
				return nil
			})
			return err
		})
	})
}

// Close seals the open segment so a graceful shutdown leaves only
// immutable files behind.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sealCurrentLocked()
}

// isArchived reports whether a segment has been moved to cold storage.
func (s *Store) isArchived(segID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.archived[segID]
	return ok
}

// scanAll loads every event from every active segment, plus the archive
// when asked.
func (s *Store) scanAll(ctx context.Context, includeArchived bool) ([]*audit.Event, error) {
	var evs []*audit.Event
	err := s.walkSegments(func(path string, header *Header, _ *Seal) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !includeArchived && s.isArchived(header.SegmentID) {
			return nil
		}
		_, _, err := readSegment(path, func(ev *audit.Event, _ int64) error {
			evs = append(evs, ev)
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return evs, nil
}

// walkSegments visits every segment file in segment-number order,
// archived segments first (they hold the oldest sequences).
func (s *Store) walkSegments(visit func(path string, header *Header, seal *Seal) error) error {
	archived, err := s.segmentPaths(archiveDir)
	if err != nil {
		return err
	}
	active, err := s.segmentPaths(activeDir)
	if err != nil {
		return err
	}
	for _, path := range append(archived, active...) {
		header, seal, err := readSegment(path, nil)
		if err != nil {
			return fmt.Errorf("read %s: %w", filepath.Base(path), err)
		}
		if err := visit(path, header, seal); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) segmentPaths(sub string) ([]string, error) {
	pattern := filepath.Join(s.dir, sub, "segment-*"+fileSuffix)
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}

func segmentNumber(path string) (uint64, bool) {
	base := strings.TrimSuffix(filepath.Base(path), fileSuffix)
	var n uint64
	if _, err := fmt.Sscanf(base, "segment-%d", &n); err != nil {
		return 0, false
	}
	return n, true
}

func segmentID(path string) string {
	return strings.TrimSuffix(filepath.Base(path), fileSuffix)
}
