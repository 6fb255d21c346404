package segment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chronicle/internal/audit"
	"chronicle/internal/audit/index"
)

// Archive relocates sealed segments whose newest event is older than the
// cutoff into the archive directory. Events keep their original bytes,
// hashes and sequence numbers; only the location changes, so chain
// verification reads transparently across the boundary. The open segment
// never moves. Partial failure is reported per segment.
func (s *Store) Archive(ctx context.Context, cutoff time.Time) (*audit.ArchiveResult, error) {
	result := &audit.ArchiveResult{}

	// Hold the write lock so the open segment cannot roll over and
	// become archive-eligible mid-run.
	s.mu.Lock()
	defer s.mu.Unlock()

	activePaths, err := s.segmentPaths(activeDir)
	if err != nil {
		return nil, err
	}

	for _, path := range activePaths {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		name := filepath.Base(path)
		if s.current != nil && strings.HasPrefix(name, s.current.id) {
			continue
		}

		header, seal, err := readSegment(path, nil)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		if seal == nil {
			// Unsealed leftovers (e.g. after a crash) stay put; only
			// sealed segments are eligible.
			continue
		}

		newest, count, err := newestTimestamp(path)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		if !newest.Before(cutoff) {
			continue
		}

		dest := filepath.Join(s.dir, archiveDir, name)
		if err := os.Rename(path, dest); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: move: %v", name, err))
			continue
		}
		s.archived[header.SegmentID] = struct{}{}

		// Repoint the index so point reads keep working from the new
		// location.
		_, _, err = readSegment(dest, func(ev *audit.Event, offset int64) error {
			s.idx.Move(ev.ID, index.Location{Segment: header.SegmentID, Offset: offset})
			return nil
		})
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: reindex after move: %v", name, err))
			continue
		}

		result.Archived += count
		s.logger.Info("segment archived",
			"segment", header.SegmentID,
			"events", count,
		)
	}
	return result, nil
}

// newestTimestamp scans a segment for its latest event timestamp.
func newestTimestamp(path string) (time.Time, int, error) {
	var newest time.Time
	count := 0
	_, _, err := readSegment(path, func(ev *audit.Event, _ int64) error {
		count++
		if ev.Timestamp.After(newest) {
			newest = ev.Timestamp
		}
		return nil
	})
	if err != nil {
		return time.Time{}, 0, err
	}
	return newest, count, nil
}
