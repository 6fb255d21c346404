package alert

import (
	"context"
	"sync"
	"time"
)

// Window counts occurrences of keyed observations inside a rolling time
// window. Implementations: in-memory sliding window and a redis-backed
// one for deployments that already run redis.
type Window interface {
	// Record notes one occurrence for key at the given time.
	Record(ctx context.Context, key string, at time.Time) error
	// Count returns the occurrences for key since the given time.
	Count(ctx context.Context, key string, since time.Time) (int, error)
}

// MemoryWindow tracks observation timestamps per key with a sliding
// window, pruning entries older than the retention horizon on access.
type MemoryWindow struct {
	mu        sync.Mutex
	retention time.Duration
	keys      map[string][]time.Time
}

// NewMemoryWindow creates a window that forgets observations older than
// retention.
func NewMemoryWindow(retention time.Duration) *MemoryWindow {
	if retention <= 0 {
		retention = time.Hour
	}
	return &MemoryWindow{
		retention: retention,
		keys:      make(map[string][]time.Time),
	}
}

func (w *MemoryWindow) Record(_ context.Context, key string, at time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.keys[key] = append(w.prune(key, at), at)
	return nil
}

func (w *MemoryWindow) Count(_ context.Context, key string, since time.Time) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, ts := range w.keys[key] {
		if !ts.Before(since) {
			n++
		}
	}
	return n, nil
}

// prune drops timestamps beyond the retention horizon relative to now.
func (w *MemoryWindow) prune(key string, now time.Time) []time.Time {
	horizon := now.Add(-w.retention)
	kept := w.keys[key][:0]
	for _, ts := range w.keys[key] {
		if ts.After(horizon) {
			kept = append(kept, ts)
		}
	}
	if len(kept) == 0 {
		delete(w.keys, key)
		return nil
	}
	w.keys[key] = kept
	return kept
}
