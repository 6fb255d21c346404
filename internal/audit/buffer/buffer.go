// Package buffer amortizes write cost between the integrity chain and
// the storage backend. Events flush when the buffer fills or a timer
// elapses, whichever first. A failed flush puts the batch back at the
// front: producers pay latency under sustained backend failure, never
// silent loss.
package buffer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"chronicle/internal/audit"
	"chronicle/pkg/platform/sentinel"
)

// Sink is the flush target; satisfied by store.Backend.
type Sink interface {
	StoreBatch(ctx context.Context, evs []*audit.Event) error
}

// Buffer accumulates integrity-stamped events in assignment order.
type Buffer struct {
	mu      sync.Mutex
	pending []*audit.Event
	closed  bool

	// flushMu serializes whole flush attempts. Without it a failed
	// flush could re-queue its batch after a concurrent flush already
	// committed later sequences, handing the backend events out of
	// assignment order on retry.
	flushMu sync.Mutex

	sink     Sink
	size     int
	interval time.Duration
	logger   *slog.Logger

	flushCh chan struct{}

	failures     int64
	onFlushError func(error)
}

// Option configures the Buffer.
type Option func(*Buffer)

// WithFlushErrorHook registers a callback invoked on every failed flush
// attempt; the service uses it to surface sustained failure through
// statistics and alerting.
func WithFlushErrorHook(fn func(error)) Option {
	return func(b *Buffer) { b.onFlushError = fn }
}

// New creates a buffer flushing to sink every interval or when size
// events are pending. Run must be started for timed flushes.
func New(sink Sink, size int, interval time.Duration, logger *slog.Logger, opts ...Option) *Buffer {
	if size <= 0 {
		size = 100
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	b := &Buffer{
		sink:     sink,
		size:     size,
		interval: interval,
		logger:   logger.With("component", "buffer"),
		flushCh:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Add appends events in order. It never blocks on the backend; a full
// buffer only schedules an immediate flush.
func (b *Buffer) Add(evs ...*audit.Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return sentinel.ErrClosed
	}
	b.pending = append(b.pending, evs...)
	full := len(b.pending) >= b.size
	b.mu.Unlock()

	if full {
		b.kick()
	}
	return nil
}

// kick schedules a flush without blocking; a pending signal is enough.
func (b *Buffer) kick() {
	select {
	case b.flushCh <- struct{}{}:
	default:
	}
}

// Depth returns the number of events waiting to flush.
func (b *Buffer) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Failures returns the count of failed flush attempts.
func (b *Buffer) Failures() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Run drives timed and size-triggered flushes until ctx is cancelled,
// then drains whatever is pending before returning.
func (b *Buffer) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Shutdown drains with a fresh context; the cancelled one
			// would abort the final write.
			if err := b.Flush(context.Background()); err != nil {
				b.logger.Error("drain on shutdown failed", "error", err)
				return err
			}
			return ctx.Err()
		case <-ticker.C:
			b.flushAndLog(ctx)
		case <-b.flushCh:
			b.flushAndLog(ctx)
		}
	}
}

func (b *Buffer) flushAndLog(ctx context.Context) {
	if err := b.Flush(ctx); err != nil {
		b.logger.Warn("flush failed, batch requeued",
			"pending", b.Depth(),
			"error", err,
		)
	}
}

// Flush hands all pending events to the sink in assignment order. On
// failure the batch is returned to the front of the buffer for retry.
// Flushes run one at a time; a batch in flight blocks the next flush
// until it has either committed or been re-queued.
func (b *Buffer) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	if err := b.sink.StoreBatch(ctx, batch); err != nil {
		b.mu.Lock()
		b.pending = append(batch, b.pending...)
		b.failures++
		b.mu.Unlock()
		if b.onFlushError != nil {
			b.onFlushError(err)
		}
		return err
	}
	return nil
}

// Close rejects further producers and drains whatever is pending. Safe
// to call more than once; draining an empty buffer is a no-op.
func (b *Buffer) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return b.Flush(context.Background())
}
