// Package service orchestrates the audit pipeline: enrichment, integrity
// stamping, buffering, storage, alerting, and the read-side operations.
// Handlers stay thin; everything between ingest and durability lives here.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"chronicle/internal/audit"
	"chronicle/internal/audit/alert"
	"chronicle/internal/audit/buffer"
	"chronicle/internal/audit/chain"
	"chronicle/internal/audit/enricher"
	"chronicle/internal/audit/store"
	"chronicle/internal/audit/stream"
	"chronicle/internal/platform/metrics"
)

// Service is the audit engine facade. All public operations are safe for
// concurrent use.
type Service struct {
	enricher  *enricher.Enricher
	chain     *chain.Chain
	buffer    *buffer.Buffer
	backend   store.Backend
	evaluator *alert.Evaluator
	announcer *stream.Announcer

	metrics *metrics.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer

	// submitMu spans integrity stamping and buffering as one critical
	// section: a producer that stamped sequence n must enqueue it before
	// any other producer enqueues n+1, or a single flush could hand the
	// backend events out of assignment order.
	submitMu sync.Mutex

	// violationsMu guards the most recent verification findings, kept so
	// statistics can report detected integrity violations.
	violationsMu   sync.Mutex
	lastViolations []string

	archiveAfter    time.Duration
	archiveInterval time.Duration
}

// Option configures the Service.
type Option func(*Service)

// WithEvaluator enables threshold alerting on the ingest path.
func WithEvaluator(e *alert.Evaluator) Option {
	return func(s *Service) { s.evaluator = e }
}

// WithAnnouncer mirrors committed events onto the stream after each
// successful flush.
func WithAnnouncer(a *stream.Announcer) Option {
	return func(s *Service) { s.announcer = a }
}

// WithMetrics wires pipeline counters. A nil Metrics is tolerated.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithBackgroundArchiver moves events older than after to archive
// storage every interval while Run is active.
func WithBackgroundArchiver(after, interval time.Duration) Option {
	return func(s *Service) {
		s.archiveAfter = after
		s.archiveInterval = interval
	}
}

// New assembles the pipeline. The chain resumes from the backend's last
// committed position so restarts keep the sequence gap-free.
func New(ctx context.Context, backend store.Backend, enr *enricher.Enricher, bufSize int, bufInterval time.Duration, logger *slog.Logger, chainOpts []chain.Option, opts ...Option) (*Service, error) {
	last, err := backend.LastState(ctx)
	if err != nil {
		return nil, fmt.Errorf("load chain state: %w", err)
	}
	state := chain.State{}
	if !last.Empty {
		state = chain.State{
			LastSequence: last.Sequence,
			LastHash:     last.Hash,
			Epoch:        last.Epoch,
		}
	}

	s := &Service{
		enricher: enr,
		chain:    chain.New(state, logger, chainOpts...),
		backend:  backend,
		logger:   logger.With("component", "audit_service"),
		tracer:   otel.Tracer("chronicle/audit"),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.buffer = buffer.New(s, bufSize, bufInterval, logger,
		buffer.WithFlushErrorHook(func(error) { s.metrics.IncrementFlushRetry() }),
	)
	return s, nil
}

// StoreBatch is the buffer's flush target. It delegates to the backend
// and, on success, mirrors the batch to the stream.
func (s *Service) StoreBatch(ctx context.Context, evs []*audit.Event) error {
	if err := s.backend.StoreBatch(ctx, evs); err != nil {
		return err
	}
	s.metrics.AddCommitted(len(evs))
	if s.announcer != nil {
		s.announcer.Announce(ctx, evs)
	}
	return nil
}

// Submit enriches, stamps, and buffers one event, returning the stored
// form with identity and integrity fields populated. Threshold alerts
// raised by the event are fed back through the same pipeline.
func (s *Service) Submit(ctx context.Context, raw *audit.Event) (*audit.Event, error) {
	ev, err := s.submitOne(ctx, raw)
	if err != nil {
		return nil, err
	}
	s.raiseAlerts(ctx, ev)
	return ev, nil
}

// SubmitBatch processes events in order, stopping at the first
// validation failure. Events accepted before the failure stay accepted.
func (s *Service) SubmitBatch(ctx context.Context, raws []*audit.Event) ([]*audit.Event, error) {
	out := make([]*audit.Event, 0, len(raws))
	for i, raw := range raws {
		ev, err := s.submitOne(ctx, raw)
		if err != nil {
			return out, fmt.Errorf("event %d: %w", i, err)
		}
		out = append(out, ev)
	}
	for _, ev := range out {
		s.raiseAlerts(ctx, ev)
	}
	return out, nil
}

func (s *Service) submitOne(ctx context.Context, raw *audit.Event) (*audit.Event, error) {
	ev, err := s.enricher.Enrich(raw)
	if err != nil {
		var verr *audit.ValidationError
		if errors.As(err, &verr) {
			s.metrics.IncrementRejected(verr.Field)
		}
		return nil, err
	}
	s.submitMu.Lock()
	err = s.chain.Stamp(ev)
	if err == nil {
		err = s.buffer.Add(ev)
	}
	s.submitMu.Unlock()
	if err != nil {
		return nil, err
	}
	s.metrics.IncrementSubmitted(string(ev.Type))
	return ev, nil
}

// raiseAlerts evaluates thresholds and resubmits any triggered alerts
// through the full pipeline so they are chained and stored like any
// other event. The evaluator's loop guard keeps alerts from cascading.
func (s *Service) raiseAlerts(ctx context.Context, ev *audit.Event) {
	if s.evaluator == nil {
		return
	}
	for _, alertEv := range s.evaluator.Evaluate(ctx, ev) {
		rule, _ := alertEv.Metadata["rule"].(string)
		s.metrics.IncrementAlert(rule)
		if _, err := s.submitOne(ctx, alertEv); err != nil {
			s.logger.Error("alert event rejected",
				"rule", rule,
				"trigger", ev.ID,
				"error", err,
			)
		}
	}
}

// Query flushes pending events and evaluates criteria against the
// backend, so callers read their own writes.
func (s *Service) Query(ctx context.Context, c audit.Criteria) ([]*audit.Event, error) {
	ctx, span := s.tracer.Start(ctx, "audit.query")
	defer span.End()

	start := time.Now()
	if err := s.buffer.Flush(ctx); err != nil {
		return nil, err
	}
	evs, err := s.backend.Query(ctx, c)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("results", len(evs)))
	s.metrics.ObserveQueryLatency(time.Since(start))
	return evs, nil
}

// GetByID returns one event, flushing first for read-your-writes.
func (s *Service) GetByID(ctx context.Context, id string) (*audit.Event, error) {
	if err := s.buffer.Flush(ctx); err != nil {
		return nil, err
	}
	return s.backend.GetByID(ctx, id)
}

// VerifyIntegrity re-checks hashes, links, and signatures. An empty id
// verifies the whole chain.
func (s *Service) VerifyIntegrity(ctx context.Context, id string) (*audit.VerificationResult, error) {
	ctx, span := s.tracer.Start(ctx, "audit.verify")
	defer span.End()

	if err := s.buffer.Flush(ctx); err != nil {
		return nil, err
	}
	result, err := s.backend.VerifyIntegrity(ctx, id)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.Bool("valid", result.Valid),
		attribute.Int("checked", result.Checked),
	)
	s.metrics.AddIntegrityViolations(len(result.Errors))

	// Keep the findings of the most recent run so statistics report
	// detected violations instead of only counting them.
	s.violationsMu.Lock()
	s.lastViolations = append([]string(nil), result.Errors...)
	s.violationsMu.Unlock()
	return result, nil
}

// Archive moves events older than cutoff to archive storage.
func (s *Service) Archive(ctx context.Context, cutoff time.Time) (*audit.ArchiveResult, error) {
	ctx, span := s.tracer.Start(ctx, "audit.archive")
	defer span.End()

	if err := s.buffer.Flush(ctx); err != nil {
		return nil, err
	}
	result, err := s.backend.Archive(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("archived", result.Archived))
	s.metrics.AddArchived(result.Archived)
	if len(result.Errors) > 0 {
		s.logger.Warn("archive run left segments behind",
			"error", &audit.ArchiveFailure{Archived: result.Archived, Errors: result.Errors},
		)
	}
	return result, nil
}

// Statistics merges backend counts with live pipeline state.
func (s *Service) Statistics(ctx context.Context) (*audit.Statistics, error) {
	stats, err := s.backend.Statistics(ctx)
	if err != nil {
		return nil, err
	}
	stats.BufferDepth = s.buffer.Depth()
	stats.FlushFailures = s.buffer.Failures()

	s.violationsMu.Lock()
	stats.IntegrityViolations = append([]string(nil), s.lastViolations...)
	s.violationsMu.Unlock()
	return stats, nil
}

// Run drives the buffer's flush loop and, when configured, the
// background archiver, until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := s.buffer.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if s.archiveInterval > 0 && s.archiveAfter > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(s.archiveInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					cutoff := time.Now().UTC().Add(-s.archiveAfter)
					result, err := s.Archive(ctx, cutoff)
					if err != nil {
						s.logger.Error("background archive failed", "error", err)
						continue
					}
					if result.Archived > 0 {
						s.logger.Info("archived events",
							"count", result.Archived,
							"cutoff", cutoff,
						)
					}
				}
			}
		})
	}

	return g.Wait()
}

// Close drains the buffer and releases the backend and stream. Events
// accepted before Close are durable when it returns without error.
func (s *Service) Close(ctx context.Context) error {
	var errs []error
	if err := s.buffer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("drain buffer: %w", err))
	}
	if s.announcer != nil {
		if err := s.announcer.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close backend: %w", err))
	}
	return errors.Join(errs...)
}
