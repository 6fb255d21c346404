// Package postgres implements the structured store: one wide row per
// event, immutability enforced by trigger, and a parallel archive table
// of identical shape for relocated rows. Filtering, sorting and
// pagination are pushed down to SQL; the results match the file segment
// store for the same criteria.
package postgres

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"chronicle/internal/audit"
	"chronicle/internal/audit/chain"
	"chronicle/internal/audit/store"
	"chronicle/pkg/platform/sentinel"
)

const selectColumns = "id, sequence, payload, checksum"

// Store is the PostgreSQL backend.
type Store struct {
	db       *sql.DB
	verifier *chain.Verifier
	logger   *slog.Logger
}

// Open verifies connectivity, applies the schema, and returns the store.
func Open(ctx context.Context, db *sql.DB, verifier *chain.Verifier, logger *slog.Logger) (*Store, error) {
	if verifier == nil {
		verifier = chain.NewVerifier(nil, true)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, &audit.BackendUnavailable{Backend: "postgres", Err: err}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{
		db:       db,
		verifier: verifier,
		logger:   logger.With("component", "postgres_store"),
	}, nil
}

func (s *Store) Store(ctx context.Context, ev *audit.Event) error {
	return s.StoreBatch(ctx, []*audit.Event{ev})
}

// StoreBatch inserts events in order inside one transaction so a failed
// flush leaves no partial batch behind.
func (s *Store) StoreBatch(ctx context.Context, evs []*audit.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &audit.BackendUnavailable{Backend: "postgres", Err: err}
	}
	defer tx.Rollback()

	const insert = `
		INSERT INTO audit_events (
			id, event_type, severity, outcome, action, ts, actor_id,
			classification, community_ids, sequence, epoch, hash,
			prev_hash, payload, checksum
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING
	`
	for _, ev := range evs {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", ev.ID, err)
		}
		sum := sha256.Sum256(payload)

		var seq uint64
		var epoch, hash, prevHash string
		if ev.Integrity != nil {
			seq = ev.Integrity.Sequence
			epoch = ev.Integrity.Epoch
			hash = ev.Integrity.Hash
			prevHash = ev.Integrity.PreviousHash
		}
		_, err = tx.ExecContext(ctx, insert,
			ev.ID,
			string(ev.Type),
			string(ev.Severity),
			string(ev.Outcome),
			ev.Action,
			ev.Timestamp,
			ev.Actor.ID,
			string(ev.Security.Classification),
			pq.Array(ev.CommunityIDs()),
			int64(seq),
			epoch,
			hash,
			prevHash,
			string(payload),
			hex.EncodeToString(sum[:]),
		)
		if err != nil {
			return &audit.BackendUnavailable{Backend: "postgres", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &audit.BackendUnavailable{Backend: "postgres", Err: err}
	}
	return nil
}

func (s *Store) Query(ctx context.Context, c audit.Criteria) ([]*audit.Event, error) {
	c = c.Normalize()

	where, args := buildWhere(c)
	order := buildOrder(c)

	// Active rows only by default; the archive joins in on request.
	from := "audit_events"
	if c.IncludeArchived {
		from = `(
			SELECT * FROM audit_events
			UNION ALL
			SELECT * FROM audit_events_archive
		) all_events`
	}
	q := fmt.Sprintf(`
		SELECT %s FROM %s
		%s
		%s`, selectColumns, from, where, order)

	if c.Limit > 0 {
		args = append(args, c.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if c.Offset > 0 {
		args = append(args, c.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *Store) GetByID(ctx context.Context, id string) (*audit.Event, error) {
	q := fmt.Sprintf(`
		SELECT %s FROM (
			SELECT * FROM audit_events
			UNION ALL
			SELECT * FROM audit_events_archive
		) all_events
		WHERE id = $1`, selectColumns)

	row := s.db.QueryRowContext(ctx, q, id)
	ev, _, _, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", id, err)
	}
	return ev, nil
}

// Archive moves rows older than the cutoff into the archive table inside
// one transaction. The immutability trigger admits the delete only while
// chronicle.allow_archival is set, and the insert precedes the delete,
// so the active store can never lose rows that the archive has not
// recorded.
func (s *Store) Archive(ctx context.Context, cutoff time.Time) (*audit.ArchiveResult, error) {
	result := &audit.ArchiveResult{}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &audit.BackendUnavailable{Backend: "postgres", Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SET LOCAL chronicle.allow_archival = 'on'`); err != nil {
		return nil, fmt.Errorf("enable archival: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO audit_events_archive
		SELECT * FROM audit_events WHERE ts < $1
		ON CONFLICT (id) DO NOTHING`, cutoff)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("copy to archive: %v", err))
		return result, nil
	}
	moved, _ := res.RowsAffected()
	if _, err := tx.ExecContext(ctx, `DELETE FROM audit_events WHERE ts < $1`, cutoff); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("remove archived rows: %v", err))
		return result, nil
	}
	if err := tx.Commit(); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("commit archive: %v", err))
		return result, nil
	}
	result.Archived = int(moved)
	s.logger.Info("rows archived", "count", moved)
	return result, nil
}

func (s *Store) LastState(ctx context.Context) (store.LastState, error) {
	q := fmt.Sprintf(`
		SELECT %s FROM (
			SELECT * FROM audit_events
			UNION ALL
			SELECT * FROM audit_events_archive
		) all_events
		ORDER BY sequence DESC
		LIMIT 1`, selectColumns)

	row := s.db.QueryRowContext(ctx, q)
	ev, _, _, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.LastState{Empty: true}, nil
	}
	if err != nil {
		return store.LastState{}, fmt.Errorf("load last state: %w", err)
	}
	if ev.Integrity == nil {
		return store.LastState{Empty: true}, nil
	}
	return store.LastState{
		Sequence: ev.Integrity.Sequence,
		Hash:     ev.Integrity.Hash,
		Epoch:    ev.Integrity.Epoch,
	}, nil
}

func (s *Store) Statistics(ctx context.Context) (*audit.Statistics, error) {
	stats := &audit.Statistics{
		ByType:     make(map[string]int64),
		BySeverity: make(map[string]int64),
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT count(*) FROM audit_events) + (SELECT count(*) FROM audit_events_archive),
			(SELECT count(*) FROM audit_events WHERE ts > now() - interval '1 day'),
			(SELECT count(*) FROM audit_events WHERE ts > now() - interval '7 days'),
			(SELECT count(*) FROM audit_events_archive)
	`).Scan(&stats.Total, &stats.Today, &stats.ThisWeek, &stats.Archived)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_type, severity, count(*) FROM (
			SELECT event_type, severity FROM audit_events
			UNION ALL
			SELECT event_type, severity FROM audit_events_archive
		) all_events
		GROUP BY event_type, severity`)
	if err != nil {
		return nil, fmt.Errorf("aggregate events: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var typ, sev string
		var n int64
		if err := rows.Scan(&typ, &sev, &n); err != nil {
			return nil, fmt.Errorf("scan aggregate: %w", err)
		}
		stats.ByType[typ] += n
		stats.BySeverity[sev] += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate aggregates: %w", err)
	}

	var oldest, newest sql.NullTime
	err = s.db.QueryRowContext(ctx, `
		SELECT min(ts), max(ts) FROM (
			SELECT ts FROM audit_events
			UNION ALL
			SELECT ts FROM audit_events_archive
		) all_events`).Scan(&oldest, &newest)
	if err != nil {
		return nil, fmt.Errorf("event time range: %w", err)
	}
	if oldest.Valid {
		stats.OldestEvent = &oldest.Time
	}
	if newest.Valid {
		stats.NewestEvent = &newest.Time
	}
	return stats, nil
}

func (s *Store) Close() error { return s.db.Close() }

// buildWhere translates criteria into a WHERE clause. Every dimension
// maps onto a typed column, so the predicate runs entirely in SQL.
func buildWhere(c audit.Criteria) (string, []any) {
	var conds []string
	var args []any

	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if len(c.Types) > 0 {
		add("event_type = ANY($%d)", pq.Array(typeStrings(c.Types)))
	}
	if len(c.Severities) > 0 {
		add("severity = ANY($%d)", pq.Array(severityStrings(c.Severities)))
	}
	if len(c.Outcomes) > 0 {
		add("outcome = ANY($%d)", pq.Array(outcomeStrings(c.Outcomes)))
	}
	if len(c.ActorIDs) > 0 {
		add("actor_id = ANY($%d)", pq.Array(c.ActorIDs))
	}
	if !c.From.IsZero() {
		add("ts >= $%d", c.From)
	}
	if !c.To.IsZero() {
		add("ts <= $%d", c.To)
	}
	if len(c.Classifications) > 0 {
		add("classification = ANY($%d)", pq.Array(classificationStrings(c.Classifications)))
	}
	if len(c.CommunityIDs) > 0 {
		add("community_ids && $%d", pq.Array(c.CommunityIDs))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

func buildOrder(c audit.Criteria) string {
	dir := "DESC"
	if c.SortOrder == audit.SortAsc {
		dir = "ASC"
	}
	switch c.SortBy {
	case audit.SortBySeverity:
		// Rank severities the same way the in-memory query engine does.
		return fmt.Sprintf(`ORDER BY CASE severity
			WHEN 'critical' THEN 4
			WHEN 'high' THEN 3
			WHEN 'medium' THEN 2
			WHEN 'low' THEN 1
			ELSE 0 END %s, sequence %s`, dir, dir)
	case audit.SortByType:
		return fmt.Sprintf("ORDER BY event_type %s, sequence %s", dir, dir)
	default:
		return fmt.Sprintf("ORDER BY ts %s, sequence %s", dir, dir)
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanEvent decodes one row into the event plus the stored payload bytes
// and checksum, so verification can digest exactly what storage holds.
func scanEvent(row rowScanner) (*audit.Event, string, string, error) {
	var (
		id, payload, checksum string
		seq                   int64
	)
	if err := row.Scan(&id, &seq, &payload, &checksum); err != nil {
		return nil, "", "", err
	}
	var ev audit.Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return nil, "", "", fmt.Errorf("decode event %s: %w", id, err)
	}
	return &ev, payload, checksum, nil
}

func scanEvents(rows *sql.Rows) ([]*audit.Event, error) {
	var evs []*audit.Event
	for rows.Next() {
		ev, _, _, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		evs = append(evs, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return evs, nil
}

func typeStrings(in []audit.EventType) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}

func severityStrings(in []audit.Severity) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}

func outcomeStrings(in []audit.Outcome) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}

func classificationStrings(in []audit.Classification) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}
