package postgres

// Schema for the structured store. Immutability is enforced at the
// storage layer: a trigger rejects UPDATE and DELETE on committed rows.
// Archival is the one sanctioned exception: it runs inside a
// transaction that sets the chronicle.allow_archival GUC, copies rows
// into the archive table, and only then deletes them from the active
// table, so rows are never lost mid-move.
//
// The payload column holds the exact JSON bytes of the event; checksum
// is the sha256 over those bytes, recomputed during verification. The
// typed columns exist for query pushdown and stay denormalized copies of
// the payload.
const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
    id              TEXT PRIMARY KEY,
    event_type      TEXT NOT NULL,
    severity        TEXT NOT NULL,
    outcome         TEXT NOT NULL,
    action          TEXT NOT NULL,
    ts              TIMESTAMPTZ NOT NULL,
    actor_id        TEXT NOT NULL,
    classification  TEXT NOT NULL,
    community_ids   TEXT[] NOT NULL DEFAULT '{}',
    sequence        BIGINT NOT NULL DEFAULT 0,
    epoch           TEXT NOT NULL DEFAULT '',
    hash            TEXT NOT NULL,
    prev_hash       TEXT NOT NULL DEFAULT '',
    payload         TEXT NOT NULL,
    checksum        TEXT NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS audit_events_archive (
    LIKE audit_events INCLUDING ALL
);

CREATE INDEX IF NOT EXISTS audit_events_ts_idx        ON audit_events (ts DESC);
CREATE INDEX IF NOT EXISTS audit_events_type_idx      ON audit_events (event_type);
CREATE INDEX IF NOT EXISTS audit_events_severity_idx  ON audit_events (severity);
CREATE INDEX IF NOT EXISTS audit_events_actor_idx     ON audit_events (actor_id);
CREATE INDEX IF NOT EXISTS audit_events_sequence_idx  ON audit_events (sequence);
CREATE INDEX IF NOT EXISTS audit_events_community_idx ON audit_events USING GIN (community_ids);

CREATE OR REPLACE FUNCTION chronicle_reject_mutation() RETURNS trigger AS $$
BEGIN
    IF TG_OP = 'DELETE' AND current_setting('chronicle.allow_archival', true) = 'on' THEN
        RETURN OLD;
    END IF;
    RAISE EXCEPTION 'audit events are immutable (% on %)', TG_OP, TG_TABLE_NAME;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS audit_events_immutable ON audit_events;
CREATE TRIGGER audit_events_immutable
    BEFORE UPDATE OR DELETE ON audit_events
    FOR EACH ROW EXECUTE FUNCTION chronicle_reject_mutation();

DROP TRIGGER IF EXISTS audit_events_archive_immutable ON audit_events_archive;
CREATE TRIGGER audit_events_archive_immutable
    BEFORE UPDATE OR DELETE ON audit_events_archive
    FOR EACH ROW EXECUTE FUNCTION chronicle_reject_mutation();
`
