package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/lib/pq"

	"github.com/Mindburn-Labs/bos/core/pkg/canonical"
	"github.com/Mindburn-Labs/bos/core/pkg/clock"
	"github.com/Mindburn-Labs/bos/core/pkg/event"
)

// PostgresStore persists the event log in PostgreSQL. Per-business
// serialization uses transaction-scoped advisory locks, so several
// kernel processes can share one database without racing a chain tip.
type PostgresStore struct {
	db    *sql.DB
	types TypeChecker
	clock clock.Clock
}

// NewPostgresStore opens the store over an existing database handle
// and runs migrations.
func NewPostgresStore(db *sql.DB, types TypeChecker, clk clock.Clock) (*PostgresStore, error) {
	if clk == nil {
		clk = clock.System()
	}
	s := &PostgresStore{db: db, types: types, clock: clk}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			event_id            TEXT PRIMARY KEY,
			event_type          TEXT NOT NULL,
			event_version       INTEGER NOT NULL,
			business_id         TEXT NOT NULL,
			branch_id           TEXT,
			source_engine       TEXT NOT NULL,
			actor_type          TEXT NOT NULL,
			actor_id            TEXT NOT NULL,
			correlation_id      TEXT NOT NULL,
			causation_id        TEXT,
			payload             JSONB NOT NULL,
			reference           JSONB,
			created_at          TIMESTAMPTZ NOT NULL,
			received_at         TIMESTAMPTZ NOT NULL,
			status              TEXT NOT NULL,
			correction_of       TEXT,
			previous_event_hash TEXT NOT NULL,
			event_hash          TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_business_order
			ON events (business_id, received_at, event_id)`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			business_id TEXT NOT NULL,
			key         TEXT NOT NULL,
			event_ids   JSONB NOT NULL,
			PRIMARY KEY (business_id, key)
		)`,
		`CREATE TABLE IF NOT EXISTS replay_leases (business_id TEXT PRIMARY KEY)`,
		`CREATE OR REPLACE FUNCTION events_immutable() RETURNS trigger AS $$
			BEGIN RAISE EXCEPTION 'events are immutable'; END;
		$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS events_no_mutation ON events`,
		`CREATE TRIGGER events_no_mutation
			BEFORE UPDATE OR DELETE ON events
			FOR EACH ROW EXECUTE FUNCTION events_immutable()`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(context.Background(), stmt); err != nil {
			return fmt.Errorf("%w: migrate: %v", ErrUnavailable, err)
		}
	}
	return nil
}

// businessLockKey folds a business id into the advisory-lock keyspace.
func businessLockKey(businessID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(businessID))
	return int64(h.Sum64())
}

// Append implements EventStore.
func (s *PostgresStore) Append(ctx context.Context, businessID string, events []*event.Event) ([]*event.Event, error) {
	if err := validateBatch(businessID, events, s.types); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	// One writer per business, across every process sharing the
	// database. Released automatically at commit or rollback.
	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock($1)`, businessLockKey(businessID)); err != nil {
		return nil, fmt.Errorf("%w: lock: %v", ErrUnavailable, err)
	}

	var replaying bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM replay_leases WHERE business_id = $1)`, businessID).Scan(&replaying); err != nil {
		return nil, fmt.Errorf("%w: replay check: %v", ErrUnavailable, err)
	}
	if replaying {
		return nil, ErrReplayActive
	}

	fresh := make([]*event.Event, 0, len(events))
	result := make([]*event.Event, 0, len(events))
	for _, e := range events {
		row := tx.QueryRowContext(ctx, pgSelectColumns+` FROM events WHERE event_id = $1`, e.EventID)
		stored, scanErr := scanEvent(row)
		if scanErr == sql.ErrNoRows {
			fresh = append(fresh, e)
			result = append(result, e)
			continue
		}
		if scanErr != nil {
			return nil, fmt.Errorf("%w: lookup: %v", ErrUnavailable, scanErr)
		}
		if stored.BusinessID != businessID {
			return nil, fmt.Errorf("%w: event %s", ErrIdempotencyConflict, e.EventID)
		}
		same, err := samePayload(stored, e)
		if err != nil {
			return nil, err
		}
		if !same {
			return nil, fmt.Errorf("%w: event %s", ErrIdempotencyConflict, e.EventID)
		}
		result = append(result, stored)
	}
	if len(fresh) == 0 {
		return result, nil
	}

	var tip string
	err = tx.QueryRowContext(ctx, `
		SELECT event_hash FROM events
		WHERE business_id = $1
		ORDER BY received_at DESC, event_id DESC
		LIMIT 1`, businessID).Scan(&tip)
	if err == sql.ErrNoRows {
		tip = canonical.GenesisHash
	} else if err != nil {
		return nil, fmt.Errorf("%w: tip: %v", ErrUnavailable, err)
	}

	prev := tip
	for _, e := range fresh {
		if e.PreviousEventHash != prev {
			return nil, fmt.Errorf("%w: event %s expects tip %s, chain at %s",
				ErrChainMismatch, e.EventID, e.PreviousEventHash, prev)
		}
		if err := e.VerifyHash(); err != nil {
			return nil, err
		}
		prev = e.EventHash
	}

	var last sql.NullTime
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(received_at) FROM events WHERE business_id = $1`, businessID).Scan(&last); err != nil {
		return nil, fmt.Errorf("%w: high-water mark: %v", ErrUnavailable, err)
	}
	now := s.clock.Now().UTC()
	if last.Valid && !now.After(last.Time) {
		now = last.Time.Add(time.Microsecond)
	}

	for i, e := range fresh {
		e.ReceivedAt = now.Add(time.Duration(i) * time.Microsecond)
		if err := s.insertTx(ctx, tx, e); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", ErrUnavailable, err)
	}
	return result, nil
}

func (s *PostgresStore) insertTx(ctx context.Context, tx *sql.Tx, e *event.Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", canonical.ErrEncoding, err)
	}
	var reference any
	if e.Reference != nil {
		b, err := json.Marshal(e.Reference)
		if err != nil {
			return fmt.Errorf("%w: %v", canonical.ErrEncoding, err)
		}
		reference = string(b)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (
			event_id, event_type, event_version, business_id, branch_id,
			source_engine, actor_type, actor_id, correlation_id, causation_id,
			payload, reference, created_at, received_at, status, correction_of,
			previous_event_hash, event_hash
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		e.EventID, e.EventType, e.EventVersion, e.BusinessID, nullable(e.BranchID),
		e.SourceEngine, string(e.ActorType), e.ActorID, e.CorrelationID, nullable(e.CausationID),
		string(payload), reference, e.CreatedAt.UTC(), e.ReceivedAt.UTC(),
		string(e.Status), nullable(e.CorrectionOf),
		e.PreviousEventHash, e.EventHash,
	)
	if err != nil {
		return fmt.Errorf("%w: insert: %v", ErrUnavailable, err)
	}
	return nil
}

// Read implements EventStore.
func (s *PostgresStore) Read(ctx context.Context, businessID string, opts ReadOptions) (Iterator, error) {
	query := pgSelectColumns + ` FROM events WHERE business_id = $1`
	args := []any{businessID}
	n := 1

	next := func() string { n++; return fmt.Sprintf("$%d", n) }

	if !opts.Since.IsZero() {
		query += ` AND received_at >= ` + next()
		args = append(args, opts.Since.UTC())
	}
	if !opts.Until.IsZero() {
		query += ` AND received_at <= ` + next()
		args = append(args, opts.Until.UTC())
	}
	if !opts.Cursor.IsZero() {
		tsArg := next()
		idArg := next()
		query += fmt.Sprintf(` AND (received_at, event_id) > (%s::timestamptz, %s)`, tsArg, idArg)
		args = append(args, opts.Cursor.ReceivedAt.UTC(), opts.Cursor.EventID)
	}
	if len(opts.EventTypes) > 0 {
		query += ` AND event_type = ANY(` + next() + `::text[])`
		args = append(args, pq.Array(opts.EventTypes))
	}
	query += ` ORDER BY received_at ASC, event_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: read: %v", ErrUnavailable, err)
	}
	return &pgRowsIterator{rows: rows, cursor: opts.Cursor}, nil
}

// Tip implements EventStore.
func (s *PostgresStore) Tip(ctx context.Context, businessID string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `
		SELECT event_hash FROM events
		WHERE business_id = $1
		ORDER BY received_at DESC, event_id DESC
		LIMIT 1`, businessID).Scan(&hash)
	if err == sql.ErrNoRows {
		return canonical.GenesisHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: tip: %v", ErrUnavailable, err)
	}
	return hash, nil
}

// ByIdempotencyKey implements EventStore.
func (s *PostgresStore) ByIdempotencyKey(ctx context.Context, businessID, key string) ([]*event.Event, error) {
	if key == "" {
		return nil, nil
	}
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT event_ids FROM idempotency_keys WHERE business_id = $1 AND key = $2`,
		businessID, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: idempotency lookup: %v", ErrUnavailable, err)
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("%w: idempotency decode: %v", ErrUnavailable, err)
	}
	out := make([]*event.Event, 0, len(ids))
	for _, id := range ids {
		row := s.db.QueryRowContext(ctx, pgSelectColumns+` FROM events WHERE event_id = $1`, id)
		e, err := scanEvent(row)
		if err != nil {
			return nil, fmt.Errorf("%w: idempotency fetch: %v", ErrUnavailable, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// RecordIdempotencyKey implements EventStore.
func (s *PostgresStore) RecordIdempotencyKey(ctx context.Context, businessID, key string, events []*event.Event) error {
	if key == "" {
		return nil
	}
	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.EventID
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("%w: %v", canonical.ErrEncoding, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (business_id, key, event_ids)
		VALUES ($1, $2, $3)
		ON CONFLICT (business_id, key) DO NOTHING`,
		businessID, key, raw)
	if err != nil {
		return fmt.Errorf("%w: idempotency record: %v", ErrUnavailable, err)
	}
	return nil
}

// VerifyChain implements EventStore.
func (s *PostgresStore) VerifyChain(ctx context.Context, businessID string) error {
	it, err := s.Read(ctx, businessID, ReadOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = it.Close() }()

	prev := canonical.GenesisHash
	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		if e.PreviousEventHash != prev {
			return fmt.Errorf("%w: event %s breaks the chain", ErrChainMismatch, e.EventID)
		}
		if err := e.VerifyHash(); err != nil {
			return err
		}
		prev = e.EventHash
	}
	return it.Err()
}

// BeginReplay implements EventStore. The lease table makes the replay
// visible to every process sharing the database.
func (s *PostgresStore) BeginReplay(businessID string) (func(), error) {
	ctx := context.Background()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO replay_leases (business_id) VALUES ($1)
		ON CONFLICT (business_id) DO NOTHING`, businessID)
	if err != nil {
		return nil, fmt.Errorf("%w: replay lease: %v", ErrUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrReplayActive
	}
	return func() {
		_, _ = s.db.ExecContext(context.Background(),
			`DELETE FROM replay_leases WHERE business_id = $1`, businessID)
	}, nil
}

const pgSelectColumns = `
	SELECT event_id, event_type, event_version, business_id, branch_id,
	       source_engine, actor_type, actor_id, correlation_id, causation_id,
	       payload::text, reference::text,
	       to_char(created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS.US"Z"'),
	       to_char(received_at AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS.US"Z"'),
	       status, correction_of, previous_event_hash, event_hash`

type pgRowsIterator struct {
	rows   *sql.Rows
	cursor Cursor
	err    error
}

func (it *pgRowsIterator) Next() (*event.Event, bool) {
	if it.err != nil || !it.rows.Next() {
		if it.err == nil {
			it.err = it.rows.Err()
		}
		return nil, false
	}
	e, err := scanEvent(it.rows)
	if err != nil {
		it.err = err
		return nil, false
	}
	it.cursor = Cursor{ReceivedAt: e.ReceivedAt, EventID: e.EventID}
	return e, true
}

func (it *pgRowsIterator) Err() error     { return it.err }
func (it *pgRowsIterator) Cursor() Cursor { return it.cursor }
func (it *pgRowsIterator) Close() error   { return it.rows.Close() }
