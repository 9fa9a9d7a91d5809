package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/bos/core/pkg/canonical"
	"github.com/Mindburn-Labs/bos/core/pkg/clock"
	"github.com/Mindburn-Labs/bos/core/pkg/event"
)

// SQLiteStore persists the event log in SQLite. Append-only is
// enforced twice: the store never issues UPDATE or DELETE, and
// triggers abort any that reach the database another way.
type SQLiteStore struct {
	db    *sql.DB
	types TypeChecker
	clock clock.Clock

	mu    sync.Mutex
	locks map[string]*businessLock
}

type businessLock struct {
	mu       sync.Mutex
	lastRecv time.Time
	replay   bool
}

// NewSQLiteStore opens the store over an existing database handle and
// runs migrations.
func NewSQLiteStore(db *sql.DB, types TypeChecker, clk clock.Clock) (*SQLiteStore, error) {
	if clk == nil {
		clk = clock.System()
	}
	s := &SQLiteStore{
		db:    db,
		types: types,
		clock: clk,
		locks: make(map[string]*businessLock),
	}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
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
			payload             JSON NOT NULL,
			reference           JSON,
			created_at          TEXT NOT NULL,
			received_at         TEXT NOT NULL,
			status              TEXT NOT NULL,
			correction_of       TEXT,
			previous_event_hash TEXT NOT NULL,
			event_hash          TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_business_order
			ON events (business_id, received_at, event_id);`,
		`CREATE INDEX IF NOT EXISTS idx_events_business_type
			ON events (business_id, event_type);`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			business_id TEXT NOT NULL,
			key         TEXT NOT NULL,
			event_ids   JSON NOT NULL,
			PRIMARY KEY (business_id, key)
		);`,
		// Hard append-only: reject mutation at the engine level too.
		`CREATE TRIGGER IF NOT EXISTS events_no_update
			BEFORE UPDATE ON events
			BEGIN SELECT RAISE(ABORT, 'events are immutable'); END;`,
		`CREATE TRIGGER IF NOT EXISTS events_no_delete
			BEFORE DELETE ON events
			BEGIN SELECT RAISE(ABORT, 'events are immutable'); END;`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(context.Background(), stmt); err != nil {
			return fmt.Errorf("%w: migrate: %v", ErrUnavailable, err)
		}
	}
	return nil
}

func (s *SQLiteStore) lockFor(businessID string) *businessLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[businessID]
	if !ok {
		l = &businessLock{}
		s.locks[businessID] = l
	}
	return l
}

// Append implements EventStore.
func (s *SQLiteStore) Append(ctx context.Context, businessID string, events []*event.Event) ([]*event.Event, error) {
	if err := validateBatch(businessID, events, s.types); err != nil {
		return nil, err
	}

	l := s.lockFor(businessID)
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.replay {
		return nil, ErrReplayActive
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	fresh := make([]*event.Event, 0, len(events))
	result := make([]*event.Event, 0, len(events))
	for _, e := range events {
		stored, err := s.getByIDTx(ctx, tx, e.EventID)
		if err != nil {
			return nil, err
		}
		if stored == nil {
			fresh = append(fresh, e)
			result = append(result, e)
			continue
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

	tip, err := s.tipTx(ctx, tx, businessID)
	if err != nil {
		return nil, err
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

	if l.lastRecv.IsZero() {
		// First append since process start: recover the high-water mark
		// so received_at stays monotonic across restarts.
		var last sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT MAX(received_at) FROM events WHERE business_id = ?`, businessID).Scan(&last)
		if err != nil {
			return nil, fmt.Errorf("%w: high-water mark: %v", ErrUnavailable, err)
		}
		if last.Valid {
			if l.lastRecv, err = time.Parse(time.RFC3339Nano, last.String); err != nil {
				return nil, fmt.Errorf("%w: high-water mark decode: %v", ErrUnavailable, err)
			}
		}
	}

	now := s.clock.Now().UTC()
	if !now.After(l.lastRecv) {
		now = l.lastRecv.Add(time.Microsecond)
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
	l.lastRecv = fresh[len(fresh)-1].ReceivedAt
	return result, nil
}

func (s *SQLiteStore) insertTx(ctx context.Context, tx *sql.Tx, e *event.Event) error {
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
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EventID, e.EventType, e.EventVersion, e.BusinessID, nullable(e.BranchID),
		e.SourceEngine, string(e.ActorType), e.ActorID, e.CorrelationID, nullable(e.CausationID),
		string(payload), reference,
		e.CreatedAt.UTC().Format(sqlTimeLayout),
		e.ReceivedAt.UTC().Format(sqlTimeLayout),
		string(e.Status), nullable(e.CorrectionOf),
		e.PreviousEventHash, e.EventHash,
	)
	if err != nil {
		return fmt.Errorf("%w: insert: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) tipTx(ctx context.Context, tx *sql.Tx, businessID string) (string, error) {
	var hash string
	err := tx.QueryRowContext(ctx, `
		SELECT event_hash FROM events
		WHERE business_id = ?
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

func (s *SQLiteStore) getByIDTx(ctx context.Context, tx *sql.Tx, eventID string) (*event.Event, error) {
	row := tx.QueryRowContext(ctx, selectColumns+` FROM events WHERE event_id = ?`, eventID)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// Read implements EventStore.
func (s *SQLiteStore) Read(ctx context.Context, businessID string, opts ReadOptions) (Iterator, error) {
	query := selectColumns + ` FROM events WHERE business_id = ?`
	args := []any{businessID}

	if !opts.Since.IsZero() {
		query += ` AND received_at >= ?`
		args = append(args, opts.Since.UTC().Format(sqlTimeLayout))
	}
	if !opts.Until.IsZero() {
		query += ` AND received_at <= ?`
		args = append(args, opts.Until.UTC().Format(sqlTimeLayout))
	}
	if !opts.Cursor.IsZero() {
		query += ` AND (received_at > ? OR (received_at = ? AND event_id > ?))`
		ts := opts.Cursor.ReceivedAt.UTC().Format(sqlTimeLayout)
		args = append(args, ts, ts, opts.Cursor.EventID)
	}
	if len(opts.EventTypes) > 0 {
		query += ` AND event_type IN (`
		for i, t := range opts.EventTypes {
			if i > 0 {
				query += `, `
			}
			query += `?`
			args = append(args, t)
		}
		query += `)`
	}
	query += ` ORDER BY received_at ASC, event_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: read: %v", ErrUnavailable, err)
	}
	return &rowsIterator{rows: rows, cursor: opts.Cursor}, nil
}

// Tip implements EventStore.
func (s *SQLiteStore) Tip(ctx context.Context, businessID string) (string, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return "", fmt.Errorf("%w: begin: %v", ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()
	return s.tipTx(ctx, tx, businessID)
}

// ByIdempotencyKey implements EventStore.
func (s *SQLiteStore) ByIdempotencyKey(ctx context.Context, businessID, key string) ([]*event.Event, error) {
	if key == "" {
		return nil, nil
	}
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT event_ids FROM idempotency_keys WHERE business_id = ? AND key = ?`,
		businessID, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: idempotency lookup: %v", ErrUnavailable, err)
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("%w: idempotency decode: %v", ErrUnavailable, err)
	}
	out := make([]*event.Event, 0, len(ids))
	for _, id := range ids {
		row := s.db.QueryRowContext(ctx, selectColumns+` FROM events WHERE event_id = ?`, id)
		e, err := scanEvent(row)
		if err != nil {
			return nil, fmt.Errorf("%w: idempotency fetch: %v", ErrUnavailable, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// RecordIdempotencyKey implements EventStore.
func (s *SQLiteStore) RecordIdempotencyKey(ctx context.Context, businessID, key string, events []*event.Event) error {
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
		VALUES (?, ?, ?)
		ON CONFLICT (business_id, key) DO NOTHING`,
		businessID, key, string(raw))
	if err != nil {
		return fmt.Errorf("%w: idempotency record: %v", ErrUnavailable, err)
	}
	return nil
}

// VerifyChain implements EventStore.
func (s *SQLiteStore) VerifyChain(ctx context.Context, businessID string) error {
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

// BeginReplay implements EventStore.
func (s *SQLiteStore) BeginReplay(businessID string) (func(), error) {
	l := s.lockFor(businessID)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.replay {
		return nil, ErrReplayActive
	}
	l.replay = true
	return func() {
		l.mu.Lock()
		l.replay = false
		l.mu.Unlock()
	}, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// sqlTimeLayout is a fixed-width RFC 3339 form (nine fractional
// digits, always UTC). Fixed width keeps lexicographic string order in
// SQL identical to chronological order.
const sqlTimeLayout = "2006-01-02T15:04:05.000000000Z"

const selectColumns = `
	SELECT event_id, event_type, event_version, business_id, branch_id,
	       source_engine, actor_type, actor_id, correlation_id, causation_id,
	       payload, reference, created_at, received_at, status, correction_of,
	       previous_event_hash, event_hash`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*event.Event, error) {
	var (
		e                       event.Event
		branchID, causationID   sql.NullString
		correctionOf, reference sql.NullString
		payload                 string
		actorType, status       string
		createdAt, receivedAt   string
	)
	err := row.Scan(
		&e.EventID, &e.EventType, &e.EventVersion, &e.BusinessID, &branchID,
		&e.SourceEngine, &actorType, &e.ActorID, &e.CorrelationID, &causationID,
		&payload, &reference, &createdAt, &receivedAt, &status, &correctionOf,
		&e.PreviousEventHash, &e.EventHash,
	)
	if err != nil {
		return nil, err
	}
	e.BranchID = branchID.String
	e.CausationID = causationID.String
	e.CorrectionOf = correctionOf.String
	e.ActorType = event.ActorType(actorType)
	e.Status = event.Status(status)
	if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
		return nil, fmt.Errorf("%w: payload decode: %v", ErrUnavailable, err)
	}
	if reference.Valid {
		var ref event.Reference
		if err := json.Unmarshal([]byte(reference.String), &ref); err != nil {
			return nil, fmt.Errorf("%w: reference decode: %v", ErrUnavailable, err)
		}
		e.Reference = &ref
	}
	if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("%w: created_at decode: %v", ErrUnavailable, err)
	}
	if e.ReceivedAt, err = time.Parse(time.RFC3339Nano, receivedAt); err != nil {
		return nil, fmt.Errorf("%w: received_at decode: %v", ErrUnavailable, err)
	}
	return &e, nil
}

// rowsIterator streams SQL rows as events.
type rowsIterator struct {
	rows   *sql.Rows
	cursor Cursor
	err    error
}

func (it *rowsIterator) Next() (*event.Event, bool) {
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

func (it *rowsIterator) Err() error     { return it.err }
func (it *rowsIterator) Cursor() Cursor { return it.cursor }
func (it *rowsIterator) Close() error   { return it.rows.Close() }
