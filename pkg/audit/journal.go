// Package audit keeps the append-only evidence journal: audit
// entries, consent records, and AI decision entries. Nothing in the
// journal is ever updated or deleted; consent revocation is a new
// record pointing at the one it supersedes.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/bos/core/pkg/clock"
)

// EntryType categorizes journal entries.
type EntryType string

const (
	EntryAccess   EntryType = "ACCESS"
	EntryMutation EntryType = "MUTATION"
	EntrySystem   EntryType = "SYSTEM"
	EntryPolicy   EntryType = "POLICY"
)

// Entry is one audit record, tenant-scoped.
type Entry struct {
	ID         string         `json:"id"`
	BusinessID string         `json:"business_id"`
	ActorID    string         `json:"actor_id"`
	Type       EntryType      `json:"type"`
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Timestamp  time.Time      `json:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ConsentRecord captures a grant or revocation of consent. A
// revocation references the grant it supersedes via SupersedesID.
type ConsentRecord struct {
	ID           string    `json:"id"`
	BusinessID   string    `json:"business_id"`
	SubjectID    string    `json:"subject_id"`
	Purpose      string    `json:"purpose"`
	Granted      bool      `json:"granted"`
	SupersedesID string    `json:"supersedes_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// DecisionMode is how much autonomy the AI had for a decision.
type DecisionMode string

const (
	ModeAdvisory   DecisionMode = "ADVISORY"
	ModeAssisted   DecisionMode = "ASSISTED"
	ModeAutonomous DecisionMode = "AUTONOMOUS"
)

// DecisionEntry records one AI advisory and what became of it.
type DecisionEntry struct {
	ID         string         `json:"id"`
	BusinessID string         `json:"business_id"`
	AdvisorID  string         `json:"advisor_id"`
	Mode       DecisionMode   `json:"mode"`
	Advisory   map[string]any `json:"advisory"`
	Outcome    string         `json:"outcome"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Journal is the append-only evidence store.
type Journal interface {
	Record(ctx context.Context, e Entry) error
	RecordConsent(ctx context.Context, c ConsentRecord) error
	RecordDecision(ctx context.Context, d DecisionEntry) error
	// Entries returns a business's audit entries in record order.
	Entries(ctx context.Context, businessID string) ([]Entry, error)
}

// WriterJournal writes JSON lines to an injected writer, prefixed for
// easy filtering. It is the development sink; production uses the
// SQLite journal.
type WriterJournal struct {
	mu    sync.Mutex
	w     io.Writer
	clock clock.Clock

	entries map[string][]Entry
}

// NewWriterJournal creates a journal writing to w (stdout when nil).
func NewWriterJournal(w io.Writer, clk clock.Clock) *WriterJournal {
	if w == nil {
		w = os.Stdout
	}
	if clk == nil {
		clk = clock.System()
	}
	return &WriterJournal{w: w, clock: clk, entries: make(map[string][]Entry)}
}

// Record implements Journal.
func (j *WriterJournal) Record(ctx context.Context, e Entry) error {
	j.stamp(&e.ID, &e.Timestamp)
	j.mu.Lock()
	j.entries[e.BusinessID] = append(j.entries[e.BusinessID], e)
	j.mu.Unlock()
	return j.writeLine("AUDIT", e)
}

// RecordConsent implements Journal.
func (j *WriterJournal) RecordConsent(ctx context.Context, c ConsentRecord) error {
	j.stamp(&c.ID, &c.Timestamp)
	return j.writeLine("CONSENT", c)
}

// RecordDecision implements Journal.
func (j *WriterJournal) RecordDecision(ctx context.Context, d DecisionEntry) error {
	j.stamp(&d.ID, &d.Timestamp)
	return j.writeLine("AI_DECISION", d)
}

// Entries implements Journal.
func (j *WriterJournal) Entries(ctx context.Context, businessID string) ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Entry, len(j.entries[businessID]))
	copy(out, j.entries[businessID])
	return out, nil
}

func (j *WriterJournal) stamp(id *string, ts *time.Time) {
	if *id == "" {
		*id = uuid.NewString()
	}
	if ts.IsZero() {
		*ts = j.clock.Now()
	}
}

func (j *WriterJournal) writeLine(prefix string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err = fmt.Fprintf(j.w, "%s: %s\n", prefix, raw)
	return err
}

// SQLiteJournal persists the journal in SQLite, INSERT-only.
type SQLiteJournal struct {
	db    *sql.DB
	clock clock.Clock
}

// NewSQLiteJournal opens the journal and runs migrations.
func NewSQLiteJournal(db *sql.DB, clk clock.Clock) (*SQLiteJournal, error) {
	if clk == nil {
		clk = clock.System()
	}
	j := &SQLiteJournal{db: db, clock: clk}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS audit_entries (
			id          TEXT PRIMARY KEY,
			business_id TEXT NOT NULL,
			actor_id    TEXT NOT NULL,
			entry_type  TEXT NOT NULL,
			action      TEXT NOT NULL,
			resource    TEXT NOT NULL,
			timestamp   TEXT NOT NULL,
			metadata    JSON
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_business
			ON audit_entries (business_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS consent_records (
			id            TEXT PRIMARY KEY,
			business_id   TEXT NOT NULL,
			subject_id    TEXT NOT NULL,
			purpose       TEXT NOT NULL,
			granted       INTEGER NOT NULL,
			supersedes_id TEXT,
			timestamp     TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ai_decisions (
			id          TEXT PRIMARY KEY,
			business_id TEXT NOT NULL,
			advisor_id  TEXT NOT NULL,
			mode        TEXT NOT NULL,
			advisory    JSON NOT NULL,
			outcome     TEXT NOT NULL,
			timestamp   TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(context.Background(), stmt); err != nil {
			return nil, fmt.Errorf("audit: migrate: %w", err)
		}
	}
	return j, nil
}

// Record implements Journal.
func (j *SQLiteJournal) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = j.clock.Now()
	}
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("audit: metadata: %w", err)
	}
	_, err = j.db.ExecContext(ctx, `
		INSERT INTO audit_entries (id, business_id, actor_id, entry_type, action, resource, timestamp, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.BusinessID, e.ActorID, string(e.Type), e.Action, e.Resource,
		e.Timestamp.UTC().Format(time.RFC3339Nano), string(meta))
	return err
}

// RecordConsent implements Journal.
func (j *SQLiteJournal) RecordConsent(ctx context.Context, c ConsentRecord) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = j.clock.Now()
	}
	granted := 0
	if c.Granted {
		granted = 1
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO consent_records (id, business_id, subject_id, purpose, granted, supersedes_id, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.BusinessID, c.SubjectID, c.Purpose, granted,
		c.SupersedesID, c.Timestamp.UTC().Format(time.RFC3339Nano))
	return err
}

// RecordDecision implements Journal.
func (j *SQLiteJournal) RecordDecision(ctx context.Context, d DecisionEntry) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = j.clock.Now()
	}
	advisory, err := json.Marshal(d.Advisory)
	if err != nil {
		return fmt.Errorf("audit: advisory: %w", err)
	}
	_, err = j.db.ExecContext(ctx, `
		INSERT INTO ai_decisions (id, business_id, advisor_id, mode, advisory, outcome, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.BusinessID, d.AdvisorID, string(d.Mode), string(advisory),
		d.Outcome, d.Timestamp.UTC().Format(time.RFC3339Nano))
	return err
}

// Entries implements Journal.
func (j *SQLiteJournal) Entries(ctx context.Context, businessID string) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, business_id, actor_id, entry_type, action, resource, timestamp, metadata
		FROM audit_entries WHERE business_id = ?
		ORDER BY timestamp ASC, id ASC`, businessID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var (
			e         Entry
			entryType string
			ts        string
			meta      sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.BusinessID, &e.ActorID, &entryType, &e.Action, &e.Resource, &ts, &meta); err != nil {
			return nil, err
		}
		e.Type = EntryType(entryType)
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, err
		}
		if meta.Valid && meta.String != "null" {
			if err := json.Unmarshal([]byte(meta.String), &e.Metadata); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
