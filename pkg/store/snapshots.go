package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Snapshot is an append-only capture of a projection's state at a
// cursor. Snapshots are disposable; the log is authoritative.
type Snapshot struct {
	ProjectionName string `json:"projection_name"`
	BusinessID     string `json:"business_id"`
	Cursor         Cursor `json:"cursor"`
	Bytes          []byte `json:"bytes"`
}

// SnapshotStore persists snapshots. Append-only: there is no delete,
// and a newer snapshot never replaces an older row.
type SnapshotStore interface {
	// Save appends a snapshot.
	Save(ctx context.Context, snap Snapshot) error
	// Latest returns the newest snapshot for the projection/business
	// whose cursor is at or before the target. A zero target means the
	// newest overall. Returns nil when none qualifies.
	Latest(ctx context.Context, projectionName, businessID string, target Cursor) (*Snapshot, error)
}

// MemorySnapshotStore is the in-memory snapshot store.
type MemorySnapshotStore struct {
	mu    sync.Mutex
	snaps []Snapshot
}

// NewMemorySnapshotStore creates an empty snapshot store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{}
}

// Save implements SnapshotStore.
func (s *MemorySnapshotStore) Save(ctx context.Context, snap Snapshot) error {
	buf := make([]byte, len(snap.Bytes))
	copy(buf, snap.Bytes)
	snap.Bytes = buf

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = append(s.snaps, snap)
	return nil
}

// Latest implements SnapshotStore.
func (s *MemorySnapshotStore) Latest(ctx context.Context, projectionName, businessID string, target Cursor) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []Snapshot
	for _, snap := range s.snaps {
		if snap.ProjectionName != projectionName || snap.BusinessID != businessID {
			continue
		}
		// Only snapshots at or before the target qualify.
		if !target.IsZero() && target.After(snap.Cursor.ReceivedAt, snap.Cursor.EventID) {
			continue
		}
		candidates = append(candidates, snap)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i].Cursor, candidates[j].Cursor
		if a.ReceivedAt.Equal(b.ReceivedAt) {
			return a.EventID < b.EventID
		}
		return a.ReceivedAt.Before(b.ReceivedAt)
	})
	best := candidates[len(candidates)-1]
	return &best, nil
}

// SQLiteSnapshotStore persists snapshots next to the SQLite event log.
type SQLiteSnapshotStore struct {
	db *sql.DB
}

// NewSQLiteSnapshotStore opens the snapshot store and runs migrations.
func NewSQLiteSnapshotStore(db *sql.DB) (*SQLiteSnapshotStore, error) {
	_, err := db.ExecContext(context.Background(), `
		CREATE TABLE IF NOT EXISTS snapshots (
			projection_name   TEXT NOT NULL,
			business_id       TEXT NOT NULL,
			cursor_received_at TEXT NOT NULL,
			cursor_event_id   TEXT NOT NULL,
			bytes             BLOB NOT NULL
		)`)
	if err != nil {
		return nil, fmt.Errorf("%w: migrate snapshots: %v", ErrUnavailable, err)
	}
	return &SQLiteSnapshotStore{db: db}, nil
}

// Save implements SnapshotStore.
func (s *SQLiteSnapshotStore) Save(ctx context.Context, snap Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (projection_name, business_id, cursor_received_at, cursor_event_id, bytes)
		VALUES (?, ?, ?, ?, ?)`,
		snap.ProjectionName, snap.BusinessID,
		snap.Cursor.ReceivedAt.UTC().Format(sqlTimeLayout),
		snap.Cursor.EventID, snap.Bytes)
	if err != nil {
		return fmt.Errorf("%w: snapshot save: %v", ErrUnavailable, err)
	}
	return nil
}

// Latest implements SnapshotStore.
func (s *SQLiteSnapshotStore) Latest(ctx context.Context, projectionName, businessID string, target Cursor) (*Snapshot, error) {
	query := `
		SELECT cursor_received_at, cursor_event_id, bytes FROM snapshots
		WHERE projection_name = ? AND business_id = ?`
	args := []any{projectionName, businessID}
	if !target.IsZero() {
		query += ` AND (cursor_received_at < ? OR (cursor_received_at = ? AND cursor_event_id <= ?))`
		ts := target.ReceivedAt.UTC().Format(sqlTimeLayout)
		args = append(args, ts, ts, target.EventID)
	}
	query += ` ORDER BY cursor_received_at DESC, cursor_event_id DESC LIMIT 1`

	var (
		ts, id string
		bytes  []byte
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&ts, &id, &bytes)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: snapshot load: %v", ErrUnavailable, err)
	}
	receivedAt, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("%w: snapshot cursor decode: %v", ErrUnavailable, err)
	}
	return &Snapshot{
		ProjectionName: projectionName,
		BusinessID:     businessID,
		Cursor:         Cursor{ReceivedAt: receivedAt, EventID: id},
		Bytes:          bytes,
	}, nil
}
