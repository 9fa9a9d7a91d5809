// Package store implements the append-only, hash-chained event store.
//
// The store is the only shared mutable resource in the kernel. It
// enforces, for every business chain: strict append-only persistence
// (INSERT only, never UPDATE or DELETE), linear hash chaining,
// idempotency on event_id, tenant-scoped reads, and a deterministic
// total order by (received_at, event_id).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Mindburn-Labs/bos/core/pkg/event"
)

// Sentinel errors. The bus maps these onto the closed rejection code
// set; adapters must not string-match.
var (
	// ErrChainMismatch reports a previous-hash that does not match the
	// current tip of the business chain.
	ErrChainMismatch = errors.New("store: chain mismatch")
	// ErrIdempotencyConflict reports a duplicate event_id whose payload
	// differs from the stored event.
	ErrIdempotencyConflict = errors.New("store: idempotency conflict")
	// ErrUnknownType reports an event type missing from the registry.
	ErrUnknownType = errors.New("store: unknown event type")
	// ErrMissingBusinessID reports an event without a tenant.
	ErrMissingBusinessID = errors.New("store: missing business id")
	// ErrReplayActive reports an append attempted while a replay holds
	// the business.
	ErrReplayActive = errors.New("store: replay active")
	// ErrUnavailable reports a transient backend failure.
	ErrUnavailable = errors.New("store: unavailable")
)

// Cursor addresses a position in a business log. The zero Cursor is
// the start of the log.
type Cursor struct {
	ReceivedAt time.Time `json:"received_at"`
	EventID    string    `json:"event_id"`
}

// IsZero reports whether the cursor is the start of the log.
func (c Cursor) IsZero() bool {
	return c.ReceivedAt.IsZero() && c.EventID == ""
}

// After reports whether the event at (receivedAt, eventID) is strictly
// after the cursor in log order.
func (c Cursor) After(receivedAt time.Time, eventID string) bool {
	if receivedAt.After(c.ReceivedAt) {
		return true
	}
	if receivedAt.Equal(c.ReceivedAt) {
		return eventID > c.EventID
	}
	return false
}

// ReadOptions scopes a log read. Zero values mean unbounded.
type ReadOptions struct {
	// Since excludes events received strictly before it.
	Since time.Time
	// Until excludes events received strictly after it.
	Until time.Time
	// Cursor resumes a previous read; only events after it are
	// produced.
	Cursor Cursor
	// EventTypes filters to the given types when non-empty.
	EventTypes []string
}

// Iterator walks events in (received_at ASC, event_id ASC) order. It
// is finite and restartable: Cursor() after any number of Next calls
// yields a ReadOptions.Cursor that resumes exactly past the last
// event produced.
type Iterator interface {
	// Next returns the next event, or false when the iteration ends.
	Next() (*event.Event, bool)
	// Err returns the first error encountered, if any.
	Err() error
	// Cursor returns the position after the last event produced.
	Cursor() Cursor
	// Close releases backend resources.
	Close() error
}

// EventStore is the append-only log contract.
type EventStore interface {
	// Append atomically persists a batch for one business. All events
	// must share businessID, chain onto the current tip, and carry
	// registered types. A resubmitted event_id with an identical
	// payload returns the stored event; a differing payload fails the
	// whole batch with ErrIdempotencyConflict. No partial append.
	Append(ctx context.Context, businessID string, events []*event.Event) ([]*event.Event, error)

	// Read returns an iterator over one business's events. Reads never
	// produce another business's records.
	Read(ctx context.Context, businessID string, opts ReadOptions) (Iterator, error)

	// Tip returns the event hash at the head of the business chain, or
	// the genesis sentinel for an empty chain.
	Tip(ctx context.Context, businessID string) (string, error)

	// ByIdempotencyKey returns the events previously appended under a
	// command idempotency key, or nil when the key is unseen.
	ByIdempotencyKey(ctx context.Context, businessID, key string) ([]*event.Event, error)

	// RecordIdempotencyKey associates a committed batch with a command
	// idempotency key. First write wins; later writes are no-ops.
	RecordIdempotencyKey(ctx context.Context, businessID, key string, events []*event.Event) error

	// VerifyChain recomputes every hash link of the business chain.
	VerifyChain(ctx context.Context, businessID string) error

	// BeginReplay marks the business as replaying, blocking appends,
	// and returns a release function. It takes the same per-business
	// writer lock as Append.
	BeginReplay(businessID string) (release func(), err error)
}

// TypeChecker is the slice of the event-type registry the store needs.
type TypeChecker interface {
	Known(eventType string) bool
}

// validateBatch runs the backend-independent append preconditions.
func validateBatch(businessID string, events []*event.Event, types TypeChecker) error {
	if businessID == "" {
		return ErrMissingBusinessID
	}
	for _, e := range events {
		if e.BusinessID == "" {
			return ErrMissingBusinessID
		}
		if e.BusinessID != businessID {
			return errors.New("store: batch spans businesses")
		}
		if err := e.Validate(); err != nil {
			return err
		}
		if types != nil && !types.Known(e.EventType) {
			return ErrUnknownType
		}
	}
	return nil
}
