package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/bos/core/pkg/canonical"
	"github.com/Mindburn-Labs/bos/core/pkg/clock"
	"github.com/Mindburn-Labs/bos/core/pkg/event"
)

// MemoryStore is the in-memory event store. It carries the full
// contract — chain integrity, idempotency, tenant isolation, replay
// blocking — and is the reference implementation the SQL backends are
// tested against.
type MemoryStore struct {
	mu     sync.RWMutex
	chains map[string]*chain
	types  TypeChecker
	clock  clock.Clock
}

type chain struct {
	mu       sync.Mutex
	events   []*event.Event
	byID     map[string]*event.Event
	byKey    map[string][]*event.Event
	tip      string
	lastRecv time.Time
	replay   bool
}

// NewMemoryStore creates an empty store. types may be nil to disable
// registry checks (tests only).
func NewMemoryStore(types TypeChecker, clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.System()
	}
	return &MemoryStore{
		chains: make(map[string]*chain),
		types:  types,
		clock:  clk,
	}
}

func (s *MemoryStore) chainFor(businessID string) *chain {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chains[businessID]
	if !ok {
		c = &chain{
			byID:  make(map[string]*event.Event),
			byKey: make(map[string][]*event.Event),
			tip:   canonical.GenesisHash,
		}
		s.chains[businessID] = c
	}
	return c
}

// Append implements EventStore.
func (s *MemoryStore) Append(ctx context.Context, businessID string, events []*event.Event) ([]*event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateBatch(businessID, events, s.types); err != nil {
		return nil, err
	}

	c := s.chainFor(businessID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.replay {
		return nil, ErrReplayActive
	}

	// Resolve duplicates first: a full batch of identical resubmissions
	// returns the stored events untouched. A payload divergence anywhere
	// fails the whole batch.
	fresh := make([]*event.Event, 0, len(events))
	result := make([]*event.Event, 0, len(events))
	for _, e := range events {
		stored, dup := c.byID[e.EventID]
		if !dup {
			fresh = append(fresh, e)
			result = append(result, e)
			continue
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

	// Chain check: the first fresh event must extend the tip; the rest
	// must chain within the batch.
	prev := c.tip
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

	// Commit point. received_at is assigned monotonically.
	now := s.clock.Now().UTC()
	if !now.After(c.lastRecv) {
		now = c.lastRecv.Add(time.Microsecond)
	}
	for i, e := range fresh {
		e.ReceivedAt = now.Add(time.Duration(i) * time.Microsecond)
		c.events = append(c.events, e)
		c.byID[e.EventID] = e
	}
	c.lastRecv = fresh[len(fresh)-1].ReceivedAt
	c.tip = prev
	return result, nil
}

// RecordIdempotencyKey implements EventStore.
func (s *MemoryStore) RecordIdempotencyKey(ctx context.Context, businessID, key string, events []*event.Event) error {
	if key == "" {
		return nil
	}
	c := s.chainFor(businessID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.byKey[key]; !exists {
		c.byKey[key] = events
	}
	return nil
}

// ByIdempotencyKey implements EventStore.
func (s *MemoryStore) ByIdempotencyKey(ctx context.Context, businessID, key string) ([]*event.Event, error) {
	if key == "" {
		return nil, nil
	}
	c := s.chainFor(businessID)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byKey[key], nil
}

// Read implements EventStore.
func (s *MemoryStore) Read(ctx context.Context, businessID string, opts ReadOptions) (Iterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := s.chainFor(businessID)
	c.mu.Lock()
	snapshot := make([]*event.Event, len(c.events))
	copy(snapshot, c.events)
	c.mu.Unlock()

	filtered := snapshot[:0:0]
	typeFilter := toSet(opts.EventTypes)
	for _, e := range snapshot {
		if !opts.Since.IsZero() && e.ReceivedAt.Before(opts.Since) {
			continue
		}
		if !opts.Until.IsZero() && e.ReceivedAt.After(opts.Until) {
			continue
		}
		if !opts.Cursor.IsZero() && !opts.Cursor.After(e.ReceivedAt, e.EventID) {
			continue
		}
		if typeFilter != nil && !typeFilter[e.EventType] {
			continue
		}
		filtered = append(filtered, e)
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		if filtered[i].ReceivedAt.Equal(filtered[j].ReceivedAt) {
			return filtered[i].EventID < filtered[j].EventID
		}
		return filtered[i].ReceivedAt.Before(filtered[j].ReceivedAt)
	})

	return &sliceIterator{events: filtered, cursor: opts.Cursor}, nil
}

// Tip implements EventStore.
func (s *MemoryStore) Tip(ctx context.Context, businessID string) (string, error) {
	c := s.chainFor(businessID)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tip, nil
}

// VerifyChain implements EventStore.
func (s *MemoryStore) VerifyChain(ctx context.Context, businessID string) error {
	c := s.chainFor(businessID)
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := canonical.GenesisHash
	for _, e := range c.events {
		if e.PreviousEventHash != prev {
			return fmt.Errorf("%w: event %s breaks the chain", ErrChainMismatch, e.EventID)
		}
		if err := e.VerifyHash(); err != nil {
			return err
		}
		prev = e.EventHash
	}
	return nil
}

// BeginReplay implements EventStore.
func (s *MemoryStore) BeginReplay(businessID string) (func(), error) {
	c := s.chainFor(businessID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.replay {
		return nil, ErrReplayActive
	}
	c.replay = true
	return func() {
		c.mu.Lock()
		c.replay = false
		c.mu.Unlock()
	}, nil
}

// Len returns the number of events stored for a business.
func (s *MemoryStore) Len(businessID string) int {
	c := s.chainFor(businessID)
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func samePayload(stored, submitted *event.Event) (bool, error) {
	a, err := stored.PayloadHash()
	if err != nil {
		return false, err
	}
	b, err := submitted.PayloadHash()
	if err != nil {
		return false, err
	}
	return a == b, nil
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	set := make(map[string]bool, len(items))
	for _, s := range items {
		set[s] = true
	}
	return set
}

// sliceIterator walks an in-memory, already-ordered slice.
type sliceIterator struct {
	events []*event.Event
	idx    int
	cursor Cursor
}

func (it *sliceIterator) Next() (*event.Event, bool) {
	if it.idx >= len(it.events) {
		return nil, false
	}
	e := it.events[it.idx]
	it.idx++
	it.cursor = Cursor{ReceivedAt: e.ReceivedAt, EventID: e.EventID}
	return e, true
}

func (it *sliceIterator) Err() error     { return nil }
func (it *sliceIterator) Cursor() Cursor { return it.cursor }
func (it *sliceIterator) Close() error   { return nil }
