// Package projection folds committed events into in-memory read
// models.
//
// Projections are disposable derivations; the log is authoritative.
// The runtime guarantees the fold is deterministic: events arrive in
// commit order, and within one event the subscribed projections are
// applied in stable name order. Replaying any prefix of the log onto
// an empty projection produces snapshot bytes identical to the
// incremental application of that prefix.
package projection

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/bos/core/pkg/event"
	"github.com/Mindburn-Labs/bos/core/pkg/store"
)

// Projection is a named, pure fold over a subscribed set of event
// types. Implementations read only their own state and the event
// payload.
type Projection interface {
	// Name is stable and unique within a kernel.
	Name() string
	// EventTypes returns the subscribed types.
	EventTypes() []string
	// Apply folds one event. It must be deterministic.
	Apply(eventType string, ev event.View) error
	// Truncate resets the projection to empty.
	Truncate()
	// Snapshot serializes the state; byte-stable for equal states.
	Snapshot() ([]byte, error)
}

// Restorer is implemented by projections that can load snapshot bytes
// directly. Projections without it are rebuilt from the log.
type Restorer interface {
	Restore(data []byte) error
}

// Runtime routes committed events to registered projections and
// tracks a per-(projection, business) cursor.
type Runtime struct {
	mu          sync.RWMutex
	projections map[string]Projection
	// byType: event type → projection names, kept sorted.
	byType  map[string][]string
	cursors map[string]map[string]store.Cursor
}

// NewRuntime creates an empty runtime.
func NewRuntime() *Runtime {
	return &Runtime{
		projections: make(map[string]Projection),
		byType:      make(map[string][]string),
		cursors:     make(map[string]map[string]store.Cursor),
	}
}

// Register adds a projection. Duplicate names are an error.
func (r *Runtime) Register(p Projection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := p.Name()
	if _, exists := r.projections[name]; exists {
		return fmt.Errorf("projection: %q already registered", name)
	}
	r.projections[name] = p
	r.cursors[name] = make(map[string]store.Cursor)
	for _, t := range p.EventTypes() {
		r.byType[t] = insertSorted(r.byType[t], name)
	}
	return nil
}

// Get returns a registered projection.
func (r *Runtime) Get(name string) (Projection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.projections[name]
	return p, ok
}

// Names returns all registered projection names, sorted.
func (r *Runtime) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.projections))
	for name := range r.projections {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ApplyEvent folds one committed event into every subscribed
// projection, advancing cursors. The caller holds the tenant write
// lock; the runtime adds no locking of its own around Apply.
func (r *Runtime) ApplyEvent(e *event.Event) error {
	return r.applyScoped(e, nil)
}

// ApplyEventTo folds one event into a subset of projections only.
// A nil or empty target set means all subscribers. Used by replay.
func (r *Runtime) ApplyEventTo(e *event.Event, targets map[string]bool) error {
	return r.applyScoped(e, targets)
}

func (r *Runtime) applyScoped(e *event.Event, targets map[string]bool) error {
	r.mu.RLock()
	names := r.byType[e.EventType]
	r.mu.RUnlock()

	view := e.AsView()
	for _, name := range names {
		if targets != nil && len(targets) > 0 && !targets[name] {
			continue
		}
		r.mu.RLock()
		p := r.projections[name]
		cursor := r.cursors[name][e.BusinessID]
		r.mu.RUnlock()

		// Skip events at or before the cursor: re-application after a
		// snapshot restore or a retried batch stays a no-op.
		if !cursor.IsZero() && !cursor.After(e.ReceivedAt, e.EventID) {
			continue
		}
		if err := p.Apply(e.EventType, view); err != nil {
			return fmt.Errorf("projection %s: apply %s: %w", name, e.EventID, err)
		}
		r.mu.Lock()
		r.cursors[name][e.BusinessID] = store.Cursor{ReceivedAt: e.ReceivedAt, EventID: e.EventID}
		r.mu.Unlock()
	}
	return nil
}

// Cursor returns the last applied position for a projection and
// business.
func (r *Runtime) Cursor(projectionName, businessID string) store.Cursor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cursors[projectionName][businessID]
}

// SetCursor force-positions a projection cursor, used when loading a
// snapshot.
func (r *Runtime) SetCursor(projectionName, businessID string, c store.Cursor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cursors[projectionName] == nil {
		r.cursors[projectionName] = make(map[string]store.Cursor)
	}
	r.cursors[projectionName][businessID] = c
}

// Truncate resets the named projections (all when empty). A truncated
// projection loses its state for every business, so every cursor it
// held is cleared with it.
func (r *Runtime) Truncate(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(names) == 0 {
		names = make([]string, 0, len(r.projections))
		for name := range r.projections {
			names = append(names, name)
		}
	}
	for _, name := range names {
		p, ok := r.projections[name]
		if !ok {
			continue
		}
		p.Truncate()
		r.cursors[name] = make(map[string]store.Cursor)
	}
}

// SnapshotOf captures a projection's state for a business as a
// store.Snapshot at its current cursor.
func (r *Runtime) SnapshotOf(projectionName, businessID string) (*store.Snapshot, error) {
	r.mu.RLock()
	p, ok := r.projections[projectionName]
	cursor := r.cursors[projectionName][businessID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("projection: %q not registered", projectionName)
	}
	data, err := p.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("projection %s: snapshot: %w", projectionName, err)
	}
	return &store.Snapshot{
		ProjectionName: projectionName,
		BusinessID:     businessID,
		Cursor:         cursor,
		Bytes:          data,
	}, nil
}

func insertSorted(names []string, name string) []string {
	i := sort.SearchStrings(names, name)
	if i < len(names) && names[i] == name {
		return names
	}
	names = append(names, "")
	copy(names[i+1:], names[i:])
	names[i] = name
	return names
}
