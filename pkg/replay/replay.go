// Package replay rebuilds projections from the event log.
//
// Replay is a capability, not a mode of normal writes: while a replay
// holds a business, the store rejects appends for it, and subscriber
// dispatch is suppressed — replay re-derives state, it never re-runs
// side effects. Outputs are deterministic: the same log prefix always
// produces the same snapshot bytes.
package replay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Mindburn-Labs/bos/core/pkg/projection"
	"github.com/Mindburn-Labs/bos/core/pkg/store"
)

// Scope selects what to rebuild.
type Scope struct {
	// BusinessID is the tenant to replay. Required.
	BusinessID string
	// Until bounds the replay by received_at; zero means the full log.
	Until time.Time
	// Projections names the targets; empty means every projection.
	Projections []string
	// Engines scopes targets by engine prefix (projection names are
	// namespaced engine.name). Combined with Projections as a union.
	Engines []string
	// FromSnapshot starts each target from its newest usable snapshot
	// instead of an empty state.
	FromSnapshot bool
}

// Report summarizes a finished replay.
type Report struct {
	BusinessID    string
	Projections   []string
	EventsApplied int
	Cursor        store.Cursor
	StartedFrom   map[string]store.Cursor
	Duration      time.Duration
}

// Replayer rebuilds projections from the log.
type Replayer struct {
	store     store.EventStore
	runtime   *projection.Runtime
	snapshots store.SnapshotStore
	logger    *slog.Logger
}

// NewReplayer wires a replayer. snapshots may be nil when snapshot
// starts are not needed.
func NewReplayer(es store.EventStore, rt *projection.Runtime, snaps store.SnapshotStore, logger *slog.Logger) *Replayer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Replayer{store: es, runtime: rt, snapshots: snaps, logger: logger}
}

// Rebuild clears the targeted projections and re-folds the log into
// them. Appends for the business are blocked for the duration.
func (r *Replayer) Rebuild(ctx context.Context, scope Scope) (*Report, error) {
	if scope.BusinessID == "" {
		return nil, fmt.Errorf("replay: business id is required")
	}
	targets := r.resolveTargets(scope)
	if len(targets) == 0 {
		return nil, fmt.Errorf("replay: no projections match the scope")
	}

	release, err := r.store.BeginReplay(scope.BusinessID)
	if err != nil {
		return nil, err
	}
	defer release()

	start := time.Now()
	targetSet := make(map[string]bool, len(targets))
	for _, name := range targets {
		targetSet[name] = true
	}

	r.runtime.Truncate(targets...)

	startedFrom := make(map[string]store.Cursor, len(targets))
	if scope.FromSnapshot && r.snapshots != nil {
		for _, name := range targets {
			cursor, err := r.loadSnapshot(ctx, name, scope)
			if err != nil {
				return nil, err
			}
			startedFrom[name] = cursor
		}
	}

	opts := store.ReadOptions{Until: scope.Until}
	it, err := r.store.Read(ctx, scope.BusinessID, opts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()

	applied := 0
	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		if err := r.runtime.ApplyEventTo(e, targetSet); err != nil {
			return nil, err
		}
		applied++
	}
	if err := it.Err(); err != nil {
		return nil, err
	}

	report := &Report{
		BusinessID:    scope.BusinessID,
		Projections:   targets,
		EventsApplied: applied,
		Cursor:        it.Cursor(),
		StartedFrom:   startedFrom,
		Duration:      time.Since(start),
	}
	r.logger.Info("replay complete",
		"business_id", scope.BusinessID,
		"projections", len(targets),
		"events", applied,
		"duration", report.Duration)
	return report, nil
}

// StateAt rebuilds one projection up to a point in time and returns
// its snapshot bytes — a time-travel query. The projection is left at
// that historic state; run a full Rebuild afterwards to catch it up.
func (r *Replayer) StateAt(ctx context.Context, projectionName, businessID string, until time.Time) ([]byte, error) {
	_, err := r.Rebuild(ctx, Scope{
		BusinessID:   businessID,
		Until:        until,
		Projections:  []string{projectionName},
		FromSnapshot: true,
	})
	if err != nil {
		return nil, err
	}
	snap, err := r.runtime.SnapshotOf(projectionName, businessID)
	if err != nil {
		return nil, err
	}
	return snap.Bytes, nil
}

// loadSnapshot seeds one projection from its newest usable snapshot.
// Returns the cursor the projection starts from (zero when no
// snapshot qualified or the projection cannot restore).
func (r *Replayer) loadSnapshot(ctx context.Context, name string, scope Scope) (store.Cursor, error) {
	target := store.Cursor{}
	if !scope.Until.IsZero() {
		// Highest cursor not past the time bound; event id sorts after
		// every real id at the same timestamp.
		target = store.Cursor{ReceivedAt: scope.Until, EventID: "\uffff"}
	}
	snap, err := r.snapshots.Latest(ctx, name, scope.BusinessID, target)
	if err != nil {
		return store.Cursor{}, err
	}
	if snap == nil {
		return store.Cursor{}, nil
	}
	p, ok := r.runtime.Get(name)
	if !ok {
		return store.Cursor{}, fmt.Errorf("replay: projection %q not registered", name)
	}
	restorer, ok := p.(projection.Restorer)
	if !ok {
		// No restore path: fold from the beginning instead.
		return store.Cursor{}, nil
	}
	if err := restorer.Restore(snap.Bytes); err != nil {
		return store.Cursor{}, err
	}
	r.runtime.SetCursor(name, scope.BusinessID, snap.Cursor)
	return snap.Cursor, nil
}

func (r *Replayer) resolveTargets(scope Scope) []string {
	all := r.runtime.Names()
	if len(scope.Projections) == 0 && len(scope.Engines) == 0 {
		return all
	}
	want := make(map[string]bool)
	for _, name := range scope.Projections {
		want[name] = true
	}
	out := make([]string, 0, len(all))
	for _, name := range all {
		if want[name] {
			out = append(out, name)
			continue
		}
		for _, eng := range scope.Engines {
			if strings.HasPrefix(name, eng+".") {
				out = append(out, name)
				break
			}
		}
	}
	return out
}
