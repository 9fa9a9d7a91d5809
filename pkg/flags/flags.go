// Package flags implements per-tenant feature flags.
//
// Flags live as events (core.feature_flag.set.v1) and are folded into
// an in-memory projection keyed by (business_id, flag_key, branch_id).
// A branch-level row overrides the business-level row for commands
// carrying that branch. An event that is strictly later in log order
// than the stored row replaces it (last write wins). When two rows for
// the same scope carry no defined order between them — equal
// received_at, or rows folded from sources outside the log such as
// snapshot merges or provider imports — DISABLED wins: a disable is
// never lost to ordering noise.
package flags

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/bos/core/pkg/event"
)

// Flag statuses. The set is closed.
const (
	StatusEnabled  = "ENABLED"
	StatusDisabled = "DISABLED"
)

// EventTypeSet is the event type that mutates flags.
const EventTypeSet = "core.feature_flag.set.v1"

// Flag is one flag row. ReceivedAt is the log position of the event
// that produced the row; the zero time marks a row with no log order.
type Flag struct {
	BusinessID string    `json:"business_id"`
	FlagKey    string    `json:"flag_key"`
	BranchID   string    `json:"branch_id,omitempty"`
	Status     string    `json:"status"`
	ReceivedAt time.Time `json:"received_at,omitempty"`
}

type scopeKey struct {
	flagKey  string
	branchID string
}

// Evaluator is the flag projection consulted by the feature-flag
// guard. It implements the projection contract and may be registered
// with the projection runtime directly.
type Evaluator struct {
	mu sync.RWMutex
	// state: business id → scope → flag.
	state map[string]map[scopeKey]Flag
}

// NewEvaluator creates an empty flag projection.
func NewEvaluator() *Evaluator {
	return &Evaluator{state: make(map[string]map[scopeKey]Flag)}
}

// Name implements the projection contract.
func (e *Evaluator) Name() string { return "core.feature_flags" }

// EventTypes implements the projection contract.
func (e *Evaluator) EventTypes() []string { return []string{EventTypeSet} }

// Apply folds a flag event into the projection.
func (e *Evaluator) Apply(eventType string, ev event.View) error {
	if eventType != EventTypeSet {
		return nil
	}
	flagKey, _ := ev.Payload["flag_key"].(string)
	status, _ := ev.Payload["status"].(string)
	branchID, _ := ev.Payload["branch_id"].(string)
	if flagKey == "" {
		return fmt.Errorf("flags: flag_key missing in %s", ev.EventID)
	}
	if status != StatusEnabled && status != StatusDisabled {
		return fmt.Errorf("flags: status %q invalid in %s", status, ev.EventID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	scopes, ok := e.state[ev.BusinessID]
	if !ok {
		scopes = make(map[scopeKey]Flag)
		e.state[ev.BusinessID] = scopes
	}
	key := scopeKey{flagKey: flagKey, branchID: branchID}
	if existing, dup := scopes[key]; dup {
		scopes[key] = resolve(existing, Flag{
			BusinessID: ev.BusinessID,
			FlagKey:    flagKey,
			BranchID:   branchID,
			Status:     status,
			ReceivedAt: ev.ReceivedAt,
		})
		return nil
	}
	scopes[key] = Flag{
		BusinessID: ev.BusinessID,
		FlagKey:    flagKey,
		BranchID:   branchID,
		Status:     status,
		ReceivedAt: ev.ReceivedAt,
	}
	return nil
}

// resolve picks between two rows for the same scope. A row strictly
// later in log order supersedes the stored one. Rows without an order
// between them collapse deterministically: DISABLED beats ENABLED.
func resolve(existing, incoming Flag) Flag {
	if incoming.ReceivedAt.After(existing.ReceivedAt) {
		return incoming
	}
	if existing.ReceivedAt.After(incoming.ReceivedAt) {
		return existing
	}
	if existing.Status == StatusDisabled {
		return existing
	}
	return incoming
}

// Truncate implements the projection contract.
func (e *Evaluator) Truncate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = make(map[string]map[scopeKey]Flag)
}

// Snapshot implements the projection contract. Rows are emitted in a
// stable sort so snapshot bytes are deterministic.
func (e *Evaluator) Snapshot() ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var rows []Flag
	for _, scopes := range e.state {
		for _, f := range scopes {
			rows = append(rows, f)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.BusinessID != b.BusinessID {
			return a.BusinessID < b.BusinessID
		}
		if a.FlagKey != b.FlagKey {
			return a.FlagKey < b.FlagKey
		}
		return a.BranchID < b.BranchID
	})
	return json.Marshal(rows)
}

// Restore loads projection state from snapshot bytes. Rows that
// collide with already-held scopes go through the same resolution as
// applied events, so merging snapshots cannot resurrect an enable.
func (e *Evaluator) Restore(data []byte) error {
	var rows []Flag
	if err := json.Unmarshal(data, &rows); err != nil {
		return fmt.Errorf("flags: restore: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, f := range rows {
		scopes, ok := e.state[f.BusinessID]
		if !ok {
			scopes = make(map[scopeKey]Flag)
			e.state[f.BusinessID] = scopes
		}
		key := scopeKey{flagKey: f.FlagKey, branchID: f.BranchID}
		if existing, dup := scopes[key]; dup {
			scopes[key] = resolve(existing, f)
			continue
		}
		scopes[key] = f
	}
	return nil
}

// Enabled reports whether a flag is enabled for the business, taking
// the branch override into account when branchID is non-empty.
// Unset flags are disabled.
func (e *Evaluator) Enabled(businessID, flagKey, branchID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	scopes, ok := e.state[businessID]
	if !ok {
		return false
	}
	if branchID != "" {
		if f, ok := scopes[scopeKey{flagKey: flagKey, branchID: branchID}]; ok {
			return f.Status == StatusEnabled
		}
	}
	f, ok := scopes[scopeKey{flagKey: flagKey}]
	return ok && f.Status == StatusEnabled
}
