package tenant

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Mindburn-Labs/bos/core/pkg/event"
)

// Lifecycle event types owned by the core.
const (
	EventTypeBusinessCreated   = "core.business.created.v1"
	EventTypeBusinessActivated = "core.business.activated.v1"
	EventTypeBusinessSuspended = "core.business.suspended.v1"
	EventTypeBusinessClosed    = "core.business.closed.v1"
	EventTypeBusinessLegalHold = "core.business.legal_hold.v1"
	EventTypeBranchAdded       = "core.branch.added.v1"
	EventTypeBranchClosed      = "core.branch.closed.v1"
)

type businessRecord struct {
	State    LifecycleState  `json:"state"`
	Branches map[string]bool `json:"branches"`
}

// Directory is the projection of business and branch lifecycle. The
// business-state and scope guards read it.
type Directory struct {
	mu    sync.RWMutex
	state map[string]*businessRecord
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{state: make(map[string]*businessRecord)}
}

// Name implements the projection contract.
func (d *Directory) Name() string { return "core.directory" }

// EventTypes implements the projection contract.
func (d *Directory) EventTypes() []string {
	return []string{
		EventTypeBusinessCreated, EventTypeBusinessActivated,
		EventTypeBusinessSuspended, EventTypeBusinessClosed,
		EventTypeBusinessLegalHold,
		EventTypeBranchAdded, EventTypeBranchClosed,
	}
}

// Apply folds a lifecycle event.
func (d *Directory) Apply(eventType string, ev event.View) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.state[ev.BusinessID]
	if !ok {
		rec = &businessRecord{State: LifecycleCreated, Branches: make(map[string]bool)}
		d.state[ev.BusinessID] = rec
	}

	switch eventType {
	case EventTypeBusinessCreated:
		rec.State = LifecycleCreated
	case EventTypeBusinessActivated:
		rec.State = LifecycleActive
	case EventTypeBusinessSuspended:
		rec.State = LifecycleSuspended
	case EventTypeBusinessClosed:
		rec.State = LifecycleClosed
	case EventTypeBusinessLegalHold:
		rec.State = LifecycleLegalHold
	case EventTypeBranchAdded:
		branchID, _ := ev.Payload["branch_id"].(string)
		if branchID == "" {
			return fmt.Errorf("tenant: branch_id missing in %s", ev.EventID)
		}
		rec.Branches[branchID] = true
	case EventTypeBranchClosed:
		branchID, _ := ev.Payload["branch_id"].(string)
		rec.Branches[branchID] = false
	}
	return nil
}

// Truncate implements the projection contract.
func (d *Directory) Truncate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = make(map[string]*businessRecord)
}

// Snapshot implements the projection contract.
func (d *Directory) Snapshot() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return json.Marshal(d.state)
}

// Restore loads projection state from snapshot bytes.
func (d *Directory) Restore(data []byte) error {
	state := make(map[string]*businessRecord)
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("tenant: restore: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = state
	return nil
}

// State returns the business lifecycle state. Unknown businesses have
// no state; ok is false.
func (d *Directory) State(businessID string) (LifecycleState, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.state[businessID]
	if !ok {
		return "", false
	}
	return rec.State, true
}

// BranchOpen reports whether a branch exists and is open under the
// business.
func (d *Directory) BranchOpen(businessID, branchID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.state[businessID]
	return ok && rec.Branches[branchID]
}
