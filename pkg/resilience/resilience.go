// Package resilience tracks the coarse operating mode of the kernel.
//
// Mode transitions are themselves events (core.resilience.mode_set.v1)
// and the current mode is a projection of them, so the operational
// history of the system is as auditable as everything else.
package resilience

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Mindburn-Labs/bos/core/pkg/event"
)

// Mode is the system operating mode.
type Mode string

const (
	// ModeNormal allows all operations.
	ModeNormal Mode = "NORMAL"
	// ModeDegraded allows reads and the declared essential commands.
	ModeDegraded Mode = "DEGRADED"
	// ModeReadOnly rejects every mutating command.
	ModeReadOnly Mode = "READ_ONLY"
)

// ValidModes is the closed mode set.
var ValidModes = map[Mode]bool{
	ModeNormal:   true,
	ModeDegraded: true,
	ModeReadOnly: true,
}

// EventTypeModeSet is the event type for mode transitions.
const EventTypeModeSet = "core.resilience.mode_set.v1"

type businessHealth struct {
	Mode   Mode   `json:"mode"`
	Reason string `json:"reason,omitempty"`
}

// Health is the per-business resilience projection.
type Health struct {
	mu    sync.RWMutex
	state map[string]businessHealth
}

// NewHealth creates the projection; every business starts NORMAL.
func NewHealth() *Health {
	return &Health{state: make(map[string]businessHealth)}
}

// Name implements the projection contract.
func (h *Health) Name() string { return "core.resilience" }

// EventTypes implements the projection contract.
func (h *Health) EventTypes() []string { return []string{EventTypeModeSet} }

// Apply folds a mode transition.
func (h *Health) Apply(eventType string, ev event.View) error {
	if eventType != EventTypeModeSet {
		return nil
	}
	mode, _ := ev.Payload["mode"].(string)
	if !ValidModes[Mode(mode)] {
		return fmt.Errorf("resilience: mode %q invalid in %s", mode, ev.EventID)
	}
	reason, _ := ev.Payload["reason"].(string)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.state[ev.BusinessID] = businessHealth{Mode: Mode(mode), Reason: reason}
	return nil
}

// Truncate implements the projection contract.
func (h *Health) Truncate() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = make(map[string]businessHealth)
}

// Snapshot implements the projection contract.
func (h *Health) Snapshot() ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return json.Marshal(h.state)
}

// Restore loads projection state from snapshot bytes.
func (h *Health) Restore(data []byte) error {
	state := make(map[string]businessHealth)
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("resilience: restore: %w", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = state
	return nil
}

// Current returns the business's mode and the reason for any
// degradation. Unknown businesses are NORMAL.
func (h *Health) Current(businessID string) (Mode, string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	bh, ok := h.state[businessID]
	if !ok {
		return ModeNormal, ""
	}
	return bh.Mode, bh.Reason
}

// CanWrite reports whether a non-essential mutating command may run.
func (h *Health) CanWrite(businessID string) bool {
	mode, _ := h.Current(businessID)
	return mode == ModeNormal
}
