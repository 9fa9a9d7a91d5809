// Package identity resolves actors, their role bindings, and API
// keys. The directory is a projection of identity events and feeds
// both the actor guard (resolution) and the tenant-isolation guard
// (scope bindings).
package identity

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Mindburn-Labs/bos/core/pkg/event"
	"github.com/Mindburn-Labs/bos/core/pkg/tenant"
)

// Identity event types owned by the core.
const (
	EventTypeRoleAssigned  = "core.identity.role_assigned.v1"
	EventTypeRoleRevoked   = "core.identity.role_revoked.v1"
	EventTypeAPIKeyCreated = "core.identity.apikey_created.v1"
	EventTypeAPIKeyRevoked = "core.identity.apikey_revoked.v1"
	EventTypeAPIKeyRotated = "core.identity.apikey_rotated.v1"
)

type actorRecord struct {
	ActorType event.ActorType     `json:"actor_type"`
	Roles     map[string][]string `json:"roles"` // business id → roles
}

// Directory is the identity projection.
type Directory struct {
	mu     sync.RWMutex
	actors map[string]*actorRecord
	keys   map[string]*APIKey // key id → record
	// isolation mirrors role bindings into the checker the guards use.
	isolation *tenant.IsolationChecker
}

// NewDirectory creates an empty directory wired to an isolation
// checker. The checker may be shared with the guard pipeline.
func NewDirectory(isolation *tenant.IsolationChecker) *Directory {
	return &Directory{
		actors:    make(map[string]*actorRecord),
		keys:      make(map[string]*APIKey),
		isolation: isolation,
	}
}

// Name implements the projection contract.
func (d *Directory) Name() string { return "core.identity" }

// EventTypes implements the projection contract.
func (d *Directory) EventTypes() []string {
	return []string{
		EventTypeRoleAssigned, EventTypeRoleRevoked,
		EventTypeAPIKeyCreated, EventTypeAPIKeyRevoked, EventTypeAPIKeyRotated,
	}
}

// Apply folds one identity event.
func (d *Directory) Apply(eventType string, ev event.View) error {
	switch eventType {
	case EventTypeRoleAssigned:
		actorID, _ := ev.Payload["actor_id"].(string)
		role, _ := ev.Payload["role"].(string)
		actorType, _ := ev.Payload["actor_type"].(string)
		if actorID == "" || role == "" {
			return fmt.Errorf("identity: actor_id and role required in %s", ev.EventID)
		}
		d.assignRole(actorID, event.ActorType(actorType), ev.BusinessID, role)
		if d.isolation != nil {
			d.isolation.BindBusiness(actorID, ev.BusinessID)
		}
	case EventTypeRoleRevoked:
		actorID, _ := ev.Payload["actor_id"].(string)
		role, _ := ev.Payload["role"].(string)
		left := d.revokeRole(actorID, ev.BusinessID, role)
		if left == 0 && d.isolation != nil {
			d.isolation.UnbindBusiness(actorID, ev.BusinessID)
		}
	case EventTypeAPIKeyCreated, EventTypeAPIKeyRotated:
		raw, err := json.Marshal(ev.Payload["api_key"])
		if err != nil {
			return fmt.Errorf("identity: api key payload in %s: %w", ev.EventID, err)
		}
		var key APIKey
		if err := json.Unmarshal(raw, &key); err != nil {
			return fmt.Errorf("identity: api key decode in %s: %w", ev.EventID, err)
		}
		key.BusinessID = ev.BusinessID
		d.mu.Lock()
		d.keys[key.KeyID] = &key
		d.mu.Unlock()
	case EventTypeAPIKeyRevoked:
		keyID, _ := ev.Payload["key_id"].(string)
		d.mu.Lock()
		if key, ok := d.keys[keyID]; ok {
			key.Revoked = true
		}
		d.mu.Unlock()
	}
	return nil
}

// Truncate implements the projection contract.
func (d *Directory) Truncate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.actors = make(map[string]*actorRecord)
	d.keys = make(map[string]*APIKey)
}

// Snapshot implements the projection contract.
func (d *Directory) Snapshot() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return json.Marshal(struct {
		Actors map[string]*actorRecord `json:"actors"`
		Keys   map[string]*APIKey      `json:"keys"`
	}{d.actors, d.keys})
}

// Restore loads projection state from snapshot bytes.
func (d *Directory) Restore(data []byte) error {
	var in struct {
		Actors map[string]*actorRecord `json:"actors"`
		Keys   map[string]*APIKey      `json:"keys"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("identity: restore: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if in.Actors == nil {
		in.Actors = make(map[string]*actorRecord)
	}
	if in.Keys == nil {
		in.Keys = make(map[string]*APIKey)
	}
	d.actors = in.Actors
	d.keys = in.Keys
	if d.isolation != nil {
		for actorID, rec := range d.actors {
			for businessID := range rec.Roles {
				d.isolation.BindBusiness(actorID, businessID)
			}
		}
	}
	return nil
}

// ResolveActor implements the bus ActorResolver.
func (d *Directory) ResolveActor(actorID string) *tenant.Actor {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.actors[actorID]
	if !ok {
		return nil
	}
	roles := make(map[string][]string, len(rec.Roles))
	for b, rs := range rec.Roles {
		roles[b] = append([]string(nil), rs...)
	}
	return &tenant.Actor{Type: rec.ActorType, ID: actorID, Roles: roles}
}

// Key returns an API key record by id.
func (d *Directory) Key(keyID string) (*APIKey, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	key, ok := d.keys[keyID]
	if !ok {
		return nil, false
	}
	cp := *key
	return &cp, true
}

func (d *Directory) assignRole(actorID string, actorType event.ActorType, businessID, role string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.actors[actorID]
	if !ok {
		if actorType == "" {
			actorType = event.ActorHuman
		}
		rec = &actorRecord{ActorType: actorType, Roles: make(map[string][]string)}
		d.actors[actorID] = rec
	}
	for _, r := range rec.Roles[businessID] {
		if r == role {
			return
		}
	}
	rec.Roles[businessID] = append(rec.Roles[businessID], role)
}

// revokeRole removes one role; returns how many roles remain for the
// business.
func (d *Directory) revokeRole(actorID, businessID, role string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.actors[actorID]
	if !ok {
		return 0
	}
	roles := rec.Roles[businessID]
	out := roles[:0]
	for _, r := range roles {
		if r != role {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		delete(rec.Roles, businessID)
		return 0
	}
	rec.Roles[businessID] = out
	return len(out)
}
