// Package tenant carries the tenant scope model: the business context
// passed to every handler, scope and actor requirement declarations,
// business lifecycle states, and the cross-tenant isolation checker.
package tenant

import "github.com/Mindburn-Labs/bos/core/pkg/event"

// ScopeRequirement declares what scope a command type needs.
type ScopeRequirement string

const (
	// ScopeBusinessAllowed permits business-wide commands; branch_id is
	// optional.
	ScopeBusinessAllowed ScopeRequirement = "BUSINESS_ALLOWED"
	// ScopeBranchRequired demands a concrete branch_id. A branch is
	// never inferred.
	ScopeBranchRequired ScopeRequirement = "BRANCH_REQUIRED"
)

// ActorRequirement declares what actor a command type needs.
type ActorRequirement string

const (
	// ActorRequired demands a resolved, authorized actor.
	ActorRequired ActorRequirement = "ACTOR_REQUIRED"
	// SystemAllowed permits unattended SYSTEM commands.
	SystemAllowed ActorRequirement = "SYSTEM_ALLOWED"
)

// LifecycleState is the business lifecycle.
type LifecycleState string

const (
	LifecycleCreated   LifecycleState = "CREATED"
	LifecycleActive    LifecycleState = "ACTIVE"
	LifecycleSuspended LifecycleState = "SUSPENDED"
	LifecycleClosed    LifecycleState = "CLOSED"
	// LifecycleLegalHold blocks mutation like a suspension but marks a
	// regulatory freeze rather than an operational one.
	LifecycleLegalHold LifecycleState = "LEGAL_HOLD"
)

// Actor is the resolved identity behind a command.
type Actor struct {
	Type event.ActorType
	ID   string
	// Roles per business the actor holds, keyed by business id.
	Roles map[string][]string
}

// Context is the read-only per-command business context. Handlers and
// guards receive it by value and must not retain mutable references.
type Context struct {
	BusinessID    string
	BranchID      string
	Actor         *Actor
	CorrelationID string
	RequestID     string
	Locale        string

	// ReplayActive is set while a replay holds the tenant; the store
	// rejects appends for the duration.
	ReplayActive bool
}
