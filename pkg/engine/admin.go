package engine

import (
	"github.com/Mindburn-Labs/bos/core/pkg/bus"
	"github.com/Mindburn-Labs/bos/core/pkg/clock"
	"github.com/Mindburn-Labs/bos/core/pkg/compliance"
	"github.com/Mindburn-Labs/bos/core/pkg/event"
	"github.com/Mindburn-Labs/bos/core/pkg/flags"
	"github.com/Mindburn-Labs/bos/core/pkg/identity"
	"github.com/Mindburn-Labs/bos/core/pkg/policy"
	"github.com/Mindburn-Labs/bos/core/pkg/projection"
	"github.com/Mindburn-Labs/bos/core/pkg/registry"
	"github.com/Mindburn-Labs/bos/core/pkg/resilience"
	"github.com/Mindburn-Labs/bos/core/pkg/tenant"
)

// Admin command types. These are the core-owned administrative
// surface; every one of them is tenant-scoped like any other command.
const (
	CmdBusinessCreate    = "core.business.create.request"
	CmdBusinessActivate  = "core.business.activate.request"
	CmdBusinessSuspend   = "core.business.suspend.request"
	CmdBusinessClose     = "core.business.close.request"
	CmdBranchAdd         = "core.branch.add.request"
	CmdBranchClose       = "core.branch.close.request"
	CmdFlagSet           = "core.feature_flag.set.request"
	CmdFlagClear         = "core.feature_flag.clear.request"
	CmdProfileUpsert     = "core.compliance.upsert.request"
	CmdProfileDeactivate = "core.compliance.deactivate.request"
	CmdModeSet           = "core.resilience.set.request"
	CmdRoleAssign        = "core.identity.assign.request"
	CmdRoleRevoke        = "core.identity.revoke.request"
	CmdAPIKeyCreate      = "core.apikey.create.request"
	CmdAPIKeyRevoke      = "core.apikey.revoke.request"
	CmdAPIKeyRotate      = "core.apikey.rotate.request"
)

// Admin is the core administrative engine: business lifecycle,
// branches, feature flags, compliance profiles, resilience mode,
// identity, and API keys.
type Admin struct {
	directory *tenant.Directory
	flags     *flags.Evaluator
	health    *resilience.Health
	comply    *compliance.Registry
	identity  *identity.Directory
}

// NewAdmin wires the admin engine over the core projections it
// administers.
func NewAdmin(dir *tenant.Directory, fl *flags.Evaluator, health *resilience.Health, comply *compliance.Registry, id *identity.Directory) *Admin {
	return &Admin{directory: dir, flags: fl, health: health, comply: comply, identity: id}
}

// Manifest implements Engine.
func (a *Admin) Manifest() Manifest {
	return Manifest{Name: "core", Version: "1.0.0"}
}

// EventTypes implements Engine.
func (a *Admin) EventTypes() []EventTypeRegistration {
	flagSchema := `{
		"type": "object",
		"required": ["flag_key", "status"],
		"properties": {
			"flag_key": {"type": "string", "minLength": 1},
			"status": {"enum": ["ENABLED", "DISABLED"]},
			"branch_id": {"type": "string"}
		}
	}`
	modeSchema := `{
		"type": "object",
		"required": ["mode"],
		"properties": {
			"mode": {"enum": ["NORMAL", "DEGRADED", "READ_ONLY"]},
			"reason": {"type": "string"}
		}
	}`
	branchSchema := `{
		"type": "object",
		"required": ["branch_id"],
		"properties": {"branch_id": {"type": "string", "minLength": 1}}
	}`
	return []EventTypeRegistration{
		{EventType: tenant.EventTypeBusinessCreated, Version: 1},
		{EventType: tenant.EventTypeBusinessActivated, Version: 1},
		{EventType: tenant.EventTypeBusinessSuspended, Version: 1},
		{EventType: tenant.EventTypeBusinessClosed, Version: 1},
		{EventType: tenant.EventTypeBusinessLegalHold, Version: 1},
		{EventType: tenant.EventTypeBranchAdded, Version: 1, SchemaJSON: branchSchema},
		{EventType: tenant.EventTypeBranchClosed, Version: 1, SchemaJSON: branchSchema},
		{EventType: flags.EventTypeSet, Version: 1, SchemaJSON: flagSchema},
		{EventType: resilience.EventTypeModeSet, Version: 1, SchemaJSON: modeSchema},
		{EventType: compliance.EventTypeProfileUpserted, Version: 1},
		{EventType: compliance.EventTypeProfileDeactivated, Version: 1},
		{EventType: identity.EventTypeRoleAssigned, Version: 1},
		{EventType: identity.EventTypeRoleRevoked, Version: 1},
		{EventType: identity.EventTypeAPIKeyCreated, Version: 1},
		{EventType: identity.EventTypeAPIKeyRevoked, Version: 1},
		{EventType: identity.EventTypeAPIKeyRotated, Version: 1},
		{EventType: bus.RejectionEventType, Version: 1},
	}
}

// Projections implements Engine. The admin engine's projections are
// the core read models themselves.
func (a *Admin) Projections() []projection.Projection {
	return []projection.Projection{a.directory, a.flags, a.health, a.comply, a.identity}
}

// Subscriptions implements Engine.
func (a *Admin) Subscriptions() []Subscription { return nil }

// Commands implements Engine.
func (a *Admin) Commands() []CommandRegistration {
	business := tenant.ScopeBusinessAllowed
	regs := []CommandRegistration{
		{
			Spec: registry.CommandSpec{
				CommandType: CmdBusinessCreate, SourceEngine: "core",
				Scope: business, Actor: tenant.SystemAllowed,
				Essential: true, AIForbidden: true,
			},
			Handler: emit(tenant.EventTypeBusinessCreated, passthrough("name")),
		},
		{
			Spec: registry.CommandSpec{
				CommandType: CmdBusinessActivate, SourceEngine: "core",
				Scope: business, Actor: tenant.SystemAllowed,
				Essential: true, AIForbidden: true,
			},
			Handler: emit(tenant.EventTypeBusinessActivated, passthrough()),
		},
		{
			Spec: registry.CommandSpec{
				CommandType: CmdBusinessSuspend, SourceEngine: "core",
				Scope: business, Essential: true, AIForbidden: true,
			},
			Handler: emit(tenant.EventTypeBusinessSuspended, passthrough("reason")),
		},
		{
			Spec: registry.CommandSpec{
				CommandType: CmdBusinessClose, SourceEngine: "core",
				Scope: business, Essential: true, AIForbidden: true,
			},
			Handler: emit(tenant.EventTypeBusinessClosed, passthrough("reason")),
		},
		{
			Spec: registry.CommandSpec{
				CommandType: CmdBranchAdd, SourceEngine: "core",
				Scope: business, AIForbidden: true,
			},
			SchemaJSON: `{"type": "object", "required": ["branch_id"],
				"properties": {"branch_id": {"type": "string", "minLength": 1}}}`,
			Handler: emit(tenant.EventTypeBranchAdded, passthrough("branch_id", "name")),
		},
		{
			Spec: registry.CommandSpec{
				CommandType: CmdBranchClose, SourceEngine: "core",
				Scope: business, AIForbidden: true,
			},
			SchemaJSON: `{"type": "object", "required": ["branch_id"],
				"properties": {"branch_id": {"type": "string", "minLength": 1}}}`,
			Handler: emit(tenant.EventTypeBranchClosed, passthrough("branch_id")),
		},
		{
			Spec: registry.CommandSpec{
				CommandType: CmdFlagSet, SourceEngine: "core",
				Scope: business, Essential: true, AIForbidden: true,
			},
			SchemaJSON: `{"type": "object", "required": ["flag_key", "status"],
				"properties": {
					"flag_key": {"type": "string", "minLength": 1},
					"status": {"enum": ["ENABLED", "DISABLED"]},
					"branch_id": {"type": "string"}}}`,
			Handler: emit(flags.EventTypeSet, passthrough("flag_key", "status", "branch_id")),
		},
		{
			Spec: registry.CommandSpec{
				CommandType: CmdFlagClear, SourceEngine: "core",
				Scope: business, Essential: true, AIForbidden: true,
			},
			SchemaJSON: `{"type": "object", "required": ["flag_key"],
				"properties": {
					"flag_key": {"type": "string", "minLength": 1},
					"branch_id": {"type": "string"}}}`,
			// Clearing is a disable: the flag history stays in the log.
			Handler: bus.HandlerFunc(func(cmd *event.Command, view bus.View, clk clock.Clock) ([]*event.Event, *policy.Rejection) {
				payload := map[string]any{
					"flag_key": cmd.Payload["flag_key"],
					"status":   flags.StatusDisabled,
				}
				if branch, ok := cmd.Payload["branch_id"]; ok {
					payload["branch_id"] = branch
				}
				return []*event.Event{{
					EventType:    flags.EventTypeSet,
					EventVersion: 1,
					CreatedAt:    clk.Now(),
					Payload:      payload,
				}}, nil
			}),
		},
		{
			Spec: registry.CommandSpec{
				CommandType: CmdProfileUpsert, SourceEngine: "core",
				Scope: business, AIForbidden: true,
			},
			Handler: emit(compliance.EventTypeProfileUpserted, passthrough("profile")),
		},
		{
			Spec: registry.CommandSpec{
				CommandType: CmdProfileDeactivate, SourceEngine: "core",
				Scope: business, AIForbidden: true,
			},
			Handler: emit(compliance.EventTypeProfileDeactivated, passthrough("profile_id")),
		},
		{
			Spec: registry.CommandSpec{
				CommandType: CmdModeSet, SourceEngine: "core",
				Scope: business, Essential: true, AIForbidden: true,
			},
			SchemaJSON: `{"type": "object", "required": ["mode"],
				"properties": {
					"mode": {"enum": ["NORMAL", "DEGRADED", "READ_ONLY"]},
					"reason": {"type": "string"}}}`,
			Handler: emit(resilience.EventTypeModeSet, passthrough("mode", "reason")),
		},
		{
			Spec: registry.CommandSpec{
				CommandType: CmdRoleAssign, SourceEngine: "core",
				Scope: business, Actor: tenant.SystemAllowed,
				Essential: true, AIForbidden: true,
			},
			SchemaJSON: `{"type": "object", "required": ["actor_id", "role"],
				"properties": {
					"actor_id": {"type": "string", "minLength": 1},
					"role": {"type": "string", "minLength": 1},
					"actor_type": {"enum": ["HUMAN", "SYSTEM", "DEVICE", "AI"]}}}`,
			Handler: emit(identity.EventTypeRoleAssigned, passthrough("actor_id", "role", "actor_type")),
		},
		{
			Spec: registry.CommandSpec{
				CommandType: CmdRoleRevoke, SourceEngine: "core",
				Scope: business, AIForbidden: true,
			},
			SchemaJSON: `{"type": "object", "required": ["actor_id", "role"],
				"properties": {
					"actor_id": {"type": "string", "minLength": 1},
					"role": {"type": "string", "minLength": 1}}}`,
			Handler: emit(identity.EventTypeRoleRevoked, passthrough("actor_id", "role")),
		},
		{
			Spec: registry.CommandSpec{
				CommandType: CmdAPIKeyCreate, SourceEngine: "core",
				Scope: business, AIForbidden: true,
			},
			Handler: emit(identity.EventTypeAPIKeyCreated, passthrough("api_key")),
		},
		{
			Spec: registry.CommandSpec{
				CommandType: CmdAPIKeyRevoke, SourceEngine: "core",
				Scope: business, AIForbidden: true,
			},
			SchemaJSON: `{"type": "object", "required": ["key_id"],
				"properties": {"key_id": {"type": "string", "minLength": 1}}}`,
			Handler: emit(identity.EventTypeAPIKeyRevoked, passthrough("key_id")),
		},
		{
			Spec: registry.CommandSpec{
				CommandType: CmdAPIKeyRotate, SourceEngine: "core",
				Scope: business, AIForbidden: true,
			},
			Handler: emit(identity.EventTypeAPIKeyRotated, passthrough("api_key", "rotated_from")),
		},
	}
	return regs
}

// emit builds a handler that turns a command into exactly one event
// of the given type with a payload derived from the command payload.
func emit(eventType string, build func(cmd *event.Command) map[string]any) bus.Handler {
	return bus.HandlerFunc(func(cmd *event.Command, view bus.View, clk clock.Clock) ([]*event.Event, *policy.Rejection) {
		return []*event.Event{{
			EventType:    eventType,
			EventVersion: 1,
			CreatedAt:    clk.Now(),
			Payload:      build(cmd),
		}}, nil
	})
}

// passthrough copies the named payload fields from command to event;
// with no names, the full command payload is carried over.
func passthrough(fields ...string) func(cmd *event.Command) map[string]any {
	return func(cmd *event.Command) map[string]any {
		out := map[string]any{}
		if len(fields) == 0 {
			for k, v := range cmd.Payload {
				out[k] = v
			}
			return out
		}
		for _, f := range fields {
			if v, ok := cmd.Payload[f]; ok {
				out[f] = v
			}
		}
		return out
	}
}

// SetupCommands are the admin commands allowed against a business
// still in CREATED state (or not yet in the directory).
func SetupCommands() map[string]bool {
	return map[string]bool{
		CmdBusinessCreate:   true,
		CmdBusinessActivate: true,
		CmdFlagSet:          true,
		CmdRoleAssign:       true,
	}
}
