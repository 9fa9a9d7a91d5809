package guard

import (
	"context"

	"github.com/Mindburn-Labs/bos/core/pkg/compliance"
	"github.com/Mindburn-Labs/bos/core/pkg/event"
	"github.com/Mindburn-Labs/bos/core/pkg/flags"
	"github.com/Mindburn-Labs/bos/core/pkg/policy"
	"github.com/Mindburn-Labs/bos/core/pkg/registry"
	"github.com/Mindburn-Labs/bos/core/pkg/resilience"
	"github.com/Mindburn-Labs/bos/core/pkg/tenant"
)

// StructuralGuard validates the command envelope and its declared
// payload schema. It runs first: nothing downstream sees a malformed
// command.
type StructuralGuard struct {
	Commands *registry.Commands
}

func (g *StructuralGuard) Name() string { return "structural_guard" }

func (g *StructuralGuard) Check(ctx context.Context, in *Input) *policy.Rejection {
	cmd := in.Command
	if cmd.BusinessID == "" {
		return policy.Reject(policy.CodeMissingBusinessID, g.Name(),
			"command %s carries no business_id", cmd.CommandType)
	}
	if err := cmd.Validate(); err != nil {
		return policy.Reject(policy.CodeInvalidCommandStructure, g.Name(), "%v", err)
	}
	if g.Commands != nil {
		if err := g.Commands.ValidatePayload(cmd.CommandType, cmd.Payload); err != nil {
			return policy.Reject(policy.CodeInvalidCommandStructure, g.Name(), "%v", err)
		}
	}
	return nil
}

// ActorGuard enforces the command's actor requirement: presence,
// validity, and the AI forbidden-operation set.
type ActorGuard struct{}

func (g *ActorGuard) Name() string { return "actor_guard" }

func (g *ActorGuard) Check(ctx context.Context, in *Input) *policy.Rejection {
	cmd := in.Command
	if in.Spec.Actor == tenant.ActorRequired {
		if cmd.ActorID == "" {
			return policy.Reject(policy.CodeActorRequiredMissing, g.Name(),
				"command %s requires an actor", cmd.CommandType)
		}
		if in.Tenant.Actor == nil || in.Tenant.Actor.ID != cmd.ActorID {
			return policy.Reject(policy.CodeActorInvalid, g.Name(),
				"actor %s could not be resolved", cmd.ActorID)
		}
	}
	// AI is advisory only: operations marked forbidden never execute
	// under an AI actor regardless of its bindings.
	if cmd.ActorType == event.ActorAI && in.Spec.AIForbidden {
		return policy.Reject(policy.CodeAIExecutionForbidden, g.Name(),
			"AI actors cannot execute %s; AI is advisory only", cmd.CommandType)
	}
	return nil
}

// ScopeGuard enforces the command's scope declaration. A branch is
// never inferred: BRANCH_REQUIRED with no branch_id rejects.
type ScopeGuard struct {
	Directory *tenant.Directory
}

func (g *ScopeGuard) Name() string { return "scope_guard" }

func (g *ScopeGuard) Check(ctx context.Context, in *Input) *policy.Rejection {
	cmd := in.Command
	if in.Spec.Scope == tenant.ScopeBranchRequired && cmd.BranchID == "" {
		return policy.Reject(policy.CodeBranchRequiredMissing, g.Name(),
			"command %s requires a branch scope", cmd.CommandType)
	}
	if cmd.BranchID != "" && g.Directory != nil {
		if !g.Directory.BranchOpen(cmd.BusinessID, cmd.BranchID) {
			return policy.Reject(policy.CodeBranchNotInBusiness, g.Name(),
				"branch %s is not an open branch of business %s", cmd.BranchID, cmd.BusinessID)
		}
	}
	return nil
}

// LifecycleGuard requires the business to be in an accepting state.
// Setup commands (business bootstrap itself) are exempted by spec.
type LifecycleGuard struct {
	Directory *tenant.Directory
	// SetupCommands may run against a business in CREATED state or one
	// not yet in the directory at all.
	SetupCommands map[string]bool
}

func (g *LifecycleGuard) Name() string { return "business_state_guard" }

func (g *LifecycleGuard) Check(ctx context.Context, in *Input) *policy.Rejection {
	cmd := in.Command
	state, known := g.Directory.State(cmd.BusinessID)
	if !known {
		if g.SetupCommands[cmd.CommandType] {
			return nil
		}
		return policy.Reject(policy.CodeActorUnauthorizedBusiness, g.Name(),
			"business %s does not exist", cmd.BusinessID)
	}
	switch state {
	case tenant.LifecycleActive:
		return nil
	case tenant.LifecycleCreated:
		if g.SetupCommands[cmd.CommandType] {
			return nil
		}
		return policy.Reject(policy.CodeBusinessSuspended, g.Name(),
			"business %s is not yet activated", cmd.BusinessID)
	case tenant.LifecycleSuspended, tenant.LifecycleLegalHold:
		return policy.Reject(policy.CodeBusinessSuspended, g.Name(),
			"business %s is suspended", cmd.BusinessID)
	case tenant.LifecycleClosed:
		return policy.Reject(policy.CodeBusinessClosed, g.Name(),
			"business %s is closed", cmd.BusinessID)
	}
	return policy.Reject(policy.CodeGuardInternalError, g.Name(),
		"unknown lifecycle state %q", state)
}

// FlagGuard requires the command's engine flag to be enabled for the
// tenant. Commands without a flag key (core administration) pass.
type FlagGuard struct {
	Flags *flags.Evaluator
}

func (g *FlagGuard) Name() string { return "feature_flag_guard" }

func (g *FlagGuard) Check(ctx context.Context, in *Input) *policy.Rejection {
	key := in.Spec.FlagKey
	if key == "" {
		return nil
	}
	if !g.Flags.Enabled(in.Command.BusinessID, key, in.Command.BranchID) {
		return policy.Reject(policy.CodeFeatureDisabled, g.Name(),
			"flag %s is not enabled for business %s", key, in.Command.BusinessID)
	}
	return nil
}

// IsolationGuard verifies the command's tenant scope against the
// actor's allowed scope. SYSTEM actors acting for the kernel itself
// are bound like everyone else.
type IsolationGuard struct {
	Checker *tenant.IsolationChecker
}

func (g *IsolationGuard) Name() string { return "tenant_isolation_guard" }

func (g *IsolationGuard) Check(ctx context.Context, in *Input) *policy.Rejection {
	cmd := in.Command
	// Commands declared SYSTEM_ALLOWED run unattended before any
	// binding exists (bootstrap, scheduled maintenance).
	if in.Spec.Actor == tenant.SystemAllowed {
		return nil
	}
	if !g.Checker.AllowsBusiness(cmd.ActorID, cmd.BusinessID) {
		return policy.Reject(policy.CodeActorUnauthorizedBusiness, g.Name(),
			"actor %s is not bound to business %s", cmd.ActorID, cmd.BusinessID)
	}
	if cmd.BranchID != "" && !g.Checker.AllowsBranch(cmd.ActorID, cmd.BusinessID, cmd.BranchID) {
		return policy.Reject(policy.CodeActorUnauthorizedBranch, g.Name(),
			"actor %s is not bound to branch %s", cmd.ActorID, cmd.BranchID)
	}
	return nil
}

// ResilienceGuard rejects mutations outside the accepting modes:
// everything in READ_ONLY, all but the essential set in DEGRADED.
// Recovery commands (the mode transition itself) stay executable in
// every mode — a tenant must be able to leave READ_ONLY.
type ResilienceGuard struct {
	Health   *resilience.Health
	Recovery map[string]bool
}

func (g *ResilienceGuard) Name() string { return "resilience_guard" }

func (g *ResilienceGuard) Check(ctx context.Context, in *Input) *policy.Rejection {
	if g.Recovery[in.Command.CommandType] {
		return nil
	}
	mode, reason := g.Health.Current(in.Command.BusinessID)
	switch mode {
	case resilience.ModeNormal:
		return nil
	case resilience.ModeDegraded:
		if in.Spec.Essential {
			return nil
		}
		return policy.Reject(policy.CodeReadOnlyMode, g.Name(),
			"system is degraded (%s); only essential commands run", reason)
	case resilience.ModeReadOnly:
		return policy.Reject(policy.CodeReadOnlyMode, g.Name(),
			"system is read-only (%s)", reason)
	}
	return policy.Reject(policy.CodeGuardInternalError, g.Name(),
		"unknown resilience mode %q", mode)
}

// ComplianceGuard evaluates the business's active compliance profile.
// It runs last: only fully authorized commands reach it.
type ComplianceGuard struct {
	Registry *compliance.Registry
}

func (g *ComplianceGuard) Name() string { return "compliance_guard" }

func (g *ComplianceGuard) Check(ctx context.Context, in *Input) *policy.Rejection {
	return g.Registry.Evaluate(in.Command)
}
