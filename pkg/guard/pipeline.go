// Package guard implements the fixed-order policy pipeline that gates
// every mutation.
//
// Order: structural validation, actor, scope, business state, feature
// flag, tenant isolation, rate limit, anomaly, resilience mode,
// compliance. Each guard is a pure function over the command and its
// context, returning nil (pass) or a structured rejection. The
// pipeline short-circuits on the first rejection, and fails closed:
// a guard panic becomes GUARD_INTERNAL_ERROR, never a pass.
package guard

import (
	"context"

	"github.com/Mindburn-Labs/bos/core/pkg/event"
	"github.com/Mindburn-Labs/bos/core/pkg/policy"
	"github.com/Mindburn-Labs/bos/core/pkg/registry"
	"github.com/Mindburn-Labs/bos/core/pkg/tenant"
)

// Input is everything a guard may consult. Guards never reach outside
// it.
type Input struct {
	Command *event.Command
	Spec    *registry.CommandSpec
	Tenant  *tenant.Context
}

// Guard is one pipeline stage.
type Guard interface {
	// Name identifies the guard in rejections (policy_name).
	Name() string
	// Check returns nil to pass or a rejection to stop the command.
	Check(ctx context.Context, in *Input) *policy.Rejection
}

// Pipeline is an ordered guard chain.
type Pipeline struct {
	guards []Guard
}

// NewPipeline builds a pipeline preserving the given order.
func NewPipeline(guards ...Guard) *Pipeline {
	return &Pipeline{guards: guards}
}

// Evaluate runs the chain. The first rejection wins; later guards are
// not consulted.
func (p *Pipeline) Evaluate(ctx context.Context, in *Input) *policy.Rejection {
	for _, g := range p.guards {
		if rej := p.run(ctx, g, in); rej != nil {
			return rej
		}
		if err := ctx.Err(); err != nil {
			return policy.Reject(policy.CodeGuardInternalError, g.Name(),
				"command deadline exceeded during guard evaluation")
		}
	}
	return nil
}

// run isolates one guard, converting panics into fail-closed
// rejections.
func (p *Pipeline) run(ctx context.Context, g Guard, in *Input) (rej *policy.Rejection) {
	defer func() {
		if r := recover(); r != nil {
			rej = policy.Reject(policy.CodeGuardInternalError, g.Name(),
				"guard failed internally: %v", r)
		}
	}()
	return g.Check(ctx, in)
}

// guardFunc adapts a function to the Guard interface.
type guardFunc struct {
	name  string
	check func(ctx context.Context, in *Input) *policy.Rejection
}

func (g guardFunc) Name() string { return g.name }
func (g guardFunc) Check(ctx context.Context, in *Input) *policy.Rejection {
	return g.check(ctx, in)
}

// Func wraps a bare function as a named guard.
func Func(name string, check func(ctx context.Context, in *Input) *policy.Rejection) Guard {
	return guardFunc{name: name, check: check}
}

// internalError is the shared fail-closed constructor for guards that
// hit infrastructure trouble mid-check.
func internalError(name string, err error) *policy.Rejection {
	return policy.Reject(policy.CodeGuardInternalError, name,
		"guard failed internally: %v", err)
}
