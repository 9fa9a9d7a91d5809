package guard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/bos/core/pkg/clock"
	"github.com/Mindburn-Labs/bos/core/pkg/compliance"
	"github.com/Mindburn-Labs/bos/core/pkg/event"
	"github.com/Mindburn-Labs/bos/core/pkg/flags"
	"github.com/Mindburn-Labs/bos/core/pkg/policy"
	"github.com/Mindburn-Labs/bos/core/pkg/registry"
	"github.com/Mindburn-Labs/bos/core/pkg/resilience"
	"github.com/Mindburn-Labs/bos/core/pkg/tenant"
)

func testCommand() *event.Command {
	return &event.Command{
		CommandID:    "c-1",
		CommandType:  "cash.drawer.open.request",
		BusinessID:   "b-1",
		ActorType:    event.ActorHuman,
		ActorID:      "user-1",
		IssuedAt:     time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Payload:      map[string]any{},
		SourceEngine: "cash",
	}
}

func testInput(cmd *event.Command, spec *registry.CommandSpec) *Input {
	if spec == nil {
		spec = &registry.CommandSpec{
			CommandType:  cmd.CommandType,
			SourceEngine: cmd.SourceEngine,
			Scope:        tenant.ScopeBusinessAllowed,
			Actor:        tenant.ActorRequired,
		}
	}
	return &Input{
		Command: cmd,
		Spec:    spec,
		Tenant: &tenant.Context{
			BusinessID: cmd.BusinessID,
			BranchID:   cmd.BranchID,
			Actor:      &tenant.Actor{Type: cmd.ActorType, ID: cmd.ActorID},
		},
	}
}

func activeDirectory(businessID string, branches ...string) *tenant.Directory {
	d := tenant.NewDirectory()
	_ = d.Apply(tenant.EventTypeBusinessCreated, event.View{BusinessID: businessID, EventID: "e-c"})
	_ = d.Apply(tenant.EventTypeBusinessActivated, event.View{BusinessID: businessID, EventID: "e-a"})
	for _, b := range branches {
		_ = d.Apply(tenant.EventTypeBranchAdded, event.View{
			BusinessID: businessID, EventID: "e-b",
			Payload: map[string]any{"branch_id": b},
		})
	}
	return d
}

func TestPipelineShortCircuitOrder(t *testing.T) {
	// Both guards would reject; the earlier one must win.
	first := Func("first_guard", func(ctx context.Context, in *Input) *policy.Rejection {
		return policy.Reject(policy.CodeBranchRequiredMissing, "first_guard", "first")
	})
	second := Func("second_guard", func(ctx context.Context, in *Input) *policy.Rejection {
		return policy.Reject(policy.CodeFeatureDisabled, "second_guard", "second")
	})
	p := NewPipeline(first, second)

	rej := p.Evaluate(context.Background(), testInput(testCommand(), nil))
	require.NotNil(t, rej)
	require.Equal(t, policy.CodeBranchRequiredMissing, rej.Code)
	require.Equal(t, "first_guard", rej.PolicyName)
}

func TestPipelineFailClosedOnPanic(t *testing.T) {
	panicking := Func("exploding_guard", func(ctx context.Context, in *Input) *policy.Rejection {
		panic("boom")
	})
	p := NewPipeline(panicking)

	rej := p.Evaluate(context.Background(), testInput(testCommand(), nil))
	require.NotNil(t, rej)
	require.Equal(t, policy.CodeGuardInternalError, rej.Code)
}

func TestStructuralGuardMissingBusiness(t *testing.T) {
	g := &StructuralGuard{}
	cmd := testCommand()
	cmd.BusinessID = ""
	rej := g.Check(context.Background(), testInput(cmd, nil))
	require.NotNil(t, rej)
	require.Equal(t, policy.CodeMissingBusinessID, rej.Code)
}

func TestStructuralGuardBadEnvelope(t *testing.T) {
	g := &StructuralGuard{}
	cmd := testCommand()
	cmd.CommandType = "cash.drawer.open" // no .request
	rej := g.Check(context.Background(), testInput(cmd, nil))
	require.NotNil(t, rej)
	require.Equal(t, policy.CodeInvalidCommandStructure, rej.Code)
}

func TestActorGuardMissing(t *testing.T) {
	g := &ActorGuard{}
	cmd := testCommand()
	cmd.ActorID = ""
	rej := g.Check(context.Background(), testInput(cmd, nil))
	require.NotNil(t, rej)
	require.Equal(t, policy.CodeActorRequiredMissing, rej.Code)
}

func TestActorGuardUnresolved(t *testing.T) {
	g := &ActorGuard{}
	in := testInput(testCommand(), nil)
	in.Tenant.Actor = nil
	rej := g.Check(context.Background(), in)
	require.NotNil(t, rej)
	require.Equal(t, policy.CodeActorInvalid, rej.Code)
}

func TestActorGuardAIForbidden(t *testing.T) {
	cmd := testCommand()
	cmd.ActorType = event.ActorAI
	spec := &registry.CommandSpec{
		CommandType: cmd.CommandType, Actor: tenant.ActorRequired, AIForbidden: true,
	}
	g := &ActorGuard{}
	rej := g.Check(context.Background(), testInput(cmd, spec))
	require.NotNil(t, rej)
	require.Equal(t, policy.CodeAIExecutionForbidden, rej.Code)
}

func TestScopeGuardBranchRequired(t *testing.T) {
	cmd := testCommand() // branch_id empty
	spec := &registry.CommandSpec{
		CommandType: cmd.CommandType, Scope: tenant.ScopeBranchRequired, Actor: tenant.ActorRequired,
	}
	g := &ScopeGuard{Directory: activeDirectory("b-1")}
	rej := g.Check(context.Background(), testInput(cmd, spec))
	require.NotNil(t, rej)
	require.Equal(t, policy.CodeBranchRequiredMissing, rej.Code)
	require.Equal(t, "scope_guard", rej.PolicyName)
}

func TestScopeGuardForeignBranch(t *testing.T) {
	cmd := testCommand()
	cmd.BranchID = "br-9" // not registered under b-1
	g := &ScopeGuard{Directory: activeDirectory("b-1", "br-1")}
	rej := g.Check(context.Background(), testInput(cmd, nil))
	require.NotNil(t, rej)
	require.Equal(t, policy.CodeBranchNotInBusiness, rej.Code)
}

func TestScopeGuardPassesOpenBranch(t *testing.T) {
	cmd := testCommand()
	cmd.BranchID = "br-1"
	g := &ScopeGuard{Directory: activeDirectory("b-1", "br-1")}
	require.Nil(t, g.Check(context.Background(), testInput(cmd, nil)))
}

func TestLifecycleGuardStates(t *testing.T) {
	d := activeDirectory("b-1")
	g := &LifecycleGuard{Directory: d, SetupCommands: map[string]bool{}}
	require.Nil(t, g.Check(context.Background(), testInput(testCommand(), nil)))

	_ = d.Apply(tenant.EventTypeBusinessSuspended, event.View{BusinessID: "b-1", EventID: "e-s"})
	rej := g.Check(context.Background(), testInput(testCommand(), nil))
	require.NotNil(t, rej)
	require.Equal(t, policy.CodeBusinessSuspended, rej.Code)

	_ = d.Apply(tenant.EventTypeBusinessClosed, event.View{BusinessID: "b-1", EventID: "e-x"})
	rej = g.Check(context.Background(), testInput(testCommand(), nil))
	require.NotNil(t, rej)
	require.Equal(t, policy.CodeBusinessClosed, rej.Code)
}

func TestFlagGuard(t *testing.T) {
	fl := flags.NewEvaluator()
	g := &FlagGuard{Flags: fl}
	spec := &registry.CommandSpec{
		CommandType: "cash.drawer.open.request", Actor: tenant.ActorRequired,
		FlagKey: "ENABLE_CASH_ENGINE",
	}

	rej := g.Check(context.Background(), testInput(testCommand(), spec))
	require.NotNil(t, rej)
	require.Equal(t, policy.CodeFeatureDisabled, rej.Code)

	require.NoError(t, fl.Apply(flags.EventTypeSet, event.View{
		BusinessID: "b-1", EventID: "e-f",
		Payload: map[string]any{"flag_key": "ENABLE_CASH_ENGINE", "status": "ENABLED"},
	}))
	require.Nil(t, g.Check(context.Background(), testInput(testCommand(), spec)))
}

func TestIsolationGuardCrossTenant(t *testing.T) {
	checker := tenant.NewIsolationChecker()
	checker.BindBusiness("user-1", "b-1")
	g := &IsolationGuard{Checker: checker}

	cmd := testCommand()
	cmd.BusinessID = "b-2"
	rej := g.Check(context.Background(), testInput(cmd, nil))
	require.NotNil(t, rej)
	require.Equal(t, policy.CodeActorUnauthorizedBusiness, rej.Code)
}

func TestIsolationGuardBranchRestriction(t *testing.T) {
	checker := tenant.NewIsolationChecker()
	checker.BindBusiness("user-1", "b-1")
	checker.RestrictBranches("user-1", "b-1", "br-1")
	g := &IsolationGuard{Checker: checker}

	cmd := testCommand()
	cmd.BranchID = "br-2"
	rej := g.Check(context.Background(), testInput(cmd, nil))
	require.NotNil(t, rej)
	require.Equal(t, policy.CodeActorUnauthorizedBranch, rej.Code)

	cmd.BranchID = "br-1"
	require.Nil(t, g.Check(context.Background(), testInput(cmd, nil)))
}

func TestRateLimitGuard(t *testing.T) {
	g := NewRateLimitGuard(NewLocalLimiter())
	g.Tiers = map[event.ActorType]Tier{
		event.ActorHuman: {PerMinute: 60, Burst: 2},
	}

	in := testInput(testCommand(), nil)
	require.Nil(t, g.Check(context.Background(), in))
	require.Nil(t, g.Check(context.Background(), in))
	rej := g.Check(context.Background(), in)
	require.NotNil(t, rej, "third call exceeds the burst")
	require.Equal(t, policy.CodeQuotaExceeded, rej.Code)
}

func TestAnomalyGuardRepeatedRejections(t *testing.T) {
	clk := clock.NewStep(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), time.Second)
	det := NewAnomalyDetector(AnomalyThresholds{MaxRejections: 3}, clk)
	g := &AnomalyGuard{Detector: det}

	in := testInput(testCommand(), nil)
	require.Nil(t, g.Check(context.Background(), in))

	for i := 0; i < 3; i++ {
		det.Observe("user-1", "b-1", "", true)
	}
	rej := g.Check(context.Background(), in)
	require.NotNil(t, rej)
	require.Equal(t, policy.CodeQuotaExceeded, rej.Code)
	require.Equal(t, "repeated rejections", rej.Details["pattern"])
}

func TestAnomalyGuardBranchSwitching(t *testing.T) {
	clk := clock.NewStep(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), time.Second)
	det := NewAnomalyDetector(AnomalyThresholds{MaxBranchSwitches: 3, Window: time.Hour}, clk)
	for _, br := range []string{"br-1", "br-2", "br-3"} {
		det.Observe("user-1", "b-1", br, false)
	}
	require.Equal(t, "rapid branch switching", det.Advisory("user-1", "b-1"))
}

func TestAnomalyWindowExpires(t *testing.T) {
	clk := clock.NewStep(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), 45*time.Second)
	det := NewAnomalyDetector(AnomalyThresholds{MaxRejections: 2, Window: time.Minute}, clk)
	det.Observe("user-1", "b-1", "", true) // at t0
	det.Observe("user-1", "b-1", "", true) // at t0+45s
	// The advisory read lands at t0+90s; the first observation has
	// left the one-minute window, so the threshold is not met.
	require.Equal(t, "", det.Advisory("user-1", "b-1"))
}

func TestResilienceGuardModes(t *testing.T) {
	health := resilience.NewHealth()
	g := &ResilienceGuard{Health: health}
	essential := &registry.CommandSpec{
		CommandType: "cash.drawer.open.request", Actor: tenant.ActorRequired, Essential: true,
	}

	require.Nil(t, g.Check(context.Background(), testInput(testCommand(), nil)))

	require.NoError(t, health.Apply(resilience.EventTypeModeSet, event.View{
		BusinessID: "b-1", EventID: "e-m",
		Payload: map[string]any{"mode": "DEGRADED", "reason": "backend slow"},
	}))
	rej := g.Check(context.Background(), testInput(testCommand(), nil))
	require.NotNil(t, rej)
	require.Equal(t, policy.CodeReadOnlyMode, rej.Code)
	require.Nil(t, g.Check(context.Background(), testInput(testCommand(), essential)),
		"essential commands pass in DEGRADED")

	require.NoError(t, health.Apply(resilience.EventTypeModeSet, event.View{
		BusinessID: "b-1", EventID: "e-r",
		Payload: map[string]any{"mode": "READ_ONLY"},
	}))
	rej = g.Check(context.Background(), testInput(testCommand(), essential))
	require.NotNil(t, rej, "nothing mutates in READ_ONLY")
	require.Equal(t, policy.CodeReadOnlyMode, rej.Code)
}

func TestComplianceGuard(t *testing.T) {
	reg, err := compliance.NewRegistry()
	require.NoError(t, err)
	require.NoError(t, reg.Upsert(&compliance.Profile{
		ProfileID:  "p-1",
		BusinessID: "b-1",
		Name:       "cash controls",
		Active:     true,
		Rules: []compliance.Rule{
			compliance.MaxValue("amount", 1000, "cash.*.*.request"),
		},
	}))
	g := &ComplianceGuard{Registry: reg}

	ok := testCommand()
	ok.Payload = map[string]any{"amount": 500}
	require.Nil(t, g.Check(context.Background(), testInput(ok, nil)))

	over := testCommand()
	over.Payload = map[string]any{"amount": 5000}
	rej := g.Check(context.Background(), testInput(over, nil))
	require.NotNil(t, rej)
	require.Equal(t, policy.CodeComplianceViolation, rej.Code)
	require.Equal(t, "compliance_guard", rej.PolicyName)
}
