package kernel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/bos/core/pkg/audit"
	"github.com/Mindburn-Labs/bos/core/pkg/bus"
	"github.com/Mindburn-Labs/bos/core/pkg/canonical"
	"github.com/Mindburn-Labs/bos/core/pkg/clock"
	"github.com/Mindburn-Labs/bos/core/pkg/config"
	"github.com/Mindburn-Labs/bos/core/pkg/engine"
	"github.com/Mindburn-Labs/bos/core/pkg/event"
	"github.com/Mindburn-Labs/bos/core/pkg/policy"
	"github.com/Mindburn-Labs/bos/core/pkg/projection"
	"github.com/Mindburn-Labs/bos/core/pkg/registry"
	"github.com/Mindburn-Labs/bos/core/pkg/replay"
	"github.com/Mindburn-Labs/bos/core/pkg/store"
	"github.com/Mindburn-Labs/bos/core/pkg/subscriber"
	"github.com/Mindburn-Labs/bos/core/pkg/tenant"
)

// drawerProjection counts drawer openings per branch.
type drawerProjection struct {
	mu    sync.Mutex
	opens map[string]int
}

func newDrawerProjection() *drawerProjection {
	return &drawerProjection{opens: map[string]int{}}
}

func (p *drawerProjection) Name() string         { return "cash.drawers" }
func (p *drawerProjection) EventTypes() []string { return []string{"cash.drawer.opened.v1"} }

func (p *drawerProjection) Apply(eventType string, ev event.View) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opens[ev.BranchID]++
	return nil
}

func (p *drawerProjection) Truncate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opens = map[string]int{}
}

func (p *drawerProjection) Snapshot() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return json.Marshal(p.opens)
}

func (p *drawerProjection) Restore(data []byte) error {
	opens := map[string]int{}
	if err := json.Unmarshal(data, &opens); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opens = opens
	return nil
}

// cashEngine is the domain fixture: a branch-scoped drawer command.
type cashEngine struct {
	drawers *drawerProjection
}

func (e *cashEngine) Manifest() engine.Manifest {
	return engine.Manifest{Name: "cash", Version: "1.0.0", FlagKey: "ENABLE_CASH_ENGINE"}
}

func (e *cashEngine) EventTypes() []engine.EventTypeRegistration {
	return []engine.EventTypeRegistration{
		{EventType: "cash.drawer.opened.v1", Version: 1, SchemaJSON: `{
			"type": "object",
			"required": ["drawer_id"],
			"properties": {"drawer_id": {"type": "string", "minLength": 1}}
		}`},
	}
}

func (e *cashEngine) Commands() []engine.CommandRegistration {
	return []engine.CommandRegistration{{
		Spec: registry.CommandSpec{
			CommandType: "cash.drawer.open.request",
			Scope:       tenant.ScopeBranchRequired,
			Actor:       tenant.ActorRequired,
			AIForbidden: true,
		},
		Handler: bus.HandlerFunc(func(cmd *event.Command, view bus.View, clk clock.Clock) ([]*event.Event, *policy.Rejection) {
			drawer, _ := cmd.Payload["drawer_id"].(string)
			if drawer == "" {
				drawer = "main"
			}
			return []*event.Event{{
				EventType:    "cash.drawer.opened.v1",
				EventVersion: 1,
				CreatedAt:    clk.Now(),
				Payload:      map[string]any{"drawer_id": drawer},
			}}, nil
		}),
	}}
}

func (e *cashEngine) Projections() []projection.Projection {
	return []projection.Projection{e.drawers}
}

func (e *cashEngine) Subscriptions() []engine.Subscription { return nil }

type fixture struct {
	k     *Kernel
	store *store.MemoryStore
	cash  *cashEngine
}

func newFixture(t *testing.T, opts ...func(*Options)) *fixture {
	t.Helper()
	clk := clock.NewStep(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), time.Second)
	es := store.NewMemoryStore(nil, clk)
	o := Options{Store: es, Clock: clk}
	for _, apply := range opts {
		apply(&o)
	}
	k, err := New(o)
	require.NoError(t, err)

	cash := &cashEngine{drawers: newDrawerProjection()}
	require.NoError(t, k.RegisterEngine(cash))
	return &fixture{k: k, store: es, cash: cash}
}

func (f *fixture) execute(t *testing.T, commandType, businessID string, mutate ...func(*event.Command)) policy.Outcome {
	t.Helper()
	cmd := &event.Command{
		CommandID:    uuid.NewString(),
		CommandType:  commandType,
		BusinessID:   businessID,
		ActorType:    event.ActorSystem,
		ActorID:      "ops",
		IssuedAt:     time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Payload:      map[string]any{},
		SourceEngine: "core",
	}
	for _, m := range mutate {
		m(cmd)
	}
	return f.k.Execute(context.Background(), cmd)
}

func (f *fixture) mustExecute(t *testing.T, commandType, businessID string, mutate ...func(*event.Command)) []*event.Event {
	t.Helper()
	outcome := f.execute(t, commandType, businessID, mutate...)
	require.True(t, outcome.Accepted, "command %s rejected: %+v", commandType, outcome.Rejection)
	return outcome.Events
}

// bootstrap creates and activates a business with one bound admin.
func (f *fixture) bootstrap(t *testing.T, businessID, admin string) {
	t.Helper()
	f.mustExecute(t, engine.CmdBusinessCreate, businessID, func(c *event.Command) {
		c.Payload = map[string]any{"name": "Test Business"}
	})
	f.mustExecute(t, engine.CmdRoleAssign, businessID, func(c *event.Command) {
		c.Payload = map[string]any{"actor_id": admin, "role": "owner", "actor_type": "HUMAN"}
	})
	f.mustExecute(t, engine.CmdBusinessActivate, businessID)
}

func (f *fixture) asHuman(admin string) func(*event.Command) {
	return func(c *event.Command) {
		c.ActorType = event.ActorHuman
		c.ActorID = admin
	}
}

func TestS1GenesisBootstrap(t *testing.T) {
	f := newFixture(t)
	events := f.mustExecute(t, engine.CmdBusinessCreate, "B1", func(c *event.Command) {
		c.IssuedAt = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		c.Payload = map[string]any{"name": "B1"}
	})
	require.Len(t, events, 1)
	require.Equal(t, canonical.GenesisHash, events[0].PreviousEventHash)
	require.NotEmpty(t, events[0].EventHash)
	require.NoError(t, f.k.VerifyChain(context.Background(), "B1"))
}

func TestS2ChainContinuation(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(t, "B1", "admin")

	tipBefore, err := f.store.Tip(context.Background(), "B1")
	require.NoError(t, err)

	events := f.mustExecute(t, engine.CmdFlagSet, "B1", f.asHuman("admin"), func(c *event.Command) {
		c.Payload = map[string]any{"flag_key": "ENABLE_RETAIL_ENGINE", "status": "ENABLED"}
	})
	require.Equal(t, tipBefore, events[0].PreviousEventHash)
	require.NoError(t, f.k.VerifyChain(context.Background(), "B1"))
}

func TestS3IdempotentRetry(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(t, "B1", "admin")

	submit := func() policy.Outcome {
		return f.k.Execute(context.Background(), &event.Command{
			CommandID:      "cmd-fixed",
			CommandType:    engine.CmdFlagSet,
			BusinessID:     "B1",
			ActorType:      event.ActorHuman,
			ActorID:        "admin",
			IssuedAt:       time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			Payload:        map[string]any{"flag_key": "ENABLE_CASH_ENGINE", "status": "ENABLED"},
			SourceEngine:   "core",
			IdempotencyKey: "retry-key-1",
		})
	}

	first := submit()
	require.True(t, first.Accepted)
	sizeAfterFirst := f.store.Len("B1")

	second := submit()
	require.True(t, second.Accepted)
	require.Equal(t, sizeAfterFirst, f.store.Len("B1"), "store size unchanged on retry")
	require.Equal(t, first.Events[0].EventID, second.Events[0].EventID)
	require.Equal(t, first.Events[0].EventHash, second.Events[0].EventHash)
}

func TestS4BranchRequiredRejection(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(t, "B1", "admin")
	f.mustExecute(t, engine.CmdFlagSet, "B1", f.asHuman("admin"), func(c *event.Command) {
		c.Payload = map[string]any{"flag_key": "ENABLE_CASH_ENGINE", "status": "ENABLED"}
	})

	outcome := f.execute(t, "cash.drawer.open.request", "B1", f.asHuman("admin"), func(c *event.Command) {
		c.SourceEngine = "cash"
		c.Payload = map[string]any{"drawer_id": "d-1"}
	})
	require.False(t, outcome.Accepted)
	require.Equal(t, policy.CodeBranchRequiredMissing, outcome.Rejection.Code)
	require.Equal(t, "scope_guard", outcome.Rejection.PolicyName)
}

func TestS5CrossTenantDeny(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(t, "B1", "admin")
	f.bootstrap(t, "B2", "other-admin")

	outcome := f.execute(t, engine.CmdFlagSet, "B2", f.asHuman("admin"), func(c *event.Command) {
		c.Payload = map[string]any{"flag_key": "ENABLE_CASH_ENGINE", "status": "ENABLED"}
	})
	require.False(t, outcome.Accepted)
	require.Equal(t, policy.CodeActorUnauthorizedBusiness, outcome.Rejection.Code)
}

func TestS6ReadOnlyMode(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(t, "B1", "admin")

	f.mustExecute(t, engine.CmdModeSet, "B1", f.asHuman("admin"), func(c *event.Command) {
		c.Payload = map[string]any{"mode": "READ_ONLY", "reason": "maintenance"}
	})

	outcome := f.execute(t, engine.CmdBranchAdd, "B1", f.asHuman("admin"), func(c *event.Command) {
		c.Payload = map[string]any{"branch_id": "br-1"}
	})
	require.False(t, outcome.Accepted)
	require.Equal(t, policy.CodeReadOnlyMode, outcome.Rejection.Code)

	// Reads still succeed.
	it, err := f.k.Read(context.Background(), "B1", store.ReadOptions{})
	require.NoError(t, err)
	defer func() { _ = it.Close() }()
	_, ok := it.Next()
	require.True(t, ok)

	// The recovery command brings the tenant back.
	f.mustExecute(t, engine.CmdModeSet, "B1", f.asHuman("admin"), func(c *event.Command) {
		c.Payload = map[string]any{"mode": "NORMAL"}
	})
	f.mustExecute(t, engine.CmdBranchAdd, "B1", f.asHuman("admin"), func(c *event.Command) {
		c.Payload = map[string]any{"branch_id": "br-1"}
	})
}

func TestS7ProjectionRebuild(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(t, "B1", "admin")
	f.mustExecute(t, engine.CmdFlagSet, "B1", f.asHuman("admin"), func(c *event.Command) {
		c.Payload = map[string]any{"flag_key": "ENABLE_CASH_ENGINE", "status": "ENABLED"}
	})
	f.mustExecute(t, engine.CmdBranchAdd, "B1", f.asHuman("admin"), func(c *event.Command) {
		c.Payload = map[string]any{"branch_id": "br-1"}
	})
	for i := 0; i < 3; i++ {
		f.mustExecute(t, "cash.drawer.open.request", "B1", f.asHuman("admin"), func(c *event.Command) {
			c.SourceEngine = "cash"
			c.BranchID = "br-1"
			c.Payload = map[string]any{"drawer_id": fmt.Sprintf("d-%d", i)}
		})
	}

	before, err := f.cash.drawers.Snapshot()
	require.NoError(t, err)
	require.JSONEq(t, `{"br-1": 3}`, string(before))

	// Wipe and replay everything.
	report, err := f.k.Rebuild(context.Background(), replay.Scope{BusinessID: "B1"})
	require.NoError(t, err)
	require.Positive(t, report.EventsApplied)

	after, err := f.cash.drawers.Snapshot()
	require.NoError(t, err)
	require.Equal(t, before, after, "rebuilt snapshot must equal the pre-wipe snapshot")
}

func TestGuardOrderEarliestWins(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(t, "B1", "admin")
	// Flag disabled AND branch missing: scope guard precedes the flag
	// guard, so the scope rejection must be reported.
	outcome := f.execute(t, "cash.drawer.open.request", "B1", f.asHuman("admin"), func(c *event.Command) {
		c.SourceEngine = "cash"
		c.Payload = map[string]any{"drawer_id": "d-1"}
	})
	require.False(t, outcome.Accepted)
	require.Equal(t, policy.CodeBranchRequiredMissing, outcome.Rejection.Code)
}

func TestUnknownCommand(t *testing.T) {
	f := newFixture(t)
	outcome := f.execute(t, "core.ghost.run.request", "B1")
	require.False(t, outcome.Accepted)
	require.Equal(t, policy.CodeUnknownCommand, outcome.Rejection.Code)
}

func TestAIExecutionForbidden(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(t, "B1", "admin")
	f.mustExecute(t, engine.CmdFlagSet, "B1", f.asHuman("admin"), func(c *event.Command) {
		c.Payload = map[string]any{"flag_key": "ENABLE_CASH_ENGINE", "status": "ENABLED"}
	})
	f.mustExecute(t, engine.CmdBranchAdd, "B1", f.asHuman("admin"), func(c *event.Command) {
		c.Payload = map[string]any{"branch_id": "br-1"}
	})
	f.mustExecute(t, engine.CmdRoleAssign, "B1", func(c *event.Command) {
		c.Payload = map[string]any{"actor_id": "advisor-1", "role": "advisor", "actor_type": "AI"}
	})

	outcome := f.execute(t, "cash.drawer.open.request", "B1", func(c *event.Command) {
		c.ActorType = event.ActorAI
		c.ActorID = "advisor-1"
		c.SourceEngine = "cash"
		c.BranchID = "br-1"
		c.Payload = map[string]any{"drawer_id": "d-1"}
	})
	require.False(t, outcome.Accepted)
	require.Equal(t, policy.CodeAIExecutionForbidden, outcome.Rejection.Code)
}

func TestRejectionAuditEvent(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.RejectionAudit = config.StaticRejectionAudit{All: true}
	})
	f.bootstrap(t, "B1", "admin")

	outcome := f.execute(t, "cash.drawer.open.request", "B1", f.asHuman("admin"), func(c *event.Command) {
		c.SourceEngine = "cash"
	})
	require.False(t, outcome.Accepted)

	it, err := f.k.Read(context.Background(), "B1", store.ReadOptions{
		EventTypes: []string{bus.RejectionEventType},
	})
	require.NoError(t, err)
	defer func() { _ = it.Close() }()

	recorded, ok := it.Next()
	require.True(t, ok, "rejection must be recorded as an audit event")
	rejection, ok := recorded.Payload["rejection"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, string(policy.CodeBranchRequiredMissing), rejection["code"])
	require.NoError(t, f.k.VerifyChain(context.Background(), "B1"))
}

func TestSubscriberFanOutAfterCommit(t *testing.T) {
	f := newFixture(t)
	var seen []string
	require.NoError(t, f.k.Subscribers().Subscribe("reporting", "cash.drawer.opened.v1",
		subscriber.HandlerFunc{
			Name: "reporting.drawers",
			Fn: func(ctx context.Context, ev event.View) error {
				seen = append(seen, ev.EventID)
				return nil
			},
		}))

	f.bootstrap(t, "B1", "admin")
	f.mustExecute(t, engine.CmdFlagSet, "B1", f.asHuman("admin"), func(c *event.Command) {
		c.Payload = map[string]any{"flag_key": "ENABLE_CASH_ENGINE", "status": "ENABLED"}
	})
	f.mustExecute(t, engine.CmdBranchAdd, "B1", f.asHuman("admin"), func(c *event.Command) {
		c.Payload = map[string]any{"branch_id": "br-1"}
	})
	f.mustExecute(t, "cash.drawer.open.request", "B1", f.asHuman("admin"), func(c *event.Command) {
		c.SourceEngine = "cash"
		c.BranchID = "br-1"
		c.Payload = map[string]any{"drawer_id": "d-1"}
	})
	require.Len(t, seen, 1)
}

func TestSnapshotSaveAndReplayFromSnapshot(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(t, "B1", "admin")
	f.mustExecute(t, engine.CmdFlagSet, "B1", f.asHuman("admin"), func(c *event.Command) {
		c.Payload = map[string]any{"flag_key": "ENABLE_CASH_ENGINE", "status": "ENABLED"}
	})
	f.mustExecute(t, engine.CmdBranchAdd, "B1", f.asHuman("admin"), func(c *event.Command) {
		c.Payload = map[string]any{"branch_id": "br-1"}
	})
	f.mustExecute(t, "cash.drawer.open.request", "B1", f.asHuman("admin"), func(c *event.Command) {
		c.SourceEngine = "cash"
		c.BranchID = "br-1"
		c.Payload = map[string]any{"drawer_id": "d-1"}
	})

	snap, err := f.k.SaveSnapshot(context.Background(), "cash.drawers", "B1")
	require.NoError(t, err)
	require.NotEmpty(t, snap.Bytes)

	f.mustExecute(t, "cash.drawer.open.request", "B1", f.asHuman("admin"), func(c *event.Command) {
		c.SourceEngine = "cash"
		c.BranchID = "br-1"
		c.Payload = map[string]any{"drawer_id": "d-2"}
	})

	report, err := f.k.Rebuild(context.Background(), replay.Scope{
		BusinessID:   "B1",
		Projections:  []string{"cash.drawers"},
		FromSnapshot: true,
	})
	require.NoError(t, err)
	require.Equal(t, snap.Cursor, report.StartedFrom["cash.drawers"])

	state, err := f.cash.drawers.Snapshot()
	require.NoError(t, err)
	require.JSONEq(t, `{"br-1": 2}`, string(state))
}

func TestJournalRecordsRejections(t *testing.T) {
	var buf bytes.Buffer
	f := newFixture(t, func(o *Options) {
		o.Journal = audit.NewWriterJournal(&buf, clock.Fixed(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)))
	})
	outcome := f.execute(t, "core.ghost.run.request", "B1")
	require.False(t, outcome.Accepted)
	require.Contains(t, buf.String(), "UNKNOWN_COMMAND")
}

func TestCrossTenantParallelAppends(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 4; i++ {
		f.bootstrap(t, fmt.Sprintf("B%d", i), "admin")
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		businessID := fmt.Sprintf("B%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				f.execute(t, engine.CmdFlagSet, businessID, f.asHuman("admin"), func(c *event.Command) {
					c.Payload = map[string]any{
						"flag_key": fmt.Sprintf("FLAG_%d", j), "status": "ENABLED",
					}
				})
			}
		}()
	}
	wg.Wait()

	for i := 0; i < 4; i++ {
		require.NoError(t, f.k.VerifyChain(context.Background(), fmt.Sprintf("B%d", i)))
	}
}
