// Package kernel is the composition root: it wires the store, the
// registries, the guard pipeline, the command bus, the projection
// runtime, the subscriber bus, and the replayer into one unit, and
// registers engines against all of them.
package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/bos/core/pkg/audit"
	"github.com/Mindburn-Labs/bos/core/pkg/bus"
	"github.com/Mindburn-Labs/bos/core/pkg/clock"
	"github.com/Mindburn-Labs/bos/core/pkg/compliance"
	"github.com/Mindburn-Labs/bos/core/pkg/engine"
	"github.com/Mindburn-Labs/bos/core/pkg/event"
	"github.com/Mindburn-Labs/bos/core/pkg/flags"
	"github.com/Mindburn-Labs/bos/core/pkg/guard"
	"github.com/Mindburn-Labs/bos/core/pkg/identity"
	"github.com/Mindburn-Labs/bos/core/pkg/observability"
	"github.com/Mindburn-Labs/bos/core/pkg/policy"
	"github.com/Mindburn-Labs/bos/core/pkg/projection"
	"github.com/Mindburn-Labs/bos/core/pkg/registry"
	"github.com/Mindburn-Labs/bos/core/pkg/replay"
	"github.com/Mindburn-Labs/bos/core/pkg/resilience"
	"github.com/Mindburn-Labs/bos/core/pkg/store"
	"github.com/Mindburn-Labs/bos/core/pkg/subscriber"
	"github.com/Mindburn-Labs/bos/core/pkg/tenant"
)

// Version is the core version engines check compatibility against.
const Version = "1.0.0"

// Options configure a Kernel. Store is required; everything else has
// a working default.
type Options struct {
	Store     store.EventStore
	Snapshots store.SnapshotStore
	Clock     clock.Clock
	Logger    *slog.Logger
	Limiter   guard.LimiterStore
	Journal   audit.Journal
	// RejectionAudit opts businesses into core.rejection.recorded.v1
	// events. Nil means off for everyone (the documented default).
	RejectionAudit bus.RejectionAuditConfig
	// AnomalyThresholds tune the anomaly guard.
	AnomalyThresholds guard.AnomalyThresholds
	// Telemetry instruments the write path. Nil gets a no-op provider.
	Telemetry *observability.Telemetry
}

// Kernel is one assembled BOS core.
type Kernel struct {
	clock     clock.Clock
	logger    *slog.Logger
	events    *registry.EventTypes
	commands  *registry.Commands
	store     store.EventStore
	snapshots store.SnapshotStore
	runtime   *projection.Runtime
	subs      *subscriber.Bus
	bus       *bus.Bus
	replayer  *replay.Replayer
	journal   audit.Journal
	telemetry *observability.Telemetry

	directory *tenant.Directory
	flags     *flags.Evaluator
	health    *resilience.Health
	comply    *compliance.Registry
	identity  *identity.Directory
	isolation *tenant.IsolationChecker
	detector  *guard.AnomalyDetector

	mu      sync.Mutex
	engines map[string]engine.Engine
}

// New assembles a kernel. The admin engine is registered
// automatically; domain engines come in through RegisterEngine.
func New(opts Options) (*Kernel, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("kernel: an event store is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Snapshots == nil {
		opts.Snapshots = store.NewMemorySnapshotStore()
	}
	if opts.Limiter == nil {
		opts.Limiter = guard.NewLocalLimiter()
	}
	if opts.Journal == nil {
		opts.Journal = audit.NewWriterJournal(nil, opts.Clock)
	}
	if opts.Telemetry == nil {
		noop, err := observability.Init(context.Background(), nil)
		if err != nil {
			return nil, err
		}
		opts.Telemetry = noop
	}

	comply, err := compliance.NewRegistry()
	if err != nil {
		return nil, err
	}

	isolation := tenant.NewIsolationChecker()
	k := &Kernel{
		clock:     opts.Clock,
		logger:    opts.Logger,
		events:    registry.NewEventTypes(),
		commands:  registry.NewCommands(),
		store:     opts.Store,
		snapshots: opts.Snapshots,
		runtime:   projection.NewRuntime(),
		subs:      subscriber.NewBus(opts.Logger),
		journal:   opts.Journal,
		telemetry: opts.Telemetry,
		directory: tenant.NewDirectory(),
		flags:     flags.NewEvaluator(),
		health:    resilience.NewHealth(),
		comply:    comply,
		identity:  identity.NewDirectory(isolation),
		isolation: isolation,
		detector:  guard.NewAnomalyDetector(opts.AnomalyThresholds, opts.Clock),
		engines:   make(map[string]engine.Engine),
	}

	pipeline := guard.NewPipeline(
		&guard.StructuralGuard{Commands: k.commands},
		&guard.ActorGuard{},
		&guard.ScopeGuard{Directory: k.directory},
		&guard.LifecycleGuard{Directory: k.directory, SetupCommands: engine.SetupCommands()},
		&guard.FlagGuard{Flags: k.flags},
		&guard.IsolationGuard{Checker: isolation},
		guard.NewRateLimitGuard(opts.Limiter),
		&guard.AnomalyGuard{Detector: k.detector},
		&guard.ResilienceGuard{
			Health:   k.health,
			Recovery: map[string]bool{engine.CmdModeSet: true},
		},
		&guard.ComplianceGuard{Registry: comply},
	)

	k.bus = bus.New(bus.Config{
		Commands: k.commands,
		Events:   k.events,
		Pipeline: pipeline,
		Store:    opts.Store,
		Runtime:  k.runtime,
		Subs:     k.subs,
		Actors:   k.identity,
		Detector: k.detector,
		Audit:    opts.RejectionAudit,
		Clock:    opts.Clock,
		Logger:   opts.Logger,
	})
	k.replayer = replay.NewReplayer(opts.Store, k.runtime, opts.Snapshots, opts.Logger)

	admin := engine.NewAdmin(k.directory, k.flags, k.health, comply, k.identity)
	if err := k.RegisterEngine(admin); err != nil {
		return nil, err
	}
	return k, nil
}

// RegisterEngine plugs an engine into the kernel: event types,
// command specs and handlers, projections, subscriptions. Command
// specs without an explicit flag key inherit the engine's.
func (k *Kernel) RegisterEngine(e engine.Engine) error {
	m := e.Manifest()
	if err := m.Validate(); err != nil {
		return err
	}

	k.mu.Lock()
	if _, exists := k.engines[m.Name]; exists {
		k.mu.Unlock()
		return fmt.Errorf("kernel: engine %s already registered", m.Name)
	}
	k.engines[m.Name] = e
	k.mu.Unlock()

	for _, et := range e.EventTypes() {
		if err := k.events.Register(et.EventType, et.Version, m.Name, et.SchemaJSON); err != nil {
			return err
		}
	}
	for _, cr := range e.Commands() {
		spec := cr.Spec
		if spec.SourceEngine == "" {
			spec.SourceEngine = m.Name
		}
		if spec.FlagKey == "" {
			spec.FlagKey = m.FlagKey
		}
		if err := k.commands.Register(spec, cr.SchemaJSON); err != nil {
			return err
		}
		if err := k.bus.RegisterHandler(spec.CommandType, cr.Handler); err != nil {
			return err
		}
	}
	for _, p := range e.Projections() {
		if err := k.runtime.Register(p); err != nil {
			return err
		}
	}
	for _, s := range e.Subscriptions() {
		if err := k.subs.Subscribe(m.Name, s.EventType, s.Handler); err != nil {
			return err
		}
	}
	k.logger.Info("engine registered", "engine", m.Name, "version", m.Version)
	return nil
}

// Execute runs one command through the write path.
func (k *Kernel) Execute(ctx context.Context, cmd *event.Command) policy.Outcome {
	ctx, span := k.telemetry.StartCommand(ctx, cmd.CommandType, cmd.BusinessID)
	defer span.End()
	start := time.Now()

	outcome := k.bus.Execute(ctx, cmd)
	k.telemetry.RecordOutcome(ctx, cmd.CommandType, outcome.Accepted, len(outcome.Events), time.Since(start))
	if !outcome.Accepted {
		_ = k.journal.Record(ctx, audit.Entry{
			BusinessID: cmd.BusinessID,
			ActorID:    cmd.ActorID,
			Type:       audit.EntryPolicy,
			Action:     cmd.CommandType,
			Resource:   string(outcome.Rejection.Code),
			Metadata:   map[string]any{"policy": outcome.Rejection.PolicyName},
		})
	}
	return outcome
}

// Read streams a business's events.
func (k *Kernel) Read(ctx context.Context, businessID string, opts store.ReadOptions) (store.Iterator, error) {
	return k.store.Read(ctx, businessID, opts)
}

// VerifyChain recomputes the hash chain for a business.
func (k *Kernel) VerifyChain(ctx context.Context, businessID string) error {
	return k.store.VerifyChain(ctx, businessID)
}

// Rebuild replays the log into the scoped projections.
func (k *Kernel) Rebuild(ctx context.Context, scope replay.Scope) (*replay.Report, error) {
	return k.replayer.Rebuild(ctx, scope)
}

// StateAt answers a time-travel query for one projection.
func (k *Kernel) StateAt(ctx context.Context, projectionName, businessID string, until store.Cursor) ([]byte, error) {
	return k.replayer.StateAt(ctx, projectionName, businessID, until.ReceivedAt)
}

// SaveSnapshot captures a projection's current state for a business
// into the snapshot store.
func (k *Kernel) SaveSnapshot(ctx context.Context, projectionName, businessID string) (*store.Snapshot, error) {
	snap, err := k.runtime.SnapshotOf(projectionName, businessID)
	if err != nil {
		return nil, err
	}
	if err := k.snapshots.Save(ctx, *snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// Projections exposes the runtime for read-only access by adapters.
func (k *Kernel) Projections() *projection.Runtime { return k.runtime }

// Subscribers exposes the subscriber bus for adapter registration.
func (k *Kernel) Subscribers() *subscriber.Bus { return k.subs }

// Journal exposes the audit journal.
func (k *Kernel) Journal() audit.Journal { return k.journal }

// Identity exposes the identity directory.
func (k *Kernel) Identity() *identity.Directory { return k.identity }

// Health exposes the resilience projection.
func (k *Kernel) Health() *resilience.Health { return k.health }
