// Package bus implements the single lawful write path.
//
// Every mutation flows through Execute, in this exact order: resolve
// the handler, build the context, run the guard pipeline, invoke the
// pure engine handler, seal the hash chain, append atomically, fold
// projections, and only then fan out to subscribers. Guard and handler
// denials return structured rejections; store failures abort the
// append atomically. There is no other path to the log.
package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/bos/core/pkg/clock"
	"github.com/Mindburn-Labs/bos/core/pkg/event"
	"github.com/Mindburn-Labs/bos/core/pkg/guard"
	"github.com/Mindburn-Labs/bos/core/pkg/policy"
	"github.com/Mindburn-Labs/bos/core/pkg/projection"
	"github.com/Mindburn-Labs/bos/core/pkg/registry"
	"github.com/Mindburn-Labs/bos/core/pkg/store"
	"github.com/Mindburn-Labs/bos/core/pkg/subscriber"
	"github.com/Mindburn-Labs/bos/core/pkg/tenant"
)

// View is the read-only window a handler gets onto derived state.
type View interface {
	// Projection returns a registered projection by name. Handlers
	// must only read from it.
	Projection(name string) (projection.Projection, bool)
}

// Handler turns an accepted command into candidate events. It must be
// a pure function of its arguments: no external state, no wall-clock
// reads, no randomness, no calls into other engines.
type Handler interface {
	Execute(cmd *event.Command, view View, clk clock.Clock) ([]*event.Event, *policy.Rejection)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(cmd *event.Command, view View, clk clock.Clock) ([]*event.Event, *policy.Rejection)

// Execute implements Handler.
func (f HandlerFunc) Execute(cmd *event.Command, view View, clk clock.Clock) ([]*event.Event, *policy.Rejection) {
	return f(cmd, view, clk)
}

// ActorResolver resolves an actor id into its identity. The identity
// projection implements it.
type ActorResolver interface {
	ResolveActor(actorID string) *tenant.Actor
}

// RejectionAuditConfig decides, per business, whether rejected
// commands are recorded as audit events. The default is off.
type RejectionAuditConfig interface {
	RejectionAuditEnabled(businessID string) bool
}

// Bus is the command bus.
type Bus struct {
	commands *registry.Commands
	events   *registry.EventTypes
	pipeline *guard.Pipeline
	store    store.EventStore
	runtime  *projection.Runtime
	subs     *subscriber.Bus
	actors   ActorResolver
	detector *guard.AnomalyDetector
	audit    RejectionAuditConfig
	clock    clock.Clock
	logger   *slog.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	tenants  map[string]*sync.Mutex
}

// Config wires a Bus.
type Config struct {
	Commands *registry.Commands
	Events   *registry.EventTypes
	Pipeline *guard.Pipeline
	Store    store.EventStore
	Runtime  *projection.Runtime
	Subs     *subscriber.Bus
	Actors   ActorResolver
	Detector *guard.AnomalyDetector
	Audit    RejectionAuditConfig
	Clock    clock.Clock
	Logger   *slog.Logger
}

// New creates a Bus.
func New(cfg Config) *Bus {
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Bus{
		commands: cfg.Commands,
		events:   cfg.Events,
		pipeline: cfg.Pipeline,
		store:    cfg.Store,
		runtime:  cfg.Runtime,
		subs:     cfg.Subs,
		actors:   cfg.Actors,
		detector: cfg.Detector,
		audit:    cfg.Audit,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		handlers: make(map[string]Handler),
		tenants:  make(map[string]*sync.Mutex),
	}
}

// RegisterHandler binds a handler to a command type.
func (b *Bus) RegisterHandler(commandType string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.handlers[commandType]; exists {
		return errors.New("bus: handler already registered for " + commandType)
	}
	b.handlers[commandType] = h
	return nil
}

func (b *Bus) handlerFor(commandType string) (Handler, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.handlers[commandType]
	return h, ok
}

// tenantLock serializes the seal-append-project section per business.
func (b *Bus) tenantLock(businessID string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.tenants[businessID]
	if !ok {
		l = &sync.Mutex{}
		b.tenants[businessID] = l
	}
	return l
}

// Execute runs one command through the full write path and returns
// its outcome.
func (b *Bus) Execute(ctx context.Context, cmd *event.Command) policy.Outcome {
	// 1. Resolve the handler.
	spec, err := b.commands.Resolve(cmd.CommandType)
	if err != nil {
		return b.rejected(ctx, cmd, policy.Reject(policy.CodeUnknownCommand, "command_bus",
			"no handler registered for %s", cmd.CommandType))
	}
	handler, ok := b.handlerFor(cmd.CommandType)
	if !ok {
		return b.rejected(ctx, cmd, policy.Reject(policy.CodeUnknownCommand, "command_bus",
			"no handler registered for %s", cmd.CommandType))
	}

	// 2. Build the context. Correlation comes from the command or is
	// minted fresh.
	if cmd.CorrelationID == "" {
		cmd.CorrelationID = uuid.NewString()
	}
	var actor *tenant.Actor
	if b.actors != nil {
		actor = b.actors.ResolveActor(cmd.ActorID)
	}
	tctx := &tenant.Context{
		BusinessID:    cmd.BusinessID,
		BranchID:      cmd.BranchID,
		Actor:         actor,
		CorrelationID: cmd.CorrelationID,
		RequestID:     uuid.NewString(),
	}

	// Idempotent retry: a known idempotency key short-circuits to the
	// prior outcome before any policy runs again.
	if cmd.IdempotencyKey != "" {
		prior, err := b.store.ByIdempotencyKey(ctx, cmd.BusinessID, cmd.IdempotencyKey)
		if err != nil {
			return b.rejected(ctx, cmd, b.storeRejection(err))
		}
		if prior != nil {
			return policy.Accept(prior)
		}
	}

	if err := ctx.Err(); err != nil {
		return b.rejected(ctx, cmd, policy.Reject(policy.CodeStoreUnavailable, "command_bus",
			"command deadline exceeded before evaluation"))
	}

	// 3. Guard pipeline.
	in := &guard.Input{Command: cmd, Spec: spec, Tenant: tctx}
	if rej := b.pipeline.Evaluate(ctx, in); rej != nil {
		return b.rejected(ctx, cmd, rej)
	}

	// 4. Pure handler. Each command gets a stepping clock so repeated
	// reads stay monotonic and the handler never touches wall time.
	cmdClock := clock.NewStep(b.clock.Now(), time.Millisecond)
	candidates, rej := b.invoke(handler, cmd, cmdClock)
	if rej != nil {
		return b.rejected(ctx, cmd, rej)
	}

	if err := ctx.Err(); err != nil {
		return b.rejected(ctx, cmd, policy.Reject(policy.CodeStoreUnavailable, "command_bus",
			"command deadline exceeded before append"))
	}

	// 5—7. Seal, append, project, under the tenant write lock.
	committed, rej := b.commit(ctx, cmd, candidates)
	if rej != nil {
		return b.rejected(ctx, cmd, rej)
	}

	if b.detector != nil {
		b.detector.Observe(cmd.ActorID, cmd.BusinessID, cmd.BranchID, false)
	}

	// 9. Post-commit fan-out. Failures are the subscribers' problem,
	// never the committed log's.
	if b.subs != nil {
		b.subs.Dispatch(ctx, committed)
	}
	return policy.Accept(committed)
}

// invoke isolates the handler call; a panic becomes a fail-closed
// rejection.
func (b *Bus) invoke(h Handler, cmd *event.Command, clk clock.Clock) (events []*event.Event, rej *policy.Rejection) {
	defer func() {
		if r := recover(); r != nil {
			events = nil
			rej = policy.Reject(policy.CodeGuardInternalError, "command_bus",
				"handler for %s failed internally: %v", cmd.CommandType, r)
		}
	}()
	return h.Execute(cmd, &runtimeView{runtime: b.runtime}, clk)
}

// commit seals the candidates onto the chain tip and appends them
// atomically, then folds projections. The whole section holds the
// tenant write lock so the tip cannot move underneath the batch.
func (b *Bus) commit(ctx context.Context, cmd *event.Command, candidates []*event.Event) ([]*event.Event, *policy.Rejection) {
	if len(candidates) == 0 {
		return nil, nil
	}

	l := b.tenantLock(cmd.BusinessID)
	l.Lock()
	defer l.Unlock()

	tip, err := b.store.Tip(ctx, cmd.BusinessID)
	if err != nil {
		return nil, b.storeRejection(err)
	}

	prev := tip
	var prevID string
	for _, e := range candidates {
		b.finalize(cmd, e, prevID)
		if !b.events.Known(e.EventType) {
			return nil, policy.Reject(policy.CodeUnknownEventType, "command_bus",
				"event type %s is not registered", e.EventType)
		}
		if err := e.Seal(prev); err != nil {
			return nil, policy.Reject(policy.CodeGuardInternalError, "command_bus",
				"sealing %s: %v", e.EventID, err)
		}
		prev = e.EventHash
		prevID = e.EventID
	}

	committed, err := b.store.Append(ctx, cmd.BusinessID, candidates)
	if err != nil {
		return nil, b.storeRejection(err)
	}

	if cmd.IdempotencyKey != "" {
		if err := b.store.RecordIdempotencyKey(ctx, cmd.BusinessID, cmd.IdempotencyKey, committed); err != nil {
			// The append is durable; a lost key only costs a future
			// duplicate check.
			b.logger.Warn("idempotency key not recorded",
				"business_id", cmd.BusinessID, "error", err)
		}
	}

	// Cancellation after the append is a no-op: the events are
	// durable, so projections fold regardless of the caller's
	// deadline.
	for _, e := range committed {
		if err := b.runtime.ApplyEvent(e); err != nil {
			b.logger.Error("projection apply failed; projection lags the log",
				"event_id", e.EventID, "error", err)
		}
	}
	return committed, nil
}

// finalize fills the envelope fields the handler left to the bus.
func (b *Bus) finalize(cmd *event.Command, e *event.Event, prevEventID string) {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.BusinessID == "" {
		e.BusinessID = cmd.BusinessID
	}
	if e.BranchID == "" {
		e.BranchID = cmd.BranchID
	}
	if e.SourceEngine == "" {
		e.SourceEngine = cmd.SourceEngine
	}
	if e.ActorType == "" {
		e.ActorType = cmd.ActorType
	}
	if e.ActorID == "" {
		e.ActorID = cmd.ActorID
	}
	if e.CorrelationID == "" {
		e.CorrelationID = cmd.CorrelationID
	}
	if e.CausationID == "" && prevEventID != "" {
		e.CausationID = prevEventID
	}
	if e.Status == "" {
		e.Status = event.StatusFinal
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = cmd.IssuedAt
	}
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}
}

// storeRejection maps store errors onto the closed code set.
func (b *Bus) storeRejection(err error) *policy.Rejection {
	switch {
	case errors.Is(err, store.ErrChainMismatch):
		return policy.Reject(policy.CodeChainMismatch, "event_store", "%v", err)
	case errors.Is(err, store.ErrIdempotencyConflict):
		return policy.Reject(policy.CodeIdempotencyConflict, "event_store", "%v", err)
	case errors.Is(err, store.ErrUnknownType):
		return policy.Reject(policy.CodeUnknownEventType, "event_store", "%v", err)
	case errors.Is(err, store.ErrMissingBusinessID):
		return policy.Reject(policy.CodeMissingBusinessID, "event_store", "%v", err)
	case errors.Is(err, store.ErrReplayActive):
		return policy.Reject(policy.CodeStoreUnavailable, "event_store",
			"a replay holds this business; writes are blocked: %v", err)
	default:
		return policy.Reject(policy.CodeStoreUnavailable, "event_store", "%v", err)
	}
}

// rejected finishes a denied command: anomaly observation, optional
// rejection audit event, structured outcome.
func (b *Bus) rejected(ctx context.Context, cmd *event.Command, rej *policy.Rejection) policy.Outcome {
	if b.detector != nil {
		b.detector.Observe(cmd.ActorID, cmd.BusinessID, cmd.BranchID, true)
	}
	if b.audit != nil && b.audit.RejectionAuditEnabled(cmd.BusinessID) {
		b.recordRejection(ctx, cmd, rej)
	}
	b.logger.Info("command rejected",
		"command_type", cmd.CommandType,
		"business_id", cmd.BusinessID,
		"code", string(rej.Code),
		"policy", rej.PolicyName)
	return policy.Denied(rej)
}

// RejectionEventType is the audit event recorded for rejected
// commands when the business opts in.
const RejectionEventType = "core.rejection.recorded.v1"

func (b *Bus) recordRejection(ctx context.Context, cmd *event.Command, rej *policy.Rejection) {
	if cmd.BusinessID == "" || !b.events.Known(RejectionEventType) {
		return
	}
	e := &event.Event{
		EventID:       uuid.NewString(),
		EventType:     RejectionEventType,
		EventVersion:  1,
		BusinessID:    cmd.BusinessID,
		BranchID:      cmd.BranchID,
		SourceEngine:  "core",
		ActorType:     event.ActorSystem,
		ActorID:       "core.command_bus",
		CorrelationID: cmd.CorrelationID,
		CreatedAt:     b.clock.Now(),
		Status:        event.StatusFinal,
		Payload: map[string]any{
			"command_id":    cmd.CommandID,
			"command_type":  cmd.CommandType,
			"rejected_type": cmd.RejectionEventType(),
			"rejection":     rej.ToPayload(),
			"actor_type":    string(cmd.ActorType),
			"actor_id":      cmd.ActorID,
		},
	}
	if e.CorrelationID == "" {
		e.CorrelationID = uuid.NewString()
	}

	l := b.tenantLock(cmd.BusinessID)
	l.Lock()
	defer l.Unlock()

	tip, err := b.store.Tip(ctx, cmd.BusinessID)
	if err != nil {
		b.logger.Warn("rejection audit skipped", "error", err)
		return
	}
	if err := e.Seal(tip); err != nil {
		b.logger.Warn("rejection audit skipped", "error", err)
		return
	}
	if _, err := b.store.Append(ctx, cmd.BusinessID, []*event.Event{e}); err != nil {
		b.logger.Warn("rejection audit skipped", "error", err)
		return
	}
	if err := b.runtime.ApplyEvent(e); err != nil {
		b.logger.Warn("rejection audit projection apply failed", "error", err)
	}
}

// runtimeView adapts the projection runtime to the handler View.
type runtimeView struct {
	runtime *projection.Runtime
}

func (v *runtimeView) Projection(name string) (projection.Projection, bool) {
	return v.runtime.Get(name)
}
