// Package subscriber implements post-commit fan-out.
//
// Subscribers run after the append commits, in a deterministic
// type-sorted order, sequentially. A failing handler is caught and
// reported without touching its peers or the committed log; nothing a
// subscriber does can roll a commit back. Dispatch is suppressed
// entirely during replay.
package subscriber

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/bos/core/pkg/event"
)

// Handler consumes a committed event. Handlers receive a read-only
// view and must not mutate engine state directly; follow-up work goes
// back through the command bus.
type Handler interface {
	// SubscriberName identifies the handler in logs and ordering.
	SubscriberName() string
	// HandleEvent processes one committed event.
	HandleEvent(ctx context.Context, ev event.View) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc struct {
	Name string
	Fn   func(ctx context.Context, ev event.View) error
}

func (h HandlerFunc) SubscriberName() string { return h.Name }
func (h HandlerFunc) HandleEvent(ctx context.Context, ev event.View) error {
	return h.Fn(ctx, ev)
}

// registration pairs a handler with its owning engine, for the
// self-subscription check.
type registration struct {
	handler Handler
	engine  string
}

// Bus is the post-commit subscriber bus.
type Bus struct {
	mu sync.RWMutex
	// byType: event type → registrations sorted by subscriber name.
	byType map[string][]registration
	// whitelist: engines allowed to subscribe to their own events.
	whitelist map[string]bool
	logger    *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		byType:    make(map[string][]registration),
		whitelist: make(map[string]bool),
		logger:    logger,
	}
}

// AllowSelfSubscription whitelists an engine for subscribing to its
// own event types.
func (b *Bus) AllowSelfSubscription(engine string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.whitelist[engine] = true
}

// Subscribe registers a handler owned by engine for an event type. An
// engine subscribing to its own namespace is rejected unless
// whitelisted: feedback loops must be deliberate.
func (b *Bus) Subscribe(engine, eventType string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ownsType(engine, eventType) && !b.whitelist[engine] {
		return fmt.Errorf("subscriber: engine %s may not subscribe to its own event %s", engine, eventType)
	}

	regs := b.byType[eventType]
	for _, r := range regs {
		if r.handler.SubscriberName() == h.SubscriberName() {
			return fmt.Errorf("subscriber: %s already subscribed to %s", h.SubscriberName(), eventType)
		}
	}
	regs = append(regs, registration{handler: h, engine: engine})
	sort.Slice(regs, func(i, j int) bool {
		return regs[i].handler.SubscriberName() < regs[j].handler.SubscriberName()
	})
	b.byType[eventType] = regs
	return nil
}

// Dispatch fans a committed batch out to subscribers. Events are
// processed in commit order; within one event, handlers run in
// subscriber-name order. Errors and panics are contained per handler.
// The returned count is the number of failed deliveries.
func (b *Bus) Dispatch(ctx context.Context, events []*event.Event) int {
	failures := 0
	for _, e := range events {
		b.mu.RLock()
		regs := b.byType[e.EventType]
		b.mu.RUnlock()

		view := e.AsView()
		for _, r := range regs {
			if ctx.Err() != nil {
				// Delivery interrupted; the commit stands. The caller
				// may re-dispatch from the event it stopped at.
				return failures
			}
			if err := b.deliver(ctx, r.handler, view); err != nil {
				failures++
				b.logger.Error("subscriber delivery failed",
					"subscriber", r.handler.SubscriberName(),
					"event_id", e.EventID,
					"event_type", e.EventType,
					"error", err)
			}
		}
	}
	return failures
}

func (b *Bus) deliver(ctx context.Context, h Handler, ev event.View) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.HandleEvent(ctx, ev)
}

// ownsType reports whether the event type lives in the engine's
// namespace.
func ownsType(engine, eventType string) bool {
	return len(eventType) > len(engine) &&
		eventType[:len(engine)] == engine &&
		eventType[len(engine)] == '.'
}
