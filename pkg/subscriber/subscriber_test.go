package subscriber

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/bos/core/pkg/event"
)

func committedEvent(id, eventType string) *event.Event {
	return &event.Event{
		EventID:       id,
		EventType:     eventType,
		EventVersion:  1,
		BusinessID:    "b-1",
		SourceEngine:  "retail",
		ActorType:     event.ActorHuman,
		ActorID:       "user-1",
		CorrelationID: "corr-1",
		Payload:       map[string]any{},
		CreatedAt:     time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Status:        event.StatusFinal,
	}
}

func record(name string, order *[]string) Handler {
	return HandlerFunc{Name: name, Fn: func(ctx context.Context, ev event.View) error {
		*order = append(*order, name+":"+ev.EventID)
		return nil
	}}
}

func TestDispatchDeterministicOrder(t *testing.T) {
	b := NewBus(slog.Default())
	var order []string
	// Registered out of order; dispatch must sort by subscriber name.
	require.NoError(t, b.Subscribe("reporting", "retail.sale.completed.v1", record("z.reporting", &order)))
	require.NoError(t, b.Subscribe("inventory", "retail.sale.completed.v1", record("a.inventory", &order)))

	failures := b.Dispatch(context.Background(), []*event.Event{
		committedEvent("e-1", "retail.sale.completed.v1"),
		committedEvent("e-2", "retail.sale.completed.v1"),
	})
	require.Zero(t, failures)
	require.Equal(t, []string{
		"a.inventory:e-1", "z.reporting:e-1",
		"a.inventory:e-2", "z.reporting:e-2",
	}, order)
}

func TestDispatchIsolatesFailures(t *testing.T) {
	b := NewBus(slog.Default())
	var order []string
	require.NoError(t, b.Subscribe("billing", "retail.sale.completed.v1", HandlerFunc{
		Name: "a.exploding",
		Fn: func(ctx context.Context, ev event.View) error {
			panic("subscriber bug")
		},
	}))
	require.NoError(t, b.Subscribe("reporting", "retail.sale.completed.v1", record("b.healthy", &order)))

	failures := b.Dispatch(context.Background(), []*event.Event{
		committedEvent("e-1", "retail.sale.completed.v1"),
	})
	require.Equal(t, 1, failures)
	require.Equal(t, []string{"b.healthy:e-1"}, order, "healthy peer still runs")
}

func TestDispatchErrorCounted(t *testing.T) {
	b := NewBus(slog.Default())
	require.NoError(t, b.Subscribe("billing", "retail.sale.completed.v1", HandlerFunc{
		Name: "failing",
		Fn: func(ctx context.Context, ev event.View) error {
			return fmt.Errorf("downstream unavailable")
		},
	}))
	failures := b.Dispatch(context.Background(), []*event.Event{
		committedEvent("e-1", "retail.sale.completed.v1"),
	})
	require.Equal(t, 1, failures)
}

func TestSelfSubscriptionRejected(t *testing.T) {
	b := NewBus(slog.Default())
	err := b.Subscribe("retail", "retail.sale.completed.v1", record("retail.self", new([]string)))
	require.Error(t, err)
}

func TestSelfSubscriptionWhitelisted(t *testing.T) {
	b := NewBus(slog.Default())
	b.AllowSelfSubscription("retail")
	require.NoError(t, b.Subscribe("retail", "retail.sale.completed.v1", record("retail.self", new([]string))))
}

func TestDuplicateSubscriberRejected(t *testing.T) {
	b := NewBus(slog.Default())
	require.NoError(t, b.Subscribe("reporting", "retail.sale.completed.v1", record("dup", new([]string))))
	require.Error(t, b.Subscribe("inventory", "retail.sale.completed.v1", record("dup", new([]string))))
}

func TestDispatchStopsOnCancelledContext(t *testing.T) {
	b := NewBus(slog.Default())
	var order []string
	require.NoError(t, b.Subscribe("reporting", "retail.sale.completed.v1", record("only", &order)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b.Dispatch(ctx, []*event.Event{committedEvent("e-1", "retail.sale.completed.v1")})
	require.Empty(t, order, "interrupted delivery is resumable, not forced")
}
