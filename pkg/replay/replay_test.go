package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/bos/core/pkg/canonical"
	"github.com/Mindburn-Labs/bos/core/pkg/clock"
	"github.com/Mindburn-Labs/bos/core/pkg/event"
	"github.com/Mindburn-Labs/bos/core/pkg/projection"
	"github.com/Mindburn-Labs/bos/core/pkg/store"
)

type allowAll struct{}

func (allowAll) Known(string) bool { return true }

// sumProjection folds payload values into a running sum.
type sumProjection struct {
	mu   sync.Mutex
	name string
	typ  string
	sum  int
}

func (p *sumProjection) Name() string         { return p.name }
func (p *sumProjection) EventTypes() []string { return []string{p.typ} }

func (p *sumProjection) Apply(eventType string, ev event.View) error {
	n, ok := ev.Payload["n"].(int)
	if !ok {
		if f, isFloat := ev.Payload["n"].(float64); isFloat {
			n = int(f)
		}
	}
	p.mu.Lock()
	p.sum += n
	p.mu.Unlock()
	return nil
}

func (p *sumProjection) Truncate() {
	p.mu.Lock()
	p.sum = 0
	p.mu.Unlock()
}

func (p *sumProjection) Snapshot() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return json.Marshal(map[string]int{"sum": p.sum})
}

func (p *sumProjection) Restore(data []byte) error {
	var state map[string]int
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	p.mu.Lock()
	p.sum = state["sum"]
	p.mu.Unlock()
	return nil
}

func fixture(t *testing.T) (*store.MemoryStore, *projection.Runtime, *sumProjection, []*event.Event) {
	t.Helper()
	s := store.NewMemoryStore(allowAll{}, clock.NewStep(
		time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), time.Second))
	rt := projection.NewRuntime()
	p := &sumProjection{name: "retail.totals", typ: "retail.sale.completed.v1"}
	require.NoError(t, rt.Register(p))

	ctx := context.Background()
	var committed []*event.Event
	for i := 1; i <= 10; i++ {
		e := &event.Event{
			EventID:       fmt.Sprintf("e-%02d", i),
			EventType:     "retail.sale.completed.v1",
			EventVersion:  1,
			BusinessID:    "b-1",
			SourceEngine:  "retail",
			ActorType:     event.ActorHuman,
			ActorID:       "user-1",
			CorrelationID: "corr-1",
			Payload:       map[string]any{"n": i},
			CreatedAt:     time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			Status:        event.StatusFinal,
		}
		tip, err := s.Tip(ctx, "b-1")
		require.NoError(t, err)
		require.NoError(t, e.Seal(tip))
		out, err := s.Append(ctx, "b-1", []*event.Event{e})
		require.NoError(t, err)
		require.NoError(t, rt.ApplyEvent(out[0]))
		committed = append(committed, out[0])
	}
	return s, rt, p, committed
}

func TestRebuildMatchesIncremental(t *testing.T) {
	s, rt, p, _ := fixture(t)
	before, err := p.Snapshot()
	require.NoError(t, err)

	r := NewReplayer(s, rt, store.NewMemorySnapshotStore(), nil)
	report, err := r.Rebuild(context.Background(), Scope{BusinessID: "b-1"})
	require.NoError(t, err)
	require.Equal(t, 10, report.EventsApplied)

	after, err := p.Snapshot()
	require.NoError(t, err)
	require.Equal(t, before, after, "replay must reproduce incremental state byte-for-byte")
}

func TestRebuildPrefixDeterminism(t *testing.T) {
	s, rt, p, committed := fixture(t)
	r := NewReplayer(s, rt, store.NewMemorySnapshotStore(), nil)

	// Replay only the first 6 events by time bound.
	until := committed[5].ReceivedAt
	_, err := r.Rebuild(context.Background(), Scope{BusinessID: "b-1", Until: until})
	require.NoError(t, err)

	snap, err := p.Snapshot()
	require.NoError(t, err)
	require.JSONEq(t, `{"sum": 21}`, string(snap)) // 1+2+...+6
}

func TestAppendBlockedDuringReplay(t *testing.T) {
	s, _, _, _ := fixture(t)
	release, err := s.BeginReplay("b-1")
	require.NoError(t, err)
	defer release()

	e := &event.Event{
		EventID: "e-blocked", EventType: "retail.sale.completed.v1", EventVersion: 1,
		BusinessID: "b-1", SourceEngine: "retail",
		ActorType: event.ActorHuman, ActorID: "user-1", CorrelationID: "corr-1",
		Payload:   map[string]any{"n": 1},
		CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Status:    event.StatusFinal,
	}
	require.NoError(t, e.Seal(canonical.GenesisHash))
	_, err = s.Append(context.Background(), "b-1", []*event.Event{e})
	require.ErrorIs(t, err, store.ErrReplayActive)
}

func TestConcurrentReplayRejected(t *testing.T) {
	s, rt, _, _ := fixture(t)
	release, err := s.BeginReplay("b-1")
	require.NoError(t, err)
	defer release()

	r := NewReplayer(s, rt, store.NewMemorySnapshotStore(), nil)
	_, err = r.Rebuild(context.Background(), Scope{BusinessID: "b-1"})
	require.ErrorIs(t, err, store.ErrReplayActive)
}

func TestSnapshotEquivalence(t *testing.T) {
	s, rt, p, committed := fixture(t)
	snaps := store.NewMemorySnapshotStore()
	r := NewReplayer(s, rt, snaps, nil)

	// Snapshot at event 5, then replay from it; the tail must land on
	// the same state as a full replay.
	_, err := r.Rebuild(context.Background(), Scope{BusinessID: "b-1", Until: committed[4].ReceivedAt})
	require.NoError(t, err)
	snapAt5, err := rt.SnapshotOf("retail.totals", "b-1")
	require.NoError(t, err)
	require.NoError(t, snaps.Save(context.Background(), *snapAt5))

	// Full replay from scratch.
	_, err = r.Rebuild(context.Background(), Scope{BusinessID: "b-1"})
	require.NoError(t, err)
	full, err := p.Snapshot()
	require.NoError(t, err)

	// Replay again starting from the stored snapshot.
	report, err := r.Rebuild(context.Background(), Scope{BusinessID: "b-1", FromSnapshot: true})
	require.NoError(t, err)
	require.Equal(t, snapAt5.Cursor, report.StartedFrom["retail.totals"])

	fromSnap, err := p.Snapshot()
	require.NoError(t, err)
	require.Equal(t, full, fromSnap)
}

func TestStateAtTimeTravel(t *testing.T) {
	s, rt, _, committed := fixture(t)
	r := NewReplayer(s, rt, store.NewMemorySnapshotStore(), nil)

	bytes, err := r.StateAt(context.Background(), "retail.totals", "b-1", committed[2].ReceivedAt)
	require.NoError(t, err)
	require.JSONEq(t, `{"sum": 6}`, string(bytes)) // 1+2+3
}

func TestRebuildScopeByEngine(t *testing.T) {
	s, rt, _, _ := fixture(t)
	other := &sumProjection{name: "cash.totals", typ: "cash.drawer.opened.v1"}
	require.NoError(t, rt.Register(other))

	r := NewReplayer(s, rt, store.NewMemorySnapshotStore(), nil)
	report, err := r.Rebuild(context.Background(), Scope{BusinessID: "b-1", Engines: []string{"retail"}})
	require.NoError(t, err)
	require.Equal(t, []string{"retail.totals"}, report.Projections)
}

func TestRebuildUnknownScope(t *testing.T) {
	s, rt, _, _ := fixture(t)
	r := NewReplayer(s, rt, store.NewMemorySnapshotStore(), nil)
	_, err := r.Rebuild(context.Background(), Scope{BusinessID: "b-1", Projections: []string{"ghost"}})
	require.Error(t, err)
}
