package tenant

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/bos/core/pkg/event"
)

func TestIsolationBusinessBinding(t *testing.T) {
	c := NewIsolationChecker()
	c.BindBusiness("user-1", "b-1")

	require.True(t, c.AllowsBusiness("user-1", "b-1"))
	require.False(t, c.AllowsBusiness("user-1", "b-2"))
	require.False(t, c.AllowsBusiness("user-2", "b-1"))

	c.UnbindBusiness("user-1", "b-1")
	require.False(t, c.AllowsBusiness("user-1", "b-1"))
}

func TestIsolationBranchRestriction(t *testing.T) {
	c := NewIsolationChecker()
	c.BindBusiness("user-1", "b-1")

	// No restriction: every branch of the business is in scope.
	require.True(t, c.AllowsBranch("user-1", "b-1", "br-1"))

	c.RestrictBranches("user-1", "b-1", "br-1")
	require.True(t, c.AllowsBranch("user-1", "b-1", "br-1"))
	require.False(t, c.AllowsBranch("user-1", "b-1", "br-2"))

	// Clearing the restriction widens scope again.
	c.RestrictBranches("user-1", "b-1")
	require.True(t, c.AllowsBranch("user-1", "b-1", "br-2"))
}

func TestIsolationBranchNeverWithoutBusiness(t *testing.T) {
	c := NewIsolationChecker()
	require.False(t, c.AllowsBranch("user-1", "b-1", "br-1"))
}

func TestBranchOwnership(t *testing.T) {
	c := NewIsolationChecker()
	c.RegisterBranch("b-1", "br-1")
	require.True(t, c.BranchBelongs("b-1", "br-1"))
	require.False(t, c.BranchBelongs("b-2", "br-1"))
	require.False(t, c.BranchBelongs("b-1", "br-9"))
}

func TestDirectoryLifecycle(t *testing.T) {
	d := NewDirectory()
	_, known := d.State("b-1")
	require.False(t, known)

	require.NoError(t, d.Apply(EventTypeBusinessCreated, event.View{BusinessID: "b-1", EventID: "e-1"}))
	state, known := d.State("b-1")
	require.True(t, known)
	require.Equal(t, LifecycleCreated, state)

	require.NoError(t, d.Apply(EventTypeBusinessActivated, event.View{BusinessID: "b-1", EventID: "e-2"}))
	state, _ = d.State("b-1")
	require.Equal(t, LifecycleActive, state)

	require.NoError(t, d.Apply(EventTypeBusinessLegalHold, event.View{BusinessID: "b-1", EventID: "e-3"}))
	state, _ = d.State("b-1")
	require.Equal(t, LifecycleLegalHold, state)

	require.NoError(t, d.Apply(EventTypeBusinessClosed, event.View{BusinessID: "b-1", EventID: "e-4"}))
	state, _ = d.State("b-1")
	require.Equal(t, LifecycleClosed, state)
}

func TestDirectoryBranches(t *testing.T) {
	d := NewDirectory()
	require.NoError(t, d.Apply(EventTypeBusinessCreated, event.View{BusinessID: "b-1", EventID: "e-1"}))
	require.False(t, d.BranchOpen("b-1", "br-1"))

	require.NoError(t, d.Apply(EventTypeBranchAdded, event.View{
		BusinessID: "b-1", EventID: "e-2",
		Payload: map[string]any{"branch_id": "br-1"},
	}))
	require.True(t, d.BranchOpen("b-1", "br-1"))
	require.False(t, d.BranchOpen("b-2", "br-1"), "branches never leak across businesses")

	require.NoError(t, d.Apply(EventTypeBranchClosed, event.View{
		BusinessID: "b-1", EventID: "e-3",
		Payload: map[string]any{"branch_id": "br-1"},
	}))
	require.False(t, d.BranchOpen("b-1", "br-1"))
}

func TestDirectorySnapshotRestore(t *testing.T) {
	d := NewDirectory()
	require.NoError(t, d.Apply(EventTypeBusinessCreated, event.View{BusinessID: "b-1", EventID: "e-1"}))
	require.NoError(t, d.Apply(EventTypeBranchAdded, event.View{
		BusinessID: "b-1", EventID: "e-2",
		Payload: map[string]any{"branch_id": "br-1"},
	}))

	data, err := d.Snapshot()
	require.NoError(t, err)

	restored := NewDirectory()
	require.NoError(t, restored.Restore(data))
	state, known := restored.State("b-1")
	require.True(t, known)
	require.Equal(t, LifecycleCreated, state)
	require.True(t, restored.BranchOpen("b-1", "br-1"))

	again, err := restored.Snapshot()
	require.NoError(t, err)
	require.Equal(t, data, again)
}
