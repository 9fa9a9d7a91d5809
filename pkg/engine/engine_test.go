package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/bos/core/pkg/compliance"
	"github.com/Mindburn-Labs/bos/core/pkg/event"
	"github.com/Mindburn-Labs/bos/core/pkg/flags"
	"github.com/Mindburn-Labs/bos/core/pkg/identity"
	"github.com/Mindburn-Labs/bos/core/pkg/resilience"
	"github.com/Mindburn-Labs/bos/core/pkg/tenant"
)

func TestManifestValidate(t *testing.T) {
	require.NoError(t, Manifest{Name: "retail", Version: "1.2.3"}.Validate())
	require.Error(t, Manifest{Name: "", Version: "1.0.0"}.Validate())
	require.Error(t, Manifest{Name: "retail", Version: "not-semver"}.Validate())
}

func TestCheckCompatibility(t *testing.T) {
	require.NoError(t, CheckCompatibility("1.4.0", ">= 1.0.0"))
	require.Error(t, CheckCompatibility("0.9.0", ">= 1.0.0"))
	require.Error(t, CheckCompatibility("abc", ">= 1.0.0"))
}

func newAdmin(t *testing.T) *Admin {
	t.Helper()
	comply, err := compliance.NewRegistry()
	require.NoError(t, err)
	iso := tenant.NewIsolationChecker()
	return NewAdmin(
		tenant.NewDirectory(),
		flags.NewEvaluator(),
		resilience.NewHealth(),
		comply,
		identity.NewDirectory(iso),
	)
}

func TestAdminEventTypesWellFormed(t *testing.T) {
	a := newAdmin(t)
	for _, reg := range a.EventTypes() {
		require.NoError(t, event.ValidateEventType(reg.EventType), reg.EventType)
	}
}

func TestAdminCommandsWellFormed(t *testing.T) {
	a := newAdmin(t)
	seen := map[string]bool{}
	for _, reg := range a.Commands() {
		require.NotEmpty(t, reg.Spec.CommandType)
		require.False(t, seen[reg.Spec.CommandType], "duplicate command %s", reg.Spec.CommandType)
		seen[reg.Spec.CommandType] = true
		require.NotNil(t, reg.Handler)
		require.True(t, reg.Spec.AIForbidden, "admin surface is never AI-executable")
	}
	for cmdType := range SetupCommands() {
		require.True(t, seen[cmdType], "setup command %s must be registered", cmdType)
	}
}

func TestPassthroughSelectsFields(t *testing.T) {
	cmd := &event.Command{Payload: map[string]any{"a": 1, "b": 2, "c": 3}}
	out := passthrough("a", "c")(cmd)
	require.Equal(t, map[string]any{"a": 1, "c": 3}, out)

	all := passthrough()(cmd)
	require.Equal(t, cmd.Payload, all)
}
