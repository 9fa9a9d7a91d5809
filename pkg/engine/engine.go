// Package engine defines the plug-in contract domain engines use to
// integrate with the kernel, and the core-owned administrative engine.
//
// An engine registers event types with payload schemas, command
// handlers with scope and flag declarations, projections, and
// subscriptions to other engines' events. The kernel is
// engine-agnostic: nothing in the write path knows any domain.
package engine

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/bos/core/pkg/bus"
	"github.com/Mindburn-Labs/bos/core/pkg/projection"
	"github.com/Mindburn-Labs/bos/core/pkg/registry"
	"github.com/Mindburn-Labs/bos/core/pkg/subscriber"
)

// Manifest identifies an engine.
type Manifest struct {
	// Name is the engine namespace: the first segment of every event
	// and command type it owns.
	Name string
	// Version is a semantic version.
	Version string
	// FlagKey is the feature flag gating the engine's commands. Empty
	// means ungated (core administration only).
	FlagKey string
}

// Validate checks the manifest, including the semver constraint.
func (m Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("engine: manifest name is required")
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return fmt.Errorf("engine %s: version %q is not semantic: %w", m.Name, m.Version, err)
	}
	return nil
}

// EventTypeRegistration declares one event type an engine emits.
type EventTypeRegistration struct {
	EventType string
	Version   int
	// SchemaJSON validates payloads; empty accepts any shape.
	SchemaJSON string
}

// CommandRegistration declares one command type an engine handles.
type CommandRegistration struct {
	Spec registry.CommandSpec
	// SchemaJSON validates command payloads; empty accepts any shape.
	SchemaJSON string
	Handler    bus.Handler
}

// Subscription declares interest in another engine's event type.
type Subscription struct {
	EventType string
	Handler   subscriber.Handler
}

// Engine is the plug-in contract.
type Engine interface {
	Manifest() Manifest
	EventTypes() []EventTypeRegistration
	Commands() []CommandRegistration
	Projections() []projection.Projection
	Subscriptions() []Subscription
}

// MinimumCoreVersion is the semver constraint engines may check
// against at registration time.
const MinimumCoreVersion = ">= 1.0.0"

// CheckCompatibility verifies an engine's declared core requirement
// against the running core version.
func CheckCompatibility(coreVersion, requirement string) error {
	v, err := semver.NewVersion(coreVersion)
	if err != nil {
		return fmt.Errorf("engine: core version %q: %w", coreVersion, err)
	}
	c, err := semver.NewConstraint(requirement)
	if err != nil {
		return fmt.Errorf("engine: requirement %q: %w", requirement, err)
	}
	if !c.Check(v) {
		return fmt.Errorf("engine: core %s does not satisfy %s", coreVersion, requirement)
	}
	return nil
}
