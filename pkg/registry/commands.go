package registry

import (
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/bos/core/pkg/tenant"
)

// CommandSpec declares the contract of a command type: its payload
// schema and the scope, actor, and feature-flag requirements the guard
// pipeline enforces.
type CommandSpec struct {
	CommandType  string
	SourceEngine string
	Scope        tenant.ScopeRequirement
	Actor        tenant.ActorRequirement
	FlagKey      string
	// Essential commands stay executable in DEGRADED mode.
	Essential bool
	// AIForbidden marks operations an AI actor may never execute even
	// when otherwise authorized.
	AIForbidden bool
	Schema      *jsonschema.Schema
}

// Commands is the command-type registry consulted by the bus.
type Commands struct {
	mu    sync.RWMutex
	specs map[string]*CommandSpec
}

// NewCommands creates an empty command registry.
func NewCommands() *Commands {
	return &Commands{specs: make(map[string]*CommandSpec)}
}

// Register adds a command spec. schemaJSON may be empty for commands
// whose payload is free-form.
func (r *Commands) Register(spec CommandSpec, schemaJSON string) error {
	if spec.CommandType == "" {
		return fmt.Errorf("registry: command type is required")
	}
	if spec.Scope == "" {
		spec.Scope = tenant.ScopeBusinessAllowed
	}
	if spec.Actor == "" {
		spec.Actor = tenant.ActorRequired
	}
	if schemaJSON != "" {
		compiled, err := compileSchema(spec.CommandType, schemaJSON)
		if err != nil {
			return err
		}
		spec.Schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.specs[spec.CommandType]; exists {
		return fmt.Errorf("registry: command type %q already registered", spec.CommandType)
	}
	r.specs[spec.CommandType] = &spec
	return nil
}

// Resolve returns the spec for a command type.
func (r *Commands) Resolve(commandType string) (*CommandSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[commandType]
	if !ok {
		return nil, fmt.Errorf("%w: command type %q", ErrUnknownType, commandType)
	}
	return spec, nil
}

// ValidatePayload checks a command payload against its schema.
func (r *Commands) ValidatePayload(commandType string, payload map[string]any) error {
	spec, err := r.Resolve(commandType)
	if err != nil {
		return err
	}
	if spec.Schema == nil {
		return nil
	}
	if err := spec.Schema.Validate(toJSONValue(payload)); err != nil {
		return fmt.Errorf("registry: payload for %q: %w", commandType, err)
	}
	return nil
}
