// Package registry holds the event-type and command-type registries.
//
// Registrations are additive only. Once a type has been used (resolved
// for an append or a dispatch) its registration is frozen: re-registering
// or removing it is an error. Breaking payload changes require a new
// versioned name (engine.domain.action.v2).
package registry

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/bos/core/pkg/event"
)

// ErrUnknownType reports a type absent from the registry.
var ErrUnknownType = fmt.Errorf("registry: unknown type")

// EventTypeSpec binds an event type to its payload shape.
type EventTypeSpec struct {
	EventType    string
	EventVersion int
	SourceEngine string
	// Schema validates the payload. Nil means any payload shape is
	// accepted for this type (structure-free audit events).
	Schema *jsonschema.Schema
}

// EventTypes is the process-wide allow-list of event types. Resolution
// is O(1) and lock-free after bootstrap completes.
type EventTypes struct {
	mu    sync.RWMutex
	specs map[string]*EventTypeSpec
	used  map[string]bool
}

// NewEventTypes creates an empty registry.
func NewEventTypes() *EventTypes {
	return &EventTypes{
		specs: make(map[string]*EventTypeSpec),
		used:  make(map[string]bool),
	}
}

// Register adds an event type with an optional JSON Schema source for
// its payload. Registering a name that is already in use is forbidden.
func (r *EventTypes) Register(eventType string, version int, sourceEngine, schemaJSON string) error {
	if err := event.ValidateEventType(eventType); err != nil {
		return err
	}
	if !strings.HasPrefix(eventType, sourceEngine+".") {
		return fmt.Errorf("registry: event type %q is outside engine namespace %q", eventType, sourceEngine)
	}

	var schema *jsonschema.Schema
	if schemaJSON != "" {
		compiled, err := compileSchema(eventType, schemaJSON)
		if err != nil {
			return err
		}
		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.used[eventType] {
		return fmt.Errorf("registry: event type %q is frozen after first use", eventType)
	}
	if _, exists := r.specs[eventType]; exists {
		return fmt.Errorf("registry: event type %q already registered", eventType)
	}

	r.specs[eventType] = &EventTypeSpec{
		EventType:    eventType,
		EventVersion: version,
		SourceEngine: sourceEngine,
		Schema:       schema,
	}
	return nil
}

// Resolve returns the spec for an event type and marks it used.
func (r *EventTypes) Resolve(eventType string) (*EventTypeSpec, error) {
	r.mu.RLock()
	spec, ok := r.specs[eventType]
	frozen := r.used[eventType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: event type %q", ErrUnknownType, eventType)
	}
	if !frozen {
		r.mu.Lock()
		r.used[eventType] = true
		r.mu.Unlock()
	}
	return spec, nil
}

// Known reports whether the event type is registered, without marking
// it used.
func (r *EventTypes) Known(eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.specs[eventType]
	return ok
}

// ValidatePayload checks a payload against the type's registered
// schema. Unknown types and shape violations are both errors.
func (r *EventTypes) ValidatePayload(eventType string, payload map[string]any) error {
	spec, err := r.Resolve(eventType)
	if err != nil {
		return err
	}
	if spec.Schema == nil {
		return nil
	}
	if err := spec.Schema.Validate(toJSONValue(payload)); err != nil {
		return fmt.Errorf("registry: payload for %q: %w", eventType, err)
	}
	return nil
}

// Types returns the registered type names, for diagnostics.
func (r *EventTypes) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.specs))
	for name := range r.specs {
		out = append(out, name)
	}
	return out
}

func compileSchema(name, schemaJSON string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("bos://schemas/%s.schema.json", name)
	if err := c.AddResource(url, strings.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("registry: schema load for %q: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("registry: schema compile for %q: %w", name, err)
	}
	return compiled, nil
}

// toJSONValue reshapes a payload into the plain-interface form the
// schema validator expects. Values coming off the wire already have
// that form; this keeps programmatically built payloads valid too.
func toJSONValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = toJSONValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = toJSONValue(val)
		}
		return out
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}
