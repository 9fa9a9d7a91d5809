package compliance

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/bos/core/pkg/event"
	"github.com/Mindburn-Labs/bos/core/pkg/policy"
)

// Event types mutating compliance state.
const (
	EventTypeProfileUpserted    = "core.compliance.profile_upserted.v1"
	EventTypeProfileDeactivated = "core.compliance.profile_deactivated.v1"
)

// Profile is a named rule set for one business.
type Profile struct {
	ProfileID  string `json:"profile_id" yaml:"profile_id"`
	BusinessID string `json:"business_id" yaml:"business_id"`
	Name       string `json:"name" yaml:"name"`
	Active     bool   `json:"active" yaml:"active"`
	Rules      []Rule `json:"rules" yaml:"rules"`
}

// Validate checks the profile and every rule in it.
func (p *Profile) Validate() error {
	if p.ProfileID == "" {
		return fmt.Errorf("compliance: profile_id is required")
	}
	if p.BusinessID == "" {
		return fmt.Errorf("compliance: business_id is required")
	}
	for _, r := range p.Rules {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// LoadProfileYAML parses a profile document.
func LoadProfileYAML(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("compliance: profile parse: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// compiledRule pairs a rule with its CEL program.
type compiledRule struct {
	rule Rule
	prg  cel.Program
}

// Registry is the compliance projection: it folds profile events into
// per-business active profiles with pre-compiled rule programs, and
// evaluates commands against them.
type Registry struct {
	env *cel.Env

	mu       sync.RWMutex
	profiles map[string]*Profile       // profile id → profile
	active   map[string]string         // business id → active profile id
	compiled map[string][]compiledRule // profile id → programs
}

// NewRegistry creates an empty compliance registry.
func NewRegistry() (*Registry, error) {
	env, err := newEnv()
	if err != nil {
		return nil, fmt.Errorf("compliance: cel env: %w", err)
	}
	return &Registry{
		env:      env,
		profiles: make(map[string]*Profile),
		active:   make(map[string]string),
		compiled: make(map[string][]compiledRule),
	}, nil
}

// Name implements the projection contract.
func (r *Registry) Name() string { return "core.compliance" }

// EventTypes implements the projection contract.
func (r *Registry) EventTypes() []string {
	return []string{EventTypeProfileUpserted, EventTypeProfileDeactivated}
}

// Apply folds a compliance event.
func (r *Registry) Apply(eventType string, ev event.View) error {
	switch eventType {
	case EventTypeProfileUpserted:
		raw, err := json.Marshal(ev.Payload["profile"])
		if err != nil {
			return fmt.Errorf("compliance: profile payload in %s: %w", ev.EventID, err)
		}
		var p Profile
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("compliance: profile decode in %s: %w", ev.EventID, err)
		}
		p.BusinessID = ev.BusinessID
		p.Active = true
		if err := p.Validate(); err != nil {
			return err
		}
		return r.Upsert(&p)
	case EventTypeProfileDeactivated:
		profileID, _ := ev.Payload["profile_id"].(string)
		r.Deactivate(ev.BusinessID, profileID)
	}
	return nil
}

// Truncate implements the projection contract.
func (r *Registry) Truncate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles = make(map[string]*Profile)
	r.active = make(map[string]string)
	r.compiled = make(map[string][]compiledRule)
}

// Snapshot implements the projection contract. Programs are rebuilt on
// restore; only the declarative profiles are captured.
func (r *Registry) Snapshot() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.profiles))
	for id := range r.profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := struct {
		Profiles []*Profile        `json:"profiles"`
		Active   map[string]string `json:"active"`
	}{Active: r.active}
	for _, id := range ids {
		out.Profiles = append(out.Profiles, r.profiles[id])
	}
	return json.Marshal(out)
}

// Restore loads projection state from snapshot bytes, recompiling
// every rule program.
func (r *Registry) Restore(data []byte) error {
	var in struct {
		Profiles []*Profile        `json:"profiles"`
		Active   map[string]string `json:"active"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("compliance: restore: %w", err)
	}
	if in.Active == nil {
		in.Active = make(map[string]string)
	}
	r.Truncate()
	for _, p := range in.Profiles {
		if err := r.Upsert(p); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.active = in.Active
	r.mu.Unlock()
	return nil
}

// Upsert registers or replaces a profile and activates it for its
// business. Rules are compiled once here, not per command.
func (r *Registry) Upsert(p *Profile) error {
	compiled := make([]compiledRule, 0, len(p.Rules))
	for _, rule := range p.Rules {
		ast, issues := r.env.Compile(rule.Expr)
		if issues != nil && issues.Err() != nil {
			return fmt.Errorf("compliance: rule %s: %w", rule.RuleKey, issues.Err())
		}
		prg, err := r.env.Program(ast)
		if err != nil {
			return fmt.Errorf("compliance: rule %s: %w", rule.RuleKey, err)
		}
		compiled = append(compiled, compiledRule{rule: rule, prg: prg})
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[p.ProfileID] = p
	r.compiled[p.ProfileID] = compiled
	r.active[p.BusinessID] = p.ProfileID
	return nil
}

// Deactivate clears the active profile for a business if it matches.
func (r *Registry) Deactivate(businessID, profileID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[businessID] == profileID {
		delete(r.active, businessID)
	}
	if p, ok := r.profiles[profileID]; ok {
		p.Active = false
	}
}

// Evaluate runs the business's active profile against a command.
// Returns nil when no profile is active or every BLOCK rule passes.
// Evaluation errors fail closed as violations.
func (r *Registry) Evaluate(cmd *event.Command) *policy.Rejection {
	r.mu.RLock()
	profileID, ok := r.active[cmd.BusinessID]
	var rules []compiledRule
	if ok {
		rules = r.compiled[profileID]
	}
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	input := map[string]any{
		"command": map[string]any{
			"command_type": cmd.CommandType,
			"business_id":  cmd.BusinessID,
			"branch_id":    cmd.BranchID,
			"actor_type":   string(cmd.ActorType),
			"actor_id":     cmd.ActorID,
		},
		"payload": payloadOrEmpty(cmd.Payload),
	}

	for _, cr := range rules {
		if cr.rule.Severity != SeverityBlock {
			continue
		}
		if !cr.rule.matches(cmd.CommandType) {
			continue
		}
		out, _, err := cr.prg.Eval(input)
		if err != nil {
			return policy.Reject(policy.CodeComplianceViolation, "compliance_guard",
				"rule %s failed to evaluate: %v", cr.rule.RuleKey, err).
				WithDetails(map[string]any{"rule_key": cr.rule.RuleKey})
		}
		pass, isBool := out.Value().(bool)
		if !isBool || !pass {
			return policy.Reject(policy.CodeComplianceViolation, "compliance_guard",
				"%s", cr.rule.Message).
				WithDetails(map[string]any{"rule_key": cr.rule.RuleKey, "profile_id": profileID})
		}
	}
	return nil
}

func payloadOrEmpty(p map[string]any) map[string]any {
	if p == nil {
		return map[string]any{}
	}
	return p
}
