// Package compliance evaluates declarative per-business rule profiles
// against commands.
//
// A profile is a set of rules. Each rule applies to a command-type
// pattern and carries a CEL predicate over the command envelope and
// payload; a predicate that evaluates to false blocks the command.
// Rule families follow the require_* / max_* / min_* / enforce_*
// naming convention, with constructors that generate the predicate.
package compliance

import (
	"fmt"
	"path"

	"github.com/google/cel-go/cel"
)

// Severities.
const (
	SeverityBlock = "BLOCK"
	SeverityWarn  = "WARN"
)

// Rule is one declarative compliance rule.
type Rule struct {
	// RuleKey names the rule, e.g. "require_customer_reference" or
	// "max_cash_amount".
	RuleKey string `json:"rule_key" yaml:"rule_key"`
	// AppliesTo is a glob over command types, e.g. "cash.*" or
	// "retail.sale.*.request".
	AppliesTo string `json:"applies_to" yaml:"applies_to"`
	// Severity is BLOCK or WARN. Only BLOCK rejects.
	Severity string `json:"severity" yaml:"severity"`
	// Expr is a CEL predicate over `command` and `payload`. True
	// passes; false violates.
	Expr string `json:"expr" yaml:"expr"`
	// Message explains the violation to a human.
	Message string `json:"message" yaml:"message"`
}

// Validate checks the rule shape.
func (r Rule) Validate() error {
	if r.RuleKey == "" {
		return fmt.Errorf("compliance: rule_key is required")
	}
	if r.AppliesTo == "" {
		return fmt.Errorf("compliance: rule %s: applies_to is required", r.RuleKey)
	}
	if r.Severity != SeverityBlock && r.Severity != SeverityWarn {
		return fmt.Errorf("compliance: rule %s: severity %q invalid", r.RuleKey, r.Severity)
	}
	if r.Expr == "" {
		return fmt.Errorf("compliance: rule %s: expr is required", r.RuleKey)
	}
	if r.Message == "" {
		return fmt.Errorf("compliance: rule %s: message is required", r.RuleKey)
	}
	return nil
}

// matches reports whether the rule applies to a command type.
func (r Rule) matches(commandType string) bool {
	ok, err := path.Match(r.AppliesTo, commandType)
	return err == nil && ok
}

// Rule constructors for the common families. The generated predicates
// are ordinary CEL and can equally be written by hand in a profile.

// RequireField demands a non-empty payload field.
func RequireField(field, appliesTo string) Rule {
	return Rule{
		RuleKey:   "require_" + field,
		AppliesTo: appliesTo,
		Severity:  SeverityBlock,
		Expr:      fmt.Sprintf(`has(payload.%s) && payload.%s != "" `, field, field),
		Message:   fmt.Sprintf("field %q is required", field),
	}
}

// MaxValue caps a numeric payload field.
func MaxValue(field string, limit float64, appliesTo string) Rule {
	return Rule{
		RuleKey:   "max_" + field,
		AppliesTo: appliesTo,
		Severity:  SeverityBlock,
		Expr:      fmt.Sprintf(`!has(payload.%s) || double(payload.%s) <= double(%v)`, field, field, limit),
		Message:   fmt.Sprintf("field %q exceeds the permitted maximum %v", field, limit),
	}
}

// MinValue floors a numeric payload field.
func MinValue(field string, limit float64, appliesTo string) Rule {
	return Rule{
		RuleKey:   "min_" + field,
		AppliesTo: appliesTo,
		Severity:  SeverityBlock,
		Expr:      fmt.Sprintf(`!has(payload.%s) || double(payload.%s) >= double(%v)`, field, field, limit),
		Message:   fmt.Sprintf("field %q is below the permitted minimum %v", field, limit),
	}
}

// EnforceEquals pins a payload field to a fixed value.
func EnforceEquals(field, value, appliesTo string) Rule {
	return Rule{
		RuleKey:   "enforce_" + field,
		AppliesTo: appliesTo,
		Severity:  SeverityBlock,
		Expr:      fmt.Sprintf(`has(payload.%s) && payload.%s == %q`, field, field, value),
		Message:   fmt.Sprintf("field %q must equal %q", field, value),
	}
}

// newEnv builds the CEL environment shared by all compiled rules.
func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("command", cel.DynType),
		cel.Variable("payload", cel.DynType),
	)
}
