package compliance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/bos/core/pkg/event"
	"github.com/Mindburn-Labs/bos/core/pkg/policy"
)

func cashCommand(payload map[string]any) *event.Command {
	return &event.Command{
		CommandID:    "c-1",
		CommandType:  "cash.drawer.open.request",
		BusinessID:   "b-1",
		ActorType:    event.ActorHuman,
		ActorID:      "user-1",
		IssuedAt:     time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Payload:      payload,
		SourceEngine: "cash",
	}
}

func TestRuleValidate(t *testing.T) {
	require.Error(t, Rule{}.Validate())
	require.Error(t, Rule{RuleKey: "x", AppliesTo: "*", Severity: "FATAL", Expr: "true", Message: "m"}.Validate())
	require.NoError(t, Rule{RuleKey: "x", AppliesTo: "*", Severity: SeverityBlock, Expr: "true", Message: "m"}.Validate())
}

func TestRequireFieldRule(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)
	require.NoError(t, reg.Upsert(&Profile{
		ProfileID: "p-1", BusinessID: "b-1", Name: "controls",
		Rules: []Rule{RequireField("operator_id", "cash.*.*.request")},
	}))

	rej := reg.Evaluate(cashCommand(map[string]any{}))
	require.NotNil(t, rej)
	require.Equal(t, policy.CodeComplianceViolation, rej.Code)

	require.Nil(t, reg.Evaluate(cashCommand(map[string]any{"operator_id": "op-1"})))
}

func TestMinMaxRules(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)
	require.NoError(t, reg.Upsert(&Profile{
		ProfileID: "p-1", BusinessID: "b-1", Name: "limits",
		Rules: []Rule{
			MaxValue("amount", 1000, "cash.*.*.request"),
			MinValue("amount", 1, "cash.*.*.request"),
		},
	}))

	require.Nil(t, reg.Evaluate(cashCommand(map[string]any{"amount": 500})))
	require.NotNil(t, reg.Evaluate(cashCommand(map[string]any{"amount": 1001})))
	require.NotNil(t, reg.Evaluate(cashCommand(map[string]any{"amount": 0})))
	// Absent field passes bound checks; RequireField is the tool for
	// presence.
	require.Nil(t, reg.Evaluate(cashCommand(map[string]any{})))
}

func TestEnforceEqualsRule(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)
	require.NoError(t, reg.Upsert(&Profile{
		ProfileID: "p-1", BusinessID: "b-1", Name: "currency pin",
		Rules: []Rule{EnforceEquals("currency", "EUR", "cash.*.*.request")},
	}))

	require.Nil(t, reg.Evaluate(cashCommand(map[string]any{"currency": "EUR"})))
	require.NotNil(t, reg.Evaluate(cashCommand(map[string]any{"currency": "USD"})))
}

func TestWarnRulesDoNotBlock(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)
	rule := MaxValue("amount", 10, "cash.*.*.request")
	rule.Severity = SeverityWarn
	require.NoError(t, reg.Upsert(&Profile{
		ProfileID: "p-1", BusinessID: "b-1", Name: "advisory", Rules: []Rule{rule},
	}))
	require.Nil(t, reg.Evaluate(cashCommand(map[string]any{"amount": 99})))
}

func TestAppliesToScoping(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)
	require.NoError(t, reg.Upsert(&Profile{
		ProfileID: "p-1", BusinessID: "b-1", Name: "retail only",
		Rules: []Rule{RequireField("sku", "retail.*.*.request")},
	}))
	// A cash command is outside the rule's applies_to glob.
	require.Nil(t, reg.Evaluate(cashCommand(map[string]any{})))
}

func TestNoActiveProfilePasses(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)
	require.Nil(t, reg.Evaluate(cashCommand(map[string]any{})))
}

func TestDeactivate(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)
	require.NoError(t, reg.Upsert(&Profile{
		ProfileID: "p-1", BusinessID: "b-1", Name: "controls",
		Rules: []Rule{RequireField("operator_id", "cash.*.*.request")},
	}))
	require.NotNil(t, reg.Evaluate(cashCommand(map[string]any{})))

	reg.Deactivate("b-1", "p-1")
	require.Nil(t, reg.Evaluate(cashCommand(map[string]any{})))
}

func TestProfileFromEvents(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)
	require.NoError(t, reg.Apply(EventTypeProfileUpserted, event.View{
		BusinessID: "b-1", EventID: "e-1",
		Payload: map[string]any{
			"profile": map[string]any{
				"profile_id": "p-1",
				"name":       "controls",
				"rules": []any{map[string]any{
					"rule_key":   "max_amount",
					"applies_to": "cash.*.*.request",
					"severity":   "BLOCK",
					"expr":       "!has(payload.amount) || double(payload.amount) <= 100.0",
					"message":    "amount over limit",
				}},
			},
		},
	}))
	require.NotNil(t, reg.Evaluate(cashCommand(map[string]any{"amount": 200})))

	require.NoError(t, reg.Apply(EventTypeProfileDeactivated, event.View{
		BusinessID: "b-1", EventID: "e-2",
		Payload: map[string]any{"profile_id": "p-1"},
	}))
	require.Nil(t, reg.Evaluate(cashCommand(map[string]any{"amount": 200})))
}

func TestLoadProfileYAML(t *testing.T) {
	doc := []byte(`
profile_id: p-eu
business_id: b-1
name: eu retail controls
rules:
  - rule_key: require_receipt_reference
    applies_to: "retail.*.*.request"
    severity: BLOCK
    expr: 'has(payload.receipt_reference) && payload.receipt_reference != ""'
    message: receipt reference is mandatory
  - rule_key: max_cash_amount
    applies_to: "cash.*.*.request"
    severity: BLOCK
    expr: "!has(payload.amount) || double(payload.amount) <= 10000.0"
    message: cash amount exceeds the statutory limit
`)
	p, err := LoadProfileYAML(doc)
	require.NoError(t, err)
	require.Equal(t, "p-eu", p.ProfileID)
	require.Len(t, p.Rules, 2)

	reg, err := NewRegistry()
	require.NoError(t, err)
	require.NoError(t, reg.Upsert(p))
	require.NotNil(t, reg.Evaluate(cashCommand(map[string]any{"amount": 20000})))
}

func TestSnapshotRestore(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)
	require.NoError(t, reg.Upsert(&Profile{
		ProfileID: "p-1", BusinessID: "b-1", Name: "controls",
		Rules: []Rule{MaxValue("amount", 100, "cash.*.*.request")},
	}))

	data, err := reg.Snapshot()
	require.NoError(t, err)

	restored, err := NewRegistry()
	require.NoError(t, err)
	require.NoError(t, restored.Restore(data))
	require.NotNil(t, restored.Evaluate(cashCommand(map[string]any{"amount": 200})))

	again, err := restored.Snapshot()
	require.NoError(t, err)
	require.Equal(t, data, again)
}
