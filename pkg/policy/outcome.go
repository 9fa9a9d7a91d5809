package policy

import (
	"encoding/json"

	"github.com/Mindburn-Labs/bos/core/pkg/event"
)

// Outcome is the result of evaluating a command. Exactly one outcome
// per command: Accepted carries the persisted events, Rejected carries
// a mandatory reason. There is no third state.
type Outcome struct {
	Accepted  bool
	Events    []*event.Event
	Rejection *Rejection
}

// Accept builds an accepted outcome.
func Accept(events []*event.Event) Outcome {
	return Outcome{Accepted: true, Events: events}
}

// Denied builds a rejected outcome. A nil rejection is replaced by a
// fail-closed internal error: silent rejection is not representable.
func Denied(r *Rejection) Outcome {
	if r == nil {
		r = Reject(CodeGuardInternalError, "outcome", "rejected without a reason")
	}
	return Outcome{Accepted: false, Rejection: r}
}

// outcomeEnvelope is the adapter-facing JSON shape.
type outcomeEnvelope struct {
	OK    bool           `json:"ok"`
	Data  []*event.Event `json:"data,omitempty"`
	Error *errorEnvelope `json:"error,omitempty"`
}

type errorEnvelope struct {
	Code       Code           `json:"code"`
	Message    string         `json:"message"`
	PolicyName string         `json:"policy_name,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// MarshalJSON renders the {ok, data} / {ok:false, error:{...}} envelope.
func (o Outcome) MarshalJSON() ([]byte, error) {
	env := outcomeEnvelope{OK: o.Accepted}
	if o.Accepted {
		env.Data = o.Events
	} else {
		env.Error = &errorEnvelope{
			Code:       o.Rejection.Code,
			Message:    o.Rejection.Message,
			PolicyName: o.Rejection.PolicyName,
			Details:    o.Rejection.Details,
		}
	}
	return json.Marshal(env)
}
