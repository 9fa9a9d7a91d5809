// Package policy defines structured rejections, the closed rejection
// code set, and pure policy composition.
//
// A policy never mutates state and never returns a Go error for a
// business decision: it returns nil (pass) or a *Rejection. Rejections
// are deterministic, auditable, machine-readable, and human-readable.
package policy

import "fmt"

// Code is a machine-readable rejection code. The set is closed:
// adapters and tests may rely on exhaustive matching.
type Code string

const (
	CodeInvalidCommandStructure   Code = "INVALID_COMMAND_STRUCTURE"
	CodeUnknownCommand            Code = "UNKNOWN_COMMAND"
	CodeUnknownEventType          Code = "UNKNOWN_EVENT_TYPE"
	CodeMissingBusinessID         Code = "MISSING_BUSINESS_ID"
	CodeActorRequiredMissing      Code = "ACTOR_REQUIRED_MISSING"
	CodeActorInvalid              Code = "ACTOR_INVALID"
	CodeActorUnauthorizedBusiness Code = "ACTOR_UNAUTHORIZED_BUSINESS"
	CodeActorUnauthorizedBranch   Code = "ACTOR_UNAUTHORIZED_BRANCH"
	CodeBranchRequiredMissing     Code = "BRANCH_REQUIRED_MISSING"
	CodeBranchNotInBusiness       Code = "BRANCH_NOT_IN_BUSINESS"
	CodeFeatureDisabled           Code = "FEATURE_DISABLED"
	CodeComplianceViolation       Code = "COMPLIANCE_VIOLATION"
	CodeBusinessSuspended         Code = "BUSINESS_SUSPENDED"
	CodeBusinessClosed            Code = "BUSINESS_CLOSED"
	CodeQuotaExceeded             Code = "QUOTA_EXCEEDED"
	CodeAIExecutionForbidden      Code = "AI_EXECUTION_FORBIDDEN"
	CodeDuplicateRequest          Code = "DUPLICATE_REQUEST"
	CodeIdempotencyConflict       Code = "IDEMPOTENCY_CONFLICT"
	CodeChainMismatch             Code = "CHAIN_MISMATCH"
	CodeHashMismatch              Code = "HASH_MISMATCH"
	CodeReadOnlyMode              Code = "READ_ONLY_MODE"
	CodeGuardInternalError        Code = "GUARD_INTERNAL_ERROR"
	CodeStoreUnavailable          Code = "STORE_UNAVAILABLE"
)

// Rejection is the structured reason a command was denied.
type Rejection struct {
	Code       Code           `json:"code"`
	Message    string         `json:"message"`
	PolicyName string         `json:"policy_name"`
	Details    map[string]any `json:"details,omitempty"`
}

// Reject builds a Rejection. Code, message, and policy name are all
// mandatory; no silent rejections.
func Reject(code Code, policyName, format string, args ...any) *Rejection {
	return &Rejection{
		Code:       code,
		Message:    fmt.Sprintf(format, args...),
		PolicyName: policyName,
	}
}

// WithDetails attaches structured context to a rejection.
func (r *Rejection) WithDetails(details map[string]any) *Rejection {
	r.Details = details
	return r
}

// Error satisfies the error interface so rejections can travel through
// error-shaped plumbing without losing structure. Domain code should
// type-assert rather than string-match.
func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s (policy %s)", r.Code, r.Message, r.PolicyName)
}

// ToPayload serializes the rejection for a rejection audit event.
func (r *Rejection) ToPayload() map[string]any {
	p := map[string]any{
		"code":        string(r.Code),
		"message":     r.Message,
		"policy_name": r.PolicyName,
	}
	if len(r.Details) > 0 {
		p["details"] = r.Details
	}
	return p
}
