package event

import (
	"fmt"
	"strings"
	"time"
)

// Command is the unit of business intent. It is transient: the bus
// owns it for the duration of execution, and it never reaches the
// store. A Command is NOT an event — it is intent awaiting judgment.
type Command struct {
	CommandID      string         `json:"command_id"`
	CommandType    string         `json:"command_type"`
	BusinessID     string         `json:"business_id"`
	BranchID       string         `json:"branch_id,omitempty"`
	ActorType      ActorType      `json:"actor_type"`
	ActorID        string         `json:"actor_id"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	IssuedAt       time.Time      `json:"issued_at"`
	Payload        map[string]any `json:"payload"`
	SourceEngine   string         `json:"source_engine"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// Validate checks the structural command contract:
// command_type ends in ".request", has at least four segments, and
// its namespace matches the source engine.
func (c *Command) Validate() error {
	if c.CommandID == "" {
		return fmt.Errorf("command: command_id is required")
	}
	if c.CommandType == "" {
		return fmt.Errorf("command: command_type is required")
	}
	if !strings.HasSuffix(c.CommandType, ".request") {
		return fmt.Errorf("command: command_type %q must end with '.request'", c.CommandType)
	}
	parts := strings.Split(c.CommandType, ".")
	if len(parts) < 4 {
		return fmt.Errorf("command: command_type %q must follow engine.domain.action.request", c.CommandType)
	}
	if parts[0] != c.SourceEngine {
		return fmt.Errorf("command: namespace %q does not match source_engine %q", parts[0], c.SourceEngine)
	}
	if c.BusinessID == "" {
		return fmt.Errorf("command: business_id is required")
	}
	if !ValidActorTypes[c.ActorType] {
		return fmt.Errorf("command: actor_type %q is not valid", c.ActorType)
	}
	if c.IssuedAt.IsZero() {
		return fmt.Errorf("command: issued_at is required")
	}
	return nil
}

// RejectionEventType derives the audit event type recorded for a
// rejected command: the trailing ".request" is replaced by
// ".rejected.v1".
func (c *Command) RejectionEventType() string {
	base := strings.TrimSuffix(c.CommandType, ".request")
	return base + ".rejected.v1"
}
