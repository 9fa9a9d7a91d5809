// Package event defines the canonical event and command records.
//
// The Event is the single unit of truth: immutable once stored, always
// tenant-scoped, hash-chained to its predecessor within the business.
// Corrections are new events with CorrectionOf set; nothing is ever
// updated or deleted.
package event

import (
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/bos/core/pkg/canonical"
)

// Status is the event lifecycle status.
type Status string

const (
	// StatusFinal marks a confirmed, fully trusted event.
	StatusFinal Status = "FINAL"
	// StatusProvisional marks an event created offline or pending sync.
	StatusProvisional Status = "PROVISIONAL"
	// StatusReviewRequired marks an event awaiting human review
	// (offline conflict, cash difference, inventory variance, AI advice).
	StatusReviewRequired Status = "REVIEW_REQUIRED"
)

// ValidStatuses is the closed status set.
var ValidStatuses = map[Status]bool{
	StatusFinal:          true,
	StatusProvisional:    true,
	StatusReviewRequired: true,
}

// ActorType classifies who caused an event. Every event has exactly
// one actor. AI is advisory only and cannot execute operations.
type ActorType string

const (
	ActorHuman  ActorType = "HUMAN"
	ActorSystem ActorType = "SYSTEM"
	ActorDevice ActorType = "DEVICE"
	ActorAI     ActorType = "AI"
)

// ValidActorTypes is the closed actor-type set.
var ValidActorTypes = map[ActorType]bool{
	ActorHuman:  true,
	ActorSystem: true,
	ActorDevice: true,
	ActorAI:     true,
}

// Reference points at a domain object touched by an event.
type Reference struct {
	ObjectType string `json:"object_type"`
	ObjectID   string `json:"object_id"`
}

// Event is the canonical, immutable event record.
type Event struct {
	EventID      string `json:"event_id"`
	EventType    string `json:"event_type"`
	EventVersion int    `json:"event_version"`

	BusinessID string `json:"business_id"`
	BranchID   string `json:"branch_id,omitempty"`

	SourceEngine string    `json:"source_engine"`
	ActorType    ActorType `json:"actor_type"`
	ActorID      string    `json:"actor_id"`

	CorrelationID string `json:"correlation_id"`
	CausationID   string `json:"causation_id,omitempty"`

	Payload   map[string]any `json:"payload"`
	Reference *Reference     `json:"reference,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	ReceivedAt time.Time `json:"received_at"`

	Status       Status `json:"status"`
	CorrectionOf string `json:"correction_of,omitempty"`

	PreviousEventHash string `json:"previous_event_hash"`
	EventHash         string `json:"event_hash"`
}

// stableHeader carries the header fields covered by the event hash.
// ReceivedAt and the hash fields themselves are excluded: the store
// assigns ReceivedAt after the hash is sealed.
type stableHeader struct {
	EventID       string `json:"event_id"`
	EventType     string `json:"event_type"`
	EventVersion  int    `json:"event_version"`
	BusinessID    string `json:"business_id"`
	BranchID      string `json:"branch_id,omitempty"`
	CreatedAt     string `json:"created_at"`
	CorrelationID string `json:"correlation_id"`
	CausationID   string `json:"causation_id,omitempty"`
	CorrectionOf  string `json:"correction_of,omitempty"`
	Status        string `json:"status"`
}

func (e *Event) header() stableHeader {
	return stableHeader{
		EventID:       e.EventID,
		EventType:     e.EventType,
		EventVersion:  e.EventVersion,
		BusinessID:    e.BusinessID,
		BranchID:      e.BranchID,
		CreatedAt:     e.CreatedAt.UTC().Format(time.RFC3339Nano),
		CorrelationID: e.CorrelationID,
		CausationID:   e.CausationID,
		CorrectionOf:  e.CorrectionOf,
		Status:        string(e.Status),
	}
}

// Seal computes and assigns the event hash given the chain tip.
func (e *Event) Seal(previousHash string) error {
	hash, err := canonical.Hash(e.Payload, previousHash, e.header())
	if err != nil {
		return err
	}
	e.PreviousEventHash = previousHash
	e.EventHash = hash
	return nil
}

// VerifyHash recomputes the event hash against the stored one.
func (e *Event) VerifyHash() error {
	return canonical.Verify(e.Payload, e.PreviousEventHash, e.header(), e.EventHash)
}

// PayloadHash returns the hash of the payload alone. The store uses it
// to distinguish idempotent resubmission from an idempotency conflict.
func (e *Event) PayloadHash() (string, error) {
	b, err := canonical.Canonical(e.Payload)
	if err != nil {
		return "", err
	}
	return canonical.HashBytes(b, "", nil), nil
}

// Validate checks structural invariants before the event may enter
// the store. It does not interpret the payload.
func (e *Event) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("event: event_id is required")
	}
	if e.BusinessID == "" {
		return fmt.Errorf("event: business_id is required")
	}
	if err := ValidateEventType(e.EventType); err != nil {
		return err
	}
	if e.EventVersion < 0 {
		return fmt.Errorf("event: event_version must be non-negative, got %d", e.EventVersion)
	}
	if !ValidActorTypes[e.ActorType] {
		return fmt.Errorf("event: actor_type %q is not valid", e.ActorType)
	}
	if e.ActorID == "" {
		return fmt.Errorf("event: actor_id is required")
	}
	if e.CorrelationID == "" {
		return fmt.Errorf("event: correlation_id is required")
	}
	if e.SourceEngine == "" {
		return fmt.Errorf("event: source_engine is required")
	}
	if !ValidStatuses[e.Status] {
		return fmt.Errorf("event: status %q is not valid", e.Status)
	}
	if e.CreatedAt.IsZero() {
		return fmt.Errorf("event: created_at is required")
	}
	return nil
}

// ValidateEventType checks the engine.domain.action.vN naming form.
func ValidateEventType(eventType string) error {
	if eventType == "" {
		return fmt.Errorf("event: event_type is required")
	}
	parts := strings.Split(eventType, ".")
	if len(parts) < 3 {
		return fmt.Errorf("event: event_type %q must follow engine.domain.action.vN", eventType)
	}
	last := parts[len(parts)-1]
	if len(last) < 2 || last[0] != 'v' {
		return fmt.Errorf("event: event_type %q must end with a version segment (v1, v2, ...)", eventType)
	}
	for _, r := range last[1:] {
		if r < '0' || r > '9' {
			return fmt.Errorf("event: event_type %q has a malformed version segment %q", eventType, last)
		}
	}
	return nil
}

// View is the read-only projection of an event handed to subscribers
// and projections. The payload is shared, not copied; consumers must
// treat it as immutable.
type View struct {
	EventID       string
	EventType     string
	EventVersion  int
	BusinessID    string
	BranchID      string
	SourceEngine  string
	ActorType     ActorType
	ActorID       string
	CorrelationID string
	CausationID   string
	Payload       map[string]any
	ReceivedAt    time.Time
	Status        Status
}

// AsView returns the read-only view of e.
func (e *Event) AsView() View {
	return View{
		EventID:       e.EventID,
		EventType:     e.EventType,
		EventVersion:  e.EventVersion,
		BusinessID:    e.BusinessID,
		BranchID:      e.BranchID,
		SourceEngine:  e.SourceEngine,
		ActorType:     e.ActorType,
		ActorID:       e.ActorID,
		CorrelationID: e.CorrelationID,
		CausationID:   e.CausationID,
		Payload:       e.Payload,
		ReceivedAt:    e.ReceivedAt,
		Status:        e.Status,
	}
}
