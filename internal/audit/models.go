package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - organization_id is required for tenancy isolation.
// - Writes are best-effort; callers never block a live call on audit failures.
type Event struct {
	ID             string    `json:"id" db:"id"`
	OrganizationID string    `json:"organization_id" db:"organization_id"`
	Type           EventType `json:"type" db:"type"`

	// Target identifiers (optional, depending on the event type).
	PatientID string `json:"patient_id,omitempty" db:"patient_id"`
	CallID    string `json:"call_id,omitempty" db:"call_id"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional detail, stored as jsonb.
	Metadata map[string]any `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	// EventTypePlaceholderPatient records a patient fabricated for an
	// unrecognized inbound caller.
	EventTypePlaceholderPatient EventType = "patient.placeholder_provisioned"
	// EventTypeLinkageDropped records a call stored without its patient/run/row links.
	EventTypeLinkageDropped EventType = "call.linkage_dropped"
)
