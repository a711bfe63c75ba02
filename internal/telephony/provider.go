package telephony

import (
	"fmt"
	"time"

	"outreach-platform/internal/calls"
)

// The provider's webhook payloads are untrusted and only partially well-formed.
// Everything is decoded into map[string]any first and normalized here; no
// other package reads raw provider fields.

// InboundCall is a normalized inbound-call webhook.
type InboundCall struct {
	FromNumber string `json:"from_number" validate:"required,phone"`
	ToNumber   string `json:"to_number"`
	CallID     string `json:"call_id"`
	AgentID    string `json:"agent_id"`

	// Substitutions lists the fallback values filled in for missing fields.
	Substitutions []Substitution `json:"-"`
}

// Substitution records one optional field filled with a fallback value.
type Substitution struct {
	Field  string
	Value  string
	Reason string
}

// PostCallEvent is a normalized post-call webhook.
type PostCallEvent struct {
	Event     string          `json:"event"`
	CallID    string          `json:"call_id" validate:"required"`
	Direction calls.Direction `json:"direction"`

	FromNumber string `json:"from_number"`
	ToNumber   string `json:"to_number"`
	AgentID    string `json:"agent_id"`

	CallStatus          string `json:"call_status"`
	DisconnectionReason string `json:"disconnection_reason"`

	RecordingURL    string     `json:"recording_url"`
	Transcript      string     `json:"transcript"`
	Summary         string     `json:"call_summary"`
	DurationSeconds *int       `json:"duration_seconds"`
	StartTime       *time.Time `json:"start_time"`
	EndTime         *time.Time `json:"end_time"`

	// Linkage lifted from provider metadata.
	RunID      string `json:"run_id"`
	RowID      string `json:"row_id"`
	CampaignID string `json:"campaign_id"`
	PatientID  string `json:"patient_id"`

	// Analysis is custom_analysis_data with provider-level flags merged
	// underneath it; custom keys win.
	Analysis map[string]any `json:"analysis"`
	Metadata map[string]any `json:"metadata"`
}

// Status maps the provider vocabulary onto the call status enum.
func (e PostCallEvent) Status() calls.Status {
	return calls.StatusFromProvider(e.CallStatus, e.DisconnectionReason)
}

// ErrorMessage is the failure description stored on failed calls.
func (e PostCallEvent) ErrorMessage() string {
	if e.DisconnectionReason != "" {
		return e.DisconnectionReason
	}
	return e.CallStatus
}

// ValidationError is an input defect in a webhook payload.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("telephony: invalid %s: %s", e.Field, e.Reason)
}

// Webhook response statuses.
const (
	StatusSuccess        = "success"
	StatusPartialSuccess = "partial_success"
	StatusError          = "error"
)

// InboundResponse steers the live agent. It is always returned with HTTP 200.
type InboundResponse struct {
	Status    string         `json:"status"`
	CallID    string         `json:"call_id"`
	Variables map[string]any `json:"variables"`
	Error     string         `json:"error,omitempty"`
}

// PostCallResponse acknowledges a post-call event.
type PostCallResponse struct {
	Status    string `json:"status"`
	CallID    string `json:"callId"`
	PatientID string `json:"patientId,omitempty"`
	Insights  any    `json:"insights,omitempty"`
	Error     string `json:"error,omitempty"`
}
