package calls

import (
	"errors"
	"maps"
	"strings"
	"time"
)

// Call is one telephony session, keyed externally by the provider's call id.
//
// Invariants:
// - OrganizationID is required on every row and scopes every query.
// - ExternalID is unique; all writes for it resolve to the same internal ID.
// - Status never leaves completed/failed once reached.
type Call struct {
	ID             string `json:"id" db:"id"`
	OrganizationID string `json:"organization_id" db:"organization_id"`
	ExternalID     string `json:"external_call_id" db:"external_call_id"`

	// Linkage; empty when unknown.
	PatientID  string `json:"patient_id,omitempty" db:"patient_id"`
	CampaignID string `json:"campaign_id,omitempty" db:"campaign_id"`
	RunID      string `json:"run_id,omitempty" db:"run_id"`
	RowID      string `json:"row_id,omitempty" db:"row_id"`

	Direction Direction `json:"direction" db:"direction"`
	Status    Status    `json:"status" db:"status"`

	FromNumber string `json:"from_number" db:"from_number"`
	ToNumber   string `json:"to_number" db:"to_number"`
	AgentID    string `json:"agent_id" db:"agent_id"`

	RecordingURL    string     `json:"recording_url,omitempty" db:"recording_url"`
	Transcript      string     `json:"transcript,omitempty" db:"transcript"`
	DurationSeconds int        `json:"duration" db:"duration_seconds"`
	StartTime       *time.Time `json:"start_time,omitempty" db:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty" db:"end_time"`

	Analysis map[string]any `json:"analysis,omitempty" db:"analysis"`
	Metadata map[string]any `json:"metadata,omitempty" db:"metadata"`
	Error    string         `json:"error,omitempty" db:"error"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type Status string

const (
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var (
	ErrNotFound        = errors.New("calls: not found")
	ErrDuplicate       = errors.New("calls: duplicate external call id")
	ErrInvariant       = errors.New("calls: invariant violated")
	ErrInvalidArgument = errors.New("calls: invalid argument")
)

// Patch carries the fields learned from one webhook delivery.
// Zero values mean "no new information".
type Patch struct {
	PatientID  string
	CampaignID string
	RunID      string
	RowID      string

	Direction Direction
	Status    Status

	FromNumber string
	ToNumber   string
	AgentID    string

	RecordingURL    string
	Transcript      string
	DurationSeconds *int
	StartTime       *time.Time
	EndTime         *time.Time

	Analysis map[string]any
	Metadata map[string]any
	Error    string
}

// WithoutLinkage drops patient, run and row linkage.
func (p Patch) WithoutLinkage() Patch {
	p.PatientID, p.RunID, p.RowID = "", "", ""
	return p
}

// newCall builds the record inserted on first sighting.
func newCall(id, orgID, externalID string, p Patch, now time.Time) Call {
	c := Call{
		ID:             id,
		OrganizationID: orgID,
		ExternalID:     externalID,
		Status:         StatusInProgress,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	c = c.apply(p, now)
	if c.Direction == "" {
		c.Direction = DirectionOutbound
	}
	return c
}

// apply merges p into c. The Postgres repository implements the same rules in SQL.
func (c Call) apply(p Patch, now time.Time) Call {
	out := c

	out.PatientID = firstNonEmpty(c.PatientID, p.PatientID)
	out.CampaignID = firstNonEmpty(c.CampaignID, p.CampaignID)
	out.RunID = firstNonEmpty(c.RunID, p.RunID)
	out.RowID = firstNonEmpty(c.RowID, p.RowID)

	if c.Direction == "" && p.Direction != "" {
		out.Direction = p.Direction
	}
	if !c.Status.Terminal() && p.Status != "" {
		out.Status = p.Status
	}

	out.FromNumber = firstNonEmpty(c.FromNumber, p.FromNumber)
	out.ToNumber = firstNonEmpty(c.ToNumber, p.ToNumber)
	out.AgentID = firstNonEmpty(c.AgentID, p.AgentID)

	if p.RecordingURL != "" {
		out.RecordingURL = p.RecordingURL
	}
	if p.Transcript != "" {
		out.Transcript = p.Transcript
	}
	if p.DurationSeconds != nil {
		out.DurationSeconds = *p.DurationSeconds
	}
	if p.StartTime != nil {
		t := *p.StartTime
		out.StartTime = &t
	}
	if p.EndTime != nil {
		t := *p.EndTime
		out.EndTime = &t
	}

	out.Analysis = mergeMaps(c.Analysis, p.Analysis)
	out.Metadata = mergeMaps(c.Metadata, p.Metadata)

	if out.Status == StatusFailed && p.Error != "" {
		out.Error = p.Error
	}
	out.UpdatedAt = now
	return out
}

// StatusFromProvider maps the provider's call status vocabulary onto Status.
// A call that ended because dialing never connected counts as failed.
func StatusFromProvider(callStatus, disconnectionReason string) Status {
	switch strings.ToLower(strings.TrimSpace(callStatus)) {
	case "ended", "completed":
		if dialFailure(disconnectionReason) {
			return StatusFailed
		}
		return StatusCompleted
	case "error", "failed", "not_connected":
		return StatusFailed
	default:
		return StatusInProgress
	}
}

func dialFailure(reason string) bool {
	r := strings.ToLower(strings.TrimSpace(reason))
	switch r {
	case "dial_failed", "dial_no_answer", "dial_busy":
		return true
	}
	return strings.HasPrefix(r, "error_")
}

func firstNonEmpty(cur, next string) string {
	if cur != "" {
		return cur
	}
	return next
}

func mergeMaps(base, extra map[string]any) map[string]any {
	if len(base) == 0 && len(extra) == 0 {
		return base
	}
	out := make(map[string]any, len(base)+len(extra))
	maps.Copy(out, base)
	maps.Copy(out, extra)
	return out
}
