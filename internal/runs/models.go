package runs

import (
	"encoding/json"
	"errors"
	"time"
)

// Run is a batch of rows launched together.
//
// Invariants:
// - Completed + Failed <= Total.
// - Outcome counters only grow until Status is completed, then they are
//   frozen. Counters documents the one exception.
// - Status moves pending -> in-progress -> completed, never backwards.
type Run struct {
	ID             string    `json:"id" db:"id"`
	OrganizationID string    `json:"organization_id" db:"organization_id"`
	CampaignID     string    `json:"campaign_id,omitempty" db:"campaign_id"`
	Status         Status    `json:"status" db:"status"`
	Metadata       Metadata  `json:"metadata" db:"metadata"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
)

// Row is one unit of outreach work within a run.
type Row struct {
	ID             string         `json:"id" db:"id"`
	OrganizationID string         `json:"organization_id" db:"organization_id"`
	RunID          string         `json:"run_id" db:"run_id"`
	PatientID      string         `json:"patient_id,omitempty" db:"patient_id"`
	CallID         string         `json:"call_id,omitempty" db:"call_id"`
	Status         RowStatus      `json:"status" db:"status"`
	Error          string         `json:"error,omitempty" db:"error"`
	Analysis       map[string]any `json:"analysis,omitempty" db:"analysis"`
	Metadata       map[string]any `json:"metadata,omitempty" db:"metadata"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
}

type RowStatus string

const (
	RowPending    RowStatus = "pending"
	RowCalling    RowStatus = "calling"
	RowInProgress RowStatus = "in-progress"
	RowCompleted  RowStatus = "completed"
	RowFailed     RowStatus = "failed"
)

// Unsettled reports whether the row still blocks run completion.
func (s RowStatus) Unsettled() bool {
	return s == RowPending || s == RowCalling || s == RowInProgress
}

// Settled reports whether the row reached a final outcome.
func (s RowStatus) Settled() bool {
	return s == RowCompleted || s == RowFailed
}

// Counters is the metadata.calls object.
//
// Counters never decrease while the run is open, with one exception: a failed
// outcome later retried to completed moves one from Failed to Completed, so
// Failed drops by one. Pending and Calling also drain as rows settle.
type Counters struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Voicemail int `json:"voicemail"`
	Connected int `json:"connected"`
	Converted int `json:"converted"`
	Pending   int `json:"pending"`
	Calling   int `json:"calling"`
}

// Timing is the metadata.run object. Duration is in seconds.
type Timing struct {
	StartTime *time.Time `json:"startTime,omitempty"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	Duration  *int64     `json:"duration,omitempty"`
}

// Metadata is the typed view of runs.metadata. Keys other than calls and run
// are carried through untouched.
type Metadata struct {
	Calls Counters
	Run   Timing
	Extra map[string]json.RawMessage
}

func (m Metadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+2)
	for k, v := range m.Extra {
		out[k] = v
	}
	out["calls"] = m.Calls
	out["run"] = m.Run
	return json.Marshal(out)
}

func (m *Metadata) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*m = Metadata{}
	if v, ok := raw["calls"]; ok && string(v) != "null" {
		if err := json.Unmarshal(v, &m.Calls); err != nil {
			return err
		}
	}
	if v, ok := raw["run"]; ok && string(v) != "null" {
		if err := json.Unmarshal(v, &m.Run); err != nil {
			return err
		}
	}
	delete(raw, "calls")
	delete(raw, "run")
	if len(raw) > 0 {
		m.Extra = raw
	}
	return nil
}

var (
	ErrNotFound        = errors.New("runs: not found")
	ErrInvalidArgument = errors.New("runs: invalid argument")
)
