package calls

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"outreach-platform/pkg/utils"
)

// Repository is the persistence contract for calls.
// Merge must apply the merge rules atomically for a single row.
type Repository interface {
	FindByExternalID(ctx context.Context, orgID, externalID string) (Call, error)
	// Insert returns ErrDuplicate when the external call id already exists.
	Insert(ctx context.Context, c Call) error
	Merge(ctx context.Context, orgID, id string, p Patch, now time.Time) (Call, error)
}

// PostgresRepo stores calls in the calls table.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const callColumns = `
id, organization_id, external_call_id, patient_id, campaign_id, run_id, row_id,
direction, status, from_number, to_number, agent_id, recording_url, transcript,
duration_seconds, start_time, end_time, analysis, metadata, error, created_at, updated_at`

func (r *PostgresRepo) FindByExternalID(ctx context.Context, orgID, externalID string) (Call, error) {
	q := `SELECT ` + callColumns + `
FROM calls
WHERE organization_id = $1 AND external_call_id = $2`
	return scanCall(r.db.QueryRowContext(ctx, q, orgID, externalID))
}

func (r *PostgresRepo) Insert(ctx context.Context, c Call) error {
	const q = `
INSERT INTO calls (
  id, organization_id, external_call_id, patient_id, campaign_id, run_id, row_id,
  direction, status, from_number, to_number, agent_id, recording_url, transcript,
  duration_seconds, start_time, end_time, analysis, metadata, error, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18::jsonb,$19::jsonb,$20,$21,$22
)`
	analysis, err := utils.JSONArg(c.Analysis)
	if err != nil {
		return err
	}
	metadata, err := utils.JSONArg(c.Metadata)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, q,
		c.ID,
		c.OrganizationID,
		c.ExternalID,
		utils.NullString(c.PatientID),
		utils.NullString(c.CampaignID),
		utils.NullString(c.RunID),
		utils.NullString(c.RowID),
		string(c.Direction),
		string(c.Status),
		c.FromNumber,
		c.ToNumber,
		c.AgentID,
		c.RecordingURL,
		c.Transcript,
		c.DurationSeconds,
		utils.NullTime(c.StartTime),
		utils.NullTime(c.EndTime),
		analysis,
		metadata,
		c.Error,
		c.CreatedAt,
		c.UpdatedAt,
	)
	if utils.IsUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// Merge applies the merge rules in one UPDATE so concurrent deliveries for the
// same call serialize on the row lock.
func (r *PostgresRepo) Merge(ctx context.Context, orgID, id string, p Patch, now time.Time) (Call, error) {
	q := `
UPDATE calls SET
  patient_id       = COALESCE(patient_id, NULLIF($3, '')),
  campaign_id      = COALESCE(campaign_id, NULLIF($4, '')),
  run_id           = COALESCE(run_id, NULLIF($5, '')),
  row_id           = COALESCE(row_id, NULLIF($6, '')),
  direction        = CASE WHEN direction = '' THEN COALESCE(NULLIF($7, ''), direction) ELSE direction END,
  status           = CASE WHEN status IN ('completed', 'failed') THEN status ELSE COALESCE(NULLIF($8, ''), status) END,
  from_number      = CASE WHEN from_number = '' THEN $9 ELSE from_number END,
  to_number        = CASE WHEN to_number = '' THEN $10 ELSE to_number END,
  agent_id         = CASE WHEN agent_id = '' THEN $11 ELSE agent_id END,
  recording_url    = COALESCE(NULLIF($12, ''), recording_url),
  transcript       = COALESCE(NULLIF($13, ''), transcript),
  duration_seconds = COALESCE($14, duration_seconds),
  start_time       = COALESCE($15, start_time),
  end_time         = COALESCE($16, end_time),
  analysis         = analysis || $17::jsonb,
  metadata         = metadata || $18::jsonb,
  error            = CASE
                       WHEN $19 <> '' AND (CASE WHEN status IN ('completed', 'failed') THEN status ELSE COALESCE(NULLIF($8, ''), status) END) = 'failed'
                       THEN $19 ELSE error
                     END,
  updated_at       = $20
WHERE organization_id = $1 AND id = $2
RETURNING ` + callColumns

	analysis, err := utils.JSONArg(p.Analysis)
	if err != nil {
		return Call{}, err
	}
	metadata, err := utils.JSONArg(p.Metadata)
	if err != nil {
		return Call{}, err
	}
	return scanCall(r.db.QueryRowContext(ctx, q,
		orgID,
		id,
		p.PatientID,
		p.CampaignID,
		p.RunID,
		p.RowID,
		string(p.Direction),
		string(p.Status),
		p.FromNumber,
		p.ToNumber,
		p.AgentID,
		p.RecordingURL,
		p.Transcript,
		utils.NullInt(p.DurationSeconds),
		utils.NullTime(p.StartTime),
		utils.NullTime(p.EndTime),
		analysis,
		metadata,
		p.Error,
		now,
	))
}

func scanCall(row *sql.Row) (Call, error) {
	var (
		c                                   Call
		patientID, campaignID, runID, rowID sql.NullString
		start, end                          sql.NullTime
		analysis, metadata                  []byte
	)
	if err := row.Scan(
		&c.ID,
		&c.OrganizationID,
		&c.ExternalID,
		&patientID,
		&campaignID,
		&runID,
		&rowID,
		&c.Direction,
		&c.Status,
		&c.FromNumber,
		&c.ToNumber,
		&c.AgentID,
		&c.RecordingURL,
		&c.Transcript,
		&c.DurationSeconds,
		&start,
		&end,
		&analysis,
		&metadata,
		&c.Error,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Call{}, ErrNotFound
		}
		return Call{}, err
	}
	c.PatientID = patientID.String
	c.CampaignID = campaignID.String
	c.RunID = runID.String
	c.RowID = rowID.String
	c.StartTime = utils.TimePtr(start)
	c.EndTime = utils.TimePtr(end)

	var err error
	if c.Analysis, err = utils.ScanJSON(analysis); err != nil {
		return Call{}, err
	}
	if c.Metadata, err = utils.ScanJSON(metadata); err != nil {
		return Call{}, err
	}
	return c, nil
}
