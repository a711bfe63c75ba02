package runs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"outreach-platform/pkg/utils"
)

// PostgresRepo serializes run updates with a row lock on runs.
//
// It assumes the tables created by the migrations: runs, rows and calls (for
// the per-call contribution columns).
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) UpdateRun(ctx context.Context, orgID, runID string, fn func(ctx context.Context, tx RunTx) error) error {
	return utils.WithTxRetry(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		run, err := lockRun(ctx, tx, orgID, runID)
		if err != nil {
			return err
		}
		return fn(ctx, &pgRunTx{tx: tx, run: run})
	})
}

func (r *PostgresRepo) Lookup(ctx context.Context, orgID, runID, rowID string) (bool, bool, error) {
	const q = `
SELECT
  EXISTS (SELECT 1 FROM runs WHERE organization_id = $1 AND id = $2),
  EXISTS (SELECT 1 FROM rows WHERE organization_id = $1 AND run_id = $2 AND id = $3)
`
	var runFound, rowFound bool
	if err := r.db.QueryRowContext(ctx, q, orgID, runID, rowID).Scan(&runFound, &rowFound); err != nil {
		return false, false, err
	}
	return runFound, runFound && rowFound, nil
}

func lockRun(ctx context.Context, tx *sql.Tx, orgID, runID string) (Run, error) {
	// Lock the run row so concurrent completions for one run apply one at a time.
	const q = `
SELECT id, organization_id, campaign_id, status, metadata, created_at, updated_at
FROM runs
WHERE organization_id = $1 AND id = $2
FOR UPDATE
`
	var (
		run        Run
		campaignID sql.NullString
		metadata   []byte
	)
	if err := tx.QueryRowContext(ctx, q, orgID, runID).Scan(
		&run.ID,
		&run.OrganizationID,
		&campaignID,
		&run.Status,
		&metadata,
		&run.CreatedAt,
		&run.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, ErrNotFound
		}
		return Run{}, err
	}
	run.CampaignID = campaignID.String
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &run.Metadata); err != nil {
			return Run{}, err
		}
	}
	return run, nil
}

type pgRunTx struct {
	tx  *sql.Tx
	run Run
}

func (t *pgRunTx) Run() Run { return t.run }

func (t *pgRunTx) Contribution(ctx context.Context, callID string) (Contribution, error) {
	const q = `
SELECT run_metrics_applied_at IS NOT NULL, run_counted,
       run_reached_applied, run_voicemail_applied, run_converted_applied
FROM calls
WHERE organization_id = $1 AND id = $2
FOR UPDATE
`
	var (
		c       Contribution
		counted string
	)
	err := t.tx.QueryRowContext(ctx, q, t.run.OrganizationID, callID).Scan(
		&c.Seen,
		&counted,
		&c.Reached,
		&c.Voicemail,
		&c.Converted,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Contribution{}, ErrNotFound
	}
	if err != nil {
		return Contribution{}, err
	}
	c.Completed = counted == string(RowCompleted)
	c.Failed = counted == string(RowFailed)
	return c, nil
}

func (t *pgRunTx) SetContribution(ctx context.Context, callID string, c Contribution) error {
	const q = `
UPDATE calls SET
  run_metrics_applied_at = COALESCE(run_metrics_applied_at, now()),
  run_counted            = $3,
  run_reached_applied    = $4,
  run_voicemail_applied  = $5,
  run_converted_applied  = $6
WHERE organization_id = $1 AND id = $2
`
	var counted string
	switch {
	case c.Completed:
		counted = string(RowCompleted)
	case c.Failed:
		counted = string(RowFailed)
	}
	_, err := t.tx.ExecContext(ctx, q, t.run.OrganizationID, callID, counted, c.Reached, c.Voicemail, c.Converted)
	return err
}

func (t *pgRunTx) UpdateRow(ctx context.Context, u RowUpdate) (RowStatus, bool, error) {
	const q = `
WITH prior AS (
  SELECT id, status FROM rows
  WHERE organization_id = $1 AND run_id = $2 AND id = $3
  FOR UPDATE
)
UPDATE rows r SET
  status     = $4,
  error      = $5,
  analysis   = r.analysis || $6::jsonb,
  metadata   = r.metadata || $7::jsonb,
  call_id    = COALESCE(NULLIF($8, ''), r.call_id),
  updated_at = $9
FROM prior
WHERE r.id = prior.id
RETURNING prior.status
`
	analysis, err := utils.JSONArg(u.Analysis)
	if err != nil {
		return "", false, err
	}
	metadata, err := utils.JSONArg(u.Metadata)
	if err != nil {
		return "", false, err
	}
	var prior RowStatus
	err = t.tx.QueryRowContext(ctx, q,
		t.run.OrganizationID,
		t.run.ID,
		u.RowID,
		string(u.Status),
		u.Error,
		analysis,
		metadata,
		u.CallID,
		u.At,
	).Scan(&prior)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return prior, true, nil
}

func (t *pgRunTx) CountUnsettledRows(ctx context.Context) (int, error) {
	const q = `
SELECT count(*) FROM rows
WHERE organization_id = $1 AND run_id = $2 AND status IN ('pending', 'calling', 'in-progress')
`
	var n int
	if err := t.tx.QueryRowContext(ctx, q, t.run.OrganizationID, t.run.ID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (t *pgRunTx) SaveRun(ctx context.Context, run Run) error {
	const q = `
UPDATE runs SET status = $3, metadata = $4::jsonb, updated_at = $5
WHERE organization_id = $1 AND id = $2
`
	b, err := json.Marshal(run.Metadata)
	if err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, q, run.OrganizationID, run.ID, string(run.Status), string(b), run.UpdatedAt); err != nil {
		return err
	}
	t.run = run
	return nil
}
