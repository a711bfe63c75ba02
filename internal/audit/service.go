package audit

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"outreach-platform/pkg/utils"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
// It is append-only: there are no Update/Delete methods.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service records internal audit information.
// Audit is internal-only and callers treat it as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.OrganizationID == "" || e.Type == "" {
		return ErrInvalidEvent
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// LogPlaceholderPatient records that a placeholder patient was provisioned
// for an unknown caller.
func (s *Service) LogPlaceholderPatient(ctx context.Context, orgID, patientID, phoneDigits string) error {
	return s.Append(ctx, Event{
		OrganizationID: orgID,
		Type:           EventTypePlaceholderPatient,
		PatientID:      patientID,
		Message:        "placeholder patient provisioned for unrecognized caller",
		Metadata:       map[string]any{"phone_digits": phoneDigits},
	})
}

// LogLinkageDropped records a call stored by the reduced-field fallback insert.
func (s *Service) LogLinkageDropped(ctx context.Context, orgID, callID, reason string) error {
	return s.Append(ctx, Event{
		OrganizationID: orgID,
		Type:           EventTypeLinkageDropped,
		CallID:         callID,
		Message:        "call stored without patient, run and row linkage",
		Metadata:       map[string]any{"reason": reason},
	})
}

// PostgresRepo appends to audit_events.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_events (id, organization_id, type, patient_id, call_id, message, metadata, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7::jsonb,$8)
`
	metadata, err := utils.JSONArg(e.Metadata)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, q,
		e.ID,
		e.OrganizationID,
		string(e.Type),
		e.PatientID,
		e.CallID,
		e.Message,
		metadata,
		e.CreatedAt,
	)
	return err
}
