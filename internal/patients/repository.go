package patients

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"outreach-platform/pkg/utils"
)

// PostgresRepo reads and creates rows in patients.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

const selectPatient = `
SELECT id, organization_id, first_name, last_name, phone_number, phone_digits,
       date_of_birth, is_placeholder, created_at
FROM patients
`

func (r *PostgresRepo) FindByPhone(ctx context.Context, orgID, digits string) (Patient, error) {
	return r.scanOne(ctx, selectPatient+`WHERE organization_id = $1 AND phone_digits = $2 LIMIT 1`, orgID, digits)
}

func (r *PostgresRepo) Get(ctx context.Context, orgID, id string) (Patient, error) {
	return r.scanOne(ctx, selectPatient+`WHERE organization_id = $1 AND id = $2`, orgID, id)
}

func (r *PostgresRepo) scanOne(ctx context.Context, q string, args ...any) (Patient, error) {
	var (
		p   Patient
		dob sql.NullTime
	)
	if err := r.db.QueryRowContext(ctx, q, args...).Scan(
		&p.ID,
		&p.OrganizationID,
		&p.FirstName,
		&p.LastName,
		&p.PhoneNumber,
		&p.PhoneDigits,
		&dob,
		&p.Placeholder,
		&p.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Patient{}, ErrNotFound
		}
		return Patient{}, err
	}
	p.DateOfBirth = utils.TimePtr(dob)
	return p, nil
}

func (r *PostgresRepo) Create(ctx context.Context, p Patient) error {
	const q = `
INSERT INTO patients (
  id, organization_id, first_name, last_name, phone_number, phone_digits,
  date_of_birth, is_placeholder, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
`
	_, err := r.db.ExecContext(ctx, q,
		p.ID,
		p.OrganizationID,
		p.FirstName,
		p.LastName,
		p.PhoneNumber,
		p.PhoneDigits,
		utils.NullTime(p.DateOfBirth),
		p.Placeholder,
		p.CreatedAt,
	)
	if utils.IsUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// MemoryRepo is an in-memory Repository for tests and local runs.
type MemoryRepo struct {
	mu       sync.Mutex
	patients map[string]Patient // org|digits

	// FailCreate, when set, replaces every Create.
	FailCreate error
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{patients: map[string]Patient{}}
}

func (r *MemoryRepo) FindByPhone(_ context.Context, orgID, digits string) (Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.patients[orgID+"|"+digits]
	if !ok {
		return Patient{}, ErrNotFound
	}
	return p, nil
}

func (r *MemoryRepo) Get(_ context.Context, orgID, id string) (Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.patients {
		if p.OrganizationID == orgID && p.ID == id {
			return p, nil
		}
	}
	return Patient{}, ErrNotFound
}

func (r *MemoryRepo) Create(_ context.Context, p Patient) error {
	if r.FailCreate != nil {
		return r.FailCreate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := p.OrganizationID + "|" + p.PhoneDigits
	if _, ok := r.patients[key]; ok {
		return ErrDuplicate
	}
	r.patients[key] = p
	return nil
}

func (r *MemoryRepo) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.patients)
}
