package patients

import (
	"context"
	"errors"
	"fmt"
	"time"

	"outreach-platform/pkg/logger"
	"outreach-platform/pkg/phone"

	"github.com/google/uuid"
)

// Repository is the persistence contract for patients.
type Repository interface {
	FindByPhone(ctx context.Context, orgID, digits string) (Patient, error)
	// Get returns ErrNotFound when id does not belong to orgID.
	Get(ctx context.Context, orgID, id string) (Patient, error)
	// Create returns ErrDuplicate when the organization already has the number.
	Create(ctx context.Context, p Patient) error
}

// Auditor records placeholder provisioning. *audit.Service satisfies it.
type Auditor interface {
	LogPlaceholderPatient(ctx context.Context, orgID, patientID, phoneDigits string) error
}

// Resolver maps phone numbers to patients.
type Resolver struct {
	repo    Repository
	auditor Auditor
	// clock and newID are injectable for deterministic tests.
	clock func() time.Time
	newID func() string
}

func NewResolver(repo Repository, auditor Auditor) *Resolver {
	return &Resolver{repo: repo, auditor: auditor, clock: time.Now, newID: uuid.NewString}
}

// Resolve looks the number up by its normalized digits within orgID.
// The bool is false when no patient matches.
func (r *Resolver) Resolve(ctx context.Context, orgID, number string) (Patient, bool, error) {
	if orgID == "" {
		return Patient{}, false, ErrInvalidArgument
	}
	for _, digits := range phone.Candidates(number) {
		p, err := r.repo.FindByPhone(ctx, orgID, digits)
		if err == nil {
			return p, true, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Patient{}, false, fmt.Errorf("patients: lookup: %w", err)
		}
	}
	return Patient{}, false, nil
}

// Get loads a patient by id within orgID. The bool is false when the id is
// unknown or owned by another organization.
func (r *Resolver) Get(ctx context.Context, orgID, id string) (Patient, bool, error) {
	if orgID == "" || id == "" {
		return Patient{}, false, ErrInvalidArgument
	}
	p, err := r.repo.Get(ctx, orgID, id)
	if errors.Is(err, ErrNotFound) {
		return Patient{}, false, nil
	}
	if err != nil {
		return Patient{}, false, fmt.Errorf("patients: get: %w", err)
	}
	return p, true, nil
}

// ResolveOrCreate resolves the number and provisions a placeholder patient
// when it is unknown. The bool reports whether a placeholder was made.
func (r *Resolver) ResolveOrCreate(ctx context.Context, orgID, number string) (Patient, bool, error) {
	p, ok, err := r.Resolve(ctx, orgID, number)
	if err != nil {
		return Patient{}, false, err
	}
	if ok {
		return p, false, nil
	}
	p, err = r.ProvisionPlaceholderPatient(ctx, orgID, number)
	if errors.Is(err, ErrDuplicate) {
		// Another delivery provisioned the same caller first.
		p, ok, err = r.Resolve(ctx, orgID, number)
		if err != nil {
			return Patient{}, false, err
		}
		if !ok {
			return Patient{}, false, fmt.Errorf("patients: %s vanished after duplicate create", phone.Digits(number))
		}
		return p, false, nil
	}
	if err != nil {
		return Patient{}, false, err
	}
	return p, true, nil
}

// ProvisionPlaceholderPatient creates the stand-in identity used so a live
// call can proceed without intake data: "Unknown Caller", date of birth set to
// today (UTC). Every provisioning is written to the audit trail.
func (r *Resolver) ProvisionPlaceholderPatient(ctx context.Context, orgID, number string) (Patient, error) {
	digits := phone.Key(number)
	if orgID == "" || digits == "" {
		return Patient{}, ErrInvalidArgument
	}
	now := r.clock().UTC()
	dob := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	p := Patient{
		ID:             r.newID(),
		OrganizationID: orgID,
		FirstName:      PlaceholderFirstName,
		LastName:       PlaceholderLastName,
		PhoneNumber:    number,
		PhoneDigits:    digits,
		DateOfBirth:    &dob,
		Placeholder:    true,
		CreatedAt:      now,
	}
	if err := r.repo.Create(ctx, p); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return Patient{}, err
		}
		return Patient{}, fmt.Errorf("patients: create placeholder: %w", err)
	}

	if r.auditor != nil {
		if err := r.auditor.LogPlaceholderPatient(ctx, orgID, p.ID, digits); err != nil {
			logger.From(ctx).Warn("audit placeholder patient failed",
				"org_id", orgID,
				"patient_id", p.ID,
				"error", err.Error(),
			)
		}
	}
	return p, nil
}
