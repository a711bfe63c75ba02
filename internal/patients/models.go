package patients

import (
	"errors"
	"strings"
	"time"
)

// Patient is a person associated with calls, keyed by phone digits within an
// organization.
type Patient struct {
	ID             string     `json:"id" db:"id"`
	OrganizationID string     `json:"organization_id" db:"organization_id"`
	FirstName      string     `json:"first_name" db:"first_name"`
	LastName       string     `json:"last_name" db:"last_name"`
	PhoneNumber    string     `json:"phone_number" db:"phone_number"`
	PhoneDigits    string     `json:"phone_digits" db:"phone_digits"`
	DateOfBirth    *time.Time `json:"date_of_birth,omitempty" db:"date_of_birth"`
	// Placeholder marks records fabricated for unrecognized callers.
	Placeholder bool      `json:"is_placeholder" db:"is_placeholder"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// FullName joins first and last name.
func (p Patient) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// Placeholder identity values.
const (
	PlaceholderFirstName = "Unknown"
	PlaceholderLastName  = "Caller"
)

var (
	ErrNotFound        = errors.New("patients: not found")
	ErrDuplicate       = errors.New("patients: duplicate phone")
	ErrInvalidArgument = errors.New("patients: invalid argument")
)
