// Package organizations reads tenant records.
package organizations

import (
	"context"
	"database/sql"
	"errors"
	"sync"
)

// Organization is the tenant boundary every other entity is scoped by.
type Organization struct {
	ID   string `json:"id" db:"id"`
	Name string `json:"name" db:"name"`
}

var ErrNotFound = errors.New("organizations: not found")

type Repository interface {
	Get(ctx context.Context, orgID string) (Organization, error)
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Get(ctx context.Context, orgID string) (Organization, error) {
	const q = `SELECT id, name FROM organizations WHERE id = $1`
	var o Organization
	if err := r.db.QueryRowContext(ctx, q, orgID).Scan(&o.ID, &o.Name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Organization{}, ErrNotFound
		}
		return Organization{}, err
	}
	return o, nil
}

// MemoryRepo is an in-memory Repository for tests and local runs.
type MemoryRepo struct {
	mu   sync.RWMutex
	orgs map[string]Organization
}

func NewMemoryRepo(orgs ...Organization) *MemoryRepo {
	r := &MemoryRepo{orgs: map[string]Organization{}}
	for _, o := range orgs {
		r.orgs[o.ID] = o
	}
	return r
}

func (r *MemoryRepo) Get(_ context.Context, orgID string) (Organization, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orgs[orgID]
	if !ok {
		return Organization{}, ErrNotFound
	}
	return o, nil
}
