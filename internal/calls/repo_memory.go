package calls

import (
	"context"
	"sync"
	"time"
)

// MemoryRepo is an in-memory Repository useful for tests.
// It is not intended for production use.
type MemoryRepo struct {
	mu         sync.Mutex
	byID       map[string]Call
	byExternal map[string]string

	// FailInsert, when set, is consulted before every insert.
	FailInsert func(c Call) error
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{byID: map[string]Call{}, byExternal: map[string]string{}}
}

func (r *MemoryRepo) FindByExternalID(ctx context.Context, orgID, externalID string) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byExternal[externalID]
	if !ok {
		return Call{}, ErrNotFound
	}
	c := r.byID[id]
	if c.OrganizationID != orgID {
		return Call{}, ErrNotFound
	}
	return c, nil
}

func (r *MemoryRepo) Insert(ctx context.Context, c Call) error {
	if r.FailInsert != nil {
		if err := r.FailInsert(c); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byExternal[c.ExternalID]; ok {
		return ErrDuplicate
	}
	if _, ok := r.byID[c.ID]; ok {
		return ErrDuplicate
	}
	r.byID[c.ID] = c
	r.byExternal[c.ExternalID] = c.ID
	return nil
}

func (r *MemoryRepo) Merge(ctx context.Context, orgID, id string, p Patch, now time.Time) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok || c.OrganizationID != orgID {
		return Call{}, ErrNotFound
	}
	c = c.apply(p, now)
	r.byID[id] = c
	return c, nil
}

// Len returns the number of stored calls.
func (r *MemoryRepo) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}
