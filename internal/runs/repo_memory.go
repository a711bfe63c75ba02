package runs

import (
	"context"
	"maps"
	"sync"
)

// MemoryRepo is an in-memory Repository useful for tests.
// UpdateRun holds the repo lock for the whole unit of work and commits staged
// writes only when fn succeeds.
type MemoryRepo struct {
	mu      sync.Mutex
	runs    map[string]Run
	rows    map[string]Row
	contrib map[string]Contribution
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{runs: map[string]Run{}, rows: map[string]Row{}, contrib: map[string]Contribution{}}
}

func (r *MemoryRepo) PutRun(run Run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.ID] = run
}

func (r *MemoryRepo) PutRow(row Row) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[row.ID] = row
}

func (r *MemoryRepo) GetRun(id string) (Run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	return run, ok
}

func (r *MemoryRepo) GetRow(id string) (Row, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	return row, ok
}

// GetContribution returns what callID has contributed so far.
func (r *MemoryRepo) GetContribution(callID string) Contribution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.contrib[callID]
}

func (r *MemoryRepo) Lookup(_ context.Context, orgID, runID, rowID string) (bool, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok || run.OrganizationID != orgID {
		return false, false, nil
	}
	row, ok := r.rows[rowID]
	return true, ok && row.RunID == runID && row.OrganizationID == orgID, nil
}

func (r *MemoryRepo) UpdateRun(ctx context.Context, orgID, runID string, fn func(ctx context.Context, tx RunTx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[runID]
	if !ok || run.OrganizationID != orgID {
		return ErrNotFound
	}
	tx := &memTx{repo: r, run: run, rows: map[string]Row{}, contrib: map[string]Contribution{}}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	if tx.saved != nil {
		r.runs[runID] = *tx.saved
	}
	maps.Copy(r.rows, tx.rows)
	maps.Copy(r.contrib, tx.contrib)
	return nil
}

type memTx struct {
	repo    *MemoryRepo
	run     Run
	saved   *Run
	rows    map[string]Row
	contrib map[string]Contribution
}

func (t *memTx) Run() Run {
	if t.saved != nil {
		return *t.saved
	}
	return t.run
}

func (t *memTx) Contribution(ctx context.Context, callID string) (Contribution, error) {
	if c, ok := t.contrib[callID]; ok {
		return c, nil
	}
	return t.repo.contrib[callID], nil
}

func (t *memTx) SetContribution(ctx context.Context, callID string, c Contribution) error {
	t.contrib[callID] = c
	return nil
}

func (t *memTx) row(id string) (Row, bool) {
	if row, ok := t.rows[id]; ok {
		return row, true
	}
	row, ok := t.repo.rows[id]
	return row, ok
}

func (t *memTx) UpdateRow(ctx context.Context, u RowUpdate) (RowStatus, bool, error) {
	row, ok := t.row(u.RowID)
	if !ok || row.RunID != t.run.ID || row.OrganizationID != t.run.OrganizationID {
		return "", false, nil
	}
	prior := row.Status
	row.Status = u.Status
	row.Error = u.Error
	if u.CallID != "" {
		row.CallID = u.CallID
	}
	row.Analysis = mergeMaps(row.Analysis, u.Analysis)
	row.Metadata = mergeMaps(row.Metadata, u.Metadata)
	row.UpdatedAt = u.At
	t.rows[row.ID] = row
	return prior, true, nil
}

func (t *memTx) CountUnsettledRows(ctx context.Context) (int, error) {
	n := 0
	seen := map[string]bool{}
	for id, row := range t.rows {
		seen[id] = true
		if row.RunID == t.run.ID && row.Status.Unsettled() {
			n++
		}
	}
	for id, row := range t.repo.rows {
		if seen[id] {
			continue
		}
		if row.RunID == t.run.ID && row.Status.Unsettled() {
			n++
		}
	}
	return n, nil
}

func (t *memTx) SaveRun(ctx context.Context, run Run) error {
	t.saved = &run
	return nil
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
