package campaigns

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
)

// PostgresRepo reads campaigns and campaign_templates.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) GetCampaign(ctx context.Context, orgID, campaignID string) (Campaign, error) {
	const q = `
SELECT id, organization_id, template_id, name, prompt, analysis_fields
FROM campaigns
WHERE organization_id = $1 AND id = $2
`
	var (
		c          Campaign
		templateID sql.NullString
		fields     []byte
	)
	if err := r.db.QueryRowContext(ctx, q, orgID, campaignID).Scan(
		&c.ID,
		&c.OrganizationID,
		&templateID,
		&c.Name,
		&c.Prompt,
		&fields,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Campaign{}, ErrNotFound
		}
		return Campaign{}, err
	}
	c.TemplateID = templateID.String
	f, err := decodeFields(fields)
	if err != nil {
		return Campaign{}, err
	}
	c.AnalysisFields = f
	return c, nil
}

func (r *PostgresRepo) GetTemplate(ctx context.Context, orgID, templateID string) (Template, error) {
	const q = `
SELECT id, organization_id, name, prompt, analysis_fields
FROM campaign_templates
WHERE organization_id = $1 AND id = $2
`
	var (
		t      Template
		fields []byte
	)
	if err := r.db.QueryRowContext(ctx, q, orgID, templateID).Scan(
		&t.ID,
		&t.OrganizationID,
		&t.Name,
		&t.Prompt,
		&fields,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Template{}, ErrNotFound
		}
		return Template{}, err
	}
	f, err := decodeFields(fields)
	if err != nil {
		return Template{}, err
	}
	t.AnalysisFields = f
	return t, nil
}

// decodeFields accepts {"flag": ["key", ...]} and tolerates a bare string per flag.
func decodeFields(raw []byte) (map[string][]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var loose map[string]json.RawMessage
	if err := json.Unmarshal(raw, &loose); err != nil {
		return nil, err
	}
	out := make(map[string][]string, len(loose))
	for flag, v := range loose {
		var keys []string
		if err := json.Unmarshal(v, &keys); err == nil {
			out[flag] = keys
			continue
		}
		var one string
		if err := json.Unmarshal(v, &one); err == nil && one != "" {
			out[flag] = []string{one}
		}
	}
	return out, nil
}

// MemoryRepo is an in-memory Repository for tests and local runs.
type MemoryRepo struct {
	mu        sync.Mutex
	campaigns map[string]Campaign
	templates map[string]Template

	// Err, when set, is returned by every read.
	Err error
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{campaigns: map[string]Campaign{}, templates: map[string]Template{}}
}

func (r *MemoryRepo) PutCampaign(c Campaign) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.campaigns[c.ID] = c
}

func (r *MemoryRepo) PutTemplate(t Template) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[t.ID] = t
}

func (r *MemoryRepo) GetCampaign(_ context.Context, orgID, campaignID string) (Campaign, error) {
	if r.Err != nil {
		return Campaign{}, r.Err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[campaignID]
	if !ok || c.OrganizationID != orgID {
		return Campaign{}, ErrNotFound
	}
	return c, nil
}

func (r *MemoryRepo) GetTemplate(_ context.Context, orgID, templateID string) (Template, error) {
	if r.Err != nil {
		return Template{}, r.Err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.templates[templateID]
	if !ok || t.OrganizationID != orgID {
		return Template{}, ErrNotFound
	}
	return t, nil
}
