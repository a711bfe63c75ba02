package campaigns

import (
	"context"
	"errors"
	"fmt"
)

// Repository reads campaign configuration. Both methods return ErrNotFound
// when the id does not exist within the organization.
type Repository interface {
	GetCampaign(ctx context.Context, orgID, campaignID string) (Campaign, error)
	GetTemplate(ctx context.Context, orgID, templateID string) (Template, error)
}

// Loader resolves a campaign and its template for one call.
type Loader struct {
	repo Repository
}

func NewLoader(repo Repository) *Loader {
	return &Loader{repo: repo}
}

// Load returns the campaign context, or nil when campaignID is empty or unknown.
// Absence is not an error; callers treat the analysis schema as empty.
func (l *Loader) Load(ctx context.Context, campaignID, orgID string) (*Config, error) {
	if campaignID == "" || orgID == "" {
		return nil, nil
	}
	c, err := l.repo.GetCampaign(ctx, orgID, campaignID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("campaigns: load %s: %w", campaignID, err)
	}

	cfg := &Config{Campaign: c}
	if c.TemplateID != "" {
		t, err := l.repo.GetTemplate(ctx, orgID, c.TemplateID)
		switch {
		case err == nil:
			cfg.Template = &t
		case !errors.Is(err, ErrNotFound):
			return nil, fmt.Errorf("campaigns: load template %s: %w", c.TemplateID, err)
		}
	}

	if cfg.Template != nil {
		cfg.Aliases = aliasesFrom(cfg.Template.AnalysisFields, c.AnalysisFields)
	} else {
		cfg.Aliases = aliasesFrom(c.AnalysisFields)
	}
	return cfg, nil
}
