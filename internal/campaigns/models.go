package campaigns

import (
	"errors"

	"outreach-platform/internal/analysis"
)

// Campaign is read-only configuration for outreach calls.
type Campaign struct {
	ID             string `json:"id" db:"id"`
	OrganizationID string `json:"organization_id" db:"organization_id"`
	TemplateID     string `json:"template_id,omitempty" db:"template_id"`
	Name           string `json:"name" db:"name"`
	Prompt         string `json:"prompt,omitempty" db:"prompt"`

	// AnalysisFields maps a canonical flag (reached, voicemail, converted) to
	// extra analysis keys this campaign uses for it.
	AnalysisFields map[string][]string `json:"analysis_fields,omitempty" db:"analysis_fields"`
}

// Template is the reusable base a campaign is built from.
type Template struct {
	ID             string              `json:"id" db:"id"`
	OrganizationID string              `json:"organization_id" db:"organization_id"`
	Name           string              `json:"name" db:"name"`
	Prompt         string              `json:"prompt,omitempty" db:"prompt"`
	AnalysisFields map[string][]string `json:"analysis_fields,omitempty" db:"analysis_fields"`
}

// Config is the context handed to downstream field interpretation.
type Config struct {
	Campaign Campaign
	// Template is nil when the campaign has none or it could not be found.
	Template *Template
	// Aliases are the campaign-specific analysis keys, template first.
	Aliases analysis.AliasTable
}

var ErrNotFound = errors.New("campaigns: not found")

func aliasesFrom(fields ...map[string][]string) analysis.AliasTable {
	out := analysis.AliasTable{}
	for _, f := range fields {
		for flag, keys := range f {
			canon := analysis.Flag(flag)
			if !knownFlag(canon) {
				continue
			}
			out = out.With(analysis.AliasTable{canon: keys})
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func knownFlag(f analysis.Flag) bool {
	for _, k := range analysis.Flags {
		if k == f {
			return true
		}
	}
	return false
}
