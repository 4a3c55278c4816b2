package model

import "time"

// PatternType distinguishes include from exclude URL rules.
type PatternType string

const (
	PatternTypeInclude PatternType = "include"
	PatternTypeExclude PatternType = "exclude"
)

// URLPattern is a learned include/exclude rule for a host's URL paths.
// Unique by (host, pattern_type, pattern). Confidence grows via
// reinforcement and decays only through explicit maintenance.
type URLPattern struct {
	ID             int64       `json:"id,omitempty"`
	Host           string      `json:"host"`
	PatternType    PatternType `json:"pattern_type"`
	Pattern        string      `json:"pattern"`
	Confidence     float64     `json:"confidence"`
	UsageCount     int         `json:"usage_count"`
	SuccessRate    float64     `json:"success_rate"`
	LearnedFromURL string      `json:"learned_from_url,omitempty"`
	Reason         string      `json:"reason,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// InstitutionGeneral marks a dynamic pattern as applicable to every source.
const InstitutionGeneral = "general"

// DynamicPattern is a learned content-extraction regex for one category,
// scoped to an institution or "general". Confidence is always recomputed
// from success/failure counts, never assigned directly.
type DynamicPattern struct {
	ID           string    `json:"id"`
	Category     string    `json:"category"`
	Regex        string    `json:"regex"`
	Institution  string    `json:"institution"`
	Confidence   float64   `json:"confidence"`
	SuccessCount int       `json:"success_count"`
	FailureCount int       `json:"failure_count"`
	Examples     []string  `json:"examples,omitempty"`
	LastUsedAt   time.Time `json:"last_used_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// SuccessRate returns successes over total observations, 0 if unused.
func (p *DynamicPattern) SuccessRate() float64 {
	total := p.SuccessCount + p.FailureCount
	if total == 0 {
		return 0
	}
	return float64(p.SuccessCount) / float64(total)
}

// QualityRule captures learned field expectations for one funding type.
// Unique by funding type.
type QualityRule struct {
	FundingType           string              `json:"funding_type"`
	RequiredFields        []string            `json:"required_fields"`
	OptionalFields        []string            `json:"optional_fields"`
	TypicalValues         map[string][]string `json:"typical_values,omitempty"`
	CompletenessThreshold int                 `json:"completeness_threshold"`
	UpdatedAt             time.Time           `json:"updated_at"`
}

// DuplicateGroup names one canonical value and the near-duplicates that
// should be folded into it.
type DuplicateGroup struct {
	Keep   string   `json:"keep"`
	Remove []string `json:"remove"`
}

// RequirementPattern is the learned noise/duplicate/exemplar model for one
// extraction category. Unique by category.
type RequirementPattern struct {
	Category          string           `json:"category"`
	GenericValues     []string         `json:"generic_values"`
	DuplicatePatterns []DuplicateGroup `json:"duplicate_patterns"`
	TypicalValues     []string         `json:"typical_values"`
	UpdatedAt         time.Time        `json:"updated_at"`
}
