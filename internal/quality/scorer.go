package quality

import (
	"fmt"
	"strings"

	"github.com/fundscope/crawler-cli/internal/model"
)

// Category is the inferred program category of a record.
type Category string

const (
	CategoryFunding     Category = "funding"
	CategorySupport     Category = "support"
	CategoryService     Category = "service"
	CategoryInformation Category = "information"
)

// DataQuality buckets a final score into a coarse label.
const (
	QualityExcellent = "excellent"
	QualityGood      = "good"
	QualityFair      = "fair"
	QualityPoor      = "poor"
)

// Assessment is the result of scoring one record. Completeness is the
// additive point total before validation penalties; Score is the final
// value after them. Breakdown maps each scoring criterion to the points
// it contributed.
type Assessment struct {
	Score        int            `json:"score"`
	Completeness int            `json:"completeness"`
	Breakdown    map[string]int `json:"breakdown"`
	Category     Category       `json:"category"`
	IsValid      bool           `json:"is_valid"`
	DataQuality  string         `json:"data_quality"`
	Violations   []string       `json:"violations,omitempty"`
	Warnings     []string       `json:"warnings,omitempty"`
}

// financialTypes are funding types that mark a record as a concrete
// financial instrument.
var financialTypes = map[string]bool{
	"grant":     true,
	"subsidy":   true,
	"loan":      true,
	"credit":    true,
	"guarantee": true,
	"equity":    true,
	"prize":     true,
}

// supportTypes are funding types describing non-monetary assistance.
var supportTypes = map[string]bool{
	"coaching":     true,
	"mentoring":    true,
	"consultation": true,
	"consulting":   true,
	"advisory":     true,
	"training":     true,
}

const (
	pointsAmount      = 20
	pointsDeadline    = 15
	pointsFields      = 20
	pointsPerField    = 4
	fullFieldCount    = 5
	pointsDescription = 10
	minDescriptionLen = 50
	pointsContact     = 10
	pointsFundingType = 15
	pointsNotInfoPage = 10
	invalidPenalty    = 20
	validScoreFloor   = 40
)

// Score assesses one record against deterministic completeness rules and
// category-specific validation. It never mutates the record.
func Score(rec *model.Record, fieldCount int) *Assessment {
	a := &Assessment{
		Breakdown: make(map[string]int),
		IsValid:   true,
	}

	if rec.HasAmount() {
		a.Breakdown["funding_amount"] = pointsAmount
	}
	if rec.Deadline != nil || rec.OpenDeadline {
		a.Breakdown["deadline"] = pointsDeadline
	}
	if fieldCount >= fullFieldCount {
		a.Breakdown["extracted_fields"] = pointsFields
	} else if fieldCount > 0 {
		a.Breakdown["extracted_fields"] = fieldCount * pointsPerField
	}
	if len(strings.TrimSpace(rec.Description)) >= minDescriptionLen {
		a.Breakdown["description"] = pointsDescription
	}
	if rec.HasContact() {
		a.Breakdown["contact"] = pointsContact
	}
	if hasValidFundingType(rec.FundingTypes) {
		a.Breakdown["funding_type"] = pointsFundingType
	}
	if rec.HasAmount() || rec.Deadline != nil || rec.OpenDeadline {
		a.Breakdown["not_info_page"] = pointsNotInfoPage
	}

	for _, pts := range a.Breakdown {
		a.Completeness += pts
	}

	a.Category = InferCategory(rec)
	a.Score = a.Completeness
	validate(rec, a)

	if a.Score < 0 {
		a.Score = 0
	}
	if a.Score < validScoreFloor {
		a.IsValid = false
	}
	a.DataQuality = bucket(a.Score)

	return a
}

// InferCategory derives the program category from the record's funding
// types and date/amount signals.
func InferCategory(rec *model.Record) Category {
	for _, t := range rec.FundingTypes {
		if financialTypes[normalizeType(t)] {
			return CategoryFunding
		}
	}
	for _, t := range rec.FundingTypes {
		if supportTypes[normalizeType(t)] {
			return CategorySupport
		}
	}
	if !rec.HasAmount() && rec.Deadline == nil && !rec.OpenDeadline {
		return CategoryService
	}
	return CategoryInformation
}

// validate applies category-specific rules, appending violations (hard,
// invalidating, -20 each) and warnings (soft, no score change).
func validate(rec *model.Record, a *Assessment) {
	hasType := func(t string) bool {
		for _, ft := range rec.FundingTypes {
			if normalizeType(ft) == t {
				return true
			}
		}
		return false
	}

	if hasType("grant") && rec.Deadline == nil && !rec.OpenDeadline {
		a.Violations = append(a.Violations, "grant without deadline or open-ended marker")
		a.Score -= invalidPenalty
		a.IsValid = false
	}

	if hasType("loan") {
		if rec.Deadline != nil {
			a.Warnings = append(a.Warnings, "loan carries a hard deadline")
		}
		if !rec.HasAmount() {
			a.Warnings = append(a.Warnings, "loan without an amount")
		}
	}

	if hasType("service") && (rec.HasAmount() || rec.Deadline != nil) {
		a.Warnings = append(a.Warnings, "service page carries amount or deadline")
	}

	if a.Category == CategoryFunding && !rec.HasAmount() {
		a.Violations = append(a.Violations, fmt.Sprintf("%s record without any funding amount", a.Category))
		a.Score -= invalidPenalty
		a.IsValid = false
	}
}

func hasValidFundingType(types []string) bool {
	for _, t := range types {
		n := normalizeType(t)
		if n != "" && n != "unknown" {
			return true
		}
	}
	return false
}

func normalizeType(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}

func bucket(score int) string {
	switch {
	case score >= 80:
		return QualityExcellent
	case score >= 60:
		return QualityGood
	case score >= 40:
		return QualityFair
	default:
		return QualityPoor
	}
}
