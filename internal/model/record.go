package model

import (
	"strings"
	"time"
)

// Record is the structured result of successfully processing a URL.
// One record per distinct URL, upsert semantics.
type Record struct {
	URL              string         `json:"url"`
	Title            string         `json:"title,omitempty"`
	Description      string         `json:"description,omitempty"`
	FundingAmountMin float64        `json:"funding_amount_min,omitempty"`
	FundingAmountMax float64        `json:"funding_amount_max,omitempty"`
	Currency         string         `json:"currency,omitempty"`
	Deadline         *time.Time     `json:"deadline,omitempty"`
	OpenDeadline     bool           `json:"open_deadline"`
	ContactEmail     string         `json:"contact_email,omitempty"`
	ContactPhone     string         `json:"contact_phone,omitempty"`
	FundingTypes     []string       `json:"funding_types,omitempty"`
	ProgramFocus     []string       `json:"program_focus,omitempty"`
	Region           string         `json:"region,omitempty"`
	IsOverview       bool           `json:"is_overview"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	FetchedAt        time.Time      `json:"fetched_at"`
}

// HasAmount reports whether any funding amount was extracted.
func (r *Record) HasAmount() bool {
	return r.FundingAmountMin > 0 || r.FundingAmountMax > 0
}

// HasDeadline reports whether the record carries a concrete deadline or is
// explicitly open-ended.
func (r *Record) HasDeadline() bool {
	return r.Deadline != nil || r.OpenDeadline
}

// HasContact reports whether any contact information was extracted.
func (r *Record) HasContact() bool {
	return r.ContactEmail != "" || r.ContactPhone != ""
}

// NormalizeFundingTypes deduplicates funding types case-insensitively,
// keeping first occurrence and trimming whitespace.
func (r *Record) NormalizeFundingTypes() {
	seen := make(map[string]bool, len(r.FundingTypes))
	out := r.FundingTypes[:0]
	for _, ft := range r.FundingTypes {
		ft = strings.TrimSpace(ft)
		if ft == "" {
			continue
		}
		key := strings.ToLower(ft)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, ft)
	}
	r.FundingTypes = out
}

// ExtractionMethod describes how a field value was produced.
type ExtractionMethod string

const (
	MethodPattern ExtractionMethod = "pattern"
	MethodModel   ExtractionMethod = "model"
	MethodHybrid  ExtractionMethod = "hybrid"
)

// ExtractedField is one structured fact pulled from a record's source
// content. Many per record; category is not unique per record.
type ExtractedField struct {
	ID             int64            `json:"id,omitempty"`
	RecordURL      string           `json:"record_url"`
	Category       string           `json:"category"`
	Type           string           `json:"type"`
	Value          string           `json:"value"`
	Confidence     float64          `json:"confidence"`
	Meaningfulness int              `json:"meaningfulness"`
	Method         ExtractionMethod `json:"extraction_method"`
}

// PredictedLabel is the classifier's verdict for a page.
type PredictedLabel string

const (
	LabelYes   PredictedLabel = "yes"
	LabelNo    PredictedLabel = "no"
	LabelMaybe PredictedLabel = "maybe"
)

// ClassificationOutcome records predicted vs. actual classification for a
// URL. Unique by URL, last write wins.
type ClassificationOutcome struct {
	URL              string         `json:"url"`
	PredictedLabel   PredictedLabel `json:"predicted_label"`
	PredictedQuality int            `json:"predicted_quality"`
	ActualPositive   bool           `json:"actual_positive"`
	ActualQuality    int            `json:"actual_quality"`
	WasCorrect       bool           `json:"was_correct"`
	CreatedAt        time.Time      `json:"created_at"`
}
