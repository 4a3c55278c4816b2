package store

import (
	"context"
	"time"

	"github.com/fundscope/crawler-cli/internal/model"
)

// CategoryRemap describes a (category, type) pair whose fields belong in a
// different category.
type CategoryRemap struct {
	FromCategory string
	Type         string
	ToCategory   string
}

// TypePresence aggregates, for one funding type, how many records carry it
// and how often each field type appears among them.
type TypePresence struct {
	RecordCount int
	TypeCounts  map[string]int
}

// AccuracyReport summarizes classification feedback outcomes.
type AccuracyReport struct {
	Total          int     `json:"total"`
	Correct        int     `json:"correct"`
	Accuracy       float64 `json:"accuracy_pct"`
	FalsePositives int     `json:"false_positives"`
	FalseNegatives int     `json:"false_negatives"`
}

// Store is the persistence boundary for the whole pipeline. All mutations
// are upsert-or-insert with explicit unique keys; see the migration DDL.
type Store interface {
	// Jobs
	EnqueueJob(ctx context.Context, url string, depth int, seedURL string, quality int) error
	ClaimJobs(ctx context.Context, limit int) ([]model.Job, error)
	CompleteJob(ctx context.Context, url string, quality int) error
	FailJob(ctx context.Context, url, errMsg string) error
	RequeueFailed(ctx context.Context, boost, limit int) (int64, error)
	MarkNeedsRescrape(ctx context.Context, urls []string) (int64, error)
	RequeueRescrape(ctx context.Context, boost, limit int) (int64, error)
	AdjustQueuedScores(ctx context.Context, urlSubstring string, delta, maxScore int) (int64, error)
	QueueStats(ctx context.Context) (*model.QueueStats, error)
	JobOutcomes(ctx context.Context, since time.Time) ([]model.JobOutcome, error)
	JobExists(ctx context.Context, url string) (bool, error)

	// Records
	UpsertRecord(ctx context.Context, rec *model.Record) error
	GetRecord(ctx context.Context, url string) (*model.Record, error)
	ThinRecordURLs(ctx context.Context, maxFields, limit int) ([]string, error)
	RecordFieldCounts(ctx context.Context, since time.Time) (map[string]int, error)
	RecordURLsByTitleKeywords(ctx context.Context, keywords []string, limit int) ([]string, error)
	RegionCounts(ctx context.Context, minQuality int) (map[string]int, error)

	// Extracted fields
	ReplaceFields(ctx context.Context, recordURL string, fields []model.ExtractedField) error
	CountFields(ctx context.Context) (int, error)
	FieldCorpus(ctx context.Context, limit int) ([]model.ExtractedField, error)
	DeleteJunkFields(ctx context.Context, minLen int, stopValues []string) (int64, error)
	DeleteFieldsOfThinRecords(ctx context.Context, minFields int) (int64, error)
	RemapFieldCategories(ctx context.Context, remaps []CategoryRemap) (int64, error)
	FieldTypeCoverage(ctx context.Context, types []string, since time.Time) (map[string]float64, error)
	FieldPresenceByFundingType(ctx context.Context) (map[string]TypePresence, error)

	// Classification outcomes
	UpsertOutcome(ctx context.Context, o *model.ClassificationOutcome) error
	OutcomeStats(ctx context.Context) (*AccuracyReport, error)
	RecentMistakes(ctx context.Context, limit int) ([]model.ClassificationOutcome, error)
	DeleteOutcomesBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// URL patterns
	UpsertURLPattern(ctx context.Context, p *model.URLPattern) error
	ListURLPatterns(ctx context.Context, host string, ptype model.PatternType, minConfidence float64) ([]model.URLPattern, error)
	AllURLPatterns(ctx context.Context) ([]model.URLPattern, error)
	DeleteURLPattern(ctx context.Context, host string, ptype model.PatternType, pattern string) (int64, error)
	CleanURLPatterns(ctx context.Context, maxConfidence float64, minUsage int) (int64, error)

	// Dynamic extraction patterns
	LoadDynamicPatterns(ctx context.Context) ([]model.DynamicPattern, error)
	SaveDynamicPatterns(ctx context.Context, patterns []model.DynamicPattern) error
	DeleteDynamicPatterns(ctx context.Context, ids []string) (int64, error)

	// Learned rules
	UpsertQualityRule(ctx context.Context, r *model.QualityRule) error
	ListQualityRules(ctx context.Context) ([]model.QualityRule, error)
	UpsertRequirementPattern(ctx context.Context, p *model.RequirementPattern) error
	GetRequirementPattern(ctx context.Context, category string) (*model.RequirementPattern, error)
	ListRequirementPatterns(ctx context.Context) ([]model.RequirementPattern, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
