package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/fundscope/crawler-cli/internal/model"
	"github.com/fundscope/crawler-cli/internal/store"
)

type adjustCall struct {
	pattern  string
	delta    int
	maxScore int
}

// mockStore is an in-memory store.Store for pipeline and cycle tests.
type mockStore struct {
	mu sync.Mutex

	jobs     map[string]*model.Job
	claimed  []model.Job
	records  map[string]*model.Record
	fields   map[string][]model.ExtractedField
	outcomes map[string]model.ClassificationOutcome
	patterns map[string]model.DynamicPattern

	urlPatterns []model.URLPattern

	junkDeleted   int64
	junkErr       error
	thinDeleted   int64
	remapped      int64
	remaps        []store.CategoryRemap
	coverage      map[string]float64
	coverageErr   error
	thinURLs      []string
	rescrapeFlags []string
	requeued      int64
	fieldCounts   map[string]int
	keywordURLs   map[string][]string
	regionCounts  map[string]int
	adjusts       []adjustCall
}

func newMockStore() *mockStore {
	return &mockStore{
		jobs:        map[string]*model.Job{},
		records:     map[string]*model.Record{},
		fields:      map[string][]model.ExtractedField{},
		outcomes:    map[string]model.ClassificationOutcome{},
		patterns:    map[string]model.DynamicPattern{},
		coverage:    map[string]float64{},
		fieldCounts: map[string]int{},
		keywordURLs: map[string][]string{},
	}
}

// Jobs

func (m *mockStore) EnqueueJob(_ context.Context, url string, depth int, seedURL string, quality int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[url]; ok {
		j.Status = model.JobStatusQueued
		if quality > j.QualityScore {
			j.QualityScore = quality
		}
		return nil
	}
	m.jobs[url] = &model.Job{
		URL: url, Status: model.JobStatusQueued,
		Depth: depth, SeedURL: seedURL, QualityScore: quality,
	}
	return nil
}

func (m *mockStore) ClaimJobs(_ context.Context, limit int) ([]model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.claimed
	if len(out) > limit {
		out = out[:limit]
	}
	for _, j := range out {
		m.jobs[j.URL] = &model.Job{URL: j.URL, Status: model.JobStatusProcessing, Depth: j.Depth, SeedURL: j.SeedURL}
	}
	m.claimed = nil
	return out, nil
}

func (m *mockStore) CompleteJob(_ context.Context, url string, quality int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[url]
	if !ok {
		j = &model.Job{URL: url}
		m.jobs[url] = j
	}
	j.Status = model.JobStatusDone
	j.QualityScore = quality
	j.LastError = ""
	return nil
}

func (m *mockStore) FailJob(_ context.Context, url, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[url]
	if !ok {
		j = &model.Job{URL: url}
		m.jobs[url] = j
	}
	j.Status = model.JobStatusFailed
	j.LastError = errMsg
	return nil
}

func (m *mockStore) RequeueFailed(_ context.Context, _, _ int) (int64, error) { return 0, nil }

func (m *mockStore) MarkNeedsRescrape(_ context.Context, urls []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rescrapeFlags = append(m.rescrapeFlags, urls...)
	return int64(len(urls)), nil
}

func (m *mockStore) RequeueRescrape(_ context.Context, _, _ int) (int64, error) {
	return m.requeued, nil
}

func (m *mockStore) AdjustQueuedScores(_ context.Context, pattern string, delta, maxScore int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adjusts = append(m.adjusts, adjustCall{pattern: pattern, delta: delta, maxScore: maxScore})
	return 2, nil
}

func (m *mockStore) QueueStats(_ context.Context) (*model.QueueStats, error) {
	return &model.QueueStats{}, nil
}

func (m *mockStore) JobOutcomes(_ context.Context, _ time.Time) ([]model.JobOutcome, error) {
	return nil, nil
}

func (m *mockStore) JobExists(_ context.Context, url string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.jobs[url]
	return ok, nil
}

// Records

func (m *mockStore) UpsertRecord(_ context.Context, rec *model.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.URL] = rec
	return nil
}

func (m *mockStore) GetRecord(_ context.Context, url string) (*model.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[url], nil
}

func (m *mockStore) ThinRecordURLs(_ context.Context, _, limit int) ([]string, error) {
	if len(m.thinURLs) > limit {
		return m.thinURLs[:limit], nil
	}
	return m.thinURLs, nil
}

func (m *mockStore) RecordFieldCounts(_ context.Context, _ time.Time) (map[string]int, error) {
	return m.fieldCounts, nil
}

func (m *mockStore) RecordURLsByTitleKeywords(_ context.Context, keywords []string, _ int) ([]string, error) {
	return m.keywordURLs[strings.Join(keywords, ",")], nil
}

func (m *mockStore) RegionCounts(_ context.Context, _ int) (map[string]int, error) {
	return m.regionCounts, nil
}

// Fields

func (m *mockStore) ReplaceFields(_ context.Context, recordURL string, fields []model.ExtractedField) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fields[recordURL] = fields
	return nil
}

func (m *mockStore) CountFields(_ context.Context) (int, error) { return 0, nil }

func (m *mockStore) FieldCorpus(_ context.Context, _ int) ([]model.ExtractedField, error) {
	return nil, nil
}

func (m *mockStore) DeleteJunkFields(_ context.Context, _ int, _ []string) (int64, error) {
	return m.junkDeleted, m.junkErr
}

func (m *mockStore) DeleteFieldsOfThinRecords(_ context.Context, _ int) (int64, error) {
	return m.thinDeleted, nil
}

func (m *mockStore) RemapFieldCategories(_ context.Context, remaps []store.CategoryRemap) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remaps = remaps
	return m.remapped, nil
}

func (m *mockStore) FieldTypeCoverage(_ context.Context, _ []string, _ time.Time) (map[string]float64, error) {
	return m.coverage, m.coverageErr
}

func (m *mockStore) FieldPresenceByFundingType(_ context.Context) (map[string]store.TypePresence, error) {
	return nil, nil
}

// Outcomes

func (m *mockStore) UpsertOutcome(_ context.Context, o *model.ClassificationOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[o.URL] = *o
	return nil
}

func (m *mockStore) OutcomeStats(_ context.Context) (*store.AccuracyReport, error) {
	return &store.AccuracyReport{}, nil
}

func (m *mockStore) RecentMistakes(_ context.Context, _ int) ([]model.ClassificationOutcome, error) {
	return nil, nil
}

func (m *mockStore) DeleteOutcomesBefore(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

// URL patterns

func (m *mockStore) UpsertURLPattern(_ context.Context, p *model.URLPattern) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.urlPatterns = append(m.urlPatterns, *p)
	return nil
}

func (m *mockStore) ListURLPatterns(_ context.Context, host string, ptype model.PatternType, minConfidence float64) ([]model.URLPattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.URLPattern
	for _, p := range m.urlPatterns {
		if p.Host == host && p.PatternType == ptype && p.Confidence >= minConfidence {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *mockStore) AllURLPatterns(_ context.Context) ([]model.URLPattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.URLPattern(nil), m.urlPatterns...), nil
}

func (m *mockStore) DeleteURLPattern(_ context.Context, _ string, _ model.PatternType, _ string) (int64, error) {
	return 0, nil
}

func (m *mockStore) CleanURLPatterns(_ context.Context, _ float64, _ int) (int64, error) {
	return 0, nil
}

// Dynamic patterns

func (m *mockStore) LoadDynamicPatterns(_ context.Context) ([]model.DynamicPattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.DynamicPattern, 0, len(m.patterns))
	for _, p := range m.patterns {
		out = append(out, p)
	}
	return out, nil
}

func (m *mockStore) SaveDynamicPatterns(_ context.Context, patterns []model.DynamicPattern) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range patterns {
		m.patterns[p.ID] = p
	}
	return nil
}

func (m *mockStore) DeleteDynamicPatterns(_ context.Context, ids []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.patterns, id)
	}
	return int64(len(ids)), nil
}

// Learned rules

func (m *mockStore) UpsertQualityRule(_ context.Context, _ *model.QualityRule) error { return nil }

func (m *mockStore) ListQualityRules(_ context.Context) ([]model.QualityRule, error) {
	return nil, nil
}

func (m *mockStore) UpsertRequirementPattern(_ context.Context, _ *model.RequirementPattern) error {
	return nil
}

func (m *mockStore) GetRequirementPattern(_ context.Context, _ string) (*model.RequirementPattern, error) {
	return nil, nil
}

func (m *mockStore) ListRequirementPatterns(_ context.Context) ([]model.RequirementPattern, error) {
	return nil, nil
}

// Lifecycle

func (m *mockStore) Migrate(_ context.Context) error { return nil }
func (m *mockStore) Close() error                    { return nil }
