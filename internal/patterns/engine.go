package patterns

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fundscope/crawler-cli/internal/model"
)

// Repository persists the dynamic pattern corpus.
type Repository interface {
	LoadDynamicPatterns(ctx context.Context) ([]model.DynamicPattern, error)
	SaveDynamicPatterns(ctx context.Context, patterns []model.DynamicPattern) error
	DeleteDynamicPatterns(ctx context.Context, ids []string) (int64, error)
}

// Match is one value extracted by a learned pattern.
type Match struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	Evidence   string  `json:"evidence"`
}

// Options tune the engine. Zero values fall back to production defaults.
type Options struct {
	MinConfidence float64
	MaxPatterns   int
	MaxExamples   int
	StaleDays     int
}

func (o Options) withDefaults() Options {
	if o.MinConfidence == 0 {
		o.MinConfidence = 0.3
	}
	if o.MaxPatterns == 0 {
		o.MaxPatterns = 1000
	}
	if o.MaxExamples == 0 {
		o.MaxExamples = 5
	}
	if o.StaleDays == 0 {
		o.StaleDays = 30
	}
	return o
}

// Engine maintains the corpus of learned content-extraction regexes. It
// works on an in-memory set loaded from the repository and persists
// modified patterns on Flush (write-behind).
type Engine struct {
	repo Repository
	opts Options

	mu       sync.Mutex
	patterns map[string]*model.DynamicPattern
	compiled map[string]*regexp.Regexp
	dirty    map[string]bool

	now func() time.Time
}

// NewEngine creates an engine over the given repository. Call Load before
// first use.
func NewEngine(repo Repository, opts Options) *Engine {
	return &Engine{
		repo:     repo,
		opts:     opts.withDefaults(),
		patterns: make(map[string]*model.DynamicPattern),
		compiled: make(map[string]*regexp.Regexp),
		dirty:    make(map[string]bool),
		now:      time.Now,
	}
}

// Load pulls the persisted corpus into memory, compiling each regex once.
// Unparsable persisted patterns are skipped with a warning.
func (e *Engine) Load(ctx context.Context) error {
	stored, err := e.repo.LoadDynamicPatterns(ctx)
	if err != nil {
		return eris.Wrap(err, "patterns: load corpus")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range stored {
		p := stored[i]
		re, err := regexp.Compile("(?i)" + p.Regex)
		if err != nil {
			zap.L().Warn("patterns: skipping unparsable stored pattern",
				zap.String("id", p.ID),
				zap.String("regex", p.Regex),
				zap.Error(err),
			)
			continue
		}
		e.patterns[p.ID] = &p
		e.compiled[p.ID] = re
	}

	zap.L().Info("patterns: corpus loaded", zap.Int("patterns", len(e.patterns)))
	return nil
}

// Extract runs every eligible pattern against the text and returns matches
// grouped by category. Eligible means: institution is the given one or
// "general", category is in the requested set (or the set is empty), and
// confidence is at or above the engine minimum. Each successful match
// reinforces its pattern.
func (e *Engine) Extract(text, institution string, categories []string) map[string][]Match {
	wanted := make(map[string]bool, len(categories))
	for _, c := range categories {
		wanted[c] = true
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	candidates := e.eligibleLocked(institution, wanted)
	results := make(map[string][]Match)

	for _, p := range candidates {
		re := e.compiled[p.ID]
		found := re.FindAllString(text, -1)
		if len(found) == 0 {
			continue
		}
		for _, value := range found {
			results[p.Category] = append(results[p.Category], Match{
				Value:      strings.TrimSpace(value),
				Confidence: p.Confidence,
				Evidence:   p.Regex,
			})
		}
		e.reinforceLocked(p, found[0])
	}

	return results
}

// eligibleLocked returns matching-order candidates: confidence desc, then
// historical success rate desc.
func (e *Engine) eligibleLocked(institution string, wanted map[string]bool) []*model.DynamicPattern {
	var out []*model.DynamicPattern
	for _, p := range e.patterns {
		if p.Institution != institution && p.Institution != model.InstitutionGeneral {
			continue
		}
		if len(wanted) > 0 && !wanted[p.Category] {
			continue
		}
		if p.Confidence < e.opts.MinConfidence {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].SuccessRate() > out[j].SuccessRate()
	})
	return out
}

// LearnFromSuccess reinforces an existing matching pattern for the
// category, or synthesizes a new one from the extracted value.
func (e *Engine) LearnFromSuccess(text, category, institution, value string, confidence float64) {
	if strings.TrimSpace(value) == "" {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if p := e.findMatchingLocked(text, category, institution); p != nil {
		e.reinforceLocked(p, value)
		return
	}

	if len(e.patterns) >= e.opts.MaxPatterns {
		zap.L().Debug("patterns: corpus at capacity, skipping synthesis",
			zap.String("category", category),
		)
		return
	}

	regex := Synthesize(value)
	re, err := regexp.Compile("(?i)" + regex)
	if err != nil {
		zap.L().Warn("patterns: synthesized regex does not compile",
			zap.String("value", value),
			zap.Error(err),
		)
		return
	}

	now := e.now()
	p := &model.DynamicPattern{
		ID:           uuid.NewString(),
		Category:     category,
		Regex:        regex,
		Institution:  institution,
		Confidence:   clampConfidence(confidence),
		SuccessCount: 1,
		Examples:     []string{value},
		LastUsedAt:   now,
		CreatedAt:    now,
	}
	e.patterns[p.ID] = p
	e.compiled[p.ID] = re
	e.dirty[p.ID] = true
}

// LearnFromFailure penalizes the pattern that matched the text for this
// category, recomputing its confidence downward via the success rate.
func (e *Engine) LearnFromFailure(text, category, institution string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.findMatchingLocked(text, category, institution)
	if p == nil {
		return
	}
	p.FailureCount++
	p.Confidence = clampConfidence(p.Confidence*0.7 + p.SuccessRate()*0.3)
	p.LastUsedAt = e.now()
	e.dirty[p.ID] = true
}

func (e *Engine) findMatchingLocked(text, category, institution string) *model.DynamicPattern {
	var best *model.DynamicPattern
	for _, p := range e.patterns {
		if p.Category != category {
			continue
		}
		if p.Institution != institution && p.Institution != model.InstitutionGeneral {
			continue
		}
		if !e.compiled[p.ID].MatchString(text) {
			continue
		}
		if best == nil || p.Confidence > best.Confidence {
			best = p
		}
	}
	return best
}

// reinforceLocked applies the success update rule:
// confidence = clamp(0.1, 1.0, 0.7*old + 0.3*successRate).
func (e *Engine) reinforceLocked(p *model.DynamicPattern, example string) {
	p.SuccessCount++
	p.Examples = appendCapped(p.Examples, example, e.opts.MaxExamples)
	p.Confidence = clampConfidence(p.Confidence*0.7 + p.SuccessRate()*0.3)
	p.LastUsedAt = e.now()
	e.dirty[p.ID] = true
}

// Cleanup removes patterns unused for the stale window with a success rate
// below minRate. Explicit maintenance, never triggered by normal learning.
func (e *Engine) Cleanup(ctx context.Context, minRate float64) (int, error) {
	cutoff := e.now().AddDate(0, 0, -e.opts.StaleDays)

	e.mu.Lock()
	var stale []string
	for id, p := range e.patterns {
		if p.LastUsedAt.Before(cutoff) && p.SuccessRate() < minRate {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		delete(e.patterns, id)
		delete(e.compiled, id)
		delete(e.dirty, id)
	}
	e.mu.Unlock()

	if len(stale) == 0 {
		return 0, nil
	}
	if _, err := e.repo.DeleteDynamicPatterns(ctx, stale); err != nil {
		return 0, eris.Wrap(err, "patterns: delete stale patterns")
	}

	zap.L().Info("patterns: cleanup removed stale patterns", zap.Int("removed", len(stale)))
	return len(stale), nil
}

// Flush persists every modified pattern and clears the dirty set.
func (e *Engine) Flush(ctx context.Context) error {
	e.mu.Lock()
	var changed []model.DynamicPattern
	for id := range e.dirty {
		if p, ok := e.patterns[id]; ok {
			changed = append(changed, *p)
		}
	}
	e.dirty = make(map[string]bool)
	e.mu.Unlock()

	if len(changed) == 0 {
		return nil
	}
	if err := e.repo.SaveDynamicPatterns(ctx, changed); err != nil {
		return eris.Wrap(err, "patterns: flush corpus")
	}
	return nil
}

// Size returns the number of patterns currently in memory.
func (e *Engine) Size() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.patterns)
}

var (
	digitRunRe      = regexp.MustCompile(`[0-9]+`)
	whitespaceRunRe = regexp.MustCompile(`\s+`)
)

// Synthesize builds a regex from an extracted value: metacharacters are
// escaped, digit runs generalize to \d+ and whitespace runs to \s+.
func Synthesize(value string) string {
	escaped := regexp.QuoteMeta(strings.TrimSpace(value))
	escaped = digitRunRe.ReplaceAllString(escaped, `\d+`)
	escaped = whitespaceRunRe.ReplaceAllString(escaped, `\s+`)
	return escaped
}

func clampConfidence(c float64) float64 {
	if c < 0.1 {
		return 0.1
	}
	if c > 1.0 {
		return 1.0
	}
	return c
}

func appendCapped(list []string, v string, limit int) []string {
	list = append(list, v)
	if len(list) > limit {
		list = list[len(list)-limit:]
	}
	return list
}
