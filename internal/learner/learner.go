package learner

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/fundscope/crawler-cli/internal/model"
	"github.com/fundscope/crawler-cli/internal/store"
)

// ErrNotEnoughData is returned while the extracted-field corpus is still
// too small to learn stable conclusions from.
var ErrNotEnoughData = eris.New("learner: not enough data")

// Store is the persistence surface for the learner.
type Store interface {
	CountFields(ctx context.Context) (int, error)
	FieldCorpus(ctx context.Context, limit int) ([]model.ExtractedField, error)
	FieldPresenceByFundingType(ctx context.Context) (map[string]store.TypePresence, error)
	UpsertRequirementPattern(ctx context.Context, p *model.RequirementPattern) error
	GetRequirementPattern(ctx context.Context, category string) (*model.RequirementPattern, error)
	UpsertQualityRule(ctx context.Context, r *model.QualityRule) error
}

// genericTokens are values that never carry information, regardless of
// their computed meaningfulness.
var genericTokens = []string{
	"sme", "kmu", "n/a", "none", "none specified", "keine angabe",
	"siehe webseite", "auf anfrage", "unknown", "-", "tbd",
}

// Options tune the learner thresholds. Zero values fall back to production
// defaults.
type Options struct {
	MinFields             int
	MinRuleExamples       int
	MaxGenericValues      int
	MaxTypicalValues      int
	GenericMeaningfulness int
	TypicalMeaningfulness int
}

func (o Options) withDefaults() Options {
	if o.MinFields == 0 {
		o.MinFields = 1000
	}
	if o.MinRuleExamples == 0 {
		o.MinRuleExamples = 50
	}
	if o.MaxGenericValues == 0 {
		o.MaxGenericValues = 20
	}
	if o.MaxTypicalValues == 0 {
		o.MaxTypicalValues = 10
	}
	if o.GenericMeaningfulness == 0 {
		o.GenericMeaningfulness = 10
	}
	if o.TypicalMeaningfulness == 0 {
		o.TypicalMeaningfulness = 50
	}
	return o
}

// Learner mines the extracted-field corpus for per-category noise,
// duplicate, and exemplar patterns, and per-funding-type quality rules.
type Learner struct {
	store Store
	opts  Options

	mu    sync.RWMutex
	cache map[string]*model.RequirementPattern

	folder       cases.Caser
	genericIndex map[string]bool
}

// New creates a learner over the given store.
func New(s Store, opts Options) *Learner {
	l := &Learner{
		store:        s,
		opts:         opts.withDefaults(),
		cache:        make(map[string]*model.RequirementPattern),
		folder:       cases.Fold(),
		genericIndex: make(map[string]bool, len(genericTokens)),
	}
	for _, t := range genericTokens {
		l.genericIndex[l.normalize(t)] = true
	}
	return l
}

// normalize folds case, applies NFC, and collapses whitespace so values
// differing only in casing or composition compare equal.
func (l *Learner) normalize(v string) string {
	folded := l.folder.String(norm.NFC.String(v))
	return strings.Join(strings.Fields(folded), " ")
}

// Summary reports what one learning pass produced.
type Summary struct {
	Categories    int `json:"categories"`
	GenericValues int `json:"generic_values"`
	Duplicates    int `json:"duplicates"`
	TypicalValues int `json:"typical_values"`
}

// LearnRequirementPatterns mines the corpus and upserts one
// RequirementPattern per category. Returns ErrNotEnoughData below the
// corpus gate.
func (l *Learner) LearnRequirementPatterns(ctx context.Context) (*Summary, error) {
	total, err := l.store.CountFields(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "learner: count fields")
	}
	if total < l.opts.MinFields {
		zap.L().Info("learner: corpus below threshold",
			zap.Int("fields", total),
			zap.Int("required", l.opts.MinFields),
		)
		return nil, ErrNotEnoughData
	}

	corpus, err := l.store.FieldCorpus(ctx, 0)
	if err != nil {
		return nil, eris.Wrap(err, "learner: load corpus")
	}

	byCategory := make(map[string][]model.ExtractedField)
	for _, f := range corpus {
		byCategory[f.Category] = append(byCategory[f.Category], f)
	}

	summary := &Summary{}
	for category, fields := range byCategory {
		p := l.mineCategory(category, fields)
		if err := l.store.UpsertRequirementPattern(ctx, p); err != nil {
			return nil, eris.Wrapf(err, "learner: persist pattern for %s", category)
		}
		l.mu.Lock()
		l.cache[category] = p
		l.mu.Unlock()

		summary.Categories++
		summary.GenericValues += len(p.GenericValues)
		summary.Duplicates += len(p.DuplicatePatterns)
		summary.TypicalValues += len(p.TypicalValues)
	}

	zap.L().Info("learner: requirement patterns updated",
		zap.Int("categories", summary.Categories),
		zap.Int("generic", summary.GenericValues),
		zap.Int("duplicates", summary.Duplicates),
	)
	return summary, nil
}

// mineCategory derives the requirement pattern for one category's fields.
func (l *Learner) mineCategory(category string, fields []model.ExtractedField) *model.RequirementPattern {
	// Deduplicate by normalized value, keeping the highest meaningfulness.
	type entry struct {
		value          string
		meaningfulness int
	}
	distinct := make(map[string]entry)
	for _, f := range fields {
		key := l.normalize(f.Value)
		if key == "" {
			continue
		}
		if e, ok := distinct[key]; !ok || f.Meaningfulness > e.meaningfulness {
			distinct[key] = entry{value: strings.TrimSpace(f.Value), meaningfulness: f.Meaningfulness}
		}
	}

	entries := make([]entry, 0, len(distinct))
	for _, e := range distinct {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].meaningfulness != entries[j].meaningfulness {
			return entries[i].meaningfulness > entries[j].meaningfulness
		}
		return entries[i].value < entries[j].value
	})

	p := &model.RequirementPattern{Category: category}

	// Generic: low meaningfulness or a known noise token.
	for _, e := range entries {
		if len(p.GenericValues) >= l.opts.MaxGenericValues {
			break
		}
		if e.meaningfulness < l.opts.GenericMeaningfulness || l.genericIndex[l.normalize(e.value)] {
			p.GenericValues = append(p.GenericValues, e.value)
		}
	}

	// Near-duplicates: substring containment in either direction. The
	// higher-meaningfulness value wins; entries is sorted so i beats j.
	claimed := make(map[string]int) // keep value -> index in DuplicatePatterns
	for i := 0; i < len(entries); i++ {
		for j := i + 1; j < len(entries); j++ {
			a, b := l.normalize(entries[i].value), l.normalize(entries[j].value)
			if a == b || (!strings.Contains(a, b) && !strings.Contains(b, a)) {
				continue
			}
			keep, remove := entries[i].value, entries[j].value
			if idx, ok := claimed[keep]; ok {
				group := &p.DuplicatePatterns[idx]
				if !containsString(group.Remove, remove) {
					group.Remove = append(group.Remove, remove)
				}
				continue
			}
			p.DuplicatePatterns = append(p.DuplicatePatterns, model.DuplicateGroup{
				Keep:   keep,
				Remove: []string{remove},
			})
			claimed[keep] = len(p.DuplicatePatterns) - 1
		}
	}

	// Typical: exemplary values, highest meaningfulness first.
	for _, e := range entries {
		if len(p.TypicalValues) >= l.opts.MaxTypicalValues {
			break
		}
		if e.meaningfulness >= l.opts.TypicalMeaningfulness {
			p.TypicalValues = append(p.TypicalValues, e.value)
		}
	}

	return p
}

// LearnQualityRules derives per-funding-type field expectations from the
// presence of field types across records. Types with fewer than
// MinRuleExamples records are skipped.
func (l *Learner) LearnQualityRules(ctx context.Context) (int, error) {
	presence, err := l.store.FieldPresenceByFundingType(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "learner: field presence")
	}

	learned := 0
	for fundingType, tp := range presence {
		if tp.RecordCount < l.opts.MinRuleExamples {
			continue
		}

		var required, optional []string
		for fieldType, n := range tp.TypeCounts {
			rate := float64(n) / float64(tp.RecordCount)
			switch {
			case rate >= 0.8:
				required = append(required, fieldType)
			case rate >= 0.3:
				optional = append(optional, fieldType)
			}
		}
		sort.Strings(required)
		sort.Strings(optional)

		rule := &model.QualityRule{
			FundingType:           fundingType,
			RequiredFields:        required,
			OptionalFields:        optional,
			CompletenessThreshold: len(required) + len(optional)/2,
		}
		if err := l.store.UpsertQualityRule(ctx, rule); err != nil {
			return learned, eris.Wrapf(err, "learner: persist rule for %s", fundingType)
		}
		learned++
	}

	zap.L().Info("learner: quality rules updated", zap.Int("rules", learned))
	return learned, nil
}

// Classification is the learner's verdict on one extracted value.
type Classification struct {
	ShouldFilter  bool   `json:"should_filter"`
	Reason        string `json:"reason,omitempty"`
	DeduplicateTo string `json:"deduplicate_to,omitempty"`
}

// Classify checks a value against the learned pattern for its category:
// generic values are filtered, known near-duplicates are redirected to
// their canonical form.
func (l *Learner) Classify(ctx context.Context, category, value string) (*Classification, error) {
	key := l.normalize(value)
	if l.genericIndex[key] {
		return &Classification{ShouldFilter: true, Reason: "generic token"}, nil
	}

	p, err := l.pattern(ctx, category)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return &Classification{}, nil
	}
	for _, g := range p.GenericValues {
		if l.normalize(g) == key {
			return &Classification{ShouldFilter: true, Reason: "learned generic value"}, nil
		}
	}
	for _, group := range p.DuplicatePatterns {
		for _, r := range group.Remove {
			if l.normalize(r) == key {
				return &Classification{DeduplicateTo: group.Keep, Reason: "near-duplicate"}, nil
			}
		}
	}
	return &Classification{}, nil
}

func (l *Learner) pattern(ctx context.Context, category string) (*model.RequirementPattern, error) {
	l.mu.RLock()
	p, ok := l.cache[category]
	l.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := l.store.GetRequirementPattern(ctx, category)
	if err != nil {
		return nil, eris.Wrapf(err, "learner: load pattern for %s", category)
	}
	l.mu.Lock()
	l.cache[category] = p
	l.mu.Unlock()
	return p, nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
