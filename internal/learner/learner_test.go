package learner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundscope/crawler-cli/internal/model"
	"github.com/fundscope/crawler-cli/internal/store"
)

type fakeStore struct {
	fields   []model.ExtractedField
	presence map[string]store.TypePresence
	patterns map[string]*model.RequirementPattern
	rules    map[string]*model.QualityRule
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		patterns: make(map[string]*model.RequirementPattern),
		rules:    make(map[string]*model.QualityRule),
	}
}

func (f *fakeStore) CountFields(context.Context) (int, error) {
	return len(f.fields), nil
}

func (f *fakeStore) FieldCorpus(context.Context, int) ([]model.ExtractedField, error) {
	return f.fields, nil
}

func (f *fakeStore) FieldPresenceByFundingType(context.Context) (map[string]store.TypePresence, error) {
	return f.presence, nil
}

func (f *fakeStore) UpsertRequirementPattern(_ context.Context, p *model.RequirementPattern) error {
	f.patterns[p.Category] = p
	return nil
}

func (f *fakeStore) GetRequirementPattern(_ context.Context, category string) (*model.RequirementPattern, error) {
	return f.patterns[category], nil
}

func (f *fakeStore) UpsertQualityRule(_ context.Context, r *model.QualityRule) error {
	f.rules[r.FundingType] = r
	return nil
}

func field(category, value string, meaningfulness int) model.ExtractedField {
	return model.ExtractedField{
		Category:       category,
		Value:          value,
		Meaningfulness: meaningfulness,
		Method:         model.MethodModel,
	}
}

func TestLearnRequirementPatterns_CorpusGate(t *testing.T) {
	fs := newFakeStore()
	fs.fields = []model.ExtractedField{field("eligibility", "KMU", 5)}
	l := New(fs, Options{MinFields: 1000})

	_, err := l.LearnRequirementPatterns(context.Background())
	require.ErrorIs(t, err, ErrNotEnoughData)
	assert.Empty(t, fs.patterns)
}

func TestLearnRequirementPatterns_GenericDetection(t *testing.T) {
	fs := newFakeStore()
	fs.fields = []model.ExtractedField{
		field("eligibility", "N/A", 80), // generic token despite high meaningfulness
		field("eligibility", "irgendwas", 3),
		field("eligibility", "Antragsberechtigt sind kleine und mittlere Unternehmen", 70),
	}
	l := New(fs, Options{MinFields: 1})

	s, err := l.LearnRequirementPatterns(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, s.Categories)

	p := fs.patterns["eligibility"]
	require.NotNil(t, p)
	assert.ElementsMatch(t, []string{"N/A", "irgendwas"}, p.GenericValues)
}

func TestLearnRequirementPatterns_GenericListCapped(t *testing.T) {
	fs := newFakeStore()
	for i := 0; i < 30; i++ {
		fs.fields = append(fs.fields, field("focus", string(rune('a'+i)), 1))
	}
	l := New(fs, Options{MinFields: 1, MaxGenericValues: 20})

	_, err := l.LearnRequirementPatterns(context.Background())
	require.NoError(t, err)
	assert.Len(t, fs.patterns["focus"].GenericValues, 20)
}

func TestLearnRequirementPatterns_DuplicateDetection(t *testing.T) {
	fs := newFakeStore()
	fs.fields = []model.ExtractedField{
		field("eligibility", "kleine und mittlere Unternehmen mit Sitz in Deutschland", 80),
		field("eligibility", "kleine und mittlere Unternehmen", 60),
		field("eligibility", "Mittlere Unternehmen", 40),
	}
	l := New(fs, Options{MinFields: 1})

	_, err := l.LearnRequirementPatterns(context.Background())
	require.NoError(t, err)

	p := fs.patterns["eligibility"]
	require.NotEmpty(t, p.DuplicatePatterns)

	// The highest-meaningfulness value is the keeper; the contained
	// variants merge into its remove list.
	g := p.DuplicatePatterns[0]
	assert.Equal(t, "kleine und mittlere Unternehmen mit Sitz in Deutschland", g.Keep)
	assert.Contains(t, g.Remove, "kleine und mittlere Unternehmen")
}

func TestLearnRequirementPatterns_TypicalValues(t *testing.T) {
	fs := newFakeStore()
	fs.fields = []model.ExtractedField{
		field("requirements", "Projektlaufzeit maximal 36 Monate ab Bewilligung", 90),
		field("requirements", "Eigenanteil von mindestens 25 Prozent der Gesamtkosten", 75),
		field("requirements", "kurz", 20),
	}
	l := New(fs, Options{MinFields: 1, MaxTypicalValues: 10})

	_, err := l.LearnRequirementPatterns(context.Background())
	require.NoError(t, err)

	p := fs.patterns["requirements"]
	require.Len(t, p.TypicalValues, 2)
	// Sorted by meaningfulness descending.
	assert.Equal(t, "Projektlaufzeit maximal 36 Monate ab Bewilligung", p.TypicalValues[0])
}

func TestLearnQualityRules(t *testing.T) {
	fs := newFakeStore()
	fs.presence = map[string]store.TypePresence{
		"grant": {
			RecordCount: 100,
			TypeCounts: map[string]int{
				"funding_amount": 95, // required
				"deadline":       85, // required
				"funding_rate":   50, // optional
				"contact":        10, // ignored
			},
		},
		"rare-type": {RecordCount: 5, TypeCounts: map[string]int{"x": 5}},
	}
	l := New(fs, Options{MinRuleExamples: 50})

	n, err := l.LearnQualityRules(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rule := fs.rules["grant"]
	require.NotNil(t, rule)
	assert.Equal(t, []string{"deadline", "funding_amount"}, rule.RequiredFields)
	assert.Equal(t, []string{"funding_rate"}, rule.OptionalFields)
	assert.Equal(t, 2, rule.CompletenessThreshold)
	assert.Nil(t, fs.rules["rare-type"])
}

func TestClassify(t *testing.T) {
	fs := newFakeStore()
	fs.patterns["eligibility"] = &model.RequirementPattern{
		Category:      "eligibility",
		GenericValues: []string{"siehe Webseite"},
		DuplicatePatterns: []model.DuplicateGroup{
			{Keep: "kleine und mittlere Unternehmen", Remove: []string{"mittlere Unternehmen"}},
		},
	}
	l := New(fs, Options{})
	ctx := context.Background()

	// Case- and whitespace-insensitive generic match.
	c, err := l.Classify(ctx, "eligibility", "  SIEHE   webseite ")
	require.NoError(t, err)
	assert.True(t, c.ShouldFilter)

	// Fixed generic tokens filter even without a learned pattern.
	c, err = l.Classify(ctx, "eligibility", "KMU")
	require.NoError(t, err)
	assert.True(t, c.ShouldFilter)

	c, err = l.Classify(ctx, "eligibility", "Mittlere Unternehmen")
	require.NoError(t, err)
	assert.False(t, c.ShouldFilter)
	assert.Equal(t, "kleine und mittlere Unternehmen", c.DeduplicateTo)

	c, err = l.Classify(ctx, "eligibility", "Unternehmen in Gründung")
	require.NoError(t, err)
	assert.False(t, c.ShouldFilter)
	assert.Empty(t, c.DeduplicateTo)

	// Unknown category: nothing filtered.
	c, err = l.Classify(ctx, "other", "anything")
	require.NoError(t, err)
	assert.False(t, c.ShouldFilter)
}
