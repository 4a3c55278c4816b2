package blacklist

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundscope/crawler-cli/internal/model"
)

// fakeStore is an in-memory Store for engine tests.
type fakeStore struct {
	patterns []model.URLPattern
	listErr  error
	upserts  []model.URLPattern
}

func (f *fakeStore) ListURLPatterns(_ context.Context, host string, ptype model.PatternType, minConfidence float64) ([]model.URLPattern, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []model.URLPattern
	for _, p := range f.patterns {
		if p.Host == host && p.PatternType == ptype && p.Confidence > minConfidence {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) UpsertURLPattern(_ context.Context, p *model.URLPattern) error {
	f.upserts = append(f.upserts, *p)
	return nil
}

func (f *fakeStore) AllURLPatterns(context.Context) ([]model.URLPattern, error) {
	return f.patterns, nil
}

func (f *fakeStore) DeleteURLPattern(context.Context, string, model.PatternType, string) (int64, error) {
	return 1, nil
}

func (f *fakeStore) CleanURLPatterns(context.Context, float64, int) (int64, error) {
	return int64(len(f.patterns)), nil
}

func TestIsExcluded_LearnedPatternShortCircuits(t *testing.T) {
	fs := &fakeStore{patterns: []model.URLPattern{
		{Host: "example.org", PatternType: model.PatternTypeExclude, Pattern: "/foerderung/archiv/:id", Confidence: 0.9},
	}}
	e := New(fs, 0.7)

	// The learned exclude decides before the hardcoded list is consulted,
	// even though nothing in the hardcoded set matches this path.
	assert.True(t, e.IsExcluded(context.Background(), "https://example.org/foerderung/archiv/1234"))
	assert.False(t, e.IsExcluded(context.Background(), "https://example.org/foerderung/aktuell"))
}

func TestIsExcluded_PlaceholderAndCaseInsensitivity(t *testing.T) {
	fs := &fakeStore{patterns: []model.URLPattern{
		{Host: "example.org", PatternType: model.PatternTypeExclude, Pattern: "/archiv/:id", Confidence: 0.8},
	}}
	e := New(fs, 0.7)

	assert.True(t, e.IsExcluded(context.Background(), "https://example.org/ARCHIV/42"))
	// Anchored: a longer path must not match.
	assert.False(t, e.IsExcluded(context.Background(), "https://example.org/archiv/42/details"))
	// Placeholder only matches digits.
	assert.False(t, e.IsExcluded(context.Background(), "https://example.org/archiv/neu"))
}

func TestIsExcluded_LowConfidencePatternIgnored(t *testing.T) {
	fs := &fakeStore{patterns: []model.URLPattern{
		{Host: "example.org", PatternType: model.PatternTypeExclude, Pattern: "/programme", Confidence: 0.5},
	}}
	e := New(fs, 0.7)

	assert.False(t, e.IsExcluded(context.Background(), "https://example.org/programme"))
}

func TestIsExcluded_HardcodedFallback(t *testing.T) {
	e := New(&fakeStore{}, 0.7)
	ctx := context.Background()

	for _, u := range []string{
		"https://example.org/kontakt",
		"https://example.org/impressum/",
		"https://example.org/de/datenschutz?lang=de",
		"https://example.org/login",
		"https://example.org/downloads/report.pdf",
		"https://example.org/presse/2026/meldung",
	} {
		assert.True(t, e.IsExcluded(ctx, u), u)
	}

	for _, u := range []string{
		"https://example.org/foerderung/digitalisierung",
		"https://example.org/programme/kmu",
	} {
		assert.False(t, e.IsExcluded(ctx, u), u)
	}
}

func TestIsExcluded_StoreErrorFallsBack(t *testing.T) {
	fs := &fakeStore{listErr: errors.New("connection refused")}
	e := New(fs, 0.7)
	ctx := context.Background()

	// Never errors; falls back to the hardcoded set.
	assert.True(t, e.IsExcluded(ctx, "https://example.org/kontakt"))
	assert.False(t, e.IsExcluded(ctx, "https://example.org/foerderung/x"))
}

func TestIsExcluded_UnparsableURL(t *testing.T) {
	e := New(&fakeStore{}, 0.7)
	assert.False(t, e.IsExcluded(context.Background(), "::not a url::"))
}

func TestIsExcluded_BrokenLearnedPatternSkipped(t *testing.T) {
	fs := &fakeStore{patterns: []model.URLPattern{
		{Host: "example.org", PatternType: model.PatternTypeExclude, Pattern: "([broken", Confidence: 0.9},
		{Host: "example.org", PatternType: model.PatternTypeExclude, Pattern: "/archiv", Confidence: 0.8},
	}}
	e := New(fs, 0.7)

	assert.True(t, e.IsExcluded(context.Background(), "https://example.org/archiv"))
}

func TestAdd_RejectsInvalidPattern(t *testing.T) {
	fs := &fakeStore{}
	e := New(fs, 0.7)

	err := e.Add(context.Background(), "example.org", model.PatternTypeExclude, "([broken", "manual", 0.9)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid pattern")
	assert.Empty(t, fs.upserts)

	require.NoError(t, e.Add(context.Background(), "example.org", model.PatternTypeExclude, "/login", "manual", 0.9))
	require.Len(t, fs.upserts, 1)
}

func TestLearnExclude_GeneralizesDigits(t *testing.T) {
	fs := &fakeStore{}
	e := New(fs, 0.7)

	require.NoError(t, e.LearnExclude(context.Background(), "https://example.org/archiv/2023/beitrag-17", "no fields", 0.75))
	require.Len(t, fs.upserts, 1)

	p := fs.upserts[0]
	assert.Equal(t, "example.org", p.Host)
	assert.Equal(t, model.PatternTypeExclude, p.PatternType)
	assert.Equal(t, `/archiv/\d+/beitrag-\d+`, p.Pattern)
	assert.Equal(t, "https://example.org/archiv/2023/beitrag-17", p.LearnedFromURL)
}

func TestLearnInclude_RootPathRejected(t *testing.T) {
	e := New(&fakeStore{}, 0.7)

	err := e.LearnInclude(context.Background(), "https://example.org/", "productive", 0.8)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no learnable path")
}

func TestLoadSeeds(t *testing.T) {
	dir := t.TempDir()
	seedPath := filepath.Join(dir, "seeds.yaml")
	seed := `
hosts:
  - host: example.org
    confidence: 0.85
    exclude:
      - /archiv/:id
      - /intern/*
    include:
      - /foerderung
  - host: other.org
    exclude:
      - /alt
`
	require.NoError(t, os.WriteFile(seedPath, []byte(seed), 0644))

	fs := &fakeStore{}
	e := New(fs, 0.7)

	n, err := e.LoadSeeds(context.Background(), seedPath)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	require.Len(t, fs.upserts, 4)
	assert.InDelta(t, 0.85, fs.upserts[0].Confidence, 0.001)
	// Default confidence applies when unset.
	assert.InDelta(t, 0.8, fs.upserts[3].Confidence, 0.001)
}

func TestLoadSeeds_MissingFile(t *testing.T) {
	e := New(&fakeStore{}, 0.7)
	_, err := e.LoadSeeds(context.Background(), "/nonexistent/seeds.yaml")
	require.Error(t, err)
}
