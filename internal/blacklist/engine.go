package blacklist

import (
	"context"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fundscope/crawler-cli/internal/model"
)

// Store is the persistence surface the exclusion engine needs.
type Store interface {
	ListURLPatterns(ctx context.Context, host string, ptype model.PatternType, minConfidence float64) ([]model.URLPattern, error)
	UpsertURLPattern(ctx context.Context, p *model.URLPattern) error
	AllURLPatterns(ctx context.Context) ([]model.URLPattern, error)
	DeleteURLPattern(ctx context.Context, host string, ptype model.PatternType, pattern string) (int64, error)
	CleanURLPatterns(ctx context.Context, maxConfidence float64, minUsage int) (int64, error)
}

// hardcodedExclusions are matched against the full lowercased URL when no
// learned pattern decides. Compiled once at init.
var hardcodedExclusions = []*regexp.Regexp{
	regexp.MustCompile(`/(kontakt|contact)(/|$|\?)`),
	regexp.MustCompile(`/(impressum|imprint)(/|$|\?)`),
	regexp.MustCompile(`/(ueber-uns|uber-uns|about(-us)?)(/|$|\?)`),
	regexp.MustCompile(`/(presse|press|news|aktuelles)(/|$|\?)`),
	regexp.MustCompile(`/sitemap`),
	regexp.MustCompile(`/(login|logout|signin|signup|register)(/|$|\?)`),
	regexp.MustCompile(`/(datenschutz|privacy|agb|terms)(/|$|\?)`),
	regexp.MustCompile(`/(karriere|careers|jobs|stellenangebote)(/|$|\?)`),
	regexp.MustCompile(`/(veranstaltungen|events|kalender)(/|$|\?)`),
	regexp.MustCompile(`/(newsletter|rss|feed)(/|$|\?)`),
	regexp.MustCompile(`\.(pdf|jpg|jpeg|png|gif|svg|zip|docx?|xlsx?|pptx?)(\?|$)`),
	regexp.MustCompile(`/(wp-admin|wp-login|cgi-bin)(/|$)`),
}

// placeholderRe matches ":id"-style path placeholders in learned patterns.
var placeholderRe = regexp.MustCompile(`:[a-zA-Z_]+`)

// Engine decides whether a candidate URL should never be fetched. Learned
// exclude patterns win over the hardcoded fallback; the fallback only runs
// when no learned pattern matched.
type Engine struct {
	store         Store
	minConfidence float64

	mu       sync.RWMutex
	compiled map[string]*regexp.Regexp
}

// New creates an exclusion engine. minConfidence gates which learned
// patterns participate in matching (0.7 in production).
func New(store Store, minConfidence float64) *Engine {
	return &Engine{
		store:         store,
		minConfidence: minConfidence,
		compiled:      make(map[string]*regexp.Regexp),
	}
}

// IsExcluded reports whether the URL must not be fetched. It never returns
// an error: any internal failure falls back to the hardcoded pattern set.
func (e *Engine) IsExcluded(ctx context.Context, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return matchHardcoded(rawURL)
	}

	patterns, err := e.store.ListURLPatterns(ctx, u.Hostname(), model.PatternTypeExclude, e.minConfidence)
	if err != nil {
		zap.L().Warn("blacklist: pattern lookup failed, using fallback",
			zap.String("host", u.Hostname()),
			zap.Error(err),
		)
		return matchHardcoded(rawURL)
	}

	// First match wins; store returns confidence desc, usage desc.
	for _, p := range patterns {
		re, err := e.compile(p.Pattern)
		if err != nil {
			zap.L().Warn("blacklist: unparsable learned pattern",
				zap.String("pattern", p.Pattern),
				zap.Error(err),
			)
			continue
		}
		if re.MatchString(u.Path) {
			return true
		}
	}

	return matchHardcoded(rawURL)
}

// compile returns the cached compiled form of a learned pattern, rewriting
// ":id" placeholders to digit runs and anchoring plain patterns.
func (e *Engine) compile(pattern string) (*regexp.Regexp, error) {
	e.mu.RLock()
	re, ok := e.compiled[pattern]
	e.mu.RUnlock()
	if ok {
		return re, nil
	}

	re, err := regexp.Compile(rewritePattern(pattern))
	if err != nil {
		return nil, eris.Wrapf(err, "blacklist: compile pattern %q", pattern)
	}

	e.mu.Lock()
	e.compiled[pattern] = re
	e.mu.Unlock()
	return re, nil
}

// rewritePattern converts a stored pattern into its matchable regex form:
// ":id"-style placeholders become digit runs, and the pattern is anchored
// unless it carries its own wildcards or anchors. Matching is always
// case-insensitive.
func rewritePattern(pattern string) string {
	rewritten := placeholderRe.ReplaceAllString(pattern, `\d+`)
	if !strings.Contains(pattern, "*") && !strings.HasPrefix(pattern, "^") && !strings.HasSuffix(pattern, "$") {
		rewritten = "^" + rewritten + "$"
	}
	return "(?i)" + rewritten
}

func matchHardcoded(rawURL string) bool {
	lowered := strings.ToLower(rawURL)
	for _, re := range hardcodedExclusions {
		if re.MatchString(lowered) {
			return true
		}
	}
	return false
}

// Add validates and persists a manual pattern. Unparsable patterns are
// rejected here rather than swallowed at match time.
func (e *Engine) Add(ctx context.Context, host string, ptype model.PatternType, pattern, reason string, confidence float64) error {
	if _, err := regexp.Compile(rewritePattern(pattern)); err != nil {
		return eris.Wrapf(err, "blacklist: invalid pattern %q", pattern)
	}
	return e.store.UpsertURLPattern(ctx, &model.URLPattern{
		Host:        host,
		PatternType: ptype,
		Pattern:     pattern,
		Confidence:  confidence,
		Reason:      reason,
	})
}

// Remove deletes a pattern and drops its compiled cache entry.
func (e *Engine) Remove(ctx context.Context, host string, ptype model.PatternType, pattern string) (int64, error) {
	n, err := e.store.DeleteURLPattern(ctx, host, ptype, pattern)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	delete(e.compiled, pattern)
	e.mu.Unlock()
	return n, nil
}

// List returns all stored URL patterns.
func (e *Engine) List(ctx context.Context) ([]model.URLPattern, error) {
	return e.store.AllURLPatterns(ctx)
}

// Clean removes low-confidence, rarely-used patterns and resets the
// compile cache.
func (e *Engine) Clean(ctx context.Context, maxConfidence float64, minUsage int) (int64, error) {
	n, err := e.store.CleanURLPatterns(ctx, maxConfidence, minUsage)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	e.compiled = make(map[string]*regexp.Regexp)
	e.mu.Unlock()
	return n, nil
}

// LearnExclude records an exclude pattern derived from a URL that yielded
// nothing useful.
func (e *Engine) LearnExclude(ctx context.Context, rawURL, reason string, confidence float64) error {
	return e.learn(ctx, rawURL, model.PatternTypeExclude, reason, confidence)
}

// LearnInclude records an include pattern derived from a productive URL.
func (e *Engine) LearnInclude(ctx context.Context, rawURL, reason string, confidence float64) error {
	return e.learn(ctx, rawURL, model.PatternTypeInclude, reason, confidence)
}

var digitRunRe = regexp.MustCompile(`\d+`)

func (e *Engine) learn(ctx context.Context, rawURL string, ptype model.PatternType, reason string, confidence float64) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return eris.Wrapf(err, "blacklist: parse url %s", rawURL)
	}
	if u.Host == "" || u.Path == "" || u.Path == "/" {
		return eris.Errorf("blacklist: url %s has no learnable path", rawURL)
	}

	pattern := digitRunRe.ReplaceAllString(regexp.QuoteMeta(u.Path), `\d+`)
	return e.store.UpsertURLPattern(ctx, &model.URLPattern{
		Host:           u.Hostname(),
		PatternType:    ptype,
		Pattern:        pattern,
		Confidence:     confidence,
		SuccessRate:    1,
		LearnedFromURL: rawURL,
		Reason:         reason,
	})
}
