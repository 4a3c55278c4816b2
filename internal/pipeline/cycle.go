package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fundscope/crawler-cli/internal/blacklist"
	"github.com/fundscope/crawler-cli/internal/store"
)

// junkStopValues are field values that carry no information and get purged
// during cleanup.
var junkStopValues = []string{
	"n/a",
	"none",
	"none specified",
	"keine angabe",
	"siehe webseite",
	"auf anfrage",
	"unknown",
	"tbd",
	"-",
}

// CategoryRemaps fixes known miscategorizations from earlier extractions.
var CategoryRemaps = []store.CategoryRemap{
	{FromCategory: "eligibility", Type: "funding_rate", ToCategory: "funding_rate"},
	{FromCategory: "application", Type: "deadline", ToCategory: "deadline"},
	{FromCategory: "funding_rate", Type: "company_size", ToCategory: "eligibility"},
	{FromCategory: "general", Type: "target_group", ToCategory: "eligibility"},
}

// trackedFieldTypes are the extraction types whose coverage the cycle
// watches.
var trackedFieldTypes = []string{
	"funding_rate",
	"company_size",
	"deadline",
	"target_group",
	"application_process",
}

// rescrapeKeywords maps an under-covered field type to title keywords that
// suggest a page probably carries that information.
var rescrapeKeywords = map[string][]string{
	"funding_rate":        {"zuschuss", "förderquote", "förderung"},
	"company_size":        {"kmu", "mittelstand", "unternehmen"},
	"deadline":            {"frist", "antrag", "bewerbung"},
	"target_group":        {"gründer", "startup", "unternehmen"},
	"application_process": {"antrag", "bewerbung", "verfahren"},
}

// regionTarget is one slice of the desired regional distribution of
// high-quality records.
type regionTarget struct {
	Region     string
	Share      float64
	URLPattern string
}

var regionTargets = []regionTarget{
	{Region: "bund", Share: 0.80, URLPattern: "foerderdatenbank.de"},
	{Region: "land", Share: 0.10, URLPattern: "nrwbank.de"},
	{Region: "eu", Share: 0.10, URLPattern: "ec.europa.eu"},
}

const (
	regionBoostCap   = 90
	minJunkFieldLen  = 10
	coverageFloorPct = 20.0
)

// CycleOptions tunes the maintenance cycle.
type CycleOptions struct {
	CleanupFieldCutoff int
	RescrapeFieldMax   int
	RescrapeBatch      int
	RescrapeFloor      int
	LearnCap           int
	WindowDays         int
	MinRecordQuality   int
}

func (o CycleOptions) withDefaults() CycleOptions {
	if o.CleanupFieldCutoff <= 0 {
		o.CleanupFieldCutoff = 3
	}
	if o.RescrapeFieldMax <= 0 {
		o.RescrapeFieldMax = 5
	}
	if o.RescrapeBatch <= 0 {
		o.RescrapeBatch = 50
	}
	if o.RescrapeFloor <= 0 {
		o.RescrapeFloor = 60
	}
	if o.LearnCap <= 0 {
		o.LearnCap = 20
	}
	if o.WindowDays <= 0 {
		o.WindowDays = 7
	}
	if o.MinRecordQuality <= 0 {
		o.MinRecordQuality = 60
	}
	return o
}

// PhaseReport is the outcome of one cycle phase. Counts keep partial
// progress observable even when the phase errored midway.
type PhaseReport struct {
	Name     string           `json:"name"`
	Error    string           `json:"error,omitempty"`
	Counts   map[string]int64 `json:"counts,omitempty"`
	Duration time.Duration    `json:"duration"`
}

// CycleReport collects all phase reports of one cycle run.
type CycleReport struct {
	Phases []PhaseReport `json:"phases"`
}

// Failed returns the names of phases that errored.
func (r *CycleReport) Failed() []string {
	var out []string
	for _, p := range r.Phases {
		if p.Error != "" {
			out = append(out, p.Name)
		}
	}
	return out
}

// Cycle is the six-phase maintenance orchestrator. Each phase is wrapped
// independently; one failing phase never stops the rest.
type Cycle struct {
	store     store.Store
	blacklist *blacklist.Engine
	opts      CycleOptions
	now       func() time.Time
}

// NewCycle creates the orchestrator.
func NewCycle(st store.Store, bl *blacklist.Engine, opts CycleOptions) *Cycle {
	return &Cycle{store: st, blacklist: bl, opts: opts.withDefaults(), now: time.Now}
}

// Run executes all six phases sequentially and never returns an error: the
// report carries per-phase failures.
func (c *Cycle) Run(ctx context.Context) *CycleReport {
	report := &CycleReport{}
	track := func(name string, fn func() (map[string]int64, error)) {
		start := c.now()
		counts, err := fn()
		pr := PhaseReport{Name: name, Counts: counts, Duration: time.Since(start)}
		if err != nil {
			pr.Error = err.Error()
			zap.L().Error("cycle: phase failed", zap.String("phase", name), zap.Error(err))
		} else {
			zap.L().Info("cycle: phase complete",
				zap.String("phase", name),
				zap.Any("counts", counts))
		}
		report.Phases = append(report.Phases, pr)
	}

	track("1_cleanup", func() (map[string]int64, error) { return c.cleanup(ctx) })
	track("2_improvement_analysis", func() (map[string]int64, error) { return c.analyzeCoverage(ctx) })
	track("3_rescrape", func() (map[string]int64, error) { return c.flagRescrapes(ctx) })
	track("4_url_patterns", func() (map[string]int64, error) { return c.learnURLPatterns(ctx) })
	track("5_requirement_coverage", func() (map[string]int64, error) { return c.coverageRescrapes(ctx) })
	track("6_region_balance", func() (map[string]int64, error) { return c.balanceRegions(ctx) })

	return report
}

// cleanup purges junk fields, strips fields of thin or overview pages, and
// remaps known miscategorized (category, type) pairs.
func (c *Cycle) cleanup(ctx context.Context) (map[string]int64, error) {
	counts := map[string]int64{}

	junk, err := c.store.DeleteJunkFields(ctx, minJunkFieldLen, junkStopValues)
	counts["junk_fields"] = junk
	if err != nil {
		return counts, err
	}

	thin, err := c.store.DeleteFieldsOfThinRecords(ctx, c.opts.CleanupFieldCutoff)
	counts["thin_record_fields"] = thin
	if err != nil {
		return counts, err
	}

	remapped, err := c.store.RemapFieldCategories(ctx, CategoryRemaps)
	counts["remapped"] = remapped
	return counts, err
}

// analyzeCoverage logs per-type extraction coverage. Observability only.
func (c *Cycle) analyzeCoverage(ctx context.Context) (map[string]int64, error) {
	since := c.now().UTC().AddDate(0, 0, -c.opts.WindowDays)
	coverage, err := c.store.FieldTypeCoverage(ctx, trackedFieldTypes, since)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(coverage))
	for t, pct := range coverage {
		counts[t] = int64(pct)
		zap.L().Info("cycle: extraction coverage",
			zap.String("type", t),
			zap.Float64("pct", pct))
	}
	return counts, nil
}

// flagRescrapes marks thin pages for another fetch and re-arms a batch of
// them with a boosted score.
func (c *Cycle) flagRescrapes(ctx context.Context) (map[string]int64, error) {
	counts := map[string]int64{}

	urls, err := c.store.ThinRecordURLs(ctx, c.opts.RescrapeFieldMax, c.opts.RescrapeBatch)
	if err != nil {
		return counts, err
	}
	if len(urls) > 0 {
		flagged, err := c.store.MarkNeedsRescrape(ctx, urls)
		counts["flagged"] = flagged
		if err != nil {
			return counts, err
		}
	}

	requeued, err := c.store.RequeueRescrape(ctx, c.opts.RescrapeFloor, c.opts.RescrapeBatch)
	counts["requeued"] = requeued
	return counts, err
}

// learnURLPatterns converts recent extraction results into include/exclude
// URL patterns, capped per direction.
func (c *Cycle) learnURLPatterns(ctx context.Context) (map[string]int64, error) {
	since := c.now().UTC().AddDate(0, 0, -c.opts.WindowDays)
	fieldCounts, err := c.store.RecordFieldCounts(ctx, since)
	if err != nil {
		return nil, err
	}

	counts := map[string]int64{}
	var excluded, included int64
	for url, n := range fieldCounts {
		switch {
		case n == 0 && excluded < int64(c.opts.LearnCap):
			if err := c.blacklist.LearnExclude(ctx, url, "no fields extracted", 0.75); err != nil {
				zap.L().Debug("cycle: exclude learn skipped", zap.String("url", url), zap.Error(err))
				continue
			}
			excluded++
		case n >= c.opts.RescrapeFieldMax && included < int64(c.opts.LearnCap):
			if err := c.blacklist.LearnInclude(ctx, url, "productive page", 0.75); err != nil {
				zap.L().Debug("cycle: include learn skipped", zap.String("url", url), zap.Error(err))
				continue
			}
			included++
		}
	}
	counts["excluded"] = excluded
	counts["included"] = included
	return counts, nil
}

// coverageRescrapes flags pages whose titles suggest they carry field types
// the corpus is missing.
func (c *Cycle) coverageRescrapes(ctx context.Context) (map[string]int64, error) {
	since := c.now().UTC().AddDate(0, 0, -c.opts.WindowDays)
	coverage, err := c.store.FieldTypeCoverage(ctx, trackedFieldTypes, since)
	if err != nil {
		return nil, err
	}

	counts := map[string]int64{}
	for t, pct := range coverage {
		if pct >= coverageFloorPct {
			continue
		}
		keywords := rescrapeKeywords[t]
		if len(keywords) == 0 {
			continue
		}
		urls, err := c.store.RecordURLsByTitleKeywords(ctx, keywords, c.opts.RescrapeBatch)
		if err != nil {
			return counts, err
		}
		if len(urls) == 0 {
			continue
		}
		flagged, err := c.store.MarkNeedsRescrape(ctx, urls)
		counts[t] = flagged
		if err != nil {
			return counts, err
		}
	}
	return counts, nil
}

// balanceRegions boosts queued scores for under-represented target regions
// among high-quality records.
func (c *Cycle) balanceRegions(ctx context.Context) (map[string]int64, error) {
	regionCounts, err := c.store.RegionCounts(ctx, c.opts.MinRecordQuality)
	if err != nil {
		return nil, err
	}

	var total int
	for _, target := range regionTargets {
		total += regionCounts[target.Region]
	}

	counts := map[string]int64{}
	if total == 0 {
		return counts, nil
	}

	for _, target := range regionTargets {
		share := float64(regionCounts[target.Region]) / float64(total)
		deficit := target.Share - share
		if deficit <= 0.05 {
			continue
		}
		boost := 10
		if deficit > 0.10 {
			boost = 15
		}
		n, err := c.store.AdjustQueuedScores(ctx, target.URLPattern, boost, regionBoostCap)
		if err != nil {
			return counts, err
		}
		counts[target.Region] = n
		zap.L().Info("cycle: boosted under-represented region",
			zap.String("region", target.Region),
			zap.Float64("share", share),
			zap.Float64("target", target.Share),
			zap.Int("boost", boost),
			zap.Int64("jobs", n))
	}
	return counts, nil
}
