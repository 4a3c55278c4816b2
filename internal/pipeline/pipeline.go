// Package pipeline runs the fetch → classify → extract → score → persist
// loop over batches of queued URLs, and the periodic maintenance cycle that
// tunes the crawler from its own outcomes.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fundscope/crawler-cli/internal/blacklist"
	"github.com/fundscope/crawler-cli/internal/classifier"
	"github.com/fundscope/crawler-cli/internal/feedback"
	"github.com/fundscope/crawler-cli/internal/fetcher"
	"github.com/fundscope/crawler-cli/internal/learner"
	"github.com/fundscope/crawler-cli/internal/model"
	"github.com/fundscope/crawler-cli/internal/patterns"
	"github.com/fundscope/crawler-cli/internal/quality"
	"github.com/fundscope/crawler-cli/internal/queue"
	"github.com/fundscope/crawler-cli/internal/store"
)

// Fetcher fetches one page.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*fetcher.Page, error)
}

// Classifier labels pages and extracts structured fields.
type Classifier interface {
	Classify(ctx context.Context, url, content string) (*classifier.Prediction, error)
	ExtractFields(ctx context.Context, url, content, institution string) (*classifier.Extraction, error)
}

// Options tunes batch processing.
type Options struct {
	Concurrency  int
	MaxDepth     int
	MaxLinks     int
	DefaultScore int
	JobTimeout   time.Duration
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 8
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = 3
	}
	if o.MaxLinks <= 0 {
		o.MaxLinks = 30
	}
	if o.DefaultScore <= 0 {
		o.DefaultScore = 50
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 2 * time.Minute
	}
	return o
}

// BatchResult reports what one processed batch did.
type BatchResult struct {
	Claimed    int `json:"claimed"`
	Done       int `json:"done"`
	Failed     int `json:"failed"`
	Records    int `json:"records"`
	Fields     int `json:"fields"`
	Discovered int `json:"discovered"`
}

// Pipeline wires the crawl loop together.
type Pipeline struct {
	store    store.Store
	queue    *queue.Manager
	fetch    Fetcher
	classify Classifier
	patterns *patterns.Engine
	learner  *learner.Learner
	feedback *feedback.Loop
	opts     Options
}

// New creates a Pipeline. The blacklist engine guards link discovery through
// the queue manager.
func New(
	st store.Store,
	excluder *blacklist.Engine,
	fetch Fetcher,
	classify Classifier,
	patternEngine *patterns.Engine,
	fieldLearner *learner.Learner,
	feedbackLoop *feedback.Loop,
	opts Options,
) *Pipeline {
	return &Pipeline{
		store:    st,
		queue:    queue.NewManager(st, excluder),
		fetch:    fetch,
		classify: classify,
		patterns: patternEngine,
		learner:  fieldLearner,
		feedback: feedbackLoop,
		opts:     opts.withDefaults(),
	}
}

// RunBatch claims up to batchSize queued jobs and processes them with the
// configured worker pool. Individual job failures are recorded on the job and
// never abort the batch.
func (p *Pipeline) RunBatch(ctx context.Context, batchSize int) (*BatchResult, error) {
	jobs, err := p.queue.Claim(ctx, batchSize)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: claiming jobs")
	}

	result := &BatchResult{Claimed: len(jobs)}
	if len(jobs) == 0 {
		return result, nil
	}
	zap.L().Info("pipeline: batch started", zap.Int("jobs", len(jobs)))

	var mu sync.Mutex
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)

	for _, job := range jobs {
		g.Go(func() error {
			out := p.processJob(gCtx, job)
			mu.Lock()
			if out.failed {
				result.Failed++
			} else {
				result.Done++
			}
			if out.record {
				result.Records++
			}
			result.Fields += out.fields
			result.Discovered += out.discovered
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := p.patterns.Flush(ctx); err != nil {
		zap.L().Warn("pipeline: pattern flush failed", zap.Error(err))
	}

	zap.L().Info("pipeline: batch finished",
		zap.Int("done", result.Done),
		zap.Int("failed", result.Failed),
		zap.Int("records", result.Records),
		zap.Int("discovered", result.Discovered))
	return result, nil
}

type jobOutcome struct {
	failed     bool
	record     bool
	fields     int
	discovered int
}

// processJob runs the whole per-URL unit under one timeout so a hung fetch or
// model call leaves the job failed instead of half-applied.
func (p *Pipeline) processJob(ctx context.Context, job model.Job) jobOutcome {
	ctx, cancel := context.WithTimeout(ctx, p.opts.JobTimeout)
	defer cancel()

	log := zap.L().With(zap.String("url", job.URL))

	page, err := p.fetch.Fetch(ctx, job.URL)
	if err != nil {
		return p.failJob(ctx, job.URL, eris.Wrap(err, "fetch"))
	}

	var out jobOutcome
	out.discovered = p.enqueueLinks(ctx, job, page.Links)

	if page.Body == "" {
		log.Debug("pipeline: no html body, completing without record")
		if err := p.queue.Complete(ctx, job.URL, 0); err != nil {
			log.Warn("pipeline: complete failed", zap.Error(err))
		}
		return out
	}

	pred, err := p.classify.Classify(ctx, job.URL, page.Body)
	if err != nil {
		return p.failJob(ctx, job.URL, eris.Wrap(err, "classify"))
	}

	if pred.Label == model.LabelNo {
		p.feedback.RecordOutcome(ctx, job.URL, pred.Label, pred.QualityEstimate, 0, 0)
		if err := p.queue.Complete(ctx, job.URL, 0); err != nil {
			log.Warn("pipeline: complete failed", zap.Error(err))
		}
		return out
	}

	institution := queue.InstitutionOf(job.URL).Name
	extraction, err := p.classify.ExtractFields(ctx, job.URL, page.Body, institution)
	if err != nil {
		return p.failJob(ctx, job.URL, eris.Wrap(err, "extract"))
	}

	fields := p.filterFields(ctx, extraction.Fields)
	fields = p.supplementFromPatterns(job.URL, page.Body, institution, fields)

	assessment := quality.Score(extraction.Record, len(fields))
	extraction.Record.FetchedAt = page.FetchedAt

	if err := p.store.UpsertRecord(ctx, extraction.Record); err != nil {
		return p.failJob(ctx, job.URL, eris.Wrap(err, "persist record"))
	}
	if err := p.store.ReplaceFields(ctx, job.URL, fields); err != nil {
		return p.failJob(ctx, job.URL, eris.Wrap(err, "persist fields"))
	}
	out.record = true
	out.fields = len(fields)

	// Telemetry and learning are best-effort from here on.
	p.feedback.RecordOutcome(ctx, job.URL, pred.Label, pred.QualityEstimate, len(fields), assessment.Score)
	p.reinforcePatterns(page.Body, institution, fields)

	if err := p.queue.Complete(ctx, job.URL, assessment.Score); err != nil {
		log.Warn("pipeline: complete failed", zap.Error(err))
	}

	log.Info("pipeline: page processed",
		zap.String("label", string(pred.Label)),
		zap.Int("score", assessment.Score),
		zap.String("quality", assessment.DataQuality),
		zap.Int("fields", len(fields)))
	return out
}

func (p *Pipeline) failJob(ctx context.Context, url string, cause error) jobOutcome {
	zap.L().Warn("pipeline: job failed", zap.String("url", url), zap.Error(cause))
	if err := p.queue.Fail(ctx, url, cause); err != nil {
		zap.L().Warn("pipeline: recording failure failed",
			zap.String("url", url), zap.Error(err))
	}
	return jobOutcome{failed: true}
}

// enqueueLinks pushes newly discovered links back into the queue, respecting
// the depth ceiling and per-page link cap.
func (p *Pipeline) enqueueLinks(ctx context.Context, job model.Job, links []string) int {
	if job.Depth >= p.opts.MaxDepth {
		return 0
	}
	seed := job.SeedURL
	if seed == "" {
		seed = job.URL
	}

	var added int
	for _, link := range links {
		if added >= p.opts.MaxLinks {
			break
		}
		ok, err := p.queue.Enqueue(ctx, link, job.Depth+1, seed, p.opts.DefaultScore)
		if err != nil {
			zap.L().Warn("pipeline: enqueue failed",
				zap.String("url", link), zap.Error(err))
			continue
		}
		if ok {
			added++
		}
	}
	return added
}

// filterFields drops learned-generic values and redirects known duplicates
// to their canonical spelling.
func (p *Pipeline) filterFields(ctx context.Context, fields []model.ExtractedField) []model.ExtractedField {
	out := fields[:0]
	for _, f := range fields {
		cls, err := p.learner.Classify(ctx, f.Category, f.Value)
		if err != nil {
			zap.L().Debug("pipeline: field classification failed",
				zap.String("category", f.Category), zap.Error(err))
			out = append(out, f)
			continue
		}
		if cls.ShouldFilter {
			continue
		}
		if cls.DeduplicateTo != "" {
			f.Value = cls.DeduplicateTo
		}
		out = append(out, f)
	}
	return out
}

// supplementFromPatterns adds fields matched by learned extraction patterns
// for categories the model missed.
func (p *Pipeline) supplementFromPatterns(recordURL, text, institution string, fields []model.ExtractedField) []model.ExtractedField {
	covered := make(map[string]bool, len(fields))
	for _, f := range fields {
		covered[f.Category] = true
	}

	for category, matches := range p.patterns.Extract(text, institution, nil) {
		if covered[category] {
			continue
		}
		for _, m := range matches {
			fields = append(fields, model.ExtractedField{
				RecordURL:      recordURL,
				Category:       category,
				Value:          m.Value,
				Confidence:     m.Confidence,
				Meaningfulness: 50,
				Method:         model.MethodHybrid,
			})
		}
	}
	return fields
}

// reinforcePatterns feeds high-signal extracted values back into the dynamic
// pattern engine.
func (p *Pipeline) reinforcePatterns(text, institution string, fields []model.ExtractedField) {
	for _, f := range fields {
		if f.Method != model.MethodModel || f.Meaningfulness < 50 {
			continue
		}
		p.patterns.LearnFromSuccess(text, f.Category, institution, f.Value, f.Confidence)
	}
}
