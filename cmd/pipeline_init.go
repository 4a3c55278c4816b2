package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/fundscope/crawler-cli/internal/blacklist"
	"github.com/fundscope/crawler-cli/internal/classifier"
	"github.com/fundscope/crawler-cli/internal/feedback"
	"github.com/fundscope/crawler-cli/internal/fetcher"
	"github.com/fundscope/crawler-cli/internal/learner"
	"github.com/fundscope/crawler-cli/internal/patterns"
	"github.com/fundscope/crawler-cli/internal/pipeline"
	"github.com/fundscope/crawler-cli/internal/queue"
	"github.com/fundscope/crawler-cli/internal/store"
	"github.com/fundscope/crawler-cli/pkg/anthropic"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "fundscope.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// env bundles the wired subsystems a command needs.
type env struct {
	Store     store.Store
	Fetcher   *fetcher.Fetcher
	Queue     *queue.Manager
	Blacklist *blacklist.Engine
	Patterns  *patterns.Engine
	Learner   *learner.Learner
	Feedback  *feedback.Loop
	Pipeline  *pipeline.Pipeline
	Cycle     *pipeline.Cycle
	Balancer  *queue.Balancer
}

func (e *env) Close() {
	_ = e.Store.Close()
}

// initEnv opens the store, runs migrations, and wires every subsystem. A
// store unreachable here is fatal for the command.
func initEnv(ctx context.Context) (*env, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "init store")
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	bl := blacklist.New(st, cfg.Blacklist.MinConfidence)
	if cfg.Blacklist.SeedFile != "" {
		if _, err := bl.LoadSeeds(ctx, cfg.Blacklist.SeedFile); err != nil {
			_ = st.Close()
			return nil, eris.Wrap(err, "load blacklist seeds")
		}
	}

	patternEngine := patterns.NewEngine(st, patterns.Options{
		MinConfidence: cfg.Patterns.MinConfidence,
		MaxPatterns:   cfg.Patterns.MaxPatterns,
		MaxExamples:   cfg.Patterns.MaxExamples,
		StaleDays:     cfg.Patterns.StaleDays,
	})
	if err := patternEngine.Load(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "load dynamic patterns")
	}

	fieldLearner := learner.New(st, learner.Options{
		MinFields:             cfg.Learner.MinFields,
		MinRuleExamples:       cfg.Learner.MinRuleExamples,
		MaxGenericValues:      cfg.Learner.MaxGenericValues,
		MaxTypicalValues:      cfg.Learner.MaxTypicalValues,
		GenericMeaningfulness: cfg.Learner.GenericMeaningfulness,
		TypicalMeaningfulness: cfg.Learner.TypicalMeaningfulness,
	})

	feedbackLoop := feedback.New(st, cfg.Feedback.PositiveFieldThreshold)

	fetch := fetcher.New(fetcher.Options{
		UserAgent:      cfg.Fetch.UserAgent,
		Timeout:        time.Duration(cfg.Fetch.TimeoutSecs) * time.Second,
		MaxBodyBytes:   cfg.Fetch.MaxBodyBytes,
		MaxRetries:     cfg.Fetch.MaxRetries,
		PerHostRate:    cfg.Fetch.PerHostRate,
		PerHostBurst:   cfg.Fetch.PerHostBurst,
		FollowRedirect: cfg.Fetch.FollowRedirect,
	})

	classify := classifier.New(
		anthropic.NewClient(cfg.Anthropic.Key),
		cfg.Anthropic.Model,
		int64(cfg.Anthropic.MaxTokens),
	)

	pipe := pipeline.New(st, bl, fetch, classify, patternEngine, fieldLearner, feedbackLoop, pipeline.Options{
		Concurrency:  cfg.Pipeline.Concurrency,
		MaxDepth:     cfg.Crawl.MaxDepth,
		MaxLinks:     cfg.Crawl.MaxLinks,
		DefaultScore: cfg.Crawl.DefaultScore,
	})

	cycle := pipeline.NewCycle(st, bl, pipeline.CycleOptions{
		CleanupFieldCutoff: cfg.Cycle.ThinFields,
		RescrapeBatch:      cfg.Cycle.RescrapeBatch,
		RescrapeFloor:      cfg.Cycle.RescrapeFloor,
	})

	balancer := queue.NewBalancer(st, queue.BalancerOptions{
		WindowDays:      cfg.Balancer.WindowDays,
		MinObservations: cfg.Balancer.MinObservations,
		MaxScore:        cfg.Balancer.MaxScore,
	})

	return &env{
		Store:     st,
		Fetcher:   fetch,
		Queue:     queue.NewManager(st, bl),
		Blacklist: bl,
		Patterns:  patternEngine,
		Learner:   fieldLearner,
		Feedback:  feedbackLoop,
		Pipeline:  pipe,
		Cycle:     cycle,
		Balancer:  balancer,
	}, nil
}
