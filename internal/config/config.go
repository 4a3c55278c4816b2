package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Fetch     FetchConfig     `yaml:"fetch" mapstructure:"fetch"`
	Crawl     CrawlConfig     `yaml:"crawl" mapstructure:"crawl"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Blacklist BlacklistConfig `yaml:"blacklist" mapstructure:"blacklist"`
	Patterns  PatternsConfig  `yaml:"patterns" mapstructure:"patterns"`
	Feedback  FeedbackConfig  `yaml:"feedback" mapstructure:"feedback"`
	Learner   LearnerConfig   `yaml:"learner" mapstructure:"learner"`
	Balancer  BalancerConfig  `yaml:"balancer" mapstructure:"balancer"`
	Cycle     CycleConfig     `yaml:"cycle" mapstructure:"cycle"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// AnthropicConfig holds Anthropic API settings for classification and
// model-based field extraction.
type AnthropicConfig struct {
	Key        string `yaml:"key" mapstructure:"key"`
	Model      string `yaml:"model" mapstructure:"model"`
	MaxTokens  int    `yaml:"max_tokens" mapstructure:"max_tokens"`
	MaxRetries int    `yaml:"max_retries" mapstructure:"max_retries"`
}

// FetchConfig configures the HTTP fetcher.
type FetchConfig struct {
	TimeoutSecs    int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxBodyBytes   int64   `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	MaxRetries     int     `yaml:"max_retries" mapstructure:"max_retries"`
	PerHostRate    float64 `yaml:"per_host_rate" mapstructure:"per_host_rate"`
	PerHostBurst   int     `yaml:"per_host_burst" mapstructure:"per_host_burst"`
	UserAgent      string  `yaml:"user_agent" mapstructure:"user_agent"`
	FollowRedirect bool    `yaml:"follow_redirect" mapstructure:"follow_redirect"`
}

// CrawlConfig configures link discovery.
type CrawlConfig struct {
	MaxDepth     int `yaml:"max_depth" mapstructure:"max_depth"`
	MaxLinks     int `yaml:"max_links" mapstructure:"max_links"`
	DefaultScore int `yaml:"default_score" mapstructure:"default_score"`
}

// PipelineConfig configures worker pool and batch behavior.
type PipelineConfig struct {
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
	BatchSize   int `yaml:"batch_size" mapstructure:"batch_size"`
}

// BlacklistConfig configures the URL exclusion engine.
type BlacklistConfig struct {
	SeedFile      string  `yaml:"seed_file" mapstructure:"seed_file"`
	MinConfidence float64 `yaml:"min_confidence" mapstructure:"min_confidence"`
	CleanMinUsage int     `yaml:"clean_min_usage" mapstructure:"clean_min_usage"`
}

// PatternsConfig configures the dynamic extraction pattern engine.
type PatternsConfig struct {
	MinConfidence float64 `yaml:"min_confidence" mapstructure:"min_confidence"`
	MaxPatterns   int     `yaml:"max_patterns" mapstructure:"max_patterns"`
	MaxExamples   int     `yaml:"max_examples" mapstructure:"max_examples"`
	StaleDays     int     `yaml:"stale_days" mapstructure:"stale_days"`
}

// FeedbackConfig configures the classification feedback loop.
type FeedbackConfig struct {
	PositiveFieldThreshold int `yaml:"positive_field_threshold" mapstructure:"positive_field_threshold"`
	RetentionDays          int `yaml:"retention_days" mapstructure:"retention_days"`
}

// LearnerConfig configures the requirement and quality pattern learner.
type LearnerConfig struct {
	MinFields             int `yaml:"min_fields" mapstructure:"min_fields"`
	MinRuleExamples       int `yaml:"min_rule_examples" mapstructure:"min_rule_examples"`
	MaxGenericValues      int `yaml:"max_generic_values" mapstructure:"max_generic_values"`
	MaxTypicalValues      int `yaml:"max_typical_values" mapstructure:"max_typical_values"`
	GenericMeaningfulness int `yaml:"generic_meaningfulness" mapstructure:"generic_meaningfulness"`
	TypicalMeaningfulness int `yaml:"typical_meaningfulness" mapstructure:"typical_meaningfulness"`
}

// BalancerConfig configures the queue balancer.
type BalancerConfig struct {
	WindowDays      int `yaml:"window_days" mapstructure:"window_days"`
	MinObservations int `yaml:"min_observations" mapstructure:"min_observations"`
	MaxScore        int `yaml:"max_score" mapstructure:"max_score"`
}

// CycleConfig configures the autonomous improvement cycle.
type CycleConfig struct {
	CrawlBatch    int `yaml:"crawl_batch" mapstructure:"crawl_batch"`
	RescrapeBatch int `yaml:"rescrape_batch" mapstructure:"rescrape_batch"`
	RescrapeFloor int `yaml:"rescrape_floor" mapstructure:"rescrape_floor"`
	RetryBoost    int `yaml:"retry_boost" mapstructure:"retry_boost"`
	ThinFields    int `yaml:"thin_fields" mapstructure:"thin_fields"`
}

// ServerConfig configures the ops HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("FUNDSCOPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("anthropic.max_retries", 2)
	v.SetDefault("fetch.timeout_secs", 40)
	v.SetDefault("fetch.max_body_bytes", 5*1024*1024)
	v.SetDefault("fetch.max_retries", 2)
	v.SetDefault("fetch.per_host_rate", 2.0)
	v.SetDefault("fetch.per_host_burst", 4)
	v.SetDefault("fetch.user_agent", "fundscope-crawler/1.0")
	v.SetDefault("fetch.follow_redirect", true)
	v.SetDefault("crawl.max_depth", 3)
	v.SetDefault("crawl.max_links", 100)
	v.SetDefault("crawl.default_score", 50)
	v.SetDefault("pipeline.concurrency", 8)
	v.SetDefault("pipeline.batch_size", 50)
	v.SetDefault("blacklist.seed_file", "")
	v.SetDefault("blacklist.min_confidence", 0.7)
	v.SetDefault("blacklist.clean_min_usage", 3)
	v.SetDefault("patterns.min_confidence", 0.3)
	v.SetDefault("patterns.max_patterns", 1000)
	v.SetDefault("patterns.max_examples", 5)
	v.SetDefault("patterns.stale_days", 30)
	v.SetDefault("feedback.positive_field_threshold", 5)
	v.SetDefault("feedback.retention_days", 90)
	v.SetDefault("learner.min_fields", 1000)
	v.SetDefault("learner.min_rule_examples", 50)
	v.SetDefault("learner.max_generic_values", 20)
	v.SetDefault("learner.max_typical_values", 10)
	v.SetDefault("learner.generic_meaningfulness", 10)
	v.SetDefault("learner.typical_meaningfulness", 50)
	v.SetDefault("balancer.window_days", 7)
	v.SetDefault("balancer.min_observations", 5)
	v.SetDefault("balancer.max_score", 100)
	v.SetDefault("cycle.crawl_batch", 50)
	v.SetDefault("cycle.rescrape_batch", 25)
	v.SetDefault("cycle.rescrape_floor", 60)
	v.SetDefault("cycle.retry_boost", 5)
	v.SetDefault("cycle.thin_fields", 3)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
