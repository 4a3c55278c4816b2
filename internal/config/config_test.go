package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 40, cfg.Fetch.TimeoutSecs)
	assert.Equal(t, int64(5*1024*1024), cfg.Fetch.MaxBodyBytes)
	assert.Equal(t, 8, cfg.Pipeline.Concurrency)
	assert.Equal(t, 50, cfg.Pipeline.BatchSize)
	assert.Equal(t, 3, cfg.Crawl.MaxDepth)
	assert.Equal(t, 50, cfg.Crawl.DefaultScore)
	assert.InDelta(t, 0.7, cfg.Blacklist.MinConfidence, 0.001)
	assert.InDelta(t, 0.3, cfg.Patterns.MinConfidence, 0.001)
	assert.Equal(t, 1000, cfg.Patterns.MaxPatterns)
	assert.Equal(t, 5, cfg.Patterns.MaxExamples)
	assert.Equal(t, 30, cfg.Patterns.StaleDays)
	assert.Equal(t, 5, cfg.Feedback.PositiveFieldThreshold)
	assert.Equal(t, 1000, cfg.Learner.MinFields)
	assert.Equal(t, 50, cfg.Learner.MinRuleExamples)
	assert.Equal(t, 10, cfg.Learner.MaxTypicalValues)
	assert.Equal(t, 7, cfg.Balancer.WindowDays)
	assert.Equal(t, 5, cfg.Balancer.MinObservations)
	assert.Equal(t, 100, cfg.Balancer.MaxScore)
	assert.Equal(t, 50, cfg.Cycle.CrawlBatch)
	assert.Equal(t, 60, cfg.Cycle.RescrapeFloor)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: sqlite
  database_url: crawler.db
log:
  level: debug
  format: console
pipeline:
  concurrency: 4
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "crawler.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 4, cfg.Pipeline.Concurrency)
	// Defaults still apply for unset values
	assert.Equal(t, 50, cfg.Pipeline.BatchSize)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("FUNDSCOPE_STORE_DRIVER", "postgres")
	t.Setenv("FUNDSCOPE_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))
	assert.NotNil(t, zap.L())

	err := InitLogger(LogConfig{Level: "nope", Format: "json"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse log level")
}
