package queue

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fundscope/crawler-cli/internal/model"
)

// Store is the persistence surface for queue operations.
type Store interface {
	EnqueueJob(ctx context.Context, url string, depth int, seedURL string, quality int) error
	ClaimJobs(ctx context.Context, limit int) ([]model.Job, error)
	CompleteJob(ctx context.Context, url string, quality int) error
	FailJob(ctx context.Context, url, errMsg string) error
	RequeueFailed(ctx context.Context, boost, limit int) (int64, error)
	MarkNeedsRescrape(ctx context.Context, urls []string) (int64, error)
	RequeueRescrape(ctx context.Context, floor, limit int) (int64, error)
	AdjustQueuedScores(ctx context.Context, urlSubstring string, delta, maxScore int) (int64, error)
	QueueStats(ctx context.Context) (*model.QueueStats, error)
	JobOutcomes(ctx context.Context, since time.Time) ([]model.JobOutcome, error)
}

// Excluder gates which URLs may enter the queue.
type Excluder interface {
	IsExcluded(ctx context.Context, url string) bool
}

// Manager owns the job lifecycle: queued → processing → done|failed, with
// explicit re-arming for retries and re-scrapes.
type Manager struct {
	store    Store
	excluder Excluder
}

// NewManager creates a queue manager. excluder may be nil, in which case
// every URL is accepted.
func NewManager(store Store, excluder Excluder) *Manager {
	return &Manager{store: store, excluder: excluder}
}

// Enqueue adds a URL to the queue unless the exclusion engine rejects it.
// Returns true when the URL was accepted.
func (m *Manager) Enqueue(ctx context.Context, url string, depth int, seedURL string, quality int) (bool, error) {
	if m.excluder != nil && m.excluder.IsExcluded(ctx, url) {
		zap.L().Debug("queue: url excluded", zap.String("url", url))
		return false, nil
	}
	if err := m.store.EnqueueJob(ctx, url, depth, seedURL, quality); err != nil {
		return false, err
	}
	return true, nil
}

// Claim atomically takes up to limit queued jobs for processing.
func (m *Manager) Claim(ctx context.Context, limit int) ([]model.Job, error) {
	return m.store.ClaimJobs(ctx, limit)
}

// Complete marks a job done with its final quality score.
func (m *Manager) Complete(ctx context.Context, url string, quality int) error {
	return m.store.CompleteJob(ctx, url, quality)
}

// Fail marks a job failed with a descriptive error message.
func (m *Manager) Fail(ctx context.Context, url string, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return m.store.FailJob(ctx, url, msg)
}

// RetryFailed re-arms up to limit failed jobs with a small score boost.
func (m *Manager) RetryFailed(ctx context.Context, boost, limit int) (int64, error) {
	return m.store.RequeueFailed(ctx, boost, limit)
}

// FlagForRescrape marks finished URLs as needing another fetch.
func (m *Manager) FlagForRescrape(ctx context.Context, urls []string) (int64, error) {
	return m.store.MarkNeedsRescrape(ctx, urls)
}

// RequeueRescrapes re-arms flagged jobs, raising their score to at least
// floor so they are fetched soon.
func (m *Manager) RequeueRescrapes(ctx context.Context, floor, limit int) (int64, error) {
	return m.store.RequeueRescrape(ctx, floor, limit)
}

// Stats returns the queue size by status.
func (m *Manager) Stats(ctx context.Context) (*model.QueueStats, error) {
	return m.store.QueueStats(ctx)
}
