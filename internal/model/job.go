package model

import "time"

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusDone       JobStatus = "done"
	JobStatusFailed     JobStatus = "failed"
)

// Job is a unit of crawl work, unique by URL. Status transitions are owned
// by the queue: queued -> processing -> done|failed, with explicit re-arming
// back to queued by maintenance.
type Job struct {
	URL           string    `json:"url"`
	Status        JobStatus `json:"status"`
	Depth         int       `json:"depth"`
	SeedURL       string    `json:"seed_url,omitempty"`
	QualityScore  int       `json:"quality_score"`
	NeedsRescrape bool      `json:"needs_rescrape"`
	LastError     string    `json:"last_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// QueueStats summarizes the queue by status.
type QueueStats struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Done       int `json:"done"`
	Failed     int `json:"failed"`
}

// Total returns the total number of jobs across all states.
func (s QueueStats) Total() int {
	return s.Queued + s.Processing + s.Done + s.Failed
}

// JobOutcome is a single finished job inside the balancer window, used to
// aggregate per-institution success rates.
type JobOutcome struct {
	URL          string    `json:"url"`
	Status       JobStatus `json:"status"`
	QualityScore int       `json:"quality_score"`
	UpdatedAt    time.Time `json:"updated_at"`
}
