// Package crawl defines the crawl-job domain: job metadata, result records,
// and the interfaces the orchestration layer is wired against.
package crawl

import (
	"context"
	"time"
)

// Status is the lifecycle state of a crawl job.
type Status string

// Job statuses. CacheHit is terminal at creation; Crawling transitions to
// Completed or Failed and nothing moves out of a terminal state.
const (
	StatusCrawling  Status = "crawling"
	StatusCacheHit  Status = "cache_hit"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusCacheHit, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Remote statuses reported by the provider's job API.
const (
	RemoteScraping  = "scraping"
	RemoteCompleted = "completed"
	RemoteFailed    = "failed"
)

// Job is the stored metadata for one crawl run. It is owned by the job store
// and mutated only through whole-object merge updates.
type Job struct {
	ID             string     `json:"id"`
	StartURL       string     `json:"start_url"`
	Status         Status     `json:"status"`
	TotalPages     int        `json:"total_pages"`
	CompletedPages int        `json:"completed_pages"`
	FailedPages    int        `json:"failed_pages"`
	CreditsUsed    int        `json:"credits_used"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	FailedAt       *time.Time `json:"failed_at,omitempty"`
	Error          string     `json:"error,omitempty"`
	NextPageToken  string     `json:"next_page_token,omitempty"`
	LastPageNumber int        `json:"last_page_number"`
	CrawledURLs    []string   `json:"crawled_urls,omitempty"`
}

// Result is one crawled page's content.
type Result struct {
	SourceURL string `json:"source_url"`
	Markdown  string `json:"markdown"`
}

// ResultPage is an append-only batch of results for a job. Each page number
// is written at most once; pages read back in ascending order reconstitute
// the full result set.
type ResultPage struct {
	JobID      string   `json:"job_id"`
	PageNumber int      `json:"page_number"`
	Records    []Result `json:"records"`
}

// Update is a partial job update; nil fields are left untouched. Applied via
// read-merge-write, so concurrent updaters are last-writer-wins.
type Update struct {
	Status         *Status
	TotalPages     *int
	CompletedPages *int
	FailedPages    *int
	CreditsUsed    *int
	CompletedAt    *time.Time
	FailedAt       *time.Time
	Error          *string
	NextPageToken  *string
	LastPageNumber *int
	CrawledURLs    []string
}

// ApplyTo merges the update into a copy of job.
func (u Update) ApplyTo(job Job) Job {
	if u.Status != nil {
		job.Status = *u.Status
	}
	if u.TotalPages != nil {
		job.TotalPages = *u.TotalPages
	}
	if u.CompletedPages != nil {
		job.CompletedPages = *u.CompletedPages
	}
	if u.FailedPages != nil {
		job.FailedPages = *u.FailedPages
	}
	if u.CreditsUsed != nil {
		job.CreditsUsed = *u.CreditsUsed
	}
	if u.CompletedAt != nil {
		job.CompletedAt = u.CompletedAt
	}
	if u.FailedAt != nil {
		job.FailedAt = u.FailedAt
	}
	if u.Error != nil {
		job.Error = *u.Error
	}
	if u.NextPageToken != nil {
		job.NextPageToken = *u.NextPageToken
	}
	if u.LastPageNumber != nil {
		job.LastPageNumber = *u.LastPageNumber
	}
	if u.CrawledURLs != nil {
		job.CrawledURLs = u.CrawledURLs
	}
	return job
}

// StartRequest asks the provider to begin a crawl.
type StartRequest struct {
	URL   string
	Limit int
}

// StartResponse is the provider's acknowledgment of a new job.
type StartResponse struct {
	ID          string
	CreditsUsed int
}

// StatusRequest polls a remote job. When Next is set it is a
// provider-supplied pagination cursor and takes precedence over JobID.
type StatusRequest struct {
	JobID string
	Next  string
}

// StatusResponse is one poll's view of a remote job.
type StatusResponse struct {
	Status      string
	Completed   int
	Total       int
	CreditsUsed int
	Next        string
	Data        []Result
}

// Provider is the remote rendering/crawl job API.
type Provider interface {
	StartCrawl(ctx context.Context, req StartRequest) (StartResponse, error)
	JobStatus(ctx context.Context, req StatusRequest) (StatusResponse, error)
}

// Publisher pushes job lifecycle notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
