// Package jobstore persists crawl job metadata, result pages, and URL
// manifests in the durable tier. Jobs are stored whole and updated via
// read-merge-write; result pages are append-only numbered batches.
package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zoras/llm-codes/internal/crawl"
	"github.com/zoras/llm-codes/internal/kv"
)

// ErrNotFound signals that no job or page exists under the requested key.
var ErrNotFound = errors.New("jobstore: not found")

const defaultTTL = 24 * time.Hour

// Store reads and writes crawl jobs. Keys live beside the page cache in the
// same durable tier so a single backend serves both.
type Store struct {
	store  kv.Store
	ttl    time.Duration
	logger *zap.Logger
}

// New constructs a Store. ttl <= 0 means the 24h default.
func New(store kv.Store, ttl time.Duration, logger *zap.Logger) *Store {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{store: store, ttl: ttl, logger: logger}
}

func jobKey(jobID string) string {
	return "crawl:job:" + jobID
}

func pageKey(jobID string, n int) string {
	return fmt.Sprintf("crawl:results:%s:page:%d", jobID, n)
}

// CreateJob writes a new job record.
func (s *Store) CreateJob(ctx context.Context, job crawl.Job) error {
	return s.putJob(ctx, job)
}

// GetJob loads a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (crawl.Job, error) {
	raw, err := s.store.Get(ctx, jobKey(jobID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return crawl.Job{}, ErrNotFound
		}
		return crawl.Job{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	var job crawl.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return crawl.Job{}, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return job, nil
}

// UpdateJob merges the partial update into the stored job and writes it back.
// Concurrent updaters are last-writer-wins at whole-job granularity.
func (s *Store) UpdateJob(ctx context.Context, jobID string, update crawl.Update) (crawl.Job, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return crawl.Job{}, err
	}
	job = update.ApplyTo(job)
	if err := s.putJob(ctx, job); err != nil {
		return crawl.Job{}, err
	}
	return job, nil
}

// PutResultPage appends a numbered result batch for a job.
func (s *Store) PutResultPage(ctx context.Context, page crawl.ResultPage) error {
	raw, err := json.Marshal(page)
	if err != nil {
		return fmt.Errorf("encode result page: %w", err)
	}
	if err := s.store.Set(ctx, pageKey(page.JobID, page.PageNumber), raw, s.ttl); err != nil {
		return fmt.Errorf("put result page %d for job %s: %w", page.PageNumber, page.JobID, err)
	}
	return nil
}

// GetResultPage loads one numbered result batch.
func (s *Store) GetResultPage(ctx context.Context, jobID string, n int) (crawl.ResultPage, error) {
	raw, err := s.store.Get(ctx, pageKey(jobID, n))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return crawl.ResultPage{}, ErrNotFound
		}
		return crawl.ResultPage{}, fmt.Errorf("get result page %d for job %s: %w", n, jobID, err)
	}
	var page crawl.ResultPage
	if err := json.Unmarshal(raw, &page); err != nil {
		return crawl.ResultPage{}, fmt.Errorf("decode result page %d for job %s: %w", n, jobID, err)
	}
	return page, nil
}

// GetAllResultPages returns every stored page for the job in ascending
// order, flattened into one record list. The job's LastPageNumber bounds the
// scan; pages evicted by TTL are skipped.
func (s *Store) GetAllResultPages(ctx context.Context, jobID string) ([]crawl.Result, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.LastPageNumber == 0 {
		return nil, nil
	}
	keys := make([]string, 0, job.LastPageNumber)
	for n := 1; n <= job.LastPageNumber; n++ {
		keys = append(keys, pageKey(jobID, n))
	}
	found, err := s.store.MultiGet(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("get result pages for job %s: %w", jobID, err)
	}
	var out []crawl.Result
	for n := 1; n <= job.LastPageNumber; n++ {
		raw, ok := found[pageKey(jobID, n)]
		if !ok {
			s.logger.Warn("result page missing, skipping",
				zap.String("job_id", jobID),
				zap.Int("page", n),
			)
			continue
		}
		var page crawl.ResultPage
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("decode result page %d for job %s: %w", n, jobID, err)
		}
		out = append(out, page.Records...)
	}
	return out, nil
}

func (s *Store) putJob(ctx context.Context, job crawl.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	if err := s.store.Set(ctx, jobKey(job.ID), raw, s.ttl); err != nil {
		return fmt.Errorf("put job %s: %w", job.ID, err)
	}
	return nil
}
