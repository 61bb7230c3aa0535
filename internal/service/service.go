// Package service holds the crawl orchestration entrypoints: cache-first job
// starts with cross-instance dedup, and manual cache bootstrap.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/zoras/llm-codes/internal/cache"
	"github.com/zoras/llm-codes/internal/clock"
	"github.com/zoras/llm-codes/internal/crawl"
	"github.com/zoras/llm-codes/internal/jobstore"
	"github.com/zoras/llm-codes/internal/lock"
	"github.com/zoras/llm-codes/internal/metrics"
)

// Sentinel errors surfaced to the API layer.
var (
	ErrInvalidURL      = errors.New("service: invalid start url")
	ErrCrawlInProgress = errors.New("service: crawl already in progress for url")
	ErrEmptyBootstrap  = errors.New("service: bootstrap requires at least one candidate url")
)

// Config holds start-path policy knobs. Zero values fall back to defaults.
type Config struct {
	// CrawlLimit caps pages requested from the provider per crawl.
	CrawlLimit int
	// LockTTL bounds how long a start lock can outlive its holder. It should
	// cover a worst-case crawl; expiry is the only release on the happy path.
	LockTTL time.Duration
	// LockWait is how long a contended start waits for the holder to finish.
	LockWait time.Duration
	// SpotCheckSize is how many manifest URLs are verified against the cache
	// before a crawl is served from it.
	SpotCheckSize int
}

const (
	defaultCrawlLimit    = 100
	defaultLockTTL       = 10 * time.Minute
	defaultLockWait      = 30 * time.Second
	defaultSpotCheckSize = 5
)

// CrawlService implements the cache-first start protocol.
type CrawlService struct {
	jobs      *jobstore.Store
	manifests *jobstore.ManifestStore
	pages     *cache.Cache
	locker    *lock.Locker
	provider  crawl.Provider
	ids       crawl.IDGenerator
	clock     clock.Clock
	logger    *zap.Logger
	cfg       Config
}

// New constructs a CrawlService.
func New(
	jobs *jobstore.Store,
	manifests *jobstore.ManifestStore,
	pages *cache.Cache,
	locker *lock.Locker,
	prov crawl.Provider,
	ids crawl.IDGenerator,
	cfg Config,
	clk clock.Clock,
	logger *zap.Logger,
) *CrawlService {
	if cfg.CrawlLimit <= 0 {
		cfg.CrawlLimit = defaultCrawlLimit
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = defaultLockWait
	}
	if cfg.SpotCheckSize <= 0 {
		cfg.SpotCheckSize = defaultSpotCheckSize
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CrawlService{
		jobs:      jobs,
		manifests: manifests,
		pages:     pages,
		locker:    locker,
		provider:  prov,
		ids:       ids,
		clock:     clk,
		logger:    logger,
		cfg:       cfg,
	}
}

// StartCrawl begins (or short-circuits) a crawl of startURL.
//
// Order of attempts: serve from a verified manifest; otherwise take the
// per-URL start lock and submit to the provider; on contention, wait for the
// holder and re-check the manifest before giving up with ErrCrawlInProgress.
func (s *CrawlService) StartCrawl(ctx context.Context, startURL string) (crawl.Job, error) {
	if err := validateStartURL(startURL); err != nil {
		return crawl.Job{}, err
	}

	if job, ok := s.tryCachedJob(ctx, startURL); ok {
		return job, nil
	}

	token, acquired := s.locker.Acquire(ctx, startURL, s.cfg.LockTTL)
	if !acquired {
		// Another instance is crawling this URL right now. Wait for it and see
		// whether its manifest landed.
		released := s.locker.WaitForRelease(ctx, startURL, s.cfg.LockWait)
		if job, ok := s.tryCachedJob(ctx, startURL); ok {
			return job, nil
		}
		if !released {
			return crawl.Job{}, ErrCrawlInProgress
		}
		token, acquired = s.locker.Acquire(ctx, startURL, s.cfg.LockTTL)
		if !acquired {
			return crawl.Job{}, ErrCrawlInProgress
		}
	}

	resp, err := s.provider.StartCrawl(ctx, crawl.StartRequest{URL: startURL, Limit: s.cfg.CrawlLimit})
	if err != nil {
		s.locker.Release(ctx, startURL, token)
		return crawl.Job{}, fmt.Errorf("start crawl for %s: %w", startURL, err)
	}

	job := crawl.Job{
		ID:          resp.ID,
		StartURL:    startURL,
		Status:      crawl.StatusCrawling,
		CreditsUsed: resp.CreditsUsed,
		StartedAt:   s.clock.Now(),
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		s.locker.Release(ctx, startURL, token)
		return crawl.Job{}, fmt.Errorf("record job %s: %w", resp.ID, err)
	}
	// The lock is deliberately left held; its TTL covers the crawl so a second
	// start against the same URL keeps deduplicating until results exist.
	metrics.ObserveJob(string(crawl.StatusCrawling))
	s.logger.Info("crawl started",
		zap.String("job_id", job.ID),
		zap.String("start_url", startURL),
	)
	return job, nil
}

// GetJob loads job metadata by ID.
func (s *CrawlService) GetJob(ctx context.Context, jobID string) (crawl.Job, error) {
	return s.jobs.GetJob(ctx, jobID)
}

// GetResults returns every stored result record for a completed job. For
// cache_hit jobs the records are rebuilt from the cached pages themselves.
func (s *CrawlService) GetResults(ctx context.Context, jobID string) ([]crawl.Result, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == crawl.StatusCacheHit {
		keys := make([]string, 0, len(job.CrawledURLs))
		for _, u := range job.CrawledURLs {
			keys = append(keys, cache.PageKey(u))
		}
		found := s.pages.MultiGet(ctx, keys)
		out := make([]crawl.Result, 0, len(job.CrawledURLs))
		for _, u := range job.CrawledURLs {
			if body, ok := found[cache.PageKey(u)]; ok {
				out = append(out, crawl.Result{SourceURL: u, Markdown: string(body)})
			}
		}
		return out, nil
	}
	return s.jobs.GetAllResultPages(ctx, jobID)
}

// BootstrapResult reports which candidate URLs were cache-verified and which
// were not.
type BootstrapResult struct {
	Stored  int
	Missing []string
}

// Bootstrap builds a manifest for startURL out of the candidate page URLs
// that are already present in the cache. Only the verified subset is stored;
// candidates without a cached page are reported back as missing. An empty
// candidate list is an error.
func (s *CrawlService) Bootstrap(ctx context.Context, startURL string, candidates []string) (BootstrapResult, error) {
	if err := validateStartURL(startURL); err != nil {
		return BootstrapResult{}, err
	}
	if len(candidates) == 0 {
		return BootstrapResult{}, ErrEmptyBootstrap
	}
	keys := make([]string, 0, len(candidates))
	for _, u := range candidates {
		keys = append(keys, cache.PageKey(u))
	}
	found := s.pages.MultiGet(ctx, keys)

	var res BootstrapResult
	verified := make([]string, 0, len(candidates))
	for i, u := range candidates {
		if _, ok := found[keys[i]]; ok {
			verified = append(verified, u)
		} else {
			res.Missing = append(res.Missing, u)
		}
	}
	if len(verified) > 0 {
		manifest := jobstore.Manifest{StartURL: startURL, URLs: verified, StoredAt: s.clock.Now()}
		if err := s.manifests.Put(ctx, manifest); err != nil {
			return BootstrapResult{}, fmt.Errorf("store manifest for %s: %w", startURL, err)
		}
		res.Stored = len(verified)
	}
	s.logger.Info("manifest bootstrap",
		zap.String("start_url", startURL),
		zap.Int("stored", res.Stored),
		zap.Int("missing", len(res.Missing)),
	)
	return res, nil
}

// tryCachedJob serves startURL from its manifest when a spot check confirms
// the cached pages are still present.
func (s *CrawlService) tryCachedJob(ctx context.Context, startURL string) (crawl.Job, bool) {
	manifest, err := s.manifests.Get(ctx, startURL)
	if err != nil {
		if !errors.Is(err, jobstore.ErrNotFound) {
			s.logger.Warn("manifest lookup failed", zap.String("start_url", startURL), zap.Error(err))
		}
		return crawl.Job{}, false
	}
	if len(manifest.URLs) == 0 || !s.spotCheck(ctx, manifest.URLs) {
		return crawl.Job{}, false
	}

	id, err := s.ids.NewID()
	if err != nil {
		s.logger.Warn("job id generation failed", zap.Error(err))
		return crawl.Job{}, false
	}
	now := s.clock.Now()
	job := crawl.Job{
		ID:             id,
		StartURL:       startURL,
		Status:         crawl.StatusCacheHit,
		TotalPages:     len(manifest.URLs),
		CompletedPages: len(manifest.URLs),
		StartedAt:      now,
		CompletedAt:    &now,
		CrawledURLs:    manifest.URLs,
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		s.logger.Warn("cache-hit job write failed", zap.String("start_url", startURL), zap.Error(err))
		return crawl.Job{}, false
	}
	metrics.ObserveJob(string(crawl.StatusCacheHit))
	s.logger.Info("crawl served from cache",
		zap.String("job_id", id),
		zap.String("start_url", startURL),
		zap.Int("pages", len(manifest.URLs)),
	)
	return job, true
}

// spotCheck verifies a sample of manifest URLs still resolve in the cache.
// Every sampled URL must hit; partial coverage forces a fresh crawl.
func (s *CrawlService) spotCheck(ctx context.Context, urls []string) bool {
	sample := urls
	if len(sample) > s.cfg.SpotCheckSize {
		// Deterministic spread across the manifest rather than just the head.
		step := len(urls) / s.cfg.SpotCheckSize
		sample = make([]string, 0, s.cfg.SpotCheckSize)
		for i := 0; i < s.cfg.SpotCheckSize; i++ {
			sample = append(sample, urls[i*step])
		}
	}
	keys := make([]string, 0, len(sample))
	for _, u := range sample {
		keys = append(keys, cache.PageKey(u))
	}
	found := s.pages.MultiGet(ctx, keys)
	return len(found) == len(keys)
}

func validateStartURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidURL
	}
	return nil
}
