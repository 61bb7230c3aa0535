package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zoras/llm-codes/internal/cache"
	"github.com/zoras/llm-codes/internal/clock"
	"github.com/zoras/llm-codes/internal/crawl"
	"github.com/zoras/llm-codes/internal/jobstore"
	"github.com/zoras/llm-codes/internal/metrics"
	"github.com/zoras/llm-codes/internal/provider"
	"github.com/zoras/llm-codes/internal/storage"
)

// Config holds the polling and completion-heuristic knobs. Zero values fall
// back to defaults.
type Config struct {
	// PollInterval is the pause between provider status polls.
	PollInterval time.Duration
	// MaxPollDuration is the hard ceiling on one reconciliation run.
	MaxPollDuration time.Duration
	// StallWindow is how long progress may sit still before the near-complete
	// heuristics may fire.
	StallWindow time.Duration
	// LongStallWindow gates the lowest-ratio completion heuristic.
	LongStallWindow time.Duration
	// NearCompleteRatio completes a stalled job at or above this fraction.
	NearCompleteRatio float64
	// HighCompleteRatio completes a stalled, slow job at or above this fraction.
	HighCompleteRatio float64
	// LowCompleteRatio completes a long-stalled job at or above this fraction.
	LowCompleteRatio float64
	// MinCompletionRate is the pages-per-second floor below which a stalled
	// high-ratio job is considered done.
	MinCompletionRate float64
	// ErrorThreshold is the consecutive provider-error count that fails the job.
	ErrorThreshold int
	// MaxBackoff caps the exponential backoff between retries after errors.
	MaxBackoff time.Duration
	// MinContentLength is the smallest page body worth caching.
	MinContentLength int
	// CacheTTL is the TTL for cached page content; zero uses the cache default.
	CacheTTL time.Duration
}

const (
	defaultPollInterval      = 2 * time.Second
	defaultMaxPollDuration   = 8 * time.Minute
	defaultStallWindow       = 30 * time.Second
	defaultLongStallWindow   = 60 * time.Second
	defaultNearCompleteRatio = 0.95
	defaultHighCompleteRatio = 0.80
	defaultLowCompleteRatio  = 0.50
	defaultMinCompletionRate = 0.1
	defaultErrorThreshold    = 5
	defaultMaxBackoff        = 30 * time.Second
	defaultMinContentLength  = 100
)

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.MaxPollDuration <= 0 {
		c.MaxPollDuration = defaultMaxPollDuration
	}
	if c.StallWindow <= 0 {
		c.StallWindow = defaultStallWindow
	}
	if c.LongStallWindow <= 0 {
		c.LongStallWindow = defaultLongStallWindow
	}
	if c.NearCompleteRatio <= 0 {
		c.NearCompleteRatio = defaultNearCompleteRatio
	}
	if c.HighCompleteRatio <= 0 {
		c.HighCompleteRatio = defaultHighCompleteRatio
	}
	if c.LowCompleteRatio <= 0 {
		c.LowCompleteRatio = defaultLowCompleteRatio
	}
	if c.MinCompletionRate <= 0 {
		c.MinCompletionRate = defaultMinCompletionRate
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = defaultErrorThreshold
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.MinContentLength <= 0 {
		c.MinContentLength = defaultMinContentLength
	}
}

// Reconciler drives crawling jobs toward a terminal state while mirroring
// progress onto a stream sink. Safe for concurrent Stream calls; each call
// carries its own per-connection state.
type Reconciler struct {
	jobs      *jobstore.Store
	manifests *jobstore.ManifestStore
	pages     *cache.Cache
	provider  crawl.Provider
	publisher crawl.Publisher
	archive   storage.Provider
	topic     string
	clock     clock.Clock
	logger    *zap.Logger
	cfg       Config
}

// New constructs a Reconciler. publisher and archive may be nil to disable
// notifications and artifact archival.
func New(
	jobs *jobstore.Store,
	manifests *jobstore.ManifestStore,
	pages *cache.Cache,
	prov crawl.Provider,
	publisher crawl.Publisher,
	archive storage.Provider,
	topic string,
	cfg Config,
	clk clock.Clock,
	logger *zap.Logger,
) *Reconciler {
	cfg.applyDefaults()
	if clk == nil {
		clk = clock.NewSystem()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if archive == nil {
		archive = storage.NewNoOp()
	}
	return &Reconciler{
		jobs:      jobs,
		manifests: manifests,
		pages:     pages,
		provider:  prov,
		publisher: publisher,
		archive:   archive,
		topic:     topic,
		clock:     clk,
		logger:    logger,
		cfg:       cfg,
	}
}

// Stream reconciles jobID and writes ordered events to sink until the job is
// terminal or the consumer disconnects. A sink error ends the stream without
// failing the job; jobstore.ErrNotFound passes through for the API layer.
func (r *Reconciler) Stream(ctx context.Context, jobID string, sink Sink) error {
	job, err := r.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	metrics.IncActiveStreams()
	defer metrics.DecActiveStreams()

	em := &emitter{sink: sink, jobID: jobID, clock: r.clock, logger: r.logger}
	if job.Status.Terminal() {
		return r.replay(ctx, job, em)
	}
	return r.poll(ctx, job, em)
}

// replay serves a terminal job entirely from stored state, never touching the
// provider. This is the cache fast path for cache_hit and completed jobs.
func (r *Reconciler) replay(ctx context.Context, job crawl.Job, em *emitter) error {
	if err := em.emit(Event{Type: EventStatus, Status: string(job.Status), Completed: job.CompletedPages, Total: job.TotalPages}); err != nil {
		return nil
	}
	if err := em.emit(Event{Type: EventProgress, Completed: job.CompletedPages, Total: job.TotalPages, CreditsUsed: job.CreditsUsed}); err != nil {
		return nil
	}
	if job.Status == crawl.StatusFailed {
		msg := job.Error
		if msg == "" {
			msg = "crawl failed"
		}
		em.emit(Event{Type: EventError, Message: msg})
		return nil
	}

	keys := make([]string, 0, len(job.CrawledURLs))
	for _, u := range job.CrawledURLs {
		keys = append(keys, cache.PageKey(u))
	}
	found := r.pages.MultiGet(ctx, keys)
	for _, u := range job.CrawledURLs {
		body := found[cache.PageKey(u)]
		if err := em.emit(Event{Type: EventURLComplete, URL: u, Cached: true, Content: string(body), ContentSize: len(body)}); err != nil {
			return nil
		}
	}
	em.emit(Event{Type: EventComplete, Completed: job.CompletedPages, Total: job.TotalPages, CreditsUsed: job.CreditsUsed})
	return nil
}

// poll loops against the provider until a completion heuristic fires, the
// job fails, the ceiling elapses, or the consumer disconnects.
func (r *Reconciler) poll(ctx context.Context, job crawl.Job, em *emitter) error {
	start := r.clock.Now()
	deadline := start.Add(r.cfg.MaxPollDuration)

	seen := make(map[string]bool, len(job.CrawledURLs))
	order := append([]string(nil), job.CrawledURLs...)
	for _, u := range job.CrawledURLs {
		seen[cache.NormalizeURL(u)] = true
	}

	lastProgressAt := start
	lastCompleted := job.CompletedPages
	consecErrors := 0

	for {
		if !r.clock.Now().Before(deadline) {
			return r.fail(ctx, job.ID, "crawl exceeded maximum poll duration", em)
		}

		resp, err := r.provider.JobStatus(ctx, crawl.StatusRequest{JobID: job.ID, Next: job.NextPageToken})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			consecErrors++
			r.logPollError(job.ID, consecErrors, err)
			if consecErrors >= r.cfg.ErrorThreshold {
				return r.fail(ctx, job.ID, fmt.Sprintf("provider unavailable after %d consecutive errors: %v", consecErrors, err), em)
			}
			if !gatewayError(err) {
				// Non-gateway errors are surfaced right away while polling
				// continues; gateway blips stay quiet below the threshold.
				if emitErr := em.emit(Event{Type: EventError, Message: fmt.Sprintf("provider poll failed: %v", err)}); emitErr != nil {
					return nil
				}
			}
			if !r.sleep(ctx, r.pollDelay(r.backoff(consecErrors), deadline)) {
				return nil
			}
			continue
		}
		consecErrors = 0
		now := r.clock.Now()

		if resp.Completed > lastCompleted {
			lastCompleted = resp.Completed
			lastProgressAt = now
		}

		if err := em.emit(Event{Type: EventStatus, Status: string(crawl.StatusCrawling), Completed: resp.Completed, Total: resp.Total}); err != nil {
			return nil
		}
		if err := em.emit(Event{Type: EventProgress, Completed: resp.Completed, Total: resp.Total, CreditsUsed: resp.CreditsUsed}); err != nil {
			return nil
		}

		var fresh []crawl.Result
		sinkGone := false
		for _, rec := range resp.Data {
			norm := cache.NormalizeURL(rec.SourceURL)
			if rec.SourceURL == "" || seen[norm] {
				continue
			}
			seen[norm] = true
			fresh = append(fresh, rec)

			key := cache.PageKey(rec.SourceURL)
			cached := false
			stored := false
			if _, ok := r.pages.Get(ctx, key); ok {
				cached = true
			} else if len(rec.Markdown) >= r.cfg.MinContentLength {
				r.pages.Set(ctx, key, []byte(rec.Markdown), r.cfg.CacheTTL)
				stored = true
			}
			// Only URLs backed by a retrievable cached page may enter the
			// manifest; short pages are streamed but not recorded.
			if cached || stored {
				order = append(order, rec.SourceURL)
			}
			if !sinkGone {
				if err := em.emit(Event{Type: EventURLComplete, URL: rec.SourceURL, Cached: cached, Content: rec.Markdown, ContentSize: len(rec.Markdown)}); err != nil {
					// Keep persisting results for this poll, just stop emitting.
					sinkGone = true
				}
			}
		}

		update := crawl.Update{
			TotalPages:     &resp.Total,
			CompletedPages: &resp.Completed,
			CreditsUsed:    &resp.CreditsUsed,
			NextPageToken:  &resp.Next,
			CrawledURLs:    order,
		}
		if len(fresh) > 0 {
			pageNum := job.LastPageNumber + 1
			page := crawl.ResultPage{JobID: job.ID, PageNumber: pageNum, Records: fresh}
			if err := r.jobs.PutResultPage(ctx, page); err != nil {
				r.logger.Warn("result page write failed", zap.String("job_id", job.ID), zap.Error(err))
			} else {
				update.LastPageNumber = &pageNum
			}
		}
		updated, err := r.jobs.UpdateJob(ctx, job.ID, update)
		if err != nil {
			r.logger.Warn("job update failed", zap.String("job_id", job.ID), zap.Error(err))
		} else {
			job = updated
		}
		if sinkGone {
			return nil
		}

		if resp.Status == crawl.RemoteFailed {
			return r.fail(ctx, job.ID, "provider reported crawl failure", em)
		}
		if r.isComplete(resp, now, start, lastProgressAt) {
			return r.finish(ctx, job, em)
		}

		if !r.sleep(ctx, r.pollDelay(r.cfg.PollInterval, deadline)) {
			return nil
		}
	}
}

// pollDelay clamps d so the next ceiling check lands on the deadline instead
// of overshooting it by up to a full interval.
func (r *Reconciler) pollDelay(d time.Duration, deadline time.Time) time.Duration {
	remaining := deadline.Sub(r.clock.Now())
	if remaining < 0 {
		return 0
	}
	if remaining < d {
		return remaining
	}
	return d
}

// isComplete evaluates the completion heuristics in priority order.
func (r *Reconciler) isComplete(resp crawl.StatusResponse, now, start, lastProgressAt time.Time) bool {
	if resp.Status == crawl.RemoteCompleted && resp.Next == "" {
		return true
	}
	if resp.Status == crawl.RemoteScraping && resp.Next == "" && resp.Total > 0 && resp.Completed >= resp.Total {
		return true
	}
	if resp.Total <= 0 {
		return false
	}
	ratio := float64(resp.Completed) / float64(resp.Total)
	stalled := now.Sub(lastProgressAt)
	elapsed := now.Sub(start).Seconds()
	rate := 0.0
	if elapsed > 0 {
		rate = float64(resp.Completed) / elapsed
	}
	switch {
	case stalled >= r.cfg.StallWindow && ratio >= r.cfg.NearCompleteRatio:
		return true
	case stalled >= r.cfg.StallWindow && ratio >= r.cfg.HighCompleteRatio && rate < r.cfg.MinCompletionRate:
		return true
	case stalled >= r.cfg.LongStallWindow && ratio >= r.cfg.LowCompleteRatio:
		return true
	}
	return false
}

// finish marks the job completed, stores its manifest, and fires the
// best-effort side channels before the closing event.
func (r *Reconciler) finish(ctx context.Context, job crawl.Job, em *emitter) error {
	now := r.clock.Now()
	status := crawl.StatusCompleted
	updated, err := r.jobs.UpdateJob(ctx, job.ID, crawl.Update{Status: &status, CompletedAt: &now})
	if err != nil {
		r.logger.Warn("completion update failed", zap.String("job_id", job.ID), zap.Error(err))
		updated = job
		updated.Status = status
		updated.CompletedAt = &now
	}
	if err := r.manifests.Put(ctx, jobstore.FromJob(updated, now)); err != nil {
		r.logger.Warn("manifest write failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	r.notify(ctx, updated)
	r.archiveJob(ctx, updated)
	metrics.ObserveJob(string(status))

	em.emit(Event{Type: EventComplete, Completed: updated.CompletedPages, Total: updated.TotalPages, CreditsUsed: updated.CreditsUsed})
	return nil
}

// fail marks the job failed and closes the stream with one error event.
func (r *Reconciler) fail(ctx context.Context, jobID, msg string, em *emitter) error {
	now := r.clock.Now()
	status := crawl.StatusFailed
	updated, err := r.jobs.UpdateJob(ctx, jobID, crawl.Update{Status: &status, FailedAt: &now, Error: &msg})
	if err != nil {
		r.logger.Warn("failure update failed", zap.String("job_id", jobID), zap.Error(err))
	} else {
		r.notify(ctx, updated)
	}
	metrics.ObserveJob(string(status))

	em.emit(Event{Type: EventError, Message: msg})
	return nil
}

// notify publishes a terminal-state notification best-effort.
func (r *Reconciler) notify(ctx context.Context, job crawl.Job) {
	if r.publisher == nil || r.topic == "" {
		return
	}
	payload := map[string]any{
		"job_id":    job.ID,
		"status":    string(job.Status),
		"start_url": job.StartURL,
		"completed": job.CompletedPages,
		"total":     job.TotalPages,
	}
	if _, err := r.publisher.Publish(ctx, r.topic, payload); err != nil {
		r.logger.Warn("job notification publish failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// archiveJob stores the terminal job record as a JSON artifact best-effort.
func (r *Reconciler) archiveJob(ctx context.Context, job crawl.Job) {
	raw, err := json.Marshal(job)
	if err != nil {
		return
	}
	name := "crawls/" + job.ID + ".json"
	if err := r.archive.Save(ctx, name, raw); err != nil {
		r.logger.Warn("job archive failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// gatewayError reports whether err is an intermediary failure the stream
// tolerates silently below the error threshold.
func gatewayError(err error) bool {
	var statusErr *provider.StatusError
	return errors.As(err, &statusErr) && statusErr.Gateway()
}

func (r *Reconciler) logPollError(jobID string, consec int, err error) {
	if gatewayError(err) {
		// Gateway blips are routine during long renders; stay quiet below the
		// failure threshold.
		r.logger.Debug("gateway error while polling",
			zap.String("job_id", jobID),
			zap.Int("consecutive", consec),
		)
		return
	}
	r.logger.Warn("provider poll failed",
		zap.String("job_id", jobID),
		zap.Int("consecutive", consec),
		zap.Error(err),
	)
}

// backoff returns the retry delay after n consecutive errors.
func (r *Reconciler) backoff(n int) time.Duration {
	d := r.cfg.PollInterval
	for i := 1; i < n; i++ {
		d *= 2
		if d >= r.cfg.MaxBackoff {
			return r.cfg.MaxBackoff
		}
	}
	if d > r.cfg.MaxBackoff {
		return r.cfg.MaxBackoff
	}
	return d
}

// sleep waits for d or until ctx is canceled, reporting whether to continue.
func (r *Reconciler) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// emitter stamps, validates, and counts events for one stream.
type emitter struct {
	sink   Sink
	jobID  string
	clock  clock.Clock
	logger *zap.Logger
}

func (e *emitter) emit(event Event) error {
	event.JobID = e.jobID
	event.Timestamp = e.clock.Now()
	if err := event.Validate(); err != nil {
		e.logger.Error("dropping invalid stream event", zap.Error(err))
		return nil
	}
	if err := e.sink.Send(event); err != nil {
		e.logger.Debug("stream consumer gone", zap.String("job_id", e.jobID), zap.Error(err))
		return err
	}
	metrics.ObserveStreamEvent(string(event.Type))
	return nil
}
