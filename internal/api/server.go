// Package api exposes the HTTP interface for the crawl service.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zoras/llm-codes/internal/cache"
	"github.com/zoras/llm-codes/internal/config"
	"github.com/zoras/llm-codes/internal/jobstore"
	"github.com/zoras/llm-codes/internal/metrics"
	"github.com/zoras/llm-codes/internal/provider"
	"github.com/zoras/llm-codes/internal/reconcile"
	"github.com/zoras/llm-codes/internal/service"
)

const requestTimeout = 60 * time.Second

// Server wires HTTP handlers to the crawl service and reconciler.
type Server struct {
	router     chi.Router
	service    *service.CrawlService
	reconciler *reconcile.Reconciler
	stats      *cache.Stats
	logger     *zap.Logger
	cfg        config.Config
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	svc *service.CrawlService,
	reconciler *reconcile.Reconciler,
	stats *cache.Stats,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		service:    svc,
		reconciler: reconciler,
		stats:      stats,
		logger:     logger,
		cfg:        cfg,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		// The stream endpoint outlives the request timeout on purpose; the
		// timeout wrapper also swallows http.Flusher, so it stays outside.
		r.Get("/crawl/{job_id}/stream", s.streamJob)

		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(requestTimeout))
			r.Post("/crawl", s.startCrawl)
			r.Get("/crawl/{job_id}", s.getJob)
			r.Get("/crawl/{job_id}/results", s.getResults)
			r.Post("/cache/bootstrap", s.bootstrapCache)
			r.Get("/cache/stats", s.cacheStats)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type startCrawlRequest struct {
	URL string `json:"url"`
}

func (s *Server) startCrawl(w http.ResponseWriter, r *http.Request) {
	var req startCrawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		s.writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	job, err := s.service.StartCrawl(r.Context(), req.URL)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidURL):
			s.writeError(w, http.StatusBadRequest, "invalid url")
		case errors.Is(err, service.ErrCrawlInProgress):
			s.writeError(w, http.StatusConflict, "a crawl for this url is already in progress")
		case errors.Is(err, provider.ErrUnavailable):
			s.writeError(w, http.StatusServiceUnavailable, "crawl provider temporarily unavailable")
		default:
			s.logger.Error("start crawl failed", zap.String("url", req.URL), zap.Error(err))
			s.writeError(w, http.StatusBadGateway, "failed to start crawl")
		}
		return
	}
	status := http.StatusAccepted
	if job.Status.Terminal() {
		status = http.StatusOK
	}
	s.writeJSON(w, status, map[string]any{"job": job})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.service.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("get job failed", zap.String("job_id", jobID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) getResults(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	records, err := s.service.GetResults(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("get results failed", zap.String("job_id", jobID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load results")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "count": len(records), "records": records})
}

type bootstrapRequest struct {
	URL  string   `json:"url"`
	URLs []string `json:"urls"`
}

func (s *Server) bootstrapCache(w http.ResponseWriter, r *http.Request) {
	var req bootstrapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	res, err := s.service.Bootstrap(r.Context(), req.URL, req.URLs)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidURL):
			s.writeError(w, http.StatusBadRequest, "invalid url")
		case errors.Is(err, service.ErrEmptyBootstrap):
			s.writeError(w, http.StatusBadRequest, "urls list is required")
		default:
			s.logger.Error("bootstrap failed", zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, "bootstrap failed")
		}
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"stored":  res.Stored,
		"missing": res.Missing,
	})
}

func (s *Server) cacheStats(w http.ResponseWriter, _ *http.Request) {
	snap := s.stats.Snapshot()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"fast_hits":          snap.FastHits,
		"fast_misses":        snap.FastMisses,
		"durable_hits":       snap.DurableHits,
		"durable_misses":     snap.DurableMisses,
		"durable_errors":     snap.DurableErrors,
		"slow_ops":           snap.SlowOps,
		"average_latency_ms": snap.AverageLatency.Milliseconds(),
		"latency_samples":    snap.Samples,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := contextWithRequestID(r.Context(), reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec))
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
