// Package main wires together the crawl cache service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/zoras/llm-codes/internal/api"
	"github.com/zoras/llm-codes/internal/breaker"
	"github.com/zoras/llm-codes/internal/cache"
	"github.com/zoras/llm-codes/internal/clock"
	"github.com/zoras/llm-codes/internal/config"
	"github.com/zoras/llm-codes/internal/crawl"
	"github.com/zoras/llm-codes/internal/id"
	"github.com/zoras/llm-codes/internal/jobstore"
	"github.com/zoras/llm-codes/internal/kv"
	badgerkv "github.com/zoras/llm-codes/internal/kv/badger"
	memorykv "github.com/zoras/llm-codes/internal/kv/memory"
	postgreskv "github.com/zoras/llm-codes/internal/kv/postgres"
	"github.com/zoras/llm-codes/internal/lock"
	"github.com/zoras/llm-codes/internal/logging"
	"github.com/zoras/llm-codes/internal/metrics"
	"github.com/zoras/llm-codes/internal/provider"
	"github.com/zoras/llm-codes/internal/publisher"
	"github.com/zoras/llm-codes/internal/reconcile"
	"github.com/zoras/llm-codes/internal/service"
	"github.com/zoras/llm-codes/internal/storage"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(logging.Config{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("durable store init failed", zap.Error(err))
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Error("durable store close failed", zap.Error(closeErr))
		}
	}()

	clk := clock.NewSystem()
	pages := cache.New(store, cache.Config{
		FastTTL:              time.Duration(cfg.Cache.FastTTLSeconds) * time.Second,
		DurableTTL:           time.Duration(cfg.Cache.DurableTTLHours) * time.Hour,
		CompressionThreshold: cfg.Cache.CompressionThreshold,
		SlowOpThreshold:      time.Duration(cfg.Cache.SlowOpThresholdMs) * time.Millisecond,
		LatencyWindow:        cfg.Cache.LatencyWindow,
	}, clk, logger.Named("cache"))
	defer pages.Close()

	locker := lock.New(store, logger.Named("lock"))
	br := breaker.New("provider", breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		OpenTimeout:      time.Duration(cfg.Breaker.OpenTimeoutSeconds) * time.Second,
		HalfOpenRequests: cfg.Breaker.HalfOpenRequests,
	}, store, clk, logger.Named("breaker"))

	prov := provider.New(provider.Config{
		BaseURL: cfg.Provider.BaseURL,
		APIKey:  cfg.Provider.APIKey,
		Timeout: cfg.ProviderTimeout(),
	}, br, logger.Named("provider"))

	jobs := jobstore.New(store, time.Duration(cfg.Crawl.JobTTLHours)*time.Hour, logger.Named("jobstore"))
	manifests := jobstore.NewManifestStore(store, time.Duration(cfg.Cache.DurableTTLHours)*time.Hour)

	var pub crawl.Publisher
	if cfg.PubSub.Enabled {
		ps, err := publisher.NewPubSub(ctx, cfg.PubSub.ProjectID, logger.Named("publisher"))
		if err != nil {
			logger.Fatal("pubsub init failed", zap.Error(err))
		}
		defer func() {
			if closeErr := ps.Close(); closeErr != nil {
				logger.Error("pubsub close failed", zap.Error(closeErr))
			}
		}()
		pub = ps
	}

	archive, err := openArchive(ctx, cfg)
	if err != nil {
		logger.Fatal("archive init failed", zap.Error(err))
	}
	defer func() {
		if closeErr := archive.Close(); closeErr != nil {
			logger.Error("archive close failed", zap.Error(closeErr))
		}
	}()

	svc := service.New(jobs, manifests, pages, locker, prov, id.NewUUIDGenerator(), service.Config{
		CrawlLimit:    cfg.Crawl.Limit,
		LockTTL:       time.Duration(cfg.Crawl.LockTTLMinutes) * time.Minute,
		LockWait:      time.Duration(cfg.Crawl.LockWaitSeconds) * time.Second,
		SpotCheckSize: cfg.Crawl.SpotCheckSize,
	}, clk, logger.Named("service"))

	reconciler := reconcile.New(jobs, manifests, pages, prov, pub, archive, cfg.PubSub.TopicName, reconcile.Config{
		PollInterval:      time.Duration(cfg.Reconciler.PollIntervalSeconds) * time.Second,
		MaxPollDuration:   time.Duration(cfg.Reconciler.MaxPollDurationMinutes) * time.Minute,
		StallWindow:       time.Duration(cfg.Reconciler.StallWindowSeconds) * time.Second,
		LongStallWindow:   time.Duration(cfg.Reconciler.LongStallWindowSeconds) * time.Second,
		NearCompleteRatio: cfg.Reconciler.NearCompleteRatio,
		HighCompleteRatio: cfg.Reconciler.HighCompleteRatio,
		LowCompleteRatio:  cfg.Reconciler.LowCompleteRatio,
		MinCompletionRate: cfg.Reconciler.MinCompletionRate,
		ErrorThreshold:    cfg.Reconciler.ErrorThreshold,
		MaxBackoff:        time.Duration(cfg.Reconciler.MaxBackoffSeconds) * time.Second,
		MinContentLength:  cfg.Crawl.MinContentLength,
	}, clk, logger.Named("reconcile"))

	apiServer := api.NewServer(svc, reconciler, pages.Stats(), cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (kv.Store, error) {
	switch cfg.KV.Backend {
	case "badger":
		return badgerkv.New(badgerkv.Config{
			Path:       cfg.KV.BadgerPath,
			SyncWrites: cfg.KV.SyncWrites,
		}, logger.Named("badger"))
	case "postgres":
		return postgreskv.Connect(ctx, cfg.KV.DSN)
	case "memory":
		return memorykv.New(), nil
	default:
		return nil, fmt.Errorf("unknown kv backend %q", cfg.KV.Backend)
	}
}

func openArchive(ctx context.Context, cfg config.Config) (storage.Provider, error) {
	switch cfg.Archive.Backend {
	case "gcs":
		return storage.NewGCS(ctx, cfg.Archive.GCSBucket, cfg.Archive.Prefix)
	case "local":
		return storage.NewLocal(cfg.Archive.LocalDir)
	default:
		return storage.NewNoOp(), nil
	}
}
