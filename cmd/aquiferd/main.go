package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/limnolab/aquifer/pkg/api"
	"github.com/limnolab/aquifer/pkg/cache"
	"github.com/limnolab/aquifer/pkg/config"
	"github.com/limnolab/aquifer/pkg/purge"
	"github.com/limnolab/aquifer/pkg/serve"
	"github.com/limnolab/aquifer/pkg/shard"
	"github.com/limnolab/aquifer/pkg/store"
	"github.com/limnolab/aquifer/pkg/warmer"
)

// statsInterval paces the cache and warming snapshots pushed to
// websocket subscribers.
const statsInterval = 5 * time.Second

func main() {
	cfg := config.FromEnv()

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("building logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Infow("starting aquifer",
		"addr", cfg.Addr(),
		"db", cfg.DBPath,
		"shared_cache", cfg.SharedCachePath,
		"response_ttl", cfg.ResponseTTL,
		"local_max_entries", cfg.LocalMaxEntries,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if dir := filepath.Dir(cfg.DBPath); cfg.DBPath != ":memory:" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Fatalw("creating data directory", "dir", dir, "error", err)
		}
	}

	db, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		logger.Fatalw("opening measurement store", "path", cfg.DBPath, "error", err)
	}
	defer db.Close()

	reg := prometheus.NewRegistry()

	cacheMetrics := cache.NewMetrics(reg)
	local := cache.NewMemory(cache.MemoryConfig{
		MaxEntries: cfg.LocalMaxEntries,
		DefaultTTL: cfg.ResponseTTL,
	}, cacheMetrics)

	// The shared tier is optional. Keeping the concrete pointer and the
	// interface value separate avoids handing NewHybrid a typed nil.
	var shared *cache.Badger
	var sharedTier cache.Tier
	if cfg.SharedCachePath != "" {
		path := cfg.SharedCachePath
		if path == ":memory:" {
			path = ""
		}
		shared, err = cache.NewBadger(cache.BadgerConfig{
			Path:        path,
			MaxMemoryMB: cfg.MaxMemoryMB,
		}, logger)
		if err != nil {
			logger.Fatalw("opening shared cache", "path", cfg.SharedCachePath, "error", err)
		}
		sharedTier = shared
		logger.Infow("shared cache open", "path", cfg.SharedCachePath, "max_memory_mb", cfg.MaxMemoryMB)
	} else {
		logger.Infow("no shared cache configured, running local-only")
	}

	hybrid := cache.NewHybrid(local, sharedTier, cache.HybridConfig{}, logger, cacheMetrics)
	defer hybrid.Close()

	shards := shard.New(hybrid, shard.RangeLoader(db.LoadRange), shard.Config{}, logger)
	notifier := purge.NewNotifier(cfg.PurgeURL, 0, logger)

	engine := serve.New(hybrid, shards, notifier,
		serve.Config{ResponseTTL: cfg.ResponseTTL}, logger, serve.NewMetrics(reg))

	var catalog *warmer.Catalog
	if cfg.WarmingCatalog != "" {
		catalog, err = warmer.LoadCatalog(cfg.WarmingCatalog)
		if err != nil {
			logger.Fatalw("loading warming catalog", "path", cfg.WarmingCatalog, "error", err)
		}
		logger.Infow("warming catalog loaded", "path", cfg.WarmingCatalog, "patterns", len(catalog.Patterns))
	}

	warm := warmer.New(catalog, warmer.Config{MaxWorkers: cfg.WarmWorkers}, logger, warmer.NewMetrics(reg))
	defer warm.Close()
	engine.RegisterWarmers(warm)

	hub := api.NewHub(logger)

	handler := api.NewHandler(api.Deps{
		Engine:  engine,
		Warmer:  warm,
		Store:   db,
		Shared:  shared,
		Hub:     hub,
		Metrics: reg,
	}, logger)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		api.BroadcastStats(ctx, hub, engine, warm, statsInterval)
	}()

	if catalog != nil && len(catalog.Patterns) > 0 {
		if cfg.WarmInterval > 0 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				warm.RunScheduler(ctx, cfg.WarmInterval)
			}()
			logger.Infow("warming scheduler started", "interval", cfg.WarmInterval)
		}

		// One pass at startup so the first queries after a restart hit
		// primed caches instead of paying the cold-start cost.
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := warm.Warm(ctx)
			if err != nil {
				logger.Warnw("startup warm did not run", "error", err)
				return
			}
			logger.Infow("startup warm finished",
				"succeeded", result.Succeeded,
				"failed", result.Failed,
				"records", result.Records,
				"duration_ms", result.DurationMS,
			)
		}()
	}

	if shared != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runBadgerGC(ctx, shared, logger)
		}()
	}

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      handler.Router(),
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: config.ServerWriteTimeout,
	}

	go func() {
		logger.Infow("listening", "addr", cfg.Addr())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalw("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Infow("shutdown signal received")

	// Cancel before waiting or the background goroutines never exit.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("server shutdown", "error", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logger.Warnw("background tasks did not stop in time")
	}

	logger.Infow("aquifer exited")
}

// buildLogger constructs the process logger. Unknown level names fall
// back to info rather than refusing to start.
func buildLogger(level string) (*zap.SugaredLogger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

// runBadgerGC reclaims shared-tier disk space on a fixed cadence.
// Badger's LSM value log accumulates dead versions of rewritten shard
// payloads; without GC the on-disk footprint only grows.
func runBadgerGC(ctx context.Context, shared *cache.Badger, logger *zap.SugaredLogger) {
	ticker := time.NewTicker(config.BadgerGCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			err := shared.RunGC(config.BadgerGCDiscardRatio)
			switch {
			case errors.Is(err, badger.ErrNoRewrite):
				logger.Debugw("shared cache gc found nothing to collect")
			case err != nil:
				logger.Warnw("shared cache gc failed", "error", err)
			default:
				logger.Infow("shared cache gc reclaimed space",
					"elapsed", time.Since(start).Round(time.Millisecond))
			}
		}
	}
}
