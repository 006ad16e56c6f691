package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lexrag/retrievald/internal/admission"
	"github.com/lexrag/retrievald/internal/chunking"
	"github.com/lexrag/retrievald/internal/circuitbreaker"
	"github.com/lexrag/retrievald/internal/config"
	"github.com/lexrag/retrievald/internal/embeddings"
	"github.com/lexrag/retrievald/internal/fanout"
	"github.com/lexrag/retrievald/internal/gateway"
	"github.com/lexrag/retrievald/internal/health"
	"github.com/lexrag/retrievald/internal/httpapi"
	"github.com/lexrag/retrievald/internal/retrieval"
	"github.com/lexrag/retrievald/internal/tracing"
	"github.com/lexrag/retrievald/internal/vectordb"
)

func main() {
	ctx := context.Background()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Configuration with hot-reload
	watcher, err := config.NewWatcher(config.Path(), logger)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	defer watcher.Stop()
	cfg := watcher.Current()

	circuitbreaker.StartMetricsCollection()

	if err := tracing.Initialize(cfg.Tracing, logger); err != nil {
		logger.Warn("Tracing initialization failed, continuing without export", zap.Error(err))
	}

	// Admission: credentials from config, AUTH token for the admin surface
	keyring := admission.NewKeyring(cfg.Credentials, logger)
	controller := admission.NewController(cfg.Admission, keyring, logger)
	watcher.OnChange(func(c *config.Config) error {
		controller.UpdateLimits(c.Admission)
		return nil
	})
	if err := watcher.Start(); err != nil {
		logger.Warn("Config watcher start failed, hot-reload disabled", zap.Error(err))
	}

	// Embedding cache, optional Redis second tier, provider client
	cache := embeddings.NewCache(cfg.Embeddings.Cache, logger)
	defer cache.Close()

	var second embeddings.SecondTier
	var redisCache *embeddings.RedisCache
	if cfg.Embeddings.EnableRedis {
		redisCache, err = embeddings.NewRedisCache(cfg.Embeddings.RedisAddr, os.Getenv("REDIS_PASSWORD"), logger)
		if err != nil {
			logger.Warn("Redis cache unavailable, continuing with in-process cache only", zap.Error(err))
		} else {
			second = redisCache
			defer redisCache.Close()
		}
	}
	embedder := embeddings.NewService(cfg.Embeddings, cache, second, logger)

	// Vector store
	vdb := vectordb.NewClient(cfg.VectorDB, logger)
	if err := vdb.ValidateEmbeddingDimensions(ctx); err != nil {
		logger.Fatal("Vector collection dimension validation failed", zap.Error(err))
	}

	// Retrieval pipeline
	runner := fanout.NewRunner(cfg.Fanout, logger)
	optimizer := retrieval.NewOptimizer(cfg.Retrieval, vdb, runner, logger)
	chunker := chunking.NewEngine(cfg.Chunking, logger)
	gw := gateway.New(controller, chunker, embedder, optimizer, vdb, logger)

	// Health checks
	hm := health.NewManager(30*time.Second, logger)
	if cfg.Embeddings.BaseURL != "" {
		_ = hm.RegisterChecker(health.NewHTTPDependencyChecker(
			"embedding-provider", cfg.Embeddings.BaseURL+"/health", true, logger))
	}
	_ = hm.RegisterChecker(health.NewCacheChecker(
		"embedding-cache", cache.Len, cfg.Embeddings.Cache.MaxSize))
	if redisCache != nil {
		_ = hm.RegisterChecker(health.NewRedisHealthChecker(
			redisCache.Client(), redisCache.Wrapper(), logger))
	}
	if err := hm.Start(ctx); err != nil {
		logger.Warn("Health manager start failed", zap.Error(err))
	}
	defer hm.Stop()

	// HTTP servers: serving API + admin + health on one mux, metrics on another
	mux := http.NewServeMux()
	httpapi.NewAPIHandler(gw, logger).RegisterRoutes(mux)
	httpapi.NewAdminHandler(controller, watcher.Current, vdb, logger, os.Getenv("ADMIN_TOKEN")).RegisterRoutes(mux)
	health.NewHTTPHandler(hm, logger).RegisterRoutes(mux)

	adminSrv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Service.AdminPort),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("HTTP server listening", zap.Int("port", cfg.Service.AdminPort))
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", zap.Error(err))
		}
	}()

	metricsSrv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Service.MetricsPort),
		Handler: promhttp.Handler(),
	}
	go func() {
		logger.Info("Metrics server listening", zap.Int("port", cfg.Service.MetricsPort))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Metrics server shutdown failed", zap.Error(err))
	}
}
