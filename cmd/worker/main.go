package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mozilla/addons-server-sub004/internal/cache"
	"github.com/mozilla/addons-server-sub004/internal/config"
	"github.com/mozilla/addons-server-sub004/internal/db"
	"github.com/mozilla/addons-server-sub004/internal/db/repository"
	"github.com/mozilla/addons-server-sub004/internal/events"
	"github.com/mozilla/addons-server-sub004/internal/lifecycle"
	"github.com/mozilla/addons-server-sub004/internal/metrics"
	"github.com/mozilla/addons-server-sub004/internal/queue"
	"github.com/mozilla/addons-server-sub004/internal/remotesettings"
	"github.com/mozilla/addons-server-sub004/internal/risk"
	"github.com/mozilla/addons-server-sub004/internal/service"
	"github.com/mozilla/addons-server-sub004/internal/signing"
	"github.com/mozilla/addons-server-sub004/internal/storage"
	"github.com/mozilla/addons-server-sub004/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg); err != nil {
		logger.L().Fatal("worker exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config) error {
	ctx := context.Background()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer pool.Close()

	redisClient, err := queue.NewRedisClient(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("initialize redis client: %w", err)
	}
	defer func() { _ = redisClient.Close() }()

	queueClient, err := queue.NewClient(cfg.Redis.URL, cfg.Queue)
	if err != nil {
		return fmt.Errorf("initialize queue client: %w", err)
	}
	defer func() { _ = queueClient.Close() }()

	var publisher events.Publisher = events.Nop{}
	if cfg.RabbitMQ.Host != "" {
		amqpPublisher, err := events.NewAMQPPublisher(cfg.RabbitMQ)
		if err != nil {
			return fmt.Errorf("initialize event publisher: %w", err)
		}
		defer func() { _ = amqpPublisher.Close() }()
		publisher = events.Logging{Next: amqpPublisher}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	policy := queue.RetryPolicy(cfg.Queue)
	tx := db.NewTransactor(pool)
	blocks := repository.NewBlockRepository(pool)
	catalog := repository.NewCatalogRepository(pool)

	submissions := service.NewSubmissionService(service.SubmissionDeps{
		Tx:          tx,
		Submissions: repository.NewSubmissionRepository(pool),
		Blocks:      blocks,
		Catalog:     catalog,
		Users:       repository.NewUserRepository(pool),
		Audit:       repository.NewAuditRepository(pool),
		Lifecycle:   lifecycle.NewPostgresLifecycle(pool),
		Assessor:    risk.NewAssessor(cfg.Blocklist.SignoffThreshold, cfg.Blocklist.AllowSelfSignoff),
		Tasks:       queueClient,
		Cache:       cache.NewBlockStatusCache(redisClient, blocks),
		Events:      publisher,
		Metrics:     m,
		Concurrency: cfg.Blocklist.PublishConcurrency,
		TaskUserID:  cfg.Blocklist.TaskUserID,
		Retry:       policy,
	})

	store, err := storage.NewLocalStore(cfg.MLBF.StoragePath)
	if err != nil {
		return fmt.Errorf("initialize generation storage: %w", err)
	}

	filterDeps := service.FilterPublisherDeps{
		Tx:                   tx,
		Catalog:              catalog,
		Config:               repository.NewConfigRepository(pool),
		Store:                store,
		Distributor:          remotesettings.NewClient(cfg.RemoteSettings, policy),
		Tasks:                queueClient,
		Events:               publisher,
		Metrics:              m,
		BaseReplaceThreshold: cfg.Blocklist.BaseReplaceThreshold,
		LayerCap:             cfg.MLBF.LayerCap,
		SaltBytes:            cfg.MLBF.SaltBytes,
		Retention:            cfg.MLBF.Retention,
	}
	if cfg.Signing.URL != "" {
		filterDeps.Signer = signing.NewHTTPSigner(cfg.Signing.URL, cfg.Signing.Token, cfg.Signing.KeyID, cfg.Signing.Timeout, policy)
	} else {
		logger.L().Warn("signing not configured, filters will be published unsigned")
	}
	if cfg.MLBF.S3Bucket != "" {
		mirror, err := storage.NewS3Mirror(ctx, cfg.MLBF.S3Bucket, cfg.MLBF.S3Prefix, cfg.MLBF.S3Region)
		if err != nil {
			return fmt.Errorf("initialize s3 mirror: %w", err)
		}
		filterDeps.Mirror = mirror
		logger.L().Info("mirroring generations to s3",
			zap.String("bucket", cfg.MLBF.S3Bucket),
			zap.String("prefix", cfg.MLBF.S3Prefix),
		)
	}
	filters := service.NewFilterPublisher(filterDeps)

	server, err := queue.NewServer(cfg.Redis.URL, cfg.Queue, queue.NewTaskHandler(submissions, filters))
	if err != nil {
		return fmt.Errorf("create queue server: %w", err)
	}
	scheduler, err := queue.NewScheduler(cfg.Redis.URL, cfg.Queue)
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	if err := server.Start(); err != nil {
		return fmt.Errorf("start queue server: %w", err)
	}
	defer server.Stop()

	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer scheduler.Stop()

	metricsErr := make(chan error, 1)
	var metricsServer *http.Server
	if cfg.Queue.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{
			Addr:              ":" + strconv.Itoa(cfg.Queue.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				metricsErr <- err
			}
		}()
	}

	logger.L().Info("worker started",
		zap.Int("concurrency", cfg.Queue.Concurrency),
		zap.String("publish_due_spec", cfg.Queue.PublishDueSpec),
		zap.String("generate_spec", cfg.Queue.GenerateSpec),
	)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-metricsErr:
		return fmt.Errorf("metrics server error: %w", err)
	case sig := <-shutdown:
		logger.L().Info("shutdown signal received", zap.String("signal", sig.String()))
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	logger.L().Info("worker stopped gracefully")
	return nil
}
