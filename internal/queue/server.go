package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/mozilla/addons-server-sub004/internal/config"
	"github.com/mozilla/addons-server-sub004/internal/retry"
	"github.com/mozilla/addons-server-sub004/pkg/logger"
)

// RetryPolicy turns the queue configuration into a retry policy.
func RetryPolicy(cfg config.QueueConfig) retry.Policy {
	p := retry.Policy{
		MaxAttempts: cfg.MaxAttempts,
		BaseBackoff: cfg.BaseBackoff,
		MaxBackoff:  cfg.MaxBackoff,
		Jitter:      cfg.Jitter,
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = retry.DefaultPolicy.MaxAttempts
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = retry.DefaultPolicy.BaseBackoff
	}
	return p
}

// MaxRetry is the asynq retry count for p: every attempt after the first.
func MaxRetry(p retry.Policy) int {
	return max(p.MaxAttempts-1, 0)
}

// RetryDelayFunc returns an asynq.RetryDelayFunc following p.
func RetryDelayFunc(p retry.Policy) asynq.RetryDelayFunc {
	return func(n int, _ error, _ *asynq.Task) time.Duration {
		return p.Delay(n + 1)
	}
}

// Server wraps asynq server for processing tasks
type Server struct {
	asynqServer *asynq.Server
	mux         *asynq.ServeMux
}

// NewServer creates a new task processing server
func NewServer(redisURL string, cfg config.QueueConfig, handler *TaskHandler) (*Server, error) {
	// Parse Redis URL to extract connection details (host, password, db, TLS)
	redisOpt, err := ParseRedisURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	srv := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				QueueSubmissions: 6,
				QueueFilters:     3,
				"default":        1,
			},
			RetryDelayFunc: RetryDelayFunc(RetryPolicy(cfg)),
			Logger:         logger.L().Sugar(),
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				fields := []zap.Field{
					zap.String("type", task.Type()),
					zap.Int("retried", retried),
					zap.Int("max_retry", maxRetry),
					zap.Error(err),
				}
				if errors.Is(err, asynq.SkipRetry) || retried >= maxRetry {
					logger.L().Error("Task failed permanently", fields...)
					return
				}
				logger.L().Warn("Task failed, will retry", fields...)
			}),
		},
	)

	mux := asynq.NewServeMux()
	mux.Use(logTask)
	handler.Register(mux)

	return &Server{
		asynqServer: srv,
		mux:         mux,
	}, nil
}

// Start starts the server
func (s *Server) Start() error {
	logger.L().Info("Starting task processing server")
	return s.asynqServer.Start(s.mux)
}

// Stop gracefully stops the server
func (s *Server) Stop() {
	logger.L().Info("Shutting down task processing server")
	s.asynqServer.Shutdown()
}

// Scheduler enqueues the periodic jobs.
type Scheduler struct {
	scheduler *asynq.Scheduler
}

// NewScheduler registers the due-submission sweep and the periodic filter
// generation.
func NewScheduler(redisURL string, cfg config.QueueConfig) (*Scheduler, error) {
	redisOpt, err := ParseRedisURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	s := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Logger: logger.L().Sugar(),
		EnqueueErrorHandler: func(task *asynq.Task, _ []asynq.Option, err error) {
			if errors.Is(err, asynq.ErrDuplicateTask) {
				return
			}
			logger.L().Error("Failed to enqueue scheduled task", zap.String("type", task.Type()), zap.Error(err))
		},
	})

	entries := []struct {
		spec string
		task *asynq.Task
		opts []asynq.Option
	}{
		{cfg.PublishDueSpec, asynq.NewTask(TypePublishDue, nil), []asynq.Option{asynq.Queue(QueueSubmissions)}},
		{cfg.GenerateSpec, asynq.NewTask(TypeGenerateFilter, []byte(`{"force_base":false}`)), []asynq.Option{
			asynq.Queue(QueueFilters), asynq.Unique(generateUniqueTTL),
		}},
	}
	for _, e := range entries {
		if e.spec == "" {
			continue
		}
		id, err := s.Register(e.spec, e.task, e.opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to register %s schedule %q: %w", e.task.Type(), e.spec, err)
		}
		logger.L().Info("Registered periodic task",
			zap.String("type", e.task.Type()),
			zap.String("spec", e.spec),
			zap.String("entry_id", id),
		)
	}

	return &Scheduler{scheduler: s}, nil
}

// Start starts the scheduler
func (s *Scheduler) Start() error {
	return s.scheduler.Start()
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	s.scheduler.Shutdown()
}
