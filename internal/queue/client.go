package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/mozilla/addons-server-sub004/internal/config"
	"github.com/mozilla/addons-server-sub004/internal/mlbf"
	"github.com/mozilla/addons-server-sub004/internal/retry"
	"github.com/mozilla/addons-server-sub004/pkg/logger"
)

// generateUniqueTTL collapses bursts of generation requests, one per
// published submission, into a single task.
const generateUniqueTTL = 5 * time.Minute

const publishTimeout = 5 * time.Minute

// enqueuer is the part of asynq.Client the queue client uses.
type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// Client wraps asynq client for enqueueing tasks
type Client struct {
	asynqClient enqueuer
	policy      retry.Policy
	filterTTL   time.Duration
	// publishTTL holds a submission's uniqueness lock through every retry.
	publishTTL time.Duration
}

// NewClient creates a new queue client
func NewClient(redisURL string, cfg config.QueueConfig) (*Client, error) {
	// Parse Redis URL to extract connection details (host, password, db, TLS)
	redisOpt, err := ParseRedisURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	return newClient(asynq.NewClient(redisOpt), cfg), nil
}

func newClient(e enqueuer, cfg config.QueueConfig) *Client {
	timeout := cfg.FilterJobTimeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	policy := RetryPolicy(cfg)
	maxBackoff := policy.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = retry.DefaultPolicy.MaxBackoff
	}
	return &Client{
		asynqClient: e,
		policy:      policy,
		filterTTL:   timeout,
		publishTTL:  time.Duration(policy.MaxAttempts) * (maxBackoff + publishTimeout),
	}
}

// Close closes the client connection
func (c *Client) Close() error {
	return c.asynqClient.Close()
}

// EnqueuePublishSubmission enqueues publication of a submission at processAt.
// While a publish task of the same submission is scheduled, queued, running
// or waiting for a retry, the request is dropped.
func (c *Client) EnqueuePublishSubmission(ctx context.Context, submissionID int64, processAt time.Time) error {
	payload, err := NewPublishSubmissionTask(submissionID)
	if err != nil {
		return fmt.Errorf("failed to create task payload: %w", err)
	}

	err = c.enqueue(ctx, TypePublishSubmission, payload,
		asynq.Queue(QueueSubmissions),
		asynq.ProcessAt(processAt),
		asynq.Timeout(publishTimeout),
		asynq.Unique(max(time.Until(processAt), 0)+c.publishTTL),
	)
	if errors.Is(err, asynq.ErrDuplicateTask) {
		logger.L().Debug("Submission publication already pending", zap.Int64("submission_id", submissionID))
		return nil
	}
	return err
}

// EnqueuePublishDue enqueues a sweep of due submissions.
func (c *Client) EnqueuePublishDue(ctx context.Context) error {
	return c.enqueue(ctx, TypePublishDue, nil, asynq.Queue(QueueSubmissions), asynq.Timeout(time.Minute))
}

// EnqueueGenerateFilter enqueues a filter generation. Requests made while an
// identical one is pending are dropped.
func (c *Client) EnqueueGenerateFilter(ctx context.Context, forceBase bool) error {
	err := c.enqueue(ctx, TypeGenerateFilter, &GenerateFilterPayload{ForceBase: forceBase},
		asynq.Queue(QueueFilters),
		asynq.Timeout(c.filterTTL),
		asynq.Unique(generateUniqueTTL),
	)
	if errors.Is(err, asynq.ErrDuplicateTask) {
		logger.L().Debug("Filter generation already pending", zap.Bool("force_base", forceBase))
		return nil
	}
	return err
}

// EnqueueUploadFilter enqueues the upload of a generation.
func (c *Client) EnqueueUploadFilter(ctx context.Context, generationID int64, actions []mlbf.Action) error {
	payload, err := NewUploadFilterTask(generationID, actions)
	if err != nil {
		return fmt.Errorf("failed to create task payload: %w", err)
	}

	return c.enqueue(ctx, TypeUploadFilter, payload,
		asynq.Queue(QueueFilters),
		asynq.Timeout(c.filterTTL),
	)
}

// EnqueueCleanup enqueues retention of generations older than baseFilterID.
func (c *Client) EnqueueCleanup(ctx context.Context, baseFilterID int64) error {
	payload, err := NewCleanupFilesTask(baseFilterID)
	if err != nil {
		return fmt.Errorf("failed to create task payload: %w", err)
	}

	return c.enqueue(ctx, TypeCleanupFiles, payload,
		asynq.Queue(QueueFilters),
		asynq.Timeout(10*time.Minute),
	)
}

func (c *Client) enqueue(ctx context.Context, taskType string, payload any, opts ...asynq.Option) error {
	var data []byte
	if payload != nil {
		var err error
		if data, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
	}

	opts = append(opts, asynq.MaxRetry(MaxRetry(c.policy)))
	info, err := c.asynqClient.EnqueueContext(ctx, asynq.NewTask(taskType, data), opts...)
	if err != nil {
		return fmt.Errorf("failed to enqueue %s task: %w", taskType, err)
	}

	logger.L().Info("Enqueued task",
		zap.String("type", taskType),
		zap.String("task_id", info.ID),
		zap.String("queue", info.Queue),
		zap.Time("process_at", info.NextProcessAt),
	)
	return nil
}
