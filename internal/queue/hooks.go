package queue

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/mozilla/addons-server-sub004/pkg/logger"
)

// logTask wraps every task with start and completion logs.
func logTask(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, task *asynq.Task) error {
		taskID, _ := asynq.GetTaskID(ctx)
		retried, _ := asynq.GetRetryCount(ctx)
		log := logger.L().With(
			zap.String("type", task.Type()),
			zap.String("task_id", taskID),
			zap.Int("retried", retried),
		)

		start := time.Now()
		log.Debug("Processing task")

		err := next.ProcessTask(ctx, task)
		if err != nil {
			log.Warn("Task returned error", zap.Duration("duration", time.Since(start)), zap.Error(err))
			return err
		}
		log.Info("Task completed", zap.Duration("duration", time.Since(start)))
		return nil
	})
}
