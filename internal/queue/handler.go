package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/mozilla/addons-server-sub004/internal/db"
	"github.com/mozilla/addons-server-sub004/internal/mlbf"
	"github.com/mozilla/addons-server-sub004/internal/service"
	"github.com/mozilla/addons-server-sub004/internal/storage"
	"github.com/mozilla/addons-server-sub004/pkg/logger"
)

// SubmissionPublisher is the submission side of the task handler.
type SubmissionPublisher interface {
	Publish(ctx context.Context, id int64) error
	PublishDue(ctx context.Context) (int, error)
}

// FilterJobs is the filter side of the task handler.
type FilterJobs interface {
	Generate(ctx context.Context, forceBase bool) (*storage.Metadata, error)
	Upload(ctx context.Context, generationID int64, actions []mlbf.Action) error
	Cleanup(ctx context.Context, baseFilterID int64) ([]int64, error)
}

// TaskHandler handles every blocklist task type
type TaskHandler struct {
	submissions SubmissionPublisher
	filters     FilterJobs
}

// NewTaskHandler creates a new task handler
func NewTaskHandler(submissions SubmissionPublisher, filters FilterJobs) *TaskHandler {
	return &TaskHandler{submissions: submissions, filters: filters}
}

// Register adds the handlers to mux.
func (h *TaskHandler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypePublishSubmission, h.HandlePublishSubmission)
	mux.HandleFunc(TypePublishDue, h.HandlePublishDue)
	mux.HandleFunc(TypeGenerateFilter, h.HandleGenerateFilter)
	mux.HandleFunc(TypeUploadFilter, h.HandleUploadFilter)
	mux.HandleFunc(TypeCleanupFiles, h.HandleCleanupFiles)
}

// HandlePublishSubmission publishes one submission. A submission that is not
// ready yet completes the task; the publish_due sweep picks it up later.
func (h *TaskHandler) HandlePublishSubmission(ctx context.Context, task *asynq.Task) error {
	var payload PublishSubmissionPayload
	if err := unmarshalPayload(task.Payload(), &payload); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	err := h.submissions.Publish(ctx, payload.SubmissionID)
	if service.IsNotReady(err) {
		logger.L().Info("Submission not ready, leaving it to the due sweep",
			zap.Int64("submission_id", payload.SubmissionID),
			zap.Error(err),
		)
		return nil
	}
	return classify(err)
}

// HandlePublishDue enqueues every due submission.
func (h *TaskHandler) HandlePublishDue(ctx context.Context, _ *asynq.Task) error {
	_, err := h.submissions.PublishDue(ctx)
	return classify(err)
}

// HandleGenerateFilter builds a new generation when blocks changed.
func (h *TaskHandler) HandleGenerateFilter(ctx context.Context, task *asynq.Task) error {
	var payload GenerateFilterPayload
	if err := unmarshalPayload(task.Payload(), &payload); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	_, err := h.filters.Generate(ctx, payload.ForceBase)
	return classify(err)
}

// HandleUploadFilter uploads a generation.
func (h *TaskHandler) HandleUploadFilter(ctx context.Context, task *asynq.Task) error {
	var payload UploadFilterPayload
	if err := unmarshalPayload(task.Payload(), &payload); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	return classify(h.filters.Upload(ctx, payload.GenerationID, payload.Actions))
}

// HandleCleanupFiles removes generations past retention.
func (h *TaskHandler) HandleCleanupFiles(ctx context.Context, task *asynq.Task) error {
	var payload CleanupFilesPayload
	if err := unmarshalPayload(task.Payload(), &payload); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	_, err := h.filters.Cleanup(ctx, payload.BaseFilterID)
	return classify(err)
}

// classify marks errors a retry cannot fix with asynq.SkipRetry. Everything
// else, transient collaborator failures and rolled back guids included, is
// retried under the queue's policy.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var cerr *service.ConsistencyError
	if errors.As(err, &cerr) {
		return err
	}

	var valErr *service.ValidationError
	var permErr *service.PermissionError
	switch {
	case errors.As(err, &valErr),
		errors.As(err, &permErr),
		errors.Is(err, service.ErrInvalidState),
		errors.Is(err, mlbf.ErrVerification),
		db.IsNotFound(err):
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return err
}
