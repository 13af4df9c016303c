package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mozilla/addons-server-sub004/internal/config"
	"github.com/mozilla/addons-server-sub004/internal/mlbf"
	"github.com/mozilla/addons-server-sub004/internal/retry"
)

type enqueued struct {
	task *asynq.Task
	opts map[asynq.OptionType]any
}

type fakeEnqueuer struct {
	tasks []enqueued
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	byType := make(map[asynq.OptionType]any, len(opts))
	for _, o := range opts {
		byType[o.Type()] = o.Value()
	}
	f.tasks = append(f.tasks, enqueued{task: task, opts: byType})
	return &asynq.TaskInfo{ID: "task-1", Queue: "q"}, nil
}

func (f *fakeEnqueuer) Close() error { return nil }

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		MaxAttempts:      4,
		BaseBackoff:      time.Second,
		MaxBackoff:       time.Minute,
		FilterJobTimeout: 20 * time.Minute,
	}
}

func TestClient_EnqueuePublishSubmission(t *testing.T) {
	fake := &fakeEnqueuer{}
	c := newClient(fake, testQueueConfig())
	at := time.Now().Add(-time.Minute)

	require.NoError(t, c.EnqueuePublishSubmission(context.Background(), 42, at))

	require.Len(t, fake.tasks, 1)
	got := fake.tasks[0]
	assert.Equal(t, TypePublishSubmission, got.task.Type())
	assert.JSONEq(t, `{"submission_id":42}`, string(got.task.Payload()))
	assert.Equal(t, QueueSubmissions, got.opts[asynq.QueueOpt])
	assert.Equal(t, at, got.opts[asynq.ProcessAtOpt])
	assert.Equal(t, 3, got.opts[asynq.MaxRetryOpt])
	assert.Equal(t, c.publishTTL, got.opts[asynq.UniqueOpt])
}

func TestClient_EnqueuePublishSubmission_UniqueCoversDelay(t *testing.T) {
	fake := &fakeEnqueuer{}
	c := newClient(fake, testQueueConfig())
	at := time.Now().Add(48 * time.Hour)

	require.NoError(t, c.EnqueuePublishSubmission(context.Background(), 7, at))

	require.Len(t, fake.tasks, 1)
	ttl, ok := fake.tasks[0].opts[asynq.UniqueOpt].(time.Duration)
	require.True(t, ok)
	assert.Greater(t, ttl, 47*time.Hour+c.publishTTL)
	assert.LessOrEqual(t, ttl, 48*time.Hour+c.publishTTL)
}

func TestClient_EnqueuePublishSubmission_DuplicateIsNotAnError(t *testing.T) {
	fake := &fakeEnqueuer{err: asynq.ErrDuplicateTask}
	c := newClient(fake, testQueueConfig())

	assert.NoError(t, c.EnqueuePublishSubmission(context.Background(), 42, time.Now()))

	fake.err = errors.New("redis down")
	assert.Error(t, c.EnqueuePublishSubmission(context.Background(), 42, time.Now()))
}

func TestClient_EnqueueUploadFilter(t *testing.T) {
	fake := &fakeEnqueuer{}
	c := newClient(fake, testQueueConfig())
	actions := []mlbf.Action{mlbf.ActionUploadBlockedFilter, mlbf.ActionClearStash}

	require.NoError(t, c.EnqueueUploadFilter(context.Background(), 1700000000000, actions))

	require.Len(t, fake.tasks, 1)
	got := fake.tasks[0]
	assert.Equal(t, QueueFilters, got.opts[asynq.QueueOpt])
	assert.Equal(t, 20*time.Minute, got.opts[asynq.TimeoutOpt])

	var payload UploadFilterPayload
	require.NoError(t, json.Unmarshal(got.task.Payload(), &payload))
	assert.Equal(t, int64(1700000000000), payload.GenerationID)
	assert.Equal(t, actions, payload.Actions)
}

func TestClient_RejectsInvalidPayloads(t *testing.T) {
	fake := &fakeEnqueuer{}
	c := newClient(fake, testQueueConfig())
	ctx := context.Background()

	assert.Error(t, c.EnqueuePublishSubmission(ctx, 0, time.Now()))
	assert.Error(t, c.EnqueueUploadFilter(ctx, 1, nil))
	assert.Error(t, c.EnqueueCleanup(ctx, 0))
	assert.Empty(t, fake.tasks)
}

func TestClient_EnqueueGenerateFilter_DuplicateIsNotAnError(t *testing.T) {
	fake := &fakeEnqueuer{err: asynq.ErrDuplicateTask}
	c := newClient(fake, testQueueConfig())

	assert.NoError(t, c.EnqueueGenerateFilter(context.Background(), false))

	fake.err = errors.New("redis down")
	assert.Error(t, c.EnqueueGenerateFilter(context.Background(), false))
}

func TestRetryPolicy(t *testing.T) {
	p := RetryPolicy(config.QueueConfig{})
	assert.Equal(t, retry.DefaultPolicy.MaxAttempts, p.MaxAttempts)
	assert.Equal(t, retry.DefaultPolicy.BaseBackoff, p.BaseBackoff)
	assert.Equal(t, retry.DefaultPolicy.MaxAttempts-1, MaxRetry(p))

	delay := RetryDelayFunc(retry.Policy{BaseBackoff: time.Second, MaxBackoff: 5 * time.Second})
	assert.Equal(t, time.Second, delay(0, nil, nil))
	assert.Equal(t, 4*time.Second, delay(2, nil, nil))
	assert.Equal(t, 5*time.Second, delay(10, nil, nil))
}
