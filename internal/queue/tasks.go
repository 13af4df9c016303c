// Package queue runs the blocklist background jobs on asynq: submission
// publication, filter generation and upload, and generation retention.
package queue

import (
	"encoding/json"
	"fmt"

	"github.com/mozilla/addons-server-sub004/internal/mlbf"
)

// Task types
const (
	TypePublishSubmission = "blocklist:publish_submission"
	TypePublishDue        = "blocklist:publish_due"
	TypeGenerateFilter    = "blocklist:generate_filter"
	TypeUploadFilter      = "blocklist:upload_filter"
	TypeCleanupFiles      = "blocklist:cleanup_files"
)

// Queue names. Filter jobs run on their own queue so a long cascade build
// never holds up submission publication.
const (
	QueueSubmissions = "submissions"
	QueueFilters     = "filters"
)

// PublishSubmissionPayload is the payload for submission publication tasks
type PublishSubmissionPayload struct {
	SubmissionID int64 `json:"submission_id"`
}

// GenerateFilterPayload is the payload for filter generation tasks
type GenerateFilterPayload struct {
	ForceBase bool `json:"force_base"`
}

// UploadFilterPayload is the payload for filter upload tasks
type UploadFilterPayload struct {
	GenerationID int64         `json:"generation_id"`
	Actions      []mlbf.Action `json:"actions"`
}

// CleanupFilesPayload is the payload for generation retention tasks
type CleanupFilesPayload struct {
	BaseFilterID int64 `json:"base_filter_id"`
}

// NewPublishSubmissionTask creates a new submission publication payload
func NewPublishSubmissionTask(submissionID int64) (*PublishSubmissionPayload, error) {
	if submissionID <= 0 {
		return nil, fmt.Errorf("submission ID is required")
	}
	return &PublishSubmissionPayload{SubmissionID: submissionID}, nil
}

// NewUploadFilterTask creates a new filter upload payload
func NewUploadFilterTask(generationID int64, actions []mlbf.Action) (*UploadFilterPayload, error) {
	if generationID <= 0 {
		return nil, fmt.Errorf("generation ID is required")
	}
	if len(actions) == 0 {
		return nil, fmt.Errorf("at least one upload action is required")
	}
	return &UploadFilterPayload{GenerationID: generationID, Actions: actions}, nil
}

// NewCleanupFilesTask creates a new retention payload
func NewCleanupFilesTask(baseFilterID int64) (*CleanupFilesPayload, error) {
	if baseFilterID <= 0 {
		return nil, fmt.Errorf("base filter ID is required")
	}
	return &CleanupFilesPayload{BaseFilterID: baseFilterID}, nil
}

// unmarshalPayload deserializes a task payload into v
func unmarshalPayload(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return nil
}
