package models

import (
	"slices"
	"time"
)

// SubmissionAction is what a submission does to its selected versions.
type SubmissionAction string

// Submission actions.
const (
	ActionAddChange SubmissionAction = "ADD_CHANGE"
	ActionDelete    SubmissionAction = "DELETE"
	ActionSoften    SubmissionAction = "SOFTEN"
	ActionHarden    SubmissionAction = "HARDEN"
)

// Valid reports whether a is a known action.
func (a SubmissionAction) Valid() bool {
	switch a {
	case ActionAddChange, ActionDelete, ActionSoften, ActionHarden:
		return true
	}
	return false
}

// TargetBlockType is the block type a saving action writes, given the type
// requested on the submission. DELETE has no target.
func (a SubmissionAction) TargetBlockType(requested BlockType) BlockType {
	switch a {
	case ActionHarden:
		return BlockTypeHard
	case ActionSoften:
		return BlockTypeSoft
	case ActionAddChange:
		return requested
	}
	return ""
}

// SignoffState is the position of a submission in its workflow.
type SignoffState string

// Sign-off states.
const (
	SignoffPending      SignoffState = "PENDING"
	SignoffApproved     SignoffState = "APPROVED"
	SignoffRejected     SignoffState = "REJECTED"
	SignoffAutoApproved SignoffState = "AUTOAPPROVED"
	SignoffPublished    SignoffState = "PUBLISHED"
)

// Cleared reports whether the state allows publication.
func (s SignoffState) Cleared() bool {
	return s == SignoffApproved || s == SignoffAutoApproved
}

// Terminal reports whether no further transition is possible.
func (s SignoffState) Terminal() bool {
	return s == SignoffRejected || s == SignoffPublished
}

// Submission is a request to change blocks across one or more guids.
//
//nolint:govet // fieldalignment: Accept minor memory overhead for better readability
type Submission struct {
	ID                int64            `json:"id"`
	InputGUIDs        []string         `json:"input_guids"`
	ChangedVersionIDs []int64          `json:"changed_version_ids"`
	Action            SubmissionAction `json:"action"`
	BlockType         BlockType        `json:"block_type"`
	DisableAddon      bool             `json:"disable_addon"`
	URL               string           `json:"url"`
	Reason            string           `json:"reason"`
	UpdateURL         bool             `json:"update_url_value"`
	UpdateReason      bool             `json:"update_reason_value"`
	DelayDays         int              `json:"delay_days"`
	DelayedUntil      *time.Time       `json:"delayed_until,omitempty"`
	SignoffState      SignoffState     `json:"signoff_state"`
	SignoffBy         *int64           `json:"signoff_by,omitempty"`
	UpdatedBy         int64            `json:"updated_by"`
	CommittedGUIDs    []string         `json:"committed_guids"`
	PublishAttempts   int              `json:"publish_attempts"`
	NextAttemptAt     *time.Time       `json:"next_attempt_at,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	ModifiedAt        time.Time        `json:"modified_at"`
}

// Editable reports whether delay, url, reason and scope may still change.
func (s *Submission) Editable() bool {
	return !s.SignoffState.Terminal()
}

// Delayed reports whether the delay window is still open at now.
func (s *Submission) Delayed(now time.Time) bool {
	return s.DelayedUntil != nil && now.Before(*s.DelayedUntil)
}

// ReadyToPublish reports whether the submission is cleared and not delayed.
func (s *Submission) ReadyToPublish(now time.Time) bool {
	return s.SignoffState.Cleared() && !s.Delayed(now)
}

// Committed reports whether guid's publish unit already committed.
func (s *Submission) Committed(guid string) bool {
	return slices.Contains(s.CommittedGUIDs, guid)
}

// SubmissionPatch holds the editable fields of a non-terminal submission.
// Nil fields are left untouched.
type SubmissionPatch struct {
	DelayDays         *int
	URL               *string
	Reason            *string
	UpdateURL         *bool
	UpdateReason      *bool
	ChangedVersionIDs []int64
}
