package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mozilla/addons-server-sub004/internal/retry"
	"github.com/mozilla/addons-server-sub004/internal/risk"
)

var (
	// ErrNotReady is returned by Publish for a submission that is not yet
	// cleared or is still inside its delay window.
	ErrNotReady = errors.New("submission is not ready to publish")

	// ErrInvalidState is returned when a transition does not apply to the
	// submission's current state.
	ErrInvalidState = errors.New("invalid submission state for this operation")
)

// ValidationError represents malformed input, rejected before any mutation.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func validationErrorf(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// PermissionError is returned when a user may not perform a workflow step.
type PermissionError = risk.PermissionError

// TransientIOError marks a collaborator failure the task queue retries.
type TransientIOError = retry.TransientError

// GUIDFailure is one guid whose publish unit rolled back.
type GUIDFailure struct {
	GUID string
	Err  error
}

// ConsistencyError reports guids of a submission whose publish units rolled
// back. Guids committed in the same run stay committed.
type ConsistencyError struct {
	SubmissionID int64
	Failures     []GUIDFailure
}

func (e *ConsistencyError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("%s: %v", f.GUID, f.Err)
	}
	return fmt.Sprintf("submission %d: %d guid(s) failed to publish: %s",
		e.SubmissionID, len(e.Failures), strings.Join(parts, "; "))
}

// Unwrap exposes the per-guid causes to errors.Is and errors.As.
func (e *ConsistencyError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}
