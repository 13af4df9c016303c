// Package risk decides whether a blocklist submission needs an independent
// sign-off before it can be published.
package risk

import (
	"fmt"
	"slices"

	"github.com/mozilla/addons-server-sub004/internal/db/models"
)

// PermissionError is returned when a user may not perform a workflow step.
type PermissionError struct {
	UserID int64
	Action string
	Reason string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("user %d may not %s: %s", e.UserID, e.Action, e.Reason)
}

// Assessment is the outcome of Assess.
type Assessment struct {
	State models.SignoffState
	// RiskyGUIDs are the guids at or above the threshold, sorted.
	RiskyGUIDs []string
}

// Assessor applies the population threshold and sign-off rules.
type Assessor struct {
	threshold        int64
	allowSelfSignoff bool
}

// NewAssessor creates an Assessor. allowSelfSignoff must only be true outside
// production; configuration validation enforces that.
func NewAssessor(threshold int64, allowSelfSignoff bool) *Assessor {
	return &Assessor{threshold: threshold, allowSelfSignoff: allowSelfSignoff}
}

// Threshold returns the average daily users at which sign-off is required.
func (a *Assessor) Threshold() int64 {
	return a.threshold
}

// Assess returns the initial sign-off state. populations holds the average
// daily users of each guid whose versions would newly become hard blocked.
func (a *Assessor) Assess(action models.SubmissionAction, requested models.BlockType, populations map[string]int64) Assessment {
	if action.TargetBlockType(requested) != models.BlockTypeHard {
		return Assessment{State: models.SignoffAutoApproved}
	}

	var risky []string
	for guid, users := range populations {
		if users >= a.threshold {
			risky = append(risky, guid)
		}
	}
	if len(risky) == 0 {
		return Assessment{State: models.SignoffAutoApproved}
	}

	slices.Sort(risky)
	return Assessment{State: models.SignoffPending, RiskyGUIDs: risky}
}

// CanSignoff checks that user may approve sub.
func (a *Assessor) CanSignoff(sub *models.Submission, user *models.User) error {
	if !user.Has(models.PermissionSignoff) {
		return &PermissionError{UserID: userID(user), Action: "sign off", Reason: "missing " + models.PermissionSignoff}
	}
	if sub.UpdatedBy == user.ID && !a.allowSelfSignoff {
		return &PermissionError{UserID: user.ID, Action: "sign off", Reason: "approver must differ from the author"}
	}
	return nil
}

// CanReject checks that user may reject sub: reviewers may reject any
// submission, authors only their own.
func (a *Assessor) CanReject(sub *models.Submission, user *models.User) error {
	if user.Has(models.PermissionSignoff) {
		return nil
	}
	if user != nil && sub.UpdatedBy == user.ID && user.Has(models.PermissionSubmit) {
		return nil
	}
	return &PermissionError{UserID: userID(user), Action: "reject", Reason: "not a reviewer or the author"}
}

func userID(u *models.User) int64 {
	if u == nil {
		return 0
	}
	return u.ID
}
