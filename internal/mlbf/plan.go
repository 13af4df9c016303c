package mlbf

import (
	"slices"

	"github.com/mozilla/addons-server-sub004/internal/db/models"
)

// Action is a step of a filter upload.
type Action string

// Upload actions.
const (
	ActionUploadBlockedFilter     Action = "UPLOAD_BLOCKED_FILTER"
	ActionUploadSoftBlockedFilter Action = "UPLOAD_SOFT_BLOCKED_FILTER"
	ActionUploadStash             Action = "UPLOAD_STASH"
	ActionClearStash              Action = "CLEAR_STASH"
)

// FilterAction returns the upload action of block type t.
func FilterAction(t models.BlockType) Action {
	if t == models.BlockTypeSoft {
		return ActionUploadSoftBlockedFilter
	}
	return ActionUploadBlockedFilter
}

// AttachmentType is the remote record type of the base filter for t.
func AttachmentType(t models.BlockType) string {
	if t == models.BlockTypeSoft {
		return "softblocks-bloomfilter-base"
	}
	return "bloomfilter-base"
}

// PlanInput is what Plan needs to decide a generation's uploads.
type PlanInput struct {
	Current *Data
	// Previous is the last uploaded generation, nil when there is none.
	Previous *Data
	// Bases holds the base generation of each block type; a missing entry
	// forces a new base for that type.
	Bases     map[models.BlockType]*Data
	ForceBase bool
	// Threshold is the number of changes since a base above which the base
	// is replaced instead of stashed.
	Threshold int
}

// Plan decides what a new generation uploads. Base filters are uploaded
// together so that clients never combine a fresh base with a stale stash;
// every base upload clears the stashes. Otherwise a stash carries the changes
// since the previous generation. An empty plan means nothing changed.
func Plan(in PlanInput) []Action {
	newBase := in.ForceBase
	for _, t := range models.BlockTypes {
		base, ok := in.Bases[t]
		if !ok || base == nil || in.Current.ChangedCount(base, t) > in.Threshold {
			newBase = true
		}
	}

	if newBase {
		actions := make([]Action, 0, len(models.BlockTypes)+1)
		for _, t := range models.BlockTypes {
			actions = append(actions, FilterAction(t))
		}
		return append(actions, ActionClearStash)
	}

	if in.Current.TotalChangedCount(in.Previous) > 0 {
		return []Action{ActionUploadStash}
	}
	return nil
}

// Has reports whether actions contains a.
func Has(actions []Action, a Action) bool {
	return slices.Contains(actions, a)
}
