package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// AuditAction names an entry in the activity log.
type AuditAction string

// Audit actions written by the blocklist.
const (
	AuditBlockAdded          AuditAction = "BLOCKLIST_BLOCK_ADDED"
	AuditBlockEdited         AuditAction = "BLOCKLIST_BLOCK_EDITED"
	AuditBlockDeleted        AuditAction = "BLOCKLIST_BLOCK_DELETED"
	AuditVersionBlocked      AuditAction = "BLOCKLIST_VERSION_BLOCKED"
	AuditVersionUnblocked    AuditAction = "BLOCKLIST_VERSION_UNBLOCKED"
	AuditVersionSoftBlocked  AuditAction = "BLOCKLIST_VERSION_SOFT_BLOCKED"
	AuditVersionHardened     AuditAction = "BLOCKLIST_VERSION_HARDENED"
	AuditSignoff             AuditAction = "BLOCKLIST_SIGNOFF"
	AuditSubmissionRejected  AuditAction = "BLOCKLIST_SUBMISSION_REJECTED"
	AuditSubmissionFailed    AuditAction = "BLOCKLIST_SUBMISSION_FAILED"
	AuditSubmissionPublished AuditAction = "BLOCKLIST_SUBMISSION_PUBLISHED"
	AuditVersionRejected     AuditAction = "REJECT_VERSION"
)

// TargetKind discriminates AuditTarget.
type TargetKind string

// Audit target kinds.
const (
	TargetAddon      TargetKind = "addon"
	TargetVersion    TargetKind = "version"
	TargetBlock      TargetKind = "block"
	TargetSubmission TargetKind = "submission"
	TargetUser       TargetKind = "user"
)

// AuditTarget is one object an audit entry is about.
type AuditTarget struct {
	Kind TargetKind `json:"kind"`
	ID   int64      `json:"id"`
}

func (t AuditTarget) String() string {
	return fmt.Sprintf("%s:%d", t.Kind, t.ID)
}

// AddonTarget returns an audit target for an add-on.
func AddonTarget(id int64) AuditTarget { return AuditTarget{Kind: TargetAddon, ID: id} }

// VersionTarget returns an audit target for a version.
func VersionTarget(id int64) AuditTarget { return AuditTarget{Kind: TargetVersion, ID: id} }

// BlockTarget returns an audit target for a block.
func BlockTarget(id int64) AuditTarget { return AuditTarget{Kind: TargetBlock, ID: id} }

// SubmissionTarget returns an audit target for a submission.
func SubmissionTarget(id int64) AuditTarget { return AuditTarget{Kind: TargetSubmission, ID: id} }

// AuditEntry is an immutable row of the activity log.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Action    AuditAction    `json:"action"`
	Targets   []AuditTarget  `json:"targets"`
	Details   map[string]any `json:"details"`
	UserID    int64          `json:"user_id"`
	CreatedAt time.Time      `json:"created_at"`
}

// ParseAuditTarget parses the kind:id form produced by String.
func ParseAuditTarget(s string) (AuditTarget, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok {
		return AuditTarget{}, fmt.Errorf("invalid audit target %q", s)
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return AuditTarget{}, fmt.Errorf("invalid audit target id %q: %w", s, err)
	}
	return AuditTarget{Kind: TargetKind(kind), ID: n}, nil
}
