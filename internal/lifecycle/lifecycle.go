// Package lifecycle applies the consequences of a block to the add-on
// catalog: files are disabled, rejection decisions recorded, review flags
// cleared and add-on status reconciled.
package lifecycle

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mozilla/addons-server-sub004/internal/db"
	"github.com/mozilla/addons-server-sub004/internal/db/models"
)

// DisabledReasonBlocklisted is stored on files disabled by a block.
const DisabledReasonBlocklisted = "BLOCKLISTED"

// PolicyBlocklisted is the policy recorded on rejection decisions.
const PolicyBlocklisted = "blocklist"

// Decision is a reviewer decision recorded against a version.
type Decision struct {
	Action     models.AuditAction
	Policy     string
	ReviewerID int64
}

// VersionLifecycle is the catalog collaborator the submission workflow calls
// after writing block rows. Every method joins the transaction carried by
// ctx.
type VersionLifecycle interface {
	// DisableFile disables the version's file, remembering its previous status.
	DisableFile(ctx context.Context, versionID int64) error

	// MarkRejected records a rejection decision for the version.
	MarkRejected(ctx context.Context, versionID int64, decision Decision) error

	// ClearNeedsHumanReview drops the version's pending review flag.
	ClearNeedsHumanReview(ctx context.Context, versionID int64) error

	// DisableAddon disables the whole add-on.
	DisableAddon(ctx context.Context, addonID int64) error

	// RecomputeAddonStatus derives the add-on status from its files.
	RecomputeAddonStatus(ctx context.Context, addonID int64) error
}

type postgresLifecycle struct {
	pool *pgxpool.Pool
}

// NewPostgresLifecycle creates a VersionLifecycle over the catalog tables.
func NewPostgresLifecycle(pool *pgxpool.Pool) VersionLifecycle {
	return &postgresLifecycle{pool: pool}
}

func (l *postgresLifecycle) DisableFile(ctx context.Context, versionID int64) error {
	query := `
		UPDATE files
		SET original_status = status,
		    status = 'DISABLED',
		    status_disabled_reason = $2,
		    modified_at = NOW()
		WHERE version_id = $1 AND status <> 'DISABLED'
	`
	_, err := db.Conn(ctx, l.pool).Exec(ctx, query, versionID, DisabledReasonBlocklisted)
	return db.WrapError(err, "disable file")
}

func (l *postgresLifecycle) MarkRejected(ctx context.Context, versionID int64, decision Decision) error {
	query := `
		INSERT INTO version_decisions (version_id, action, policy, reviewer_id)
		VALUES ($1, $2, $3, NULLIF($4::bigint, 0))
	`
	_, err := db.Conn(ctx, l.pool).Exec(ctx, query, versionID, string(decision.Action), decision.Policy, decision.ReviewerID)
	return db.WrapError(err, "mark version rejected")
}

func (l *postgresLifecycle) ClearNeedsHumanReview(ctx context.Context, versionID int64) error {
	query := `
		UPDATE versions SET needs_human_review = FALSE, modified_at = NOW()
		WHERE id = $1 AND needs_human_review
	`
	_, err := db.Conn(ctx, l.pool).Exec(ctx, query, versionID)
	return db.WrapError(err, "clear needs human review")
}

func (l *postgresLifecycle) DisableAddon(ctx context.Context, addonID int64) error {
	query := `
		UPDATE addons SET status = 'DISABLED', modified_at = NOW()
		WHERE id = $1 AND status NOT IN ('DISABLED', 'DELETED')
	`
	_, err := db.Conn(ctx, l.pool).Exec(ctx, query, addonID)
	return db.WrapError(err, "disable addon")
}

// RecomputeAddonStatus leaves DISABLED and DELETED add-ons alone. Otherwise an
// add-on with a public file is PUBLIC, one with only files awaiting review is
// NOMINATED, and one with nothing left is NULL.
func (l *postgresLifecycle) RecomputeAddonStatus(ctx context.Context, addonID int64) error {
	query := `
		UPDATE addons a
		SET status = CASE
		        WHEN EXISTS (
		            SELECT 1 FROM versions v JOIN files f ON f.version_id = v.id
		            WHERE v.addon_id = a.id AND f.status = 'PUBLIC'
		        ) THEN 'PUBLIC'
		        WHEN EXISTS (
		            SELECT 1 FROM versions v JOIN files f ON f.version_id = v.id
		            WHERE v.addon_id = a.id AND f.status = 'AWAITING_REVIEW'
		        ) THEN 'NOMINATED'
		        ELSE 'NULL'
		    END,
		    modified_at = NOW()
		WHERE a.id = $1 AND a.status NOT IN ('DISABLED', 'DELETED')
	`
	_, err := db.Conn(ctx, l.pool).Exec(ctx, query, addonID)
	return db.WrapError(err, "recompute addon status")
}
