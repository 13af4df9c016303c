package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mozilla/addons-server-sub004/internal/db"
	"github.com/mozilla/addons-server-sub004/internal/db/models"
)

// SubmissionRepository stores blocklist submissions. Published rows are
// protected by a trigger; any update to them fails with db.ErrImmutableRecord.
type SubmissionRepository interface {
	// Create inserts a submission and fills its id and timestamps.
	Create(ctx context.Context, sub *models.Submission) error

	// Get returns a submission, or db.ErrNotFound.
	Get(ctx context.Context, id int64) (*models.Submission, error)

	// Update writes the editable fields and sign-off state of sub, provided
	// its stored state still equals expected. It reports whether it did.
	Update(ctx context.Context, sub *models.Submission, expected models.SignoffState) (bool, error)

	// TransitionSignoff moves a submission from one state to another and
	// records who signed off. It reports whether the row was in state from.
	TransitionSignoff(ctx context.Context, id int64, from, to models.SignoffState, by *int64) (bool, error)

	// LockCommittedGUIDs locks the submission row until the surrounding
	// transaction ends and returns the guids committed so far.
	LockCommittedGUIDs(ctx context.Context, id int64) ([]string, error)

	// MarkGUIDCommitted records that guid's publish unit committed.
	MarkGUIDCommitted(ctx context.Context, id int64, guid string) error

	// RecordPublishFailure counts a failed publication and defers the next
	// sweep until nextAttemptAt. It returns the attempts made so far.
	RecordPublishFailure(ctx context.Context, id int64, nextAttemptAt time.Time) (int, error)

	// MarkPublished moves a cleared submission to PUBLISHED. It reports false
	// when the submission was not in a cleared state.
	MarkPublished(ctx context.Context, id int64) (bool, error)

	// ListDue returns ids of cleared submissions whose delay and failure
	// backoff expired by now, skipping those that failed maxAttempts times.
	ListDue(ctx context.Context, now time.Time, maxAttempts, limit int) ([]int64, error)
}

type submissionRepository struct {
	pool *pgxpool.Pool
}

// NewSubmissionRepository creates a new SubmissionRepository.
func NewSubmissionRepository(pool *pgxpool.Pool) SubmissionRepository {
	return &submissionRepository{pool: pool}
}

func (r *submissionRepository) Create(ctx context.Context, sub *models.Submission) error {
	query := `
		INSERT INTO blocklist_submissions (
			input_guids, changed_version_ids, action, block_type, disable_addon,
			url, reason, update_url_value, update_reason_value,
			delay_days, delayed_until, signoff_state, updated_by
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, committed_guids, created_at, modified_at
	`

	err := db.Conn(ctx, r.pool).QueryRow(ctx, query,
		sub.InputGUIDs, sub.ChangedVersionIDs, sub.Action, sub.BlockType, sub.DisableAddon,
		sub.URL, sub.Reason, sub.UpdateURL, sub.UpdateReason,
		sub.DelayDays, sub.DelayedUntil, sub.SignoffState, sub.UpdatedBy,
	).Scan(&sub.ID, &sub.CommittedGUIDs, &sub.CreatedAt, &sub.ModifiedAt)
	if err != nil {
		return db.WrapError(err, "create submission")
	}
	return nil
}

func (r *submissionRepository) Get(ctx context.Context, id int64) (*models.Submission, error) {
	query := `
		SELECT id, input_guids, changed_version_ids, action, block_type, disable_addon,
		       url, reason, update_url_value, update_reason_value, delay_days, delayed_until,
		       signoff_state, signoff_by, updated_by, committed_guids, publish_attempts, next_attempt_at,
		       created_at, modified_at
		FROM blocklist_submissions
		WHERE id = $1
	`

	s := &models.Submission{}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, query, id).Scan(
		&s.ID, &s.InputGUIDs, &s.ChangedVersionIDs, &s.Action, &s.BlockType, &s.DisableAddon,
		&s.URL, &s.Reason, &s.UpdateURL, &s.UpdateReason, &s.DelayDays, &s.DelayedUntil,
		&s.SignoffState, &s.SignoffBy, &s.UpdatedBy, &s.CommittedGUIDs, &s.PublishAttempts, &s.NextAttemptAt,
		&s.CreatedAt, &s.ModifiedAt,
	)
	if err != nil {
		return nil, db.WrapError(err, "get submission")
	}
	return s, nil
}

func (r *submissionRepository) Update(ctx context.Context, sub *models.Submission, expected models.SignoffState) (bool, error) {
	query := `
		UPDATE blocklist_submissions
		SET changed_version_ids = $3,
		    url = $4,
		    reason = $5,
		    update_url_value = $6,
		    update_reason_value = $7,
		    delay_days = $8,
		    delayed_until = $9,
		    signoff_state = $10,
		    signoff_by = $11,
		    publish_attempts = 0,
		    next_attempt_at = NULL,
		    modified_at = NOW()
		WHERE id = $1 AND signoff_state = $2
		RETURNING modified_at
	`

	err := db.Conn(ctx, r.pool).QueryRow(ctx, query,
		sub.ID, expected, sub.ChangedVersionIDs, sub.URL, sub.Reason, sub.UpdateURL, sub.UpdateReason,
		sub.DelayDays, sub.DelayedUntil, sub.SignoffState, sub.SignoffBy,
	).Scan(&sub.ModifiedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, db.WrapError(err, "update submission")
	}
	return true, nil
}

func (r *submissionRepository) TransitionSignoff(ctx context.Context, id int64, from, to models.SignoffState, by *int64) (bool, error) {
	query := `
		UPDATE blocklist_submissions
		SET signoff_state = $3,
		    signoff_by = COALESCE($4, signoff_by),
		    modified_at = NOW()
		WHERE id = $1 AND signoff_state = $2
	`

	tag, err := db.Conn(ctx, r.pool).Exec(ctx, query, id, from, to, by)
	if err != nil {
		return false, db.WrapError(err, "transition submission")
	}
	return tag.RowsAffected() == 1, nil
}

func (r *submissionRepository) LockCommittedGUIDs(ctx context.Context, id int64) ([]string, error) {
	query := `
		SELECT committed_guids
		FROM blocklist_submissions
		WHERE id = $1
		FOR UPDATE
	`

	var guids []string
	if err := db.Conn(ctx, r.pool).QueryRow(ctx, query, id).Scan(&guids); err != nil {
		return nil, db.WrapError(err, "lock submission")
	}
	return guids, nil
}

func (r *submissionRepository) MarkGUIDCommitted(ctx context.Context, id int64, guid string) error {
	query := `
		UPDATE blocklist_submissions
		SET committed_guids = array_append(committed_guids, $2),
		    modified_at = NOW()
		WHERE id = $1 AND NOT ($2 = ANY(committed_guids))
	`

	if _, err := db.Conn(ctx, r.pool).Exec(ctx, query, id, guid); err != nil {
		return db.WrapError(err, "mark guid committed")
	}
	return nil
}

func (r *submissionRepository) RecordPublishFailure(ctx context.Context, id int64, nextAttemptAt time.Time) (int, error) {
	query := `
		UPDATE blocklist_submissions
		SET publish_attempts = publish_attempts + 1,
		    next_attempt_at = $2,
		    modified_at = NOW()
		WHERE id = $1
		RETURNING publish_attempts
	`

	var attempts int
	if err := db.Conn(ctx, r.pool).QueryRow(ctx, query, id, nextAttemptAt).Scan(&attempts); err != nil {
		return 0, db.WrapError(err, "record publish failure")
	}
	return attempts, nil
}

func (r *submissionRepository) MarkPublished(ctx context.Context, id int64) (bool, error) {
	query := `
		UPDATE blocklist_submissions
		SET signoff_state = 'PUBLISHED', modified_at = NOW()
		WHERE id = $1 AND signoff_state IN ('APPROVED', 'AUTOAPPROVED')
	`

	tag, err := db.Conn(ctx, r.pool).Exec(ctx, query, id)
	if err != nil {
		return false, db.WrapError(err, "mark submission published")
	}
	return tag.RowsAffected() == 1, nil
}

func (r *submissionRepository) ListDue(ctx context.Context, now time.Time, maxAttempts, limit int) ([]int64, error) {
	query := `
		SELECT id
		FROM blocklist_submissions
		WHERE signoff_state IN ('APPROVED', 'AUTOAPPROVED')
		  AND (delayed_until IS NULL OR delayed_until <= $1)
		  AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		  AND publish_attempts < $2
		ORDER BY id
		LIMIT $3
	`

	rows, err := db.Conn(ctx, r.pool).Query(ctx, query, now, maxAttempts, limit)
	if err != nil {
		return nil, db.WrapError(err, "list due submissions")
	}
	defer rows.Close()

	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, db.WrapError(err, "collect due submissions")
	}
	return ids, nil
}
