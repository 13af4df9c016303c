package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mozilla/addons-server-sub004/internal/db"
	"github.com/mozilla/addons-server-sub004/internal/db/models"
)

// AuditRepository writes and reads the activity log. Entries are never
// updated.
type AuditRepository interface {
	// Log inserts entry with its targets and fills its id and timestamp.
	Log(ctx context.Context, entry *models.AuditEntry) error

	// ListForTarget returns the newest entries about target.
	ListForTarget(ctx context.Context, target models.AuditTarget, limit int) ([]*models.AuditEntry, error)
}

type auditRepository struct {
	pool *pgxpool.Pool
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(pool *pgxpool.Pool) AuditRepository {
	return &auditRepository{pool: pool}
}

func (r *auditRepository) Log(ctx context.Context, entry *models.AuditEntry) error {
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return db.WrapError(err, "marshal audit details")
	}

	conn := db.Conn(ctx, r.pool)
	err = conn.QueryRow(ctx,
		`INSERT INTO activity_log (action, details, user_id) VALUES ($1, $2, $3) RETURNING id, created_at`,
		entry.Action, details, entry.UserID,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return db.WrapError(err, "insert audit entry")
	}

	for _, target := range entry.Targets {
		_, err := conn.Exec(ctx,
			`INSERT INTO activity_log_targets (log_id, kind, target_id) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			entry.ID, target.Kind, target.ID,
		)
		if err != nil {
			return db.WrapError(err, "insert audit target")
		}
	}
	return nil
}

func (r *auditRepository) ListForTarget(ctx context.Context, target models.AuditTarget, limit int) ([]*models.AuditEntry, error) {
	query := `
		SELECT l.id, l.action, l.details, l.user_id, l.created_at,
		       ARRAY(SELECT t2.kind || ':' || t2.target_id FROM activity_log_targets t2 WHERE t2.log_id = l.id)
		FROM activity_log l
		JOIN activity_log_targets t ON t.log_id = l.id
		WHERE t.kind = $1 AND t.target_id = $2
		ORDER BY l.id DESC
		LIMIT $3
	`

	rows, err := db.Conn(ctx, r.pool).Query(ctx, query, target.Kind, target.ID, limit)
	if err != nil {
		return nil, db.WrapError(err, "list audit entries")
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		e := &models.AuditEntry{}
		var details []byte
		var targets []string
		if err := rows.Scan(&e.ID, &e.Action, &details, &e.UserID, &e.CreatedAt, &targets); err != nil {
			return nil, db.WrapError(err, "scan audit entry")
		}
		if err := json.Unmarshal(details, &e.Details); err != nil {
			return nil, db.WrapError(err, "unmarshal audit details")
		}
		for _, t := range targets {
			parsed, err := models.ParseAuditTarget(t)
			if err != nil {
				return nil, db.WrapError(err, "parse audit target")
			}
			e.Targets = append(e.Targets, parsed)
		}
		entries = append(entries, e)
	}
	return entries, db.WrapError(rows.Err(), "iterate audit entries")
}
