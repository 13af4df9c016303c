package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mozilla/addons-server-sub004/internal/db"
)

// Keys of the blocklist_config table.
const (
	ConfigMLBFTime       = "blocklist_mlbf_generation_time"
	ConfigMLBFBaseIDHard = "blocklist_mlbf_base_id_blocked"
	ConfigMLBFBaseIDSoft = "blocklist_mlbf_base_id_soft_blocked"
)

// ConfigRepository is a small key/value store for filter bookkeeping.
type ConfigRepository interface {
	// GetInt64 returns the value for key and whether it was set.
	GetInt64(ctx context.Context, key string) (int64, bool, error)

	SetInt64(ctx context.Context, key string, value int64) error
}

type configRepository struct {
	pool *pgxpool.Pool
}

// NewConfigRepository creates a new ConfigRepository.
func NewConfigRepository(pool *pgxpool.Pool) ConfigRepository {
	return &configRepository{pool: pool}
}

func (r *configRepository) GetInt64(ctx context.Context, key string) (int64, bool, error) {
	var value int64
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT value FROM blocklist_config WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, db.WrapError(err, "get config "+key)
	}
	return value, true, nil
}

func (r *configRepository) SetInt64(ctx context.Context, key string, value int64) error {
	query := `
		INSERT INTO blocklist_config (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, modified_at = NOW()
	`

	if _, err := db.Conn(ctx, r.pool).Exec(ctx, query, key, value); err != nil {
		return db.WrapError(err, "set config "+key)
	}
	return nil
}
