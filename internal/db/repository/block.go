package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mozilla/addons-server-sub004/internal/db"
	"github.com/mozilla/addons-server-sub004/internal/db/models"
)

// BlockRepository stores blocks and their per-version rows.
type BlockRepository interface {
	// GetByGUID returns the block for guid, or db.ErrNotFound.
	GetByGUID(ctx context.Context, guid string) (*models.Block, error)

	// GetByGUIDs returns the existing blocks keyed by guid.
	GetByGUIDs(ctx context.Context, guids []string) (map[string]*models.Block, error)

	// Create inserts a block and fills its id and timestamps.
	Create(ctx context.Context, block *models.Block) error

	// UpdateMetadata writes only the non-nil fields of update.
	UpdateMetadata(ctx context.Context, blockID int64, update models.BlockMetadataUpdate) error

	// Delete removes a block together with any remaining version rows.
	Delete(ctx context.Context, blockID int64) error

	// ListVersions returns the version rows of a block.
	ListVersions(ctx context.Context, blockID int64) ([]*models.BlockVersion, error)

	// UpsertVersion blocks versionID with blockType under blockID.
	UpsertVersion(ctx context.Context, blockID, versionID int64, blockType models.BlockType) (models.UpsertResult, error)

	// DeleteVersion unblocks versionID. It reports whether a row was removed.
	DeleteVersion(ctx context.Context, versionID int64) (bool, error)

	// CountVersions returns how many versions a block still holds.
	CountVersions(ctx context.Context, blockID int64) (int, error)

	// BlockStatus returns the block state of guid:version, or db.ErrNotFound
	// when that version is not blocked.
	BlockStatus(ctx context.Context, guid, version string) (*models.BlockStatus, error)

	// AllStatuses returns the block state of every blocked version.
	AllStatuses(ctx context.Context) ([]models.BlockStatus, error)
}

type blockRepository struct {
	pool *pgxpool.Pool
}

// NewBlockRepository creates a new BlockRepository.
func NewBlockRepository(pool *pgxpool.Pool) BlockRepository {
	return &blockRepository{pool: pool}
}

const blockColumns = `id, guid, min_version, max_version, url, reason, COALESCE(updated_by, 0),
	average_daily_users_snapshot, legacy_id, created_at, modified_at`

func scanBlock(row pgx.Row) (*models.Block, error) {
	b := &models.Block{}
	err := row.Scan(
		&b.ID, &b.GUID, &b.MinVersion, &b.MaxVersion, &b.URL, &b.Reason, &b.UpdatedBy,
		&b.AverageDailyUsersSnapshot, &b.LegacyID, &b.CreatedAt, &b.ModifiedAt,
	)
	return b, err
}

func (r *blockRepository) GetByGUID(ctx context.Context, guid string) (*models.Block, error) {
	query := `SELECT ` + blockColumns + ` FROM blocks WHERE guid = $1`

	b, err := scanBlock(db.Conn(ctx, r.pool).QueryRow(ctx, query, guid))
	if err != nil {
		return nil, db.WrapError(err, "get block by guid")
	}
	return b, nil
}

func (r *blockRepository) GetByGUIDs(ctx context.Context, guids []string) (map[string]*models.Block, error) {
	query := `SELECT ` + blockColumns + ` FROM blocks WHERE guid = ANY($1)`

	rows, err := db.Conn(ctx, r.pool).Query(ctx, query, guids)
	if err != nil {
		return nil, db.WrapError(err, "get blocks by guids")
	}
	defer rows.Close()

	blocks := make(map[string]*models.Block, len(guids))
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, db.WrapError(err, "scan block")
		}
		blocks[b.GUID] = b
	}
	if err := rows.Err(); err != nil {
		return nil, db.WrapError(err, "iterate blocks")
	}
	return blocks, nil
}

func (r *blockRepository) Create(ctx context.Context, block *models.Block) error {
	query := `
		INSERT INTO blocks (guid, min_version, max_version, url, reason, updated_by,
		                    average_daily_users_snapshot, legacy_id)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6::bigint, 0), $7, $8)
		RETURNING id, created_at, modified_at
	`

	if block.MinVersion == "" {
		block.MinVersion = "0"
	}
	if block.MaxVersion == "" {
		block.MaxVersion = "*"
	}

	err := db.Conn(ctx, r.pool).QueryRow(ctx, query,
		block.GUID, block.MinVersion, block.MaxVersion, block.URL, block.Reason,
		block.UpdatedBy, block.AverageDailyUsersSnapshot, block.LegacyID,
	).Scan(&block.ID, &block.CreatedAt, &block.ModifiedAt)
	if err != nil {
		return db.WrapError(err, "create block")
	}
	return nil
}

func (r *blockRepository) UpdateMetadata(ctx context.Context, blockID int64, update models.BlockMetadataUpdate) error {
	query := `
		UPDATE blocks
		SET url = COALESCE($2, url),
		    reason = COALESCE($3, reason),
		    updated_by = COALESCE($4, updated_by),
		    average_daily_users_snapshot = COALESCE($5, average_daily_users_snapshot),
		    modified_at = NOW()
		WHERE id = $1
	`

	tag, err := db.Conn(ctx, r.pool).Exec(ctx, query,
		blockID, update.URL, update.Reason, update.UpdatedBy, update.AverageDailyUsersSnapshot,
	)
	if err != nil {
		return db.WrapError(err, "update block metadata")
	}
	if tag.RowsAffected() == 0 {
		return db.WrapError(pgx.ErrNoRows, "update block metadata")
	}
	return nil
}

func (r *blockRepository) Delete(ctx context.Context, blockID int64) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM blocks WHERE id = $1`, blockID)
	if err != nil {
		return db.WrapError(err, "delete block")
	}
	if tag.RowsAffected() == 0 {
		return db.WrapError(pgx.ErrNoRows, "delete block")
	}
	return nil
}

func (r *blockRepository) ListVersions(ctx context.Context, blockID int64) ([]*models.BlockVersion, error) {
	query := `
		SELECT id, block_id, version_id, block_type, created_at, modified_at
		FROM block_versions
		WHERE block_id = $1
		ORDER BY version_id
	`

	rows, err := db.Conn(ctx, r.pool).Query(ctx, query, blockID)
	if err != nil {
		return nil, db.WrapError(err, "list block versions")
	}
	defer rows.Close()

	var versions []*models.BlockVersion
	for rows.Next() {
		bv := &models.BlockVersion{}
		if err := rows.Scan(&bv.ID, &bv.BlockID, &bv.VersionID, &bv.BlockType, &bv.CreatedAt, &bv.ModifiedAt); err != nil {
			return nil, db.WrapError(err, "scan block version")
		}
		versions = append(versions, bv)
	}
	if err := rows.Err(); err != nil {
		return nil, db.WrapError(err, "iterate block versions")
	}
	return versions, nil
}

func (r *blockRepository) UpsertVersion(ctx context.Context, blockID, versionID int64, blockType models.BlockType) (models.UpsertResult, error) {
	conn := db.Conn(ctx, r.pool)

	var current models.BlockType
	err := conn.QueryRow(ctx,
		`SELECT block_type FROM block_versions WHERE version_id = $1 FOR UPDATE`, versionID,
	).Scan(&current)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		_, err = conn.Exec(ctx,
			`INSERT INTO block_versions (block_id, version_id, block_type) VALUES ($1, $2, $3)`,
			blockID, versionID, blockType,
		)
		if err != nil {
			return models.UpsertUnchanged, db.WrapError(err, "insert block version")
		}
		return models.UpsertCreated, nil
	case err != nil:
		return models.UpsertUnchanged, db.WrapError(err, "lock block version")
	case current == blockType:
		return models.UpsertUnchanged, nil
	}

	_, err = conn.Exec(ctx,
		`UPDATE block_versions SET block_type = $2, block_id = $3, modified_at = NOW() WHERE version_id = $1`,
		versionID, blockType, blockID,
	)
	if err != nil {
		return models.UpsertUnchanged, db.WrapError(err, "retype block version")
	}
	return models.UpsertRetyped, nil
}

func (r *blockRepository) DeleteVersion(ctx context.Context, versionID int64) (bool, error) {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM block_versions WHERE version_id = $1`, versionID)
	if err != nil {
		return false, db.WrapError(err, "delete block version")
	}
	return tag.RowsAffected() > 0, nil
}

func (r *blockRepository) CountVersions(ctx context.Context, blockID int64) (int, error) {
	var n int
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT COUNT(*) FROM block_versions WHERE block_id = $1`, blockID,
	).Scan(&n)
	if err != nil {
		return 0, db.WrapError(err, "count block versions")
	}
	return n, nil
}

const statusQuery = `
	SELECT b.guid, v.version, b.id, bv.block_type
	FROM block_versions bv
	JOIN blocks b ON b.id = bv.block_id
	JOIN versions v ON v.id = bv.version_id
`

func (r *blockRepository) BlockStatus(ctx context.Context, guid, version string) (*models.BlockStatus, error) {
	query := statusQuery + ` WHERE b.guid = $1 AND v.version = $2 ORDER BY bv.block_type LIMIT 1`

	s := &models.BlockStatus{}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, query, guid, version).Scan(&s.GUID, &s.Version, &s.BlockID, &s.BlockType)
	if err != nil {
		return nil, db.WrapError(err, "get block status")
	}
	s.StatusID = s.BlockType.StatusID()
	return s, nil
}

func (r *blockRepository) AllStatuses(ctx context.Context) ([]models.BlockStatus, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, statusQuery+` ORDER BY b.guid, v.version`)
	if err != nil {
		return nil, db.WrapError(err, "list block statuses")
	}
	defer rows.Close()

	var statuses []models.BlockStatus
	for rows.Next() {
		var s models.BlockStatus
		if err := rows.Scan(&s.GUID, &s.Version, &s.BlockID, &s.BlockType); err != nil {
			return nil, db.WrapError(err, "scan block status")
		}
		s.StatusID = s.BlockType.StatusID()
		statuses = append(statuses, s)
	}
	return statuses, db.WrapError(rows.Err(), "iterate block statuses")
}
