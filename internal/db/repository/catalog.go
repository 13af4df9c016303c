package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mozilla/addons-server-sub004/internal/db"
	"github.com/mozilla/addons-server-sub004/internal/db/models"
)

// CatalogRepository reads add-ons and versions owned by the wider platform.
type CatalogRepository interface {
	// VersionsForGUIDs returns the versions of guids visible through view,
	// each with its current block state.
	VersionsForGUIDs(ctx context.Context, view models.CatalogView, guids []string) ([]*models.Version, error)

	// AverageDailyUsers returns the population of each live add-on guid.
	// Unknown guids map to zero.
	AverageDailyUsers(ctx context.Context, guids []string) (map[string]int64, error)

	// FilterKeys returns every signed guid:version pair with its block type.
	FilterKeys(ctx context.Context) ([]models.FilterKey, error)
}

type catalogRepository struct {
	pool *pgxpool.Pool
}

// NewCatalogRepository creates a new CatalogRepository.
func NewCatalogRepository(pool *pgxpool.Pool) CatalogRepository {
	return &catalogRepository{pool: pool}
}

func (r *catalogRepository) VersionsForGUIDs(ctx context.Context, view models.CatalogView, guids []string) ([]*models.Version, error) {
	query := `
		SELECT v.id, v.addon_id, a.guid, v.version, a.status, f.status, f.is_signed,
		       bv.block_id, bv.block_type
		FROM versions v
		JOIN addons a ON a.id = v.addon_id
		JOIN files f ON f.version_id = v.id
		LEFT JOIN block_versions bv ON bv.version_id = v.id
		WHERE a.guid = ANY($1)
		  AND ($2 OR a.status <> 'DELETED')
		ORDER BY a.guid, v.id
	`

	rows, err := db.Conn(ctx, r.pool).Query(ctx, query, guids, view == models.ViewAll)
	if err != nil {
		return nil, db.WrapError(err, "list versions for guids")
	}
	defer rows.Close()

	var versions []*models.Version
	for rows.Next() {
		v := &models.Version{}
		if err := rows.Scan(
			&v.ID, &v.AddonID, &v.GUID, &v.Version, &v.AddonStatus, &v.FileStatus, &v.IsSigned,
			&v.BlockID, &v.BlockType,
		); err != nil {
			return nil, db.WrapError(err, "scan version")
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, db.WrapError(err, "iterate versions")
	}
	return versions, nil
}

func (r *catalogRepository) AverageDailyUsers(ctx context.Context, guids []string) (map[string]int64, error) {
	query := `
		SELECT guid, MAX(average_daily_users)
		FROM addons
		WHERE guid = ANY($1) AND status <> 'DELETED'
		GROUP BY guid
	`

	rows, err := db.Conn(ctx, r.pool).Query(ctx, query, guids)
	if err != nil {
		return nil, db.WrapError(err, "average daily users")
	}
	defer rows.Close()

	adu := make(map[string]int64, len(guids))
	for _, guid := range guids {
		adu[guid] = 0
	}
	for rows.Next() {
		var guid string
		var users int64
		if err := rows.Scan(&guid, &users); err != nil {
			return nil, db.WrapError(err, "scan average daily users")
		}
		adu[guid] = users
	}
	return adu, db.WrapError(rows.Err(), "iterate average daily users")
}

func (r *catalogRepository) FilterKeys(ctx context.Context) ([]models.FilterKey, error) {
	query := `
		SELECT a.guid, v.version, bv.block_type
		FROM versions v
		JOIN addons a ON a.id = v.addon_id
		JOIN files f ON f.version_id = v.id
		LEFT JOIN block_versions bv ON bv.version_id = v.id
		WHERE f.is_signed
	`

	rows, err := db.Conn(ctx, r.pool).Query(ctx, query)
	if err != nil {
		return nil, db.WrapError(err, "list filter keys")
	}
	defer rows.Close()

	var keys []models.FilterKey
	for rows.Next() {
		var k models.FilterKey
		if err := rows.Scan(&k.GUID, &k.Version, &k.BlockType); err != nil {
			return nil, db.WrapError(err, "scan filter key")
		}
		keys = append(keys, k)
	}
	return keys, db.WrapError(rows.Err(), "iterate filter keys")
}
