// Package testutil starts a throwaway PostgreSQL with the blocklist schema
// for integration tests.
package testutil

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	testDatabase = "blocklist_test"
	testUser     = "test"
	testPassword = "test"
)

// TestDatabase represents a test database instance.
type TestDatabase struct {
	Pool      *pgxpool.Pool
	Container *postgres.PostgresContainer
	ConnStr   string
}

// SetupTestDatabase creates a PostgreSQL container, runs migrations from
// migrationsDir and returns a connection pool.
func SetupTestDatabase(t *testing.T, migrationsDir string) *TestDatabase {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase(testDatabase),
		postgres.WithUsername(testUser),
		postgres.WithPassword(testPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	migrationsPath, err := filepath.Abs(migrationsDir)
	require.NoError(t, err)

	m, err := migrate.New(fmt.Sprintf("file://%s", migrationsPath), connStr)
	require.NoError(t, err)
	require.NoError(t, m.Up())
	m.Close()

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	require.NoError(t, pool.Ping(ctx))

	return &TestDatabase{
		Pool:      pool,
		Container: pgContainer,
		ConnStr:   connStr,
	}
}

// Cleanup closes the pool and terminates the container.
func (td *TestDatabase) Cleanup(t *testing.T) {
	ctx := context.Background()

	if td.Pool != nil {
		td.Pool.Close()
	}

	if td.Container != nil {
		require.NoError(t, td.Container.Terminate(ctx))
	}
}

// TruncateTables empties every table between tests.
func (td *TestDatabase) TruncateTables(t *testing.T) {
	ctx := context.Background()

	// The published-submission trigger does not fire on TRUNCATE.
	_, err := td.Pool.Exec(ctx, `
		TRUNCATE TABLE activity_log_targets, activity_log, blocklist_config,
		               blocklist_submissions, block_versions, blocks,
		               version_decisions, files, versions, addons, users
		RESTART IDENTITY CASCADE;
	`)
	require.NoError(t, err)
}

// InsertUser adds a user with the given permissions.
func (td *TestDatabase) InsertUser(t *testing.T, username string, permissions ...string) int64 {
	t.Helper()
	if permissions == nil {
		permissions = []string{}
	}
	var id int64
	err := td.Pool.QueryRow(context.Background(),
		`INSERT INTO users (username, permissions) VALUES ($1, $2) RETURNING id`, username, permissions,
	).Scan(&id)
	require.NoError(t, err)
	return id
}

// InsertAddon adds an add-on with the given status and population.
func (td *TestDatabase) InsertAddon(t *testing.T, guid, status string, adu int64) int64 {
	t.Helper()
	var id int64
	err := td.Pool.QueryRow(context.Background(),
		`INSERT INTO addons (guid, status, average_daily_users) VALUES ($1, $2, $3) RETURNING id`,
		guid, status, adu,
	).Scan(&id)
	require.NoError(t, err)
	return id
}

// InsertVersion adds a version with a public file.
func (td *TestDatabase) InsertVersion(t *testing.T, addonID int64, version string, signed bool) int64 {
	t.Helper()
	ctx := context.Background()
	var id int64
	err := td.Pool.QueryRow(ctx,
		`INSERT INTO versions (addon_id, version, needs_human_review) VALUES ($1, $2, TRUE) RETURNING id`,
		addonID, version,
	).Scan(&id)
	require.NoError(t, err)

	_, err = td.Pool.Exec(ctx,
		`INSERT INTO files (version_id, status, is_signed) VALUES ($1, 'PUBLIC', $2)`, id, signed,
	)
	require.NoError(t, err)
	return id
}
