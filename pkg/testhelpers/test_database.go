package testhelpers

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	pkgdb "github.com/floroz/livebid/pkg/database"
)

// TestDatabase is a migrated Postgres container with a connection pool
type TestDatabase struct {
	Container *postgres.PostgresContainer
	Pool      *pgxpool.Pool
	ConnStr   string
}

// NewTestDatabase starts postgres:16-alpine, applies the goose migrations in
// migrationsPath and registers cleanup on t
func NewTestDatabase(t *testing.T, migrationsPath string) *TestDatabase {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("livebid"),
		postgres.WithUsername("livebid"),
		postgres.WithPassword("livebid"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err, "failed to start postgres container")

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "failed to get connection string")

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err, "failed to connect to database")
	require.NoError(t, pool.Ping(ctx), "failed to ping database")

	td := &TestDatabase{Container: pgContainer, Pool: pool, ConnStr: connStr}
	t.Cleanup(func() {
		pool.Close()
		if termErr := pgContainer.Terminate(context.Background()); termErr != nil {
			t.Logf("failed to terminate container: %v", termErr)
		}
	})

	require.NoError(t, pkgdb.Migrate(ctx, connStr, migrationsPath), "failed to run migrations")
	return td
}

// CleanDatabase truncates all tables to reset state between tests
func CleanDatabase(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()

	_, err := pool.Exec(context.Background(),
		"TRUNCATE TABLE cart_items, settlements, bids, auctions, outbox_events CASCADE")
	require.NoError(t, err, "failed to truncate tables")
}
