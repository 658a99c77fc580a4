// Package pgtest starts a migrated Postgres container for tests.
package pgtest

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/libranexus/lending/migrations"
)

const image = "postgres:16-alpine"

// Start runs a fresh Postgres with the schema applied and returns its DSN
// and an open handle. The test is skipped when no container runtime is
// available.
func Start(t *testing.T) (string, *sql.DB) {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	ctr, err := postgres.Run(ctx, image,
		postgres.WithDatabase("lending"),
		postgres.WithUsername("lending"),
		postgres.WithPassword("lending"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err, "failed to start postgres container")

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, migrations.Up(ctx, db), "failed to migrate")
	return dsn, db
}
