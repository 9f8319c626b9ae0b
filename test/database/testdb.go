// Package database creates real PostgreSQL databases for integration tests.
// Each test gets its own schema on a shared server (testcontainer locally,
// service container in CI) with all migrations applied, so tests isolate
// without paying a container start each.
package database

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/ruleiq/orchestrator/pkg/database"
	"github.com/ruleiq/orchestrator/test/util"
)

// NewPool returns a pgx pool bound to a fresh migrated schema. The schema is
// dropped and the pool closed when the test ends.
func NewPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	pool, _ := NewPoolWithConnString(t)
	return pool
}

// NewPoolWithConnString is NewPool plus the schema-scoped connection string,
// for tests that open additional connections of their own.
func NewPoolWithConnString(t *testing.T) (*pgxpool.Pool, string) {
	t.Helper()
	ctx := context.Background()

	connStr := newMigratedSchema(t)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return pool, connStr
}

// newMigratedSchema creates a uniquely named schema, applies all embedded
// migrations into it, and registers a cleanup that drops it. Returns the
// connection string with search_path pinned to the schema.
func newMigratedSchema(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	base := util.BaseConnString(t)
	schema := util.SchemaName(t)

	admin, err := pgxpool.New(ctx, base)
	require.NoError(t, err)
	_, err = admin.Exec(ctx, fmt.Sprintf("CREATE SCHEMA %s", schema))
	admin.Close()
	require.NoError(t, err)
	t.Logf("Created test schema %s", schema)

	t.Cleanup(func() {
		// Runs after the pool cleanups registered later, so no connections
		// still point at the schema.
		cleanupCtx := context.Background()
		admin, err := pgxpool.New(cleanupCtx, base)
		if err != nil {
			t.Logf("Warning: could not connect to drop schema %s: %v", schema, err)
			return
		}
		defer admin.Close()
		if _, err := admin.Exec(cleanupCtx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema)); err != nil {
			t.Logf("Warning: failed to drop schema %s: %v", schema, err)
		}
	})

	connStr := util.WithSearchPath(base, schema)
	require.NoError(t, database.Migrate(ctx, connStr, ""))
	return connStr
}
