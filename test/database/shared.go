package database

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/ruleiq/orchestrator/test/util"
)

// SharedTestDB pins one migrated schema that several pools attach to, for
// tests that run multiple orchestrator replicas against the same database
// and exercise cross-replica NOTIFY delivery.
type SharedTestDB struct {
	connStr string
	base    string
}

// NewSharedTestDB creates the shared schema and runs migrations once. The
// schema is dropped when the creating test ends; replica pools registered
// later are closed first (cleanups run LIFO).
func NewSharedTestDB(t *testing.T) *SharedTestDB {
	t.Helper()
	return &SharedTestDB{
		connStr: newMigratedSchema(t),
		base:    util.BaseConnString(t),
	}
}

// NewPool opens an independent pool onto the shared schema, so replicas can
// shut down separately without racing each other's connections.
func (s *SharedTestDB) NewPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	pool, err := pgxpool.New(context.Background(), s.connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

// ConnString returns the schema-scoped connection string.
func (s *SharedTestDB) ConnString() string { return s.connStr }

// BaseConnString returns the database-level connection string, used for
// LISTEN connections.
func (s *SharedTestDB) BaseConnString() string { return s.base }
