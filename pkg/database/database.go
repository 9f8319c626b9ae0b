// Package database provides the PostgreSQL connection pool and migration
// utilities shared by every durable store in the orchestrator.
package database

import (
	"context"
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for golang-migrate

	"github.com/ruleiq/orchestrator/pkg/config"
)

//go:embed migrations
var migrationsFS embed.FS

// Client wraps the pgx connection pool used by all stores.
type Client struct {
	pool *pgxpool.Pool
}

// Pool returns the underlying pgx pool.
func (c *Client) Pool() *pgxpool.Pool { return c.pool }

// Close releases all pool connections.
func (c *Client) Close() {
	if c.pool != nil {
		c.pool.Close()
	}
}

// NewClient opens a pooled connection, verifies it, and optionally applies
// pending migrations.
func NewClient(ctx context.Context, cfg config.DatabaseConfig) (*Client, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if cfg.MigrateOnStart {
		if err := Migrate(ctx, cfg.URL, cfg.MigrationsTable); err != nil {
			pool.Close()
			return nil, fmt.Errorf("applying migrations: %w", err)
		}
	}

	slog.Info("Database connected", "max_conns", poolCfg.MaxConns)
	return &Client{pool: pool}, nil
}

// Migrate applies all pending embedded migrations. golang-migrate works
// against database/sql, so a short-lived stdlib connection is opened just
// for the migration pass; the pgx pool never sees it.
func Migrate(_ context.Context, url, migrationsTable string) error {
	hasFiles, err := hasEmbeddedMigrations()
	if err != nil {
		return err
	}
	if !hasFiles {
		return errors.New("no embedded migration files found")
	}

	db, err := stdsql.Open("pgx", url)
	if err != nil {
		return fmt.Errorf("opening migration connection: %w", err)
	}
	defer func() { _ = db.Close() }()

	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: migrationsTable})
	if err != nil {
		return fmt.Errorf("creating postgres driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, databaseName(url), driver)
	if err != nil {
		return fmt.Errorf("creating migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}

	// Close only the source; m.Close would also close the shared *sql.DB
	// driver, which is about to be closed by the deferred db.Close anyway.
	if err := source.Close(); err != nil {
		return fmt.Errorf("closing migration source: %w", err)
	}
	return nil
}

// databaseName extracts the database name from a connection URL for
// golang-migrate's instance naming. Best effort; migrate only logs it.
func databaseName(url string) string {
	trimmed := url
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	if i := strings.Index(trimmed, "?"); i >= 0 {
		trimmed = trimmed[:i]
	}
	if trimmed == "" {
		return "postgres"
	}
	return trimmed
}

func hasEmbeddedMigrations() (bool, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("reading embedded migrations: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			return true, nil
		}
	}
	return false, nil
}
