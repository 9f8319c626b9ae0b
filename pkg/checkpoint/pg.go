package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ruleiq/orchestrator/pkg/fault"
)

// uniqueViolation is the Postgres error code raised when an insert collides
// with the (run_id, version) primary key.
const uniqueViolation = "23505"

// PGStore keeps checkpoints in the checkpoints table.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore wraps a shared connection pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Put inserts one frame. The guarded insert refuses any version at or below
// the run's current latest; a concurrent duplicate that slips past the guard
// is caught by the primary key. Both cases surface as VersionConflict.
func (s *PGStore) Put(ctx context.Context, cp Checkpoint) error {
	if err := validateFrame(cp); err != nil {
		return err
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO checkpoints (run_id, version, node, idempotency_key, snapshot, created_at)
		SELECT $1, $2, $3, $4, $5, $6
		WHERE NOT EXISTS (
			SELECT 1 FROM checkpoints WHERE run_id = $1 AND version >= $2
		)`,
		cp.RunID, cp.Version, cp.Node, cp.IdempotencyKey, cp.Snapshot, cp.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return versionConflict(cp)
		}
		return fmt.Errorf("inserting checkpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return versionConflict(cp)
	}
	return nil
}

func (s *PGStore) LatestVersion(ctx context.Context, runID string) (int, error) {
	var version int
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM checkpoints WHERE run_id = $1`,
		runID).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("querying latest checkpoint version: %w", err)
	}
	return version, nil
}

func (s *PGStore) Load(ctx context.Context, runID string, version int) (Checkpoint, error) {
	var cp Checkpoint
	err := s.pool.QueryRow(ctx, `
		SELECT run_id, version, node, idempotency_key, snapshot, created_at
		FROM checkpoints
		WHERE run_id = $1 AND version = $2`,
		runID, version).Scan(&cp.RunID, &cp.Version, &cp.Node, &cp.IdempotencyKey, &cp.Snapshot, &cp.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Checkpoint{}, &fault.Error{
			Kind: fault.KindNotFound,
			Op:   "checkpoint.load",
			Msg:  fmt.Sprintf("run %s has no checkpoint version %d", runID, version),
		}
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("loading checkpoint: %w", err)
	}
	return cp, nil
}

func (s *PGStore) List(ctx context.Context, runID string) ([]Checkpoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT run_id, version, node, idempotency_key, created_at
		FROM checkpoints
		WHERE run_id = $1
		ORDER BY version`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		if err := rows.Scan(&cp.RunID, &cp.Version, &cp.Node, &cp.IdempotencyKey, &cp.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning checkpoint row: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *PGStore) Delete(ctx context.Context, runID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM checkpoints WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("deleting checkpoints: %w", err)
	}
	return nil
}

func (s *PGStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age)
	tag, err := s.pool.Exec(ctx, `DELETE FROM checkpoints WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting expired checkpoints: %w", err)
	}
	return tag.RowsAffected(), nil
}

func versionConflict(cp Checkpoint) error {
	return &fault.Error{
		Kind: fault.KindVersionConflict,
		Op:   "checkpoint.put",
		Msg:  fmt.Sprintf("run %s already has a checkpoint at or above version %d", cp.RunID, cp.Version),
	}
}
