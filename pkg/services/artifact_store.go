package services

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ruleiq/orchestrator/pkg/fault"
	"github.com/ruleiq/orchestrator/pkg/graph"
)

// ArtifactStore persists run artifacts into PostgreSQL. Keys dedupe: saving
// an existing key is a silent no-op, which is what makes node replays after
// a resume safe.
type ArtifactStore struct {
	pool *pgxpool.Pool
}

// NewArtifactStore wraps the shared connection pool.
func NewArtifactStore(pool *pgxpool.Pool) *ArtifactStore {
	return &ArtifactStore{pool: pool}
}

// Save implements graph.ArtifactStore.
func (s *ArtifactStore) Save(ctx context.Context, a graph.Artifact) error {
	if a.Key == "" {
		return fault.New(fault.KindInvalidInput, "artifact key is required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO artifacts (key, run_id, tenant_id, kind, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO NOTHING`,
		a.Key, a.RunID, a.TenantID, a.Kind, a.Payload)
	return fault.Wrap(fault.KindInternal, "artifacts.save", err)
}
