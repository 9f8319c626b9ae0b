package evidence

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore keeps the evidence registry in the evidence table. The
// (tenant_id, fingerprint) unique constraint backs the at-most-once
// guarantee; Insert folds the dedup check and the write into one statement.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore wraps a shared connection pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Insert(ctx context.Context, item Item) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO evidence (id, tenant_id, fingerprint, source_system, evidence_type,
			control_ids, quality_score, flagged, processed, collected_at, raw_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (tenant_id, fingerprint) DO NOTHING`,
		item.ID, item.TenantID, item.Fingerprint, item.SourceSystem, item.Type,
		item.ControlIDs, item.QualityScore, item.Flagged, item.Processed,
		item.CollectedAt, item.RawRef)
	if err != nil {
		return false, fmt.Errorf("inserting evidence: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
