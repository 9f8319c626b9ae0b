package knowledge

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Source loads raw graph content for a snapshot.
type Source interface {
	Load(ctx context.Context) (SnapshotData, error)
}

// PGSource reads the kg_* tables written by ingestion pipelines.
type PGSource struct {
	pool *pgxpool.Pool
}

func NewPGSource(pool *pgxpool.Pool) *PGSource {
	return &PGSource{pool: pool}
}

func (s *PGSource) Load(ctx context.Context) (SnapshotData, error) {
	var data SnapshotData

	rows, err := s.pool.Query(ctx, `SELECT id, name, version FROM kg_frameworks`)
	if err != nil {
		return data, fmt.Errorf("load frameworks: %w", err)
	}
	for rows.Next() {
		var f Framework
		if err := rows.Scan(&f.ID, &f.Name, &f.Version); err != nil {
			rows.Close()
			return data, fmt.Errorf("scan framework: %w", err)
		}
		data.Frameworks = append(data.Frameworks, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return data, fmt.Errorf("load frameworks: %w", err)
	}

	rows, err = s.pool.Query(ctx,
		`SELECT id, framework_id, article_ref, title, body, embedding FROM kg_obligations`)
	if err != nil {
		return data, fmt.Errorf("load obligations: %w", err)
	}
	for rows.Next() {
		var o Obligation
		var embedding []byte
		if err := rows.Scan(&o.ID, &o.Framework, &o.ArticleRef, &o.Title, &o.Body, &embedding); err != nil {
			rows.Close()
			return data, fmt.Errorf("scan obligation: %w", err)
		}
		o.Embedding = DecodeVector(embedding)
		data.Obligations = append(data.Obligations, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return data, fmt.Errorf("load obligations: %w", err)
	}

	rows, err = s.pool.Query(ctx, `SELECT id, name, description FROM kg_controls`)
	if err != nil {
		return data, fmt.Errorf("load controls: %w", err)
	}
	for rows.Next() {
		var c Control
		if err := rows.Scan(&c.ID, &c.Name, &c.Description); err != nil {
			rows.Close()
			return data, fmt.Errorf("scan control: %w", err)
		}
		data.Controls = append(data.Controls, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return data, fmt.Errorf("load controls: %w", err)
	}

	rows, err = s.pool.Query(ctx, `SELECT id, description, max_amount FROM kg_penalties`)
	if err != nil {
		return data, fmt.Errorf("load penalties: %w", err)
	}
	for rows.Next() {
		var p Penalty
		if err := rows.Scan(&p.ID, &p.Description, &p.MaxAmount); err != nil {
			rows.Close()
			return data, fmt.Errorf("scan penalty: %w", err)
		}
		data.Penalties = append(data.Penalties, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return data, fmt.Errorf("load penalties: %w", err)
	}

	rows, err = s.pool.Query(ctx, `SELECT from_id, to_id, edge_type FROM kg_edges`)
	if err != nil {
		return data, fmt.Errorf("load edges: %w", err)
	}
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.From, &e.To, &e.Type); err != nil {
			rows.Close()
			return data, fmt.Errorf("scan edge: %w", err)
		}
		data.Edges = append(data.Edges, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return data, fmt.Errorf("load edges: %w", err)
	}

	return data, nil
}

// StaticSource serves fixed data, for tests and seeded deployments.
type StaticSource struct {
	Data SnapshotData
}

func (s *StaticSource) Load(context.Context) (SnapshotData, error) {
	return s.Data, nil
}
