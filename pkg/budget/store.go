package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Row is one persisted budget window.
type Row struct {
	Scope         string    `json:"scope"`
	ScopeID       string    `json:"scope_id,omitempty"`
	Window        string    `json:"window"`
	LimitUSD      float64   `json:"limit_usd"`
	UsedUSD       float64   `json:"used_usd"`
	ReservedUSD   float64   `json:"reserved_usd,omitempty"`
	SoftThreshold float64   `json:"soft_threshold"`
	HardThreshold float64   `json:"hard_threshold"`
	WindowStart   time.Time `json:"window_start"`
}

// Store persists budget windows across restarts.
type Store interface {
	Load(ctx context.Context) ([]Row, error)
	Upsert(ctx context.Context, row Row) error
}

// PGStore keeps budget windows in the budgets table.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore wraps a shared connection pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Load(ctx context.Context) ([]Row, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT scope, scope_id, window_kind, limit_usd, used_usd,
		       soft_threshold, hard_threshold, window_start
		FROM budgets`)
	if err != nil {
		return nil, fmt.Errorf("querying budgets: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.Scope, &r.ScopeID, &r.Window, &r.LimitUSD, &r.UsedUSD,
			&r.SoftThreshold, &r.HardThreshold, &r.WindowStart); err != nil {
			return nil, fmt.Errorf("scanning budget row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PGStore) Upsert(ctx context.Context, row Row) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO budgets (scope, scope_id, window_kind, limit_usd, used_usd,
		                     soft_threshold, hard_threshold, window_start)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (scope, scope_id, window_kind) DO UPDATE SET
			limit_usd = EXCLUDED.limit_usd,
			used_usd = EXCLUDED.used_usd,
			soft_threshold = EXCLUDED.soft_threshold,
			hard_threshold = EXCLUDED.hard_threshold,
			window_start = EXCLUDED.window_start`,
		row.Scope, row.ScopeID, row.Window, row.LimitUSD, row.UsedUSD,
		row.SoftThreshold, row.HardThreshold, row.WindowStart)
	if err != nil {
		return fmt.Errorf("upserting budget row: %w", err)
	}
	return nil
}

// MemoryStore is the in-process Store used by tests and by deployments that
// accept losing usage totals on restart.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]Row
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]Row)}
}

func (s *MemoryStore) Load(_ context.Context) ([]Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Row, 0, len(s.rows))
	for _, r := range s.rows {
		out = append(out, r)
	}
	return out, nil
}

func (s *MemoryStore) Upsert(_ context.Context, row Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rows[row.Scope+"|"+row.ScopeID+"|"+row.Window] = row
	return nil
}
