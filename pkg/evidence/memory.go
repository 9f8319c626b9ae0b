package evidence

import (
	"context"
	"sync"
)

// MemoryStore keeps evidence in process memory. It mirrors PGStore dedup
// semantics so orchestrator tests exercise the same contract the production
// registry enforces.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]Item // tenant_id + "\x00" + fingerprint
	order []string
}

// NewMemoryStore returns an empty in-memory registry.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]Item)}
}

func (s *MemoryStore) Insert(ctx context.Context, item Item) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	key := item.TenantID + "\x00" + item.Fingerprint

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[key]; ok {
		return false, nil
	}
	item.ControlIDs = append([]string(nil), item.ControlIDs...)
	s.items[key] = item
	s.order = append(s.order, key)
	return true, nil
}

// Items returns every stored item in insertion order.
func (s *MemoryStore) Items() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Item, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, s.items[key])
	}
	return out
}
