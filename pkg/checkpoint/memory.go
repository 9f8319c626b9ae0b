package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ruleiq/orchestrator/pkg/fault"
)

// MemoryStore holds checkpoints in process memory. It mirrors PGStore
// semantics exactly so executor tests exercise the same contract the
// production store enforces.
type MemoryStore struct {
	mu   sync.Mutex
	runs map[string][]Checkpoint
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string][]Checkpoint)}
}

func (s *MemoryStore) Put(ctx context.Context, cp Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateFrame(cp); err != nil {
		return err
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.Snapshot = append([]byte(nil), cp.Snapshot...)

	s.mu.Lock()
	defer s.mu.Unlock()
	frames := s.runs[cp.RunID]
	if n := len(frames); n > 0 && frames[n-1].Version >= cp.Version {
		return versionConflict(cp)
	}
	s.runs[cp.RunID] = append(frames, cp)
	return nil
}

func (s *MemoryStore) LatestVersion(ctx context.Context, runID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	frames := s.runs[runID]
	if len(frames) == 0 {
		return 0, nil
	}
	return frames[len(frames)-1].Version, nil
}

func (s *MemoryStore) Load(ctx context.Context, runID string, version int) (Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return Checkpoint{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cp := range s.runs[runID] {
		if cp.Version == version {
			cp.Snapshot = append([]byte(nil), cp.Snapshot...)
			return cp, nil
		}
	}
	return Checkpoint{}, &fault.Error{
		Kind: fault.KindNotFound,
		Op:   "checkpoint.load",
		Msg:  fmt.Sprintf("run %s has no checkpoint version %d", runID, version),
	}
}

func (s *MemoryStore) List(ctx context.Context, runID string) ([]Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	frames := s.runs[runID]
	out := make([]Checkpoint, 0, len(frames))
	for _, cp := range frames {
		cp.Snapshot = nil
		out = append(out, cp)
	}
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, runID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, runID)
	return nil
}

func (s *MemoryStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-age)

	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for runID, frames := range s.runs {
		kept := frames[:0]
		for _, cp := range frames {
			if cp.CreatedAt.Before(cutoff) {
				deleted++
				continue
			}
			kept = append(kept, cp)
		}
		if len(kept) == 0 {
			delete(s.runs, runID)
			continue
		}
		s.runs[runID] = kept
	}
	return deleted, nil
}
