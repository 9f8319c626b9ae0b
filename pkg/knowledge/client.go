package knowledge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ruleiq/orchestrator/pkg/config"
	"github.com/ruleiq/orchestrator/pkg/fault"
)

// Client serves knowledge graph queries from the latest loaded snapshot.
type Client struct {
	source   Source
	embedder Embedder
	interval time.Duration

	mu   sync.RWMutex
	snap *Snapshot
}

// New builds a client. Call Reload before serving queries; Run keeps the
// snapshot fresh in the background.
func New(cfg config.KnowledgeConfig, source Source, embedder Embedder) *Client {
	return &Client{
		source:   source,
		embedder: embedder,
		interval: cfg.ReloadInterval,
		snap:     NewSnapshot(SnapshotData{}),
	}
}

// Reload builds a fresh snapshot and swaps it in. The previous snapshot
// keeps serving reads until the swap.
func (c *Client) Reload(ctx context.Context) error {
	data, err := c.source.Load(ctx)
	if err != nil {
		return fault.Wrap(fault.KindInternal, "knowledge.reload", err)
	}
	snap := NewSnapshot(data)

	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()

	stats := snap.Stats()
	slog.Info("Knowledge graph snapshot loaded",
		"frameworks", stats.Frameworks,
		"obligations", stats.Obligations,
		"controls", stats.Controls,
		"edges", stats.Edges,
		"embedded", stats.Embedded)
	return nil
}

// Run reloads on the configured interval until ctx is cancelled. Failed
// reloads keep the previous snapshot and are retried next tick.
func (c *Client) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Reload(ctx); err != nil {
				slog.Error("Knowledge graph reload failed", "error", err)
			}
		}
	}
}

func (c *Client) snapshot() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// Stats reports the current snapshot's sizes.
func (c *Client) Stats() Stats {
	return c.snapshot().Stats()
}

// ObligationsByFramework lists a framework's obligations ordered by article
// reference.
func (c *Client) ObligationsByFramework(ctx context.Context, framework string) ([]Obligation, error) {
	if err := ctx.Err(); err != nil {
		return nil, fault.Wrap(fault.KindCancelled, "knowledge.obligations", err)
	}
	snap := c.snapshot()
	if !snap.HasFramework(framework) {
		return nil, fault.Newf(fault.KindNotFound, "framework %q not found", framework)
	}
	return snap.ObligationsByFramework(framework), nil
}

// maxCrossRefDepth bounds the CROSS_REFERENCES traversal.
const maxCrossRefDepth = 2

// CrossReferenced returns obligations linked to origin through up to two
// CROSS_REFERENCES hops, nearest first, origin excluded.
func (c *Client) CrossReferenced(ctx context.Context, obligationID string) ([]Obligation, error) {
	if err := ctx.Err(); err != nil {
		return nil, fault.Wrap(fault.KindCancelled, "knowledge.crossrefs", err)
	}
	snap := c.snapshot()
	if _, ok := snap.Obligation(obligationID); !ok {
		return nil, fault.Newf(fault.KindNotFound, "obligation %q not found", obligationID)
	}
	return snap.CrossReferenced(obligationID, maxCrossRefDepth), nil
}

// ControlsForObligation lists the controls implementing an obligation.
func (c *Client) ControlsForObligation(ctx context.Context, obligationID string) ([]Control, error) {
	if err := ctx.Err(); err != nil {
		return nil, fault.Wrap(fault.KindCancelled, "knowledge.controls", err)
	}
	snap := c.snapshot()
	if _, ok := snap.Obligation(obligationID); !ok {
		return nil, fault.Newf(fault.KindNotFound, "obligation %q not found", obligationID)
	}
	return snap.ControlsForObligation(obligationID), nil
}

// PenaltiesForObligation lists the sanctions attached to an obligation.
func (c *Client) PenaltiesForObligation(ctx context.Context, obligationID string) ([]Penalty, error) {
	if err := ctx.Err(); err != nil {
		return nil, fault.Wrap(fault.KindCancelled, "knowledge.penalties", err)
	}
	snap := c.snapshot()
	if _, ok := snap.Obligation(obligationID); !ok {
		return nil, fault.Newf(fault.KindNotFound, "obligation %q not found", obligationID)
	}
	return snap.PenaltiesForObligation(obligationID), nil
}

// SearchObligations ranks obligations against a free-text query, fusing
// lexical and vector rankings. Embedding failures degrade to lexical-only
// search rather than failing the query.
func (c *Client) SearchObligations(ctx context.Context, query string, k int) ([]Obligation, error) {
	if err := ctx.Err(); err != nil {
		return nil, fault.Wrap(fault.KindCancelled, "knowledge.search", err)
	}
	if query == "" {
		return nil, fault.New(fault.KindInvalidInput, "search query is empty")
	}

	var queryVec []float32
	if c.embedder != nil {
		vec, err := c.embedder.Embed(ctx, query)
		if err != nil {
			slog.Warn("Query embedding failed, using lexical search only", "error", err)
		} else {
			queryVec = vec
		}
	}
	return c.snapshot().SearchObligations(query, queryVec, k), nil
}
