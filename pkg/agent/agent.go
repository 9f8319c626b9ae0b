// Package agent assembles the compliance analysis graph. Six nodes carry a
// run from a raw query to a persisted, user-facing answer: PERCEIVE parses
// the query, PLAN turns it into ordered sub-tasks, ACT executes them
// against the knowledge graph, the evidence orchestrator, and the model
// chain, LEARN distills a schema-validated conclusion, REMEMBER persists
// the durable artifacts, and RESPOND writes the answer back, streamed when
// the caller asked for it. A low-confidence ACT pass loops back to PLAN
// for refinement until the turn budget's halfway mark.
package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"

	"github.com/ruleiq/orchestrator/pkg/budget"
	"github.com/ruleiq/orchestrator/pkg/config"
	"github.com/ruleiq/orchestrator/pkg/graph"
	"github.com/ruleiq/orchestrator/pkg/llm"
)

// Node names as they appear in checkpoints and events.
const (
	NodePerceive = "PERCEIVE"
	NodePlan     = "PLAN"
	NodeAct      = "ACT"
	NodeLearn    = "LEARN"
	NodeRemember = "REMEMBER"
	NodeRespond  = "RESPOND"
)

// Metadata keys the nodes read and write.
const (
	metaFrameworks = "frameworks"
	metaControls   = "control_mentions"
	metaProfile    = "business_profile"
	metaPlan       = "plan"

	// MetaStream marks a run for chunked response streaming. The embedding
	// layer sets it to "true" when the caller asked to stream.
	MetaStream = "stream"
)

// DefaultConfidenceThreshold gates the ACT -> PLAN refinement loop.
const DefaultConfidenceThreshold = 0.6

// DefaultRetrievalLimit is how many obligations one retrieval targets.
const DefaultRetrievalLimit = 5

// Config tunes the graph's routing and retrieval behaviour.
type Config struct {
	// MaxTurns mirrors the executor's turn budget; the refinement loop
	// stops at half of it.
	MaxTurns int
	// ConfidenceThreshold is the interim confidence below which ACT loops
	// back to PLAN.
	ConfidenceThreshold float64
	// RetrievalLimit bounds obligations fetched per retrieval.
	RetrievalLimit int
}

func (c Config) withDefaults() Config {
	if c.MaxTurns <= 0 {
		c.MaxTurns = config.DefaultMaxTurns
	}
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if c.RetrievalLimit <= 0 {
		c.RetrievalLimit = DefaultRetrievalLimit
	}
	return c
}

// Build wires the compliance graph. The returned graph is validated lazily
// by the executor on first use.
func Build(cfg Config) *graph.Graph {
	cfg = cfg.withDefaults()

	g := graph.New("compliance")
	g.AddNode(&graph.Node{
		Name:     NodePerceive,
		FailFast: true,
		Fn:       perceiveNode,
	})
	g.AddNode(&graph.Node{
		Name:         NodePlan,
		Capabilities: []graph.Capability{graph.CapLLM, graph.CapCache},
		MaxAttempts:  3,
		Fn:           planNode,
	})
	g.AddNode(&graph.Node{
		Name:         NodeAct,
		Capabilities: []graph.Capability{graph.CapLLM, graph.CapKnowledge, graph.CapEvidence},
		Fn:           actNode(cfg),
	})
	g.AddNode(&graph.Node{
		Name:         NodeLearn,
		Capabilities: []graph.Capability{graph.CapLLM},
		MaxAttempts:  3,
		FailFast:     true,
		Fn:           learnNode,
	})
	g.AddNode(&graph.Node{
		Name:           NodeRemember,
		Capabilities:   []graph.Capability{graph.CapArtifacts},
		FailFast:       true,
		IdempotencyKey: rememberKey,
		Fn:             rememberNode,
	})
	g.AddNode(&graph.Node{
		Name:         NodeRespond,
		Capabilities: []graph.Capability{graph.CapLLM},
		Fn:           respondNode,
	})

	g.AddEdge(graph.Edge{From: graph.Start, To: NodePerceive})
	g.AddEdge(graph.Edge{From: NodePerceive, To: NodePlan})
	g.AddEdge(graph.Edge{From: NodePlan, To: NodeAct})
	g.AddEdge(graph.Edge{
		From:      NodeAct,
		To:        NodePlan,
		Label:     "refine",
		Priority:  0,
		Loop:      true,
		Predicate: refinePredicate(cfg),
	})
	g.AddEdge(graph.Edge{From: NodeAct, To: NodeLearn, Priority: 1})
	g.AddEdge(graph.Edge{From: NodeLearn, To: NodeRemember})
	g.AddEdge(graph.Edge{From: NodeRemember, To: NodeRespond})
	g.AddEdge(graph.Edge{From: NodeRespond, To: graph.End})
	return g
}

// refinePredicate sends a shaky ACT pass back to PLAN. A missing interim
// conclusion counts as zero confidence so a failed ACT gets another round
// while the turn budget allows one.
func refinePredicate(cfg Config) func(*graph.RunState) bool {
	return func(s *graph.RunState) bool {
		confidence := 0.0
		if s.Conclusion != nil {
			if s.Conclusion.Final {
				return false
			}
			confidence = s.Conclusion.Confidence
		}
		return confidence < cfg.ConfidenceThreshold && s.TurnCount < cfg.MaxTurns/2
	}
}

func scopeOf(state *graph.RunState) budget.ScopeRef {
	return budget.ScopeRef{TenantID: state.TenantID, UserID: state.UserID}
}

// callCost converts one model response into run cost totals.
func callCost(resp *llm.Response) graph.CostTotals {
	c := graph.CostTotals{
		TotalUSD:     resp.CostUSD,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		LLMCalls:     1,
	}
	if resp.Cached {
		c.CacheHits = 1
	}
	return c
}

// contextHash digests the retrieval and evidence context behind a prompt so
// the response cache distinguishes calls with different grounding.
func contextHash(state *graph.RunState, delta *graph.Delta) string {
	h := sha256.New()
	r := state.Retrieval
	if delta != nil && delta.Retrieval != nil {
		r = delta.Retrieval
	}
	if r != nil {
		for _, ob := range r.Obligations {
			io.WriteString(h, ob.ID)
			h.Write([]byte{0})
		}
	}
	for _, item := range state.Evidence {
		io.WriteString(h, item.Fingerprint)
		h.Write([]byte{0})
	}
	if delta != nil {
		for _, item := range delta.Evidence {
			io.WriteString(h, item.Fingerprint)
			h.Write([]byte{0})
		}
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func splitList(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
