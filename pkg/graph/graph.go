package graph

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ruleiq/orchestrator/pkg/evidence"
	"github.com/ruleiq/orchestrator/pkg/fault"
	"github.com/ruleiq/orchestrator/pkg/knowledge"
	"github.com/ruleiq/orchestrator/pkg/llm"
)

// Start and End are the reserved pseudo-nodes every graph connects to.
const (
	Start = "START"
	End   = "END"
)

// Capability names an external service a node depends on. The executor
// verifies the declared capabilities are wired before running a graph.
type Capability string

const (
	CapLLM       Capability = "LLM"
	CapKnowledge Capability = "KG"
	CapCache     Capability = "CACHE"
	CapEvidence  Capability = "EVIDENCE"
	CapArtifacts Capability = "ARTIFACTS"
	CapHuman     Capability = "HUMAN"
)

// EvidenceCollector triggers evidence collection for a run. Implemented by
// evidence.Runner; an interface here keeps heavy store dependencies out of
// executor tests.
type EvidenceCollector interface {
	Collect(ctx context.Context, req evidence.Request) (*evidence.Result, error)
}

// Artifact is a durable record a node persists outside the run state.
// Payload is JSON; Key dedupes replays at the store.
type Artifact struct {
	Key      string
	RunID    string
	TenantID string
	Kind     string
	Payload  []byte
}

// ArtifactStore persists artifacts at most once per key.
type ArtifactStore interface {
	Save(ctx context.Context, a Artifact) error
}

// Capabilities bundles the services nodes may call. EmitChunk is set per run
// by the executor and is always safe to call.
type Capabilities struct {
	LLM       *llm.Client
	Knowledge *knowledge.Client
	Evidence  EvidenceCollector
	Artifacts ArtifactStore
	EmitChunk func(text string)
}

func (c Capabilities) verify(n *Node) error {
	for _, required := range n.Capabilities {
		var missing bool
		switch required {
		case CapLLM, CapCache:
			// The response cache rides inside the LLM client.
			missing = c.LLM == nil
		case CapKnowledge:
			missing = c.Knowledge == nil
		case CapEvidence:
			missing = c.Evidence == nil
		case CapArtifacts:
			missing = c.Artifacts == nil
		case CapHuman:
			// Human input arrives through Resume; nothing to inject.
		default:
			return fault.Newf(fault.KindInternal, "node %s declares unknown capability %q", n.Name, required)
		}
		if missing {
			return fault.Newf(fault.KindInternal, "node %s requires capability %s which is not wired", n.Name, required)
		}
	}
	return nil
}

// NodeFunc executes one node against a cloned state and returns the delta to
// merge. Returning an error discards the delta.
type NodeFunc func(ctx context.Context, caps Capabilities, state *RunState) (Delta, error)

// Node is one unit of work in a graph.
type Node struct {
	// Name is unique within the graph and appears in checkpoints and events.
	Name string
	// Capabilities lists the services the node calls.
	Capabilities []Capability
	// Timeout bounds one invocation; 0 uses the executor default.
	Timeout time.Duration
	// MaxAttempts retries failed invocations; 0 means one attempt. Nodes
	// with side effects keep the default.
	MaxAttempts int
	// FailFast terminates the run on failure instead of recording the error
	// and routing onward.
	FailFast bool
	// IdempotencyKey derives a replay key from the pre-execution state. When
	// the latest checkpoint carries the same node and key, the checkpointed
	// state is adopted instead of re-executing.
	IdempotencyKey func(state *RunState) string
	// Fn does the work.
	Fn NodeFunc
}

// Edge routes from one node to the next. Edges sharing a From are evaluated
// in ascending Priority order and the first match wins; a nil Predicate
// always matches.
type Edge struct {
	From      string
	To        string
	Label     string
	Predicate func(state *RunState) bool
	Priority  int
	// Loop marks an intentional back-edge. Validation rejects cycles that
	// are not made of loop edges; the turn guard bounds them at runtime.
	Loop bool
}

// Graph is a validated directed multigraph of nodes. Build one with New,
// AddNode, and AddEdge, then call Validate before executing.
type Graph struct {
	name      string
	nodes     map[string]*Node
	order     []string
	edges     map[string][]Edge
	entry     string
	validated bool
}

// New returns an empty graph.
func New(name string) *Graph {
	return &Graph{
		name:  name,
		nodes: make(map[string]*Node),
		edges: make(map[string][]Edge),
	}
}

// Name returns the graph's name.
func (g *Graph) Name() string { return g.name }

// AddNode registers a node. Duplicate or reserved names surface in Validate.
func (g *Graph) AddNode(n *Node) *Graph {
	if _, dup := g.nodes[n.Name]; !dup {
		g.order = append(g.order, n.Name)
	}
	g.nodes[n.Name] = n
	g.validated = false
	return g
}

// AddEdge registers an edge.
func (g *Graph) AddEdge(e Edge) *Graph {
	g.edges[e.From] = append(g.edges[e.From], e)
	g.validated = false
	return g
}

// Node returns a registered node by name.
func (g *Graph) Node(name string) (*Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// Validate checks the graph's shape: exactly one unconditional entry edge
// from START, at least one edge to END, no unknown endpoints, no unreachable
// nodes, every node routed onward, and no cycles outside loop edges. Edge
// lists are sorted by priority as a side effect.
func (g *Graph) Validate() error {
	if len(g.nodes) == 0 {
		return fault.New(fault.KindInvalidInput, "graph has no nodes")
	}
	for _, name := range g.order {
		n := g.nodes[name]
		if name == "" || name == Start || name == End {
			return fault.Newf(fault.KindInvalidInput, "node name %q is reserved", name)
		}
		if n.Fn == nil {
			return fault.Newf(fault.KindInvalidInput, "node %s has no function", name)
		}
	}

	entries := g.edges[Start]
	if len(entries) != 1 {
		return fault.Newf(fault.KindInvalidInput, "graph needs exactly one START edge, has %d", len(entries))
	}
	if entries[0].Predicate != nil {
		return fault.New(fault.KindInvalidInput, "the START edge must be unconditional")
	}

	endEdges := 0
	for from, list := range g.edges {
		if from != Start {
			if _, ok := g.nodes[from]; !ok {
				return fault.Newf(fault.KindInvalidInput, "edge from unknown node %q", from)
			}
		}
		for _, e := range list {
			if e.To == End {
				endEdges++
				continue
			}
			if _, ok := g.nodes[e.To]; !ok {
				return fault.Newf(fault.KindInvalidInput, "edge %s -> %s targets an unknown node", e.From, e.To)
			}
		}
		sort.SliceStable(list, func(i, j int) bool { return list[i].Priority < list[j].Priority })
	}
	if endEdges == 0 {
		return fault.New(fault.KindInvalidInput, "graph has no edge to END")
	}

	reached := map[string]bool{}
	queue := []string{entries[0].To}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if name == End || reached[name] {
			continue
		}
		reached[name] = true
		for _, e := range g.edges[name] {
			queue = append(queue, e.To)
		}
	}
	for _, name := range g.order {
		if !reached[name] {
			return fault.Newf(fault.KindInvalidInput, "node %s is unreachable from START", name)
		}
		if len(g.edges[name]) == 0 {
			return fault.Newf(fault.KindInvalidInput, "node %s has no outgoing edge", name)
		}
	}

	if cycle := g.findForwardCycle(); cycle != "" {
		return fault.Newf(fault.KindInvalidInput, "cycle through %s is not marked as a loop edge", cycle)
	}

	g.entry = entries[0].To
	g.validated = true
	return nil
}

// findForwardCycle runs a three-color depth-first search over non-loop edges
// and returns a node on a cycle, or "".
func (g *Graph) findForwardCycle() string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.nodes))
	var visit func(name string) string
	visit = func(name string) string {
		color[name] = gray
		for _, e := range g.edges[name] {
			if e.Loop || e.To == End {
				continue
			}
			switch color[e.To] {
			case gray:
				return e.To
			case white:
				if hit := visit(e.To); hit != "" {
					return hit
				}
			}
		}
		color[name] = black
		return ""
	}
	for _, name := range g.order {
		if color[name] == white {
			if hit := visit(name); hit != "" {
				return hit
			}
		}
	}
	return ""
}

// nextNode evaluates a node's outgoing edges against state and returns the
// first match.
func (g *Graph) nextNode(from string, state *RunState) (string, error) {
	for _, e := range g.edges[from] {
		if e.Predicate == nil || e.Predicate(state) {
			return e.To, nil
		}
	}
	return "", fault.Newf(fault.KindInternal, "no edge out of %s matched the run state", from)
}

// verifyCapabilities checks every node's declared capabilities against the
// wired set.
func (g *Graph) verifyCapabilities(caps Capabilities) error {
	for _, name := range g.order {
		if err := caps.verify(g.nodes[name]); err != nil {
			return err
		}
	}
	return nil
}

func (g *Graph) String() string {
	return fmt.Sprintf("graph %s (%d nodes)", g.name, len(g.nodes))
}
