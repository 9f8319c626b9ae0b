package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ruleiq/orchestrator/pkg/fault"
	"github.com/ruleiq/orchestrator/pkg/graph"
	"github.com/ruleiq/orchestrator/pkg/llm"
)

// Tools a planned task may run against.
const (
	ToolSearch   = "search_obligations"
	ToolEvidence = "collect_evidence"
	ToolGenerate = "generate"
)

const maxPlanTasks = 8

// Task is one planned unit of work.
type Task struct {
	Goal string `json:"goal"`
	Tool string `json:"tool"`
}

// Plan is the ordered task list PLAN produces and ACT consumes. It crosses
// the node boundary as JSON in run metadata.
type Plan struct {
	Tasks []Task `json:"tasks"`
}

const rawPlanSchema = `{
  "type": "object",
  "required": ["tasks"],
  "additionalProperties": false,
  "properties": {
    "tasks": {
      "type": "array",
      "minItems": 1,
      "maxItems": 8,
      "items": {
        "type": "object",
        "required": ["goal", "tool"],
        "additionalProperties": false,
        "properties": {
          "goal": {"type": "string", "minLength": 3},
          "tool": {"type": "string", "enum": ["search_obligations", "collect_evidence", "generate"]}
        }
      }
    }
  }
}`

var planSchema = llm.MustCompileSchema("plan", []byte(rawPlanSchema))

// planNode asks the model for an ordered task list. A response that fails
// the plan schema falls back to the deterministic heuristic plan instead of
// failing the run; every other model error propagates and is retried by the
// node policy.
func planNode(ctx context.Context, caps graph.Capabilities, state *graph.RunState) (graph.Delta, error) {
	req := &llm.Request{
		System:         planSystemPrompt,
		Messages:       []llm.Message{{Role: llm.RoleUser, Content: buildPlanPrompt(state)}},
		ResponseSchema: planSchema,
		Complexity:     planComplexity(state.Query),
		Temperature:    0.2,
		MaxTokens:      512,
		Scope:          scopeOf(state),
	}

	var plan Plan
	var cost graph.CostTotals
	resp, err := caps.LLM.Generate(ctx, req)
	switch {
	case err == nil:
		cost = callCost(resp)
		if derr := planSchema.Decode(resp.Content, &plan); derr != nil {
			plan = heuristicPlan(state)
		}
	case fault.Is(err, fault.KindSchemaViolation):
		plan = heuristicPlan(state)
	default:
		return graph.Delta{}, err
	}

	plan = clampPlan(plan, state)
	raw, err := json.Marshal(plan)
	if err != nil {
		return graph.Delta{}, fault.Wrap(fault.KindInternal, "agent.plan", err)
	}
	return graph.Delta{
		Metadata: map[string]string{metaPlan: string(raw)},
		Memory:   []graph.MemoryEntry{{Key: "plan", Value: describePlan(plan)}},
		Cost:     cost,
	}, nil
}

// planComplexity scores how demanding planning is, from query length and
// ambiguity markers, on the selector's 0..1 scale.
func planComplexity(query string) float64 {
	words := strings.Fields(strings.ToLower(query))
	c := 0.2 + float64(len(words))/100
	for _, w := range words {
		switch strings.Trim(w, ".,;:!?") {
		case "and", "or", "versus", "vs", "compare", "all", "every", "across", "between":
			c += 0.05
		}
	}
	if strings.Count(query, "?") > 1 {
		c += 0.1
	}
	return clamp01(c)
}

// heuristicPlan is the deterministic fallback: retrieve obligations, pull
// evidence when the query names controls, then generate the analysis.
func heuristicPlan(state *graph.RunState) Plan {
	tasks := []Task{{Goal: "retrieve obligations relevant to the query", Tool: ToolSearch}}
	if state.Metadata[metaControls] != "" {
		tasks = append(tasks, Task{Goal: "collect evidence for the mentioned controls", Tool: ToolEvidence})
	}
	tasks = append(tasks, Task{Goal: "analyse the compliance posture against the retrieved obligations", Tool: ToolGenerate})
	return Plan{Tasks: tasks}
}

// clampPlan drops tasks with unknown tools and bounds the list. An empty
// result falls back to the heuristic plan so ACT always has work.
func clampPlan(p Plan, state *graph.RunState) Plan {
	kept := p.Tasks[:0]
	for _, t := range p.Tasks {
		switch t.Tool {
		case ToolSearch, ToolEvidence, ToolGenerate:
			kept = append(kept, t)
		}
	}
	p.Tasks = kept
	if len(p.Tasks) == 0 {
		return heuristicPlan(state)
	}
	if len(p.Tasks) > maxPlanTasks {
		p.Tasks = p.Tasks[:maxPlanTasks]
	}
	return p
}

func decodePlan(state *graph.RunState) (Plan, error) {
	raw := state.Metadata[metaPlan]
	if raw == "" {
		return Plan{}, fault.New(fault.KindInternal, "run state carries no plan")
	}
	var p Plan
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Plan{}, fault.Wrap(fault.KindInternal, "agent.act", err)
	}
	return p, nil
}

func describePlan(p Plan) string {
	parts := make([]string, 0, len(p.Tasks))
	for _, t := range p.Tasks {
		parts = append(parts, fmt.Sprintf("%s(%s)", t.Tool, t.Goal))
	}
	return strings.Join(parts, "; ")
}
