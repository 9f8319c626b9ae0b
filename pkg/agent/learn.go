package agent

import (
	"context"

	"github.com/ruleiq/orchestrator/pkg/graph"
	"github.com/ruleiq/orchestrator/pkg/llm"
)

const rawConclusionSchema = `{
  "type": "object",
  "required": ["summary", "gaps", "recommendations", "risks", "confidence"],
  "additionalProperties": false,
  "properties": {
    "summary": {"type": "string", "minLength": 10},
    "gaps": {"type": "array", "items": {"type": "string"}},
    "recommendations": {"type": "array", "items": {"type": "string"}},
    "risks": {"type": "array", "items": {"type": "string"}},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1}
  }
}`

var conclusionSchema = llm.MustCompileSchema("conclusion", []byte(rawConclusionSchema))

type conclusionPayload struct {
	Summary         string   `json:"summary"`
	Gaps            []string `json:"gaps"`
	Recommendations []string `json:"recommendations"`
	Risks           []string `json:"risks"`
	Confidence      float64  `json:"confidence"`
}

// learnNode distills everything gathered so far into the final structured
// conclusion. The response must satisfy the conclusion schema; the node is
// fail-fast because every later step builds on this verdict.
func learnNode(ctx context.Context, caps graph.Capabilities, state *graph.RunState) (graph.Delta, error) {
	req := &llm.Request{
		System:         learnSystemPrompt,
		Messages:       []llm.Message{{Role: llm.RoleUser, Content: buildLearnPrompt(state)}},
		ResponseSchema: conclusionSchema,
		Complexity:     0.7,
		Temperature:    0.1,
		MaxTokens:      1024,
		ContextHash:    contextHash(state, nil),
		Scope:          scopeOf(state),
	}
	resp, err := caps.LLM.Generate(ctx, req)
	if err != nil {
		return graph.Delta{}, err
	}

	var payload conclusionPayload
	if err := conclusionSchema.Decode(resp.Content, &payload); err != nil {
		return graph.Delta{}, err
	}

	return graph.Delta{
		Conclusion: &graph.Conclusion{
			Summary:         payload.Summary,
			Gaps:            payload.Gaps,
			Recommendations: payload.Recommendations,
			Risks:           payload.Risks,
			Confidence:      clamp01(payload.Confidence),
			Final:           true,
		},
		Messages: []llm.Message{{Role: llm.RoleAssistant, Content: resp.Content}},
		Memory:   []graph.MemoryEntry{{Key: "conclusion", Value: excerpt(payload.Summary, 200)}},
		Cost:     callCost(resp),
	}, nil
}
