package agent

import (
	"context"
	"strings"

	"github.com/ruleiq/orchestrator/pkg/fault"
	"github.com/ruleiq/orchestrator/pkg/graph"
	"github.com/ruleiq/orchestrator/pkg/llm"
)

// respondNode writes the user-facing answer from the final conclusion. With
// metadata stream=true the text is emitted chunk by chunk as it arrives;
// either way the full answer lands on the conversation as the final
// assistant message.
func respondNode(ctx context.Context, caps graph.Capabilities, state *graph.RunState) (graph.Delta, error) {
	req := &llm.Request{
		System:      respondSystemPrompt,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: buildRespondPrompt(state)}},
		Complexity:  0.4,
		Temperature: 0.4,
		MaxTokens:   1024,
		Scope:       scopeOf(state),
	}
	if state.Metadata[MetaStream] == "true" {
		return respondStreaming(ctx, caps, req)
	}

	resp, err := caps.LLM.Generate(ctx, req)
	if err != nil {
		return graph.Delta{}, err
	}
	return graph.Delta{
		Messages: []llm.Message{{Role: llm.RoleAssistant, Content: resp.Content}},
		Cost:     callCost(resp),
	}, nil
}

func respondStreaming(ctx context.Context, caps graph.Capabilities, req *llm.Request) (graph.Delta, error) {
	chunks, err := caps.LLM.GenerateStream(ctx, req)
	if err != nil {
		return graph.Delta{}, err
	}

	var text strings.Builder
	var cost graph.CostTotals
	for chunk := range chunks {
		switch c := chunk.(type) {
		case *llm.TextChunk:
			caps.EmitChunk(c.Text)
			text.WriteString(c.Text)
		case *llm.UsageChunk:
			cost = graph.CostTotals{
				TotalUSD:     c.CostUSD,
				InputTokens:  c.InputTokens,
				OutputTokens: c.OutputTokens,
				LLMCalls:     1,
			}
		case *llm.ErrorChunk:
			if c.Err != nil {
				return graph.Delta{}, c.Err
			}
			return graph.Delta{}, fault.New(fault.KindNodeError, c.Message)
		}
	}
	return graph.Delta{
		Messages: []llm.Message{{Role: llm.RoleAssistant, Content: text.String()}},
		Cost:     cost,
	}, nil
}
