package llm

import (
	"context"

	"github.com/ruleiq/orchestrator/pkg/config"
)

// DefaultMaxOutputTokens bounds cost estimates when a request does not cap
// its output.
const DefaultMaxOutputTokens = 1024

// candidate pairs a model with its estimated call cost.
type candidate struct {
	model    config.ModelDescriptor
	estimate float64
}

// selection is the ordered outcome of walking the fallback chain.
type selection struct {
	candidates []candidate
	// skipped records why chain models were excluded, keyed by model id.
	skipped map[string]string
	// budgetBlocked is true when at least one otherwise-eligible model was
	// excluded because its estimate did not fit the remaining budget.
	budgetBlocked bool
}

// selectCandidates orders the usable models for req. Models whose capability
// covers req.Complexity come first, in fallback-chain order; the rest of the
// chain follows as a last resort. Models with an open circuit, a missing
// required feature, or an estimate beyond the remaining budget are excluded.
func (c *Client) selectCandidates(ctx context.Context, req *Request, streaming bool) selection {
	sel := selection{skipped: make(map[string]string)}

	inTokens := c.counter.CountRequest(req)
	outTokens := req.MaxTokens
	if outTokens <= 0 {
		outTokens = DefaultMaxOutputTokens
	}

	chain := c.models.FallbackChain
	if req.Model != "" {
		chain = []string{req.Model}
	}

	allowance := -1.0
	if c.governor != nil {
		allowance = c.governor.Remaining(ctx, req.Scope) * (1 + c.headroom)
	}

	var capable, fallback []candidate
	for _, id := range chain {
		m, ok := c.models.Registry[id]
		if !ok {
			sel.skipped[id] = "not in registry"
			continue
		}
		if streaming && !m.SupportsStreaming {
			sel.skipped[id] = "no streaming support"
			continue
		}
		if len(req.Tools) > 0 && !m.SupportsTools {
			sel.skipped[id] = "no tool support"
			continue
		}
		if inTokens+outTokens > m.MaxContext {
			sel.skipped[id] = "context window too small"
			continue
		}
		if c.breakers.For(id).State() == "open" {
			sel.skipped[id] = "circuit open"
			continue
		}

		cand := candidate{model: m, estimate: estimateCost(m, inTokens, outTokens)}
		if allowance >= 0 && cand.estimate > allowance {
			sel.skipped[id] = "over budget"
			sel.budgetBlocked = true
			continue
		}

		if m.CapabilityScore >= req.Complexity {
			capable = append(capable, cand)
		} else {
			fallback = append(fallback, cand)
		}
	}

	sel.candidates = append(capable, fallback...)
	return sel
}

func estimateCost(m config.ModelDescriptor, inTokens, outTokens int) float64 {
	return float64(inTokens)/1000*m.CostPer1KInput + float64(outTokens)/1000*m.CostPer1KOutput
}

// actualCost prices a completed call from its usage.
func actualCost(m config.ModelDescriptor, u Usage) float64 {
	return float64(u.InputTokens)/1000*m.CostPer1KInput + float64(u.OutputTokens)/1000*m.CostPer1KOutput
}
