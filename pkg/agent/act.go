package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ruleiq/orchestrator/pkg/evidence"
	"github.com/ruleiq/orchestrator/pkg/fault"
	"github.com/ruleiq/orchestrator/pkg/graph"
	"github.com/ruleiq/orchestrator/pkg/llm"
)

const obligationExcerptLen = 280

// actNode executes the planned sub-tasks in order. A single failed task
// lowers the interim confidence instead of failing the node; fatal kinds
// and cancellation bail out immediately, and a pass where every task failed
// surfaces as a node error.
func actNode(cfg Config) graph.NodeFunc {
	return func(ctx context.Context, caps graph.Capabilities, state *graph.RunState) (graph.Delta, error) {
		plan, err := decodePlan(state)
		if err != nil {
			return graph.Delta{}, err
		}

		delta := graph.Delta{}
		succeeded := 0
		for _, task := range plan.Tasks {
			var terr error
			switch task.Tool {
			case ToolSearch:
				terr = actSearch(ctx, caps, state, &delta, cfg.RetrievalLimit)
			case ToolEvidence:
				terr = actEvidence(ctx, caps, state, &delta)
			case ToolGenerate:
				terr = actGenerate(ctx, caps, state, &delta, task)
			default:
				terr = fault.Newf(fault.KindInternal, "plan names unknown tool %q", task.Tool)
			}
			if terr != nil {
				kind := fault.KindOf(terr)
				if fault.Fatal(kind) || kind == fault.KindCancelled {
					return graph.Delta{}, terr
				}
				slog.Warn("sub-task failed",
					"run_id", state.RunID, "tool", task.Tool, "error", terr)
				delta.Memory = append(delta.Memory, graph.MemoryEntry{
					Key:   "failed:" + task.Tool,
					Value: task.Goal,
				})
				continue
			}
			succeeded++
		}

		if succeeded == 0 && len(plan.Tasks) > 0 {
			return graph.Delta{}, fault.New(fault.KindNodeError, "every planned sub-task failed")
		}

		confidence := interimConfidence(succeeded, len(plan.Tasks), state, &delta, cfg.RetrievalLimit)
		delta.Conclusion = &graph.Conclusion{
			Summary:    fmt.Sprintf("%d of %d sub-tasks completed", succeeded, len(plan.Tasks)),
			Confidence: confidence,
		}
		return delta, nil
	}
}

// actSearch retrieves obligations for the query and replaces the run's
// retrieval context. Obligations of the run's framework sort first.
func actSearch(ctx context.Context, caps graph.Capabilities, state *graph.RunState, delta *graph.Delta, limit int) error {
	obligations, err := caps.Knowledge.SearchObligations(ctx, state.Query, limit)
	if err != nil {
		return err
	}
	if state.Framework != "" {
		sort.SliceStable(obligations, func(i, j int) bool {
			return obligations[i].Framework == state.Framework &&
				obligations[j].Framework != state.Framework
		})
	}

	retrieved := make([]graph.RetrievedObligation, 0, len(obligations))
	for _, ob := range obligations {
		retrieved = append(retrieved, graph.RetrievedObligation{
			ID:         ob.ID,
			Framework:  ob.Framework,
			ArticleRef: ob.ArticleRef,
			Title:      ob.Title,
			Excerpt:    excerpt(ob.Body, obligationExcerptLen),
		})
	}
	delta.Retrieval = &graph.Retrieval{
		Query:       state.Query,
		Obligations: retrieved,
		FetchedAt:   time.Now().UTC(),
	}
	delta.Memory = append(delta.Memory, graph.MemoryEntry{
		Key:   "retrieval",
		Value: fmt.Sprintf("%d obligations retrieved", len(retrieved)),
	})
	return nil
}

// actEvidence triggers an immediate collection for the run's frameworks and
// mentioned controls, appending whatever the collectors produced.
func actEvidence(ctx context.Context, caps graph.Capabilities, state *graph.RunState, delta *graph.Delta) error {
	result, err := caps.Evidence.Collect(ctx, evidence.Request{
		TenantID:     state.TenantID,
		FrameworkIDs: frameworksOf(state),
		ControlIDs:   splitList(state.Metadata[metaControls]),
		Mode:         evidence.ModeImmediate,
	})
	if err != nil {
		return err
	}
	delta.Evidence = append(delta.Evidence, result.Items...)
	delta.Memory = append(delta.Memory, graph.MemoryEntry{
		Key: "evidence",
		Value: fmt.Sprintf("%d items collected, %d duplicates, %d failures",
			len(result.Items), result.Duplicates, len(result.Failures)),
	})
	return nil
}

// actGenerate runs one analysis pass over the context gathered so far in
// this ACT invocation.
func actGenerate(ctx context.Context, caps graph.Capabilities, state *graph.RunState, delta *graph.Delta, task Task) error {
	req := &llm.Request{
		System:      analysisSystemPrompt,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: buildAnalysisPrompt(state, delta, task)}},
		Complexity:  0.6,
		Temperature: 0.3,
		MaxTokens:   1024,
		ContextHash: contextHash(state, delta),
		Scope:       scopeOf(state),
	}
	resp, err := caps.LLM.Generate(ctx, req)
	if err != nil {
		return err
	}
	delta.Messages = append(delta.Messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Content})
	delta.Memory = append(delta.Memory, graph.MemoryEntry{
		Key:   "analysis",
		Value: excerpt(resp.Content, 200),
	})
	delta.Cost.Add(callCost(resp))
	return nil
}

// interimConfidence weighs sub-task success at 60% and retrieval coverage
// toward the configured limit at 40%.
func interimConfidence(succeeded, total int, state *graph.RunState, delta *graph.Delta, limit int) float64 {
	success := 1.0
	if total > 0 {
		success = float64(succeeded) / float64(total)
	}
	coverage := 0.0
	r := state.Retrieval
	if delta.Retrieval != nil {
		r = delta.Retrieval
	}
	if r != nil && limit > 0 {
		coverage = float64(len(r.Obligations)) / float64(limit)
	}
	return clamp01(0.6*success + 0.4*clamp01(coverage))
}

func frameworksOf(state *graph.RunState) []string {
	list := splitList(state.Metadata[metaFrameworks])
	if state.Framework == "" {
		return list
	}
	for _, f := range list {
		if f == state.Framework {
			return list
		}
	}
	return append([]string{state.Framework}, list...)
}

func excerpt(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
