package agent

import (
	"context"
	"encoding/json"

	"github.com/ruleiq/orchestrator/pkg/fault"
	"github.com/ruleiq/orchestrator/pkg/graph"
)

// rememberNode persists the final conclusion as a durable artifact and
// prunes the working memory back to its bound. The artifact key doubles as
// the node's replay key so a re-run of the same run id stores it once.
func rememberNode(ctx context.Context, caps graph.Capabilities, state *graph.RunState) (graph.Delta, error) {
	if state.Conclusion == nil || !state.Conclusion.Final {
		return graph.Delta{}, fault.New(fault.KindInternal, "no final conclusion to persist")
	}

	payload, err := json.Marshal(state.Conclusion)
	if err != nil {
		return graph.Delta{}, fault.Wrap(fault.KindInternal, "agent.remember", err)
	}
	artifact := graph.Artifact{
		Key:      rememberKey(state),
		RunID:    state.RunID,
		TenantID: state.TenantID,
		Kind:     "conclusion",
		Payload:  payload,
	}
	if err := caps.Artifacts.Save(ctx, artifact); err != nil {
		return graph.Delta{}, err
	}

	return graph.Delta{
		MemoryLimit: graph.DefaultMemoryLimit,
		Memory:      []graph.MemoryEntry{{Key: "artifact", Value: artifact.Key}},
	}, nil
}

func rememberKey(state *graph.RunState) string {
	return "conclusion:" + state.RunID
}
