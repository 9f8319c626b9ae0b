package graph

import (
	"time"

	"github.com/ruleiq/orchestrator/pkg/evidence"
	"github.com/ruleiq/orchestrator/pkg/llm"
)

// Delta is the state change a node returns. The executor merges it into the
// authoritative state; a failed attempt's delta is discarded whole.
type Delta struct {
	// Messages are appended to the conversation.
	Messages []llm.Message
	// Memory entries are written through Memory.Put in order.
	Memory []MemoryEntry
	// Evidence items are appended, skipping fingerprints already present.
	Evidence []evidence.Item
	// Retrieval replaces the current retrieval context when non-nil.
	Retrieval *Retrieval
	// Conclusion replaces the current conclusion when non-nil.
	Conclusion *Conclusion
	// Metadata keys are merged over the existing map.
	Metadata map[string]string
	// Framework sets the run's framework when non-empty and not already
	// pinned by the caller.
	Framework string
	// Cost is added to the running totals.
	Cost CostTotals
	// MemoryLimit prunes memory to the given bound when > 0.
	MemoryLimit int
	// AwaitHuman suspends the run after this node until Resume supplies
	// input.
	AwaitHuman bool
}

// Apply merges a node's delta and consumes one turn. node becomes the
// current node of the checkpoint written after the merge.
func (s *RunState) Apply(node string, d Delta) {
	s.Messages = append(s.Messages, d.Messages...)
	for _, e := range d.Memory {
		s.Memory.Put(e.Key, e.Value)
	}
	if d.MemoryLimit > 0 {
		s.Memory.Prune(d.MemoryLimit)
	}
	for _, item := range d.Evidence {
		if !s.hasEvidence(item.Fingerprint) {
			s.Evidence = append(s.Evidence, item)
		}
	}
	if d.Retrieval != nil {
		s.Retrieval = d.Retrieval
	}
	if d.Conclusion != nil {
		s.Conclusion = d.Conclusion
	}
	if len(d.Metadata) > 0 && s.Metadata == nil {
		s.Metadata = make(map[string]string, len(d.Metadata))
	}
	for k, v := range d.Metadata {
		s.Metadata[k] = v
	}
	if d.Framework != "" && s.Framework == "" {
		s.Framework = d.Framework
	}
	s.Cost.Add(d.Cost)
	s.CurrentNode = node
	s.TurnCount++
	s.UpdatedAt = time.Now().UTC()
}

func (s *RunState) hasEvidence(fingerprint string) bool {
	if fingerprint == "" {
		return false
	}
	for _, item := range s.Evidence {
		if item.Fingerprint == fingerprint {
			return true
		}
	}
	return false
}
