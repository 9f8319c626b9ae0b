// Package graph executes directed node graphs against a checkpointed run
// state. Nodes receive a cloned state and return a delta; the executor owns
// the authoritative copy, merges deltas, and writes one checkpoint per
// transition.
package graph

import (
	"crypto/rand"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ruleiq/orchestrator/pkg/evidence"
	"github.com/ruleiq/orchestrator/pkg/fault"
	"github.com/ruleiq/orchestrator/pkg/llm"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusRunning       Status = "RUNNING"
	StatusCompleted     Status = "COMPLETED"
	StatusFailed        Status = "FAILED"
	StatusCancelled     Status = "CANCELLED"
	StatusAwaitingHuman Status = "AWAITING_HUMAN"
)

// Terminal reports whether a run has stopped executing. Cancelled runs are
// terminal yet stay resumable through their final checkpoint.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// RunError is one recorded node failure. The Errors list on RunState is
// append-only and never reordered.
type RunError struct {
	Node   string    `json:"node" msgpack:"node"`
	Code   string    `json:"code" msgpack:"code"`
	Detail string    `json:"detail" msgpack:"detail"`
	At     time.Time `json:"at" msgpack:"at"`
}

// RetrievedObligation is a prompt-sized digest of a knowledge graph
// obligation kept in the retrieval context.
type RetrievedObligation struct {
	ID         string `json:"id" msgpack:"id"`
	Framework  string `json:"framework" msgpack:"framework"`
	ArticleRef string `json:"article_ref" msgpack:"article_ref"`
	Title      string `json:"title" msgpack:"title"`
	Excerpt    string `json:"excerpt" msgpack:"excerpt"`
}

// Retrieval is the most recent RAG context. Each retrieval replaces the
// previous one wholesale.
type Retrieval struct {
	Query       string                `json:"query" msgpack:"query"`
	Obligations []RetrievedObligation `json:"obligations" msgpack:"obligations"`
	FetchedAt   time.Time             `json:"fetched_at" msgpack:"fetched_at"`
}

// Conclusion is the structured analysis outcome. Final is false while the
// agent still considers the verdict uncertain and may loop for refinement.
type Conclusion struct {
	Summary         string   `json:"summary" msgpack:"summary"`
	Gaps            []string `json:"gaps,omitempty" msgpack:"gaps"`
	Recommendations []string `json:"recommendations,omitempty" msgpack:"recommendations"`
	Risks           []string `json:"risks,omitempty" msgpack:"risks"`
	Confidence      float64  `json:"confidence" msgpack:"confidence"`
	Final           bool     `json:"final" msgpack:"final"`
}

// CostTotals accumulates spend across every model call of a run.
type CostTotals struct {
	TotalUSD     float64 `json:"total_usd" msgpack:"total_usd"`
	InputTokens  int     `json:"input_tokens" msgpack:"input_tokens"`
	OutputTokens int     `json:"output_tokens" msgpack:"output_tokens"`
	LLMCalls     int     `json:"llm_calls" msgpack:"llm_calls"`
	CacheHits    int     `json:"cache_hits" msgpack:"cache_hits"`
}

// Add accumulates another total into c.
func (c *CostTotals) Add(other CostTotals) {
	c.TotalUSD += other.TotalUSD
	c.InputTokens += other.InputTokens
	c.OutputTokens += other.OutputTokens
	c.LLMCalls += other.LLMCalls
	c.CacheHits += other.CacheHits
}

// RunState is the single value threaded through a graph execution. The
// executor owns it exclusively for the duration of the run; nodes see clones.
type RunState struct {
	RunID       string            `json:"run_id" msgpack:"run_id"`
	TenantID    string            `json:"tenant_id" msgpack:"tenant_id"`
	UserID      string            `json:"user_id,omitempty" msgpack:"user_id"`
	Query       string            `json:"query" msgpack:"query"`
	Framework   string            `json:"framework,omitempty" msgpack:"framework"`
	Status      Status            `json:"status" msgpack:"status"`
	CurrentNode string            `json:"current_node" msgpack:"current_node"`
	TurnCount   int               `json:"turn_count" msgpack:"turn_count"`
	EventSeq    int64             `json:"event_seq,omitempty" msgpack:"event_seq"`
	CreatedAt   time.Time         `json:"created_at" msgpack:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at" msgpack:"updated_at"`
	Errors      []RunError        `json:"errors,omitempty" msgpack:"errors"`
	Metadata    map[string]string `json:"metadata,omitempty" msgpack:"metadata"`
	Memory      Memory            `json:"memory" msgpack:"memory"`
	Evidence    []evidence.Item   `json:"evidence,omitempty" msgpack:"evidence"`
	Messages    []llm.Message     `json:"messages,omitempty" msgpack:"messages"`
	Retrieval   *Retrieval        `json:"retrieval,omitempty" msgpack:"retrieval"`
	Conclusion  *Conclusion       `json:"conclusion,omitempty" msgpack:"conclusion"`
	Cost        CostTotals        `json:"cost" msgpack:"cost"`
}

// NewRunState builds the initial state for a fresh run with a ULID run id.
func NewRunState(tenantID, query string) *RunState {
	now := time.Now().UTC()
	return &RunState{
		RunID:     ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		TenantID:  tenantID,
		Query:     query,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  make(map[string]string),
		Memory:    NewMemory(DefaultMemoryLimit),
	}
}

// SetStatus transitions the run along the status machine. Transitions not in
// the machine are rejected; callers treat a rejection as a programming error.
func (s *RunState) SetStatus(to Status) error {
	if s.Status == to {
		return nil
	}
	legal := false
	switch s.Status {
	case "":
		legal = to == StatusRunning
	case StatusRunning:
		legal = to == StatusCompleted || to == StatusFailed || to == StatusCancelled || to == StatusAwaitingHuman
	case StatusAwaitingHuman:
		legal = to == StatusRunning || to == StatusCancelled
	case StatusCancelled:
		// Resume re-opens a cancelled run from its final checkpoint.
		legal = to == StatusRunning
	}
	if !legal {
		return fault.Newf(fault.KindInternal, "illegal status transition %s -> %s", s.Status, to)
	}
	s.Status = to
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// RecordError appends a failure to the error log and consumes a turn. The
// log keeps insertion order.
func (s *RunState) RecordError(node string, err error) {
	s.Errors = append(s.Errors, RunError{
		Node:   node,
		Code:   string(fault.KindOf(err)),
		Detail: publicDetail(err),
		At:     time.Now().UTC(),
	})
	s.TurnCount++
	s.UpdatedAt = time.Now().UTC()
}

// LastError returns the most recent recorded failure, or nil.
func (s *RunState) LastError() *RunError {
	if len(s.Errors) == 0 {
		return nil
	}
	return &s.Errors[len(s.Errors)-1]
}

func publicDetail(err error) string {
	var fe *fault.Error
	if errors.As(err, &fe) {
		return fe.Public()
	}
	return err.Error()
}

// Clone deep-copies the state so a node cannot mutate the executor's copy.
func (s *RunState) Clone() *RunState {
	out := *s
	out.Errors = append([]RunError(nil), s.Errors...)
	out.Metadata = cloneStringMap(s.Metadata)
	out.Memory = s.Memory.clone()
	out.Evidence = append([]evidence.Item(nil), s.Evidence...)
	out.Messages = append([]llm.Message(nil), s.Messages...)
	if s.Retrieval != nil {
		r := *s.Retrieval
		r.Obligations = append([]RetrievedObligation(nil), s.Retrieval.Obligations...)
		out.Retrieval = &r
	}
	if s.Conclusion != nil {
		c := *s.Conclusion
		c.Gaps = append([]string(nil), s.Conclusion.Gaps...)
		c.Recommendations = append([]string(nil), s.Conclusion.Recommendations...)
		c.Risks = append([]string(nil), s.Conclusion.Risks...)
		out.Conclusion = &c
	}
	return &out
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
