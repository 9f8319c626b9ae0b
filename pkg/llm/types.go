// Package llm is the multi-model client for the orchestrator. It selects a
// model from the configured fallback chain, guards every call with circuit
// breakers, retries, budget reservations, and the response cache, and
// validates structured output against a JSON schema.
package llm

import (
	"context"

	"github.com/ruleiq/orchestrator/pkg/budget"
	"github.com/ruleiq/orchestrator/pkg/config"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of a conversation.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // assistant messages
	ToolCallID string     `json:"tool_call_id,omitempty"` // tool result messages
	ToolName   string     `json:"tool_name,omitempty"`    // tool result messages
}

// Tool describes a function the model may call. Parameters is a JSON Schema
// object.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolCall is the model's request to invoke a tool.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// FinishReason tells why the model stopped generating.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishToolCalls FinishReason = "tool_calls"
)

// Request is a generation request. The client picks the model unless Model
// pins one explicitly.
type Request struct {
	// Model pins a registry id and skips selection. Leave empty to let the
	// selector walk the fallback chain.
	Model string

	System   string
	Messages []Message
	Tools    []Tool

	// ToolSchemaVersion feeds the cache fingerprint so cached responses
	// are invalidated when tool definitions change.
	ToolSchemaVersion string

	// ResponseSchema, when set, validates the model output as JSON.
	ResponseSchema *Schema

	// ContextHash summarizes out-of-band context (retrieved obligations,
	// evidence digests) that shaped the prompt.
	ContextHash string

	Temperature float64
	MaxTokens   int

	// Complexity estimates how demanding the task is, 0 to 1. The selector
	// prefers the cheapest model whose capability covers it.
	Complexity float64

	// Scope charges the call to tenant and user budgets.
	Scope budget.ScopeRef
}

// Response is a completed generation.
type Response struct {
	Model        string       `json:"model"`
	Content      string       `json:"content"`
	ToolCalls    []ToolCall   `json:"tool_calls,omitempty"`
	FinishReason FinishReason `json:"finish_reason"`
	Usage        Usage        `json:"usage"`
	CostUSD      float64      `json:"cost_usd"`
	Cached       bool         `json:"cached,omitempty"`
}

// Chunk is the interface for all streaming chunk types.
type Chunk interface {
	chunkType() ChunkType
}

// ChunkType identifies the kind of streaming chunk.
type ChunkType string

const (
	ChunkTypeText     ChunkType = "text"
	ChunkTypeToolCall ChunkType = "tool_call"
	ChunkTypeUsage    ChunkType = "usage"
	ChunkTypeError    ChunkType = "error"
)

// TextChunk is a delta of the model's text response.
type TextChunk struct{ Text string }

// ToolCallChunk signals the model wants to call a tool.
type ToolCallChunk struct{ Call ToolCall }

// UsageChunk closes a successful stream with token and cost accounting.
type UsageChunk struct {
	Model        string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	FinishReason FinishReason
}

// ErrorChunk signals a terminal stream error.
type ErrorChunk struct {
	Message string
	Err     error
}

func (c *TextChunk) chunkType() ChunkType     { return ChunkTypeText }
func (c *ToolCallChunk) chunkType() ChunkType { return ChunkTypeToolCall }
func (c *UsageChunk) chunkType() ChunkType    { return ChunkTypeUsage }
func (c *ErrorChunk) chunkType() ChunkType    { return ChunkTypeError }

// EmitFunc receives chunks from a provider as they arrive. Returning an
// error aborts the stream.
type EmitFunc func(Chunk) error

// Provider adapts one upstream API. Implementations map provider errors to
// fault kinds so client mistakes are distinguishable from outages.
type Provider interface {
	Name() string

	// Generate performs a blocking completion.
	Generate(ctx context.Context, model config.ModelDescriptor, req *Request) (*Response, error)

	// GenerateStream emits chunks as they arrive and returns the fully
	// accumulated response.
	GenerateStream(ctx context.Context, model config.ModelDescriptor, req *Request, emit EmitFunc) (*Response, error)
}
