package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ruleiq/orchestrator/pkg/config"
	"github.com/ruleiq/orchestrator/pkg/fault"
)

// AnthropicProvider adapts the Anthropic Messages API to the Provider
// interface.
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider builds a provider using the given API key.
func NewAnthropicProvider(apiKey string, opts ...option.RequestOption) *AnthropicProvider {
	all := append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &AnthropicProvider{client: anthropic.NewClient(all...)}
}

func (p *AnthropicProvider) Name() string { return ProviderAnthropic }

func (p *AnthropicProvider) Generate(ctx context.Context, model config.ModelDescriptor, req *Request) (*Response, error) {
	params, err := p.buildParams(model, req)
	if err != nil {
		return nil, err
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, mapAnthropicError(err)
	}
	return anthropicResponse(msg), nil
}

func (p *AnthropicProvider) GenerateStream(ctx context.Context, model config.ModelDescriptor, req *Request, emit EmitFunc) (*Response, error) {
	params, err := p.buildParams(model, req)
	if err != nil {
		return nil, err
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	acc := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := acc.Accumulate(event); err != nil {
			return nil, fault.Wrap(fault.KindInternal, "llm.anthropic", err)
		}
		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
				if err := emit(&TextChunk{Text: delta.Text}); err != nil {
					return nil, err
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, mapAnthropicError(err)
	}

	resp := anthropicResponse(&acc)
	// Tool call arguments arrive as JSON deltas; emit them once complete.
	for _, tc := range resp.ToolCalls {
		if err := emit(&ToolCallChunk{Call: tc}); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (p *AnthropicProvider) buildParams(model config.ModelDescriptor, req *Request) (anthropic.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxOutputTokens
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model.APIModel),
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(req.Temperature),
	}

	system := req.System
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			// The Messages API takes system text out of band.
			if system != "" {
				system += "\n\n"
			}
			system += m.Content

		case RoleUser:
			params.Messages = append(params.Messages,
				anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))

		case RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    tc.ID,
						Name:  tc.Name,
						Input: json.RawMessage(tc.Arguments),
					},
				})
			}
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(blocks...))

		case RoleTool:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(
				anthropic.ContentBlockParamUnion{
					OfToolResult: &anthropic.ToolResultBlockParam{
						ToolUseID: m.ToolCallID,
						Content: []anthropic.ToolResultBlockParamContentUnion{
							{OfText: &anthropic.TextBlockParam{Text: m.Content}},
						},
					},
				}))

		default:
			return anthropic.MessageNewParams{}, fault.Newf(fault.KindInvalidInput,
				"unsupported message role %q", m.Role)
		}
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	for _, t := range req.Tools {
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: t.Parameters["properties"],
					Required:   stringSlice(t.Parameters["required"]),
				},
			},
		})
	}
	return params, nil
}

func anthropicResponse(msg *anthropic.Message) *Response {
	resp := &Response{
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Content += block.Text
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: string(block.Input),
			})
		}
	}

	switch msg.StopReason {
	case anthropic.StopReasonMaxTokens:
		resp.FinishReason = FinishLength
	case anthropic.StopReasonToolUse:
		resp.FinishReason = FinishToolCalls
	default:
		resp.FinishReason = FinishStop
	}
	return resp
}

func mapAnthropicError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		wrapped := fmt.Errorf("anthropic: status %d: %w", apierr.StatusCode, err)
		return faultForStatus(apierr.StatusCode, "llm.anthropic", wrapped)
	}
	return fmt.Errorf("anthropic: %w", err)
}

// faultForStatus classifies provider HTTP statuses. Caller errors become
// typed faults that the breaker and retry layers leave alone; transient
// statuses stay plain so they count as failures and get retried.
func faultForStatus(status int, op string, err error) error {
	switch status {
	case 400, 422:
		return fault.Wrap(fault.KindInvalidInput, op, err)
	case 401, 403:
		return fault.Wrap(fault.KindUnauthorized, op, err)
	case 404:
		return fault.Wrap(fault.KindNotFound, op, err)
	default:
		return err
	}
}

func stringSlice(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
