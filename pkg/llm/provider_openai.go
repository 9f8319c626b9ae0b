package llm

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/ruleiq/orchestrator/pkg/config"
	"github.com/ruleiq/orchestrator/pkg/fault"
)

// OpenAIProvider adapts OpenAI-compatible chat endpoints to the Provider
// interface. A custom base URL points it at any compatible gateway.
type OpenAIProvider struct {
	llm *openai.LLM
}

// NewOpenAIProvider builds a provider using the given API key. baseURL may
// be empty for the public endpoint.
func NewOpenAIProvider(apiKey, baseURL string) (*OpenAIProvider, error) {
	opts := []openai.Option{openai.WithToken(apiKey)}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	return &OpenAIProvider{llm: llm}, nil
}

func (p *OpenAIProvider) Name() string { return ProviderOpenAI }

func (p *OpenAIProvider) Generate(ctx context.Context, model config.ModelDescriptor, req *Request) (*Response, error) {
	msgs, err := openAIMessages(req)
	if err != nil {
		return nil, err
	}
	resp, err := p.llm.GenerateContent(ctx, msgs, p.callOptions(model, req)...)
	if err != nil {
		return nil, mapOpenAIError(err)
	}
	return openAIResponse(resp)
}

func (p *OpenAIProvider) GenerateStream(ctx context.Context, model config.ModelDescriptor, req *Request, emit EmitFunc) (*Response, error) {
	msgs, err := openAIMessages(req)
	if err != nil {
		return nil, err
	}

	opts := append(p.callOptions(model, req),
		llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			if len(chunk) == 0 {
				return nil
			}
			return emit(&TextChunk{Text: string(chunk)})
		}))

	resp, err := p.llm.GenerateContent(ctx, msgs, opts...)
	if err != nil {
		return nil, mapOpenAIError(err)
	}
	out, err := openAIResponse(resp)
	if err != nil {
		return nil, err
	}
	for _, tc := range out.ToolCalls {
		if err := emit(&ToolCallChunk{Call: tc}); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (p *OpenAIProvider) callOptions(model config.ModelDescriptor, req *Request) []llms.CallOption {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxOutputTokens
	}
	opts := []llms.CallOption{
		llms.WithModel(model.APIModel),
		llms.WithTemperature(req.Temperature),
		llms.WithMaxTokens(maxTokens),
	}
	if len(req.Tools) > 0 {
		tools := make([]llms.Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, llms.Tool{
				Type: "function",
				Function: &llms.FunctionDefinition{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		opts = append(opts, llms.WithTools(tools))
	}
	return opts
}

func openAIMessages(req *Request) ([]llms.MessageContent, error) {
	msgs := make([]llms.MessageContent, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeSystem, req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeSystem, m.Content))

		case RoleUser:
			msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeHuman, m.Content))

		case RoleAssistant:
			mc := llms.MessageContent{Role: llms.ChatMessageTypeAI}
			if m.Content != "" {
				mc.Parts = append(mc.Parts, llms.TextContent{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				mc.Parts = append(mc.Parts, llms.ToolCall{
					ID:   tc.ID,
					Type: "function",
					FunctionCall: &llms.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			msgs = append(msgs, mc)

		case RoleTool:
			msgs = append(msgs, llms.MessageContent{
				Role: llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{llms.ToolCallResponse{
					ToolCallID: m.ToolCallID,
					Name:       m.ToolName,
					Content:    m.Content,
				}},
			})

		default:
			return nil, fault.Newf(fault.KindInvalidInput, "unsupported message role %q", m.Role)
		}
	}
	return msgs, nil
}

func openAIResponse(resp *llms.ContentResponse) (*Response, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: response has no choices")
	}
	choice := resp.Choices[0]

	out := &Response{Content: choice.Content}
	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall == nil {
			continue
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.FunctionCall.Name,
			Arguments: tc.FunctionCall.Arguments,
		})
	}

	switch choice.StopReason {
	case "length":
		out.FinishReason = FinishLength
	case "tool_calls", "function_call":
		out.FinishReason = FinishToolCalls
	default:
		out.FinishReason = FinishStop
	}

	if gi := choice.GenerationInfo; gi != nil {
		out.Usage.InputTokens = intFrom(gi["PromptTokens"])
		out.Usage.OutputTokens = intFrom(gi["CompletionTokens"])
	}
	return out, nil
}

// statusRe pulls the HTTP status out of langchaingo's flattened API errors.
var statusRe = regexp.MustCompile(`status code: (\d{3})`)

func mapOpenAIError(err error) error {
	if m := statusRe.FindStringSubmatch(err.Error()); m != nil {
		if code, cerr := strconv.Atoi(m[1]); cerr == nil {
			return faultForStatus(code, "llm.openai", fmt.Errorf("openai: %w", err))
		}
	}
	return fmt.Errorf("openai: %w", err)
}

func intFrom(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
