package llm

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ruleiq/orchestrator/pkg/config"
)

// FakeProvider is a scripted in-process provider for tests and local
// profiles without provider credentials. Results are consumed in order;
// when the script is empty every call gets the default response.
type FakeProvider struct {
	mu          sync.Mutex
	script      []FakeResult
	calls       []FakeCall
	defaultResp Response
}

// FakeResult is one scripted outcome.
type FakeResult struct {
	Resp  *Response
	Err   error
	Delay time.Duration
}

// FakeCall records one request the provider received.
type FakeCall struct {
	Model  string
	Stream bool
	Req    *Request
}

func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		defaultResp: Response{
			Content:      "fake completion",
			FinishReason: FinishStop,
			Usage:        Usage{InputTokens: 100, OutputTokens: 50},
		},
	}
}

func (f *FakeProvider) Name() string { return ProviderFake }

// Enqueue appends scripted results.
func (f *FakeProvider) Enqueue(results ...FakeResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, results...)
}

// EnqueueText appends plain text completions.
func (f *FakeProvider) EnqueueText(texts ...string) {
	for _, t := range texts {
		f.Enqueue(FakeResult{Resp: &Response{
			Content:      t,
			FinishReason: FinishStop,
			Usage:        Usage{InputTokens: 100, OutputTokens: 50},
		}})
	}
}

// EnqueueError appends failing calls.
func (f *FakeProvider) EnqueueError(errs ...error) {
	for _, e := range errs {
		f.Enqueue(FakeResult{Err: e})
	}
}

// Calls returns a copy of the recorded calls.
func (f *FakeProvider) Calls() []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeCall, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *FakeProvider) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *FakeProvider) Generate(ctx context.Context, model config.ModelDescriptor, req *Request) (*Response, error) {
	res := f.next(model.ID, req, false)
	if res.Delay > 0 {
		select {
		case <-time.After(res.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if res.Err != nil {
		return nil, res.Err
	}
	resp := *res.Resp
	return &resp, nil
}

func (f *FakeProvider) GenerateStream(ctx context.Context, model config.ModelDescriptor, req *Request, emit EmitFunc) (*Response, error) {
	res := f.next(model.ID, req, true)
	if res.Delay > 0 {
		select {
		case <-time.After(res.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if res.Err != nil {
		return nil, res.Err
	}

	resp := *res.Resp
	for _, word := range strings.SplitAfter(resp.Content, " ") {
		if word == "" {
			continue
		}
		if err := emit(&TextChunk{Text: word}); err != nil {
			return nil, err
		}
	}
	for _, tc := range resp.ToolCalls {
		if err := emit(&ToolCallChunk{Call: tc}); err != nil {
			return nil, err
		}
	}
	return &resp, nil
}

func (f *FakeProvider) next(model string, req *Request, stream bool) FakeResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, FakeCall{Model: model, Stream: stream, Req: req})
	if len(f.script) == 0 {
		resp := f.defaultResp
		return FakeResult{Resp: &resp}
	}
	res := f.script[0]
	f.script = f.script[1:]
	return res
}
