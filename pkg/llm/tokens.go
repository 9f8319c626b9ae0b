package llm

import (
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// perMessageOverhead approximates the chat framing tokens each message adds.
const perMessageOverhead = 4

// TokenCounter counts tokens with the cl100k_base BPE when its vocabulary is
// available, falling back to a bytes/4 heuristic otherwise. The fallback
// overestimates slightly, which errs toward conservative cost estimates.
type TokenCounter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewTokenCounter returns a lazy counter. The encoding loads on first use so
// construction never blocks on the vocabulary fetch.
func NewTokenCounter() *TokenCounter {
	return &TokenCounter{}
}

func (c *TokenCounter) init() {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Warn("Token encoding unavailable, using heuristic counts", "error", err)
			return
		}
		c.enc = enc
	})
}

// Count returns the token count for text.
func (c *TokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	c.init()
	if c.enc != nil {
		return len(c.enc.Encode(text, nil, nil))
	}
	return heuristicTokens(text)
}

// CountRequest estimates the prompt-side tokens of a request, including
// message framing and tool schemas.
func (c *TokenCounter) CountRequest(req *Request) int {
	total := c.Count(req.System)
	if req.System != "" {
		total += perMessageOverhead
	}
	for _, m := range req.Messages {
		total += c.Count(m.Content) + perMessageOverhead
		for _, tc := range m.ToolCalls {
			total += c.Count(tc.Arguments)
		}
	}
	for _, t := range req.Tools {
		total += c.Count(t.Name) + c.Count(t.Description)
		// Tool parameter schemas are serialized into the prompt by every
		// provider; approximate without marshaling.
		total += len(t.Parameters) * 8
	}
	return total
}

func heuristicTokens(text string) int {
	return (len(text) + 3) / 4
}
