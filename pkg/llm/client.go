package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ruleiq/orchestrator/pkg/budget"
	"github.com/ruleiq/orchestrator/pkg/cache"
	"github.com/ruleiq/orchestrator/pkg/config"
	"github.com/ruleiq/orchestrator/pkg/fault"
	"github.com/ruleiq/orchestrator/pkg/metrics"
	"github.com/ruleiq/orchestrator/pkg/resilience"
)

// Client routes generation requests across the configured model chain.
type Client struct {
	models    config.ModelsConfig
	providers map[string]Provider
	breakers  *resilience.BreakerSet
	retry     config.RetryConfig
	cache     *cache.ResponseCache
	governor  *budget.Governor
	counter   *TokenCounter
	metrics   *metrics.Metrics
	headroom  float64
}

// Options carries the client's collaborators. Nil fields get inert defaults
// so tests can construct a client from providers alone.
type Options struct {
	Providers map[string]Provider
	Breakers  *resilience.BreakerSet
	Cache     *cache.ResponseCache
	Governor  *budget.Governor
	Metrics   *metrics.Metrics
}

// New builds a client from configuration.
func New(cfg *config.Config, opts Options) *Client {
	c := &Client{
		models:    cfg.Models,
		providers: opts.Providers,
		breakers:  opts.Breakers,
		retry:     cfg.Retry,
		cache:     opts.Cache,
		governor:  opts.Governor,
		counter:   NewTokenCounter(),
		metrics:   opts.Metrics,
		headroom:  cfg.Budget.HeadroomFraction,
	}
	if c.providers == nil {
		c.providers = map[string]Provider{}
	}
	if c.breakers == nil {
		c.breakers = resilience.NewBreakerSet(cfg.Circuit, nil)
	}
	if c.cache == nil {
		c.cache = cache.New(cfg.Cache, nil, opts.Metrics)
	}
	return c
}

// Breakers exposes the breaker set for health reporting.
func (c *Client) Breakers() *resilience.BreakerSet { return c.breakers }

// CountTokens counts prompt tokens for text. The model parameter is accepted
// for API symmetry; every configured model tokenizes close enough to
// cl100k_base for estimation purposes.
func (c *Client) CountTokens(model, text string) int {
	_ = model
	return c.counter.Count(text)
}

// Close releases providers that hold connections.
func (c *Client) Close() error {
	var errs []error
	for _, p := range c.providers {
		if closer, ok := p.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Generate runs the request against the first usable model in the chain,
// falling through on upstream failures. Budget exhaustion is reported over
// any other failure so callers stop the run instead of degrading silently.
func (c *Client) Generate(ctx context.Context, req *Request) (*Response, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	sel := c.selectCandidates(ctx, req, false)
	if len(sel.candidates) == 0 {
		return nil, c.noCandidatesFault("llm.generate", sel)
	}

	var budgetErr error
	var attempts []error
	for _, cand := range sel.candidates {
		resp, err := c.generateWith(ctx, cand, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, fault.Wrap(fault.KindCancelled, "llm.generate", err)
		}
		switch {
		case fault.Is(err, fault.KindBudgetExceeded):
			budgetErr = err
		case isCallerFault(err):
			return nil, err
		default:
			slog.Warn("Model call failed, trying next in chain",
				"model", cand.model.ID, "error", err)
			attempts = append(attempts, fmt.Errorf("%s: %w", cand.model.ID, err))
		}
	}

	if budgetErr != nil {
		return nil, budgetErr
	}
	return nil, fault.Wrap(fault.KindModelsUnavailable, "llm.generate", errors.Join(attempts...))
}

// GenerateStream streams the response over a chunk channel. The channel is
// closed when the stream completes; errors arrive as a terminal ErrorChunk.
// Failover to the next model happens only before the first chunk is emitted.
func (c *Client) GenerateStream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	sel := c.selectCandidates(ctx, req, true)
	if len(sel.candidates) == 0 {
		return nil, c.noCandidatesFault("llm.generate_stream", sel)
	}

	chunks := make(chan Chunk, 64)
	go func() {
		defer close(chunks)

		var budgetErr error
		var attempts []error
		for _, cand := range sel.candidates {
			emitted, err := c.streamWith(ctx, cand, req, chunks)
			if err == nil {
				return
			}
			if emitted || isCallerFault(err) || ctx.Err() != nil {
				c.sendChunk(ctx, chunks, &ErrorChunk{Message: err.Error(), Err: err})
				return
			}
			if fault.Is(err, fault.KindBudgetExceeded) {
				budgetErr = err
				continue
			}
			slog.Warn("Model stream failed, trying next in chain",
				"model", cand.model.ID, "error", err)
			attempts = append(attempts, fmt.Errorf("%s: %w", cand.model.ID, err))
		}

		final := budgetErr
		if final == nil {
			final = fault.Wrap(fault.KindModelsUnavailable, "llm.generate_stream", errors.Join(attempts...))
		}
		c.sendChunk(ctx, chunks, &ErrorChunk{Message: final.Error(), Err: final})
	}()
	return chunks, nil
}

// generateWith runs one model behind the response cache.
func (c *Client) generateWith(ctx context.Context, cand candidate, req *Request) (*Response, error) {
	key := c.cacheKey(cand.model, req)
	payload, outcome, err := c.cache.GetOrCompute(ctx, key, func(ctx context.Context) ([]byte, bool, error) {
		resp, callErr := c.callModel(ctx, cand, req)
		if callErr != nil {
			return nil, false, callErr
		}
		data, merr := json.Marshal(resp)
		if merr != nil {
			return nil, false, fault.Wrap(fault.KindInternal, "llm.generate", merr)
		}
		cacheable := resp.FinishReason == FinishStop && len(resp.ToolCalls) == 0
		return data, cacheable, nil
	})
	if err != nil {
		return nil, err
	}

	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fault.Wrap(fault.KindInternal, "llm.generate", err)
	}
	if outcome == cache.OutcomeHit {
		resp.Cached = true
		resp.CostUSD = 0
	}
	return &resp, nil
}

// callModel performs the guarded upstream call: budget reservation, breaker,
// retry schedule, per-attempt timeout, then schema validation.
func (c *Client) callModel(ctx context.Context, cand candidate, req *Request) (*Response, error) {
	m := cand.model
	provider, ok := c.providers[m.Provider]
	if !ok {
		return nil, fault.Newf(fault.KindInternal, "no provider registered for %q", m.Provider)
	}

	var reservation *budget.Reservation
	if c.governor != nil {
		res, err := c.governor.Reserve(ctx, req.Scope, cand.estimate)
		if err != nil {
			return nil, err
		}
		reservation = res
	}

	breaker := c.breakers.For(m.ID)
	var resp *Response
	start := time.Now()
	err := resilience.Retry(ctx, c.retry, func() error {
		return breaker.Do(ctx, func(ctx context.Context) error {
			callCtx, cancel := context.WithTimeout(ctx, m.Timeout)
			defer cancel()

			r, callErr := provider.Generate(callCtx, m, req)
			if callErr != nil {
				return callErr
			}
			resp = r
			return nil
		})
	})
	elapsed := time.Since(start).Seconds()

	if err != nil {
		reservation.Cancel()
		c.recordCall(m.ID, outcomeFor(err), elapsed, Usage{}, 0)
		return nil, err
	}

	resp.Model = m.ID
	resp.CostUSD = actualCost(m, resp.Usage)
	if resp.Usage == (Usage{}) {
		// Provider reported no usage; charge the reservation estimate
		// rather than releasing it for free.
		resp.CostUSD = cand.estimate
	}
	reservation.Commit(ctx, resp.CostUSD)

	if req.ResponseSchema != nil && len(resp.ToolCalls) == 0 {
		if verr := req.ResponseSchema.Validate(resp.Content); verr != nil {
			c.recordCall(m.ID, "schema_violation", elapsed, resp.Usage, resp.CostUSD)
			return nil, verr
		}
	}

	c.recordCall(m.ID, "ok", elapsed, resp.Usage, resp.CostUSD)
	return resp, nil
}

// streamWith runs one model's stream, forwarding chunks to the shared
// channel. It reports whether any chunk reached the consumer, which rules
// out failover to another model.
func (c *Client) streamWith(ctx context.Context, cand candidate, req *Request, chunks chan<- Chunk) (bool, error) {
	m := cand.model
	provider, ok := c.providers[m.Provider]
	if !ok {
		return false, fault.Newf(fault.KindInternal, "no provider registered for %q", m.Provider)
	}

	var reservation *budget.Reservation
	if c.governor != nil {
		res, err := c.governor.Reserve(ctx, req.Scope, cand.estimate)
		if err != nil {
			return false, err
		}
		reservation = res
	}

	done, err := c.breakers.For(m.ID).Allow()
	if err != nil {
		reservation.Cancel()
		return false, err
	}

	callCtx, cancel := context.WithTimeout(ctx, m.Timeout)
	defer cancel()

	emitted := false
	start := time.Now()
	resp, err := provider.GenerateStream(callCtx, m, req, func(ch Chunk) error {
		select {
		case chunks <- ch:
			emitted = true
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	elapsed := time.Since(start).Seconds()

	if err != nil {
		done(!resilience.CountsAsFailure(err))
		reservation.Cancel()
		c.recordCall(m.ID, outcomeFor(err), elapsed, Usage{}, 0)
		return emitted, err
	}

	done(true)
	cost := actualCost(m, resp.Usage)
	if resp.Usage == (Usage{}) {
		cost = cand.estimate
	}
	reservation.Commit(ctx, cost)
	c.recordCall(m.ID, "ok", elapsed, resp.Usage, cost)

	c.sendChunk(ctx, chunks, &UsageChunk{
		Model:        m.ID,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		CostUSD:      cost,
		FinishReason: resp.FinishReason,
	})
	return true, nil
}

func (c *Client) sendChunk(ctx context.Context, chunks chan<- Chunk, ch Chunk) {
	select {
	case chunks <- ch:
	case <-ctx.Done():
	}
}

func (c *Client) cacheKey(m config.ModelDescriptor, req *Request) cache.Key {
	schemaVersion := req.ToolSchemaVersion
	if req.ResponseSchema != nil {
		// Fold the response schema into the key so schema changes invalidate
		// older cached output.
		schemaVersion += "|" + req.ResponseSchema.Name() + ":" + req.ResponseSchema.Fingerprint()
	}
	return cache.Key{
		Model:             m.ID,
		SystemPrompt:      req.System,
		Prompt:            serializeMessages(req.Messages),
		ToolSchemaVersion: schemaVersion,
		ContextHash:       req.ContextHash,
		Temperature:       req.Temperature,
	}
}

// serializeMessages flattens a conversation for cache fingerprinting.
func serializeMessages(msgs []Message) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(m.Role)
		b.WriteByte(':')
		b.WriteString(m.Content)
		for _, tc := range m.ToolCalls {
			b.WriteString("|call:")
			b.WriteString(tc.Name)
			b.WriteString(tc.Arguments)
		}
		if m.ToolCallID != "" {
			b.WriteString("|result:")
			b.WriteString(m.ToolCallID)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func (c *Client) recordCall(model, outcome string, seconds float64, u Usage, cost float64) {
	if c.metrics != nil {
		c.metrics.RecordLLMCall(model, outcome, seconds, u.InputTokens, u.OutputTokens, cost)
	}
}

func (c *Client) noCandidatesFault(op string, sel selection) error {
	if sel.budgetBlocked {
		return &fault.Error{Kind: fault.KindBudgetExceeded, Op: op,
			Msg: "every eligible model exceeds the remaining budget"}
	}

	reasons := make([]string, 0, len(sel.skipped))
	for id, why := range sel.skipped {
		reasons = append(reasons, id+": "+why)
	}
	sort.Strings(reasons)
	if len(reasons) == 0 {
		return &fault.Error{Kind: fault.KindModelsUnavailable, Op: op, Msg: "fallback chain is empty"}
	}
	return &fault.Error{Kind: fault.KindModelsUnavailable, Op: op,
		Msg: "no usable model: " + strings.Join(reasons, "; ")}
}

func validateRequest(req *Request) error {
	if req == nil {
		return fault.New(fault.KindInvalidInput, "request is nil")
	}
	if len(req.Messages) == 0 {
		return fault.New(fault.KindInvalidInput, "messages must not be empty")
	}
	if req.Temperature < 0 || req.Temperature > 2 {
		return fault.Newf(fault.KindInvalidInput, "temperature %.2f out of range", req.Temperature)
	}
	if req.Complexity < 0 || req.Complexity > 1 {
		return fault.Newf(fault.KindInvalidInput, "complexity %.2f out of range", req.Complexity)
	}
	return nil
}

func isCallerFault(err error) bool {
	return fault.Is(err, fault.KindInvalidInput) || fault.Is(err, fault.KindSchemaViolation)
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, resilience.ErrRejected):
		return "rejected"
	case fault.Is(err, fault.KindSchemaViolation):
		return "schema_violation"
	default:
		return "error"
	}
}
