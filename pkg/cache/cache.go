// Package cache is the Redis-backed response cache for deterministic model
// calls. Identical in-flight requests are coalesced so only one reaches the
// upstream provider. A Redis outage degrades to pass-through.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/ruleiq/orchestrator/pkg/config"
	"github.com/ruleiq/orchestrator/pkg/metrics"
)

const keyPrefix = "orchestrator:respcache:"

// Outcome tells the caller how a lookup was resolved.
type Outcome string

const (
	OutcomeHit    Outcome = "hit"
	OutcomeMiss   Outcome = "miss"
	OutcomeBypass Outcome = "bypass"
)

// Key carries every field that makes a model response reusable. Two requests
// with the same fingerprint are interchangeable.
type Key struct {
	Model             string
	SystemPrompt      string
	Prompt            string
	ToolSchemaVersion string
	ContextHash       string
	Temperature       float64
}

// Fingerprint hashes the key fields into a stable hex digest. Fields are
// length-prefixed so adjacent values cannot collide, and the temperature is
// bucketed to one decimal place.
func (k Key) Fingerprint() string {
	h := sha256.New()
	for _, part := range []string{
		k.Model,
		k.SystemPrompt,
		k.Prompt,
		k.ToolSchemaVersion,
		k.ContextHash,
		temperatureBucket(k.Temperature),
	} {
		fmt.Fprintf(h, "%d:%s", len(part), part)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func temperatureBucket(t float64) string {
	return fmt.Sprintf("%.1f", math.Round(t*10)/10)
}

// ComputeFunc produces the payload on a cache miss. cacheable reports
// whether the result may be stored; the caller decides based on response
// shape (complete, no tool calls).
type ComputeFunc func(ctx context.Context) (payload []byte, cacheable bool, err error)

// ResponseCache wraps Redis with single-flight request coalescing.
type ResponseCache struct {
	rdb     *redis.Client
	ttl     time.Duration
	cutoff  float64
	group   singleflight.Group
	metrics *metrics.Metrics
}

// New builds a cache. A nil Redis client disables caching entirely and every
// call passes straight through to compute.
func New(cfg config.CacheConfig, rdb *redis.Client, m *metrics.Metrics) *ResponseCache {
	return &ResponseCache{
		rdb:     rdb,
		ttl:     cfg.TTL,
		cutoff:  cfg.TemperatureCutoff,
		metrics: m,
	}
}

// NewRedisClient connects a Redis client from config, or returns nil when
// the cache backend is disabled.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	if !cfg.Enabled {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// GetOrCompute returns the cached payload for key, or runs compute and
// stores the result when it is cacheable. Concurrent callers with the same
// fingerprint share one compute invocation.
func (c *ResponseCache) GetOrCompute(ctx context.Context, key Key, compute ComputeFunc) ([]byte, Outcome, error) {
	if c.rdb == nil || key.Temperature > c.cutoff {
		payload, _, err := compute(ctx)
		c.record(OutcomeBypass)
		return payload, OutcomeBypass, err
	}

	fp := key.Fingerprint()
	if data, ok := c.lookup(ctx, fp); ok {
		c.record(OutcomeHit)
		return data, OutcomeHit, nil
	}

	type flightResult struct {
		data      []byte
		fromCache bool
	}

	v, err, _ := c.group.Do(fp, func() (any, error) {
		// Another flight may have stored the value between our miss and
		// acquiring the flight.
		if data, ok := c.lookup(ctx, fp); ok {
			return flightResult{data: data, fromCache: true}, nil
		}

		payload, cacheable, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if cacheable {
			if serr := c.rdb.Set(ctx, keyPrefix+fp, payload, c.ttl).Err(); serr != nil {
				slog.Warn("Response cache store failed", "error", serr)
			} else {
				c.record("store")
			}
		}
		return flightResult{data: payload}, nil
	})
	if err != nil {
		return nil, OutcomeMiss, err
	}

	result := v.(flightResult)
	if result.fromCache {
		c.record(OutcomeHit)
		return result.data, OutcomeHit, nil
	}
	c.record(OutcomeMiss)
	return result.data, OutcomeMiss, nil
}

// Invalidate drops one cached entry. Used when a tool schema version rolls
// forward mid-flight.
func (c *ResponseCache) Invalidate(ctx context.Context, key Key) error {
	if c.rdb == nil {
		return nil
	}
	return c.rdb.Del(ctx, keyPrefix+key.Fingerprint()).Err()
}

// lookup reads the cache, treating backend errors as misses so an outage
// never blocks generation.
func (c *ResponseCache) lookup(ctx context.Context, fp string) ([]byte, bool) {
	data, err := c.rdb.Get(ctx, keyPrefix+fp).Bytes()
	if err == nil {
		return data, true
	}
	if !errors.Is(err, redis.Nil) {
		slog.Warn("Response cache lookup failed", "error", err)
	}
	return nil, false
}

func (c *ResponseCache) record(outcome Outcome) {
	if c.metrics != nil {
		c.metrics.RecordCache(string(outcome))
	}
}
