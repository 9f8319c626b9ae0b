package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruleiq/orchestrator/pkg/config"
)

func testCacheConfig() config.CacheConfig {
	return config.CacheConfig{
		TTL:               time.Hour,
		TemperatureCutoff: 0.7,
	}
}

func newTestCache(t *testing.T) (*ResponseCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(testCacheConfig(), rdb, nil), mr
}

func deterministicKey() Key {
	return Key{
		Model:             "claude-sonnet",
		SystemPrompt:      "You are a compliance analyst.",
		Prompt:            "Summarize GDPR Article 17.",
		ToolSchemaVersion: "v1",
		ContextHash:       "ctx-abc",
		Temperature:       0.2,
	}
}

func cacheableResult(payload string) ComputeFunc {
	return func(context.Context) ([]byte, bool, error) {
		return []byte(payload), true, nil
	}
}

func TestMissThenHit(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	data, outcome, err := c.GetOrCompute(ctx, deterministicKey(), cacheableResult("answer"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeMiss, outcome)
	assert.Equal(t, "answer", string(data))

	data, outcome, err = c.GetOrCompute(ctx, deterministicKey(), func(context.Context) ([]byte, bool, error) {
		t.Fatal("compute should not run on a hit")
		return nil, false, nil
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeHit, outcome)
	assert.Equal(t, "answer", string(data))
}

func TestEntriesExpire(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	_, _, err := c.GetOrCompute(ctx, deterministicKey(), cacheableResult("answer"))
	require.NoError(t, err)

	mr.FastForward(time.Hour + time.Minute)

	computed := false
	_, outcome, err := c.GetOrCompute(ctx, deterministicKey(), func(context.Context) ([]byte, bool, error) {
		computed = true
		return []byte("fresh"), true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeMiss, outcome)
	assert.True(t, computed)
}

func TestHighTemperatureBypassesCache(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	key := deterministicKey()
	key.Temperature = 0.9

	for i := 0; i < 2; i++ {
		_, outcome, err := c.GetOrCompute(ctx, key, cacheableResult("creative"))
		require.NoError(t, err)
		assert.Equal(t, OutcomeBypass, outcome)
	}
	assert.Empty(t, mr.Keys(), "bypassed responses must never be stored")
}

func TestCutoffTemperatureIsStillCached(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	key := deterministicKey()
	key.Temperature = 0.7

	_, outcome, err := c.GetOrCompute(ctx, key, cacheableResult("bounded"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeMiss, outcome)

	_, outcome, err = c.GetOrCompute(ctx, key, cacheableResult("bounded"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeHit, outcome)
}

func TestNonCacheableResultsAreNotStored(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	// Tool-calling and truncated responses come back cacheable=false.
	notCacheable := func(context.Context) ([]byte, bool, error) {
		return []byte("partial"), false, nil
	}

	_, outcome, err := c.GetOrCompute(ctx, deterministicKey(), notCacheable)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMiss, outcome)
	assert.Empty(t, mr.Keys())

	_, outcome, err = c.GetOrCompute(ctx, deterministicKey(), notCacheable)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMiss, outcome)
}

func TestConcurrentRequestsShareOneCompute(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	var computes atomic.Int32
	slowCompute := func(context.Context) ([]byte, bool, error) {
		computes.Add(1)
		time.Sleep(50 * time.Millisecond)
		return []byte("shared"), true, nil
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data, _, err := c.GetOrCompute(ctx, deterministicKey(), slowCompute)
			results[i], errs[i] = string(data), err
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), computes.Load(), "exactly one upstream call")
	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, "shared", results[i])
	}
}

func TestFingerprintTemperatureBuckets(t *testing.T) {
	base := deterministicKey()

	a := base
	a.Temperature = 0.31
	b := base
	b.Temperature = 0.29
	assert.Equal(t, a.Fingerprint(), b.Fingerprint(), "0.31 and 0.29 share the 0.3 bucket")

	d := base
	d.Temperature = 0.36
	assert.NotEqual(t, a.Fingerprint(), d.Fingerprint(), "0.36 rounds to the 0.4 bucket")
}

func TestFingerprintSensitivity(t *testing.T) {
	base := deterministicKey()
	fields := []func(*Key){
		func(k *Key) { k.Model = "claude-haiku" },
		func(k *Key) { k.SystemPrompt = k.SystemPrompt + "!" },
		func(k *Key) { k.Prompt = k.Prompt + "!" },
		func(k *Key) { k.ToolSchemaVersion = "v2" },
		func(k *Key) { k.ContextHash = "ctx-other" },
	}

	for i, mutate := range fields {
		k := base
		mutate(&k)
		assert.NotEqual(t, base.Fingerprint(), k.Fingerprint(), "field %d must affect the fingerprint", i)
	}
}

func TestDisabledCachePassesThrough(t *testing.T) {
	c := New(testCacheConfig(), nil, nil)
	ctx := context.Background()

	computes := 0
	for i := 0; i < 2; i++ {
		data, outcome, err := c.GetOrCompute(ctx, deterministicKey(), func(context.Context) ([]byte, bool, error) {
			computes++
			return []byte("direct"), true, nil
		})
		require.NoError(t, err)
		assert.Equal(t, OutcomeBypass, outcome)
		assert.Equal(t, "direct", string(data))
	}
	assert.Equal(t, 2, computes)
}

func TestBackendOutageDegradesToPassThrough(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	c := New(testCacheConfig(), rdb, nil)

	mr.Close()

	data, _, err := c.GetOrCompute(context.Background(), deterministicKey(), cacheableResult("resilient"))
	require.NoError(t, err)
	assert.Equal(t, "resilient", string(data))
}

func TestInvalidate(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	_, _, err := c.GetOrCompute(ctx, deterministicKey(), cacheableResult("v1-answer"))
	require.NoError(t, err)
	require.NoError(t, c.Invalidate(ctx, deterministicKey()))

	_, outcome, err := c.GetOrCompute(ctx, deterministicKey(), cacheableResult("v2-answer"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeMiss, outcome)
}
