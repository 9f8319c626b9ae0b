package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruleiq/orchestrator/pkg/config"
	"github.com/ruleiq/orchestrator/pkg/fault"
)

func testCircuitConfig() config.CircuitConfig {
	return config.CircuitConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		RecoveryTimeout:  25 * time.Millisecond,
	}
}

var errUpstream = errors.New("upstream connection reset")

func failingOp(context.Context) error { return errUpstream }
func okOp(context.Context) error      { return nil }

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	set := NewBreakerSet(testCircuitConfig(), nil)
	b := set.For("claude-sonnet")

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.ErrorIs(t, b.Do(ctx, failingOp), errUpstream)
	}
	assert.Equal(t, "open", b.State())

	err := b.Do(ctx, okOp)
	require.ErrorIs(t, err, ErrRejected)
}

func TestValidationErrorsDoNotTrip(t *testing.T) {
	set := NewBreakerSet(testCircuitConfig(), nil)
	b := set.For("claude-sonnet")

	ctx := context.Background()
	badRequest := fault.New(fault.KindInvalidInput, "prompt too large")
	for i := 0; i < 20; i++ {
		require.Error(t, b.Do(ctx, func(context.Context) error { return badRequest }))
	}
	assert.Equal(t, "closed", b.State())
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	set := NewBreakerSet(testCircuitConfig(), nil)
	b := set.For("claude-sonnet")

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.Error(t, b.Do(ctx, failingOp))
	}
	require.NoError(t, b.Do(ctx, okOp))
	for i := 0; i < 4; i++ {
		require.Error(t, b.Do(ctx, failingOp))
	}
	assert.Equal(t, "closed", b.State())
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	set := NewBreakerSet(testCircuitConfig(), nil)
	b := set.For("claude-sonnet")

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.Error(t, b.Do(ctx, failingOp))
	}
	require.Equal(t, "open", b.State())

	time.Sleep(50 * time.Millisecond)

	// Two successful probes are required before the breaker closes.
	require.NoError(t, b.Do(ctx, okOp))
	assert.Equal(t, "half-open", b.State())
	require.NoError(t, b.Do(ctx, okOp))
	assert.Equal(t, "closed", b.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	set := NewBreakerSet(testCircuitConfig(), nil)
	b := set.For("claude-sonnet")

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.Error(t, b.Do(ctx, failingOp))
	}
	time.Sleep(50 * time.Millisecond)

	require.Error(t, b.Do(ctx, failingOp))
	assert.Equal(t, "open", b.State())
}

func TestHalfOpenProbeQuota(t *testing.T) {
	set := NewBreakerSet(testCircuitConfig(), nil)
	b := set.For("claude-sonnet")

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.Error(t, b.Do(ctx, failingOp))
	}
	time.Sleep(50 * time.Millisecond)

	// Reserve both probe slots without finishing them; the third caller is
	// turned away.
	done1, err := b.Allow()
	require.NoError(t, err)
	done2, err := b.Allow()
	require.NoError(t, err)
	_, err = b.Allow()
	require.ErrorIs(t, err, ErrRejected)

	done1(true)
	done2(true)
	assert.Equal(t, "closed", b.State())
}

func TestTransitionCallback(t *testing.T) {
	var mu sync.Mutex
	var transitions []string
	set := NewBreakerSet(testCircuitConfig(), func(name, from, to string) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, from+">"+to)
	})
	b := set.For("gpt-4o-mini")

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.Error(t, b.Do(ctx, failingOp))
	}
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, b.Do(ctx, okOp))
	require.NoError(t, b.Do(ctx, okOp))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"closed>open", "open>half-open", "half-open>closed"}, transitions)
}

func TestBreakerSetIsolation(t *testing.T) {
	set := NewBreakerSet(testCircuitConfig(), nil)
	a := set.For("claude-sonnet")
	c := set.For("claude-haiku")

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.Error(t, a.Do(ctx, failingOp))
	}

	assert.Equal(t, "open", a.State())
	assert.Equal(t, "closed", c.State())
	assert.NoError(t, c.Do(ctx, okOp))

	states := set.States()
	assert.Equal(t, "open", states["claude-sonnet"])
	assert.Equal(t, "closed", states["claude-haiku"])
}

func TestForReturnsSameBreaker(t *testing.T) {
	set := NewBreakerSet(testCircuitConfig(), nil)
	assert.Same(t, set.For("claude-sonnet"), set.For("claude-sonnet"))
}

func TestCountsAsFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errUpstream, true},
		{"invalid input", fault.New(fault.KindInvalidInput, "bad"), false},
		{"unauthorized", fault.New(fault.KindUnauthorized, "no key"), false},
		{"schema violation", fault.New(fault.KindSchemaViolation, "missing field"), false},
		{"cancelled", context.Canceled, false},
		{"model failure", fault.Wrap(fault.KindNodeError, "op", errUpstream), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CountsAsFailure(tt.err))
		})
	}
}
