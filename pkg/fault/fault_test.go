package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOfClassifiedError(t *testing.T) {
	err := New(KindBudgetExceeded, "daily budget exhausted")
	assert.Equal(t, KindBudgetExceeded, KindOf(err))
}

func TestKindOfWrappedChain(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("calling provider: %w", Wrap(KindModelsUnavailable, "llm.Generate", cause))

	assert.Equal(t, KindModelsUnavailable, KindOf(err))
	assert.True(t, Is(err, KindModelsUnavailable))
	assert.False(t, Is(err, KindBudgetExceeded))
}

func TestKindOfOutermostWins(t *testing.T) {
	inner := New(KindNotFound, "run missing")
	outer := Wrap(KindInternal, "services.Get", inner)

	// The outermost classification is authoritative, but Is still sees
	// the inner kind.
	assert.Equal(t, KindInternal, KindOf(outer))
	assert.True(t, Is(outer, KindNotFound))
}

func TestKindOfContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := fmt.Errorf("node aborted: %w", ctx.Err())

	assert.Equal(t, KindCancelled, KindOf(err))
	assert.True(t, Is(err, KindCancelled))
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestWrapNilReturnsNil(t *testing.T) {
	require.NoError(t, Wrap(KindInternal, "op", nil))
	require.NoError(t, WrapMsg(KindInternal, "op", "msg", nil))
}

func TestErrorStringShapes(t *testing.T) {
	assert.Equal(t, "BudgetExceeded: daily budget exhausted",
		New(KindBudgetExceeded, "daily budget exhausted").Error())

	wrapped := Wrap(KindVersionConflict, "checkpoint.Put", errors.New("duplicate key"))
	assert.Equal(t, "checkpoint.Put: VersionConflict: duplicate key", wrapped.Error())
}

func TestPublicHidesCause(t *testing.T) {
	e := &Error{Kind: KindNodeError, Op: "agent.act", Msg: "model call failed", Err: errors.New("api_key=sk-secret")}
	assert.Equal(t, "model call failed", e.Public())
	assert.NotContains(t, e.Public(), "sk-secret")

	bare := &Error{Kind: KindCancelled}
	assert.Equal(t, "Cancelled", bare.Public())
}

func TestFatalKinds(t *testing.T) {
	assert.True(t, Fatal(KindBudgetExceeded))
	assert.True(t, Fatal(KindModelsUnavailable))
	assert.True(t, Fatal(KindMaxTurnsExceeded))
	assert.True(t, Fatal(KindNodeDrainTimeout))
	assert.False(t, Fatal(KindNodeError))
	assert.False(t, Fatal(KindCancelled))
}

func TestUnwrapPreservesSentinels(t *testing.T) {
	sentinel := errors.New("redis: nil")
	err := Wrap(KindNotFound, "cache.Get", sentinel)
	assert.True(t, errors.Is(err, sentinel))
}
