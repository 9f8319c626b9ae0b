package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruleiq/orchestrator/pkg/fault"
	"github.com/ruleiq/orchestrator/pkg/graph"
	"github.com/ruleiq/orchestrator/pkg/llm"
)

func respondTestState() *graph.RunState {
	state := graph.NewRunState("tenant-1", "Are we compliant with GDPR Article 32?")
	state.Conclusion = &graph.Conclusion{
		Summary:         "Encryption controls largely satisfy Article 32 obligations.",
		Gaps:            []string{"no documented key rotation"},
		Recommendations: []string{"adopt quarterly key rotation"},
		Confidence:      0.82,
		Final:           true,
	}
	return state
}

func TestRespondGeneratesAnswer(t *testing.T) {
	client, fake := newAgentLLM(t)
	caps := graph.Capabilities{LLM: client, EmitChunk: func(string) {}}
	fake.EnqueueText("You are broadly compliant; close the key rotation gap next.")

	delta, err := respondNode(context.Background(), caps, respondTestState())
	require.NoError(t, err)

	require.Len(t, delta.Messages, 1)
	assert.Equal(t, llm.RoleAssistant, delta.Messages[0].Role)
	assert.Equal(t, "You are broadly compliant; close the key rotation gap next.", delta.Messages[0].Content)
	assert.Equal(t, 1, delta.Cost.LLMCalls)

	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.False(t, calls[0].Stream)
	assert.Equal(t, respondSystemPrompt, calls[0].Req.System)
	prompt := calls[0].Req.Messages[0].Content
	assert.Contains(t, prompt, "Encryption controls largely satisfy Article 32 obligations.")
	assert.Contains(t, prompt, "adopt quarterly key rotation")
}

func TestRespondStreamsWhenRequested(t *testing.T) {
	client, fake := newAgentLLM(t)
	var emitted []string
	caps := graph.Capabilities{LLM: client, EmitChunk: func(text string) {
		emitted = append(emitted, text)
	}}
	fake.EnqueueText("close the rotation gap")

	state := respondTestState()
	state.Metadata[MetaStream] = "true"

	delta, err := respondNode(context.Background(), caps, state)
	require.NoError(t, err)

	require.NotEmpty(t, emitted)
	assert.Equal(t, "close the rotation gap", strings.Join(emitted, ""))

	require.Len(t, delta.Messages, 1)
	assert.Equal(t, "close the rotation gap", delta.Messages[0].Content)
	assert.Equal(t, 1, delta.Cost.LLMCalls)
	assert.Equal(t, 100, delta.Cost.InputTokens)
	assert.Equal(t, 50, delta.Cost.OutputTokens)

	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Stream)
}

func TestRespondStreamSurfacesChainExhaustion(t *testing.T) {
	client, fake := newAgentLLM(t)
	var emitted []string
	caps := graph.Capabilities{LLM: client, EmitChunk: func(text string) {
		emitted = append(emitted, text)
	}}
	upstream := errors.New("upstream 503")
	fake.EnqueueError(upstream, upstream, upstream)

	state := respondTestState()
	state.Metadata[MetaStream] = "true"

	_, err := respondNode(context.Background(), caps, state)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindModelsUnavailable))
	assert.Empty(t, emitted)
}
