package openai

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateInputTokens(t *testing.T) {
	req := &ChatCompletionRequest{
		Messages: []ChatMessage{
			textMsg(RoleUser, strings.Repeat("a", 40)),
		},
	}
	assert.Equal(t, 10, EstimateInputTokens(req))

	// Tool definitions count toward the estimate.
	req.Tools = []Tool{{
		Type:     "function",
		Function: ToolFunction{Name: strings.Repeat("b", 40)},
	}}
	assert.Equal(t, 20, EstimateInputTokens(req))

	assert.Equal(t, 0, EstimateInputTokens(&ChatCompletionRequest{}))

	// Tiny but non-empty content rounds up to one token.
	short := &ChatCompletionRequest{Messages: []ChatMessage{textMsg(RoleUser, "ab")}}
	assert.Equal(t, 1, EstimateInputTokens(short))
}

func TestCountTextTokens(t *testing.T) {
	assert.Equal(t, 0, CountTextTokens(""))
	assert.Equal(t, 1, CountTextTokens("ab"))
	assert.Equal(t, 10, CountTextTokens(strings.Repeat("x", 40)))
}

func TestInputTokensFromPercentage(t *testing.T) {
	// 2% of the context window minus what was generated.
	got := InputTokensFromPercentage(2, 450)
	assert.Equal(t, TotalContextTokens*2/100-450, got)

	assert.Equal(t, 0, InputTokensFromPercentage(0, 100))
	// Output larger than the reconstructed total clamps to zero.
	assert.Equal(t, 0, InputTokensFromPercentage(0.001, 100000))
}

func TestBuildUsage(t *testing.T) {
	// Without a percentage the character estimate is used.
	u := BuildUsage(100, 20, 0)
	assert.Equal(t, Usage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120}, u)

	// A reported percentage wins over the estimate.
	u = BuildUsage(100, 20, 2)
	want := TotalContextTokens*2/100 - 20
	assert.Equal(t, want, u.PromptTokens)
	assert.Equal(t, 20, u.CompletionTokens)
	assert.Equal(t, want+20, u.TotalTokens)
}
