package openai

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwadow/kiro-gateway/internal/kiro"
)

func TestStreamState_ContentChunks(t *testing.T) {
	s := NewStreamState("claude-sonnet-4")

	first := s.Chunk(kiro.ContentDelta{Text: "Hello"})
	require.NotNil(t, first)
	assert.Equal(t, "chat.completion.chunk", first.Object)
	assert.Equal(t, "claude-sonnet-4", first.Model)
	assert.True(t, strings.HasPrefix(first.ID, "chatcmpl-"))
	require.Len(t, first.Choices, 1)
	assert.Equal(t, RoleAssistant, first.Choices[0].Delta.Role)
	assert.Equal(t, "Hello", *first.Choices[0].Delta.Content)
	assert.Nil(t, first.Choices[0].FinishReason)

	// The role is announced once.
	second := s.Chunk(kiro.ContentDelta{Text: " world"})
	require.NotNil(t, second)
	assert.Empty(t, second.Choices[0].Delta.Role)
	assert.Equal(t, first.ID, second.ID)

	assert.Nil(t, s.Chunk(kiro.ContentDelta{Text: ""}))
}

func TestStreamState_ToolCallIndices(t *testing.T) {
	s := NewStreamState("m")

	start1 := s.Chunk(kiro.ToolStart{ID: "t1", Name: "first"})
	require.NotNil(t, start1)
	tc := start1.Choices[0].Delta.ToolCalls
	require.Len(t, tc, 1)
	assert.Equal(t, 0, tc[0].Index)
	assert.Equal(t, "t1", tc[0].ID)
	assert.Equal(t, "function", tc[0].Type)
	assert.Equal(t, "first", tc[0].Function.Name)
	assert.Equal(t, "", tc[0].Function.Arguments)

	delta1 := s.Chunk(kiro.ToolDelta{ID: "t1", PartialArgs: `{"a":`})
	require.NotNil(t, delta1)
	assert.Equal(t, 0, delta1.Choices[0].Delta.ToolCalls[0].Index)
	assert.Equal(t, `{"a":`, delta1.Choices[0].Delta.ToolCalls[0].Function.Arguments)

	// A second tool call gets the next index; the first keeps its own.
	start2 := s.Chunk(kiro.ToolStart{ID: "t2", Name: "second"})
	assert.Equal(t, 1, start2.Choices[0].Delta.ToolCalls[0].Index)

	delta1again := s.Chunk(kiro.ToolDelta{ID: "t1", PartialArgs: `1}`})
	assert.Equal(t, 0, delta1again.Choices[0].Delta.ToolCalls[0].Index)

	// Stop events produce no chunk.
	assert.Nil(t, s.Chunk(kiro.ToolStop{ID: "t1"}))
}

func TestStreamState_FinishReason(t *testing.T) {
	s := NewStreamState("m")
	s.Chunk(kiro.ContentDelta{Text: "hi"})

	fin := s.Finish()
	require.Len(t, fin.Choices, 1)
	require.NotNil(t, fin.Choices[0].FinishReason)
	assert.Equal(t, FinishReasonStop, *fin.Choices[0].FinishReason)
}

func TestStreamState_FinishReasonToolCalls(t *testing.T) {
	s := NewStreamState("m")
	s.Chunk(kiro.ToolStart{ID: "t1", Name: "f"})

	fin := s.Finish()
	assert.Equal(t, FinishReasonToolCalls, *fin.Choices[0].FinishReason)
}

func TestStreamState_UsageOnlyEventsProduceNoChunk(t *testing.T) {
	s := NewStreamState("m")
	assert.Nil(t, s.Chunk(kiro.UsageEvent{InputTokens: 10, OutputTokens: 5}))
	assert.Nil(t, s.Chunk(kiro.ContextUsage{Percentage: 1.5}))
}

func TestStreamState_UsageChunk(t *testing.T) {
	s := NewStreamState("m")
	chunk := s.UsageChunk(Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15})

	require.NotNil(t, chunk.Usage)
	assert.Equal(t, 15, chunk.Usage.TotalTokens)
	// The usage frame carries an empty, non-null choices array.
	assert.NotNil(t, chunk.Choices)
	assert.Empty(t, chunk.Choices)
}

func TestBuildChatCompletion_TextOnly(t *testing.T) {
	resp := BuildChatCompletion("m", "answer", nil, Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5})

	assert.Equal(t, "chat.completion", resp.Object)
	require.Len(t, resp.Choices, 1)
	choice := resp.Choices[0]
	assert.Equal(t, FinishReasonStop, choice.FinishReason)
	require.NotNil(t, choice.Message.Content)
	assert.Equal(t, "answer", *choice.Message.Content)
	assert.Empty(t, choice.Message.ToolCalls)
	assert.Equal(t, 5, resp.Usage.TotalTokens)
}

func TestBuildChatCompletion_ToolCalls(t *testing.T) {
	calls := []kiro.ToolCall{
		{ID: "t1", Name: "lookup", Arguments: `{"q":"go"}`},
	}
	resp := BuildChatCompletion("m", "", calls, Usage{})

	choice := resp.Choices[0]
	assert.Equal(t, FinishReasonToolCalls, choice.FinishReason)
	// Tool-only responses carry a null content field.
	assert.Nil(t, choice.Message.Content)
	require.Len(t, choice.Message.ToolCalls, 1)
	assert.Equal(t, "t1", choice.Message.ToolCalls[0].ID)
	assert.Equal(t, "function", choice.Message.ToolCalls[0].Type)
	assert.Equal(t, "lookup", choice.Message.ToolCalls[0].Function.Name)
	assert.Equal(t, `{"q":"go"}`, choice.Message.ToolCalls[0].Function.Arguments)
}

func TestBuildChatCompletion_TextWithToolCalls(t *testing.T) {
	calls := []kiro.ToolCall{{ID: "t1", Name: "f", Arguments: "{}"}}
	resp := BuildChatCompletion("m", "thinking out loud", calls, Usage{})

	choice := resp.Choices[0]
	require.NotNil(t, choice.Message.Content)
	assert.Equal(t, "thinking out loud", *choice.Message.Content)
	assert.Len(t, choice.Message.ToolCalls, 1)
	assert.Equal(t, FinishReasonToolCalls, choice.FinishReason)
}

func TestBuildChatCompletion_EmptyResponse(t *testing.T) {
	resp := BuildChatCompletion("m", "", nil, Usage{})
	require.NotNil(t, resp.Choices[0].Message.Content)
	assert.Equal(t, "", *resp.Choices[0].Message.Content)
}
