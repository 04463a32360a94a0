package openai

import (
	"time"

	"github.com/jwadow/kiro-gateway/internal/kiro"
)

// Finish reasons. The backend never signals max-token truncation, so
// these two are the only reasons the gateway produces.
const (
	FinishReasonStop      = "stop"
	FinishReasonToolCalls = "tool_calls"
)

// StreamState translates decoded backend events into OpenAI completion
// chunks. It tracks the chunk identity, whether the assistant role has
// been announced, and the zero-based index assigned to each tool call.
type StreamState struct {
	ID      string
	Model   string
	Created int64

	sentRole     bool
	toolIndex    map[string]int
	sawToolCalls bool
}

// NewStreamState starts a chunk sequence for one response.
func NewStreamState(model string) *StreamState {
	return &StreamState{
		ID:        GenerateCompletionID(),
		Model:     model,
		Created:   time.Now().Unix(),
		toolIndex: make(map[string]int),
	}
}

func (s *StreamState) newChunk() *ChatCompletionChunk {
	return &ChatCompletionChunk{
		ID:      s.ID,
		Object:  "chat.completion.chunk",
		Created: s.Created,
		Model:   s.Model,
	}
}

func (s *StreamState) role() string {
	if s.sentRole {
		return ""
	}
	s.sentRole = true
	return RoleAssistant
}

// indexFor assigns a stable zero-based index to a tool call ID.
func (s *StreamState) indexFor(id string) int {
	if idx, ok := s.toolIndex[id]; ok {
		return idx
	}
	idx := len(s.toolIndex)
	s.toolIndex[id] = idx
	return idx
}

// Chunk converts one backend event. A nil result means the event
// produces no client-visible chunk.
func (s *StreamState) Chunk(ev kiro.Event) *ChatCompletionChunk {
	switch e := ev.(type) {
	case kiro.ContentDelta:
		if e.Text == "" {
			return nil
		}
		text := e.Text
		chunk := s.newChunk()
		chunk.Choices = []ChunkChoice{{
			Delta: Delta{Role: s.role(), Content: &text},
		}}
		return chunk

	case kiro.ToolStart:
		s.sawToolCalls = true
		chunk := s.newChunk()
		chunk.Choices = []ChunkChoice{{
			Delta: Delta{
				Role: s.role(),
				ToolCalls: []ToolCallDelta{{
					Index:    s.indexFor(e.ID),
					ID:       e.ID,
					Type:     "function",
					Function: &FunctionCallDelta{Name: e.Name, Arguments: ""},
				}},
			},
		}}
		return chunk

	case kiro.ToolDelta:
		if e.PartialArgs == "" {
			return nil
		}
		chunk := s.newChunk()
		chunk.Choices = []ChunkChoice{{
			Delta: Delta{
				ToolCalls: []ToolCallDelta{{
					Index:    s.indexFor(e.ID),
					Function: &FunctionCallDelta{Arguments: e.PartialArgs},
				}},
			},
		}}
		return chunk

	default:
		// ToolStop, usage, and context events carry no chunk of their own.
		return nil
	}
}

// Finish produces the terminal chunk with the finish reason.
func (s *StreamState) Finish() *ChatCompletionChunk {
	reason := FinishReasonStop
	if s.sawToolCalls {
		reason = FinishReasonToolCalls
	}
	chunk := s.newChunk()
	chunk.Choices = []ChunkChoice{{
		Delta:        Delta{Role: s.role()},
		FinishReason: &reason,
	}}
	return chunk
}

// UsageChunk produces the trailing usage-only chunk requested via
// stream_options.include_usage.
func (s *StreamState) UsageChunk(usage Usage) *ChatCompletionChunk {
	chunk := s.newChunk()
	chunk.Choices = []ChunkChoice{}
	chunk.Usage = &usage
	return chunk
}

// BuildChatCompletion assembles the buffered response from aggregated
// text and finalized tool calls.
func BuildChatCompletion(model, text string, toolCalls []kiro.ToolCall, usage Usage) *ChatCompletion {
	msg := AssistantMessage{Role: RoleAssistant}
	if text != "" || len(toolCalls) == 0 {
		content := text
		msg.Content = &content
	}
	for _, call := range toolCalls {
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:   call.ID,
			Type: "function",
			Function: FunctionCall{
				Name:      call.Name,
				Arguments: call.Arguments,
			},
		})
	}

	reason := FinishReasonStop
	if len(toolCalls) > 0 {
		reason = FinishReasonToolCalls
	}

	return &ChatCompletion{
		ID:      GenerateCompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []Choice{{
			Message:      msg,
			FinishReason: reason,
		}},
		Usage: usage,
	}
}
