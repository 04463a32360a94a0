// Package kiro provides the HTTP client and stream decoder for the Kiro API.
package kiro

// Event is a typed event decoded from the Kiro response stream.
// The set of implementations is closed; consumers switch exhaustively.
type Event interface {
	streamEvent()
}

// ContentDelta carries a fragment of assistant text.
type ContentDelta struct {
	Text string
}

// ToolStart marks the beginning of a tool call.
type ToolStart struct {
	ID   string
	Name string
}

// ToolDelta carries a fragment of a tool call's input JSON.
type ToolDelta struct {
	ID          string
	PartialArgs string
}

// ToolStop marks the end of a tool call. The finalized call is available
// from Decoder.ToolCalls.
type ToolStop struct {
	ID string
}

// UsageEvent carries token counts reported by the backend.
type UsageEvent struct {
	InputTokens  int
	OutputTokens int
}

// ContextUsage carries the context window usage percentage sent at the
// end of a stream.
type ContextUsage struct {
	Percentage float64
}

func (ContentDelta) streamEvent() {}
func (ToolStart) streamEvent()    {}
func (ToolDelta) streamEvent()    {}
func (ToolStop) streamEvent()     {}
func (UsageEvent) streamEvent()   {}
func (ContextUsage) streamEvent() {}

// ToolCall is a finalized tool invocation extracted from the stream.
// Arguments is always a valid JSON document; invalid or empty input
// buffers are normalized to "{}".
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}
