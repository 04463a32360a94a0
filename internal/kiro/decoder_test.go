package kiro

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collect feeds the stream to a fresh decoder in the given chunk sizes
// and returns all events plus the finalized tool calls.
func collect(t *testing.T, stream string, chunkSize int) ([]Event, []ToolCall) {
	t.Helper()
	d := NewDecoder()
	var events []Event
	for i := 0; i < len(stream); i += chunkSize {
		end := i + chunkSize
		if end > len(stream) {
			end = len(stream)
		}
		events = append(events, d.Feed([]byte(stream[i:end]))...)
	}
	return events, d.ToolCalls()
}

func TestDecoder_ContentFrames(t *testing.T) {
	events, _ := collect(t, `{"content":"Hello"}{"content":" world"}`, 1024)

	require.Len(t, events, 2)
	assert.Equal(t, ContentDelta{Text: "Hello"}, events[0])
	assert.Equal(t, ContentDelta{Text: " world"}, events[1])
}

func TestDecoder_ChunkBoundaryIndependence(t *testing.T) {
	stream := `noise:{"content":"Hél{lo"}garbage{"content":"a \"quoted\" {brace}"}` +
		`{"name":"get_weather","toolUseId":"tool-1"}{"input":"{\"city\":"}` +
		`{"input":"\"Oslo\"}"}{"stop":true}{"contextUsagePercentage":12.5}`

	whole, wholeCalls := collect(t, stream, len(stream))

	for _, size := range []int{1, 2, 3, 7, 64} {
		events, calls := collect(t, stream, size)
		assert.Equal(t, whole, events, "chunk size %d", size)
		assert.Equal(t, wholeCalls, calls, "chunk size %d", size)
	}

	require.Len(t, wholeCalls, 1)
	assert.Equal(t, "get_weather", wholeCalls[0].Name)
	assert.JSONEq(t, `{"city":"Oslo"}`, wholeCalls[0].Arguments)
}

func TestExtractObject(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantObj  string
		wantRest string
		wantOK   bool
	}{
		{
			name:     "plain object",
			input:    `{"a":1}tail`,
			wantObj:  `{"a":1}`,
			wantRest: "tail",
			wantOK:   true,
		},
		{
			name:     "noise before object",
			input:    `:event-type{"a":1}`,
			wantObj:  `{"a":1}`,
			wantRest: "",
			wantOK:   true,
		},
		{
			name:     "brace inside string",
			input:    `{"text":"{not a close"}`,
			wantObj:  `{"text":"{not a close"}`,
			wantRest: "",
			wantOK:   true,
		},
		{
			name:     "escaped quote inside string",
			input:    `{"text":"say \"hi\" {"}rest`,
			wantObj:  `{"text":"say \"hi\" {"}`,
			wantRest: "rest",
			wantOK:   true,
		},
		{
			name:     "escaped backslash before quote",
			input:    `{"path":"C:\\"}x`,
			wantObj:  `{"path":"C:\\"}`,
			wantRest: "x",
			wantOK:   true,
		},
		{
			name:     "nested objects",
			input:    `{"a":{"b":{"c":1}}}`,
			wantObj:  `{"a":{"b":{"c":1}}}`,
			wantRest: "",
			wantOK:   true,
		},
		{
			name:     "unclosed object kept as rest",
			input:    `junk{"a":`,
			wantRest: `{"a":`,
			wantOK:   false,
		},
		{
			name:   "no object at all",
			input:  "just noise",
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj, rest, ok := extractObject(tt.input)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantObj, obj)
			assert.Equal(t, tt.wantRest, rest)
		})
	}
}

func TestDecoder_DuplicateContentEmittedOnce(t *testing.T) {
	stream := `{"content":"same"}{"content":"same"}{"content":"other"}{"content":"same"}`
	events, _ := collect(t, stream, len(stream))

	require.Len(t, events, 2)
	assert.Equal(t, ContentDelta{Text: "same"}, events[0])
	assert.Equal(t, ContentDelta{Text: "other"}, events[1])
}

func TestDecoder_FollowupPromptSkipped(t *testing.T) {
	stream := `{"content":"real"}{"content":"echo","followupPrompt":{"content":"echo"}}`
	events, _ := collect(t, stream, len(stream))

	require.Len(t, events, 1)
	assert.Equal(t, ContentDelta{Text: "real"}, events[0])
}

func TestDecoder_ToolLifecycle(t *testing.T) {
	stream := `{"name":"read_file","toolUseId":"t1"}` +
		`{"input":"{\"path\":"}{"input":"\"/tmp/a\"}"}{"stop":true}`
	events, calls := collect(t, stream, len(stream))

	require.Len(t, events, 4)
	assert.Equal(t, ToolStart{ID: "t1", Name: "read_file"}, events[0])
	assert.Equal(t, ToolDelta{ID: "t1", PartialArgs: `{"path":`}, events[1])
	assert.Equal(t, ToolDelta{ID: "t1", PartialArgs: `"/tmp/a"}`}, events[2])
	assert.Equal(t, ToolStop{ID: "t1"}, events[3])

	require.Len(t, calls, 1)
	assert.Equal(t, "t1", calls[0].ID)
	assert.Equal(t, "read_file", calls[0].Name)
	assert.JSONEq(t, `{"path":"/tmp/a"}`, calls[0].Arguments)
}

func TestDecoder_ToolWithoutStopFinalizedOnToolCalls(t *testing.T) {
	_, calls := collect(t, `{"name":"noop","toolUseId":"t2"}`, 1024)

	require.Len(t, calls, 1)
	assert.Equal(t, "noop", calls[0].Name)
	assert.Equal(t, "{}", calls[0].Arguments)
}

func TestDecoder_NewToolClosesPrevious(t *testing.T) {
	stream := `{"name":"first","toolUseId":"a"}{"input":"{\"x\":1}"}` +
		`{"name":"second","toolUseId":"b"}{"stop":true}`
	_, calls := collect(t, stream, len(stream))

	require.Len(t, calls, 2)
	assert.Equal(t, "a", calls[0].ID)
	assert.JSONEq(t, `{"x":1}`, calls[0].Arguments)
	assert.Equal(t, "b", calls[1].ID)
	assert.Equal(t, "{}", calls[1].Arguments)
}

func TestNormalizeArguments(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", "{}"},
		{"whitespace only", "  \n\t ", "{}"},
		{"invalid json", `{"broken":`, "{}"},
		{"valid object", `{"a": 1}`, `{"a":1}`},
		{"no html escaping", `{"q":"a<b>&c"}`, `{"q":"a<b>&c"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizeArguments(tt.in))
		})
	}
}

func TestDecoder_UsageFrames(t *testing.T) {
	// Bare-number usage carries no token counts and must be ignored.
	stream := `{"usage":42}{"usage":{"inputTokens":100,"outputTokens":25}}` +
		`{"contextUsagePercentage":3.5}`
	events, _ := collect(t, stream, len(stream))

	require.Len(t, events, 2)
	assert.Equal(t, UsageEvent{InputTokens: 100, OutputTokens: 25}, events[0])
	assert.Equal(t, ContextUsage{Percentage: 3.5}, events[1])
}

func TestDecoder_MalformedObjectSkipped(t *testing.T) {
	// Balanced braces but not valid JSON: skipped without aborting.
	stream := `{not json}{"content":"after"}`
	events, _ := collect(t, stream, len(stream))

	require.Len(t, events, 1)
	assert.Equal(t, ContentDelta{Text: "after"}, events[0])
}

func TestDecoder_MultiByteRunesSplitAcrossChunks(t *testing.T) {
	// Two-, three-, and four-byte sequences, all of which straddle
	// chunk boundaries when fed byte by byte.
	stream := `{"content":"héllo"}{"content":" 世界"}{"content":" 🌍"}`

	whole, _ := collect(t, stream, len(stream))
	require.Len(t, whole, 3)
	assert.Equal(t, ContentDelta{Text: "héllo"}, whole[0])
	assert.Equal(t, ContentDelta{Text: " 世界"}, whole[1])
	assert.Equal(t, ContentDelta{Text: " 🌍"}, whole[2])

	for _, size := range []int{1, 2, 3} {
		events, _ := collect(t, stream, size)
		assert.Equal(t, whole, events, "chunk size %d", size)
	}
}

func TestDecoder_InvalidUTF8Dropped(t *testing.T) {
	d := NewDecoder()
	events := d.Feed([]byte("{\"content\":\"ok\xff\xfe\"}"))

	require.Len(t, events, 1)
	assert.Equal(t, ContentDelta{Text: "ok"}, events[0].(ContentDelta))
}

func TestDecoder_Reset(t *testing.T) {
	d := NewDecoder()
	d.Feed([]byte(`{"content":"first"}{"name":"t","toolUseId":"x"}`))
	d.Reset()

	// Previously emitted content is no longer considered a duplicate,
	// and no stale tool call survives.
	events := d.Feed([]byte(`{"content":"first"}`))
	require.Len(t, events, 1)
	assert.Empty(t, d.ToolCalls())
}

func TestExtractBracketToolCalls(t *testing.T) {
	text := `Let me check. [Called get_weather with args: {"city":"Oslo"}] Done.`
	calls := ExtractBracketToolCalls(text)

	require.Len(t, calls, 1)
	assert.Equal(t, "get_weather", calls[0].Name)
	assert.JSONEq(t, `{"city":"Oslo"}`, calls[0].Arguments)
	assert.True(t, strings.HasPrefix(calls[0].ID, "call_"))
}

func TestExtractBracketToolCalls_DuplicatesCollapsed(t *testing.T) {
	text := `[Called search with args: {"id":"c1"}]` +
		`[Called search with args: {"id":"c1","query":"golang"}]` +
		`[Called search with args: {"query":"twice"}]` +
		`[Called search with args: {"query":"twice"}]`
	calls := ExtractBracketToolCalls(text)

	require.Len(t, calls, 2)
	assert.Equal(t, "c1", calls[0].ID)
	assert.Contains(t, calls[0].Arguments, "golang")
	assert.Contains(t, calls[1].Arguments, "twice")
}

func TestStripBracketToolCalls(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "single call removed",
			in:   `Before [Called f with args: {"a":1}] after`,
			want: "Before  after",
		},
		{
			name: "multiple calls removed",
			in:   `[Called a with args: {}] mid [Called b with args: {"x":{"y":2}}]`,
			want: "mid",
		},
		{
			name: "malformed marker kept",
			in:   `[Called f with args: {"unclosed`,
			want: `[Called f with args: {"unclosed`,
		},
		{
			name: "no markers",
			in:   "plain text",
			want: "plain text",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripBracketToolCalls(tt.in))
		})
	}
}
