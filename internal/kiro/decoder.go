package kiro

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	// Initial buffer capacity for stream decoding
	initialBufferCap = 8192
	// Maximum buffer size to prevent unbounded growth on a stream that
	// never closes its braces (1MB)
	maxBufferSize = 1024 * 1024
)

// decoderPool provides reusable Decoder instances to reduce GC pressure.
var decoderPool = sync.Pool{
	New: func() interface{} {
		return newDecoder()
	},
}

// GetDecoder gets a decoder from the pool.
// Call ReleaseDecoder when done.
func GetDecoder() *Decoder {
	return decoderPool.Get().(*Decoder)
}

// ReleaseDecoder resets a decoder and returns it to the pool.
func ReleaseDecoder(d *Decoder) {
	d.Reset()
	decoderPool.Put(d)
}

// Decoder incrementally parses the Kiro response stream into Events.
// The stream is a sequence of JSON objects embedded in surrounding
// framing noise; objects may be split across arbitrary chunk boundaries.
// A Decoder is request-scoped and not safe for concurrent use.
type Decoder struct {
	buf strings.Builder

	// Trailing bytes of a multi-byte rune whose remainder has not
	// arrived yet; prepended to the next chunk before sanitizing.
	carry []byte

	// In-progress tool call, nil when none is open.
	current *pendingTool

	// Exact-match tracking of already emitted content strings.
	emitted map[string]struct{}

	finalized []ToolCall
}

type pendingTool struct {
	id   string
	name string
	args strings.Builder
}

// NewDecoder creates a new stream decoder.
// Prefer GetDecoder/ReleaseDecoder on the request path.
func NewDecoder() *Decoder {
	return newDecoder()
}

func newDecoder() *Decoder {
	return &Decoder{
		emitted: make(map[string]struct{}),
	}
}

// frame is the superset of fields a Kiro stream object can carry.
type frame struct {
	Content        string          `json:"content"`
	FollowupPrompt json.RawMessage `json:"followupPrompt"`

	Name      string `json:"name"`
	ToolUseID string `json:"toolUseId"`
	Input     string `json:"input"`
	Stop      bool   `json:"stop"`

	// Usage can be a bare number or an object; only the object form
	// carries token counts.
	Usage                  json.RawMessage `json:"usage"`
	ContextUsagePercentage *float64        `json:"contextUsagePercentage"`
}

type usageObject struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Feed appends a chunk of raw response bytes and returns all events that
// became complete. Invalid UTF-8 sequences are dropped. Bytes between
// complete JSON objects are discarded as framing noise; an incomplete
// trailing object stays buffered for the next Feed.
func (d *Decoder) Feed(chunk []byte) []Event {
	raw := chunk
	if len(d.carry) > 0 {
		raw = append(d.carry, chunk...)
		d.carry = nil
	}
	// Sanitizing must never see half a rune: hold back a trailing
	// incomplete sequence until its remaining bytes arrive, so a rune
	// split across chunk boundaries is not mistaken for invalid bytes.
	if n := incompleteTrailingRune(raw); n > 0 {
		d.carry = append([]byte(nil), raw[len(raw)-n:]...)
		raw = raw[:len(raw)-n]
	}

	if d.buf.Len()+len(raw) > maxBufferSize {
		// Drop the oldest data rather than grow without bound. The
		// containing object is lost, matching the tolerance contract.
		d.buf.Reset()
	}
	d.buf.WriteString(strings.ToValidUTF8(string(raw), ""))

	var events []Event
	data := d.buf.String()

	for {
		obj, rest, ok := extractObject(data)
		if !ok {
			// Trailing noise is dropped; an unclosed object is kept.
			data = rest
			break
		}
		data = rest

		var f frame
		if err := json.Unmarshal([]byte(obj), &f); err != nil {
			// Malformed embedded JSON is never fatal.
			continue
		}
		events = append(events, d.classify(&f)...)
	}

	d.buf.Reset()
	d.buf.WriteString(data)
	return events
}

// incompleteTrailingRune reports how many bytes at the end of b are the
// prefix of a multi-byte UTF-8 rune still waiting for its continuation
// bytes. Complete sequences and outright invalid bytes report zero.
func incompleteTrailingRune(b []byte) int {
	for i := 1; i <= utf8.UTFMax && i <= len(b); i++ {
		c := b[len(b)-i]
		if c < utf8.RuneSelf {
			return 0
		}
		if c >= 0xC0 {
			if want := runeLenFromStart(c); want > i {
				return i
			}
			return 0
		}
		// Continuation byte, keep scanning back for the start byte.
	}
	return 0
}

func runeLenFromStart(c byte) int {
	switch {
	case c >= 0xF8:
		return 1 // not a legal start byte
	case c >= 0xF0:
		return 4
	case c >= 0xE0:
		return 3
	default:
		return 2
	}
}

// extractObject scans for the first complete top-level JSON object.
// Brace matching is string- and escape-aware: a brace inside a quoted
// string, or an escaped quote, does not count toward nesting depth.
// Returns the object text, the remainder after it, and whether a
// complete object was found. Noise before the first '{' is consumed.
func extractObject(s string) (obj, rest string, ok bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], s[i+1:], true
			}
		}
	}
	// Unclosed object: keep it (and drop the noise before it).
	return "", s[start:], false
}

// classify maps one decoded frame to zero or more events, updating the
// tool call state machine.
func (d *Decoder) classify(f *frame) []Event {
	var events []Event

	if f.ContextUsagePercentage != nil {
		events = append(events, ContextUsage{Percentage: *f.ContextUsagePercentage})
	}

	if len(f.Usage) > 0 {
		var u usageObject
		if err := json.Unmarshal(f.Usage, &u); err == nil && (u.InputTokens > 0 || u.OutputTokens > 0) {
			events = append(events, UsageEvent{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens})
		}
	}

	// Content frames. followupPrompt frames echo content that was never
	// part of the assistant turn and are skipped.
	if f.Content != "" && f.FollowupPrompt == nil {
		if _, dup := d.emitted[f.Content]; !dup {
			d.emitted[f.Content] = struct{}{}
			events = append(events, ContentDelta{Text: f.Content})
		}
		return events
	}

	// Tool frames. A single frame may open a call, carry input, and
	// close it; handle the phases in order.
	if f.Name != "" && f.ToolUseID != "" {
		if d.current != nil {
			d.finalizeCurrent()
		}
		d.current = &pendingTool{id: f.ToolUseID, name: f.Name}
		events = append(events, ToolStart{ID: f.ToolUseID, Name: f.Name})
	}
	if f.Input != "" && d.current != nil {
		d.current.args.WriteString(f.Input)
		events = append(events, ToolDelta{ID: d.current.id, PartialArgs: f.Input})
	}
	if f.Stop && d.current != nil {
		id := d.current.id
		d.finalizeCurrent()
		events = append(events, ToolStop{ID: id})
	}

	return events
}

// finalizeCurrent closes the in-progress tool call, normalizing its
// argument buffer to valid JSON. A no-op when no call is open.
func (d *Decoder) finalizeCurrent() {
	if d.current == nil {
		return
	}
	d.finalized = append(d.finalized, ToolCall{
		ID:        d.current.id,
		Name:      d.current.name,
		Arguments: normalizeArguments(d.current.args.String()),
	})
	d.current = nil
}

// normalizeArguments re-serializes valid JSON canonically and replaces
// empty, whitespace-only, or invalid input with an empty object literal.
func normalizeArguments(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "{}"
	}
	var v interface{}
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return "{}"
	}
	var out bytes.Buffer
	enc := json.NewEncoder(&out)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "{}"
	}
	return strings.TrimSuffix(out.String(), "\n")
}

// ToolCalls finalizes any still-open tool call and returns the
// accumulated list.
func (d *Decoder) ToolCalls() []ToolCall {
	d.finalizeCurrent()
	return d.finalized
}

// Reset clears all decoder state for reuse across requests.
func (d *Decoder) Reset() {
	d.buf.Reset()
	d.carry = nil
	d.current = nil
	d.emitted = make(map[string]struct{})
	d.finalized = nil
}

// bracketCallRE matches the informal inline tool call notation some
// responses use instead of structured tool events. The argument object
// that follows is brace-matched, not captured here.
var bracketCallRE = regexp.MustCompile(`\[Called\s+(\w+)\s+with\s+args:\s*`)

// ExtractBracketToolCalls scans assistant text for inline bracket-tagged
// tool calls and parses them best-effort. Duplicates are collapsed: by id
// when the arguments carry one (preferring the entry with more argument
// text), otherwise by (name, arguments). Callers should prefer structured
// tool events and use this only when none were observed.
func ExtractBracketToolCalls(text string) []ToolCall {
	var calls []ToolCall
	byID := make(map[string]int)
	byPair := make(map[string]struct{})

	for _, loc := range bracketCallRE.FindAllStringSubmatchIndex(text, -1) {
		name := text[loc[2]:loc[3]]
		obj, _, ok := extractObject(text[loc[1]:])
		if !ok {
			continue
		}
		var parsed map[string]interface{}
		if err := json.Unmarshal([]byte(obj), &parsed); err != nil {
			continue
		}
		args := normalizeArguments(obj)

		id, _ := parsed["id"].(string)
		if id != "" {
			if prev, seen := byID[id]; seen {
				// Prefer the duplicate with non-empty / longer arguments.
				if len(args) > len(calls[prev].Arguments) {
					calls[prev].Arguments = args
					calls[prev].Name = name
				}
				continue
			}
			byID[id] = len(calls)
			calls = append(calls, ToolCall{ID: id, Name: name, Arguments: args})
			continue
		}

		pair := name + "\x00" + args
		if _, seen := byPair[pair]; seen {
			continue
		}
		byPair[pair] = struct{}{}
		calls = append(calls, ToolCall{
			ID:        "call_" + uuid.New().String(),
			Name:      name,
			Arguments: args,
		})
	}
	return calls
}

// StripBracketToolCalls removes inline bracket-tagged tool calls from
// assistant text so they are not duplicated as plain content.
func StripBracketToolCalls(text string) string {
	var out strings.Builder
	rest := text
	for {
		loc := bracketCallRE.FindStringIndex(rest)
		if loc == nil {
			out.WriteString(rest)
			break
		}
		_, after, ok := extractObject(rest[loc[1]:])
		if !ok || !strings.HasPrefix(after, "]") {
			// Not a well-formed marker; keep the text as-is.
			out.WriteString(rest[:loc[1]])
			rest = rest[loc[1]:]
			continue
		}
		out.WriteString(rest[:loc[0]])
		rest = strings.TrimPrefix(after, "]")
	}
	return strings.TrimSpace(out.String())
}
