package kiro

import "encoding/json"

// Wire types for the Kiro conversation endpoint. Field names must match
// the backend schema byte-for-byte.

// ConversationRequest is the top-level request payload.
type ConversationRequest struct {
	ConversationState ConversationState `json:"conversationState"`
	// ProfileARN is required for the desktop (social) auth method and is
	// carried in the body, not a header.
	ProfileARN string `json:"profileArn,omitempty"`
}

// ConversationState holds the conversation id, the current message, and
// the prior history.
type ConversationState struct {
	ChatTriggerType string `json:"chatTriggerType"`
	ConversationID  string `json:"conversationId"`
	CurrentMessage  Turn   `json:"currentMessage"`
	History         []Turn `json:"history,omitempty"`
}

// Turn is either a user input message or an assistant response message.
type Turn struct {
	UserInputMessage         *UserInputMessage         `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *AssistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

// UserInputMessage is one user turn.
type UserInputMessage struct {
	Content string `json:"content"`
	ModelID string `json:"modelId"`
	Origin  string `json:"origin"`

	UserInputMessageContext *UserInputMessageContext `json:"userInputMessageContext,omitempty"`
}

// UserInputMessageContext carries tool declarations and tool results
// attached to a user turn.
type UserInputMessageContext struct {
	ToolResults []ToolResult `json:"toolResults,omitempty"`
	Tools       []Tool       `json:"tools,omitempty"`
}

// ToolResult is the outcome of one tool invocation.
type ToolResult struct {
	ToolUseID string              `json:"toolUseId"`
	Content   []ToolResultContent `json:"content"`
	Status    string              `json:"status"`
}

// ToolResultContent is one content element of a tool result.
type ToolResultContent struct {
	Text string `json:"text"`
}

// Tool declares one callable tool.
type Tool struct {
	ToolSpecification ToolSpecification `json:"toolSpecification"`
}

// ToolSpecification describes a tool's name, description, and schema.
type ToolSpecification struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"inputSchema"`
}

// InputSchema wraps the JSON schema of a tool's input.
type InputSchema struct {
	JSON json.RawMessage `json:"json"`
}

// AssistantResponseMessage is one assistant turn.
type AssistantResponseMessage struct {
	Content  string    `json:"content"`
	ToolUses []ToolUse `json:"toolUses,omitempty"`
}

// ToolUse is a structured tool invocation inside an assistant turn.
type ToolUse struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
}
