package openai

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/jwadow/kiro-gateway/internal/kiro"
)

// continuationCue stands in for content the Kiro API refuses to accept
// empty, and for the synthetic user turn when a conversation ends on an
// assistant message.
const continuationCue = "Continue"

// emptyToolResultCue stands in for tool output a client returned empty,
// which the backend would otherwise reject.
const emptyToolResultCue = "(empty result)"

// turn is a normalized conversation step. Tool messages have already
// been rewritten into user turns carrying tool results, and adjacent
// same-role turns merged.
type turn struct {
	role        string
	content     string
	toolResults []kiro.ToolResult
	toolUses    []kiro.ToolUse
}

// BuildConversation converts an OpenAI chat request into the Kiro
// conversation payload.
//
// System and developer messages become a shared instruction prefix on
// the first user turn. Tool messages become user turns carrying tool
// results. Adjacent same-role turns merge so the history strictly
// alternates, and the conversation always ends on a user turn serving
// as the current message.
func BuildConversation(req *ChatCompletionRequest, modelID, profileARN string, maxToolDescription int) (*kiro.ConversationRequest, error) {
	if len(req.Messages) == 0 {
		return nil, NewInvalidRequestError("messages must not be empty")
	}

	tools, toolOverflow, err := ConvertTools(req.Tools, maxToolDescription)
	if err != nil {
		return nil, NewInvalidRequestError(err.Error())
	}

	var instructions []string
	var turns []turn

	for i := range req.Messages {
		msg := &req.Messages[i]
		switch msg.Role {
		case RoleSystem, RoleDeveloper:
			if text := msg.GetContentString(); text != "" {
				instructions = append(instructions, text)
			}

		case RoleTool:
			text := msg.GetContentString()
			if text == "" {
				text = emptyToolResultCue
			}
			turns = appendTurn(turns, turn{
				role: RoleUser,
				toolResults: []kiro.ToolResult{{
					ToolUseID: msg.ToolCallID,
					Content:   []kiro.ToolResultContent{{Text: text}},
					Status:    "success",
				}},
			})

		case RoleUser:
			turns = appendTurn(turns, turn{role: RoleUser, content: msg.GetContentString()})

		case RoleAssistant:
			t := turn{role: RoleAssistant, content: msg.GetContentString()}
			for _, call := range msg.ToolCalls {
				args := strings.TrimSpace(call.Function.Arguments)
				if args == "" || !json.Valid([]byte(args)) {
					args = "{}"
				}
				t.toolUses = append(t.toolUses, kiro.ToolUse{
					ToolUseID: call.ID,
					Name:      call.Function.Name,
					Input:     json.RawMessage(args),
				})
			}
			turns = appendTurn(turns, t)

		default:
			return nil, NewInvalidRequestError("unsupported message role: " + msg.Role)
		}
	}

	// Descriptions too long for the tool specification ride along as
	// instructions instead.
	instructions = append(instructions, toolOverflow...)

	if len(turns) == 0 {
		// Instructions-only request: the instructions become the turn.
		turns = append(turns, turn{role: RoleUser})
	}

	// The instruction prefix rides on the first user turn.
	if len(instructions) > 0 {
		system := strings.Join(instructions, "\n\n")
		if turns[0].role == RoleUser {
			if turns[0].content != "" {
				turns[0].content = system + "\n\n" + turns[0].content
			} else {
				turns[0].content = system
			}
		} else {
			turns = append([]turn{{role: RoleUser, content: system}}, turns...)
		}
	}

	// The current message must be a user turn.
	if turns[len(turns)-1].role == RoleAssistant {
		turns = append(turns, turn{role: RoleUser, content: continuationCue})
	}
	// And the history must open with one.
	if turns[0].role == RoleAssistant {
		turns = append([]turn{{role: RoleUser, content: continuationCue}}, turns...)
	}

	current := turns[len(turns)-1]
	history := turns[:len(turns)-1]

	state := kiro.ConversationState{
		ChatTriggerType: "MANUAL",
		ConversationID:  uuid.New().String(),
		CurrentMessage:  buildUserTurn(current, modelID, tools),
	}

	for i, t := range history {
		if t.role == RoleUser {
			state.History = append(state.History, buildUserTurn(t, modelID, nil))
			// Alternation: a user history entry needs an assistant reply
			// after it even when the transcript had none.
			if i+1 >= len(history) || history[i+1].role != RoleAssistant {
				state.History = append(state.History, kiro.Turn{
					AssistantResponseMessage: &kiro.AssistantResponseMessage{Content: continuationCue},
				})
			}
			continue
		}
		state.History = append(state.History, buildAssistantTurn(t))
	}

	return &kiro.ConversationRequest{
		ConversationState: state,
		ProfileARN:        profileARN,
	}, nil
}

func buildUserTurn(t turn, modelID string, tools []kiro.Tool) kiro.Turn {
	content := t.content
	if content == "" && len(t.toolResults) == 0 {
		content = continuationCue
	}

	msg := &kiro.UserInputMessage{
		Content: content,
		ModelID: modelID,
		Origin:  "AI_EDITOR",
	}
	if len(t.toolResults) > 0 || len(tools) > 0 {
		msg.UserInputMessageContext = &kiro.UserInputMessageContext{
			ToolResults: t.toolResults,
			Tools:       tools,
		}
	}
	return kiro.Turn{UserInputMessage: msg}
}

func buildAssistantTurn(t turn) kiro.Turn {
	content := t.content
	if content == "" && len(t.toolUses) == 0 {
		content = continuationCue
	}
	return kiro.Turn{
		AssistantResponseMessage: &kiro.AssistantResponseMessage{
			Content:  content,
			ToolUses: t.toolUses,
		},
	}
}

// appendTurn adds a turn, merging it into the previous one when the
// roles match. Text joins with a newline; tool payloads concatenate.
func appendTurn(turns []turn, t turn) []turn {
	if len(turns) > 0 && turns[len(turns)-1].role == t.role {
		prev := &turns[len(turns)-1]
		switch {
		case prev.content == "":
			prev.content = t.content
		case t.content != "":
			prev.content += "\n" + t.content
		}
		prev.toolResults = append(prev.toolResults, t.toolResults...)
		prev.toolUses = append(prev.toolUses, t.toolUses...)
		return turns
	}
	return append(turns, t)
}
