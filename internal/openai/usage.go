package openai

import "strings"

const (
	// TotalContextTokens is the Kiro context window size, used to turn
	// the backend's context usage percentage back into token counts.
	TotalContextTokens = 172500

	// CharsPerToken is the average characters-per-token used for
	// estimation; no real tokenizer is available for this backend.
	CharsPerToken = 4
)

// EstimateInputTokens estimates the prompt token count of a request
// from its character length.
func EstimateInputTokens(req *ChatCompletionRequest) int {
	var totalChars int
	for i := range req.Messages {
		msg := &req.Messages[i]
		totalChars += len(msg.GetContentString())
		for _, call := range msg.ToolCalls {
			totalChars += len(call.Function.Name) + len(call.Function.Arguments)
		}
	}
	for _, tool := range req.Tools {
		totalChars += len(tool.Function.Name) + len(tool.Function.Description) + len(tool.Function.Parameters)
	}

	tokens := totalChars / CharsPerToken
	if tokens < 1 && totalChars > 0 {
		tokens = 1
	}
	return tokens
}

// CountTextTokens estimates the token count of generated text.
func CountTextTokens(text string) int {
	if text == "" {
		return 0
	}
	tokens := len(strings.TrimSpace(text)) / CharsPerToken
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

// InputTokensFromPercentage reconstructs the prompt token count from
// the backend's context usage percentage. The percentage covers the
// whole context, so generated tokens are subtracted back out.
func InputTokensFromPercentage(percentage float64, outputTokens int) int {
	if percentage <= 0 {
		return 0
	}
	total := int(float64(TotalContextTokens) * percentage / 100)
	input := total - outputTokens
	if input < 0 {
		input = 0
	}
	return input
}

// BuildUsage combines estimates into the response usage block. The
// percentage-derived figure wins over the character estimate when the
// backend reported one.
func BuildUsage(estimatedInput, outputTokens int, percentage float64) Usage {
	input := estimatedInput
	if percentage > 0 {
		input = InputTokensFromPercentage(percentage, outputTokens)
	}
	return Usage{
		PromptTokens:     input,
		CompletionTokens: outputTokens,
		TotalTokens:      input + outputTokens,
	}
}
