package handler

import (
	"strings"

	"github.com/jwadow/kiro-gateway/internal/kiro"
	"github.com/jwadow/kiro-gateway/internal/openai"
)

// aggregator accumulates stream-wide state the chunk conversion does
// not carry: the full text and whatever usage signals the backend sent.
type aggregator struct {
	text         strings.Builder
	inputTokens  int
	outputTokens int
	percentage   float64
}

func newAggregator() *aggregator {
	return &aggregator{}
}

func (a *aggregator) observe(ev kiro.Event) {
	switch e := ev.(type) {
	case kiro.ContentDelta:
		a.text.WriteString(e.Text)
	case kiro.UsageEvent:
		if e.InputTokens > 0 {
			a.inputTokens = e.InputTokens
		}
		if e.OutputTokens > 0 {
			a.outputTokens = e.OutputTokens
		}
	case kiro.ContextUsage:
		a.percentage = e.Percentage
	}
}

func (a *aggregator) consume(events []kiro.Event) {
	for _, ev := range events {
		a.observe(ev)
	}
}

// usage builds the response usage block. Explicit backend counts win,
// then the context percentage, then character estimation.
func (a *aggregator) usage(estimatedInput int, text string) openai.Usage {
	output := a.outputTokens
	if output == 0 {
		output = openai.CountTextTokens(text)
	}

	u := openai.BuildUsage(estimatedInput, output, a.percentage)
	if a.inputTokens > 0 {
		u.PromptTokens = a.inputTokens
		u.TotalTokens = a.inputTokens + u.CompletionTokens
	}
	return u
}
