package news

import (
	"context"
	"fmt"

	"github.com/sells-group/health-report/internal/llm"
)

// StaticExpander returns the topic followed by a fixed synonym list.
type StaticExpander struct {
	Synonyms []string
}

// Expand implements Expander.
func (s StaticExpander) Expand(_ context.Context, topic string) ([]string, error) {
	return append([]string{topic}, s.Synonyms...), nil
}

const expandSystemPrompt = `You help monitor Brazilian public health news.
Given a health topic, list short web search queries in Brazilian Portuguese that would find recent news about it.
Answer with a JSON object: {"terms": ["...", "..."]}. Put the most direct query first.`

// LLMExpander asks the language model for search terms.
type LLMExpander struct {
	llm         llm.Completer
	max         int
	temperature float64
	maxTokens   int
}

// NewLLMExpander creates an LLMExpander asking for up to max terms.
func NewLLMExpander(c llm.Completer, max int, temperature float64, maxTokens int) *LLMExpander {
	return &LLMExpander{llm: c, max: max, temperature: temperature, maxTokens: maxTokens}
}

// Expand implements Expander.
func (e *LLMExpander) Expand(ctx context.Context, topic string) ([]string, error) {
	reply, err := e.llm.Complete(ctx, llm.Request{
		System:      expandSystemPrompt,
		Prompt:      fmt.Sprintf("Topic: %s\nReturn at most %d queries.", topic, e.max),
		Temperature: e.temperature,
		MaxTokens:   e.maxTokens,
		JSON:        true,
		Purpose:     "expand",
	})
	if err != nil {
		return nil, err
	}

	decoded, err := llm.DecodeJSON[struct {
		Terms []string `json:"terms"`
	}]("news.expand", reply)
	if err != nil {
		return nil, err
	}
	return decoded.Terms, nil
}
