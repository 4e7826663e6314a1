package news

import (
	"context"
	"fmt"
	"strings"

	"github.com/sells-group/health-report/internal/llm"
	"github.com/sells-group/health-report/internal/resilience"
)

// DefaultMaxEvaluationChars bounds the article text sent to the model.
const DefaultMaxEvaluationChars = 5000

const evaluateSystemPrompt = `You are a news curator for a public health monitoring system.
Decide whether an article is directly about the given health topic. Be strict: only approve articles that discuss the topic specifically.`

const evaluatePrompt = `Topic: %s

Article title: %s

Article content (truncated):
%s

Tasks:
1. Decide if this article is directly relevant to "%s".
2. If relevant, write a 2-3 sentence summary in Brazilian Portuguese.
3. Answer with JSON only:
   - relevant: {"relevant": true, "summary": "...", "title": "..."}
   - not relevant: {"relevant": false, "reason": "..."}`

// LLMEvaluator judges relevance and writes summaries with the language
// model.
type LLMEvaluator struct {
	llm         llm.Completer
	maxChars    int
	temperature float64
	maxTokens   int
}

// NewLLMEvaluator creates an LLMEvaluator. maxChars <= 0 uses
// DefaultMaxEvaluationChars.
func NewLLMEvaluator(c llm.Completer, maxChars int, temperature float64, maxTokens int) *LLMEvaluator {
	if maxChars <= 0 {
		maxChars = DefaultMaxEvaluationChars
	}
	return &LLMEvaluator{llm: c, maxChars: maxChars, temperature: temperature, maxTokens: maxTokens}
}

// Name implements Evaluator.
func (e *LLMEvaluator) Name() string {
	return fmt.Sprintf("llm:%s:%d", e.llm.Name(), e.maxChars)
}

// Evaluate implements Evaluator.
func (e *LLMEvaluator) Evaluate(ctx context.Context, topic string, a Article) (Evaluation, error) {
	text := truncateRunes(a.Text, e.maxChars)
	reply, err := e.llm.Complete(ctx, llm.Request{
		System:      evaluateSystemPrompt,
		Prompt:      fmt.Sprintf(evaluatePrompt, topic, a.Title, text, topic),
		Temperature: e.temperature,
		MaxTokens:   e.maxTokens,
		JSON:        true,
		Purpose:     "evaluate",
	})
	if err != nil {
		return Evaluation{}, err
	}

	ev, err := llm.DecodeJSON[Evaluation]("news.evaluate", reply)
	if err != nil {
		return Evaluation{}, err
	}
	ev.Summary = strings.TrimSpace(ev.Summary)
	ev.Title = strings.TrimSpace(ev.Title)
	if !ev.Relevant {
		ev.Summary = ""
		return ev, nil
	}
	if ev.Summary == "" {
		return Evaluation{}, resilience.Errorf(resilience.PermanentInput, "news.evaluate", "relevant verdict without summary for %s", a.URL)
	}
	if ev.Title == "" {
		ev.Title = a.Title
	}
	return ev, nil
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
