package llm

import (
	"context"

	"github.com/sells-group/health-report/internal/resilience"
	"github.com/sells-group/health-report/pkg/anthropic"
)

// AnthropicCompleter calls the Anthropic Messages API.
type AnthropicCompleter struct {
	client anthropic.Client
	model  string
}

// NewAnthropic creates an AnthropicCompleter.
func NewAnthropic(client anthropic.Client, model string) *AnthropicCompleter {
	if model == "" {
		model = "claude-haiku-4-5-20251001"
	}
	return &AnthropicCompleter{client: client, model: model}
}

// Name implements Completer.
func (a *AnthropicCompleter) Name() string { return "anthropic:" + a.model }

// Complete implements Completer.
func (a *AnthropicCompleter) Complete(ctx context.Context, req Request) (string, error) {
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	temp := req.Temperature
	mr := anthropic.MessageRequest{
		Model:       a.model,
		MaxTokens:   maxTokens,
		Messages:    []anthropic.Message{{Role: "user", Content: req.Prompt}},
		Temperature: &temp,
	}
	if req.System != "" {
		mr.System = []anthropic.SystemBlock{{Text: req.System}}
	}

	resp, err := a.client.CreateMessage(ctx, mr)
	if err != nil {
		return "", classify("anthropic", anthropic.StatusCode(err), err)
	}
	resp.Usage.LogCost(a.model, req.Purpose)

	text := resp.Text()
	if text == "" {
		return "", resilience.E(resilience.TransientIO, "anthropic", ErrEmptyCompletion)
	}
	return text, nil
}
