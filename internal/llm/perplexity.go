package llm

import (
	"context"
	"errors"

	"github.com/sells-group/health-report/internal/resilience"
	"github.com/sells-group/health-report/pkg/perplexity"
)

// PerplexityCompleter calls the Perplexity chat completions API.
type PerplexityCompleter struct {
	client perplexity.Client
	model  string
}

// NewPerplexity creates a PerplexityCompleter.
func NewPerplexity(client perplexity.Client, model string) *PerplexityCompleter {
	if model == "" {
		model = "sonar"
	}
	return &PerplexityCompleter{client: client, model: model}
}

// Name implements Completer.
func (p *PerplexityCompleter) Name() string { return "perplexity:" + p.model }

// Complete implements Completer.
func (p *PerplexityCompleter) Complete(ctx context.Context, req Request) (string, error) {
	var msgs []perplexity.Message
	if req.System != "" {
		msgs = append(msgs, perplexity.Message{Role: "system", Content: req.System})
	}
	msgs = append(msgs, perplexity.Message{Role: "user", Content: req.Prompt})

	temp := req.Temperature
	ccr := perplexity.ChatCompletionRequest{
		Model:       p.model,
		Messages:    msgs,
		Temperature: &temp,
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		ccr.MaxTokens = &mt
	}

	resp, err := p.client.ChatCompletion(ctx, ccr)
	if err != nil {
		status := 0
		var se *perplexity.StatusError
		if errors.As(err, &se) {
			status = se.StatusCode
		}
		return "", classify("perplexity", status, err)
	}
	text := resp.Content()
	if text == "" {
		return "", resilience.E(resilience.TransientIO, "perplexity", ErrEmptyCompletion)
	}
	return text, nil
}
