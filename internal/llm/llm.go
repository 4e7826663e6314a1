// Package llm adapts the language model backends to one Completer
// interface used by the schema mapper, the topic expander and the article
// evaluator.
package llm

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/health-report/internal/resilience"
)

// Request is a single-turn completion request.
type Request struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
	// JSON asks the backend for a JSON object when it supports a response
	// format switch. Callers still validate the output.
	JSON bool
	// Purpose labels the call in logs and metrics (e.g. "map", "evaluate").
	Purpose string
}

// Completer produces a text completion.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
	// Name identifies the backend and model. It is part of cache keys, so
	// switching models invalidates cached model outputs.
	Name() string
}

// classify maps a backend failure to the error taxonomy. status is the
// HTTP status of the API error when known, else 0.
func classify(op string, status int, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if status > 0 {
		return resilience.FromHTTPStatus(op, status, err)
	}
	// Anything without a status never reached the API: a transport failure.
	return resilience.E(resilience.TransientIO, op, err)
}

// ErrEmptyCompletion is returned when a backend answers with no text.
var ErrEmptyCompletion = eris.New("llm: empty completion")
