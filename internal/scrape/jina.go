package scrape

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/health-report/internal/resilience"
	"github.com/sells-group/health-report/pkg/jina"
)

// JinaAdapter wraps a Jina Reader client as a Scraper guarded by a circuit
// breaker. While the circuit is open Supports reports false so the chain
// skips it.
type JinaAdapter struct {
	client   jina.Client
	breaker  *resilience.CircuitBreaker
	minChars int
}

// NewJinaAdapter creates a JinaAdapter from a Jina client. Three
// consecutive transient failures open the circuit for 60s.
func NewJinaAdapter(client jina.Client, minChars int) *JinaAdapter {
	if minChars <= 0 {
		minChars = DefaultMinTextChars
	}
	return &JinaAdapter{
		client: client,
		breaker: resilience.NewCircuitBreaker("jina_reader", resilience.CircuitBreakerConfig{
			FailureThreshold: 3,
			ResetTimeout:     60 * time.Second,
		}),
		minChars: minChars,
	}
}

func (j *JinaAdapter) Name() string { return "jina" }

// Supports returns true unless the circuit breaker is open.
func (j *JinaAdapter) Supports(_ string) bool {
	return j.breaker.State() != resilience.CircuitOpen
}

// Scrape fetches a URL via Jina Reader and validates the response.
func (j *JinaAdapter) Scrape(ctx context.Context, targetURL string) (*Result, error) {
	return resilience.ExecuteVal(ctx, j.breaker, func(ctx context.Context) (*Result, error) {
		resp, err := j.client.Read(ctx, targetURL)
		if err != nil {
			return nil, classifyJina(err)
		}

		if blocked(resp) {
			return nil, resilience.E(resilience.PermanentInput, "jina", ErrBlocked)
		}
		content := strings.TrimSpace(resp.Data.Content)
		if len([]rune(content)) < j.minChars {
			return nil, resilience.E(resilience.PermanentInput, "jina", ErrEmpty)
		}

		page := Page{
			URL:        targetURL,
			Title:      resp.Data.Title,
			Text:       content,
			StatusCode: resp.Code,
		}
		if t, ok := ParseTime(resp.Data.PublishedTime); ok {
			page.PublishedAt = t
		}
		return &Result{Page: page, Source: "jina"}, nil
	})
}

func classifyJina(err error) error {
	var se *jina.StatusError
	if errors.As(err, &se) {
		return resilience.FromHTTPStatus("jina", se.StatusCode, err)
	}
	if k := resilience.KindOf(err); k == resilience.Cancelled {
		return err
	}
	return resilience.E(resilience.TransientIO, "jina", eris.Wrap(err, "read"))
}

// blocked reports whether a short Jina response is a challenge page.
func blocked(resp *jina.ReadResponse) bool {
	if resp == nil || (resp.Code != 0 && resp.Code != 200) {
		return true
	}
	content := strings.TrimSpace(resp.Data.Content)
	if len(content) >= 1000 {
		return false
	}
	lower := strings.ToLower(content)
	for _, sig := range []string{
		"checking your browser",
		"enable javascript",
		"please enable cookies",
		"access denied",
		"403 forbidden",
		"just a moment",
		"attention required",
	} {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}
