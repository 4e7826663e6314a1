package llm

import (
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/health-report/internal/config"
	"github.com/sells-group/health-report/pkg/anthropic"
	"github.com/sells-group/health-report/pkg/perplexity"
)

// New builds the configured backend wrapped in the calls-per-minute limiter.
func New(cfg *config.Config) (Completer, error) {
	var c Completer
	switch cfg.LLM.Provider {
	case "anthropic":
		if cfg.Anthropic.Key == "" {
			return nil, eris.New("llm: anthropic.key is required")
		}
		c = NewAnthropic(anthropic.NewClient(cfg.Anthropic.Key, option.WithRequestTimeout(cfg.Pipeline.TaskTimeout())), cfg.Anthropic.Model)
	case "openai":
		if cfg.OpenAI.Key == "" && cfg.OpenAI.BaseURL == "" {
			return nil, eris.New("llm: openai.key or openai.base_url is required")
		}
		c = NewOpenAI(cfg.OpenAI.Key, cfg.OpenAI.BaseURL, cfg.OpenAI.Model)
	case "perplexity":
		if cfg.Perplexity.Key == "" {
			return nil, eris.New("llm: perplexity.key is required")
		}
		var opts []perplexity.Option
		if cfg.Perplexity.BaseURL != "" {
			opts = append(opts, perplexity.WithBaseURL(cfg.Perplexity.BaseURL))
		}
		c = NewPerplexity(perplexity.NewClient(cfg.Perplexity.Key, opts...), cfg.Perplexity.Model)
	default:
		return nil, eris.Errorf("llm: unknown provider %q", cfg.LLM.Provider)
	}

	zap.L().Info("llm: backend ready",
		zap.String("backend", c.Name()),
		zap.Int("calls_per_minute", cfg.LLM.CallsPerMinute),
	)
	return NewRateLimited(c, cfg.LLM.CallsPerMinute), nil
}
