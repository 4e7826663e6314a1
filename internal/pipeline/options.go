package pipeline

import (
	"time"

	"github.com/sells-group/health-report/internal/config"
	"github.com/sells-group/health-report/internal/resilience"
	"github.com/sells-group/health-report/internal/task"
)

// Options tunes a Pipeline.
type Options struct {
	Network task.Policy
	Model   task.Policy
	// Local applies to on-disk stages such as refinement.
	Local task.Policy

	MaxTerms          int
	MaxResultsPerTerm int
	Concurrency       int

	Join JoinPolicy
	// RunTimeout bounds both branches together. When it expires the join
	// records RunTimeout and the report is built from what was completed.
	RunTimeout time.Duration

	OutputDir string
	Keep      int
	Title     string

	Now func() time.Time
}

// OptionsFromConfig derives pipeline options from the loaded config.
func OptionsFromConfig(cfg *config.Config) Options {
	timeout := cfg.Pipeline.TaskTimeout()
	return Options{
		Network:           task.Policy{Timeout: timeout, Retry: RetryFromConfig(cfg.Retry.Network)},
		Model:             task.Policy{Timeout: timeout, Retry: RetryFromConfig(cfg.Retry.Model)},
		Local:             task.Policy{Retry: resilience.RetryConfig{MaxAttempts: 1}},
		MaxTerms:          cfg.News.MaxTerms,
		MaxResultsPerTerm: cfg.News.MaxResultsPerTerm,
		Concurrency:       cfg.News.Concurrency,
		Join:              JoinPolicy{Timeout: cfg.Pipeline.JoinTimeout(), Grace: cfg.Pipeline.JoinGrace()},
		RunTimeout:        cfg.Pipeline.RunTimeout(),
		OutputDir:         cfg.Paths.OutputDir,
		Keep:              cfg.Report.Keep,
		Title:             cfg.Report.Title,
	}
}

// RetryFromConfig converts a configured retry policy.
func RetryFromConfig(p config.RetryPolicy) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    p.MaxAttempts,
		InitialBackoff: time.Duration(p.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:     time.Duration(p.MaxBackoffMs) * time.Millisecond,
		MaxElapsed:     time.Duration(p.MaxElapsedSecs) * time.Second,
		Multiplier:     p.Multiplier,
		JitterFraction: p.JitterFraction,
	}
}

// BreakerFromConfig converts the configured circuit settings.
func BreakerFromConfig(c config.CircuitConfig) resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		FailureThreshold: c.FailureThreshold,
		ResetTimeout:     time.Duration(c.ResetTimeoutSecs) * time.Second,
	}
}

func (o *Options) defaults() {
	if o.Local.Retry.MaxAttempts == 0 {
		o.Local.Retry.MaxAttempts = 1
	}
	if o.MaxTerms <= 0 {
		o.MaxTerms = 3
	}
	if o.MaxResultsPerTerm <= 0 {
		o.MaxResultsPerTerm = 5
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.Keep <= 0 {
		o.Keep = 3
	}
	if o.Title == "" {
		o.Title = "Relatório SRAG"
	}
	if o.OutputDir == "" {
		o.OutputDir = "output"
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}
