package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryConfig controls how many times a call is attempted and how long the
// caller waits between attempts. Zero fields take the defaults shown.
type RetryConfig struct {
	// MaxAttempts counts the first try. 1 disables retries. Default: 3.
	MaxAttempts int
	// InitialBackoff is the wait before the first retry. Default: 500ms.
	InitialBackoff time.Duration
	// MaxBackoff caps a single wait. Default: 30s.
	MaxBackoff time.Duration
	// MaxElapsed bounds attempts plus waits. A retry whose wait would cross
	// the bound is skipped. Zero means unbounded.
	MaxElapsed time.Duration
	// Multiplier grows the wait after each retry. Default: 2.
	Multiplier float64
	// JitterFraction spreads each wait by ±fraction. Default: 0.
	JitterFraction float64
	// OnRetry, if set, is called before each wait.
	OnRetry func(RetryNotice)
}

// RetryNotice describes a retry about to happen.
type RetryNotice struct {
	// Attempt is the 1-based attempt that just failed.
	Attempt int
	Kind    Kind
	Delay   time.Duration
	Err     error
}

// DefaultRetryConfig returns the policy used for network collaborators.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.25,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	def := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.Multiplier <= 0 {
		c.Multiplier = def.Multiplier
	}
	c.JitterFraction = math.Max(0, c.JitterFraction)
	return c
}

// Backoff is the exponential wait schedule of a RetryConfig.
type Backoff struct {
	initial    float64
	ceiling    float64
	multiplier float64
	jitter     float64
}

// NewBackoff builds the schedule for cfg after applying defaults.
func NewBackoff(cfg RetryConfig) Backoff {
	cfg = cfg.withDefaults()
	return Backoff{
		initial:    float64(cfg.InitialBackoff),
		ceiling:    float64(cfg.MaxBackoff),
		multiplier: cfg.Multiplier,
		jitter:     cfg.JitterFraction,
	}
}

// Delay returns the wait before retry n, where n=0 precedes the second
// attempt.
func (b Backoff) Delay(n int) time.Duration {
	d := math.Min(b.initial*math.Pow(b.multiplier, float64(n)), b.ceiling)
	if b.jitter > 0 {
		d += d * b.jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(math.Max(0, d))
}

// Retry calls fn until it succeeds, fails with a non-retryable kind, runs
// out of attempts or elapsed budget, or ctx ends. It returns the last error
// unchanged so callers can classify it.
func Retry[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()
	schedule := NewBackoff(cfg)
	start := time.Now()

	var zero T
	for attempt := 1; ; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}

		kind := KindOf(err)
		if ctx.Err() != nil || !kind.Retryable() || attempt >= cfg.MaxAttempts {
			return zero, err
		}

		delay := schedule.Delay(attempt - 1)
		if cfg.MaxElapsed > 0 && time.Since(start)+delay > cfg.MaxElapsed {
			return zero, err
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(RetryNotice{Attempt: attempt, Kind: kind, Delay: delay, Err: err})
		}
		if !sleep(ctx, delay) {
			return zero, err
		}
	}
}

// sleep waits for d or until ctx ends, reporting whether the full wait
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// RetryLogger returns an OnRetry callback that logs each retry of a task.
func RetryLogger(task, id string) func(RetryNotice) {
	return func(n RetryNotice) {
		zap.L().Warn("resilience: retrying task",
			zap.String("task", task),
			zap.String("task_id", id),
			zap.Int("attempt", n.Attempt),
			zap.String("kind", n.Kind.String()),
			zap.Duration("delay", n.Delay),
			zap.Error(n.Err),
		)
	}
}
