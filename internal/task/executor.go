package task

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/health-report/internal/cache"
	"github.com/sells-group/health-report/internal/model"
	"github.com/sells-group/health-report/internal/resilience"
)

// Policy bounds a task's attempts.
type Policy struct {
	// Timeout applies to each attempt. Zero means no per-attempt deadline.
	Timeout time.Duration
	Retry   resilience.RetryConfig
}

// Caching describes how a task's result maps to and from a cache entry.
type Caching[T any] struct {
	// Key is the request fingerprint. An empty key disables caching.
	Key string
	// Encode turns a successful value into the entry to commit. The task's
	// Run is responsible for persisting any artifact the entry references.
	Encode func(T) (model.CacheEntry, error)
	// Decode rebuilds a value from a cache hit.
	Decode func(model.CacheEntry) (T, error)
}

// Task is one unit of work.
type Task[T any] struct {
	// Name is the stage name; it labels metrics and error records.
	Name string
	// ID identifies the item within the stage (a URL, a term).
	ID string
	// Service selects a circuit breaker; empty disables breaking.
	Service string
	// Policy overrides the executor default when set.
	Policy *Policy
	Cache  *Caching[T]
	Run    func(ctx context.Context) (T, error)
}

// Executor runs tasks. It is safe for concurrent use.
type Executor struct {
	policy   Policy
	cache    *cache.Cache
	breakers *resilience.ServiceBreakers
	metrics  *Metrics
}

// Option configures an Executor.
type Option func(*Executor)

// WithPolicy sets the default policy.
func WithPolicy(p Policy) Option { return func(e *Executor) { e.policy = p } }

// WithCache enables fingerprint-cache short-circuiting.
func WithCache(c *cache.Cache) Option { return func(e *Executor) { e.cache = c } }

// WithBreakers enables per-service circuit breakers.
func WithBreakers(b *resilience.ServiceBreakers) Option {
	return func(e *Executor) { e.breakers = b }
}

// WithMetrics records task metrics.
func WithMetrics(m *Metrics) Option { return func(e *Executor) { e.metrics = m } }

// NewExecutor creates an executor with the default retry policy.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{policy: Policy{Retry: resilience.DefaultRetryConfig()}}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Cache returns the executor's fingerprint cache, if any.
func (e *Executor) Cache() *cache.Cache { return e.cache }

// Run executes t. Each attempt first consults the cache; a hit returns the
// cached value without calling t.Run. Only retryable failures are retried.
// A task whose context is cancelled reports Cancelled and writes nothing.
func Run[T any](ctx context.Context, e *Executor, t Task[T]) Outcome[T] {
	start := time.Now()
	log := zap.L().With(zap.String("task", t.Name), zap.String("task_id", t.ID))

	if err := ctx.Err(); err != nil {
		out := Cancelled[T](err)
		e.metrics.observe(t.Name, out.Status, out.Kind.String(), false, time.Since(start))
		return out
	}

	policy := e.policy
	if t.Policy != nil {
		policy = *t.Policy
	}
	retry := policy.Retry
	retry.OnRetry = resilience.RetryLogger(t.Name, t.ID)

	caching := t.Cache != nil && t.Cache.Key != "" && e.cache != nil
	breaker := e.breakers.Get(t.Service)

	var attempts int
	var fromCache bool
	val, err := resilience.Retry(ctx, retry, func(ctx context.Context) (T, error) {
		attempts++
		e.metrics.attempt(t.Name)

		if caching {
			if v, ok := lookup(ctx, e.cache, t, log); ok {
				fromCache = true
				return v, nil
			}
		}

		attemptCtx := ctx
		if policy.Timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, policy.Timeout)
			defer cancel()
		}

		v, err := resilience.ExecuteVal(attemptCtx, breaker, t.Run)
		if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			err = resilience.E(resilience.StageTimeout, t.Name, err)
		}
		return v, err
	})

	var out Outcome[T]
	switch {
	case err == nil:
		out = Success(val)
		out.FromCache = fromCache
		if caching && !fromCache && ctx.Err() == nil {
			commit(ctx, e.cache, t, val, log)
		}
	case ctx.Err() != nil:
		out = Cancelled[T](err)
	default:
		out = Failure[T](err)
		log.Warn("task: failed",
			zap.String("kind", out.Kind.String()),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
	}
	out.Attempts = attempts
	out.Elapsed = time.Since(start)
	e.metrics.observe(t.Name, out.Status, out.Kind.String(), out.FromCache, out.Elapsed)
	return out
}

func lookup[T any](ctx context.Context, c *cache.Cache, t Task[T], log *zap.Logger) (T, bool) {
	var zero T
	entry, hit, err := c.Lookup(ctx, t.Cache.Key)
	if err != nil {
		log.Warn("task: cache lookup failed", zap.Error(err))
		return zero, false
	}
	if !hit {
		return zero, false
	}
	v, err := t.Cache.Decode(entry)
	if err != nil {
		log.Warn("task: cache entry undecodable", zap.String("fingerprint", entry.Fingerprint), zap.Error(err))
		return zero, false
	}
	log.Debug("task: cache hit", zap.String("fingerprint", entry.Fingerprint))
	return v, true
}

func commit[T any](ctx context.Context, c *cache.Cache, t Task[T], v T, log *zap.Logger) {
	entry, err := t.Cache.Encode(v)
	if err != nil {
		log.Warn("task: cache encode failed", zap.Error(err))
		return
	}
	entry.Fingerprint = t.Cache.Key
	if entry.Kind == "" {
		entry.Kind = t.Name
	}
	if _, err := c.Commit(ctx, entry); err != nil {
		log.Warn("task: cache commit failed", zap.Error(err))
	}
}
