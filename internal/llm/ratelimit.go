package llm

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// RateLimited caps the call rate of a Completer shared by every stage.
type RateLimited struct {
	inner   Completer
	limiter *rate.Limiter
}

// NewRateLimited wraps inner so it makes at most callsPerMinute calls per
// minute. A non-positive rate returns inner unchanged.
func NewRateLimited(inner Completer, callsPerMinute int) Completer {
	if callsPerMinute <= 0 {
		return inner
	}
	return &RateLimited{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(callsPerMinute)), 1),
	}
}

// Name implements Completer.
func (r *RateLimited) Name() string { return r.inner.Name() }

// Complete waits for a token, then delegates.
func (r *RateLimited) Complete(ctx context.Context, req Request) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", eris.Wrap(err, "llm: rate limiter wait")
	}
	return r.inner.Complete(ctx, req)
}
