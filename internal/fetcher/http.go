package fetcher

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/health-report/internal/resilience"
)

const (
	defaultHTTPTimeout = 60 * time.Second
	defaultUserAgent   = "health-report/1.0"

	// adaptiveStartRate paces hosts without a configured limiter.
	adaptiveStartRate = 20
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent string
	Timeout   time.Duration
	// MaxRetries is the number of in-fetcher attempts. The task executor
	// already retries transient failures, so the default is a single try.
	MaxRetries int
	// RateLimiters pins a fixed limiter to a host. Other hosts get an
	// AdaptiveLimiter.
	RateLimiters map[string]*rate.Limiter
}

// DefaultRateLimiters returns the fixed per-host limits for the open data
// portals the dataset branch talks to.
func DefaultRateLimiters() map[string]*rate.Limiter {
	return map[string]*rate.Limiter{
		"opendatasus.saude.gov.br":   rate.NewLimiter(2, 2),
		"s3.sa-east-1.amazonaws.com": rate.NewLimiter(5, 5),
	}
}

// hostLimiter paces requests to one host and learns from its responses.
type hostLimiter interface {
	Wait(ctx context.Context) error
	observe(status int)
}

type fixedLimiter struct{ *rate.Limiter }

func (fixedLimiter) observe(int) {}

// AdaptiveLimiter is a token bucket whose rate rises 20% per successful
// response, up to twice the start rate, and halves on every 429, down to a
// quarter of it.
type AdaptiveLimiter struct {
	mu       sync.Mutex
	limiter  *rate.Limiter
	current  rate.Limit
	min, max rate.Limit
}

// NewAdaptiveLimiter creates an AdaptiveLimiter starting at r.
func NewAdaptiveLimiter(r rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		limiter: rate.NewLimiter(r, burst),
		current: r,
		min:     r / 4,
		max:     r * 2,
	}
}

// Wait blocks until the limiter allows a request.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess speeds the limiter up.
func (a *AdaptiveLimiter) OnSuccess() { a.scale(1.2) }

// OnRateLimit slows the limiter down.
func (a *AdaptiveLimiter) OnRateLimit() {
	r := a.scale(0.5)
	zap.L().Warn("fetcher: reducing host rate after 429", zap.Float64("new_rate", float64(r)))
}

// Limit returns the current rate.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

func (a *AdaptiveLimiter) observe(status int) {
	switch {
	case status == http.StatusTooManyRequests:
		a.OnRateLimit()
	case status > 0 && status < 400:
		a.OnSuccess()
	}
}

func (a *AdaptiveLimiter) scale(f float64) rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	r := min(max(a.current*rate.Limit(f), a.min), a.max)
	a.current = r
	a.limiter.SetLimit(r)
	return r
}

// HTTPFetcher implements Fetcher over net/http with per-host pacing and
// classified errors.
type HTTPFetcher struct {
	client *http.Client
	opts   HTTPOptions

	mu       sync.Mutex
	fixed    map[string]*rate.Limiter
	adaptive map[string]*AdaptiveLimiter
}

// NewHTTPFetcher creates an HTTPFetcher.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultHTTPTimeout
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 1
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	fixed := make(map[string]*rate.Limiter, len(opts.RateLimiters))
	for host, l := range opts.RateLimiters {
		fixed[host] = l
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				MaxConnsPerHost:     20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		opts:     opts,
		fixed:    fixed,
		adaptive: make(map[string]*AdaptiveLimiter),
	}
}

func (f *HTTPFetcher) limiterFor(host string) hostLimiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.fixed[host]; ok {
		return fixedLimiter{l}
	}
	a, ok := f.adaptive[host]
	if !ok {
		a = NewAdaptiveLimiter(adaptiveStartRate, adaptiveStartRate)
		f.adaptive[host] = a
	}
	return a
}

// Download fetches the URL and returns the response body. Network errors,
// 408, 429 and 5xx are TransientIO; other non-200 statuses are
// PermanentInput.
func (f *HTTPFetcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, resilience.E(resilience.PermanentInput, "http get", eris.Wrap(err, "create request"))
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)

	retry := resilience.RetryConfig{
		MaxAttempts:    f.opts.MaxRetries,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		JitterFraction: 0.25,
		OnRetry: func(n resilience.RetryNotice) {
			zap.L().Warn("fetcher: retrying download",
				zap.String("url", rawURL),
				zap.Int("attempt", n.Attempt),
				zap.Error(n.Err),
			)
		},
	}
	return resilience.Retry(ctx, retry, func(ctx context.Context) (io.ReadCloser, error) {
		return f.attempt(ctx, req)
	})
}

func (f *HTTPFetcher) attempt(ctx context.Context, req *http.Request) (io.ReadCloser, error) {
	lim := f.limiterFor(req.URL.Host)
	if err := lim.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "rate limiter wait")
	}

	resp, err := f.client.Do(req.Clone(ctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, resilience.E(resilience.TransientIO, "http get", err)
	}
	lim.observe(resp.StatusCode)

	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, resilience.FromHTTPStatus("http get", resp.StatusCode,
			eris.Errorf("unexpected status %d from %s", resp.StatusCode, req.URL.Redacted()))
	}
	return resp.Body, nil
}

// DownloadToFile fetches the URL and writes it to path.
func (f *HTTPFetcher) DownloadToFile(ctx context.Context, rawURL string, path string) (int64, error) {
	body, err := f.Download(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	return copyToFile(body, path)
}
