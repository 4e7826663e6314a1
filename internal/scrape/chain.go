package scrape

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/health-report/internal/resilience"
)

// Chain tries scrapers in priority order, returning the first success.
type Chain struct {
	PathMatcher *PathMatcher
	scrapers    []Scraper
}

// NewChain creates a Chain with the given path matcher and scrapers.
func NewChain(matcher *PathMatcher, scrapers ...Scraper) *Chain {
	return &Chain{
		PathMatcher: matcher,
		scrapers:    scrapers,
	}
}

// Scrape tries each scraper in order for a single URL. When every scraper
// fails the returned error is TransientIO if any of them failed
// transiently, so the caller's retry policy gets another go, and the most
// recent permanent failure otherwise.
func (c *Chain) Scrape(ctx context.Context, targetURL string) (*Result, error) {
	if c.PathMatcher.IsExcluded(targetURL) {
		return nil, resilience.Errorf(resilience.PermanentInput, "scrape", "url excluded: %s", targetURL)
	}

	var transientErr, lastErr error
	for _, s := range c.scrapers {
		if !s.Supports(targetURL) {
			continue
		}
		result, err := s.Scrape(ctx, targetURL)
		if err == nil && result != nil {
			return result, nil
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return nil, err
		}
		zap.L().Debug("scrape: scraper failed, trying next",
			zap.String("scraper", s.Name()),
			zap.String("url", targetURL),
			zap.Error(err),
		)
		lastErr = err
		if resilience.IsTransient(err) {
			transientErr = err
		}
	}
	if transientErr != nil {
		return nil, eris.Wrap(transientErr, "scrape: all scrapers failed")
	}
	if lastErr != nil {
		return nil, eris.Wrap(lastErr, "scrape: all scrapers failed")
	}
	return nil, resilience.Errorf(resilience.TransientIO, "scrape", "no available scraper for %s", targetURL)
}
