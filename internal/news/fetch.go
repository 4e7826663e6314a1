package news

import (
	"context"
	"errors"
	"strings"

	"github.com/sells-group/health-report/internal/resilience"
	"github.com/sells-group/health-report/internal/scrape"
)

// Scraper is the part of scrape.Chain the fetcher needs.
type Scraper interface {
	Scrape(ctx context.Context, url string) (*scrape.Result, error)
}

// ScrapeFetcher reads articles through a scrape chain.
type ScrapeFetcher struct {
	scraper Scraper
}

// NewScrapeFetcher creates a ScrapeFetcher.
func NewScrapeFetcher(s Scraper) *ScrapeFetcher {
	return &ScrapeFetcher{scraper: s}
}

// FetchText implements ArticleFetcher. Pages with too little text fail
// with ErrEmpty; every other retrievable failure is ErrUnreachable and
// keeps the scraper's classification.
func (f *ScrapeFetcher) FetchText(ctx context.Context, url string) (Article, error) {
	res, err := f.scraper.Scrape(ctx, url)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return Article{}, err
		case errors.Is(err, scrape.ErrEmpty):
			return Article{}, resilience.E(resilience.PermanentInput, "news.fetch", errors.Join(ErrEmpty, err))
		case resilience.IsTransient(err):
			return Article{}, resilience.E(resilience.TransientIO, "news.fetch", errors.Join(ErrUnreachable, err))
		default:
			return Article{}, resilience.E(resilience.PermanentInput, "news.fetch", err)
		}
	}

	text := strings.TrimSpace(res.Page.Text)
	if text == "" {
		return Article{}, resilience.E(resilience.PermanentInput, "news.fetch", ErrEmpty)
	}
	a := Article{
		URL:    url,
		Title:  strings.TrimSpace(res.Page.Title),
		Text:   text,
		Source: res.Source,
	}
	if !res.Page.PublishedAt.IsZero() {
		t := res.Page.PublishedAt
		a.PublishedAt = &t
	}
	return a, nil
}
