package news

import (
	"context"
	"errors"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/health-report/internal/resilience"
	"github.com/sells-group/health-report/internal/scrape"
	"github.com/sells-group/health-report/pkg/jina"
	"github.com/sells-group/health-report/pkg/perplexity"
)

// JinaSearcher searches the web through Jina Search.
type JinaSearcher struct {
	client jina.Client
	region string
}

// NewJinaSearcher creates a JinaSearcher. region accepts either a country
// code ("br") or a region-language pair ("br-pt").
func NewJinaSearcher(client jina.Client, region string) *JinaSearcher {
	if i := strings.IndexByte(region, '-'); i > 0 {
		region = region[:i]
	}
	return &JinaSearcher{client: client, region: strings.ToLower(region)}
}

// Search implements Searcher.
func (s *JinaSearcher) Search(ctx context.Context, term string, limit int) ([]Hit, error) {
	var opts []jina.SearchOption
	if s.region != "" {
		opts = append(opts, jina.WithRegion(s.region))
	}
	if limit > 0 {
		opts = append(opts, jina.WithCount(limit))
	}

	resp, err := s.client.Search(ctx, term, opts...)
	if err != nil {
		var se *jina.StatusError
		if errors.As(err, &se) {
			return nil, resilience.FromHTTPStatus("news.search", se.StatusCode, err)
		}
		if k := resilience.KindOf(err); k == resilience.Cancelled || k == resilience.StageTimeout {
			return nil, err
		}
		return nil, resilience.E(resilience.TransientIO, "news.search", eris.Wrap(err, "search"))
	}

	var hits []Hit
	for _, r := range resp.Data {
		if r.URL == "" {
			continue
		}
		h := Hit{URL: r.URL, Title: strings.TrimSpace(r.Title), Snippet: strings.TrimSpace(r.Description)}
		if t, ok := scrape.ParseTime(r.PublishedTime); ok {
			h.PublishedAt = &t
		}
		hits = append(hits, h)
		if limit > 0 && len(hits) == limit {
			break
		}
	}
	return hits, nil
}

const perplexitySearchPrompt = "Liste notícias jornalísticas recentes no Brasil sobre o tema indicado. Cite as fontes."

// PerplexitySearcher discovers articles through the search results that
// ground a Perplexity completion. The completion text itself is discarded.
type PerplexitySearcher struct {
	client  perplexity.Client
	country string
	recency string
}

// NewPerplexitySearcher creates a PerplexitySearcher limited to pages from
// the past month. region follows the same format as NewJinaSearcher.
func NewPerplexitySearcher(client perplexity.Client, region string) *PerplexitySearcher {
	if i := strings.IndexByte(region, '-'); i > 0 {
		region = region[:i]
	}
	return &PerplexitySearcher{client: client, country: strings.ToUpper(region), recency: perplexity.RecencyMonth}
}

// Search implements Searcher.
func (s *PerplexitySearcher) Search(ctx context.Context, term string, limit int) ([]Hit, error) {
	req := perplexity.ChatCompletionRequest{
		Messages: []perplexity.Message{
			{Role: "system", Content: perplexitySearchPrompt},
			{Role: "user", Content: term},
		},
		SearchRecencyFilter: s.recency,
	}
	if s.country != "" {
		req.WebSearchOptions = &perplexity.WebSearchOptions{UserLocation: &perplexity.UserLocation{Country: s.country}}
	}

	resp, err := s.client.ChatCompletion(ctx, req)
	if err != nil {
		var se *perplexity.StatusError
		if errors.As(err, &se) {
			return nil, resilience.FromHTTPStatus("news.search", se.StatusCode, err)
		}
		if k := resilience.KindOf(err); k == resilience.Cancelled || k == resilience.StageTimeout {
			return nil, err
		}
		return nil, resilience.E(resilience.TransientIO, "news.search", eris.Wrap(err, "search"))
	}

	var hits []Hit
	for _, r := range resp.Sources() {
		if r.URL == "" {
			continue
		}
		h := Hit{URL: r.URL, Title: strings.TrimSpace(r.Title), Snippet: strings.TrimSpace(r.Snippet)}
		if t, ok := scrape.ParseTime(r.Date); ok {
			h.PublishedAt = &t
		}
		hits = append(hits, h)
		if limit > 0 && len(hits) == limit {
			break
		}
	}
	return hits, nil
}
