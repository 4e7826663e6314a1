// Package news discovers, fetches and judges news articles about a topic.
// Each collaborator makes a single attempt and classifies its failure; the
// task executor owns retries.
package news

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// ErrUnreachable marks an article that could not be retrieved. It is
// always classified TransientIO.
var ErrUnreachable = eris.New("news: article unreachable")

// ErrEmpty marks an article that was retrieved but had no usable text.
// It is always classified PermanentInput.
var ErrEmpty = eris.New("news: article empty")

// Expander turns a topic into a list of search terms.
type Expander interface {
	Expand(ctx context.Context, topic string) ([]string, error)
}

// Hit is one search result.
type Hit struct {
	URL         string
	Title       string
	Snippet     string
	PublishedAt *time.Time
}

// Searcher finds article URLs for a term.
type Searcher interface {
	Search(ctx context.Context, term string, limit int) ([]Hit, error)
}

// Article is the readable content of a fetched page.
type Article struct {
	URL         string
	Title       string
	Text        string
	PublishedAt *time.Time
	Source      string
}

// ArticleFetcher retrieves the text of an article.
type ArticleFetcher interface {
	FetchText(ctx context.Context, url string) (Article, error)
}

// Evaluation is the evaluator's verdict on one article.
type Evaluation struct {
	Relevant bool   `json:"relevant"`
	Summary  string `json:"summary,omitempty"`
	Title    string `json:"title,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Evaluator decides whether an article is about the topic and, if so,
// summarises it.
type Evaluator interface {
	Evaluate(ctx context.Context, topic string, a Article) (Evaluation, error)
	// Name identifies the evaluator in cache keys.
	Name() string
}

// NormalizeTerms drops blank terms, removes case-insensitive duplicates
// (keeping the first spelling) and caps the list at max when max > 0.
func NormalizeTerms(terms []string, max int) []string {
	seen := make(map[string]bool, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.Join(strings.Fields(t), " ")
		if t == "" {
			continue
		}
		key := strings.ToLower(t)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
		if max > 0 && len(out) == max {
			break
		}
	}
	return out
}

// TermHits pairs a term with its search results.
type TermHits struct {
	Term string
	Hits []Hit
}

// Discovered is a unique URL and the first term that found it.
type Discovered struct {
	Hit
	Term string
}

// MergeHits flattens per-term results in term order, keeping the first
// occurrence of each exact URL string.
func MergeHits(results []TermHits) []Discovered {
	seen := make(map[string]bool)
	var out []Discovered
	for _, r := range results {
		for _, h := range r.Hits {
			if h.URL == "" || seen[h.URL] {
				continue
			}
			seen[h.URL] = true
			out = append(out, Discovered{Hit: h, Term: r.Term})
		}
	}
	return out
}
