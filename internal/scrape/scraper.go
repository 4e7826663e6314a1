// Package scrape extracts readable article text from news pages, trying a
// local HTML extractor before falling back to the Jina Reader.
package scrape

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
)

// ErrEmpty marks a page that was reachable but yielded too little text.
var ErrEmpty = eris.New("scrape: empty article")

// ErrBlocked marks a page guarded by anti-bot protection.
var ErrBlocked = eris.New("scrape: blocked")

// Page is the extracted content of one article.
type Page struct {
	URL         string
	Title       string
	Text        string
	PublishedAt time.Time
	StatusCode  int
}

// Result holds a scraped page with its source.
type Result struct {
	Page   Page
	Source string // e.g. "local_http", "jina"
}

// Scraper fetches a single URL and returns its content.
type Scraper interface {
	Scrape(ctx context.Context, url string) (*Result, error)
	Name() string
	Supports(url string) bool
}
