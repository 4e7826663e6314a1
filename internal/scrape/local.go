package scrape

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"golang.org/x/net/html/charset"

	"github.com/sells-group/health-report/internal/resilience"
)

// DefaultMinTextChars is the shortest article body worth evaluating.
const DefaultMinTextChars = 100

// LocalScraper fetches HTML via net/http and extracts the article body with
// goquery. Free, no API calls. Blocked pages fall through to the next
// scraper in the chain.
type LocalScraper struct {
	client    *http.Client
	userAgent string
	minChars  int
}

// LocalOption configures a LocalScraper.
type LocalOption func(*LocalScraper)

// WithUserAgent overrides the request User-Agent.
func WithUserAgent(ua string) LocalOption {
	return func(l *LocalScraper) {
		if ua != "" {
			l.userAgent = ua
		}
	}
}

// WithMinChars sets the minimum extracted text length.
func WithMinChars(n int) LocalOption {
	return func(l *LocalScraper) {
		l.minChars = n
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) LocalOption {
	return func(l *LocalScraper) {
		if d > 0 {
			l.client.Timeout = d
		}
	}
}

// NewLocalScraper creates a LocalScraper with sensible defaults.
func NewLocalScraper(opts ...LocalOption) *LocalScraper {
	l := &LocalScraper{
		client: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 10 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		userAgent: "Mozilla/5.0 (compatible; HealthReportBot/1.0)",
		minChars:  DefaultMinTextChars,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *LocalScraper) Name() string           { return "local_http" }
func (l *LocalScraper) Supports(_ string) bool { return true }

// Scrape fetches a URL, detects blocks and extracts the readable text.
func (l *LocalScraper) Scrape(ctx context.Context, targetURL string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return nil, resilience.E(resilience.PermanentInput, "local_http", eris.Wrap(err, "create request"))
	}
	req.Header.Set("User-Agent", l.userAgent)
	req.Header.Set("Accept-Language", "pt-BR,pt;q=0.9,en;q=0.5")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, resilience.E(resilience.TransientIO, "local_http", eris.Wrap(err, "fetch"))
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2*1024*1024))
	if err != nil {
		return nil, resilience.E(resilience.TransientIO, "local_http", eris.Wrap(err, "read body"))
	}

	if blockType := DetectBlock(resp, body); blockType != BlockNone {
		return nil, resilience.E(resilience.PermanentInput, "local_http",
			eris.Wrapf(ErrBlocked, "%s", blockType))
	}

	if resp.StatusCode >= 400 {
		return nil, resilience.FromHTTPStatus("local_http", resp.StatusCode,
			eris.Errorf("status %d from %s", resp.StatusCode, targetURL))
	}

	page, err := ExtractArticle(body, resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, resilience.E(resilience.PermanentInput, "local_http", err)
	}
	if len([]rune(page.Text)) < l.minChars {
		return nil, resilience.E(resilience.PermanentInput, "local_http", ErrEmpty)
	}
	page.URL = targetURL
	page.StatusCode = resp.StatusCode

	return &Result{Page: page, Source: "local_http"}, nil
}

var (
	spaceRe = regexp.MustCompile(`[ \t\r\f\v]+`)
	nlRe    = regexp.MustCompile(`\n{3,}`)
)

// noise holds elements that never carry article text.
const noise = "script, style, noscript, nav, footer, header, aside, form, iframe, figure, " +
	"[role=navigation], [aria-hidden=true], .advertisement, .ads, .share, .related, .comments"

// ExtractArticle parses an HTML document and returns its title, publication
// time and body text. The body comes from the first <article> or [itemprop=
// articleBody] container when present, else from every paragraph on the page.
func ExtractArticle(body []byte, contentType string) (Page, error) {
	r, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		r = bytes.NewReader(body)
	}
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return Page{}, eris.Wrap(err, "scrape: parse html")
	}

	page := Page{
		Title:       extractTitle(doc),
		PublishedAt: extractPublished(doc),
	}

	doc.Find(noise).Remove()

	root := doc.Find(`[itemprop="articleBody"]`).First()
	if root.Length() == 0 {
		root = doc.Find("article").First()
	}
	if root.Length() == 0 {
		root = doc.Selection
	}

	var paras []string
	root.Find("p, h2, h3, li").Each(func(_ int, s *goquery.Selection) {
		if t := strings.TrimSpace(s.Text()); t != "" {
			paras = append(paras, t)
		}
	})
	text := strings.Join(paras, "\n\n")
	if text == "" {
		text = root.Text()
	}
	page.Text = collapse(text)
	return page, nil
}

func extractTitle(doc *goquery.Document) string {
	if og, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok && strings.TrimSpace(og) != "" {
		return strings.TrimSpace(og)
	}
	if h1 := strings.TrimSpace(doc.Find("h1").First().Text()); h1 != "" {
		return h1
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

var publishedSelectors = []struct {
	sel  string
	attr string
}{
	{`meta[property="article:published_time"]`, "content"},
	{`meta[name="date"]`, "content"},
	{`meta[itemprop="datePublished"]`, "content"},
	{`time[datetime]`, "datetime"},
}

var publishedLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func extractPublished(doc *goquery.Document) time.Time {
	for _, ps := range publishedSelectors {
		v, ok := doc.Find(ps.sel).First().Attr(ps.attr)
		if !ok {
			continue
		}
		if t, ok := ParseTime(v); ok {
			return t
		}
	}
	return time.Time{}
}

// ParseTime parses the timestamp formats news sites publish in metadata.
func ParseTime(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	for _, layout := range publishedLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func collapse(s string) string {
	s = spaceRe.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i, ln := range lines {
		lines[i] = strings.TrimSpace(ln)
	}
	s = strings.Join(lines, "\n")
	s = nlRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
