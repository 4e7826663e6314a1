package dataset

import (
	"context"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/net/html/charset"

	"github.com/sells-group/health-report/internal/fetcher"
	"github.com/sells-group/health-report/internal/model"
	"github.com/sells-group/health-report/internal/resilience"
)

const maxPageBytes = 8 << 20

var (
	titleYear  = regexp.MustCompile(`202[0-9]`)
	infludYear = regexp.MustCompile(`INFLUD(\d{2})`)
	titleDate  = regexp.MustCompile(`(\d{2})/(\d{2})/(\d{4})`)
)

// CKANSource discovers releases on an OpenDataSUS (CKAN) dataset page and
// downloads them through the fetcher router, which handles http(s) and
// ftp locations. ZIP payloads are unpacked to their single CSV member.
type CKANSource struct {
	pageURL string
	fetch   fetcher.Fetcher
	tmpDir  string
}

// NewCKANSource creates a CKANSource for the dataset page at pageURL.
// Downloads are staged under tmpDir (os.TempDir when empty).
func NewCKANSource(pageURL string, f fetcher.Fetcher, tmpDir string) *CKANSource {
	return &CKANSource{pageURL: pageURL, fetch: f, tmpDir: tmpDir}
}

type resource struct {
	title     string
	link      string
	year      int
	score     int
	dateScore int
	period    time.Time
}

// ListAvailable implements Source. Resources are returned best first:
// by year, then by how much the title looks like the data file, then by
// the dd/mm/yyyy date in the title. Dictionaries and forms are skipped.
func (c *CKANSource) ListAvailable(ctx context.Context, sourceID string) ([]model.Descriptor, error) {
	doc, err := c.page(ctx, c.pageURL)
	if err != nil {
		return nil, err
	}
	base, err := url.Parse(c.pageURL)
	if err != nil {
		return nil, resilience.E(resilience.PermanentInput, "dataset.ckan", eris.Wrapf(err, "parse page url %s", c.pageURL))
	}

	marker := "/resource/"
	if sourceID != "" {
		marker = "/dataset/" + sourceID + "/resource/"
	}

	seen := make(map[string]bool)
	var resources []resource
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		if !strings.Contains(href, marker) {
			return
		}
		abs := resolve(base, href)
		if seen[abs] {
			return
		}
		seen[abs] = true

		r := scoreResource(resourceTitle(a))
		r.link = abs
		if r.score < 0 {
			return
		}
		resources = append(resources, r)
	})

	if len(resources) == 0 {
		return nil, resilience.Errorf(resilience.PermanentInput, "dataset.ckan", "no resources found on %s", c.pageURL)
	}

	sort.SliceStable(resources, func(i, j int) bool {
		a, b := resources[i], resources[j]
		if a.year != b.year {
			return a.year > b.year
		}
		if a.score != b.score {
			return a.score > b.score
		}
		return a.dateScore > b.dateScore
	})

	out := make([]model.Descriptor, len(resources))
	for i, r := range resources {
		out[i] = model.Descriptor{
			SourceID: sourceID,
			Name:     r.title,
			Period:   r.period,
			Location: r.link,
		}
	}
	zap.L().Info("dataset: ckan resources listed",
		zap.String("page", c.pageURL),
		zap.Int("count", len(out)),
		zap.String("best", out[0].Name),
	)
	return out, nil
}

// resourceTitle finds the human title of a resource link: the card title
// on the OpenDataSUS theme, the heading on stock CKAN, else the link text.
func resourceTitle(a *goquery.Selection) string {
	if card := a.Closest(".card-content"); card.Length() > 0 {
		if t := strings.TrimSpace(card.Find(".text-weight-bold").First().Text()); t != "" {
			return t
		}
	}
	if item := a.Closest("li.resource-item"); item.Length() > 0 {
		heading := item.Find("a.heading").First()
		if t, ok := heading.Attr("title"); ok && strings.TrimSpace(t) != "" {
			return strings.TrimSpace(t)
		}
		if t := strings.TrimSpace(heading.Text()); t != "" {
			return strings.Join(strings.Fields(t), " ")
		}
	}
	if t, ok := a.Attr("title"); ok && strings.TrimSpace(t) != "" {
		return strings.TrimSpace(t)
	}
	if t := strings.Join(strings.Fields(a.Text()), " "); t != "" {
		return t
	}
	return "Unknown"
}

func scoreResource(title string) resource {
	r := resource{title: title}
	upper := strings.ToUpper(title)

	if strings.Contains(upper, "CSV") {
		r.score += 100
	}
	if strings.Contains(upper, "BANCO") || strings.Contains(upper, "DADOS") {
		r.score += 50
	}
	if strings.Contains(upper, "FICHA") || strings.Contains(upper, "PDF") {
		r.score -= 100
	}

	for _, y := range titleYear.FindAllString(upper, -1) {
		if n, _ := strconv.Atoi(y); n > r.year {
			r.year = n
		}
	}
	if r.year == 0 {
		if m := infludYear.FindStringSubmatch(upper); m != nil {
			yy, _ := strconv.Atoi(m[1])
			r.year = 2000 + yy
		}
	}
	if r.year > 0 {
		r.period = time.Date(r.year, 1, 1, 0, 0, 0, 0, time.UTC)
	}

	if m := titleDate.FindStringSubmatch(upper); m != nil {
		d, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[2])
		y, _ := strconv.Atoi(m[3])
		if y == r.year && mo >= 1 && mo <= 12 && d >= 1 && d <= 31 {
			r.dateScore = mo*31 + d
			r.period = time.Date(y, time.Month(mo), d, 0, 0, 0, 0, time.UTC)
		}
	}
	return r
}

// Fetch implements Source. A descriptor pointing at a CKAN resource page is
// first resolved to its download link.
func (c *CKANSource) Fetch(ctx context.Context, d model.Descriptor) (io.ReadCloser, error) {
	link := d.Location
	if !isPayloadURL(link) {
		var err error
		link, err = c.downloadLink(ctx, link)
		if err != nil {
			return nil, err
		}
	}

	dir, err := os.MkdirTemp(c.tmpDir, "ckan-*")
	if err != nil {
		return nil, eris.Wrap(err, "dataset: create staging dir")
	}
	cleanup := func() { os.RemoveAll(dir) } //nolint:errcheck

	name := path.Base(strings.SplitN(link, "?", 2)[0])
	if name == "" || name == "." || name == "/" {
		name = "payload"
	}
	dst := filepath.Join(dir, name)

	log := zap.L().With(zap.String("descriptor", d.Name), zap.String("url", link))
	log.Info("dataset: downloading release")
	n, err := c.fetch.DownloadToFile(ctx, link, dst)
	if err != nil {
		cleanup()
		return nil, err
	}
	log.Info("dataset: release downloaded", zap.Int64("bytes", n))

	zipped, err := fetcher.IsZIP(dst)
	if err != nil {
		cleanup()
		return nil, eris.Wrap(err, "dataset: sniff payload")
	}
	if zipped {
		dst, err = fetcher.ExtractZIPMatching(dst, ".csv", dir)
		if err != nil {
			cleanup()
			return nil, resilience.E(resilience.PermanentInput, "dataset.ckan", err)
		}
	}

	f, err := os.Open(dst)
	if err != nil {
		cleanup()
		return nil, eris.Wrap(err, "dataset: open payload")
	}
	return &tempFile{File: f, dir: dir}, nil
}

// downloadLink finds the file behind a resource page: the CKAN download
// button, any .csv/.zip link, or a "Baixar"/"Download" link to object
// storage.
func (c *CKANSource) downloadLink(ctx context.Context, pageURL string) (string, error) {
	doc, err := c.page(ctx, pageURL)
	if err != nil {
		return "", err
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return "", resilience.E(resilience.PermanentInput, "dataset.ckan", eris.Wrapf(err, "parse resource url %s", pageURL))
	}

	if href, ok := doc.Find("a.resource-url-analytics[href]").First().Attr("href"); ok && href != "" {
		return resolve(base, href), nil
	}

	var link string
	doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href, _ := a.Attr("href")
		if isPayloadURL(href) {
			link = href
			return false
		}
		return true
	})
	if link == "" {
		doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
			text := strings.ToLower(strings.TrimSpace(a.Text()))
			href, _ := a.Attr("href")
			if (strings.Contains(text, "baixar") || strings.Contains(text, "download")) &&
				(strings.Contains(href, "amazonaws") || strings.Contains(strings.ToLower(href), ".csv")) {
				link = href
				return false
			}
			return true
		})
	}
	if link == "" {
		return "", resilience.Errorf(resilience.PermanentInput, "dataset.ckan", "no download link on %s", pageURL)
	}
	return resolve(base, link), nil
}

func (c *CKANSource) page(ctx context.Context, pageURL string) (*goquery.Document, error) {
	body, err := c.fetch.Download(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	defer body.Close() //nolint:errcheck

	r, err := charset.NewReader(io.LimitReader(body, maxPageBytes), "text/html")
	if err != nil {
		return nil, resilience.E(resilience.PermanentInput, "dataset.ckan", eris.Wrap(err, "decode page"))
	}
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, resilience.E(resilience.PermanentInput, "dataset.ckan", eris.Wrapf(err, "parse page %s", pageURL))
	}
	return doc, nil
}

func isPayloadURL(raw string) bool {
	if strings.HasPrefix(strings.ToLower(raw), "ftp://") {
		return true
	}
	p := strings.ToLower(strings.SplitN(raw, "?", 2)[0])
	return strings.HasSuffix(p, ".csv") || strings.HasSuffix(p, ".zip")
}

func resolve(base *url.URL, href string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}
