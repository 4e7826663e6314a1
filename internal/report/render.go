package report

import (
	"bytes"
	"context"
	"embed"
	"html/template"
	"io"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/sells-group/health-report/internal/model"
	"github.com/sells-group/health-report/internal/resilience"
)

//go:embed templates/report.html.tmpl
var templateFS embed.FS

// Data is everything a report template sees.
type Data struct {
	Title       string
	Topic       string
	RunID       string
	Status      model.RunStatus
	GeneratedAt time.Time
	Metrics     *model.Metrics
	Window      model.Window
	Descriptor  model.Descriptor
	News        []model.NewsItem
	NewsCounts  model.NewsSummary
	NewsMissing bool
	Errors      []model.ErrorRecord
}

// Renderer turns report data into a document.
type Renderer interface {
	Render(ctx context.Context, w io.Writer, d Data) error
}

// HTMLRenderer renders the report with html/template.
type HTMLRenderer struct {
	tmpl *template.Template
}

// NewHTMLRenderer parses the built-in template, or the file at path when
// path is set.
func NewHTMLRenderer(path string) (*HTMLRenderer, error) {
	t := template.New("report").Funcs(funcs())
	var err error
	if path == "" {
		t, err = t.ParseFS(templateFS, "templates/report.html.tmpl")
	} else {
		var b []byte
		b, err = os.ReadFile(path)
		if err == nil {
			t, err = t.Parse(string(b))
		}
	}
	if err != nil {
		return nil, eris.Wrapf(err, "report: parse template %q", path)
	}
	return &HTMLRenderer{tmpl: t}, nil
}

// Render executes the template into a buffer first so a failed render
// never leaves a truncated document in w.
func (r *HTMLRenderer) Render(ctx context.Context, w io.Writer, d Data) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.Metrics == nil {
		return resilience.Errorf(resilience.RenderFailed, "report.render", "no metrics to render")
	}
	var buf bytes.Buffer
	name := r.tmpl.Name()
	if t := r.tmpl.Lookup("report.html.tmpl"); t != nil {
		name = t.Name()
	}
	if err := r.tmpl.ExecuteTemplate(&buf, name, d); err != nil {
		return resilience.E(resilience.RenderFailed, "report.render", eris.Wrap(err, "execute template"))
	}
	if _, err := buf.WriteTo(w); err != nil {
		return resilience.E(resilience.RenderFailed, "report.render", eris.Wrap(err, "write"))
	}
	return nil
}

var ptBR = message.NewPrinter(language.BrazilianPortuguese)

func funcs() template.FuncMap {
	return template.FuncMap{
		"num": func(n int) string { return ptBR.Sprintf("%d", n) },
		"pct": func(f float64) string { return ptBR.Sprintf("%.2f%%", f) },
		"date": func(t time.Time) string {
			if t.IsZero() {
				return "-"
			}
			return t.Format("02/01/2006")
		},
		"datetime": func(t time.Time) string { return t.Format("02/01/2006 15:04") },
		"bars":     bars,
		"signed": func(f float64) string {
			if f > 0 {
				return ptBR.Sprintf("+%.2f%%", f)
			}
			return ptBR.Sprintf("%.2f%%", f)
		},
	}
}

// Bar is one column of an inline SVG chart.
type Bar struct {
	X, Y, Width, Height int
	Label               string
	Value               int
}

const (
	chartWidth  = 720
	chartHeight = 180
)

// bars lays the buckets out across a fixed-size chart, scaled to the
// tallest bucket.
func bars(buckets []model.Bucket) []Bar {
	if len(buckets) == 0 {
		return nil
	}
	peak := 0
	for _, b := range buckets {
		peak = max(peak, b.Cases)
	}
	slot := chartWidth / len(buckets)
	out := make([]Bar, len(buckets))
	for i, b := range buckets {
		h := 0
		if peak > 0 {
			h = b.Cases * chartHeight / peak
		}
		out[i] = Bar{
			X:      i*slot + slot/8,
			Y:      chartHeight - h,
			Width:  slot - slot/4,
			Height: h,
			Label:  b.Label,
			Value:  b.Cases,
		}
	}
	return out
}
