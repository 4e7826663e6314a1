package dataset

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/health-report/internal/fetcher"
	"github.com/sells-group/health-report/internal/model"
	"github.com/sells-group/health-report/internal/resilience"
)

// Date layouts found in DATASUS extracts, tried in order.
const (
	LayoutISO = "2006-01-02"
	LayoutBR  = "02/01/2006"
)

// looseLayouts back the per-value parse used when no single layout
// covers most rows.
var looseLayouts = []string{
	LayoutISO,
	LayoutBR,
	"2006-01-02 15:04:05",
	"02/01/2006 15:04:05",
	"2006/01/02",
	"02-01-2006",
	"2/1/2006",
	time.RFC3339,
}

// RawCSV is the dialect of the published extracts.
var RawCSV = fetcher.CSVOptions{
	Delimiter:  ';',
	LazyQuotes: true,
	TrimSpace:  true,
	Encoding:   fetcher.EncodingAuto,
}

// DateField is the canonical notification date column.
const DateField = "dt_notific"

// DefaultWindow returns the refinement window for a run started at now:
// from the first day of the month eleven months back, or from lookbackDays
// ago when positive, through seven days after now.
func DefaultWindow(now time.Time, lookbackDays int) model.Window {
	end := now.AddDate(0, 0, 7)
	if lookbackDays > 0 {
		s := now.AddDate(0, 0, -lookbackDays)
		return model.Window{
			Start: time.Date(s.Year(), s.Month(), s.Day(), 0, 0, 0, 0, now.Location()),
			End:   end,
		}
	}
	return model.Window{
		Start: time.Date(now.Year(), now.Month()-11, 1, 0, 0, 0, 0, now.Location()),
		End:   end,
	}
}

// ReadRawHeader reads the header row of a raw extract.
func ReadRawHeader(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "dataset: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	header, err := fetcher.ReadHeader(f, RawCSV)
	if err != nil {
		return nil, resilience.E(resilience.PermanentInput, "dataset.map", err)
	}
	nonEmpty := false
	for _, h := range header {
		if h != "" {
			nonEmpty = true
			break
		}
	}
	if !nonEmpty {
		return nil, resilience.Errorf(resilience.PermanentInput, "dataset.map", "empty header in %s", path)
	}
	return header, nil
}

// RefineStats describes one refinement pass.
type RefineStats struct {
	Read       int    `json:"read"`
	Kept       int    `json:"kept"`
	Unparsed   int    `json:"unparsed_dates"`
	DateLayout string `json:"date_layout"`
}

// Refine copies the mapped columns of the raw extract at src to dst as a
// comma separated UTF-8 table with canonical column names, keeping rows
// whose notification date falls in window. Dates in that column are
// rewritten as YYYY-MM-DD. It fails only on structural read errors.
func Refine(ctx context.Context, src string, dst io.Writer, mapping map[string]string, schema *Schema, window model.Window) (RefineStats, error) {
	var stats RefineStats

	header, err := ReadRawHeader(src)
	if err != nil {
		return stats, err
	}
	index := make(map[string]int, len(header))
	for i, h := range header {
		if _, dup := index[h]; !dup {
			index[h] = i
		}
	}

	var cols []string
	var pos []int
	for _, name := range schema.Names() {
		raw, ok := mapping[name]
		if !ok {
			continue
		}
		i, ok := index[raw]
		if !ok {
			continue
		}
		cols = append(cols, name)
		pos = append(pos, i)
	}

	dateCol := -1
	if raw, ok := mapping[DateField]; ok {
		if i, ok := index[raw]; ok {
			dateCol = i
		}
	}

	parse := func(string) (time.Time, bool) { return time.Time{}, false }
	if dateCol >= 0 {
		layout, err := detectLayout(ctx, src, dateCol)
		if err != nil {
			return stats, err
		}
		stats.DateLayout = layout
		parse = parser(layout)
	} else {
		zap.L().Warn("dataset: no notification date column, skipping window filter")
	}

	f, err := os.Open(src)
	if err != nil {
		return stats, eris.Wrapf(err, "dataset: open %s", src)
	}
	defer f.Close() //nolint:errcheck

	r := fetcher.NewCSVReader(f, RawCSV)
	if _, err := r.Read(); err != nil {
		return stats, resilience.E(resilience.PermanentInput, "dataset.refine", eris.Wrap(err, "read header"))
	}

	w := csv.NewWriter(dst)
	if err := w.Write(cols); err != nil {
		return stats, eris.Wrap(err, "dataset: write refined header")
	}

	out := make([]string, len(cols))
	for {
		if stats.Read%10000 == 0 {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
		}
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return stats, resilience.E(resilience.PermanentInput, "dataset.refine", eris.Wrapf(err, "read row %d", stats.Read+2))
		}
		stats.Read++

		var day time.Time
		if dateCol >= 0 {
			t, ok := parse(field(rec, dateCol))
			if !ok {
				stats.Unparsed++
				continue
			}
			if !window.Contains(t) {
				continue
			}
			day = t
		}

		for j, p := range pos {
			v := strings.TrimSpace(field(rec, p))
			if p == dateCol {
				v = day.Format(LayoutISO)
			}
			out[j] = v
		}
		if err := w.Write(out); err != nil {
			return stats, eris.Wrap(err, "dataset: write refined row")
		}
		stats.Kept++
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return stats, eris.Wrap(err, "dataset: flush refined table")
	}
	return stats, nil
}

// detectLayout picks the first layout that parses more than half of all
// rows, or "" for per-value parsing.
func detectLayout(ctx context.Context, src string, col int) (string, error) {
	f, err := os.Open(src)
	if err != nil {
		return "", eris.Wrapf(err, "dataset: open %s", src)
	}
	defer f.Close() //nolint:errcheck

	r := fetcher.NewCSVReader(f, RawCSV)
	if _, err := r.Read(); err != nil {
		return "", resilience.E(resilience.PermanentInput, "dataset.refine", eris.Wrap(err, "read header"))
	}

	candidates := []string{LayoutISO, LayoutBR}
	valid := make([]int, len(candidates))
	rows := 0
	for {
		if rows%10000 == 0 {
			if err := ctx.Err(); err != nil {
				return "", err
			}
		}
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", resilience.E(resilience.PermanentInput, "dataset.refine", eris.Wrapf(err, "read row %d", rows+2))
		}
		rows++
		v := strings.TrimSpace(field(rec, col))
		for i, layout := range candidates {
			if _, err := time.Parse(layout, v); err == nil {
				valid[i]++
			}
		}
	}

	for i, layout := range candidates {
		if valid[i]*2 > rows {
			return layout, nil
		}
	}
	return "", nil
}

func parser(layout string) func(string) (time.Time, bool) {
	if layout != "" {
		return func(v string) (time.Time, bool) {
			t, err := time.Parse(layout, strings.TrimSpace(v))
			return t, err == nil
		}
	}
	return ParseDate
}

// ParseDate tries every known layout on v.
func ParseDate(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range looseLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), true
		}
	}
	return time.Time{}, false
}

func field(rec []string, i int) string {
	if i < len(rec) {
		return rec[i]
	}
	return ""
}
