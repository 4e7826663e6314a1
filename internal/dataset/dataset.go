// Package dataset resolves the newest published notification extract,
// maps its header onto the canonical schema and refines it into the table
// the report is computed from.
package dataset

import (
	"context"
	"io"
	"os"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/sells-group/health-report/internal/model"
)

// Source lists and downloads dataset releases.
type Source interface {
	// ListAvailable returns the releases published under sourceID.
	ListAvailable(ctx context.Context, sourceID string) ([]model.Descriptor, error)
	// Fetch opens the raw delimited payload of a release. The caller
	// closes it.
	Fetch(ctx context.Context, d model.Descriptor) (io.ReadCloser, error)
}

// Newest picks the release with the latest publication period. Ties keep
// the earlier entry, so sources list their preferred candidate first.
func Newest(descs []model.Descriptor) (model.Descriptor, bool) {
	if len(descs) == 0 {
		return model.Descriptor{}, false
	}
	sorted := make([]model.Descriptor, len(descs))
	copy(sorted, descs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Period.After(sorted[j].Period)
	})
	return sorted[0], true
}

// INFLUD25-17-03-2025.csv
var infludFileDate = regexp.MustCompile(`INFLUD(\d{2})-(\d{2})-(\d{2})-(\d{4})`)

// periodFromFilename reads the publication date embedded in a DATASUS file
// name, falling back to January 1st of the INFLUDyy year.
func periodFromFilename(name string) time.Time {
	if m := infludFileDate.FindStringSubmatch(name); m != nil {
		d, _ := strconv.Atoi(m[2])
		mo, _ := strconv.Atoi(m[3])
		y, _ := strconv.Atoi(m[4])
		t := time.Date(y, time.Month(mo), d, 0, 0, 0, 0, time.UTC)
		if t.Day() == d && int(t.Month()) == mo {
			return t
		}
	}
	if m := infludYear.FindStringSubmatch(name); m != nil {
		yy, _ := strconv.Atoi(m[1])
		return time.Date(2000+yy, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return time.Time{}
}

// tempFile removes its scratch directory on Close.
type tempFile struct {
	*os.File
	dir string
}

func (t *tempFile) Close() error {
	err := t.File.Close()
	if rmErr := os.RemoveAll(t.dir); err == nil {
		err = rmErr
	}
	return err
}
