package dataset

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/health-report/internal/model"
	"github.com/sells-group/health-report/internal/resilience"
)

// DirSource serves INFLUD*.csv extracts already present in a local
// directory.
type DirSource struct {
	dir string
}

// NewDirSource creates a DirSource over dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{dir: dir}
}

// ListAvailable implements Source.
func (s *DirSource) ListAvailable(_ context.Context, sourceID string) ([]model.Descriptor, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, resilience.E(resilience.PermanentInput, "dataset.dir", eris.Wrapf(err, "read %s", s.dir))
	}

	var out []model.Descriptor
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "INFLUD") || !strings.EqualFold(filepath.Ext(name), ".csv") {
			continue
		}
		out = append(out, model.Descriptor{
			SourceID: sourceID,
			Name:     name,
			Period:   periodFromFilename(name),
			Location: filepath.Join(s.dir, name),
			Format:   "csv",
		})
	}
	return out, nil
}

// Fetch implements Source.
func (s *DirSource) Fetch(_ context.Context, d model.Descriptor) (io.ReadCloser, error) {
	f, err := os.Open(d.Location)
	if err != nil {
		return nil, resilience.E(resilience.PermanentInput, "dataset.dir", eris.Wrapf(err, "open %s", d.Location))
	}
	return f, nil
}
