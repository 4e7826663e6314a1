package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/health-report/internal/resilience"
)

// Artifact naming.
const (
	FilePrefix  = "report_"
	FileExt     = ".html"
	FilePattern = FilePrefix + "*" + FileExt
	stampLayout = "20060102_150405"

	maxNameAttempts = 100
)

// FileName is the artifact name for a report generated at t.
func FileName(t time.Time) string {
	return FilePrefix + t.Format(stampLayout) + FileExt
}

// Write renders d and places it in dir under FileName(d.GeneratedAt), or
// under a numbered variant when a report for the same second already
// exists. The document is written to a temporary file in dir and linked
// into place, so readers never observe a partial report.
func Write(ctx context.Context, r Renderer, dir string, d Data) (string, error) {
	var buf bytes.Buffer
	if err := r.Render(ctx, &buf, d); err != nil {
		if resilience.KindOf(err) == resilience.Cancelled {
			return "", err
		}
		return "", resilience.E(resilience.RenderFailed, "report.write", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", resilience.E(resilience.RenderFailed, "report.write", eris.Wrapf(err, "create %s", dir))
	}
	tmp, err := os.CreateTemp(dir, ".report-*.tmp")
	if err != nil {
		return "", resilience.E(resilience.RenderFailed, "report.write", eris.Wrap(err, "create temp file"))
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := buf.WriteTo(tmp); err != nil {
		tmp.Close() //nolint:errcheck
		return "", resilience.E(resilience.RenderFailed, "report.write", eris.Wrap(err, "write temp file"))
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close() //nolint:errcheck
		return "", resilience.E(resilience.RenderFailed, "report.write", eris.Wrap(err, "sync temp file"))
	}
	if err := tmp.Close(); err != nil {
		return "", resilience.E(resilience.RenderFailed, "report.write", eris.Wrap(err, "close temp file"))
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return "", resilience.E(resilience.RenderFailed, "report.write", eris.Wrap(err, "chmod"))
	}

	dst, err := place(tmp.Name(), dir, d.GeneratedAt)
	if err != nil {
		return "", resilience.E(resilience.RenderFailed, "report.write", err)
	}
	zap.L().Info("report: written", zap.String("path", dst), zap.Int("bytes", buf.Len()))
	return dst, nil
}

// place links src into dir under the first free artifact name for t:
// report_<stamp>.html, then report_<stamp>_2.html and so on. Link fails
// when the target exists, so concurrent runs never overwrite each other.
func place(src, dir string, t time.Time) (string, error) {
	stamp := t.Format(stampLayout)
	for n := 1; n <= maxNameAttempts; n++ {
		name := FileName(t)
		if n > 1 {
			name = fmt.Sprintf("%s%s_%d%s", FilePrefix, stamp, n, FileExt)
		}
		dst := filepath.Join(dir, name)
		err := os.Link(src, dst)
		if err == nil {
			return dst, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", eris.Wrapf(err, "link to %s", dst)
		}
	}
	return "", eris.Errorf("no free report name for %s after %d attempts", stamp, maxNameAttempts)
}
