package report

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Retain keeps the keep most recent files in dir matching pattern and
// deletes the rest. Recency is modification time, then name. It returns
// the deleted paths.
func Retain(dir, pattern string, keep int) ([]string, error) {
	if keep < 1 {
		return nil, eris.Errorf("report: retain: keep must be at least 1, got %d", keep)
	}
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, eris.Wrap(err, "report: retain: glob")
	}

	type artifact struct {
		path string
		mod  time.Time
	}
	files := make([]artifact, 0, len(matches))
	for _, p := range matches {
		info, err := os.Stat(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, eris.Wrapf(err, "report: retain: stat %s", p)
		}
		if info.IsDir() {
			continue
		}
		files = append(files, artifact{path: p, mod: info.ModTime()})
	}
	if len(files) <= keep {
		return nil, nil
	}

	// Newest first.
	sort.Slice(files, func(i, j int) bool {
		if !files[i].mod.Equal(files[j].mod) {
			return files[i].mod.After(files[j].mod)
		}
		return files[i].path > files[j].path
	})

	var deleted []string
	var firstErr error
	for _, f := range files[keep:] {
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			zap.L().Warn("report: retain: remove failed", zap.String("path", f.path), zap.Error(err))
			if firstErr == nil {
				firstErr = eris.Wrapf(err, "report: retain: remove %s", f.path)
			}
			continue
		}
		deleted = append(deleted, f.path)
	}
	if len(deleted) > 0 {
		zap.L().Info("report: retention applied", zap.Int("kept", keep), zap.Int("deleted", len(deleted)))
	}
	return deleted, firstErr
}
