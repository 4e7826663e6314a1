package report

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, dir, name string, mod time.Time) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte("<html></html>"), 0o644))
	require.NoError(t, os.Chtimes(p, mod, mod))
	return p
}

func TestRetainKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var paths []string
	for i := range 12 {
		at := base.Add(time.Duration(i) * time.Hour)
		paths = append(paths, touch(t, dir, FileName(at), at))
	}
	other := touch(t, dir, "notes.txt", base)

	deleted, err := Retain(dir, FilePattern, 3)
	require.NoError(t, err)
	assert.Len(t, deleted, 9)

	remaining, err := filepath.Glob(filepath.Join(dir, FilePattern))
	require.NoError(t, err)
	assert.ElementsMatch(t, paths[9:], remaining)
	assert.Contains(t, remaining, paths[11])
	assert.FileExists(t, other)
}

func TestRetainTieBreaksByName(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	touch(t, dir, "report_a.html", at)
	touch(t, dir, "report_b.html", at)
	touch(t, dir, "report_c.html", at)

	deleted, err := Retain(dir, FilePattern, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "report_a.html")}, deleted)
}

func TestRetainUnderLimit(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "report_1.html", time.Now())

	deleted, err := Retain(dir, FilePattern, 3)
	require.NoError(t, err)
	assert.Empty(t, deleted)

	deleted, err = Retain(filepath.Join(dir, "missing"), FilePattern, 3)
	require.NoError(t, err)
	assert.Empty(t, deleted)
}

func TestRetainRejectsZero(t *testing.T) {
	_, err := Retain(t.TempDir(), FilePattern, 0)
	assert.Error(t, err)
}
