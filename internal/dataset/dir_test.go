package dataset

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/health-report/internal/model"
	"github.com/sells-group/health-report/internal/resilience"
)

func filepathGlob(dir string) ([]string, error) {
	return filepath.Glob(filepath.Join(dir, "*"))
}

func descriptorAt(loc string) model.Descriptor {
	return model.Descriptor{Name: filepath.Base(loc), Location: loc}
}

func TestDirSource(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"INFLUD25-17-03-2025.csv",
		"INFLUD25-03-02-2025.csv",
		"INFLUD24.csv",
		"notes.csv",
		"INFLUD25-01-01-2025.zip",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("DT_NOTIFIC\n"), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "INFLUD-dir.csv"), 0o755))

	src := NewDirSource(dir)
	descs, err := src.ListAvailable(context.Background(), "local")
	require.NoError(t, err)
	require.Len(t, descs, 3)

	newest, ok := Newest(descs)
	require.True(t, ok)
	assert.Equal(t, "INFLUD25-17-03-2025.csv", newest.Name)
	assert.Equal(t, time.Date(2025, 3, 17, 0, 0, 0, 0, time.UTC), newest.Period)
	assert.Equal(t, "local", newest.SourceID)

	rc, err := src.Fetch(context.Background(), newest)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "DT_NOTIFIC\n", string(data))
}

func TestDirSourceMissing(t *testing.T) {
	src := NewDirSource(filepath.Join(t.TempDir(), "missing"))
	_, err := src.ListAvailable(context.Background(), "local")
	require.Error(t, err)
	assert.Equal(t, resilience.PermanentInput, resilience.KindOf(err))

	_, err = src.Fetch(context.Background(), descriptorAt("/nonexistent/INFLUD25.csv"))
	assert.Error(t, err)
}

func TestPeriodFromFilename(t *testing.T) {
	assert.Equal(t, time.Date(2025, 3, 17, 0, 0, 0, 0, time.UTC), periodFromFilename("INFLUD25-17-03-2025.csv"))
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), periodFromFilename("INFLUD24.csv"))
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), periodFromFilename("INFLUD25-31-02-2025.csv"))
	assert.True(t, periodFromFilename("other.csv").IsZero())
}

func TestNewestEmpty(t *testing.T) {
	_, ok := Newest(nil)
	assert.False(t, ok)
}
