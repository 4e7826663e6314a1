package fetcher

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/health-report/internal/resilience"
)

type mockFetcher struct {
	mock.Mock
}

func (m *mockFetcher) Download(ctx context.Context, url string) (io.ReadCloser, error) {
	args := m.Called(ctx, url)
	rc, _ := args.Get(0).(io.ReadCloser)
	return rc, args.Error(1)
}

func (m *mockFetcher) DownloadToFile(ctx context.Context, url string, path string) (int64, error) {
	args := m.Called(ctx, url, path)
	return args.Get(0).(int64), args.Error(1)
}

func TestRouter_DispatchesByScheme(t *testing.T) {
	h := &mockFetcher{}
	f := &mockFetcher{}
	r := NewRouter(h, f)
	ctx := context.Background()

	h.On("Download", ctx, "https://example.com/a.csv").Return(io.NopCloser(strings.NewReader("h")), nil)
	f.On("DownloadToFile", ctx, "ftp://ftp.example.com/b.csv", "/tmp/b.csv").Return(int64(3), nil)

	rc, err := r.Download(ctx, "https://example.com/a.csv")
	require.NoError(t, err)
	rc.Close()

	n, err := r.DownloadToFile(ctx, "ftp://ftp.example.com/b.csv", "/tmp/b.csv")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	h.AssertExpectations(t)
	f.AssertExpectations(t)
}

func TestRouter_UnsupportedScheme(t *testing.T) {
	r := NewRouter(&mockFetcher{}, nil)

	_, err := r.Download(context.Background(), "s3://bucket/key")
	require.Error(t, err)
	assert.Equal(t, resilience.PermanentInput, resilience.KindOf(err))

	_, err = r.Download(context.Background(), "ftp://host/file")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported scheme")
}
