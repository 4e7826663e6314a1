package scrape

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/health-report/internal/resilience"
)

// mockScraper implements Scraper for testing.
type mockScraper struct {
	name     string
	supports bool
	result   *Result
	err      error
	calls    int
}

func (m *mockScraper) Name() string           { return m.name }
func (m *mockScraper) Supports(_ string) bool { return m.supports }
func (m *mockScraper) Scrape(_ context.Context, _ string) (*Result, error) {
	m.calls++
	return m.result, m.err
}

func okScraper(name string) *mockScraper {
	return &mockScraper{
		name: name, supports: true,
		result: &Result{
			Page:   Page{URL: "https://g1.globo.com/a", Title: "SRAG", Text: "texto"},
			Source: name,
		},
	}
}

func TestChain_FirstSuccess(t *testing.T) {
	s1 := okScraper("local_http")
	s2 := okScraper("jina")

	result, err := NewChain(nil, s1, s2).Scrape(context.Background(), "https://g1.globo.com/a")
	require.NoError(t, err)
	assert.Equal(t, "local_http", result.Source)
	assert.Equal(t, 0, s2.calls)
}

func TestChain_FallbackOnError(t *testing.T) {
	s1 := &mockScraper{name: "local_http", supports: true,
		err: resilience.E(resilience.PermanentInput, "local_http", ErrBlocked)}
	s2 := okScraper("jina")

	result, err := NewChain(nil, s1, s2).Scrape(context.Background(), "https://g1.globo.com/a")
	require.NoError(t, err)
	assert.Equal(t, "jina", result.Source)
}

func TestChain_AllFailTransientWins(t *testing.T) {
	s1 := &mockScraper{name: "local_http", supports: true,
		err: resilience.E(resilience.TransientIO, "local_http", errors.New("connection reset by peer"))}
	s2 := &mockScraper{name: "jina", supports: true,
		err: resilience.E(resilience.PermanentInput, "jina", ErrEmpty)}

	_, err := NewChain(nil, s1, s2).Scrape(context.Background(), "https://g1.globo.com/a")
	require.Error(t, err)
	assert.Equal(t, resilience.TransientIO, resilience.KindOf(err))
	assert.Contains(t, err.Error(), "all scrapers failed")
}

func TestChain_AllFailPermanent(t *testing.T) {
	s1 := &mockScraper{name: "local_http", supports: true,
		err: resilience.E(resilience.PermanentInput, "local_http", ErrEmpty)}

	_, err := NewChain(nil, s1).Scrape(context.Background(), "https://g1.globo.com/a")
	require.Error(t, err)
	assert.Equal(t, resilience.PermanentInput, resilience.KindOf(err))
	assert.True(t, errors.Is(err, ErrEmpty))
}

func TestChain_ExcludedURL(t *testing.T) {
	s1 := okScraper("local_http")
	chain := NewChain(NewPathMatcher(nil), s1)

	_, err := chain.Scrape(context.Background(), "https://portal.example/boletim.pdf")
	require.Error(t, err)
	assert.Equal(t, resilience.PermanentInput, resilience.KindOf(err))
	assert.Equal(t, 0, s1.calls)
}

func TestChain_SkipsUnsupported(t *testing.T) {
	s1 := okScraper("jina")
	s1.supports = false
	s2 := okScraper("local_http")

	result, err := NewChain(nil, s1, s2).Scrape(context.Background(), "https://g1.globo.com/a")
	require.NoError(t, err)
	assert.Equal(t, "local_http", result.Source)
	assert.Equal(t, 0, s1.calls)
}

func TestChain_NoneAvailable(t *testing.T) {
	s1 := okScraper("jina")
	s1.supports = false

	_, err := NewChain(nil, s1).Scrape(context.Background(), "https://g1.globo.com/a")
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}
