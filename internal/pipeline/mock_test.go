package pipeline

import (
	"context"
	"io"
	"strings"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/health-report/internal/model"
	"github.com/sells-group/health-report/internal/news"
)

// --- Dataset source mock ---

type mockSource struct {
	mock.Mock
}

func (m *mockSource) ListAvailable(ctx context.Context, sourceID string) ([]model.Descriptor, error) {
	args := m.Called(ctx, sourceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Descriptor), args.Error(1)
}

// Fetch returns a fresh reader over the configured payload on every call.
func (m *mockSource) Fetch(ctx context.Context, d model.Descriptor) (io.ReadCloser, error) {
	args := m.Called(ctx, d)
	if err := args.Error(1); err != nil {
		return nil, err
	}
	return io.NopCloser(strings.NewReader(args.String(0))), nil
}

// --- News mocks ---

type mockExpander struct {
	mock.Mock
}

func (m *mockExpander) Expand(ctx context.Context, topic string) ([]string, error) {
	args := m.Called(ctx, topic)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

type mockSearcher struct {
	mock.Mock
}

func (m *mockSearcher) Search(ctx context.Context, term string, limit int) ([]news.Hit, error) {
	args := m.Called(ctx, term, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]news.Hit), args.Error(1)
}

type mockFetcher struct {
	mock.Mock
}

func (m *mockFetcher) FetchText(ctx context.Context, url string) (news.Article, error) {
	args := m.Called(ctx, url)
	return args.Get(0).(news.Article), args.Error(1)
}

type mockEvaluator struct {
	mock.Mock
}

func (m *mockEvaluator) Evaluate(ctx context.Context, topic string, a news.Article) (news.Evaluation, error) {
	args := m.Called(ctx, topic, a.URL)
	return args.Get(0).(news.Evaluation), args.Error(1)
}

func (m *mockEvaluator) Name() string {
	return "mock-evaluator"
}
