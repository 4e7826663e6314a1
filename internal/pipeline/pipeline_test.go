package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/health-report/internal/cache"
	"github.com/sells-group/health-report/internal/dataset"
	"github.com/sells-group/health-report/internal/model"
	"github.com/sells-group/health-report/internal/news"
	"github.com/sells-group/health-report/internal/report"
	"github.com/sells-group/health-report/internal/resilience"
	"github.com/sells-group/health-report/internal/task"
)

var fixedNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

const rawExtract = "NU_NOTIFIC;DT_NOTIFIC;SG_UF_NOT;HOSPITAL;UTI;EVOLUCAO;VACINA_COV\n" +
	"1;02/05/2025;SP;1;2;1;1\n" +
	"2;10/05/2025;RJ;1;1;2;2\n" +
	"3;01/06/2025;MG;1;2;1;1\n" +
	"4;01/01/2020;SP;1;2;1;1\n"

var release = model.Descriptor{
	SourceID: "srag",
	Name:     "INFLUD25-09-06-2025.csv",
	Period:   time.Date(2025, 6, 9, 0, 0, 0, 0, time.UTC),
	Location: "https://example.com/INFLUD25-09-06-2025.csv",
	Format:   "csv",
}

var older = model.Descriptor{
	SourceID: "srag",
	Name:     "INFLUD25-02-06-2025.csv",
	Period:   time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC),
}

func fastPolicy(attempts int) task.Policy {
	return task.Policy{
		Timeout: time.Second,
		Retry: resilience.RetryConfig{
			MaxAttempts:    attempts,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
		},
	}
}

type fixture struct {
	source    *mockSource
	expander  news.Expander
	searcher  *mockSearcher
	fetcher   *mockFetcher
	evaluator *mockEvaluator
	exec      *task.Executor
	blobs     *cache.BlobStore
	outDir    string
	metrics   *Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	blobs, err := cache.NewBlobStore(filepath.Join(root, "blobs"))
	require.NoError(t, err)
	return &fixture{
		source:    &mockSource{},
		expander:  news.StaticExpander{Synonyms: []string{"síndrome respiratória"}},
		searcher:  &mockSearcher{},
		fetcher:   &mockFetcher{},
		evaluator: &mockEvaluator{},
		exec:      task.NewExecutor(task.WithPolicy(fastPolicy(3)), task.WithCache(cache.New(nil, blobs))),
		blobs:     blobs,
		outDir:    filepath.Join(root, "output"),
		metrics:   NewMetrics(prometheus.NewRegistry()),
	}
}

func (f *fixture) pipeline(t *testing.T, tune ...func(*Options)) *Pipeline {
	t.Helper()
	schema, err := dataset.LoadSchema("")
	require.NoError(t, err)
	renderer, err := report.NewHTMLRenderer("")
	require.NoError(t, err)

	opts := Options{
		Network:           fastPolicy(3),
		Model:             fastPolicy(2),
		MaxTerms:          3,
		MaxResultsPerTerm: 3,
		Concurrency:       2,
		Join:              JoinPolicy{Timeout: 10 * time.Second, Grace: time.Second},
		OutputDir:         f.outDir,
		Keep:              3,
		Now:               func() time.Time { return fixedNow },
	}
	for _, fn := range tune {
		fn(&opts)
	}
	p, err := New(f.exec, Deps{
		Source:    f.source,
		SourceID:  "srag",
		Schema:    schema,
		Mapper:    dataset.ExactMapper{},
		Expander:  f.expander,
		Searcher:  f.searcher,
		Fetcher:   f.fetcher,
		Evaluator: f.evaluator,
		Renderer:  renderer,
		Blobs:     f.blobs,
	}, opts, f.metrics)
	require.NoError(t, err)
	return p
}

func hits(urls ...string) []news.Hit {
	out := make([]news.Hit, len(urls))
	for i, u := range urls {
		out[i] = news.Hit{URL: u, Title: "hit " + u}
	}
	return out
}

func (f *fixture) datasetOK() {
	f.source.On("ListAvailable", mock.Anything, "srag").Return([]model.Descriptor{older, release}, nil)
	f.source.On("Fetch", mock.Anything, release).Return(rawExtract, nil)
}

func (f *fixture) articleOK(url string) {
	f.fetcher.On("FetchText", mock.Anything, url).Return(news.Article{URL: url, Title: "t", Text: "corpo da notícia " + url}, nil)
}

// newsOK wires two terms of three URLs each, sharing one URL.
func (f *fixture) newsOK() {
	f.searcher.On("Search", mock.Anything, "SRAG", 3).Return(hits("https://n/a", "https://n/b", "https://n/c"), nil)
	f.searcher.On("Search", mock.Anything, "síndrome respiratória", 3).Return(hits("https://n/c", "https://n/d", "https://n/e"), nil)
	for _, u := range []string{"https://n/a", "https://n/b", "https://n/c", "https://n/e"} {
		f.articleOK(u)
	}
	f.fetcher.On("FetchText", mock.Anything, "https://n/d").
		Return(news.Article{}, resilience.E(resilience.PermanentInput, "news.fetch", news.ErrEmpty))

	relevant := news.Evaluation{Relevant: true, Summary: "Resumo.", Title: "Título"}
	f.evaluator.On("Evaluate", mock.Anything, "SRAG", "https://n/a").Return(relevant, nil)
	f.evaluator.On("Evaluate", mock.Anything, "SRAG", "https://n/b").Return(news.Evaluation{Relevant: false, Reason: "off topic"}, nil)
	f.evaluator.On("Evaluate", mock.Anything, "SRAG", "https://n/c").Return(relevant, nil)
	f.evaluator.On("Evaluate", mock.Anything, "SRAG", "https://n/e").Return(relevant, nil)
}

func reports(t *testing.T, dir string) []string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, report.FilePattern))
	require.NoError(t, err)
	return files
}

func TestRun_HappyPath(t *testing.T) {
	f := newFixture(t)
	f.datasetOK()
	f.newsOK()
	p := f.pipeline(t)

	out, err := p.Run(context.Background(), Request{Topic: "SRAG"})
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusCompleted, out.Status)
	assert.NotEmpty(t, out.RunID)

	require.NotNil(t, out.Dataset)
	assert.Equal(t, release.Name, out.Dataset.Descriptor.Name)
	assert.Equal(t, 3, out.Dataset.RefinedRows)
	assert.Equal(t, "DT_NOTIFIC", out.Dataset.Mapping["dt_notific"])
	assert.NoError(t, out.Dataset.Validate())

	require.NotNil(t, out.News)
	assert.Equal(t, []string{"SRAG", "síndrome respiratória"}, out.News.Terms)
	assert.Equal(t, 5, out.News.Discovered)
	assert.Equal(t, 3, out.News.Relevant)
	assert.Equal(t, 1, out.News.Rejected)
	assert.Equal(t, 1, out.News.FetchFailed)

	require.NotNil(t, out.Metrics)
	assert.Equal(t, 3, out.Metrics.TotalCases)
	assert.Equal(t, 1, out.Metrics.DeathCount)

	require.NotEmpty(t, out.Artifact)
	assert.Equal(t, filepath.Join(f.outDir, "report_20250615_120000.html"), out.Artifact)
	body, err := os.ReadFile(out.Artifact)
	require.NoError(t, err)
	assert.Contains(t, string(body), "Resumo.")
	assert.Contains(t, string(body), "https://n/a")
	assert.NotContains(t, string(body), "https://n/b\"")

	require.Len(t, out.Errors, 1)
	assert.Equal(t, model.StageFetch, out.Errors[0].Stage)
	assert.Equal(t, "https://n/d", out.Errors[0].TaskID)
	assert.False(t, out.Errors[0].Terminal)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.runs.WithLabelValues("completed")))
	f.source.AssertExpectations(t)
	f.searcher.AssertExpectations(t)
}

func TestRun_NewsItemsKeepDiscoveryOrder(t *testing.T) {
	f := newFixture(t)
	f.datasetOK()
	f.newsOK()
	p := f.pipeline(t)

	res := p.NewsBranch(context.Background(), "SRAG")
	require.False(t, res.Failed())

	var urls []string
	for _, it := range res.Value.Items {
		urls = append(urls, it.URL)
	}
	assert.Equal(t, []string{"https://n/a", "https://n/b", "https://n/c", "https://n/d", "https://n/e"}, urls)

	c := res.Value.Items[2]
	assert.Equal(t, "SRAG", c.Term)
	assert.Equal(t, model.VerdictRelevant, c.Verdict)
	assert.Equal(t, "Título", c.Title)
	require.NotNil(t, c.Text)
	assert.True(t, f.blobs.Exists(c.Text.Location))

	d := res.Value.Items[3]
	assert.Equal(t, model.FetchFailed, d.FetchStatus)
	assert.Equal(t, model.VerdictUnevaluated, d.Verdict)
	assert.NotEmpty(t, d.Error)

	b := res.Value.Items[1]
	assert.Equal(t, model.VerdictRejected, b.Verdict)
	assert.Empty(t, b.Summary)
	assert.Equal(t, "off topic", b.Reason)
}

func TestRun_SearchFailsPartiallyFailed(t *testing.T) {
	f := newFixture(t)
	f.datasetOK()
	f.searcher.On("Search", mock.Anything, mock.Anything, 3).
		Return(nil, resilience.Errorf(resilience.PermanentInput, "news.search", "bad request"))
	p := f.pipeline(t)

	out, err := p.Run(context.Background(), Request{Topic: "SRAG"})
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusPartiallyFailed, out.Status)
	assert.Nil(t, out.News)
	require.NotNil(t, out.Dataset)
	require.NotEmpty(t, out.Artifact)

	body, err := os.ReadFile(out.Artifact)
	require.NoError(t, err)
	assert.Contains(t, string(body), "Notícias indisponíveis")

	var terminal []model.ErrorRecord
	for _, r := range out.Errors {
		assert.Equal(t, model.StageSearch, r.Stage)
		if r.Terminal {
			terminal = append(terminal, r)
		}
	}
	require.Len(t, terminal, 1)
	assert.Equal(t, resilience.BranchFailed, terminal[0].Kind)
	// One permanent failure per term, no retries.
	f.searcher.AssertNumberOfCalls(t, "Search", 2)
	f.fetcher.AssertNotCalled(t, "FetchText", mock.Anything, mock.Anything)
}

func TestRun_BothBranchesFail(t *testing.T) {
	f := newFixture(t)
	f.source.On("ListAvailable", mock.Anything, "srag").
		Return(nil, resilience.Errorf(resilience.PermanentInput, "dataset.list", "page gone"))
	f.searcher.On("Search", mock.Anything, mock.Anything, 3).
		Return(nil, resilience.Errorf(resilience.PermanentInput, "news.search", "bad request"))
	p := f.pipeline(t)

	out, err := p.Run(context.Background(), Request{Topic: "SRAG"})
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusFailed, out.Status)
	assert.Empty(t, out.Artifact)
	assert.Nil(t, out.Metrics)
	assert.Empty(t, reports(t, f.outDir))

	require.NotEmpty(t, out.Errors)
	assert.Equal(t, model.StageResolve, out.Errors[0].Stage)
	assert.Equal(t, model.StageSearch, out.Errors[len(out.Errors)-1].Stage)
	for _, r := range out.Errors {
		assert.NotEqual(t, model.StageReport, r.Stage)
	}
}

func TestRun_RepeatedFetchHitsCache(t *testing.T) {
	f := newFixture(t)
	f.datasetOK()
	f.newsOK()
	p := f.pipeline(t)

	first, err := p.Run(context.Background(), Request{Topic: "SRAG"})
	require.NoError(t, err)
	second, err := p.Run(context.Background(), Request{Topic: "SRAG"})
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusCompleted, second.Status)
	assert.Equal(t, first.Dataset.Raw.Digest, second.Dataset.Raw.Digest)
	assert.Equal(t, first.Dataset.Refined.Digest, second.Dataset.Refined.Digest)

	f.source.AssertNumberOfCalls(t, "ListAvailable", 2)
	f.source.AssertNumberOfCalls(t, "Fetch", 1)
	f.fetcher.AssertNumberOfCalls(t, "FetchText", 6) // four cached successes, d failed twice
	f.evaluator.AssertNumberOfCalls(t, "Evaluate", 4)
}

func TestRun_AlwaysTransientExhaustsAttempts(t *testing.T) {
	f := newFixture(t)
	f.source.On("ListAvailable", mock.Anything, "srag").
		Return(nil, resilience.NewTransientError(errors.New("503 from portal"), 503))
	f.newsOK()
	p := f.pipeline(t)

	out, err := p.Run(context.Background(), Request{Topic: "SRAG"})
	require.NoError(t, err)

	f.source.AssertNumberOfCalls(t, "ListAvailable", 3)
	assert.Nil(t, out.Dataset)
	assert.NotNil(t, out.News)

	require.NotEmpty(t, out.Errors)
	assert.Equal(t, model.StageResolve, out.Errors[0].Stage)
	assert.Equal(t, resilience.TransientIO, out.Errors[0].Kind)
	assert.True(t, out.Errors[0].Terminal)

	// No dataset at report time ends the run without an artifact.
	assert.Equal(t, model.RunStatusFailed, out.Status)
	last := out.Errors[len(out.Errors)-1]
	assert.Equal(t, model.StageReport, last.Stage)
	assert.Equal(t, resilience.RenderFailed, last.Kind)
	assert.Empty(t, reports(t, f.outDir))
}

func TestRun_InsufficientMapping(t *testing.T) {
	f := newFixture(t)
	f.source.On("ListAvailable", mock.Anything, "srag").Return([]model.Descriptor{release}, nil)
	f.source.On("Fetch", mock.Anything, release).Return("DT_NOTIFIC;HOSPITAL\n01/06/2025;1\n", nil)
	f.newsOK()
	p := f.pipeline(t)

	res := p.DatasetBranch(context.Background(), dataset.DefaultWindow(fixedNow, 0))
	require.True(t, res.Failed())
	assert.Equal(t, resilience.BranchFailed, resilience.KindOf(res.Err))
	require.Len(t, res.Errors, 1)
	assert.Equal(t, model.StageMap, res.Errors[0].Stage)
	assert.Equal(t, resilience.InsufficientMapping, res.Errors[0].Kind)

	assert.NotNil(t, res.Value.Raw)
	assert.Nil(t, res.Value.Refined)
	assert.False(t, res.Value.Usable())
}

func TestRun_ExpanderFailureFallsBackToTopic(t *testing.T) {
	f := newFixture(t)
	exp := &mockExpander{}
	exp.On("Expand", mock.Anything, "SRAG").Return(nil, resilience.Errorf(resilience.PermanentInput, "news.expand", "malformed reply"))
	f.expander = exp
	f.searcher.On("Search", mock.Anything, "SRAG", 3).Return(hits("https://n/a"), nil)
	f.articleOK("https://n/a")
	f.evaluator.On("Evaluate", mock.Anything, "SRAG", "https://n/a").Return(news.Evaluation{Relevant: true, Summary: "ok"}, nil)
	p := f.pipeline(t)

	res := p.NewsBranch(context.Background(), "SRAG")
	require.False(t, res.Failed())
	assert.Equal(t, []string{"SRAG"}, res.Value.Terms)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, model.StageExpand, res.Errors[0].Stage)
	assert.False(t, res.Errors[0].Terminal)
	assert.Len(t, res.Value.Items, 1)
}

func TestRun_CancelledRun(t *testing.T) {
	f := newFixture(t)
	f.source.On("ListAvailable", mock.Anything, "srag").Return([]model.Descriptor{release}, nil)
	f.source.On("Fetch", mock.Anything, release).Return(rawExtract, nil)
	f.newsOK()
	p := f.pipeline(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := p.Run(ctx, Request{Topic: "SRAG"})
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusFailed, out.Status)
	assert.Empty(t, out.Artifact)
	f.source.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything)
}

func TestRun_RunTimeoutKeepsCompletedDataset(t *testing.T) {
	f := newFixture(t)
	f.datasetOK()
	f.searcher.On("Search", mock.Anything, mock.Anything, 3).
		Run(func(args mock.Arguments) { <-args.Get(0).(context.Context).Done() }).
		Return(nil, context.DeadlineExceeded)
	p := f.pipeline(t, func(o *Options) {
		o.RunTimeout = 300 * time.Millisecond
		o.Join.Grace = time.Second
	})

	out, err := p.Run(context.Background(), Request{Topic: "SRAG"})
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusPartiallyFailed, out.Status)
	require.NotNil(t, out.Dataset)
	assert.Nil(t, out.News)
	require.NotEmpty(t, out.Artifact)
	assert.FileExists(t, out.Artifact)

	var joinKinds []resilience.Kind
	for _, r := range out.Errors {
		assert.NotEqual(t, model.StageReport, r.Stage)
		if r.Stage == model.StageJoin {
			assert.Equal(t, model.BranchNews, r.TaskID)
			joinKinds = append(joinKinds, r.Kind)
		}
	}
	assert.Equal(t, []resilience.Kind{resilience.RunTimeout}, joinKinds)
}

func TestNewsBranch_ConcurrencySharedAcrossRuns(t *testing.T) {
	f := newFixture(t)
	f.expander = news.StaticExpander{}

	var inFlight, peak int32
	track := func(mock.Arguments) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
	}
	for _, topic := range []string{"gripe", "covid"} {
		urls := []string{"https://n/" + topic + "/1", "https://n/" + topic + "/2", "https://n/" + topic + "/3"}
		f.searcher.On("Search", mock.Anything, topic, 3).Return(hits(urls...), nil)
		for _, u := range urls {
			f.fetcher.On("FetchText", mock.Anything, u).Run(track).
				Return(news.Article{URL: u, Text: "texto " + u}, nil)
			f.evaluator.On("Evaluate", mock.Anything, topic, u).Return(news.Evaluation{Relevant: true, Summary: "ok"}, nil)
		}
	}
	p := f.pipeline(t, func(o *Options) { o.Concurrency = 1 })

	var wg sync.WaitGroup
	results := make([]BranchResult[*model.NewsResult], 2)
	for i, topic := range []string{"gripe", "covid"} {
		wg.Add(1)
		go func(i int, topic string) {
			defer wg.Done()
			results[i] = p.NewsBranch(context.Background(), topic)
		}(i, topic)
	}
	wg.Wait()

	for _, r := range results {
		require.False(t, r.Failed())
		assert.Len(t, r.Value.Items, 3)
		assert.Equal(t, 3, r.Value.Summary().Relevant)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
}

func TestRun_RejectsBadRequest(t *testing.T) {
	p := newFixture(t).pipeline(t)

	_, err := p.Run(context.Background(), Request{Topic: "  "})
	assert.Equal(t, resilience.PermanentInput, resilience.KindOf(err))

	_, err = p.Run(context.Background(), Request{Topic: "SRAG", LookbackDays: -1})
	assert.Equal(t, resilience.PermanentInput, resilience.KindOf(err))
}

func TestRun_LookbackNarrowsWindow(t *testing.T) {
	f := newFixture(t)
	f.datasetOK()
	p := f.pipeline(t)

	res := p.DatasetBranch(context.Background(), dataset.DefaultWindow(fixedNow, 20))
	require.False(t, res.Failed())
	assert.Equal(t, 1, res.Value.RefinedRows)
}

func TestRun_RetentionKeepsNewest(t *testing.T) {
	f := newFixture(t)
	f.datasetOK()
	f.newsOK()

	clock := fixedNow
	p := f.pipeline(t, func(o *Options) {
		o.Keep = 2
		o.Now = func() time.Time { return clock }
	})

	var last string
	for i := 0; i < 4; i++ {
		clock = fixedNow.Add(time.Duration(i) * time.Minute)
		out, err := p.Run(context.Background(), Request{Topic: "SRAG"})
		require.NoError(t, err)
		require.NotEmpty(t, out.Artifact)
		// Distinct modification times for the retention order.
		mod := fixedNow.Add(time.Duration(i) * time.Hour)
		require.NoError(t, os.Chtimes(out.Artifact, mod, mod))
		last = out.Artifact
	}

	files := reports(t, f.outDir)
	assert.Len(t, files, 2)
	assert.Contains(t, files, last)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(task.NewExecutor(), Deps{}, Options{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source")
	assert.Contains(t, err.Error(), "renderer")

	_, err = New(nil, Deps{}, Options{}, nil)
	assert.Error(t, err)
}
