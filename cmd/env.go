package main

import (
	"context"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/health-report/internal/cache"
	"github.com/sells-group/health-report/internal/config"
	"github.com/sells-group/health-report/internal/dataset"
	"github.com/sells-group/health-report/internal/fetcher"
	"github.com/sells-group/health-report/internal/llm"
	"github.com/sells-group/health-report/internal/news"
	"github.com/sells-group/health-report/internal/pipeline"
	"github.com/sells-group/health-report/internal/report"
	"github.com/sells-group/health-report/internal/resilience"
	"github.com/sells-group/health-report/internal/scrape"
	"github.com/sells-group/health-report/internal/store"
	"github.com/sells-group/health-report/internal/task"
	"github.com/sells-group/health-report/pkg/jina"
	"github.com/sells-group/health-report/pkg/perplexity"
)

// runEnv holds everything the run and serve commands share.
type runEnv struct {
	Cache    *cache.Cache
	Pipeline *pipeline.Pipeline
	Registry *prometheus.Registry
	Breakers *resilience.ServiceBreakers
}

// Close releases the cache backend.
func (e *runEnv) Close() {
	if e.Cache != nil {
		if err := e.Cache.Close(); err != nil {
			zap.L().Warn("closing cache", zap.Error(err))
		}
	}
}

// openCache opens the durable cache index and the blob directory.
func openCache(ctx context.Context, c *config.Config) (*cache.Cache, error) {
	backend, err := store.Open(ctx, c.Store)
	if err != nil {
		return nil, eris.Wrap(err, "open cache store")
	}
	blobs, err := cache.NewBlobStore(filepath.Join(c.Paths.DataDir, "blobs"))
	if err != nil {
		if backend != nil {
			_ = backend.Close()
		}
		return nil, err
	}
	zap.L().Info("cache ready", zap.String("driver", c.Store.Driver), zap.String("blobs", blobs.Root()))
	return cache.New(backend, blobs), nil
}

// initEnv wires the cache, executor, collaborators and pipeline from cfg.
// Callers should defer env.Close().
func initEnv(ctx context.Context, c *config.Config) (*runEnv, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	ch, err := openCache(ctx, c)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	breakers := resilience.NewServiceBreakers(pipeline.BreakerFromConfig(c.Circuit))
	exec := task.NewExecutor(
		task.WithPolicy(task.Policy{Timeout: c.Pipeline.TaskTimeout(), Retry: pipeline.RetryFromConfig(c.Retry.Network)}),
		task.WithCache(ch),
		task.WithBreakers(breakers),
		task.WithMetrics(task.NewMetrics(reg)),
	)

	deps, err := buildDeps(c, ch.Blobs())
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	p, err := pipeline.New(exec, deps, pipeline.OptionsFromConfig(c), pipeline.NewMetrics(reg))
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	return &runEnv{Cache: ch, Pipeline: p, Registry: reg, Breakers: breakers}, nil
}

// buildDeps constructs the pipeline collaborators selected by c.
func buildDeps(c *config.Config, blobs *cache.BlobStore) (pipeline.Deps, error) {
	schema, err := dataset.LoadSchema(c.Dataset.SchemaFile)
	if err != nil {
		return pipeline.Deps{}, err
	}

	completer, err := llm.New(c)
	if err != nil {
		return pipeline.Deps{}, err
	}

	source, err := buildSource(c, blobs)
	if err != nil {
		return pipeline.Deps{}, err
	}

	jinaOpts := []jina.Option{jina.WithBaseURL(c.Jina.BaseURL)}
	if c.Jina.SearchBaseURL != "" {
		jinaOpts = append(jinaOpts, jina.WithSearchBaseURL(c.Jina.SearchBaseURL))
	}
	jinaClient := jina.NewClient(c.Jina.Key, jinaOpts...)

	chain := scrape.NewChain(scrape.NewPathMatcher(nil),
		scrape.NewLocalScraper(
			scrape.WithUserAgent(c.Fetch.UserAgent),
			scrape.WithMinChars(c.News.MinArticleChars),
			scrape.WithTimeout(time.Duration(c.Fetch.TimeoutSecs)*time.Second),
		),
		scrape.NewJinaAdapter(jinaClient, c.News.MinArticleChars),
	)

	renderer, err := report.NewHTMLRenderer(c.Report.TemplateFile)
	if err != nil {
		return pipeline.Deps{}, err
	}

	deps := pipeline.Deps{
		Source:    source,
		SourceID:  c.Dataset.SourceID,
		Schema:    schema,
		Mapper:    buildMapper(c, completer),
		Expander:  buildExpander(c, completer),
		Searcher:  buildSearcher(c, jinaClient),
		Fetcher:   news.NewScrapeFetcher(chain),
		Evaluator: news.NewLLMEvaluator(completer, c.News.MaxEvaluationChars, c.LLM.Temperature, c.LLM.MaxTokens),
		Renderer:  renderer,
		Blobs:     blobs,
	}
	return deps, nil
}

func buildSource(c *config.Config, blobs *cache.BlobStore) (dataset.Source, error) {
	switch c.Dataset.Source {
	case "dir":
		return dataset.NewDirSource(c.Dataset.LocalDir), nil
	case "ckan", "":
		timeout := time.Duration(c.Fetch.TimeoutSecs) * time.Second
		router := fetcher.NewRouter(
			fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
				UserAgent:    c.Fetch.UserAgent,
				Timeout:      timeout,
				MaxRetries:   c.Fetch.MaxRetries,
				RateLimiters: fetcher.DefaultRateLimiters(),
			}),
			fetcher.NewFTPFetcher(fetcher.FTPOptions{Timeout: timeout}),
		)
		return dataset.NewCKANSource(c.Dataset.PageURL, router, filepath.Join(blobs.Root(), "tmp")), nil
	default:
		return nil, eris.Errorf("unsupported dataset source %q", c.Dataset.Source)
	}
}

func buildMapper(c *config.Config, completer llm.Completer) dataset.Mapper {
	switch c.Dataset.Mapper {
	case "exact":
		return dataset.ExactMapper{}
	case "llm":
		return dataset.NewLLMMapper(completer, c.LLM.Temperature, c.LLM.MaxTokens)
	default:
		return &dataset.FallbackMapper{
			Primary:   dataset.NewLLMMapper(completer, c.LLM.Temperature, c.LLM.MaxTokens),
			Secondary: dataset.ExactMapper{},
		}
	}
}

func buildExpander(c *config.Config, completer llm.Completer) news.Expander {
	if c.News.Expander == "llm" {
		return news.NewLLMExpander(completer, c.News.MaxTerms, c.LLM.Temperature, c.LLM.MaxTokens)
	}
	return news.StaticExpander{Synonyms: c.News.Synonyms}
}

func buildSearcher(c *config.Config, jinaClient jina.Client) news.Searcher {
	if c.News.Searcher == "perplexity" {
		client := perplexity.NewClient(c.Perplexity.Key,
			perplexity.WithBaseURL(c.Perplexity.BaseURL),
			perplexity.WithModel(c.Perplexity.Model),
		)
		return news.NewPerplexitySearcher(client, c.News.Region)
	}
	return news.NewJinaSearcher(jinaClient, c.News.Region)
}
