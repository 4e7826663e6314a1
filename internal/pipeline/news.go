package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/health-report/internal/cache"
	"github.com/sells-group/health-report/internal/model"
	"github.com/sells-group/health-report/internal/news"
	"github.com/sells-group/health-report/internal/resilience"
	"github.com/sells-group/health-report/internal/task"
)

type article struct {
	news.Article
	Ref model.ArtifactRef
}

type articleMeta struct {
	Title       string     `json:"title,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	Source      string     `json:"source,omitempty"`
	Size        int64      `json:"size"`
}

// NewsBranch expands the topic into search terms, searches each term,
// then fetches and evaluates every unique URL over a bounded pool.
// Item-level failures are recorded on the item and never fail the branch.
func (p *Pipeline) NewsBranch(ctx context.Context, topic string) BranchResult[*model.NewsResult] {
	log := zap.L().With(zap.String("branch", model.BranchNews), zap.String("topic", topic))
	slot := &model.NewsResult{Topic: topic}
	rec := &recorder{}
	done := func(err error) BranchResult[*model.NewsResult] {
		return BranchResult[*model.NewsResult]{Value: slot, Err: err, Errors: rec.records}
	}

	// expand
	expanded := task.Run(ctx, p.exec, task.Task[[]string]{
		Name:    model.StageExpand,
		ID:      topic,
		Service: serviceLLM,
		Policy:  &p.opts.Model,
		Run: func(ctx context.Context) ([]string, error) {
			return p.deps.Expander.Expand(ctx, topic)
		},
	})
	switch {
	case expanded.Status == task.StatusCancelled:
		return done(failed(rec, model.StageExpand, topic, expanded))
	case !expanded.OK():
		rec.note(model.StageExpand, topic, expanded.Error())
	default:
		slot.Terms = news.NormalizeTerms(expanded.Value, p.opts.MaxTerms)
	}
	if len(slot.Terms) == 0 {
		if expanded.OK() {
			rec.note(model.StageExpand, topic, resilience.Errorf(resilience.PermanentInput, "pipeline.expand", "expander returned no terms"))
		}
		slot.Terms = news.NormalizeTerms([]string{topic}, 1)
	}
	log.Info("pipeline: search terms", zap.Strings("terms", slot.Terms))

	// search
	searched := task.RunAll(ctx, p.exec, len(slot.Terms), slot.Terms, func(_ int, term string) task.Task[[]news.Hit] {
		return task.Task[[]news.Hit]{
			Name:    model.StageSearch,
			ID:      term,
			Service: serviceSearch,
			Policy:  &p.opts.Network,
			Run: func(ctx context.Context) ([]news.Hit, error) {
				return p.deps.Searcher.Search(ctx, term, p.opts.MaxResultsPerTerm)
			},
		}
	})
	if searched.Summary.Cancelled > 0 {
		return done(rec.fail(model.StageSearch, "", ctxErr(ctx)))
	}
	perTerm := make([]news.TermHits, 0, len(slot.Terms))
	var lastErr error
	for i, out := range searched.Outcomes {
		if !out.OK() {
			lastErr = out.Error()
			rec.note(model.StageSearch, slot.Terms[i], lastErr)
			continue
		}
		perTerm = append(perTerm, news.TermHits{Term: slot.Terms[i], Hits: out.Value})
	}
	if searched.Summary.Succeeded == 0 {
		return done(rec.fail(model.StageSearch, "", resilience.E(resilience.BranchFailed, "pipeline.search", eris.Wrap(lastErr, "every search term failed"))))
	}
	discovered := news.MergeHits(perTerm)
	log.Info("pipeline: articles discovered", zap.Int("urls", len(discovered)))

	// curate
	type curated struct {
		item    model.NewsItem
		records []model.ErrorRecord
	}
	results := task.Map(ctx, p.opts.Concurrency, discovered, func(ctx context.Context, _ int, d news.Discovered) curated {
		item, records := p.curate(ctx, topic, d)
		return curated{item: item, records: records}
	})
	slot.Items = make([]model.NewsItem, len(results))
	for i, r := range results {
		slot.Items[i] = r.item
		rec.records = append(rec.records, r.records...)
	}
	if err := ctx.Err(); err != nil {
		return done(rec.fail(model.StageEval, "", ctxErr(ctx)))
	}

	s := slot.Summary()
	log.Info("pipeline: news curated",
		zap.Int("relevant", s.Relevant),
		zap.Int("rejected", s.Rejected),
		zap.Int("fetch_failed", s.FetchFailed),
		zap.Int("unevaluated", s.Unevaluated),
	)
	return done(nil)
}

// curate fetches and evaluates one URL while holding one of the pipeline's
// curation slots. The item always comes back; a failure is recorded on it
// and returned as a non-terminal record.
func (p *Pipeline) curate(ctx context.Context, topic string, d news.Discovered) (model.NewsItem, []model.ErrorRecord) {
	item := model.NewsItem{
		URL:         d.URL,
		Term:        d.Term,
		Title:       d.Title,
		Snippet:     d.Snippet,
		PublishedAt: d.PublishedAt,
		FetchStatus: model.FetchPending,
		Verdict:     model.VerdictUnevaluated,
	}

	// A slot that never frees up means the run ended; the item stays pending.
	if err := p.curateSlots.Acquire(ctx, 1); err != nil {
		return item, nil
	}
	defer p.curateSlots.Release(1)

	fetched := task.Run(ctx, p.exec, p.fetchArticleTask(d.URL))
	switch fetched.Status {
	case task.StatusCancelled:
		return item, nil
	case task.StatusFailure:
		item.FetchStatus = model.FetchFailed
		item.Error = fetched.Detail
		return item, []model.ErrorRecord{model.NewErrorRecord(model.StageFetch, d.URL, fetched.Error(), false)}
	}
	a := fetched.Value
	item.FetchStatus = model.FetchOK
	item.Text = &a.Ref
	item.FromCache = fetched.FromCache
	if item.Title == "" {
		item.Title = a.Title
	}
	if item.PublishedAt == nil {
		item.PublishedAt = a.PublishedAt
	}

	evaluated := task.Run(ctx, p.exec, p.evaluateTask(topic, a))
	switch evaluated.Status {
	case task.StatusCancelled:
		return item, nil
	case task.StatusFailure:
		item.Error = evaluated.Detail
		return item, []model.ErrorRecord{model.NewErrorRecord(model.StageEval, d.URL, evaluated.Error(), false)}
	}
	ev := evaluated.Value
	item.Reason = ev.Reason
	if ev.Relevant {
		item.Verdict = model.VerdictRelevant
		item.Summary = ev.Summary
		if ev.Title != "" {
			item.Title = ev.Title
		}
	} else {
		item.Verdict = model.VerdictRejected
	}
	return item, nil
}

func (p *Pipeline) fetchArticleTask(url string) task.Task[article] {
	key := cache.Fingerprint("article", url)
	return task.Task[article]{
		Name:    model.StageFetch,
		ID:      url,
		Service: serviceArticle,
		Policy:  &p.opts.Network,
		Cache: &task.Caching[article]{
			Key: key,
			Encode: func(a article) (model.CacheEntry, error) {
				b, err := json.Marshal(articleMeta{Title: a.Title, PublishedAt: a.PublishedAt, Source: a.Source, Size: a.Ref.Size})
				if err != nil {
					return model.CacheEntry{}, eris.Wrap(err, "pipeline: encode article meta")
				}
				return model.CacheEntry{Kind: "article", Ref: a.Ref.Location, Digest: a.Ref.Digest, Meta: string(b)}, nil
			},
			Decode: func(e model.CacheEntry) (article, error) {
				var meta articleMeta
				if err := json.Unmarshal([]byte(e.Meta), &meta); err != nil {
					return article{}, eris.Wrap(err, "pipeline: decode article meta")
				}
				text, err := p.deps.Blobs.ReadAll(e.Ref)
				if err != nil {
					return article{}, err
				}
				return article{
					Article: news.Article{URL: url, Title: meta.Title, Text: string(text), PublishedAt: meta.PublishedAt, Source: meta.Source},
					Ref:     model.ArtifactRef{Fingerprint: e.Fingerprint, Location: e.Ref, Digest: e.Digest, Size: meta.Size},
				}, nil
			},
		},
		Run: func(ctx context.Context) (article, error) {
			a, err := p.deps.Fetcher.FetchText(ctx, url)
			if err != nil {
				return article{}, err
			}
			ref, err := p.deps.Blobs.PutBytes("article", ".txt", []byte(a.Text))
			if err != nil {
				return article{}, resilience.E(resilience.TransientIO, "pipeline.article", err)
			}
			ref.Fingerprint = key
			return article{Article: a, Ref: ref}, nil
		},
	}
}

func (p *Pipeline) evaluateTask(topic string, a article) task.Task[news.Evaluation] {
	return task.Task[news.Evaluation]{
		Name:    model.StageEval,
		ID:      a.URL,
		Service: serviceLLM,
		Policy:  &p.opts.Model,
		Cache: &task.Caching[news.Evaluation]{
			Key: cache.Fingerprint("evaluate", topic, a.Ref.Digest, p.deps.Evaluator.Name()),
			Encode: func(ev news.Evaluation) (model.CacheEntry, error) {
				b, err := json.Marshal(ev)
				if err != nil {
					return model.CacheEntry{}, eris.Wrap(err, "pipeline: encode evaluation")
				}
				return model.CacheEntry{Kind: "evaluation", Digest: cache.Digest(b), Meta: string(b)}, nil
			},
			Decode: func(e model.CacheEntry) (news.Evaluation, error) {
				var ev news.Evaluation
				if err := json.Unmarshal([]byte(e.Meta), &ev); err != nil {
					return news.Evaluation{}, eris.Wrap(err, "pipeline: decode evaluation")
				}
				return ev, nil
			},
		},
		Run: func(ctx context.Context) (news.Evaluation, error) {
			return p.deps.Evaluator.Evaluate(ctx, topic, a.Article)
		},
	}
}

// ctxErr classifies the branch context's end as Cancelled, whether it was
// cancelled or ran out of time.
func ctxErr(ctx context.Context) error {
	err := ctx.Err()
	if err == nil {
		err = context.Canceled
	}
	return resilience.E(resilience.Cancelled, "pipeline", err)
}
