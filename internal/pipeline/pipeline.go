// Package pipeline runs a health report: the dataset and news branches in
// parallel, the join barrier that merges them, and the report stage.
package pipeline

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sells-group/health-report/internal/cache"
	"github.com/sells-group/health-report/internal/dataset"
	"github.com/sells-group/health-report/internal/model"
	"github.com/sells-group/health-report/internal/news"
	"github.com/sells-group/health-report/internal/report"
	"github.com/sells-group/health-report/internal/resilience"
	"github.com/sells-group/health-report/internal/task"
)

// Deps are the collaborators a run needs.
type Deps struct {
	Source   dataset.Source
	SourceID string
	Schema   *dataset.Schema
	Mapper   dataset.Mapper

	Expander  news.Expander
	Searcher  news.Searcher
	Fetcher   news.ArticleFetcher
	Evaluator news.Evaluator

	Renderer report.Renderer
	Blobs    *cache.BlobStore
}

func (d Deps) validate() error {
	var missing []string
	check := func(name string, ok bool) {
		if !ok {
			missing = append(missing, name)
		}
	}
	check("source", d.Source != nil)
	check("schema", d.Schema != nil)
	check("mapper", d.Mapper != nil)
	check("expander", d.Expander != nil)
	check("searcher", d.Searcher != nil)
	check("fetcher", d.Fetcher != nil)
	check("evaluator", d.Evaluator != nil)
	check("renderer", d.Renderer != nil)
	check("blobs", d.Blobs != nil)
	if len(missing) > 0 {
		return eris.Errorf("pipeline: missing collaborators: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Request starts a run.
type Request struct {
	Topic string `json:"topic"`
	// LookbackDays narrows the refinement window; zero keeps the default
	// twelve calendar months.
	LookbackDays int `json:"lookback_days,omitempty"`
}

// Pipeline runs reports. It is safe for concurrent use; runs share the
// executor and therefore the fingerprint cache, and article curation is
// bounded by Options.Concurrency across all runs together.
type Pipeline struct {
	exec    *task.Executor
	deps    Deps
	opts    Options
	metrics *Metrics

	curateSlots *semaphore.Weighted
}

// New creates a Pipeline.
func New(exec *task.Executor, deps Deps, opts Options, metrics *Metrics) (*Pipeline, error) {
	if exec == nil {
		return nil, eris.New("pipeline: nil executor")
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	opts.defaults()
	return &Pipeline{
		exec:        exec,
		deps:        deps,
		opts:        opts,
		metrics:     metrics,
		curateSlots: semaphore.NewWeighted(int64(opts.Concurrency)),
	}, nil
}

// Run executes one report. A run that ends Failed still returns a report
// and a nil error; the error is reserved for requests that cannot start.
func (p *Pipeline) Run(ctx context.Context, req Request) (*model.RunReport, error) {
	topic := strings.TrimSpace(req.Topic)
	if topic == "" {
		return nil, resilience.Errorf(resilience.PermanentInput, "pipeline.run", "topic is required")
	}
	if req.LookbackDays < 0 {
		return nil, resilience.Errorf(resilience.PermanentInput, "pipeline.run", "lookback days must not be negative, got %d", req.LookbackDays)
	}

	started := p.opts.Now()
	state := &model.WorkflowState{
		RunID:        uuid.NewString(),
		StartedAt:    started.UTC(),
		Topic:        topic,
		LookbackDays: req.LookbackDays,
		Status:       model.RunStatusPending,
	}
	log := zap.L().With(zap.String("run_id", state.RunID), zap.String("topic", topic))
	log.Info("pipeline: run starting", zap.Int("lookback_days", req.LookbackDays))

	window := dataset.DefaultWindow(started, req.LookbackDays)

	// RunTimeout bounds the branches only; the report stage still runs on
	// whatever they handed back.
	var (
		branchCtx      context.Context
		cancelBranches context.CancelFunc
	)
	if p.opts.RunTimeout > 0 {
		branchCtx, cancelBranches = context.WithTimeout(ctx, p.opts.RunTimeout)
	} else {
		branchCtx, cancelBranches = context.WithCancel(ctx)
	}
	defer cancelBranches()

	datasetCh := make(chan BranchResult[*model.DatasetResult], 1)
	newsCh := make(chan BranchResult[*model.NewsResult], 1)
	go func() { datasetCh <- p.DatasetBranch(branchCtx, window) }()
	go func() { newsCh <- p.NewsBranch(branchCtx, topic) }()

	merged := Join(branchCtx, cancelBranches, datasetCh, newsCh, p.opts.Join)
	state.Dataset = merged.Dataset
	state.News = merged.News
	state.Errors = append(state.Errors, merged.Errors...)
	log.Info("pipeline: branches joined",
		zap.String("status", string(merged.Status)),
		zap.Bool("dataset", merged.Dataset != nil),
		zap.Bool("news", merged.News != nil),
		zap.Int("errors", len(merged.Errors)),
	)

	out := &model.RunReport{
		RunID:   state.RunID,
		Topic:   topic,
		Dataset: state.Dataset,
		Started: state.StartedAt,
	}
	if state.News != nil {
		s := state.News.Summary()
		out.News = &s
	}

	state.Status = merged.Status
	if merged.Status != model.RunStatusFailed {
		artifact, metrics, records, err := p.ReportStage(ctx, state)
		state.Errors = append(state.Errors, records...)
		if err != nil {
			state.Status = model.RunStatusFailed
		} else {
			out.Artifact = artifact
			out.Metrics = metrics
		}
	}

	out.Status = state.Status
	out.Errors = state.Errors
	if out.Errors == nil {
		out.Errors = []model.ErrorRecord{}
	}
	out.Duration = p.opts.Now().Sub(started)
	p.metrics.observe(out, merged)

	log.Info("pipeline: run finished",
		zap.String("status", string(out.Status)),
		zap.String("artifact", out.Artifact),
		zap.Duration("duration", out.Duration),
	)
	return out, nil
}

// ReportStage computes metrics from the refined table, writes the report
// and applies retention. A retention failure is returned as a non-terminal
// record; anything else fails the stage.
func (p *Pipeline) ReportStage(ctx context.Context, state *model.WorkflowState) (string, *model.Metrics, []model.ErrorRecord, error) {
	if !state.Dataset.Usable() {
		err := resilience.Errorf(resilience.RenderFailed, "pipeline.report", "no refined dataset to report on")
		return "", nil, []model.ErrorRecord{model.NewErrorRecord(model.StageReport, state.RunID, err, true)}, err
	}

	type rendered struct {
		path    string
		metrics *model.Metrics
	}
	out := task.Run(ctx, p.exec, task.Task[rendered]{
		Name:   model.StageReport,
		ID:     state.RunID,
		Policy: &p.opts.Local,
		Run: func(ctx context.Context) (rendered, error) {
			f, err := p.deps.Blobs.Open(state.Dataset.Refined.Location)
			if err != nil {
				return rendered{}, resilience.E(resilience.RenderFailed, "pipeline.report", err)
			}
			defer f.Close() //nolint:errcheck

			now := p.opts.Now()
			m, err := report.Compute(ctx, f, now)
			if err != nil {
				if ctx.Err() != nil {
					return rendered{}, err
				}
				return rendered{}, resilience.E(resilience.RenderFailed, "pipeline.report", err)
			}

			data := report.Data{
				Title:       p.opts.Title,
				Topic:       state.Topic,
				RunID:       state.RunID,
				Status:      state.Status,
				GeneratedAt: now,
				Metrics:     m,
				Window:      state.Dataset.Window,
				Descriptor:  state.Dataset.Descriptor,
				NewsMissing: state.News == nil,
				Errors:      state.Errors,
			}
			if state.News != nil {
				data.News = state.News.Relevant()
				data.NewsCounts = state.News.Summary()
			}
			path, err := report.Write(ctx, p.deps.Renderer, p.opts.OutputDir, data)
			if err != nil {
				return rendered{}, err
			}
			return rendered{path: path, metrics: m}, nil
		},
	})
	if !out.OK() {
		err := out.Error()
		if out.Status == task.StatusCancelled {
			err = resilience.E(resilience.Cancelled, "pipeline.report", err)
		} else if resilience.KindOf(err) != resilience.RenderFailed {
			err = resilience.E(resilience.RenderFailed, "pipeline.report", err)
		}
		return "", nil, []model.ErrorRecord{model.NewErrorRecord(model.StageReport, state.RunID, err, true)}, err
	}

	var records []model.ErrorRecord
	if _, err := report.Retain(p.opts.OutputDir, report.FilePattern, p.opts.Keep); err != nil {
		zap.L().Warn("pipeline: retention failed", zap.Error(err))
		records = append(records, model.NewErrorRecord(model.StageRetain, p.opts.OutputDir, err, false))
	}
	return out.Value.path, out.Value.metrics, records, nil
}

