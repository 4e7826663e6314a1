package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/health-report/internal/cache"
	"github.com/sells-group/health-report/internal/dataset"
	"github.com/sells-group/health-report/internal/model"
	"github.com/sells-group/health-report/internal/resilience"
	"github.com/sells-group/health-report/internal/task"
)

// Breaker service names.
const (
	serviceDataset = "dataset"
	serviceLLM     = "llm"
	serviceSearch  = "search"
	serviceArticle = "article"
)

type mapping struct {
	Fields   map[string]string `json:"fields"`
	Warnings []string          `json:"warnings,omitempty"`
}

type refined struct {
	Ref  model.ArtifactRef
	Rows int
}

type artifactMeta struct {
	Size int64 `json:"size"`
	Rows int   `json:"rows,omitempty"`
}

// DatasetBranch resolves the newest release, maps its header onto the
// schema and refines it to the window. Each stage runs only after the
// previous one succeeded; a terminal failure ends the branch with the slot
// filled as far as it got.
func (p *Pipeline) DatasetBranch(ctx context.Context, window model.Window) BranchResult[*model.DatasetResult] {
	log := zap.L().With(zap.String("branch", model.BranchDataset))
	slot := &model.DatasetResult{Window: window}
	rec := &recorder{}
	done := func(err error) BranchResult[*model.DatasetResult] {
		return BranchResult[*model.DatasetResult]{Value: slot, Err: err, Errors: rec.records}
	}

	// resolve
	listed := task.Run(ctx, p.exec, task.Task[[]model.Descriptor]{
		Name:    model.StageResolve,
		ID:      p.deps.SourceID,
		Service: serviceDataset,
		Policy:  &p.opts.Network,
		Run: func(ctx context.Context) ([]model.Descriptor, error) {
			return p.deps.Source.ListAvailable(ctx, p.deps.SourceID)
		},
	})
	if !listed.OK() {
		return done(failed(rec, model.StageResolve, p.deps.SourceID, listed))
	}
	desc, ok := dataset.Newest(listed.Value)
	if !ok {
		err := resilience.Errorf(resilience.PermanentInput, "pipeline.dataset", "no releases for %s", p.deps.SourceID)
		return done(rec.fail(model.StageResolve, p.deps.SourceID, err))
	}
	slot.Descriptor = desc
	log.Info("pipeline: dataset release selected",
		zap.String("name", desc.Name),
		zap.String("period", desc.PeriodKey()),
	)

	fetched := task.Run(ctx, p.exec, p.fetchRawTask(desc))
	if !fetched.OK() {
		return done(failed(rec, model.StageResolve, desc.Name, fetched))
	}
	raw := fetched.Value
	slot.Raw = &raw
	log.Info("pipeline: raw extract ready",
		zap.String("digest", raw.Digest),
		zap.Int64("bytes", raw.Size),
		zap.Bool("from_cache", fetched.FromCache),
	)

	// map
	header, err := dataset.ReadRawHeader(raw.Location)
	if err != nil {
		return done(rec.fail(model.StageMap, desc.Name, err))
	}
	slot.Header = header
	mapped := task.Run(ctx, p.exec, p.mapTask(header))
	if !mapped.OK() {
		return done(failed(rec, model.StageMap, desc.Name, mapped))
	}
	slot.Mapping = mapped.Value.Fields
	slot.Warnings = append(slot.Warnings, mapped.Value.Warnings...)

	// refine
	ref := task.Run(ctx, p.exec, p.refineTask(raw, mapped.Value.Fields, window))
	if !ref.OK() {
		return done(failed(rec, model.StageRefine, desc.Name, ref))
	}
	slot.Refined = &ref.Value.Ref
	slot.RefinedRows = ref.Value.Rows
	if err := slot.Validate(); err != nil {
		return done(rec.fail(model.StageRefine, desc.Name, err))
	}
	log.Info("pipeline: dataset refined", zap.Int("rows", slot.RefinedRows), zap.Bool("from_cache", ref.FromCache))
	return done(nil)
}

func (p *Pipeline) fetchRawTask(desc model.Descriptor) task.Task[model.ArtifactRef] {
	key := cache.Fingerprint("raw", p.deps.SourceID, desc.PeriodKey(), desc.Name)
	return task.Task[model.ArtifactRef]{
		Name:    model.StageResolve,
		ID:      desc.Name,
		Service: serviceDataset,
		Policy:  &p.opts.Network,
		Cache:   artifactCaching("raw", key),
		Run: func(ctx context.Context) (model.ArtifactRef, error) {
			rc, err := p.deps.Source.Fetch(ctx, desc)
			if err != nil {
				return model.ArtifactRef{}, err
			}
			defer rc.Close() //nolint:errcheck

			ref, err := p.deps.Blobs.Put("raw", ".csv", rc)
			if err != nil {
				if ctx.Err() != nil {
					return model.ArtifactRef{}, ctx.Err()
				}
				return model.ArtifactRef{}, resilience.E(resilience.TransientIO, "pipeline.fetch", err)
			}
			if ref.Size == 0 {
				return model.ArtifactRef{}, resilience.Errorf(resilience.PermanentInput, "pipeline.fetch", "%s is empty", desc.Name)
			}
			ref.Fingerprint = key
			return ref, nil
		},
	}
}

func (p *Pipeline) mapTask(header []string) task.Task[mapping] {
	key := cache.Fingerprint("map", strings.Join(header, "\x1f"), p.deps.Schema.Version, p.deps.Mapper.Name())
	return task.Task[mapping]{
		Name:    model.StageMap,
		ID:      p.deps.Mapper.Name(),
		Service: serviceLLM,
		Policy:  &p.opts.Model,
		Cache: &task.Caching[mapping]{
			Key: key,
			Encode: func(m mapping) (model.CacheEntry, error) {
				b, err := json.Marshal(m)
				if err != nil {
					return model.CacheEntry{}, eris.Wrap(err, "pipeline: encode mapping")
				}
				return model.CacheEntry{Kind: "mapping", Digest: cache.Digest(b), Meta: string(b)}, nil
			},
			Decode: func(e model.CacheEntry) (mapping, error) {
				var m mapping
				if err := json.Unmarshal([]byte(e.Meta), &m); err != nil {
					return mapping{}, eris.Wrap(err, "pipeline: decode mapping")
				}
				return m, nil
			},
		},
		Run: func(ctx context.Context) (mapping, error) {
			proposed, err := p.deps.Mapper.Map(ctx, header, p.deps.Schema)
			if err != nil {
				return mapping{}, err
			}
			clean, warnings, err := dataset.ValidateMapping(proposed, header, p.deps.Schema)
			if err != nil {
				return mapping{}, err
			}
			return mapping{Fields: clean, Warnings: warnings}, nil
		},
	}
}

func (p *Pipeline) refineTask(raw model.ArtifactRef, fields map[string]string, window model.Window) task.Task[refined] {
	key := cache.Fingerprint("refine", raw.Digest, cache.MapKey(fields), p.deps.Schema.Version,
		window.Start.Format("2006-01-02"), window.End.Format("2006-01-02"))
	encode := artifactCaching("refined", key)
	return task.Task[refined]{
		Name:   model.StageRefine,
		ID:     raw.Digest,
		Policy: &p.opts.Local,
		Cache: &task.Caching[refined]{
			Key: key,
			Encode: func(r refined) (model.CacheEntry, error) {
				e, err := encode.Encode(r.Ref)
				if err != nil {
					return e, err
				}
				return withRows(e, r.Rows)
			},
			Decode: func(e model.CacheEntry) (refined, error) {
				ref, err := encode.Decode(e)
				if err != nil {
					return refined{}, err
				}
				var meta artifactMeta
				_ = json.Unmarshal([]byte(e.Meta), &meta)
				return refined{Ref: ref, Rows: meta.Rows}, nil
			},
		},
		Run: func(ctx context.Context) (refined, error) {
			pr, pw := io.Pipe()
			statsCh := make(chan dataset.RefineStats, 1)
			go func() {
				stats, err := dataset.Refine(ctx, raw.Location, pw, fields, p.deps.Schema, window)
				statsCh <- stats
				pw.CloseWithError(err) //nolint:errcheck
			}()

			ref, err := p.deps.Blobs.Put("refined", ".csv", pr)
			pr.CloseWithError(err) //nolint:errcheck
			stats := <-statsCh
			if err != nil {
				if ctx.Err() != nil {
					return refined{}, ctx.Err()
				}
				return refined{}, err
			}
			ref.Fingerprint = key
			zap.L().Debug("pipeline: refine stats",
				zap.Int("read", stats.Read),
				zap.Int("kept", stats.Kept),
				zap.Int("unparsed", stats.Unparsed),
				zap.String("date_layout", stats.DateLayout),
			)
			return refined{Ref: ref, Rows: stats.Kept}, nil
		},
	}
}

// artifactCaching maps an ArtifactRef to an entry pointing at the blob.
func artifactCaching(kind, key string) *task.Caching[model.ArtifactRef] {
	return &task.Caching[model.ArtifactRef]{
		Key: key,
		Encode: func(ref model.ArtifactRef) (model.CacheEntry, error) {
			b, err := json.Marshal(artifactMeta{Size: ref.Size})
			if err != nil {
				return model.CacheEntry{}, eris.Wrap(err, "pipeline: encode artifact meta")
			}
			return model.CacheEntry{Kind: kind, Ref: ref.Location, Digest: ref.Digest, Meta: string(b)}, nil
		},
		Decode: func(e model.CacheEntry) (model.ArtifactRef, error) {
			if e.Ref == "" {
				return model.ArtifactRef{}, eris.Errorf("pipeline: %s entry %s has no artifact", kind, e.Fingerprint)
			}
			var meta artifactMeta
			_ = json.Unmarshal([]byte(e.Meta), &meta)
			return model.ArtifactRef{Fingerprint: e.Fingerprint, Location: e.Ref, Digest: e.Digest, Size: meta.Size}, nil
		},
	}
}

func withRows(e model.CacheEntry, rows int) (model.CacheEntry, error) {
	var meta artifactMeta
	_ = json.Unmarshal([]byte(e.Meta), &meta)
	meta.Rows = rows
	b, err := json.Marshal(meta)
	if err != nil {
		return model.CacheEntry{}, eris.Wrap(err, "pipeline: encode artifact meta")
	}
	e.Meta = string(b)
	return e, nil
}
