package pipeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/health-report/internal/model"
	"github.com/sells-group/health-report/internal/resilience"
)

// JoinPolicy bounds how long the join waits for the branches.
type JoinPolicy struct {
	// Timeout is the overall wait. Zero waits indefinitely.
	Timeout time.Duration
	// Grace is how long cancelled branches get to hand back partial work.
	Grace time.Duration
}

// Merged is the joined view of both branches, built once.
type Merged struct {
	Dataset *model.DatasetResult
	News    *model.NewsResult
	Status  model.RunStatus
	// Errors holds dataset records, then news records, then join records.
	Errors []model.ErrorRecord
}

type branchState[T any] struct {
	name     string
	res      *BranchResult[T]
	onTime   bool
	complete bool
}

func (b *branchState[T]) receive(r BranchResult[T], beforeDeadline bool) {
	b.res = &r
	b.onTime = beforeDeadline
	b.complete = beforeDeadline && !r.Failed()
}

// settled reports whether the branch reached its own terminal state before
// the join was interrupted. A branch that failed on its own already carries
// its error records.
func (b *branchState[T]) settled() bool {
	return b.res != nil && b.onTime
}

// Join waits until both branches are terminal. ctx is the branches'
// context. If the timeout fires or ctx ends first, it calls cancel, waits up
// to Grace for the branches to return what they have and records an error
// for each branch that had not finished: RunTimeout for a deadline,
// Cancelled otherwise.
func Join(
	ctx context.Context,
	cancel context.CancelFunc,
	datasetCh <-chan BranchResult[*model.DatasetResult],
	newsCh <-chan BranchResult[*model.NewsResult],
	policy JoinPolicy,
) Merged {
	ds := &branchState[*model.DatasetResult]{name: model.BranchDataset}
	nw := &branchState[*model.NewsResult]{name: model.BranchNews}

	var deadline <-chan time.Time
	if policy.Timeout > 0 {
		t := time.NewTimer(policy.Timeout)
		defer t.Stop()
		deadline = t.C
	}

	cause := resilience.KindNone
wait:
	for ds.res == nil || nw.res == nil {
		select {
		case r := <-datasetCh:
			ds.receive(r, ctx.Err() == nil)
			datasetCh = nil
		case r := <-newsCh:
			nw.receive(r, ctx.Err() == nil)
			newsCh = nil
		case <-deadline:
			cause = resilience.RunTimeout
			break wait
		case <-ctx.Done():
			cause = interruption(ctx.Err())
			break wait
		}
	}
	// A branch may hand back its result right after ctx ends.
	if cause == resilience.KindNone && (!ds.settled() || !nw.settled()) {
		cause = interruption(ctx.Err())
	}

	var late []model.ErrorRecord
	if cause != resilience.KindNone {
		if cancel != nil {
			cancel()
		}
		zap.L().Warn("pipeline: join interrupted",
			zap.String("cause", cause.String()),
			zap.Bool("dataset_done", ds.res != nil),
			zap.Bool("news_done", nw.res != nil),
		)
		grace := time.NewTimer(policy.Grace)
		defer grace.Stop()
	drain:
		for ds.res == nil || nw.res == nil {
			select {
			case r := <-datasetCh:
				ds.receive(r, false)
				datasetCh = nil
			case r := <-newsCh:
				nw.receive(r, false)
				newsCh = nil
			case <-grace.C:
				break drain
			}
		}
		for _, b := range []struct {
			name    string
			settled bool
		}{{ds.name, ds.settled()}, {nw.name, nw.settled()}} {
			if b.settled {
				continue
			}
			late = append(late, model.NewErrorRecord(model.StageJoin, b.name,
				resilience.Errorf(cause, "pipeline.join", "%s branch did not finish", b.name), true))
		}
	}

	m := Merged{}
	if ds.res != nil {
		m.Errors = append(m.Errors, ds.res.Errors...)
		if ds.complete || ds.res.Value.Usable() {
			m.Dataset = ds.res.Value
		}
	}
	if nw.res != nil {
		m.Errors = append(m.Errors, nw.res.Errors...)
		if nw.complete || newsUsable(nw.res.Value) {
			m.News = nw.res.Value
		}
	}
	m.Errors = append(m.Errors, late...)

	switch {
	case ds.complete && nw.complete:
		m.Status = model.RunStatusCompleted
	case m.Dataset == nil && m.News == nil:
		m.Status = model.RunStatusFailed
	default:
		m.Status = model.RunStatusPartiallyFailed
	}
	return m
}

// interruption maps the error of an ended branch context to the kind the
// join records.
func interruption(err error) resilience.Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return resilience.RunTimeout
	}
	return resilience.Cancelled
}

// newsUsable reports whether a partial news slot carries any evaluated item.
func newsUsable(n *model.NewsResult) bool {
	if n == nil {
		return false
	}
	for _, it := range n.Items {
		if it.Verdict != model.VerdictUnevaluated && it.Verdict != "" {
			return true
		}
	}
	return false
}
