package pipeline

import (
	"github.com/sells-group/health-report/internal/model"
	"github.com/sells-group/health-report/internal/resilience"
	"github.com/sells-group/health-report/internal/task"
)

// BranchResult is what a branch hands to the join. Value is the branch's
// slot, possibly partially filled when Err is set. Errors holds every
// record the branch produced, in the order it produced them.
type BranchResult[T any] struct {
	Value  T
	Err    error
	Errors []model.ErrorRecord
}

// Failed reports whether the branch terminated without completing.
func (r BranchResult[T]) Failed() bool { return r.Err != nil }

// recorder accumulates a branch's error records.
type recorder struct {
	records []model.ErrorRecord
}

func (r *recorder) note(stage, id string, err error) {
	r.records = append(r.records, model.NewErrorRecord(stage, id, err, false))
}

// fail records err as the stage's terminal error and returns the error the
// branch ends with: Cancelled stays Cancelled, anything else is BranchFailed.
func (r *recorder) fail(stage, id string, err error) error {
	r.records = append(r.records, model.NewErrorRecord(stage, id, err, true))
	if resilience.KindOf(err) == resilience.Cancelled {
		return err
	}
	return resilience.E(resilience.BranchFailed, stage, err)
}

// failed is fail for a task outcome.
func failed[T any](r *recorder, stage, id string, o task.Outcome[T]) error {
	if o.Status == task.StatusCancelled {
		return r.fail(stage, id, resilience.E(resilience.Cancelled, stage, o.Err))
	}
	return r.fail(stage, id, o.Error())
}
