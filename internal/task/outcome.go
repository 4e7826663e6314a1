// Package task runs pipeline work units with per-attempt timeouts, bounded
// retry, circuit breaking and fingerprint-cache short-circuiting, and fans
// work out over a bounded pool.
package task

import (
	"time"

	"github.com/sells-group/health-report/internal/resilience"
)

// Status is the terminal state of a task.
type Status int

const (
	StatusSuccess Status = iota + 1
	StatusFailure
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Outcome is the tagged result of one task: Success carries Value, Failure
// carries Kind and Detail, Cancelled carries neither.
type Outcome[T any] struct {
	Status    Status
	Value     T
	Kind      resilience.Kind
	Detail    string
	Err       error
	Attempts  int
	FromCache bool
	Elapsed   time.Duration
}

// OK reports whether the task succeeded.
func (o Outcome[T]) OK() bool { return o.Status == StatusSuccess }

// Success builds a successful outcome.
func Success[T any](v T) Outcome[T] {
	return Outcome[T]{Status: StatusSuccess, Value: v}
}

// Failure builds a failed outcome from a classified error.
func Failure[T any](err error) Outcome[T] {
	return Outcome[T]{
		Status: StatusFailure,
		Kind:   resilience.KindOf(err),
		Detail: err.Error(),
		Err:    err,
	}
}

// Cancelled builds a cancelled outcome.
func Cancelled[T any](err error) Outcome[T] {
	o := Outcome[T]{Status: StatusCancelled, Kind: resilience.Cancelled, Err: err}
	if err != nil {
		o.Detail = err.Error()
	}
	return o
}

// Error returns a classified error for non-successful outcomes, nil otherwise.
func (o Outcome[T]) Error() error {
	if o.Status == StatusSuccess {
		return nil
	}
	if o.Err != nil {
		return o.Err
	}
	return resilience.E(o.Kind, "task", nil)
}
