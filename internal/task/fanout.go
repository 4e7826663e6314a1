package task

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Summary counts fan-out outcomes.
type Summary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	FromCache int `json:"from_cache"`
}

// FanOutResult holds one outcome per input, in input order.
type FanOutResult[T any] struct {
	Outcomes []Outcome[T]
	Summary  Summary
}

// Map calls fn for every input with at most limit calls in flight and
// returns the results in input order. Inputs beyond the limit wait in
// submission order. fn must not panic; a failing input never affects its
// siblings because Map itself never cancels anything.
func Map[I, O any](ctx context.Context, limit int, inputs []I, fn func(ctx context.Context, i int, in I) O) []O {
	out := make([]O, len(inputs))
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, in := range inputs {
		g.Go(func() error {
			out[i] = fn(ctx, i, in)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// RunAll runs one task per input through e. It returns only after every
// input has a terminal outcome. Run-level cancellation turns queued and
// in-flight items into Cancelled outcomes.
func RunAll[I, T any](ctx context.Context, e *Executor, limit int, inputs []I, build func(i int, in I) Task[T]) FanOutResult[T] {
	outcomes := Map(ctx, limit, inputs, func(ctx context.Context, i int, in I) Outcome[T] {
		return Run(ctx, e, build(i, in))
	})
	return FanOutResult[T]{Outcomes: outcomes, Summary: Summarize(outcomes)}
}

// Summarize tallies outcomes by status.
func Summarize[T any](outcomes []Outcome[T]) Summary {
	s := Summary{Total: len(outcomes)}
	for _, o := range outcomes {
		switch o.Status {
		case StatusSuccess:
			s.Succeeded++
			if o.FromCache {
				s.FromCache++
			}
		case StatusFailure:
			s.Failed++
		case StatusCancelled:
			s.Cancelled++
		}
	}
	return s
}
