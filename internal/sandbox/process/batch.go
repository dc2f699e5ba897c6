package process

import (
	"context"
	"sync/atomic"

	"codesandbox/internal/sandbox/result"
	appErr "codesandbox/pkg/errors"

	"golang.org/x/sync/errgroup"
)

// BatchOptions controls how a list of inputs is executed.
type BatchOptions struct {
	// Parallelism above 1 runs up to that many cases at once. Order of the
	// returned records never depends on it.
	Parallelism int
	// ShortCircuit stops scheduling cases after the first failing record.
	// A security violation always stops the batch.
	ShortCircuit bool
}

// CaseFunc runs the case at index against input.
type CaseFunc func(ctx context.Context, index int, input string) (result.ExecutionRecord, error)

// RunBatch executes inputs in order and returns one record per executed case,
// stopping after the first failure when short-circuiting. Any error returned by
// run aborts the batch and is returned as is.
func RunBatch(ctx context.Context, inputs []string, opts BatchOptions, run CaseFunc) ([]result.ExecutionRecord, error) {
	if len(inputs) == 0 {
		return []result.ExecutionRecord{}, nil
	}
	if opts.Parallelism <= 1 {
		return runSequential(ctx, inputs, opts, run)
	}
	return runParallel(ctx, inputs, opts, run)
}

func stops(opts BatchOptions, rec result.ExecutionRecord) bool {
	return rec.Violation || (opts.ShortCircuit && rec.Failed())
}

func runSequential(ctx context.Context, inputs []string, opts BatchOptions, run CaseFunc) ([]result.ExecutionRecord, error) {
	records := make([]result.ExecutionRecord, 0, len(inputs))
	for i, input := range inputs {
		if err := ctx.Err(); err != nil {
			return records, appErr.Wrapf(err, appErr.SandboxFailure, "batch cancelled")
		}
		rec, err := run(ctx, i, input)
		if err != nil {
			return records, err
		}
		rec.Index = i
		records = append(records, rec)
		if stops(opts, rec) {
			break
		}
	}
	return records, nil
}

func runParallel(ctx context.Context, inputs []string, opts BatchOptions, run CaseFunc) ([]result.ExecutionRecord, error) {
	n := len(inputs)
	slots := make([]*result.ExecutionRecord, n)
	var stopAt atomic.Int64
	stopAt.Store(int64(n))

	lowerStop := func(i int) {
		for {
			cur := stopAt.Load()
			if int64(i) >= cur || stopAt.CompareAndSwap(cur, int64(i)) {
				return
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Parallelism)
	for i := range inputs {
		// Cases after a failure are never started; earlier ones still finish.
		if int64(i) > stopAt.Load() {
			break
		}
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if int64(i) > stopAt.Load() {
				return nil
			}
			rec, err := run(gctx, i, inputs[i])
			if err != nil {
				return err
			}
			rec.Index = i
			slots[i] = &rec
			if stops(opts, rec) {
				lowerStop(i)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, appErr.Wrapf(err, appErr.SandboxFailure, "batch cancelled")
	}

	last := int(stopAt.Load())
	records := make([]result.ExecutionRecord, 0, n)
	for i := 0; i < n && i <= last; i++ {
		if slots[i] == nil {
			break
		}
		records = append(records, *slots[i])
	}
	return records, nil
}
