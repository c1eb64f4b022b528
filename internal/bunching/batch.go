package bunching

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"
)

// BatchOptions controls concurrent execution of independent runs
type BatchOptions struct {
	MaxConcurrency int  // 0 means GOMAXPROCS
	FailFast       bool // cancel remaining runs on the first error
}

// DefaultBatchOptions returns options that keep going past failed sectors
func DefaultBatchOptions() BatchOptions {
	return BatchOptions{
		MaxConcurrency: runtime.GOMAXPROCS(0),
		FailFast:       false,
	}
}

// BatchResult pairs one input with its outcome. Exactly one of Result and Err is set.
type BatchResult struct {
	Sector string
	Result *Result
	Err    error
}

// RunBatch runs independent inputs concurrently and returns outcomes in input order.
//
// Without FailFast every input runs and failures are reported per sector; the
// returned error is non-nil only if the context was cancelled. With FailFast
// the first failure cancels the remaining runs and is returned.
func (e *Engine) RunBatch(ctx context.Context, inputs []RunInput, opts BatchOptions) ([]BatchResult, error) {
	start := time.Now()
	limit := opts.MaxConcurrency
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}

	e.logger.InfoContext(ctx, "starting batch",
		"runs", len(inputs),
		"max_concurrency", limit,
		"fail_fast", opts.FailFast,
	)

	results := make([]BatchResult, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i, in := range inputs {
		sector := in.Sector
		if sector == "" {
			sector = in.Sample.Sector
		}
		results[i].Sector = sector

		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			r, err := e.Run(gctx, in)
			if err != nil {
				results[i].Err = err
				if opts.FailFast {
					return fmt.Errorf("sector %s: %w", sector, err)
				}
				return nil
			}
			results[i].Result = r
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}
	if err := ctx.Err(); err != nil {
		return results, err
	}

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	e.logger.InfoContext(ctx, "batch completed",
		"duration", time.Since(start),
		"runs", len(inputs),
		"failed", failed,
	)
	return results, nil
}

// SweepResult is one threshold of a policy sweep
type SweepResult struct {
	Policy PolicyInput
	Result *PolicyResult
	Err    error
}

// Sweep simulates several reforms against one fitted result concurrently.
// Results keep the order of policies; individual failures do not stop the sweep.
func (e *Engine) Sweep(ctx context.Context, r *Result, policies []PolicyInput, maxConcurrency int) ([]SweepResult, error) {
	if maxConcurrency <= 0 {
		maxConcurrency = runtime.GOMAXPROCS(0)
	}
	out := make([]SweepResult, len(policies))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrency)
	for i, p := range policies {
		out[i].Policy = p
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			pr, err := e.Simulate(gctx, r, p)
			out[i].Result, out[i].Err = pr, err
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, nil
}

// ThresholdGrid builds reform windows at evenly spaced thresholds with fixed window sizes
func ThresholdGrid(from, to, step, left, right float64) []PolicyInput {
	if step <= 0 || to < from {
		return nil
	}
	n := int((to-from)/step+1e-9) + 1
	policies := make([]PolicyInput, 0, n)
	for k := 0; k < n; k++ {
		policies = append(policies, PolicyInput{
			Window: Window{Threshold: from + float64(k)*step, Left: left, Right: right},
			Rule:   RelocateRatio,
		})
	}
	return policies
}
