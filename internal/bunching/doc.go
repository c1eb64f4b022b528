// Package bunching estimates how firms redistribute turnover around a notch
// (a threshold where a discrete obligation such as VAT registration starts)
// and simulates how that redistribution moves when the threshold or the
// cost wedge changes.
//
// # Core Components
//
// Each stage is a pure function from the previous stage's output and an
// immutable Config to a new value:
//
//  1. BuildHistogram: uniform Δ-wide half-open bins over [SupportMin, SupportMax]
//  2. FitCounterfactual: polynomial fit outside the exclusion window, evaluated everywhere
//  3. ComputeStatistics: window masses, excess mass E, missing mass ΔR, bunching ratio b
//  4. Calibrate: elasticity σ and displaced share Π from the mass ratios and τ_e
//  5. MapFirms: bunching probability, buncher rank and expected counterfactual turnover
//  6. Simulate: relocated bunching at a new threshold with mass conservation
//
// Numerical edge cases with a well-defined value (σ = 0 for equal ratios,
// π ≡ 0 for zero excess mass) are computed explicitly. Values that signal
// misspecification (σ < 0, b < 0) come back as Warnings next to the result.
// Failures are *errors.AppError values carrying the stage that raised them.
//
// # Architecture
//
//   - types.go: Config, Window, Sample and result types
//   - distribution.go: immutable histogram with CDF and InvCDF
//   - binning.go: Binning Engine (decimal grid arithmetic)
//   - counterfactual.go: Counterfactual Estimator (gonum SVD least squares)
//   - stats.go: Bunching Statistics and the descriptive window ratio
//   - elasticity.go: wedge derivation and Elasticity Calibrator
//   - sector.go: injected sector lookup table for ρ and v
//   - mapper.go: Micro Mapper
//   - simulate.go: Policy Simulator
//   - engine.go: stage composition with logging, tracing and metrics
//   - batch.go: concurrent sector runs and threshold sweeps
//   - validate.go: configuration and input validation
//
// # Usage Example
//
//	cfg := bunching.DefaultConfig()
//	engine, err := bunching.NewEngine(cfg, slog.Default())
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	wedge := bunching.DefaultSectorTable().Wedge("G47", 0.20, 0.8, 0.45)
//	result, err := engine.Run(ctx, bunching.RunInput{
//	    Sector: "G47",
//	    Sample: sample,
//	    Wedge:  &wedge,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// What if the threshold were 100k?
//	policy, err := engine.Simulate(ctx, result, bunching.PolicyInput{
//	    Window: bunching.Window{Threshold: 100000, Left: 5000, Right: 5000},
//	})
//
// # Concurrency
//
// Runs share no mutable state. Engine.RunBatch and Engine.Sweep fan
// independent runs out over an errgroup with a concurrency limit.
package bunching
