package bunching

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "notchsim/internal/errors"
)

// TracerName is the instrumentation scope of engine spans
const TracerName = "notchsim.bunching"

// Recorder receives per-stage measurements from the engine
type Recorder interface {
	RecordStage(ctx context.Context, sector, stage string, duration time.Duration, err error)
	RecordWarning(ctx context.Context, sector, stage, code string)
}

// Engine composes the pure stage functions into analysis runs with logging,
// tracing and metrics around each stage. An Engine is safe for concurrent use.
type Engine struct {
	cfg      Config
	logger   *slog.Logger
	tracer   trace.Tracer
	recorder Recorder
}

// Option configures an Engine
type Option func(*Engine)

// WithRecorder sets the metrics recorder
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		e.recorder = r
	}
}

// WithTracer overrides the tracer taken from the global provider
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = t
	}
}

// NewEngine validates cfg and creates an engine bound to it
func NewEngine(cfg Config, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	e := &Engine{
		cfg:    cfg,
		logger: logger.With("component", "bunching"),
		tracer: otel.Tracer(TracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the engine configuration
func (e *Engine) Config() Config {
	return e.cfg
}

// Run executes binning, counterfactual fit, statistics, calibration, firm
// mapping and (when in.Policy is set) a policy simulation for one sample.
// No partial result is returned on error.
func (e *Engine) Run(ctx context.Context, in RunInput) (*Result, error) {
	start := time.Now()
	sector := in.Sector
	if sector == "" {
		sector = in.Sample.Sector
	}

	ctx, span := e.tracer.Start(ctx, "bunching.run",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("bunching.sector", sector),
			attribute.Int("bunching.sample_size", in.Sample.Size()),
		),
	)
	defer span.End()

	result := &Result{
		RunID:  uuid.NewString(),
		Sector: sector,
		Config: e.cfg,
	}
	logger := e.logger.With("sector", sector, "run_id", result.RunID)
	logger.InfoContext(ctx, "starting bunching analysis",
		"rows", in.Sample.Size(),
		"binned", in.Sample.IsBinned(),
		"threshold", e.cfg.Window.Threshold,
		"window", e.cfg.Window.String(),
		"poly_order", e.cfg.PolyOrder,
	)

	fail := func(err error) (*Result, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.ErrorContext(ctx, "bunching analysis failed",
			"stage", apperrors.StageOf(err),
			"error_type", apperrors.TypeOf(err),
			"error", err,
		)
		return nil, err
	}

	tauE, wedgeWarnings, err := e.resolveWedge(in)
	if err != nil {
		return fail(fmt.Errorf("resolve wedge: %w", err))
	}
	result.Elasticity.EffectiveWedge = tauE
	e.collect(ctx, logger, sector, result, wedgeWarnings)

	err = e.stage(ctx, sector, StageBinning, func(ctx context.Context) error {
		obs, err := BuildHistogram(in.Sample, e.cfg)
		if err != nil {
			return err
		}
		result.Observed = obs
		logger.DebugContext(ctx, "built histogram", "bins", obs.Len(), "total_mass", obs.Total())
		return nil
	})
	if err != nil {
		return fail(fmt.Errorf("build histogram: %w", err))
	}

	err = e.stage(ctx, sector, StageCounterfactual, func(ctx context.Context) error {
		fit, err := FitCounterfactual(result.Observed, e.cfg)
		if err != nil {
			return err
		}
		result.Fit = fit
		logger.DebugContext(ctx, "fitted counterfactual",
			"training_bins", fit.TrainingBins,
			"clamped_bins", fit.ClampedBins,
			"iterations", fit.Iterations,
		)
		return nil
	})
	if err != nil {
		return fail(fmt.Errorf("fit counterfactual: %w", err))
	}
	e.collect(ctx, logger, sector, result, result.Fit.Warnings)
	cf := result.Fit.Counterfactual

	err = e.stage(ctx, sector, StageStatistics, func(ctx context.Context) error {
		stats, err := ComputeStatistics(result.Observed, cf, e.cfg.Window, e.cfg)
		if err != nil {
			return err
		}
		result.Statistics = stats
		return nil
	})
	if err != nil {
		return fail(fmt.Errorf("compute statistics: %w", err))
	}
	e.collect(ctx, logger, sector, result, result.Statistics.Warnings)

	err = e.stage(ctx, sector, StageElasticity, func(ctx context.Context) error {
		state, err := Calibrate(result.Statistics, tauE, e.cfg)
		if err != nil {
			return err
		}
		result.Elasticity = state
		return nil
	})
	if err != nil {
		return fail(fmt.Errorf("calibrate elasticity: %w", err))
	}
	e.collect(ctx, logger, sector, result, result.Elasticity.Warnings)

	err = e.stage(ctx, sector, StageMapping, func(ctx context.Context) error {
		mappings, warnings, err := MapFirms(result.Observed, cf, result.Statistics, result.Elasticity, e.cfg.Window, e.cfg)
		if err != nil {
			return err
		}
		result.Mappings = mappings
		e.collect(ctx, logger, sector, result, warnings)
		return nil
	})
	if err != nil {
		return fail(fmt.Errorf("map firms: %w", err))
	}

	if in.Policy != nil {
		err = e.stage(ctx, sector, StageSimulation, func(ctx context.Context) error {
			policy, err := Simulate(cf, result.Elasticity.Sigma, tauE, *in.Policy, e.cfg)
			if err != nil {
				return err
			}
			result.Policy = policy
			return nil
		})
		if err != nil {
			return fail(fmt.Errorf("simulate policy: %w", err))
		}
		e.collect(ctx, logger, sector, result, result.Policy.Warnings)
	}

	result.Duration = time.Since(start)
	span.SetAttributes(
		attribute.Float64("bunching.sigma", result.Elasticity.Sigma),
		attribute.Float64("bunching.displaced_share", result.Elasticity.DisplacedShare),
		attribute.Int("bunching.warnings", len(result.Warnings)),
	)
	logger.InfoContext(ctx, "bunching analysis completed",
		"duration", result.Duration,
		"excess_mass", result.Statistics.Excess,
		"missing_mass", result.Statistics.Missing,
		"bunching_ratio", result.Statistics.Ratio,
		"sigma", result.Elasticity.Sigma,
		"displaced_share", result.Elasticity.DisplacedShare,
		"warnings", len(result.Warnings),
	)
	return result, nil
}

// Simulate runs a policy simulation against a completed result's counterfactual
func (e *Engine) Simulate(ctx context.Context, r *Result, in PolicyInput) (*PolicyResult, error) {
	if r == nil || r.Fit == nil {
		return nil, apperrors.NewValidationError(string(StageSimulation), "simulation needs a fitted result")
	}
	var policy *PolicyResult
	err := e.stage(ctx, r.Sector, StageSimulation, func(ctx context.Context) error {
		var err error
		policy, err = Simulate(r.Fit.Counterfactual, r.Elasticity.Sigma, r.Elasticity.EffectiveWedge, in, e.cfg)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("simulate policy: %w", err)
	}
	for _, w := range policy.Warnings {
		e.warn(ctx, e.logger.With("sector", r.Sector), r.Sector, w)
	}
	return policy, nil
}

func (e *Engine) resolveWedge(in RunInput) (float64, []Warning, error) {
	switch {
	case in.Wedge != nil && in.EffectiveWedge != nil:
		return 0, nil, apperrors.NewConfigError(string(StageElasticity), "set either wedge components or an effective wedge, not both", nil)
	case in.Wedge != nil:
		return ValidateWedge(*in.Wedge)
	case in.EffectiveWedge != nil:
		if err := checkWedgeDomain(*in.EffectiveWedge); err != nil {
			return 0, nil, err
		}
		return *in.EffectiveWedge, nil, nil
	default:
		return 0, nil, apperrors.NewConfigError(string(StageElasticity), "an effective wedge or its components are required", nil)
	}
}

// stage runs fn inside a span and records its duration
func (e *Engine) stage(ctx context.Context, sector string, stage Stage, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s cancelled: %w", stage, err)
	}

	ctx, span := e.tracer.Start(ctx, "bunching."+string(stage),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("bunching.sector", sector),
			attribute.String("bunching.stage", string(stage)),
		),
	)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if e.recorder != nil {
		e.recorder.RecordStage(ctx, sector, string(stage), time.Since(start), err)
	}
	return err
}

func (e *Engine) collect(ctx context.Context, logger *slog.Logger, sector string, r *Result, warnings []Warning) {
	for _, w := range warnings {
		e.warn(ctx, logger, sector, w)
	}
	r.Warnings = append(r.Warnings, warnings...)
}

func (e *Engine) warn(ctx context.Context, logger *slog.Logger, sector string, w Warning) {
	logger.WarnContext(ctx, w.Message,
		"stage", string(w.Stage),
		"code", w.Code,
		"value", w.Value,
	)
	trace.SpanFromContext(ctx).AddEvent("bunching.warning", trace.WithAttributes(
		attribute.String("bunching.stage", string(w.Stage)),
		attribute.String("bunching.code", w.Code),
		attribute.Float64("bunching.value", w.Value),
	))
	if e.recorder != nil {
		e.recorder.RecordWarning(ctx, sector, string(w.Stage), w.Code)
	}
}
