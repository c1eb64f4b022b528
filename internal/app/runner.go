package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"notchsim/internal/bunching"
	"notchsim/internal/config"
	"notchsim/internal/dataset"
	apperrors "notchsim/internal/errors"
	"notchsim/internal/exporter"
	"notchsim/internal/infrastructure"
)

// MetricsFile is the Prometheus text file written next to the records
const MetricsFile = "metrics.prom"

// Runner wires configuration, logging, telemetry, the dataset loader, the
// bunching engine and the record writer into one non-interactive run.
type Runner struct {
	Config        *config.Config
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders
	Metrics       *infrastructure.AnalysisMetrics
	Engine        *bunching.Engine
	Loader        *dataset.Loader
	Writer        *exporter.Writer
}

// Option configures a Runner
type Option func(*runnerOptions)

type runnerOptions struct {
	logger *slog.Logger
}

// WithLogger uses logger instead of initializing the global one from config
func WithLogger(logger *slog.Logger) Option {
	return func(o *runnerOptions) {
		o.logger = logger
	}
}

// Report is the outcome of one Run
type Report struct {
	TraceID  string
	Batch    []bunching.BatchResult
	Sweeps   []exporter.SectorSweep
	Files    []string
	Failed   int
	Duration time.Duration
}

// Results returns the successful sector results in input order
func (r *Report) Results() []*bunching.Result {
	out := make([]*bunching.Result, 0, len(r.Batch))
	for _, br := range r.Batch {
		if br.Err == nil && br.Result != nil {
			out = append(out, br.Result)
		}
	}
	return out
}

// New loads configuration from path (empty for defaults and environment only)
// and creates a Runner
func New(path string, opts ...Option) (*Runner, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return NewRunner(cfg, opts...)
}

// NewRunner creates a Runner from a validated configuration
func NewRunner(cfg *config.Config, opts ...Option) (*Runner, error) {
	var o runnerOptions
	for _, opt := range opts {
		opt(&o)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := o.logger
	if logger == nil {
		var err error
		logger, err = infrastructure.InitializeLogger(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
	}

	providers, err := infrastructure.InitializeOTel(cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	metrics, err := infrastructure.NewAnalysisMetrics(providers.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create analysis metrics: %w", err)
	}

	engine, err := bunching.NewEngine(cfg.AnalysisConfig(), logger,
		bunching.WithRecorder(metrics),
		bunching.WithTracer(providers.Tracer),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	writer, err := exporter.NewWriter(cfg.Output, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create record writer: %w", err)
	}

	return &Runner{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: providers,
		Metrics:       metrics,
		Engine:        engine,
		Loader:        dataset.NewLoader(dataset.OptionsFromConfig(cfg.Input), logger),
		Writer:        writer,
	}, nil
}

// Run loads the configured firm table and analyses it
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	if r.Config.Input.Path == "" {
		return nil, apperrors.NewConfigError("", "input path is required", nil)
	}
	samples, err := r.Loader.Load(r.Config.Input.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to load firm table: %w", err)
	}
	return r.RunSamples(ctx, samples)
}

// RunSamples analyses every sector sample, simulates the configured reforms
// and writes the record tables
func (r *Runner) RunSamples(ctx context.Context, samples []bunching.Sample) (*Report, error) {
	start := time.Now()
	ctx, span := r.OTelProviders.Tracer.Start(ctx, "notchsim.analysis",
		trace.WithAttributes(attribute.Int("notchsim.sectors", len(samples))))
	defer span.End()

	// log lines share the OpenTelemetry trace ID when tracing is enabled
	if id := infrastructure.TraceIDFromContext(ctx); id != "" {
		ctx = infrastructure.WithTraceID(ctx, id)
	}
	ctx = infrastructure.EnsureTraceID(ctx)
	report := &Report{TraceID: infrastructure.GetTraceID(ctx)}
	logger := infrastructure.WithFields(r.Logger, map[string]any{
		"component":  "runner",
		"output_dir": r.Config.Output.Dir,
		"format":     r.Writer.Format(),
	})

	logger.InfoContext(ctx, "starting analysis",
		slog.Int("sectors", len(samples)),
		slog.Bool("policy_enabled", r.Config.Policy.Enabled))

	inputs := r.buildInputs(samples)
	batch, err := r.Engine.RunBatch(ctx, inputs, r.Config.BatchOptions())
	report.Batch = batch
	for _, br := range batch {
		var d time.Duration
		if br.Result != nil {
			d = br.Result.Duration
		}
		r.Metrics.RecordRun(ctx, br.Sector, d, br.Err)
		if br.Err != nil {
			report.Failed++
			failLogger := infrastructure.WithError(logger, br.Err)
			if apperrors.IsType(br.Err, apperrors.ErrTypeInvariantViolation) {
				failLogger.ErrorContext(ctx, "sector broke an engine invariant", slog.String("sector", br.Sector))
			} else {
				failLogger.WarnContext(ctx, "sector failed", slog.String("sector", br.Sector))
			}
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return report, fmt.Errorf("batch run: %w", err)
	}

	if policies := r.Config.PolicyInputs(); len(policies) > 0 {
		for _, res := range report.Results() {
			sweep, err := r.Engine.Sweep(ctx, res, policies, r.Config.Batch.MaxConcurrency)
			if err != nil {
				return report, fmt.Errorf("policy sweep for %s: %w", res.Sector, err)
			}
			report.Sweeps = append(report.Sweeps, exporter.SectorSweep{Sector: res.Sector, Results: sweep})
		}
	}

	if err := r.writeRecords(report); err != nil {
		return report, err
	}

	report.Duration = time.Since(start)
	logger.InfoContext(ctx, "analysis completed",
		slog.Int("sectors", len(batch)),
		slog.Int("failed", report.Failed),
		slog.Int("files", len(report.Files)),
		slog.Duration("duration", report.Duration))

	span.SetAttributes(attribute.Int("notchsim.failed", report.Failed))
	if report.Failed == len(batch) && len(batch) > 0 {
		span.SetStatus(codes.Error, "all sectors failed")
		return report, fmt.Errorf("all %d sectors failed: %w", len(batch), batch[0].Err)
	}
	return report, nil
}

// buildInputs attaches a wedge to every sample. A configured effective wedge
// applies to all sectors; otherwise it is derived per sector from the table.
func (r *Runner) buildInputs(samples []bunching.Sample) []bunching.RunInput {
	table := r.Config.SectorTable()
	w := r.Config.Wedge

	inputs := make([]bunching.RunInput, len(samples))
	for i, s := range samples {
		in := bunching.RunInput{Sector: s.Sector, Sample: s}
		if w.Effective != nil {
			tauE := *w.Effective
			in.EffectiveWedge = &tauE
		} else {
			params := table.Wedge(s.Sector, w.Rate, w.B2CShare, w.InputCostShare)
			in.Wedge = &params
		}
		inputs[i] = in
	}
	return inputs
}

func (r *Runner) writeRecords(report *Report) error {
	results := report.Results()
	writes := []func() (string, error){
		func() (string, error) { return r.Writer.WriteSummary(report.Batch) },
		func() (string, error) { return r.Writer.WriteBins(results) },
		func() (string, error) { return r.Writer.WriteMappings(results) },
		func() (string, error) { return r.Writer.WriteWarnings(results) },
	}
	if len(report.Sweeps) > 0 {
		writes = append(writes,
			func() (string, error) { return r.Writer.WritePolicy(report.Sweeps) },
			func() (string, error) { return r.Writer.WritePolicyBins(report.Sweeps) },
		)
	}

	for _, write := range writes {
		path, err := write()
		if err != nil {
			return fmt.Errorf("failed to write records: %w", err)
		}
		report.Files = append(report.Files, path)
	}

	if r.OTelProviders.Registry != nil {
		path := filepath.Join(r.Config.Output.Dir, MetricsFile)
		if err := r.OTelProviders.WriteMetrics(path); err != nil {
			return fmt.Errorf("failed to write metrics: %w", err)
		}
		report.Files = append(report.Files, path)
	}
	return nil
}

// Stop flushes telemetry and closes the log file
func (r *Runner) Stop(ctx context.Context) error {
	var errs []error
	if r.OTelProviders != nil {
		if err := r.OTelProviders.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := infrastructure.CloseLogFile(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Execute runs once, cancelling on SIGINT or SIGTERM, and always stops the runner
func (r *Runner) Execute() (*Report, error) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	report, runErr := r.Run(ctx)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := r.Stop(stopCtx); err != nil {
		r.Logger.Error("failed to stop cleanly", slog.String("error", err.Error()))
	}
	return report, runErr
}
