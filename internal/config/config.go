package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v2"

	"notchsim/internal/bunching"
	apperrors "notchsim/internal/errors"
)

// EnvPrefix namespaces all environment overrides, e.g. NOTCH_ANALYSIS_BIN_WIDTH
const EnvPrefix = "NOTCH"

// Config represents the complete application configuration
type Config struct {
	Analysis  AnalysisConfig  `yaml:"analysis" toml:"analysis" envconfig:"ANALYSIS"`
	Wedge     WedgeConfig     `yaml:"wedge" toml:"wedge" envconfig:"WEDGE"`
	Policy    PolicyConfig    `yaml:"policy" toml:"policy" envconfig:"POLICY"`
	Batch     BatchConfig     `yaml:"batch" toml:"batch" envconfig:"BATCH"`
	Sectors   SectorsConfig   `yaml:"sectors" toml:"sectors" envconfig:"SECTORS"`
	Input     InputConfig     `yaml:"input" toml:"input" envconfig:"INPUT"`
	Output    OutputConfig    `yaml:"output" toml:"output" envconfig:"OUTPUT"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging" envconfig:"LOGGING"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry" envconfig:"TELEMETRY"`
}

// AnalysisConfig holds the grid, window and estimator settings
type AnalysisConfig struct {
	BinWidth       float64          `yaml:"bin_width" toml:"bin_width" split_words:"true" validate:"gt=0"`
	SupportMin     float64          `yaml:"support_min" toml:"support_min" split_words:"true" validate:"gte=0"`
	SupportMax     float64          `yaml:"support_max" toml:"support_max" split_words:"true" validate:"gtfield=SupportMin"`
	Threshold      float64          `yaml:"threshold" toml:"threshold" split_words:"true" validate:"gt=0"`
	WindowLeft     float64          `yaml:"window_left" toml:"window_left" split_words:"true" validate:"gte=0"`
	WindowRight    float64          `yaml:"window_right" toml:"window_right" split_words:"true" validate:"gte=0"`
	PolyOrder      int              `yaml:"poly_order" toml:"poly_order" split_words:"true" validate:"gte=0,lte=20"`
	ZeroTolerance  float64          `yaml:"zero_tolerance" toml:"zero_tolerance" split_words:"true" validate:"gte=0"`
	RatioTolerance float64          `yaml:"ratio_tolerance" toml:"ratio_tolerance" split_words:"true" validate:"gte=0"`
	MassTolerance  float64          `yaml:"mass_tolerance" toml:"mass_tolerance" split_words:"true" validate:"gt=0"`
	Refinement     RefinementConfig `yaml:"refinement" toml:"refinement" envconfig:"REFINEMENT"`
}

// RefinementConfig controls the integration-constraint loop
type RefinementConfig struct {
	Enabled       bool    `yaml:"enabled" toml:"enabled" split_words:"true"`
	MaxIterations int     `yaml:"max_iterations" toml:"max_iterations" split_words:"true" validate:"gte=1"`
	Tolerance     float64 `yaml:"tolerance" toml:"tolerance" split_words:"true" validate:"gt=0"`
}

// WedgeConfig holds the externally estimated wedge inputs shared by all sectors.
// Effective, when set, bypasses the component formula.
type WedgeConfig struct {
	Rate           float64  `yaml:"rate" toml:"rate" split_words:"true" validate:"gte=0,lte=1"`
	B2CShare       float64  `yaml:"b2c_share" toml:"b2c_share" envconfig:"B2C_SHARE" validate:"gte=0,lte=1"`
	InputCostShare float64  `yaml:"input_cost_share" toml:"input_cost_share" split_words:"true" validate:"gte=0,lte=1"`
	Effective      *float64 `yaml:"effective" toml:"effective,omitempty" split_words:"true" validate:"omitempty,gt=-1"`
}

// PolicyConfig describes an optional threshold sweep
type PolicyConfig struct {
	Enabled        bool      `yaml:"enabled" toml:"enabled" split_words:"true"`
	Thresholds     []float64 `yaml:"thresholds" toml:"thresholds" split_words:"true" validate:"required_if=Enabled true,dive,gt=0"`
	WindowLeft     float64   `yaml:"window_left" toml:"window_left" split_words:"true" validate:"gte=0"`
	WindowRight    float64   `yaml:"window_right" toml:"window_right" split_words:"true" validate:"gte=0"`
	Rule           string    `yaml:"rule" toml:"rule" split_words:"true" validate:"oneof=ratio share"`
	EffectiveWedge *float64  `yaml:"effective_wedge" toml:"effective_wedge,omitempty" split_words:"true" validate:"omitempty,gt=-1"`
}

// BatchConfig controls concurrent sector runs
type BatchConfig struct {
	MaxConcurrency int  `yaml:"max_concurrency" toml:"max_concurrency" split_words:"true" validate:"gte=0"`
	FailFast       bool `yaml:"fail_fast" toml:"fail_fast" split_words:"true"`
}

// SectorsConfig overrides entries of the built-in sector table. Unset
// defaults keep the built-in values.
type SectorsConfig struct {
	PassThrough        map[string]float64 `yaml:"pass_through" toml:"pass_through" split_words:"true" validate:"dive,gte=0"`
	VATEligibleShare   map[string]float64 `yaml:"vat_eligible_share" toml:"vat_eligible_share" split_words:"true" validate:"dive,gte=0,lte=1"`
	DefaultPassThrough *float64           `yaml:"default_pass_through,omitempty" toml:"default_pass_through,omitempty" split_words:"true" validate:"omitempty,gte=0"`
	DefaultVATEligible *float64           `yaml:"default_vat_eligible,omitempty" toml:"default_vat_eligible,omitempty" split_words:"true" validate:"omitempty,gte=0,lte=1"`
}

// InputConfig locates the firm table and names its columns
type InputConfig struct {
	Path           string `yaml:"path" toml:"path" split_words:"true"`
	Format         string `yaml:"format" toml:"format" split_words:"true" validate:"omitempty,oneof=csv xlsx"`
	Sheet          string `yaml:"sheet" toml:"sheet" split_words:"true"`
	TurnoverColumn string `yaml:"turnover_column" toml:"turnover_column" split_words:"true" validate:"required"`
	WeightColumn   string `yaml:"weight_column" toml:"weight_column" split_words:"true"`
	SectorColumn   string `yaml:"sector_column" toml:"sector_column" split_words:"true"`
	BinLoColumn    string `yaml:"bin_lo_column" toml:"bin_lo_column" split_words:"true" validate:"required"`
	CountColumn    string `yaml:"count_column" toml:"count_column" split_words:"true" validate:"required"`
}

// OutputConfig controls where records are written
type OutputConfig struct {
	Dir    string `yaml:"dir" toml:"dir" split_words:"true" validate:"required"`
	Format string `yaml:"format" toml:"format" split_words:"true" validate:"oneof=csv xlsx"`
	Prefix string `yaml:"prefix" toml:"prefix" split_words:"true"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" toml:"level" split_words:"true" validate:"oneof=debug info warn warning error"`
	Format   string `yaml:"format" toml:"format" split_words:"true" validate:"oneof=json text"`
	Output   string `yaml:"output" toml:"output" split_words:"true" validate:"oneof=console file both"`
	FilePath string `yaml:"file_path" toml:"file_path" split_words:"true" validate:"required_unless=Output console"`
}

// TelemetryConfig contains OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled" toml:"enabled" split_words:"true"`
	ServiceName    string  `yaml:"service_name" toml:"service_name" split_words:"true" validate:"required"`
	ServiceVersion string  `yaml:"service_version" toml:"service_version" split_words:"true"`
	Environment    string  `yaml:"environment" toml:"environment" split_words:"true"`
	TraceExporter  string  `yaml:"trace_exporter" toml:"trace_exporter" split_words:"true" validate:"oneof=stdout none"`
	MetricExporter string  `yaml:"metric_exporter" toml:"metric_exporter" split_words:"true" validate:"oneof=prometheus none"`
	SampleRatio    float64 `yaml:"sample_ratio" toml:"sample_ratio" split_words:"true" validate:"gte=0,lte=1"`
}

// Default returns default configuration
func Default() *Config {
	analysis := bunching.DefaultConfig()
	return &Config{
		Analysis: AnalysisConfig{
			BinWidth:       analysis.BinWidth,
			SupportMin:     analysis.SupportMin,
			SupportMax:     analysis.SupportMax,
			Threshold:      analysis.Window.Threshold,
			WindowLeft:     analysis.Window.Left,
			WindowRight:    analysis.Window.Right,
			PolyOrder:      analysis.PolyOrder,
			ZeroTolerance:  analysis.ZeroTolerance,
			RatioTolerance: analysis.RatioTolerance,
			MassTolerance:  analysis.MassTolerance,
			Refinement: RefinementConfig{
				Enabled:       analysis.Refinement.Enabled,
				MaxIterations: analysis.Refinement.MaxIterations,
				Tolerance:     analysis.Refinement.Tolerance,
			},
		},
		Wedge: WedgeConfig{
			Rate:           0.20,
			B2CShare:       0.50,
			InputCostShare: 0.40,
		},
		Policy: PolicyConfig{
			WindowLeft:  analysis.Window.Left,
			WindowRight: analysis.Window.Right,
			Rule:        string(bunching.RelocateRatio),
		},
		Batch: BatchConfig{
			MaxConcurrency: 0,
			FailFast:       false,
		},
		Input: InputConfig{
			TurnoverColumn: "turnover",
			WeightColumn:   "weight",
			SectorColumn:   "sector",
			BinLoColumn:    "bin_lo",
			CountColumn:    "count",
		},
		Output: OutputConfig{
			Dir:    "output",
			Format: "csv",
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "console",
			FilePath: "logs/notchsim.log",
		},
		Telemetry: TelemetryConfig{
			Enabled:        false,
			ServiceName:    "notchsim",
			ServiceVersion: "dev",
			Environment:    "development",
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			SampleRatio:    1.0,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML or TOML file
// and NOTCH_* environment variables, in increasing order of precedence.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, apperrors.NewConfigError("", "failed to load config from env", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFromFile decodes a YAML or TOML file on top of cfg. Keys absent from the
// file keep their current values.
func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return apperrors.NewConfigError("", "failed to read config file", err).WithContext("path", path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.UnmarshalStrict(data, cfg)
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		return apperrors.NewConfigError("", fmt.Sprintf("unsupported config file extension %q", filepath.Ext(path)), nil).
			WithContext("path", path)
	}
	if err != nil {
		return apperrors.NewConfigError("", "failed to parse config file", err).WithContext("path", path)
	}
	return nil
}

// Validate checks struct tags and the cross-field rules the tags cannot express
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return apperrors.NewConfigError("", "config validation failed", err)
	}

	a := c.Analysis
	if a.Threshold <= a.SupportMin || a.Threshold >= a.SupportMax {
		return apperrors.NewConfigError("", "threshold must lie strictly inside the support", nil).
			WithContext("threshold", a.Threshold)
	}
	if a.Threshold-a.WindowLeft < a.SupportMin || a.Threshold+a.WindowRight > a.SupportMax {
		return apperrors.NewConfigError("", "support must cover the exclusion window", nil).
			WithContext("window_lower", a.Threshold-a.WindowLeft).
			WithContext("window_upper", a.Threshold+a.WindowRight)
	}
	if !divides(a.SupportMax-a.SupportMin, a.BinWidth) {
		return apperrors.NewConfigError("", "bin width must divide the support range", nil).
			WithContext("bin_width", a.BinWidth)
	}
	if c.Policy.Enabled {
		for _, t := range c.Policy.Thresholds {
			if t <= a.SupportMin || t >= a.SupportMax {
				return apperrors.NewConfigError("", "policy threshold must lie strictly inside the support", nil).
					WithContext("threshold", t)
			}
		}
	}
	return nil
}

// AnalysisConfig converts to the immutable engine configuration
func (c *Config) AnalysisConfig() bunching.Config {
	a := c.Analysis
	return bunching.Config{
		BinWidth:   a.BinWidth,
		SupportMin: a.SupportMin,
		SupportMax: a.SupportMax,
		Window: bunching.Window{
			Threshold: a.Threshold,
			Left:      a.WindowLeft,
			Right:     a.WindowRight,
		},
		PolyOrder:      a.PolyOrder,
		ZeroTolerance:  a.ZeroTolerance,
		RatioTolerance: a.RatioTolerance,
		MassTolerance:  a.MassTolerance,
		Refinement: bunching.RefinementConfig{
			Enabled:       a.Refinement.Enabled,
			MaxIterations: a.Refinement.MaxIterations,
			Tolerance:     a.Refinement.Tolerance,
		},
	}
}

// SectorTable returns the built-in sector table with configured overrides applied
func (c *Config) SectorTable() bunching.SectorTable {
	return bunching.DefaultSectorTable().Merge(bunching.SectorOverrides{
		PassThrough:        c.Sectors.PassThrough,
		VATEligibleShare:   c.Sectors.VATEligibleShare,
		DefaultPassThrough: c.Sectors.DefaultPassThrough,
		DefaultVATEligible: c.Sectors.DefaultVATEligible,
	})
}

// PolicyInputs expands the policy section into one input per threshold
func (c *Config) PolicyInputs() []bunching.PolicyInput {
	if !c.Policy.Enabled {
		return nil
	}
	inputs := make([]bunching.PolicyInput, 0, len(c.Policy.Thresholds))
	for _, t := range c.Policy.Thresholds {
		inputs = append(inputs, bunching.PolicyInput{
			Window: bunching.Window{
				Threshold: t,
				Left:      c.Policy.WindowLeft,
				Right:     c.Policy.WindowRight,
			},
			EffectiveWedge: c.Policy.EffectiveWedge,
			Rule:           bunching.RelocationRule(c.Policy.Rule),
		})
	}
	return inputs
}

// BatchOptions converts the batch section for the engine
func (c *Config) BatchOptions() bunching.BatchOptions {
	opts := bunching.DefaultBatchOptions()
	if c.Batch.MaxConcurrency > 0 {
		opts.MaxConcurrency = c.Batch.MaxConcurrency
	}
	opts.FailFast = c.Batch.FailFast
	return opts
}

// divides reports whether step divides span up to floating-point noise
func divides(span, step float64) bool {
	n := span / step
	r := n - float64(int64(n+0.5))
	return r < 1e-9*n+1e-9 && r > -(1e-9*n+1e-9)
}
