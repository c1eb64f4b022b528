package bunching

import (
	"fmt"
	"time"
)

// Stage identifies a pipeline stage in errors, warnings, logs and spans
type Stage string

const (
	StageBinning        Stage = "binning"
	StageCounterfactual Stage = "counterfactual"
	StageStatistics     Stage = "statistics"
	StageElasticity     Stage = "elasticity"
	StageMapping        Stage = "mapping"
	StageSimulation     Stage = "simulation"
)

// String returns the stage name
func (s Stage) String() string {
	return string(s)
}

// Window is the asymmetric interval [Threshold-Left, Threshold+Right) around a notch.
//
// A bin belongs to the lower half-window when its midpoint lies in
// [Threshold-Left, Threshold) and to the upper half-window when its midpoint
// lies in [Threshold, Threshold+Right). A bin starting exactly at the threshold
// is therefore above it.
type Window struct {
	Threshold float64 `json:"threshold" yaml:"threshold" toml:"threshold"`
	Left      float64 `json:"left" yaml:"left" toml:"left"`
	Right     float64 `json:"right" yaml:"right" toml:"right"`
}

// IsValid checks if the window sizes are usable
func (w Window) IsValid() bool {
	return w.Left >= 0 && w.Right >= 0 && !isBad(w.Threshold) && !isBad(w.Left) && !isBad(w.Right)
}

// Lower returns the lower window edge T*-W_left
func (w Window) Lower() float64 {
	return w.Threshold - w.Left
}

// Upper returns the upper window edge T*+W_right
func (w Window) Upper() float64 {
	return w.Threshold + w.Right
}

// InLower reports whether a bin midpoint falls in the lower half-window
func (w Window) InLower(mid float64) bool {
	return mid >= w.Lower() && mid < w.Threshold
}

// InUpper reports whether a bin midpoint falls in the upper half-window
func (w Window) InUpper(mid float64) bool {
	return mid >= w.Threshold && mid < w.Upper()
}

// Contains reports whether a bin midpoint falls anywhere in the window
func (w Window) Contains(mid float64) bool {
	return w.InLower(mid) || w.InUpper(mid)
}

// String returns a compact description of the window
func (w Window) String() string {
	return fmt.Sprintf("[%g-%g, %g+%g)", w.Threshold, w.Left, w.Threshold, w.Right)
}

// RefinementConfig controls the optional integration-constraint refinement
// of the counterfactual fit.
type RefinementConfig struct {
	Enabled       bool    `json:"enabled"`
	MaxIterations int     `json:"max_iterations"`
	Tolerance     float64 `json:"tolerance"`
}

// Config is the immutable configuration shared by every stage of one run.
// It is passed by value and holds no reference types.
type Config struct {
	BinWidth   float64 `json:"bin_width"`
	SupportMin float64 `json:"support_min"`
	SupportMax float64 `json:"support_max"`
	Window     Window  `json:"window"`
	PolyOrder  int     `json:"poly_order"`

	// ZeroTolerance is the relative size below which excess mass counts as zero
	ZeroTolerance float64 `json:"zero_tolerance"`
	// RatioTolerance is the relative gap below which observed and counterfactual
	// mass ratios are treated as equal
	RatioTolerance float64 `json:"ratio_tolerance"`
	// MassTolerance is the relative mass drift allowed by the simulator
	MassTolerance float64 `json:"mass_tolerance"`

	Refinement RefinementConfig `json:"refinement"`
}

const (
	// DefaultZeroTolerance is the epsilon for treating excess mass as zero
	DefaultZeroTolerance = 1e-9
	// DefaultRatioTolerance is the epsilon for treating mass ratios as equal
	DefaultRatioTolerance = 1e-12
	// DefaultMassTolerance is the relative mass conservation tolerance
	DefaultMassTolerance = 1e-6
	// DefaultPolyOrder is the default counterfactual polynomial order
	DefaultPolyOrder = 7
	// DefaultMaxIterations caps the integration-constraint refinement
	DefaultMaxIterations = 200
)

// DefaultConfig returns a configuration for a UK-style VAT notch at 90k with £100 bins
func DefaultConfig() Config {
	return Config{
		BinWidth:       100,
		SupportMin:     50000,
		SupportMax:     130000,
		Window:         Window{Threshold: 90000, Left: 5000, Right: 5000},
		PolyOrder:      DefaultPolyOrder,
		ZeroTolerance:  DefaultZeroTolerance,
		RatioTolerance: DefaultRatioTolerance,
		MassTolerance:  DefaultMassTolerance,
		Refinement: RefinementConfig{
			Enabled:       false,
			MaxIterations: DefaultMaxIterations,
			Tolerance:     1e-8,
		},
	}
}

// WithWindow returns a copy of the configuration centred on a different window
func (c Config) WithWindow(w Window) Config {
	c.Window = w
	return c
}

// BinCount is one pre-aggregated histogram row
type BinCount struct {
	Lo    float64 `json:"bin_lo"`
	Count float64 `json:"count"`
}

// Sample is the raw input of one analysis run. Either Observations or Binned
// is set. Weights, when present, align with Observations.
type Sample struct {
	Sector       string     `json:"sector,omitempty"`
	Observations []float64  `json:"observations,omitempty"`
	Weights      []float64  `json:"weights,omitempty"`
	Binned       []BinCount `json:"binned,omitempty"`
}

// IsBinned reports whether the sample is a pre-aggregated histogram
func (s Sample) IsBinned() bool {
	return len(s.Binned) > 0
}

// Size returns the number of input rows
func (s Sample) Size() int {
	if s.IsBinned() {
		return len(s.Binned)
	}
	return len(s.Observations)
}

// Warning flags a numeric result that signals misspecification rather than failure
type Warning struct {
	Stage   Stage   `json:"stage"`
	Code    string  `json:"code"`
	Message string  `json:"message"`
	Value   float64 `json:"value"`
}

// Warning codes
const (
	WarnNegativePrediction    = "negative_prediction"
	WarnNegativeBunching      = "negative_bunching_ratio"
	WarnNegativeNetExcess     = "negative_net_excess"
	WarnNegativeNetMissing    = "negative_net_missing"
	WarnNegativeSigma         = "negative_sigma"
	WarnPassThroughRange      = "pass_through_out_of_range"
	WarnShareRange            = "share_out_of_range"
	WarnDisplacedUndefined    = "displaced_share_undefined"
	WarnRefinementIterations  = "refinement_iterations"
	WarnTargetQuantileClamped = "target_quantile_clamped"
)

func newWarning(stage Stage, code string, value float64, format string, args ...interface{}) Warning {
	return Warning{
		Stage:   stage,
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Value:   value,
	}
}

// FitResult is the output of the Counterfactual Estimator
type FitResult struct {
	Counterfactual *Distribution `json:"-"`
	Coefficients   []float64     `json:"coefficients"` // in scaled distance from the threshold
	Scale          float64       `json:"scale"`
	TrainingBins   int           `json:"training_bins"`
	ClampedBins    int           `json:"clamped_bins"`
	Iterations     int           `json:"iterations"`
	NetBunching    float64       `json:"net_bunching"`  // integration-constraint mass, 0 when not refined
	WindowScale    float64       `json:"window_scale"`  // factor applied to window bins after clamping
	OutsideScale   float64       `json:"outside_scale"` // factor applied to bins outside the window
	Warnings       []Warning     `json:"warnings,omitempty"`
}

// Statistics holds the window masses and bunching measures
type Statistics struct {
	QNObs    float64   `json:"q_n_obs"`
	QNCF     float64   `json:"q_n_cf"`
	QRObs    float64   `json:"q_r_obs"`
	QRCF     float64   `json:"q_r_cf"`
	Excess   float64   `json:"excess_mass"`  // E
	Missing  float64   `json:"missing_mass"` // ΔR
	Ratio    float64   `json:"bunching_ratio"`
	Warnings []Warning `json:"warnings,omitempty"`
}

// ElasticityState is the calibrated structural parameter and displaced share
type ElasticityState struct {
	EffectiveWedge float64   `json:"effective_wedge"`
	Sigma          float64   `json:"sigma"`
	DisplacedShare float64   `json:"displaced_share"`
	Warnings       []Warning `json:"warnings,omitempty"`
}

// FirmMapping is the per-bin mapping to an expected counterfactual turnover
type FirmMapping struct {
	Lo            float64 `json:"lo"`
	Hi            float64 `json:"hi"`
	Observed      float64 `json:"t_obs"` // bin midpoint
	InLowerWindow bool    `json:"in_lower_window"`
	Probability   float64 `json:"pi"`
	Rank          float64 `json:"u"`
	Displaced     float64 `json:"displaced"`
	Expected      float64 `json:"t_cf_expected"`
}

// RelocationRule selects how much mass the simulator moves below the new threshold
type RelocationRule string

const (
	// RelocateRatio moves the mass that makes the simulated window ratio equal
	// (1-Π')·q_R_cf/q_N_cf, the relation the calibrator inverts
	RelocateRatio RelocationRule = "ratio"
	// RelocateShare moves Π' times the counterfactual mass above the threshold
	RelocateShare RelocationRule = "share"
)

// IsValid checks if the rule is known
func (r RelocationRule) IsValid() bool {
	return r == RelocateRatio || r == RelocateShare
}

// PolicyInput describes one reform scenario
type PolicyInput struct {
	Window         Window         `json:"window"`
	EffectiveWedge *float64       `json:"effective_wedge,omitempty"` // nil keeps the calibrated wedge
	Rule           RelocationRule `json:"rule"`
}

// PolicyResult is the simulated distribution at a new threshold
type PolicyResult struct {
	Window         Window        `json:"window"`
	EffectiveWedge float64       `json:"effective_wedge"`
	DisplacedShare float64       `json:"displaced_share"`
	Relocated      float64       `json:"relocated_mass"`
	Distribution   *Distribution `json:"-"`
	Statistics     Statistics    `json:"statistics"`
	Warnings       []Warning     `json:"warnings,omitempty"`
}

// RunInput is everything one analysis run needs besides the configuration.
// Exactly one of Wedge and EffectiveWedge is set.
type RunInput struct {
	Sector         string           `json:"sector"`
	Sample         Sample           `json:"-"`
	Wedge          *WedgeParameters `json:"wedge,omitempty"`
	EffectiveWedge *float64         `json:"effective_wedge,omitempty"`
	Policy         *PolicyInput     `json:"policy,omitempty"`
}

// Result is the immutable output of one analysis run
type Result struct {
	RunID      string          `json:"run_id"`
	Sector     string          `json:"sector"`
	Config     Config          `json:"config"`
	Observed   *Distribution   `json:"-"`
	Fit        *FitResult      `json:"fit"`
	Statistics Statistics      `json:"statistics"`
	Elasticity ElasticityState `json:"elasticity"`
	Mappings   []FirmMapping   `json:"mappings"`
	Policy     *PolicyResult   `json:"policy,omitempty"`
	Warnings   []Warning       `json:"warnings,omitempty"`
	Duration   time.Duration   `json:"duration"`
}

// LowerWindowMappings returns only the mappings inside the lower half-window
func (r *Result) LowerWindowMappings() []FirmMapping {
	var out []FirmMapping
	for _, m := range r.Mappings {
		if m.InLowerWindow {
			out = append(out, m)
		}
	}
	return out
}
