package bunching

import (
	"math"

	apperrors "notchsim/internal/errors"
)

// maxBins bounds the histogram size so a bad width cannot allocate unbounded memory
const maxBins = 1_000_000

// Validate checks the configuration before any stage runs.
// Grid problems are validation errors; out-of-domain model settings are config errors.
func (c Config) Validate() error {
	if isBad(c.BinWidth) || c.BinWidth <= 0 {
		return apperrors.NewValidationError(string(StageBinning), "bin width must be positive").
			WithContext("bin_width", c.BinWidth)
	}
	if isBad(c.SupportMin) || isBad(c.SupportMax) || c.SupportMax <= c.SupportMin {
		return apperrors.NewValidationError(string(StageBinning), "support maximum must exceed support minimum").
			WithContext("support_min", c.SupportMin).
			WithContext("support_max", c.SupportMax)
	}
	if c.SupportMin < 0 {
		return apperrors.NewValidationError(string(StageBinning), "support must not extend below zero turnover").
			WithContext("support_min", c.SupportMin)
	}
	if (c.SupportMax-c.SupportMin)/c.BinWidth > maxBins {
		return apperrors.NewValidationError(string(StageBinning), "bin width is too small for the support range").
			WithContext("bin_width", c.BinWidth)
	}
	if err := validateWindow(StageCounterfactual, c.Window, c.SupportMin, c.SupportMax); err != nil {
		return err
	}
	if c.PolyOrder < 0 {
		return apperrors.NewConfigError(string(StageCounterfactual), "polynomial order must be non-negative", nil).
			WithContext("poly_order", c.PolyOrder)
	}
	if c.ZeroTolerance < 0 || c.RatioTolerance < 0 || c.MassTolerance <= 0 {
		return apperrors.NewConfigError(string(StageStatistics), "tolerances must be non-negative and mass tolerance positive", nil)
	}
	if c.Refinement.Enabled {
		if c.Refinement.MaxIterations <= 0 {
			return apperrors.NewConfigError(string(StageCounterfactual), "refinement needs a positive iteration cap", nil).
				WithContext("max_iterations", c.Refinement.MaxIterations)
		}
		if c.Refinement.Tolerance <= 0 {
			return apperrors.NewConfigError(string(StageCounterfactual), "refinement tolerance must be positive", nil)
		}
	}
	return nil
}

// validateWindow checks that a window is well formed and its threshold lies in the support
func validateWindow(stage Stage, w Window, supportMin, supportMax float64) error {
	if !w.IsValid() {
		return apperrors.NewValidationError(string(stage), "window sizes must be finite and non-negative").
			WithContext("window", w.String())
	}
	if w.Threshold <= supportMin || w.Threshold >= supportMax {
		return apperrors.NewValidationError(string(stage), "threshold must lie strictly inside the support").
			WithContext("threshold", w.Threshold)
	}
	return nil
}

// validatePair checks that observed and counterfactual share a grid
func validatePair(stage Stage, obs, cf *Distribution) error {
	if obs == nil || cf == nil {
		return apperrors.NewValidationError(string(stage), "observed and counterfactual distributions are required")
	}
	if !obs.SameGrid(cf) {
		return apperrors.NewValidationError(string(stage), "observed and counterfactual distributions use different bins").
			WithContext("observed_bins", obs.Len()).
			WithContext("counterfactual_bins", cf.Len())
	}
	return nil
}

func isBad(v float64) bool {
	return math.IsNaN(v) || math.IsInf(v, 0)
}

// nearZero reports whether v is zero relative to a reference mass
func nearZero(v, reference, tol float64) bool {
	return math.Abs(v) <= tol*math.Max(1, math.Abs(reference))
}
