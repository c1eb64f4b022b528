package bunching

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	apperrors "notchsim/internal/errors"
)

var (
	kernel3 = []float64{1, 2, 1}
	kernel5 = []float64{1, 2, 3, 2, 1}
)

// Simulate relocates counterfactual mass to create bunching at a new threshold.
//
// The calibrated σ is held fixed and Π' is recomputed from the reform wedge.
// Mass is taken from the new upper half-window (scaled by a common factor),
// spread over the new lower half-window with inverse-distance weights
// 1/max(T*'-T, Δ/2), and each half-window is smoothed with a 3-point then a
// 5-point weighted moving average renormalized to its pre-pass mass.
// Total mass must match the counterfactual within cfg.MassTolerance.
func Simulate(cf *Distribution, sigma, tauE float64, in PolicyInput, cfg Config) (*PolicyResult, error) {
	if cf == nil || cf.Len() == 0 {
		return nil, apperrors.NewValidationError(string(StageSimulation), "counterfactual distribution is empty")
	}
	if cf.Total() <= 0 {
		return nil, apperrors.NewDegenerateInputError(string(StageSimulation), "counterfactual distribution has no mass")
	}
	lo, hi := cf.Support()
	if err := validateWindow(StageSimulation, in.Window, lo, hi); err != nil {
		return nil, err
	}

	rule := in.Rule
	if rule == "" {
		rule = RelocateRatio
	}
	if !rule.IsValid() {
		return nil, apperrors.NewConfigError(string(StageSimulation), fmt.Sprintf("unknown relocation rule %q", rule), nil)
	}

	if in.EffectiveWedge != nil {
		tauE = *in.EffectiveWedge
	}
	if isBad(tauE) || 1+tauE <= 0 {
		return nil, apperrors.NewConfigError(string(StageSimulation), "reform wedge must satisfy 1+tau_e > 0", nil).
			WithContext("tau_e", tauE)
	}
	if isBad(sigma) || sigma < 0 {
		return nil, apperrors.NewConfigError(string(StageSimulation), "simulation needs a finite non-negative sigma", nil).
			WithContext("sigma", sigma)
	}
	pi, err := DisplacedShare(sigma, tauE)
	if err != nil {
		return nil, err
	}

	w := in.Window
	counts := cf.Counts()
	lowerStart, lowerEnd := halfWindowRange(cf, w.InLower)
	upperStart, upperEnd := halfWindowRange(cf, w.InUpper)

	qN := floats.Sum(counts[lowerStart:lowerEnd])
	qR := floats.Sum(counts[upperStart:upperEnd])
	if qN <= 0 {
		return nil, apperrors.NewDegenerateInputError(string(StageSimulation), "no counterfactual mass below the new threshold").
			WithContext("window", w.String())
	}

	relocated := 0.0
	switch rule {
	case RelocateShare:
		relocated = pi * qR
	case RelocateRatio:
		relocated = pi * qR / (1 + (1-pi)*qR/qN)
	}

	result := &PolicyResult{
		Window:         w,
		EffectiveWedge: tauE,
		DisplacedShare: pi,
		Relocated:      relocated,
	}

	if relocated > 0 {
		factor := 1 - relocated/qR
		for i := upperStart; i < upperEnd; i++ {
			counts[i] *= factor
		}

		eps := cf.Width() / 2
		weights := make([]float64, lowerEnd-lowerStart)
		for i := lowerStart; i < lowerEnd; i++ {
			weights[i-lowerStart] = 1 / math.Max(w.Threshold-cf.bins[i].Mid(), eps)
		}
		wsum := floats.Sum(weights)
		for i := lowerStart; i < lowerEnd; i++ {
			counts[i] += relocated * weights[i-lowerStart] / wsum
		}
	}

	for _, kernel := range [][]float64{kernel3, kernel5} {
		smoothRange(counts, lowerStart, lowerEnd, kernel)
		smoothRange(counts, upperStart, upperEnd, kernel)
	}

	if err := checkMassConservation(cf.Total(), floats.Sum(counts), cfg.MassTolerance); err != nil {
		return nil, err
	}

	fNew, err := cf.WithCounts(counts)
	if err != nil {
		return nil, apperrors.NewInvariantViolationError(string(StageSimulation), err.Error())
	}
	stats, err := ComputeStatistics(fNew, cf, w, cfg)
	if err != nil {
		return nil, err
	}

	result.Distribution = fNew
	result.Statistics = stats
	result.Warnings = stats.Warnings
	return result, nil
}

// checkMassConservation fails when the simulated mass drifts from the
// counterfactual mass by more than tol relative
func checkMassConservation(before, after, tol float64) error {
	if isBad(after) || math.Abs(after-before) > tol*math.Max(1, before) {
		return apperrors.NewInvariantViolationError(string(StageSimulation), "simulated distribution does not conserve mass").
			WithContext("counterfactual_mass", before).
			WithContext("simulated_mass", after)
	}
	return nil
}

// halfWindowRange returns the contiguous bin index range [start, end) whose
// midpoints satisfy in
func halfWindowRange(d *Distribution, in func(mid float64) bool) (int, int) {
	start, end := -1, -1
	for i, b := range d.bins {
		if in(b.Mid()) {
			if start < 0 {
				start = i
			}
			end = i + 1
		}
	}
	if start < 0 {
		return 0, 0
	}
	return start, end
}

// smoothRange applies a weighted moving average to counts[start:end], truncating
// the kernel at the range edges, and rescales the range to its original mass.
func smoothRange(counts []float64, start, end int, kernel []float64) {
	if end-start < 2 {
		return
	}
	half := len(kernel) / 2
	before := floats.Sum(counts[start:end])
	out := make([]float64, end-start)
	for i := start; i < end; i++ {
		acc, wsum := 0.0, 0.0
		for k := -half; k <= half; k++ {
			j := i + k
			if j < start || j >= end {
				continue
			}
			acc += kernel[k+half] * counts[j]
			wsum += kernel[k+half]
		}
		out[i-start] = acc / wsum
	}
	after := floats.Sum(out)
	if after <= 0 {
		return
	}
	scale := before / after
	for i := range out {
		counts[start+i] = out[i] * scale
	}
}
