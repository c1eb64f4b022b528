package bunching

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	apperrors "notchsim/internal/errors"
)

// rankTolerance is the relative singular-value cutoff for the design matrix
const rankTolerance = 1e-12

// FitCounterfactual estimates the no-notch density by fitting a polynomial of
// order cfg.PolyOrder in the scaled signed distance from the threshold to the
// bins outside the exclusion window, then evaluating it at every bin.
//
// Negative predictions are clamped to zero and reported as warnings. The
// clamped fit is then rescaled so that its total equals the observed total.
// Without refinement the window and the bins outside it are matched
// separately, so the counterfactual window mass equals the observed window
// mass and excess below the threshold is balanced by missing mass above it.
// When cfg.Refinement is enabled the fit is repeated under the integration
// constraint until the net bunching mass settles, and only the total is
// matched.
func FitCounterfactual(obs *Distribution, cfg Config) (*FitResult, error) {
	if obs == nil || obs.Len() == 0 {
		return nil, apperrors.NewValidationError(string(StageCounterfactual), "observed distribution is empty")
	}
	w := cfg.Window
	if err := validateWindow(StageCounterfactual, w, cfg.SupportMin, cfg.SupportMax); err != nil {
		return nil, err
	}
	if cfg.PolyOrder < 0 {
		return nil, apperrors.NewConfigError(string(StageCounterfactual), "polynomial order must be non-negative", nil)
	}

	lo, hi := obs.Support()
	scale := math.Max(math.Abs(lo-w.Threshold), math.Abs(hi-w.Threshold))
	if scale <= 0 {
		scale = 1
	}

	var (
		xs, ys        []float64
		trainIdx      []int
		below, above  int
		aboveObserved float64
	)
	for i, b := range obs.bins {
		mid := b.Mid()
		if w.Contains(mid) {
			continue
		}
		if mid < w.Lower() {
			below++
		} else {
			above++
			aboveObserved += b.Count
		}
		trainIdx = append(trainIdx, i)
		xs = append(xs, (mid-w.Threshold)/scale)
		ys = append(ys, b.Count)
	}

	if below == 0 || above == 0 {
		return nil, apperrors.NewFitError(string(StageCounterfactual), "training bins must lie on both sides of the window").
			WithContext("bins_below", below).
			WithContext("bins_above", above)
	}
	if cfg.PolyOrder >= len(xs) {
		return nil, apperrors.NewFitError(string(StageCounterfactual),
			fmt.Sprintf("order %d needs more than %d training bins", cfg.PolyOrder, len(xs))).
			WithContext("poly_order", cfg.PolyOrder).
			WithContext("training_bins", len(xs))
	}

	result := &FitResult{
		Scale:        scale,
		TrainingBins: len(xs),
	}

	if !cfg.Refinement.Enabled {
		coef, err := fitPolynomial(xs, ys, cfg.PolyOrder)
		if err != nil {
			return nil, err
		}
		return finishFit(obs, cfg, result, coef, 1)
	}

	if aboveObserved <= 0 {
		return nil, apperrors.NewDegenerateInputError(string(StageCounterfactual), "no observed mass above the window to rescale")
	}

	// Integration constraint: bunchers come from above the window, so the
	// counterfactual mass above the window is raised by the net bunching mass.
	upper := w.Upper()
	adjusted := make([]float64, len(ys))
	netBunching := 0.0
	for iter := 1; iter <= cfg.Refinement.MaxIterations; iter++ {
		factor := 1 + netBunching/aboveObserved
		for k, i := range trainIdx {
			adjusted[k] = ys[k]
			if obs.bins[i].Mid() >= upper {
				adjusted[k] = ys[k] * factor
			}
		}
		coef, err := fitPolynomial(xs, adjusted, cfg.PolyOrder)
		if err != nil {
			return nil, err
		}

		next := 0.0
		for _, b := range obs.bins {
			if w.Contains(b.Mid()) {
				next += b.Count - math.Max(evalPolynomial(coef, (b.Mid()-w.Threshold)/scale), 0)
			}
		}
		if math.Abs(next-netBunching) <= cfg.Refinement.Tolerance*math.Max(1, math.Abs(next)) {
			result.NetBunching = next
			return finishFit(obs, cfg, result, coef, iter)
		}
		netBunching = next
	}

	return nil, apperrors.NewConvergenceError(string(StageCounterfactual),
		fmt.Sprintf("integration constraint did not settle within %d iterations", cfg.Refinement.MaxIterations)).
		WithContext("net_bunching", netBunching)
}

func finishFit(obs *Distribution, cfg Config, result *FitResult, coef []float64, iterations int) (*FitResult, error) {
	w := cfg.Window
	counts := make([]float64, obs.Len())
	clamped := 0
	mostNegative := 0.0
	for i, b := range obs.bins {
		v := evalPolynomial(coef, (b.Mid()-w.Threshold)/result.Scale)
		if v < 0 {
			clamped++
			mostNegative = math.Min(mostNegative, v)
			v = 0
		}
		counts[i] = v
	}

	result.WindowScale, result.OutsideScale = conserveMass(obs, counts, w, cfg.Refinement.Enabled)

	cf, err := obs.WithCounts(counts)
	if err != nil {
		return nil, err
	}

	result.Counterfactual = cf
	result.Coefficients = coef
	result.ClampedBins = clamped
	result.Iterations = iterations
	if clamped > 0 {
		result.Warnings = append(result.Warnings, newWarning(StageCounterfactual, WarnNegativePrediction, mostNegative,
			"%d bins had negative predicted counts and were clamped to zero", clamped))
	}
	if cfg.Refinement.Enabled && iterations > cfg.Refinement.MaxIterations/2 {
		result.Warnings = append(result.Warnings, newWarning(StageCounterfactual, WarnRefinementIterations, float64(iterations),
			"integration constraint needed %d of %d iterations", iterations, cfg.Refinement.MaxIterations))
	}
	return result, nil
}

// conserveMass rescales counts in place so their total equals the observed
// total. Unless wholeOnly is set, bins inside and outside the window are
// scaled separately to the observed mass of each part. Parts with no fitted
// mass fall back to a single factor over the whole support.
func conserveMass(obs *Distribution, counts []float64, w Window, wholeOnly bool) (windowScale, outsideScale float64) {
	var obsIn, obsOut, cfIn, cfOut float64
	for i, b := range obs.bins {
		if w.Contains(b.Mid()) {
			obsIn += b.Count
			cfIn += counts[i]
		} else {
			obsOut += b.Count
			cfOut += counts[i]
		}
	}

	windowScale, outsideScale = 1, 1
	switch {
	case !wholeOnly && cfIn > 0 && cfOut > 0:
		windowScale, outsideScale = obsIn/cfIn, obsOut/cfOut
	case cfIn+cfOut > 0:
		s := (obsIn + obsOut) / (cfIn + cfOut)
		windowScale, outsideScale = s, s
	default:
		return windowScale, outsideScale
	}

	for i, b := range obs.bins {
		if w.Contains(b.Mid()) {
			counts[i] *= windowScale
		} else {
			counts[i] *= outsideScale
		}
	}
	return windowScale, outsideScale
}

// fitPolynomial solves the least-squares problem ys ≈ Σ c_k·xs^k via SVD
func fitPolynomial(xs, ys []float64, order int) ([]float64, error) {
	n, m := len(xs), order+1
	X := mat.NewDense(n, m, nil)
	for i, x := range xs {
		p := 1.0
		for k := 0; k < m; k++ {
			X.Set(i, k, p)
			p *= x
		}
	}
	Y := mat.NewDense(n, 1, append([]float64(nil), ys...))

	var svd mat.SVD
	if ok := svd.Factorize(X, mat.SVDThin); !ok {
		return nil, apperrors.NewFitError(string(StageCounterfactual), "SVD factorization of the design matrix failed")
	}
	rank := svd.Rank(rankTolerance)
	if rank < m {
		return nil, apperrors.NewFitError(string(StageCounterfactual), "design matrix is rank deficient").
			WithContext("rank", rank).
			WithContext("columns", m)
	}

	var B mat.Dense
	svd.SolveTo(&B, Y, rank)

	coef := make([]float64, m)
	for k := range coef {
		coef[k] = B.At(k, 0)
	}
	return coef, nil
}

// evalPolynomial evaluates Σ c_k·x^k with Horner's rule
func evalPolynomial(coef []float64, x float64) float64 {
	v := 0.0
	for k := len(coef) - 1; k >= 0; k-- {
		v = v*x + coef[k]
	}
	return v
}
