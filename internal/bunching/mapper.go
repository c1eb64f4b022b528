package bunching

import (
	"math"

	apperrors "notchsim/internal/errors"
)

// MapFirms assigns every bin a bunching probability, a rank among bunchers and
// an expected counterfactual turnover.
//
// Only bins in the lower half-window are displaced. Every other bin maps to
// itself with π = 0. When the excess mass is zero (within cfg.ZeroTolerance of
// the counterfactual total) no bin is displaced.
func MapFirms(obs, cf *Distribution, s Statistics, e ElasticityState, w Window, cfg Config) ([]FirmMapping, []Warning, error) {
	if err := validatePair(StageMapping, obs, cf); err != nil {
		return nil, nil, err
	}
	total := cf.Total()
	if total <= 0 {
		return nil, nil, apperrors.NewDegenerateInputError(string(StageMapping), "counterfactual distribution has no mass")
	}
	if e.DisplacedShare < 0 || e.DisplacedShare >= 1 {
		return nil, nil, apperrors.NewConfigError(string(StageMapping), "displaced share must lie in [0,1)", nil).
			WithContext("pi", e.DisplacedShare)
	}

	excess := 0.0
	for i, b := range obs.bins {
		if w.InLower(b.Mid()) {
			excess += math.Max(b.Count-cf.bins[i].Count, 0)
		}
	}
	noBunching := nearZero(excess, total, cfg.ZeroTolerance)

	base := cf.CDF(w.Threshold)
	missingShare := s.Missing / total

	var warnings []Warning
	mappings := make([]FirmMapping, obs.Len())
	cum := 0.0
	for i, b := range obs.bins {
		mid := b.Mid()
		m := FirmMapping{
			Lo:        b.Lo,
			Hi:        b.Hi,
			Observed:  mid,
			Displaced: mid,
			Expected:  mid,
		}
		if !w.InLower(mid) {
			mappings[i] = m
			continue
		}
		m.InLowerWindow = true
		if noBunching {
			mappings[i] = m
			continue
		}

		binExcess := math.Max(b.Count-cf.bins[i].Count, 0)
		cum += binExcess
		m.Rank = math.Min(cum/excess, 1)
		m.Probability = e.DisplacedShare * binExcess / excess

		target := base + m.Rank*missingShare
		if target > 1 {
			warnings = append(warnings, newWarning(StageMapping, WarnTargetQuantileClamped, target,
				"target quantile %.6g for bin at %.6g exceeds 1", target, mid))
			target = 1
		}
		displaced, err := cf.InvCDF(target)
		if err != nil {
			return nil, nil, err
		}
		m.Displaced = displaced
		m.Expected = ExpectedTurnover(mid, m.Probability, displaced)
		mappings[i] = m
	}
	return mappings, warnings, nil
}

// ExpectedTurnover returns E[T_cf | T_obs] = (1-π)·T_obs + π·displaced
func ExpectedTurnover(observed, probability, displaced float64) float64 {
	if probability == 0 {
		return observed
	}
	return (1-probability)*observed + probability*displaced
}
