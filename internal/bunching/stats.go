package bunching

import (
	"math"

	apperrors "notchsim/internal/errors"
)

// ComputeStatistics integrates the observed and counterfactual densities over
// the lower and upper half-windows of w.
//
// Negative bunching ratios and negative net excess or missing mass are
// reported as warnings; they point at a misspecified window or an unstable
// fit and are not errors. Values within cfg.ZeroTolerance of zero, relative to
// the counterfactual mass below the threshold, are reported as exactly zero.
func ComputeStatistics(obs, cf *Distribution, w Window, cfg Config) (Statistics, error) {
	if err := validatePair(StageStatistics, obs, cf); err != nil {
		return Statistics{}, err
	}
	if !w.IsValid() {
		return Statistics{}, apperrors.NewValidationError(string(StageStatistics), "window sizes must be finite and non-negative").
			WithContext("window", w.String())
	}

	var s Statistics
	netExcess, netMissing := 0.0, 0.0
	for i, b := range obs.bins {
		mid := b.Mid()
		o, c := b.Count, cf.bins[i].Count
		switch {
		case w.InLower(mid):
			s.QNObs += o
			s.QNCF += c
			s.Excess += math.Max(o-c, 0)
			netExcess += o - c
		case w.InUpper(mid):
			s.QRObs += o
			s.QRCF += c
			s.Missing += math.Max(c-o, 0)
			netMissing += c - o
		}
	}

	if s.QNCF <= 0 {
		return Statistics{}, apperrors.NewDegenerateInputError(string(StageStatistics), "no counterfactual mass below the threshold").
			WithContext("window", w.String())
	}
	ref := s.QNCF
	tol := cfg.ZeroTolerance
	snap := func(v float64) float64 {
		if nearZero(v, ref, tol) {
			return 0
		}
		return v
	}
	s.Excess = snap(s.Excess)
	s.Missing = snap(s.Missing)
	netExcess = snap(netExcess)
	netMissing = snap(netMissing)
	if nearZero(s.QNObs-s.QNCF, ref, tol) {
		s.Ratio = 0
	} else {
		s.Ratio = (s.QNObs - s.QNCF) / s.QNCF
	}

	if s.Ratio < 0 {
		s.Warnings = append(s.Warnings, newWarning(StageStatistics, WarnNegativeBunching, s.Ratio,
			"bunching ratio %.6g is negative", s.Ratio))
	}
	if netExcess < 0 {
		s.Warnings = append(s.Warnings, newWarning(StageStatistics, WarnNegativeNetExcess, netExcess,
			"observed mass below the threshold falls short of the counterfactual by %.6g", -netExcess))
	}
	if netMissing < 0 {
		s.Warnings = append(s.Warnings, newWarning(StageStatistics, WarnNegativeNetMissing, netMissing,
			"observed mass above the threshold exceeds the counterfactual by %.6g", -netMissing))
	}
	return s, nil
}

// WindowRatio is the descriptive below/above observed mass ratio inside the
// window, returned with its relative excess ratio-1.
func WindowRatio(d *Distribution, w Window) (ratio, relativeExcess float64, err error) {
	if d == nil {
		return 0, 0, apperrors.NewValidationError(string(StageStatistics), "distribution is required")
	}
	below := d.massWhere(w.InLower)
	above := d.massWhere(w.InUpper)
	if below <= 0 || above <= 0 {
		return 0, 0, apperrors.NewDegenerateInputError(string(StageStatistics), "window ratio needs mass on both sides of the threshold").
			WithContext("below", below).
			WithContext("above", above)
	}
	ratio = below / above
	return ratio, ratio - 1, nil
}
