package bunching

import (
	"fmt"
	"math"

	apperrors "notchsim/internal/errors"
)

// WedgeParameters are the externally estimated components of the effective wedge
type WedgeParameters struct {
	Rate             float64 `json:"tau" yaml:"rate" toml:"rate"`                              // τ
	B2CShare         float64 `json:"lambda" yaml:"b2c_share" toml:"b2c_share"`                 // λ
	PassThrough      float64 `json:"rho" yaml:"pass_through" toml:"pass_through"`              // ρ
	InputCostShare   float64 `json:"s_c" yaml:"input_cost_share" toml:"input_cost_share"`      // s_c
	VATEligibleShare float64 `json:"v" yaml:"vat_eligible_share" toml:"vat_eligible_share"`    // v
}

// Effective returns τ_e = λ(1-ρ)τ - τ·s_c·v
func (p WedgeParameters) Effective() float64 {
	return p.B2CShare*(1-p.PassThrough)*p.Rate - p.Rate*p.InputCostShare*p.VATEligibleShare
}

// ValidateWedge derives τ_e and checks it lies in the domain of the power law.
// A pass-through outside [0,1] is flagged but kept: overshifting is rare but real.
func ValidateWedge(p WedgeParameters) (float64, []Warning, error) {
	for name, v := range map[string]float64{
		"rate": p.Rate, "b2c_share": p.B2CShare, "pass_through": p.PassThrough,
		"input_cost_share": p.InputCostShare, "vat_eligible_share": p.VATEligibleShare,
	} {
		if isBad(v) {
			return 0, nil, apperrors.NewConfigError(string(StageElasticity), fmt.Sprintf("wedge component %s is not finite", name), nil)
		}
	}

	var warnings []Warning
	if p.PassThrough < 0 || p.PassThrough > 1 {
		warnings = append(warnings, newWarning(StageElasticity, WarnPassThroughRange, p.PassThrough,
			"pass-through %.4g lies outside [0,1]", p.PassThrough))
	}
	shares := []struct {
		name  string
		value float64
	}{
		{"b2c_share", p.B2CShare},
		{"input_cost_share", p.InputCostShare},
		{"vat_eligible_share", p.VATEligibleShare},
	}
	for _, s := range shares {
		if s.value < 0 || s.value > 1 {
			warnings = append(warnings, newWarning(StageElasticity, WarnShareRange, s.value,
				"%s %.4g lies outside [0,1]", s.name, s.value))
		}
	}

	tauE := p.Effective()
	if err := checkWedgeDomain(tauE); err != nil {
		return 0, warnings, err
	}
	return tauE, warnings, nil
}

func checkWedgeDomain(tauE float64) error {
	if isBad(tauE) || 1+tauE <= 0 {
		return apperrors.NewConfigError(string(StageElasticity), "effective wedge must satisfy 1+tau_e > 0", nil).
			WithContext("tau_e", tauE)
	}
	return nil
}

// Calibrate computes σ = ln((q_R_cf/q_N_cf)/(q_R_obs/q_N_obs)) / ln(1+τ_e) and
// the aggregate displaced share Π = 1-(1+τ_e)^(-σ).
//
// Equal ratios give σ = 0 exactly. A negative σ is kept and flagged, and Π is
// then reported as 0 since it is only defined for σ ≥ 0.
func Calibrate(s Statistics, tauE float64, cfg Config) (ElasticityState, error) {
	if err := checkWedgeDomain(tauE); err != nil {
		return ElasticityState{}, err
	}
	if s.QNObs <= 0 || s.QNCF <= 0 || s.QRObs <= 0 || s.QRCF <= 0 {
		return ElasticityState{}, apperrors.NewConfigError(string(StageElasticity), "window masses must all be positive", nil).
			WithContext("q_n_obs", s.QNObs).
			WithContext("q_n_cf", s.QNCF).
			WithContext("q_r_obs", s.QRObs).
			WithContext("q_r_cf", s.QRCF)
	}

	state := ElasticityState{EffectiveWedge: tauE}

	ratio := (s.QRCF / s.QNCF) / (s.QRObs / s.QNObs)
	if math.Abs(ratio-1) <= cfg.RatioTolerance {
		return state, nil
	}

	logWedge := math.Log1p(tauE)
	if logWedge == 0 {
		return ElasticityState{}, apperrors.NewConfigError(string(StageElasticity), "a zero wedge cannot rationalize a distorted mass ratio", nil).
			WithContext("mass_ratio", ratio)
	}
	state.Sigma = math.Log(ratio) / logWedge

	if state.Sigma < 0 {
		state.Warnings = append(state.Warnings,
			newWarning(StageElasticity, WarnNegativeSigma, state.Sigma,
				"sigma %.6g is negative: the observed ratio exceeds the counterfactual under this wedge", state.Sigma),
			newWarning(StageElasticity, WarnDisplacedUndefined, state.Sigma,
				"displaced share is undefined for negative sigma and is reported as zero"))
		return state, nil
	}

	pi, err := DisplacedShare(state.Sigma, tauE)
	if err != nil {
		return ElasticityState{}, err
	}
	state.DisplacedShare = pi
	if tauE < 0 {
		state.Warnings = append(state.Warnings, newWarning(StageElasticity, WarnDisplacedUndefined, tauE,
			"negative wedge %.4g implies no displacement below the threshold", tauE))
	}
	return state, nil
}

// DisplacedShare returns Π = 1-(1+τ_e)^(-σ) clamped to [0,1)
func DisplacedShare(sigma, tauE float64) (float64, error) {
	if err := checkWedgeDomain(tauE); err != nil {
		return 0, err
	}
	if isBad(sigma) || sigma < 0 {
		return 0, apperrors.NewConfigError(string(StageElasticity), "displaced share needs a finite non-negative sigma", nil).
			WithContext("sigma", sigma)
	}
	pi := -math.Expm1(-sigma * math.Log1p(tauE))
	if pi < 0 {
		pi = 0
	}
	if pi >= 1 {
		pi = math.Nextafter(1, 0)
	}
	return pi, nil
}

// SigmaFromDisplacedShare inverts Π = 1-(1+τ_e)^(-σ)
func SigmaFromDisplacedShare(pi, tauE float64) (float64, error) {
	if err := checkWedgeDomain(tauE); err != nil {
		return 0, err
	}
	if isBad(pi) || pi < 0 || pi >= 1 {
		return 0, apperrors.NewConfigError(string(StageElasticity), "displaced share must lie in [0,1)", nil).
			WithContext("pi", pi)
	}
	if pi == 0 {
		return 0, nil
	}
	logWedge := math.Log1p(tauE)
	if logWedge == 0 {
		return 0, apperrors.NewConfigError(string(StageElasticity), "a zero wedge cannot rationalize a positive displaced share", nil)
	}
	return -math.Log1p(-pi) / logWedge, nil
}
