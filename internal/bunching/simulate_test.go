package bunching

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	apperrors "notchsim/internal/errors"
)

func spikeSigma() float64 {
	return math.Log(1.5) / math.Log(1.05)
}

func TestSimulate_SameThresholdReproducesCalibration(t *testing.T) {
	cfg := unitConfig()
	cf := histogram(t, cfg, flatCounts(50, 50))

	res, err := Simulate(cf, spikeSigma(), 0.05, PolicyInput{Window: cfg.Window}, cfg)
	require.NoError(t, err)

	assert.InDelta(t, 1.0/3.0, res.DisplacedShare, 1e-12)
	assert.InDelta(t, 50.0, res.Relocated, 1e-9)
	assert.InDelta(t, 300.0, res.Statistics.QNObs, 1e-9)
	assert.InDelta(t, 200.0, res.Statistics.QRObs, 1e-9)
	assert.InDelta(t, 0.2, res.Statistics.Ratio, 1e-12)
	assert.InDelta(t, cf.Total(), res.Distribution.Total(), 1e-9)

	// calibrating against the simulated distribution returns the same σ
	state, err := Calibrate(res.Statistics, 0.05, cfg)
	require.NoError(t, err)
	assert.InDelta(t, spikeSigma(), state.Sigma, 1e-9)

	counts := res.Distribution.Counts()
	for i := 0; i < 20; i++ {
		assert.Equal(t, 50.0, counts[i], "bins outside the window are untouched")
	}
	for i := 30; i < 50; i++ {
		assert.Equal(t, 50.0, counts[i])
	}
	for i := 20; i < 25; i++ {
		assert.Greater(t, counts[i], 50.0, "bin %d gains mass", i)
	}
	for i := 25; i < 30; i++ {
		assert.InDelta(t, 40.0, counts[i], 1e-9, "bin %d is scaled down uniformly", i)
	}
}

func TestSimulate_NewThresholdConservesMass(t *testing.T) {
	cfg := unitConfig()
	counts := make([]float64, 50)
	for i := range counts {
		counts[i] = 100 - float64(i)
	}
	cf := histogram(t, cfg, counts)

	for _, rule := range []RelocationRule{RelocateRatio, RelocateShare} {
		t.Run(string(rule), func(t *testing.T) {
			in := PolicyInput{Window: Window{Threshold: 35, Left: 4, Right: 6}, Rule: rule}
			res, err := Simulate(cf, 3, 0.1, in, cfg)
			require.NoError(t, err)

			assert.InDelta(t, cf.Total(), res.Distribution.Total(), 1e-9*cf.Total())
			assert.Greater(t, res.Relocated, 0.0)
			assert.Greater(t, res.Statistics.Ratio, 0.0)
			assert.Empty(t, res.Warnings)
			for _, c := range res.Distribution.Counts() {
				assert.GreaterOrEqual(t, c, 0.0)
			}
			// the original window is left alone
			assert.Equal(t, cf.Counts()[24], res.Distribution.Counts()[24])
		})
	}
}

func TestSimulate_ShareRule(t *testing.T) {
	cfg := unitConfig()
	cf := histogram(t, cfg, flatCounts(50, 50))

	res, err := Simulate(cf, spikeSigma(), 0.05, PolicyInput{Window: cfg.Window, Rule: RelocateShare}, cfg)
	require.NoError(t, err)

	assert.InDelta(t, 250.0/3.0, res.Relocated, 1e-9)
	assert.InDelta(t, 250.0+250.0/3.0, res.Statistics.QNObs, 1e-9)
	assert.InDelta(t, 500.0/3.0, res.Statistics.QRObs, 1e-9)
}

func TestSimulate_ZeroSigmaIsNoOp(t *testing.T) {
	cfg := unitConfig()
	cf := histogram(t, cfg, flatCounts(50, 50))

	res, err := Simulate(cf, 0, 0.05, PolicyInput{Window: Window{Threshold: 30, Left: 5, Right: 5}}, cfg)
	require.NoError(t, err)

	assert.Equal(t, 0.0, res.Relocated)
	assert.Equal(t, 0.0, res.DisplacedShare)
	assert.True(t, floats.EqualApprox(cf.Counts(), res.Distribution.Counts(), 1e-12))
	assert.Equal(t, 0.0, res.Statistics.Ratio)
}

func TestSimulate_ReformWedgeOverride(t *testing.T) {
	cfg := unitConfig()
	cf := histogram(t, cfg, flatCounts(50, 50))

	higher := 0.10
	base, err := Simulate(cf, spikeSigma(), 0.05, PolicyInput{Window: cfg.Window}, cfg)
	require.NoError(t, err)
	reform, err := Simulate(cf, spikeSigma(), 0.05, PolicyInput{Window: cfg.Window, EffectiveWedge: &higher}, cfg)
	require.NoError(t, err)

	assert.Equal(t, 0.10, reform.EffectiveWedge)
	assert.Greater(t, reform.DisplacedShare, base.DisplacedShare)
	assert.Greater(t, reform.Relocated, base.Relocated)
}

func TestSimulate_Errors(t *testing.T) {
	cfg := unitConfig()
	cf := histogram(t, cfg, flatCounts(50, 50))
	empty := histogram(t, cfg, make([]float64, 50))
	bad := -1.5

	tests := []struct {
		name     string
		cf       *Distribution
		sigma    float64
		in       PolicyInput
		wantType apperrors.ErrorType
	}{
		{name: "reform wedge outside domain", cf: cf, sigma: 1, in: PolicyInput{Window: cfg.Window, EffectiveWedge: &bad}, wantType: apperrors.ErrTypeConfig},
		{name: "unknown rule", cf: cf, sigma: 1, in: PolicyInput{Window: cfg.Window, Rule: "proportional"}, wantType: apperrors.ErrTypeConfig},
		{name: "negative sigma", cf: cf, sigma: -2, in: PolicyInput{Window: cfg.Window}, wantType: apperrors.ErrTypeConfig},
		{name: "threshold outside support", cf: cf, sigma: 1, in: PolicyInput{Window: Window{Threshold: 80, Left: 5, Right: 5}}, wantType: apperrors.ErrTypeValidation},
		{name: "no counterfactual mass", cf: empty, sigma: 1, in: PolicyInput{Window: cfg.Window}, wantType: apperrors.ErrTypeDegenerateInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Simulate(tt.cf, tt.sigma, 0.05, tt.in, cfg)
			require.Error(t, err)
			assert.Nil(t, res)
			assert.Equal(t, tt.wantType, apperrors.TypeOf(err), "got %v", err)
		})
	}
}

func TestCheckMassConservation(t *testing.T) {
	assert.NoError(t, checkMassConservation(2500, 2500+1e-8, 1e-9))

	err := checkMassConservation(2500, 2510, 1e-9)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeInvariantViolation))
	assert.Equal(t, string(StageSimulation), apperrors.StageOf(err))

	assert.Error(t, checkMassConservation(2500, math.NaN(), 1e-9))
}

func TestSmoothRange(t *testing.T) {
	counts := []float64{0, 0, 10, 0, 0, 7}
	smoothRange(counts, 0, 5, kernel3)

	assert.InDelta(t, 10.0, floats.Sum(counts[:5]), 1e-12)
	assert.Equal(t, 7.0, counts[5], "outside the range")
	assert.Greater(t, counts[1], 0.0)
	assert.Greater(t, counts[3], 0.0)
	assert.Less(t, counts[2], 10.0)

	single := []float64{3, 4}
	smoothRange(single, 0, 1, kernel5)
	assert.Equal(t, []float64{3, 4}, single)
}

func TestHalfWindowRange(t *testing.T) {
	cfg := unitConfig()
	cf := histogram(t, cfg, flatCounts(50, 50))
	w := Window{Threshold: 25, Left: 3, Right: 7}

	start, end := halfWindowRange(cf, w.InLower)
	assert.Equal(t, 22, start)
	assert.Equal(t, 25, end)

	start, end = halfWindowRange(cf, w.InUpper)
	assert.Equal(t, 25, start)
	assert.Equal(t, 32, end)

	start, end = halfWindowRange(cf, Window{Threshold: 25}.InLower)
	assert.Equal(t, start, end)
}
