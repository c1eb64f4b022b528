package bunching

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "notchsim/internal/errors"
)

func TestMapFirms_Spike(t *testing.T) {
	cfg := unitConfig()
	obs := histogram(t, cfg, spikeCounts())
	cf := histogram(t, cfg, flatCounts(50, 50))

	stats, err := ComputeStatistics(obs, cf, cfg.Window, cfg)
	require.NoError(t, err)
	state := ElasticityState{EffectiveWedge: 0.05, DisplacedShare: 1.0 / 3.0}

	mappings, warnings, err := MapFirms(obs, cf, stats, state, cfg.Window, cfg)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	require.Len(t, mappings, 50)

	probSum := 0.0
	prevRank := 0.0
	for i, m := range mappings {
		mid := float64(i) + 0.5
		assert.Equal(t, mid, m.Observed)
		if i < 20 || i >= 25 {
			assert.False(t, m.InLowerWindow, "bin %d", i)
			assert.Equal(t, 0.0, m.Probability, "bin %d", i)
			assert.Equal(t, mid, m.Displaced, "bin %d", i)
			assert.Equal(t, mid, m.Expected, "bin %d", i)
			continue
		}
		assert.True(t, m.InLowerWindow)
		assert.InDelta(t, 1.0/15.0, m.Probability, 1e-12, "equal excess in every bunching bin")
		assert.Greater(t, m.Rank, prevRank, "ranks increase with turnover")
		assert.GreaterOrEqual(t, m.Displaced, cfg.Window.Threshold, "displaced turnover lies above the threshold")
		assert.Greater(t, m.Expected, m.Observed)
		prevRank = m.Rank
		probSum += m.Probability
	}
	assert.InDelta(t, 1.0/3.0, probSum, 1e-12)

	// base quantile F(25) = 0.5, missing share 50/2500
	first, last := mappings[20], mappings[24]
	assert.InDelta(t, 0.2, first.Rank, 1e-12)
	assert.InDelta(t, 25.2, first.Displaced, 1e-9)
	assert.InDelta(t, 1.0, last.Rank, 1e-12)
	assert.InDelta(t, 26.0, last.Displaced, 1e-9)
	assert.InDelta(t, 24.6, last.Expected, 1e-9)
}

func TestMapFirms_NoBunching(t *testing.T) {
	cfg := unitConfig()
	flat := histogram(t, cfg, flatCounts(50, 50))

	stats, err := ComputeStatistics(flat, flat, cfg.Window, cfg)
	require.NoError(t, err)

	mappings, warnings, err := MapFirms(flat, flat, stats, ElasticityState{DisplacedShare: 0.25}, cfg.Window, cfg)
	require.NoError(t, err)
	assert.Empty(t, warnings)

	lower := 0
	for _, m := range mappings {
		assert.Equal(t, 0.0, m.Probability)
		assert.Equal(t, m.Observed, m.Displaced)
		assert.Equal(t, m.Observed, m.Expected)
		if m.InLowerWindow {
			lower++
		}
	}
	assert.Equal(t, 5, lower)
}

func TestMapFirms_ClampsTargetQuantile(t *testing.T) {
	cfg := unitConfig()
	obs := histogram(t, cfg, spikeCounts())
	cf := histogram(t, cfg, flatCounts(50, 50))

	// an inflated missing mass pushes targets past the top of the distribution
	stats := Statistics{QNObs: 300, QNCF: 250, QRObs: 200, QRCF: 250, Missing: 2000}
	mappings, warnings, err := MapFirms(obs, cf, stats, ElasticityState{DisplacedShare: 0.5}, cfg.Window, cfg)
	require.NoError(t, err)

	require.NotEmpty(t, warnings)
	for _, w := range warnings {
		assert.Equal(t, WarnTargetQuantileClamped, w.Code)
		assert.Equal(t, StageMapping, w.Stage)
		assert.Greater(t, w.Value, 1.0)
	}
	assert.Equal(t, 50.0, mappings[24].Displaced)
}

func TestMapFirms_Errors(t *testing.T) {
	cfg := unitConfig()
	flat := histogram(t, cfg, flatCounts(50, 50))
	empty := histogram(t, cfg, make([]float64, 50))

	_, _, err := MapFirms(flat, empty, Statistics{}, ElasticityState{}, cfg.Window, cfg)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeDegenerateInput))

	_, _, err = MapFirms(flat, flat, Statistics{}, ElasticityState{DisplacedShare: 1}, cfg.Window, cfg)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeConfig))
	assert.Equal(t, string(StageMapping), apperrors.StageOf(err))

	_, _, err = MapFirms(nil, flat, Statistics{}, ElasticityState{}, cfg.Window, cfg)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeValidation))
}

func TestExpectedTurnover(t *testing.T) {
	assert.InDelta(t, 90.4, ExpectedTurnover(88, 0.3, 96), 1e-9)
	assert.Equal(t, 88.0, ExpectedTurnover(88, 0, 96))
	assert.Equal(t, 96.0, ExpectedTurnover(88, 1, 96))
}

func TestResult_LowerWindowMappings(t *testing.T) {
	r := &Result{Mappings: []FirmMapping{
		{Observed: 1},
		{Observed: 2, InLowerWindow: true},
		{Observed: 3, InLowerWindow: true},
		{Observed: 4},
	}}

	lower := r.LowerWindowMappings()
	require.Len(t, lower, 2)
	assert.Equal(t, 2.0, lower[0].Observed)
	assert.Equal(t, 3.0, lower[1].Observed)
}
