package bunching

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "notchsim/internal/errors"
)

func TestEngine_RunBatch(t *testing.T) {
	rec := &fakeRecorder{}
	engine, err := NewEngine(unitConfig(), testLogger(), WithRecorder(rec))
	require.NoError(t, err)

	inputs := []RunInput{
		{Sample: spikeSample("G47"), EffectiveWedge: wedge(0.05)},
		{Sample: spikeSample("C10")}, // no wedge
		{Sample: spikeSample("I56"), EffectiveWedge: wedge(0.10)},
		{Sector: "K64", Sample: spikeSample(""), EffectiveWedge: wedge(0.05)},
	}

	results, err := engine.RunBatch(context.Background(), inputs, BatchOptions{MaxConcurrency: 2})
	require.NoError(t, err)
	require.Len(t, results, len(inputs))

	assert.Equal(t, []string{"G47", "C10", "I56", "K64"}, []string{
		results[0].Sector, results[1].Sector, results[2].Sector, results[3].Sector,
	}, "results keep input order")

	assert.NoError(t, results[0].Err)
	assert.Error(t, results[1].Err)
	assert.Nil(t, results[1].Result)
	assert.True(t, apperrors.IsType(results[1].Err, apperrors.ErrTypeConfig))
	assert.NoError(t, results[2].Err)
	assert.NoError(t, results[3].Err)

	assert.InDelta(t, spikeSigma(), results[0].Result.Elasticity.Sigma, 1e-6)
	assert.Less(t, results[2].Result.Elasticity.Sigma, results[0].Result.Elasticity.Sigma,
		"a larger wedge rationalizes the same bunching with a smaller elasticity")
	assert.NotEqual(t, results[0].Result.RunID, results[3].Result.RunID)
}

func TestEngine_RunBatchFailFast(t *testing.T) {
	engine, err := NewEngine(unitConfig(), testLogger())
	require.NoError(t, err)

	inputs := []RunInput{
		{Sample: spikeSample("A")},
		{Sample: spikeSample("B"), EffectiveWedge: wedge(0.05)},
	}

	results, err := engine.RunBatch(context.Background(), inputs, BatchOptions{MaxConcurrency: 1, FailFast: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sector A")
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeConfig))
	require.Len(t, results, 2)
	assert.Error(t, results[0].Err)
	assert.Nil(t, results[1].Result, "remaining runs are cancelled")
}

func TestEngine_RunBatchCancelled(t *testing.T) {
	engine, err := NewEngine(unitConfig(), testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := engine.RunBatch(ctx, []RunInput{{Sample: spikeSample("A"), EffectiveWedge: wedge(0.05)}}, DefaultBatchOptions())
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, results, 1)
	assert.Error(t, results[0].Err)
}

func TestEngine_Sweep(t *testing.T) {
	engine, err := NewEngine(unitConfig(), testLogger())
	require.NoError(t, err)

	result, err := engine.Run(context.Background(), RunInput{Sample: spikeSample("G47"), EffectiveWedge: wedge(0.05)})
	require.NoError(t, err)

	policies := ThresholdGrid(15, 35, 5, 5, 5)
	policies = append(policies, PolicyInput{Window: Window{Threshold: 49, Left: 5, Right: 5}})

	sweep, err := engine.Sweep(context.Background(), result, policies, 3)
	require.NoError(t, err)
	require.Len(t, sweep, 6)

	for i, s := range sweep[:5] {
		assert.Equal(t, policies[i].Window.Threshold, s.Policy.Window.Threshold)
		require.NoError(t, s.Err, "threshold %g", s.Policy.Window.Threshold)
		assert.InDelta(t, 0.2, s.Result.Statistics.Ratio, 1e-6)
		assert.InDelta(t, result.Fit.Counterfactual.Total(), s.Result.Distribution.Total(), 1e-6)
	}
	// the upper half-window at 49 runs off the support but the threshold is inside it
	assert.NoError(t, sweep[5].Err)
}

func TestThresholdGrid(t *testing.T) {
	tests := []struct {
		name           string
		from, to, step float64
		wantThresholds []float64
	}{
		{name: "inclusive end", from: 80000, to: 90000, step: 5000, wantThresholds: []float64{80000, 85000, 90000}},
		{name: "single point", from: 90000, to: 90000, step: 1000, wantThresholds: []float64{90000}},
		{name: "decimal step", from: 0.1, to: 0.3, step: 0.1, wantThresholds: []float64{0.1, 0.2, 0.3}},
		{name: "reversed range", from: 10, to: 5, step: 1, wantThresholds: nil},
		{name: "zero step", from: 1, to: 5, step: 0, wantThresholds: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			grid := ThresholdGrid(tt.from, tt.to, tt.step, 5000, 5000)
			require.Len(t, grid, len(tt.wantThresholds))
			for i, p := range grid {
				assert.InDelta(t, tt.wantThresholds[i], p.Window.Threshold, 1e-9, fmt.Sprintf("point %d", i))
				assert.Equal(t, 5000.0, p.Window.Left)
				assert.Equal(t, RelocateRatio, p.Rule)
			}
		})
	}
}
