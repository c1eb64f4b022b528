package bunching

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "notchsim/internal/errors"
)

// unitConfig is a 50-bin support of width 1 with the threshold at 25 and a ±5 window
func unitConfig() Config {
	return Config{
		BinWidth:       1,
		SupportMin:     0,
		SupportMax:     50,
		Window:         Window{Threshold: 25, Left: 5, Right: 5},
		PolyOrder:      2,
		ZeroTolerance:  DefaultZeroTolerance,
		RatioTolerance: DefaultRatioTolerance,
		MassTolerance:  DefaultMassTolerance,
		Refinement: RefinementConfig{
			MaxIterations: DefaultMaxIterations,
			Tolerance:     1e-10,
		},
	}
}

// histogram builds a distribution on cfg's grid from per-bin counts
func histogram(t *testing.T, cfg Config, counts []float64) *Distribution {
	t.Helper()
	rows := make([]BinCount, len(counts))
	for i, c := range counts {
		rows[i] = BinCount{Lo: cfg.SupportMin + float64(i)*cfg.BinWidth, Count: c}
	}
	d, err := BuildHistogram(Sample{Binned: rows}, cfg)
	require.NoError(t, err)
	return d
}

func flatCounts(n int, level float64) []float64 {
	counts := make([]float64, n)
	for i := range counts {
		counts[i] = level
	}
	return counts
}

// spikeCounts is flat 50 with +10 on [20,25) and -10 on [25,30)
func spikeCounts() []float64 {
	counts := flatCounts(50, 50)
	for i := 20; i < 25; i++ {
		counts[i] += 10
	}
	for i := 25; i < 30; i++ {
		counts[i] -= 10
	}
	return counts
}

func TestBuildHistogram_Observations(t *testing.T) {
	cfg := unitConfig()
	sample := Sample{Observations: []float64{0, 0.5, 1, 24.999, 25, 49.9, 50}}

	d, err := BuildHistogram(sample, cfg)
	require.NoError(t, err)

	assert.Equal(t, 50, d.Len())
	assert.Equal(t, 7.0, d.Total())
	counts := d.Counts()
	assert.Equal(t, 2.0, counts[0], "0 and 0.5 share [0,1)")
	assert.Equal(t, 1.0, counts[1])
	assert.Equal(t, 1.0, counts[24])
	assert.Equal(t, 1.0, counts[25], "25 opens the bin [25,26)")
	assert.Equal(t, 2.0, counts[49], "the support maximum falls in the last bin")

	b := d.Bin(25)
	assert.Equal(t, 25.0, b.Lo)
	assert.Equal(t, 26.0, b.Hi)
	assert.True(t, b.Contains(25))
	assert.False(t, b.Contains(26))
}

func TestBuildHistogram_DecimalEdges(t *testing.T) {
	cfg := unitConfig()
	cfg.BinWidth = 0.1
	cfg.SupportMax = 1
	cfg.Window = Window{Threshold: 0.5, Left: 0.1, Right: 0.1}

	// 0.3/0.1 is 2.9999999999999996 in binary floating point
	d, err := BuildHistogram(Sample{Observations: []float64{0.3, 0.7}}, cfg)
	require.NoError(t, err)

	assert.Equal(t, 10, d.Len())
	assert.Equal(t, 1.0, d.Counts()[3])
	assert.Equal(t, 1.0, d.Counts()[7])
	assert.InDelta(t, 0.3, d.Bin(3).Lo, 1e-15)
}

func TestBuildHistogram_Weights(t *testing.T) {
	cfg := unitConfig()
	d, err := BuildHistogram(Sample{
		Observations: []float64{10.2, 10.7, 30},
		Weights:      []float64{1.5, 2.5, 4},
	}, cfg)
	require.NoError(t, err)

	assert.Equal(t, 4.0, d.Counts()[10])
	assert.Equal(t, 4.0, d.Counts()[30])
	assert.Equal(t, 8.0, d.Total())
}

func TestBuildHistogram_Binned(t *testing.T) {
	cfg := unitConfig()
	d, err := BuildHistogram(Sample{Binned: []BinCount{
		{Lo: 3, Count: 7},
		{Lo: 3, Count: 1},
		{Lo: 49, Count: 2},
	}}, cfg)
	require.NoError(t, err)

	assert.Equal(t, 8.0, d.Counts()[3])
	assert.Equal(t, 2.0, d.Counts()[49])
	assert.Equal(t, 10.0, d.Total())
}

func TestBuildHistogram_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		sample Sample
	}{
		{
			name:   "negative observation",
			sample: Sample{Observations: []float64{3, -1}},
		},
		{
			name:   "zero bin width",
			mutate: func(c *Config) { c.BinWidth = 0 },
			sample: Sample{Observations: []float64{3}},
		},
		{
			name:   "negative bin width",
			mutate: func(c *Config) { c.BinWidth = -1 },
			sample: Sample{Observations: []float64{3}},
		},
		{
			name:   "data above support",
			sample: Sample{Observations: []float64{3, 50.5}},
		},
		{
			name:   "data below support",
			mutate: func(c *Config) { c.SupportMin = 10 },
			sample: Sample{Observations: []float64{3}},
		},
		{
			name:   "NaN observation",
			sample: Sample{Observations: []float64{math.NaN()}},
		},
		{
			name:   "misaligned weights",
			sample: Sample{Observations: []float64{1, 2}, Weights: []float64{1}},
		},
		{
			name:   "negative weight",
			sample: Sample{Observations: []float64{1}, Weights: []float64{-1}},
		},
		{
			name:   "off-grid binned row",
			sample: Sample{Binned: []BinCount{{Lo: 2.5, Count: 1}}},
		},
		{
			name:   "negative binned count",
			sample: Sample{Binned: []BinCount{{Lo: 2, Count: -1}}},
		},
		{
			name:   "empty sample",
			sample: Sample{},
		},
		{
			name:   "raw and binned together",
			sample: Sample{Observations: []float64{1}, Binned: []BinCount{{Lo: 2, Count: 1}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := unitConfig()
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}
			d, err := BuildHistogram(tt.sample, cfg)
			require.Error(t, err)
			assert.Nil(t, d)
			assert.True(t, apperrors.IsType(err, apperrors.ErrTypeValidation), "got %v", err)
			assert.Equal(t, string(StageBinning), apperrors.StageOf(err))
		})
	}
}

func TestDistribution_CDF(t *testing.T) {
	cfg := unitConfig()
	d := histogram(t, cfg, spikeCounts())

	assert.Equal(t, 0.0, d.CDF(-1))
	assert.Equal(t, 0.0, d.CDF(0))
	assert.Equal(t, 1.0, d.CDF(50))
	assert.Equal(t, 1.0, d.CDF(80))

	prev := 0.0
	for x := 0.0; x <= 50; x += 0.25 {
		v := d.CDF(x)
		assert.GreaterOrEqual(t, v, prev, "CDF must be non-decreasing at %v", x)
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0)
		prev = v
	}
	for i := 0; i < d.Len(); i++ {
		assert.InDelta(t, d.CDF(d.Bin(i).Hi), d.CumulativeAt(i), 1e-12)
	}
	assert.Equal(t, 1.0, d.CumulativeAt(d.Len()-1))
}

func TestDistribution_InvCDF(t *testing.T) {
	cfg := unitConfig()
	d := histogram(t, cfg, flatCounts(50, 50))

	tests := []struct {
		p    float64
		want float64
	}{
		{0, 0},
		{0.5, 25},
		{0.52, 26},
		{0.504, 25.2},
		{1, 50},
	}
	for _, tt := range tests {
		got, err := d.InvCDF(tt.p)
		require.NoError(t, err)
		assert.InDelta(t, tt.want, got, 1e-9, "InvCDF(%v)", tt.p)
		assert.InDelta(t, tt.p, d.CDF(got), 1e-12, "CDF(InvCDF(%v))", tt.p)
	}

	_, err := d.InvCDF(1.5)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeValidation))
}

func TestDistribution_InvCDFSkipsEmptyBins(t *testing.T) {
	cfg := unitConfig()
	counts := make([]float64, 50)
	counts[10] = 5
	counts[40] = 5
	d := histogram(t, cfg, counts)

	got, err := d.InvCDF(0.5)
	require.NoError(t, err)
	assert.InDelta(t, 11.0, got, 1e-12, "smallest x reaching the quantile")

	got, err = d.InvCDF(0.75)
	require.NoError(t, err)
	assert.InDelta(t, 40.5, got, 1e-12)
}

func TestDistribution_ZeroMass(t *testing.T) {
	cfg := unitConfig()
	d := histogram(t, cfg, make([]float64, 50))

	assert.Equal(t, 0.0, d.CDF(25))
	_, err := d.InvCDF(0.5)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeDegenerateInput))
	assert.True(t, math.IsNaN(d.Mean()))
}

func TestDistribution_Immutability(t *testing.T) {
	cfg := unitConfig()
	d := histogram(t, cfg, flatCounts(50, 2))

	counts := d.Counts()
	counts[0] = 1000
	bins := d.Bins()
	bins[1].Count = 1000

	assert.Equal(t, 2.0, d.Bin(0).Count)
	assert.Equal(t, 2.0, d.Bin(1).Count)
	assert.Equal(t, 100.0, d.Total())

	other, err := d.WithCounts(flatCounts(50, 3))
	require.NoError(t, err)
	assert.Equal(t, 150.0, other.Total())
	assert.Equal(t, 100.0, d.Total())
	assert.True(t, d.SameGrid(other))
	assert.InDelta(t, 25.0, d.Mean(), 1e-12)

	_, err = d.WithCounts([]float64{1})
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeValidation))
	_, err = d.WithCounts(append(flatCounts(49, 1), -1))
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeValidation))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		wantType apperrors.ErrorType
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "default", mutate: func(c *Config) { *c = DefaultConfig() }},
		{name: "zero width", mutate: func(c *Config) { c.BinWidth = 0 }, wantType: apperrors.ErrTypeValidation},
		{name: "inverted support", mutate: func(c *Config) { c.SupportMax = -1 }, wantType: apperrors.ErrTypeValidation},
		{name: "threshold outside support", mutate: func(c *Config) { c.Window.Threshold = 60 }, wantType: apperrors.ErrTypeValidation},
		{name: "negative window", mutate: func(c *Config) { c.Window.Left = -1 }, wantType: apperrors.ErrTypeValidation},
		{name: "negative order", mutate: func(c *Config) { c.PolyOrder = -1 }, wantType: apperrors.ErrTypeConfig},
		{name: "zero mass tolerance", mutate: func(c *Config) { c.MassTolerance = 0 }, wantType: apperrors.ErrTypeConfig},
		{
			name: "refinement without cap",
			mutate: func(c *Config) {
				c.Refinement.Enabled = true
				c.Refinement.MaxIterations = 0
			},
			wantType: apperrors.ErrTypeConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := unitConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantType == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantType, apperrors.TypeOf(err))
		})
	}
}

func TestWindow_Membership(t *testing.T) {
	w := Window{Threshold: 25, Left: 5, Right: 3}

	assert.True(t, w.InLower(20))
	assert.True(t, w.InLower(24.999))
	assert.False(t, w.InLower(25), "the threshold belongs to the upper half-window")
	assert.True(t, w.InUpper(25))
	assert.True(t, w.InUpper(27.9))
	assert.False(t, w.InUpper(28))
	assert.False(t, w.Contains(19.99))
	assert.Equal(t, 20.0, w.Lower())
	assert.Equal(t, 28.0, w.Upper())
	assert.True(t, w.IsValid())
	assert.False(t, Window{Threshold: 1, Left: -1}.IsValid())
}
