package bunching

import (
	"github.com/shopspring/decimal"

	apperrors "notchsim/internal/errors"
)

// grid maps turnover values onto Δ-wide bins using decimal arithmetic so that
// values sitting exactly on an edge (e.g. 90000.3 with Δ=0.1) are never
// pushed into the neighbouring bin by binary rounding.
type grid struct {
	min   decimal.Decimal
	width decimal.Decimal
	n     int
}

func newGrid(cfg Config) (grid, error) {
	minD := decimal.NewFromFloat(cfg.SupportMin)
	width := decimal.NewFromFloat(cfg.BinWidth)
	span := decimal.NewFromFloat(cfg.SupportMax).Sub(minD)
	n := int(span.Div(width).Ceil().IntPart())
	if n <= 0 {
		return grid{}, apperrors.NewValidationError(string(StageBinning), "support range holds no bins")
	}
	return grid{min: minD, width: width, n: n}, nil
}

// edge returns the lower edge of bin i
func (g grid) edge(i int) float64 {
	return g.min.Add(g.width.Mul(decimal.NewFromInt(int64(i)))).InexactFloat64()
}

// position returns (x-min)/Δ exactly
func (g grid) position(x float64) decimal.Decimal {
	return decimal.NewFromFloat(x).Sub(g.min).Div(g.width)
}

// index returns the bin holding x; the support maximum belongs to the last bin
func (g grid) index(x float64) int {
	i := int(g.position(x).Floor().IntPart())
	if i >= g.n {
		i = g.n - 1
	}
	return i
}

func (g grid) bins(counts []float64) []Bin {
	bins := make([]Bin, g.n)
	for i := 0; i < g.n; i++ {
		bins[i] = Bin{Lo: g.edge(i), Hi: g.edge(i + 1), Count: counts[i]}
	}
	return bins
}

// BuildHistogram converts a sample into a uniform-width histogram over the
// configured support. Raw observations are counted (or weighted) into
// half-open bins; pre-binned rows are passed through onto the same grid.
func BuildHistogram(s Sample, cfg Config) (*Distribution, error) {
	if isBad(cfg.BinWidth) || cfg.BinWidth <= 0 {
		return nil, apperrors.NewValidationError(string(StageBinning), "bin width must be positive").
			WithContext("bin_width", cfg.BinWidth)
	}
	if isBad(cfg.SupportMin) || isBad(cfg.SupportMax) || cfg.SupportMin < 0 || cfg.SupportMax <= cfg.SupportMin {
		return nil, apperrors.NewValidationError(string(StageBinning), "invalid support range").
			WithContext("support_min", cfg.SupportMin).
			WithContext("support_max", cfg.SupportMax)
	}
	if s.Size() == 0 {
		return nil, apperrors.NewValidationError(string(StageBinning), "sample is empty")
	}
	if len(s.Observations) > 0 && len(s.Binned) > 0 {
		return nil, apperrors.NewValidationError(string(StageBinning), "sample has both raw observations and pre-binned rows")
	}

	g, err := newGrid(cfg)
	if err != nil {
		return nil, err
	}
	counts := make([]float64, g.n)

	if s.IsBinned() {
		if err := fillBinned(g, cfg, s.Binned, counts); err != nil {
			return nil, err
		}
	} else {
		if err := fillObservations(cfg, g, s, counts); err != nil {
			return nil, err
		}
	}

	return newDistribution(cfg.BinWidth, g.bins(counts)), nil
}

func fillObservations(cfg Config, g grid, s Sample, counts []float64) error {
	if s.Weights != nil && len(s.Weights) != len(s.Observations) {
		return apperrors.NewValidationError(string(StageBinning), "weights must align with observations").
			WithContext("observations", len(s.Observations)).
			WithContext("weights", len(s.Weights))
	}
	for i, x := range s.Observations {
		if isBad(x) {
			return apperrors.NewValidationError(string(StageBinning), "observation is not a finite number").
				WithContext("index", i)
		}
		if x < 0 {
			return apperrors.NewValidationError(string(StageBinning), "negative turnover observation").
				WithContext("index", i).
				WithContext("value", x)
		}
		if x < cfg.SupportMin || x > cfg.SupportMax {
			return apperrors.NewValidationError(string(StageBinning), "support range does not cover the data").
				WithContext("index", i).
				WithContext("value", x)
		}
		w := 1.0
		if s.Weights != nil {
			w = s.Weights[i]
			if isBad(w) || w < 0 {
				return apperrors.NewValidationError(string(StageBinning), "observation weight must be finite and non-negative").
					WithContext("index", i).
					WithContext("weight", w)
			}
		}
		counts[g.index(x)] += w
	}
	return nil
}

func fillBinned(g grid, cfg Config, rows []BinCount, counts []float64) error {
	for i, row := range rows {
		if isBad(row.Lo) || isBad(row.Count) {
			return apperrors.NewValidationError(string(StageBinning), "binned row is not finite").
				WithContext("row", i)
		}
		if row.Lo < 0 || row.Count < 0 {
			return apperrors.NewValidationError(string(StageBinning), "binned rows must be non-negative").
				WithContext("row", i).
				WithContext("bin_lo", row.Lo).
				WithContext("count", row.Count)
		}
		if row.Lo < cfg.SupportMin || row.Lo >= cfg.SupportMax {
			return apperrors.NewValidationError(string(StageBinning), "support range does not cover the data").
				WithContext("row", i).
				WithContext("bin_lo", row.Lo)
		}
		pos := g.position(row.Lo)
		if !pos.Equal(pos.Floor()) {
			return apperrors.NewValidationError(string(StageBinning), "bin edge is not on the configured grid").
				WithContext("row", i).
				WithContext("bin_lo", row.Lo)
		}
		counts[int(pos.IntPart())] += row.Count
	}
	return nil
}
