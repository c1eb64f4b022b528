package bunching

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	apperrors "notchsim/internal/errors"
)

// Bin is a half-open turnover interval [Lo, Hi) and its count
type Bin struct {
	Lo    float64 `json:"lo"`
	Hi    float64 `json:"hi"`
	Count float64 `json:"count"`
}

// Mid returns the bin midpoint, used as the bin's turnover position
func (b Bin) Mid() float64 {
	return (b.Lo + b.Hi) / 2
}

// Contains reports whether x lies in [Lo, Hi)
func (b Bin) Contains(x float64) bool {
	return x >= b.Lo && x < b.Hi
}

// cdfPoint pairs a normalized cumulative mass with the edge where it is reached
type cdfPoint struct {
	cum  float64
	edge float64
}

// Distribution is an immutable ordered histogram with its piecewise-linear CDF.
// Nothing outside this file can modify bins or the cumulative array after
// construction; every transformation returns a new Distribution.
type Distribution struct {
	width  float64
	bins   []Bin
	total  float64
	points []cdfPoint // len(bins)+1 entries, first is (0, bins[0].Lo)
}

func newDistribution(width float64, bins []Bin) *Distribution {
	d := &Distribution{
		width: width,
		bins:  bins,
	}

	counts := make([]float64, len(bins))
	for i, b := range bins {
		counts[i] = b.Count
	}
	d.total = floats.Sum(counts)

	d.points = make([]cdfPoint, len(bins)+1)
	if len(bins) == 0 {
		return d
	}
	d.points[0] = cdfPoint{cum: 0, edge: bins[0].Lo}
	running := 0.0
	for i, b := range bins {
		running += b.Count
		cum := 0.0
		if d.total > 0 {
			cum = math.Min(running/d.total, 1)
		}
		d.points[i+1] = cdfPoint{cum: cum, edge: b.Hi}
	}
	if d.total > 0 {
		d.points[len(bins)].cum = 1
	}
	return d
}

// Len returns the number of bins
func (d *Distribution) Len() int {
	return len(d.bins)
}

// Width returns the bin width Δ
func (d *Distribution) Width() float64 {
	return d.width
}

// Total returns the total mass
func (d *Distribution) Total() float64 {
	return d.total
}

// Bin returns bin i
func (d *Distribution) Bin(i int) Bin {
	return d.bins[i]
}

// Bins returns a copy of the bins
func (d *Distribution) Bins() []Bin {
	out := make([]Bin, len(d.bins))
	copy(out, d.bins)
	return out
}

// Counts returns a copy of the bin counts
func (d *Distribution) Counts() []float64 {
	out := make([]float64, len(d.bins))
	for i, b := range d.bins {
		out[i] = b.Count
	}
	return out
}

// Support returns the lower edge of the first bin and upper edge of the last
func (d *Distribution) Support() (float64, float64) {
	if len(d.bins) == 0 {
		return 0, 0
	}
	return d.bins[0].Lo, d.bins[len(d.bins)-1].Hi
}

// CumulativeAt returns the normalized CDF at the right edge of bin i
func (d *Distribution) CumulativeAt(i int) float64 {
	return d.points[i+1].cum
}

// Mean returns the count-weighted mean bin midpoint
func (d *Distribution) Mean() float64 {
	if d.total <= 0 {
		return math.NaN()
	}
	mids := make([]float64, len(d.bins))
	for i, b := range d.bins {
		mids[i] = b.Mid()
	}
	return stat.Mean(mids, d.Counts())
}

// CDF evaluates the normalized cumulative distribution at x, interpolating
// linearly inside each bin. A distribution with no mass has CDF 0 everywhere.
func (d *Distribution) CDF(x float64) float64 {
	if len(d.bins) == 0 || d.total <= 0 {
		return 0
	}
	lo, hi := d.Support()
	if x <= lo {
		return 0
	}
	if x >= hi {
		return 1
	}
	i := sort.Search(len(d.bins), func(k int) bool { return d.bins[k].Hi > x })
	b := d.bins[i]
	frac := (x - b.Lo) / (b.Hi - b.Lo)
	return d.points[i].cum + frac*(d.points[i+1].cum-d.points[i].cum)
}

// InvCDF returns the smallest turnover at which the CDF reaches p, by binary
// search over the cumulative array and linear interpolation between edges.
func (d *Distribution) InvCDF(p float64) (float64, error) {
	if d.total <= 0 {
		return 0, apperrors.NewDegenerateInputError(string(StageMapping), "cannot invert the CDF of a distribution with zero mass")
	}
	if isBad(p) || p < 0 || p > 1 {
		return 0, apperrors.NewValidationError(string(StageMapping), "quantile outside [0,1]").WithContext("p", p)
	}

	k := sort.Search(len(d.points), func(i int) bool { return d.points[i].cum >= p })
	if k == 0 {
		return d.points[0].edge, nil
	}
	if k == len(d.points) {
		return d.points[len(d.points)-1].edge, nil
	}
	prev, next := d.points[k-1], d.points[k]
	frac := (p - prev.cum) / (next.cum - prev.cum)
	return prev.edge + frac*(next.edge-prev.edge), nil
}

// WithCounts returns a new distribution on the same grid with different counts
func (d *Distribution) WithCounts(counts []float64) (*Distribution, error) {
	if len(counts) != len(d.bins) {
		return nil, apperrors.NewValidationError(string(StageBinning), "count vector does not match the bin grid").
			WithContext("bins", len(d.bins)).
			WithContext("counts", len(counts))
	}
	bins := make([]Bin, len(d.bins))
	for i, b := range d.bins {
		if isBad(counts[i]) || counts[i] < 0 {
			return nil, apperrors.NewValidationError(string(StageBinning), "bin counts must be finite and non-negative").
				WithContext("bin", i).
				WithContext("count", counts[i])
		}
		bins[i] = Bin{Lo: b.Lo, Hi: b.Hi, Count: counts[i]}
	}
	return newDistribution(d.width, bins), nil
}

// SameGrid reports whether two distributions share bin edges
func (d *Distribution) SameGrid(other *Distribution) bool {
	if other == nil || len(d.bins) != len(other.bins) || d.width != other.width {
		return false
	}
	for i := range d.bins {
		if d.bins[i].Lo != other.bins[i].Lo || d.bins[i].Hi != other.bins[i].Hi {
			return false
		}
	}
	return true
}

// massWhere sums counts for bins whose midpoint satisfies keep
func (d *Distribution) massWhere(keep func(mid float64) bool) float64 {
	sum := 0.0
	for _, b := range d.bins {
		if keep(b.Mid()) {
			sum += b.Count
		}
	}
	return sum
}
