package bunching

import (
	"strings"
)

// SectorTable maps SIC code prefixes to pass-through rates and VAT-eligible
// input shares. Lookups use the longest matching prefix, so "G47" overrides "G".
type SectorTable struct {
	PassThrough        map[string]float64 `json:"pass_through" yaml:"pass_through" toml:"pass_through"`
	VATEligibleShare   map[string]float64 `json:"vat_eligible_share" yaml:"vat_eligible_share" toml:"vat_eligible_share"`
	DefaultPassThrough float64            `json:"default_pass_through" yaml:"default_pass_through" toml:"default_pass_through"`
	DefaultVATEligible float64            `json:"default_vat_eligible" yaml:"default_vat_eligible" toml:"default_vat_eligible"`
}

// DefaultSectorTable returns UK-calibrated defaults by SIC 2007 section and division
func DefaultSectorTable() SectorTable {
	return SectorTable{
		PassThrough: map[string]float64{
			"G47": 0.90, // retail
			"G":   0.85, // wholesale and motor trade
			"C10": 0.80, // food manufacturing
			"C11": 0.80, // beverages
			"C":   0.85,
			"I56": 0.35, // food and beverage service
			"I":   0.40,
			"M":   0.45,
			"K":   0.40,
			"H":   0.70,
			"J":   0.65,
			"N":   0.60,
			"Q":   0.50,
			"R":   0.45,
			"S":   0.45,
			"D":   0.90,
			"E":   0.90,
		},
		VATEligibleShare: map[string]float64{
			"K":    0.30, // financial services, largely exempt
			"Q":    0.40, // health
			"P":    0.35, // education
			"L68A": 0.00, // imputed rent
		},
		DefaultPassThrough: 0.70,
		DefaultVATEligible: 0.95,
	}
}

// PassThroughFor returns the pass-through rate for a SIC code
func (t SectorTable) PassThroughFor(code string) float64 {
	if v, ok := lookupPrefix(t.PassThrough, code); ok {
		return v
	}
	return t.DefaultPassThrough
}

// VATEligibleShareFor returns the VAT-eligible input share for a SIC code
func (t SectorTable) VATEligibleShareFor(code string) float64 {
	if v, ok := lookupPrefix(t.VATEligibleShare, code); ok {
		return v
	}
	return t.DefaultVATEligible
}

// Wedge assembles wedge parameters for a sector from the table and the
// sector's externally estimated rate, B2C share and input-cost share.
func (t SectorTable) Wedge(code string, rate, b2cShare, inputCostShare float64) WedgeParameters {
	return WedgeParameters{
		Rate:             rate,
		B2CShare:         b2cShare,
		PassThrough:      t.PassThroughFor(code),
		InputCostShare:   inputCostShare,
		VATEligibleShare: t.VATEligibleShareFor(code),
	}
}

// SectorOverrides replaces entries of a SectorTable. Nil defaults keep the
// base table's defaults; a non-nil zero is applied.
type SectorOverrides struct {
	PassThrough        map[string]float64
	VATEligibleShare   map[string]float64
	DefaultPassThrough *float64
	DefaultVATEligible *float64
}

// Merge returns a table where entries from override replace entries in t
func (t SectorTable) Merge(override SectorOverrides) SectorTable {
	out := SectorTable{
		PassThrough:        make(map[string]float64, len(t.PassThrough)+len(override.PassThrough)),
		VATEligibleShare:   make(map[string]float64, len(t.VATEligibleShare)+len(override.VATEligibleShare)),
		DefaultPassThrough: t.DefaultPassThrough,
		DefaultVATEligible: t.DefaultVATEligible,
	}
	for k, v := range t.PassThrough {
		out.PassThrough[normalizeCode(k)] = v
	}
	for k, v := range override.PassThrough {
		out.PassThrough[normalizeCode(k)] = v
	}
	for k, v := range t.VATEligibleShare {
		out.VATEligibleShare[normalizeCode(k)] = v
	}
	for k, v := range override.VATEligibleShare {
		out.VATEligibleShare[normalizeCode(k)] = v
	}
	if override.DefaultPassThrough != nil {
		out.DefaultPassThrough = *override.DefaultPassThrough
	}
	if override.DefaultVATEligible != nil {
		out.DefaultVATEligible = *override.DefaultVATEligible
	}
	return out
}

func lookupPrefix(table map[string]float64, code string) (float64, bool) {
	code = normalizeCode(code)
	best, found := 0.0, false
	bestLen := 0
	for prefix, v := range table {
		p := normalizeCode(prefix)
		if p != "" && strings.HasPrefix(code, p) && len(p) > bestLen {
			best, bestLen, found = v, len(p), true
		}
	}
	return best, found
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
