package exporter

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"notchsim/internal/bunching"
	"notchsim/internal/config"
	apperrors "notchsim/internal/errors"
)

// Supported output formats
const (
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
)

// Record table names, also used as file base names
const (
	TableBins       = "bins"
	TableMappings   = "mappings"
	TablePolicy     = "policy"
	TablePolicyBins = "policy_bins"
	TableSummary    = "summary"
	TableWarnings   = "warnings"
)

// SectorSweep holds the policy scenarios simulated for one sector
type SectorSweep struct {
	Sector  string
	Results []bunching.SweepResult
}

// Writer emits engine results as flat record tables. Bin edges are half-open
// [lo, hi) and all amounts keep the engine's units and signs.
type Writer struct {
	dir    string
	format string
	prefix string
	csv    *CSVWriter
	xlsx   *XLSXWriter
	logger *slog.Logger
}

// NewWriter creates a record writer for the output configuration
func NewWriter(cfg config.OutputConfig, logger *slog.Logger) (*Writer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	format := cfg.Format
	if format == "" {
		format = FormatCSV
	}
	if format != FormatCSV && format != FormatXLSX {
		return nil, apperrors.NewConfigError("", fmt.Sprintf("unsupported output format %q", format), nil)
	}
	logger = logger.With("component", "exporter")
	return &Writer{
		dir:    cfg.Dir,
		format: format,
		prefix: cfg.Prefix,
		csv:    NewCSVWriter(logger),
		xlsx:   NewXLSXWriter(logger),
		logger: logger,
	}, nil
}

// Format returns the output format, csv or xlsx
func (w *Writer) Format() string {
	return w.format
}

// Path returns the file a table is written to
func (w *Writer) Path(table string) string {
	return filepath.Join(w.dir, w.prefix+table+"."+w.format)
}

var binHeaders = []string{
	"sector", "bin_lo", "bin_hi", "bin_mid", "observed", "counterfactual",
	"in_lower_window", "in_upper_window",
}

// WriteBins writes the observed and counterfactual count of every bin
func (w *Writer) WriteBins(results []*bunching.Result) (string, error) {
	var rows [][]any
	for _, r := range results {
		if r == nil || r.Observed == nil || r.Fit == nil {
			continue
		}
		cf := r.Fit.Counterfactual
		win := r.Config.Window
		for i, b := range r.Observed.Bins() {
			rows = append(rows, []any{
				r.Sector, b.Lo, b.Hi, b.Mid(), b.Count, cf.Bin(i).Count,
				win.InLower(b.Mid()), win.InUpper(b.Mid()),
			})
		}
	}
	return w.write(TableBins, binHeaders, rows)
}

var mappingHeaders = []string{
	"sector", "bin_lo", "bin_hi", "t_obs", "in_lower_window", "pi", "u", "displaced", "t_cf_expected",
}

// WriteMappings writes the per-bin counterfactual turnover mappings
func (w *Writer) WriteMappings(results []*bunching.Result) (string, error) {
	var rows [][]any
	for _, r := range results {
		if r == nil {
			continue
		}
		for _, m := range r.Mappings {
			rows = append(rows, []any{
				r.Sector, m.Lo, m.Hi, m.Observed, m.InLowerWindow, m.Probability, m.Rank, m.Displaced, m.Expected,
			})
		}
	}
	return w.write(TableMappings, mappingHeaders, rows)
}

var policyHeaders = []string{
	"sector", "status", "error", "threshold", "window_left", "window_right", "rule",
	"effective_wedge", "displaced_share", "relocated_mass",
	"q_n_sim", "q_n_cf", "q_r_sim", "q_r_cf", "excess_mass", "missing_mass", "bunching_ratio", "warnings",
}

// WritePolicy writes one summary row per simulated scenario
func (w *Writer) WritePolicy(sweeps []SectorSweep) (string, error) {
	var rows [][]any
	for _, s := range sweeps {
		for _, sr := range s.Results {
			p := sr.Policy
			row := []any{s.Sector, "success", "", p.Window.Threshold, p.Window.Left, p.Window.Right, string(p.Rule)}
			if sr.Err != nil || sr.Result == nil {
				row[1] = "error"
				if sr.Err != nil {
					row[2] = sr.Err.Error()
				}
				row = append(row, nil, nil, nil, nil, nil, nil, nil, nil, nil, nil, 0)
				rows = append(rows, row)
				continue
			}
			pr := sr.Result
			st := pr.Statistics
			row = append(row,
				pr.EffectiveWedge, pr.DisplacedShare, pr.Relocated,
				st.QNObs, st.QNCF, st.QRObs, st.QRCF, st.Excess, st.Missing, st.Ratio,
				len(pr.Warnings),
			)
			rows = append(rows, row)
		}
	}
	return w.write(TablePolicy, policyHeaders, rows)
}

var policyBinHeaders = []string{"sector", "threshold", "bin_lo", "bin_hi", "simulated"}

// WritePolicyBins writes the simulated distribution of every successful scenario
func (w *Writer) WritePolicyBins(sweeps []SectorSweep) (string, error) {
	var rows [][]any
	for _, s := range sweeps {
		for _, sr := range s.Results {
			if sr.Err != nil || sr.Result == nil || sr.Result.Distribution == nil {
				continue
			}
			for _, b := range sr.Result.Distribution.Bins() {
				rows = append(rows, []any{s.Sector, sr.Policy.Window.Threshold, b.Lo, b.Hi, b.Count})
			}
		}
	}
	return w.write(TablePolicyBins, policyBinHeaders, rows)
}

var summaryHeaders = []string{
	"sector", "run_id", "status", "error_type", "error_stage", "error",
	"bins", "total_mass", "threshold", "window_left", "window_right",
	"q_n_obs", "q_n_cf", "q_r_obs", "q_r_cf", "excess_mass", "missing_mass", "bunching_ratio",
	"effective_wedge", "sigma", "displaced_share", "warnings", "duration_ms",
}

// WriteSummary writes one row per sector run, failed runs included
func (w *Writer) WriteSummary(batch []bunching.BatchResult) (string, error) {
	rows := make([][]any, 0, len(batch))
	for _, br := range batch {
		if br.Err != nil || br.Result == nil {
			row := []any{
				br.Sector, "", "error",
				string(apperrors.TypeOf(br.Err)), apperrors.StageOf(br.Err), errorText(br.Err),
			}
			for len(row) < len(summaryHeaders) {
				row = append(row, nil)
			}
			rows = append(rows, row)
			continue
		}

		r := br.Result
		st := r.Statistics
		win := r.Config.Window
		bins, total := 0, 0.0
		if r.Observed != nil {
			bins, total = r.Observed.Len(), r.Observed.Total()
		}
		rows = append(rows, []any{
			r.Sector, r.RunID, "success", "", "", "",
			bins, total, win.Threshold, win.Left, win.Right,
			st.QNObs, st.QNCF, st.QRObs, st.QRCF, st.Excess, st.Missing, st.Ratio,
			r.Elasticity.EffectiveWedge, r.Elasticity.Sigma, r.Elasticity.DisplacedShare,
			len(r.Warnings), r.Duration.Milliseconds(),
		})
	}
	return w.write(TableSummary, summaryHeaders, rows)
}

var warningHeaders = []string{"sector", "run_id", "stage", "code", "value", "message"}

// WriteWarnings writes every diagnostic warning of the given runs
func (w *Writer) WriteWarnings(results []*bunching.Result) (string, error) {
	var rows [][]any
	for _, r := range results {
		if r == nil {
			continue
		}
		for _, wn := range r.Warnings {
			rows = append(rows, []any{r.Sector, r.RunID, string(wn.Stage), wn.Code, wn.Value, wn.Message})
		}
	}
	return w.write(TableWarnings, warningHeaders, rows)
}

func (w *Writer) write(table string, headers []string, rows [][]any) (string, error) {
	path := w.Path(table)

	var err error
	switch w.format {
	case FormatXLSX:
		err = w.xlsx.WriteXLSX(path, table, headers, rows)
	default:
		records := make([][]string, len(rows))
		for i, row := range rows {
			rec := make([]string, len(row))
			for j, v := range row {
				rec[j] = formatCell(v)
			}
			records[i] = rec
		}
		err = w.csv.WriteCSV(path, WriteOptions{Headers: headers, Records: records, BOMPrefix: true})
	}
	if err != nil {
		return "", err
	}

	w.logger.Info("wrote records",
		slog.String("table", table),
		slog.String("path", path),
		slog.Int("rows", len(rows)))
	return path, nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
