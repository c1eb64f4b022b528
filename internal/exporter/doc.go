// Package exporter writes bunching results as flat record tables.
//
// A Writer emits one file per table into the configured output directory,
// either as CSV (UTF-8 with a BOM so spreadsheet tools detect the encoding) or
// as a single-sheet XLSX workbook:
//
//   - bins: observed and counterfactual count per bin
//   - mappings: per-bin counterfactual turnover mappings
//   - policy: one row per simulated threshold
//   - policy_bins: the simulated distribution of each scenario
//   - summary: one row per sector run, failures included
//   - warnings: numeric diagnostics raised during the runs
//
// Example usage:
//
//	w, err := exporter.NewWriter(cfg.Output, logger)
//	if err != nil {
//		return err
//	}
//	path, err := w.WriteSummary(batch)
package exporter
