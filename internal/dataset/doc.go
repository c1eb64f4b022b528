// Package dataset reads firm tables from CSV or XLSX into bunching samples.
//
// A table either lists one firm per row (a turnover column, optionally a weight)
// or pre-aggregated bins (a bin lower edge and a count). An optional sector
// column splits the rows into one sample per sector, kept in order of first
// appearance. Malformed cells fail with a PARSING error naming the row.
package dataset
