package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/xuri/excelize/v2"

	"notchsim/internal/bunching"
	"notchsim/internal/config"
	apperrors "notchsim/internal/errors"
)

// Supported table formats
const (
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
)

// Options names the columns of a firm table. Column names match
// case-insensitively; WeightColumn and SectorColumn are optional.
type Options struct {
	Format         string // csv or xlsx, empty detects from the extension
	Sheet          string // xlsx only, empty uses the first sheet
	TurnoverColumn string
	WeightColumn   string
	SectorColumn   string
	BinLoColumn    string
	CountColumn    string
}

// OptionsFromConfig builds loader options from the input configuration
func OptionsFromConfig(cfg config.InputConfig) Options {
	return Options{
		Format:         cfg.Format,
		Sheet:          cfg.Sheet,
		TurnoverColumn: cfg.TurnoverColumn,
		WeightColumn:   cfg.WeightColumn,
		SectorColumn:   cfg.SectorColumn,
		BinLoColumn:    cfg.BinLoColumn,
		CountColumn:    cfg.CountColumn,
	}
}

// observationRow is one firm
type observationRow struct {
	Turnover float64 `validate:"gte=0"`
	Weight   float64 `validate:"gte=0"`
}

// binRow is one pre-aggregated histogram bin
type binRow struct {
	Lo    float64 `validate:"gte=0"`
	Count float64 `validate:"gte=0"`
}

var validate = validator.New()

// Loader reads firm tables into samples
type Loader struct {
	opts   Options
	logger *slog.Logger
}

// NewLoader creates a loader for tables laid out as opts describes
func NewLoader(opts Options, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{opts: opts, logger: logger.With("component", "dataset")}
}

// LoadSample reads a whole table as one sample, ignoring any sector column
func LoadSample(path string, opts Options) (bunching.Sample, error) {
	opts.SectorColumn = ""
	samples, err := NewLoader(opts, nil).Load(path)
	if err != nil {
		return bunching.Sample{}, err
	}
	return samples[0], nil
}

// Load reads the table at path and returns one sample per sector, in order of
// first appearance. Without a sector column a single sample is returned.
func (l *Loader) Load(path string) ([]bunching.Sample, error) {
	format := l.opts.Format
	if format == "" {
		format = strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	}

	var (
		rows [][]string
		err  error
	)
	switch format {
	case FormatCSV:
		rows, err = readCSVFile(path)
	case FormatXLSX:
		rows, err = readXLSX(path, l.opts.Sheet)
	default:
		return nil, apperrors.NewParsingError(fmt.Sprintf("unsupported table format %q", format), nil).
			WithContext("path", path)
	}
	var samples []bunching.Sample
	if err == nil {
		samples, err = l.parse(rows)
	}
	if err != nil {
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			appErr.WithContext("path", path)
		}
		return nil, err
	}

	l.logger.Info("loaded firm table",
		slog.String("path", path),
		slog.String("format", format),
		slog.Int("rows", len(rows)-1),
		slog.Int("sectors", len(samples)))
	return samples, nil
}

// Read parses a CSV table from r
func (l *Loader) Read(r io.Reader) ([]bunching.Sample, error) {
	rows, err := readCSV(r)
	if err != nil {
		return nil, err
	}
	return l.parse(rows)
}

func readCSVFile(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperrors.NewStorageError("failed to open table", err).WithContext("path", path)
	}
	defer f.Close()
	return readCSV(f)
}

func readCSV(r io.Reader) ([][]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, apperrors.NewParsingError("malformed csv", err)
	}
	if len(rows) > 0 && len(rows[0]) > 0 {
		// Excel writes a BOM in front of the first header
		rows[0][0] = strings.TrimPrefix(rows[0][0], "\ufeff")
	}
	return rows, nil
}

func readXLSX(path, sheet string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, apperrors.NewStorageError("failed to open workbook", err).WithContext("path", path)
	}
	defer f.Close()

	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, apperrors.NewParsingError("workbook has no sheets", nil)
		}
		sheet = sheets[0]
	}

	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, apperrors.NewParsingError(fmt.Sprintf("failed to read sheet %q", sheet), err)
	}
	return rows, nil
}

// columns maps the configured column names to their positions
type columns struct {
	turnover, weight, sector, binLo, count int
}

func (l *Loader) locate(header []string) (columns, bool, error) {
	index := make(map[string]int, len(header))
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(h))
		if _, dup := index[key]; !dup && key != "" {
			index[key] = i
		}
	}
	find := func(name string) int {
		if name == "" {
			return -1
		}
		if i, ok := index[strings.ToLower(strings.TrimSpace(name))]; ok {
			return i
		}
		return -1
	}

	cols := columns{
		turnover: find(l.opts.TurnoverColumn),
		weight:   find(l.opts.WeightColumn),
		sector:   find(l.opts.SectorColumn),
		binLo:    find(l.opts.BinLoColumn),
		count:    find(l.opts.CountColumn),
	}

	switch {
	case cols.turnover >= 0:
		return cols, false, nil
	case cols.binLo >= 0 && cols.count >= 0:
		return cols, true, nil
	default:
		return cols, false, apperrors.NewParsingError(fmt.Sprintf(
			"header needs a %q column or both %q and %q",
			l.opts.TurnoverColumn, l.opts.BinLoColumn, l.opts.CountColumn), nil)
	}
}

func (l *Loader) parse(rows [][]string) ([]bunching.Sample, error) {
	if len(rows) == 0 {
		return nil, apperrors.NewParsingError("table is empty", nil)
	}
	cols, binned, err := l.locate(rows[0])
	if err != nil {
		return nil, err
	}

	var order []string
	bySector := make(map[string]*bunching.Sample)
	weighted := cols.weight >= 0 && !binned

	for i := 1; i < len(rows); i++ {
		row := rows[i]
		if blank(row) {
			continue
		}
		line := i + 1

		sector := strings.TrimSpace(cell(row, cols.sector))
		s, ok := bySector[sector]
		if !ok {
			s = &bunching.Sample{Sector: sector}
			bySector[sector] = s
			order = append(order, sector)
		}

		if binned {
			var r binRow
			if r.Lo, err = parseNumber(row, cols.binLo, line, l.opts.BinLoColumn); err != nil {
				return nil, err
			}
			if r.Count, err = parseNumber(row, cols.count, line, l.opts.CountColumn); err != nil {
				return nil, err
			}
			if err := checkRow(r, line); err != nil {
				return nil, err
			}
			s.Binned = append(s.Binned, bunching.BinCount{Lo: r.Lo, Count: r.Count})
			continue
		}

		r := observationRow{Weight: 1}
		if r.Turnover, err = parseNumber(row, cols.turnover, line, l.opts.TurnoverColumn); err != nil {
			return nil, err
		}
		if weighted && strings.TrimSpace(cell(row, cols.weight)) != "" {
			if r.Weight, err = parseNumber(row, cols.weight, line, l.opts.WeightColumn); err != nil {
				return nil, err
			}
		}
		if err := checkRow(r, line); err != nil {
			return nil, err
		}
		s.Observations = append(s.Observations, r.Turnover)
		if weighted {
			s.Weights = append(s.Weights, r.Weight)
		}
	}

	if len(order) == 0 {
		return nil, apperrors.NewParsingError("table has no data rows", nil)
	}

	samples := make([]bunching.Sample, 0, len(order))
	for _, sector := range order {
		samples = append(samples, *bySector[sector])
	}
	return samples, nil
}

func checkRow(r any, line int) error {
	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		msg := err.Error()
		if errors.As(err, &verrs) && len(verrs) > 0 {
			msg = fmt.Sprintf("%s must be %s %s", strings.ToLower(verrs[0].Field()), verrs[0].Tag(), verrs[0].Param())
		}
		return apperrors.NewParsingError(fmt.Sprintf("row %d: %s", line, strings.TrimSpace(msg)), err).
			WithContext("row", line)
	}
	return nil
}

func parseNumber(row []string, idx, line int, column string) (float64, error) {
	raw := strings.TrimSpace(cell(row, idx))
	if raw == "" {
		return 0, apperrors.NewParsingError(fmt.Sprintf("row %d: %s is empty", line, column), nil).
			WithContext("row", line).
			WithContext("column", column)
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", ""), 64)
	if err != nil {
		return 0, apperrors.NewParsingError(fmt.Sprintf("row %d: %s %q is not a number", line, column, raw), err).
			WithContext("row", line).
			WithContext("column", column)
	}
	return v, nil
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return row[idx]
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
