package exporter

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"

	apperrors "notchsim/internal/errors"
)

// XLSXWriter writes record tables as single-sheet workbooks. Numbers are
// stored as numeric cells.
type XLSXWriter struct {
	logger *slog.Logger
}

// NewXLSXWriter creates a new workbook writer
func NewXLSXWriter(logger *slog.Logger) *XLSXWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &XLSXWriter{logger: logger}
}

// WriteXLSX writes headers and rows to sheet in a new workbook at filePath
func (w *XLSXWriter) WriteXLSX(filePath, sheet string, headers []string, rows [][]any) error {
	w.logger.Debug("Writing XLSX file",
		slog.String("file_path", filePath),
		slog.String("sheet", sheet),
		slog.Int("record_count", len(rows)))

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return apperrors.NewStorageError("failed to create directory", err).WithContext("path", filePath)
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return apperrors.NewStorageError("failed to name sheet", err).WithContext("sheet", sheet)
	}

	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return apperrors.NewStorageError("failed to open sheet stream", err).WithContext("sheet", sheet)
	}

	header := make([]any, len(headers))
	for i, h := range headers {
		header[i] = h
	}
	if err := sw.SetRow("A1", header); err != nil {
		return apperrors.NewStorageError("failed to write headers", err).WithContext("path", filePath)
	}

	for i, row := range rows {
		cellName, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return apperrors.NewStorageError("invalid cell", err).WithContext("record", i)
		}
		values := make([]any, len(row))
		for j, v := range row {
			values[j] = xlsxCell(v)
		}
		if err := sw.SetRow(cellName, values); err != nil {
			return apperrors.NewStorageError("failed to write record", err).
				WithContext("path", filePath).
				WithContext("record", i)
		}
	}

	if err := sw.Flush(); err != nil {
		return apperrors.NewStorageError("failed to flush sheet", err).WithContext("path", filePath)
	}
	if err := f.SaveAs(filePath); err != nil {
		return apperrors.NewStorageError("failed to save workbook", err).WithContext("path", filePath)
	}
	return nil
}
