package importer

import (
	"encoding/csv"
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

// ErrorReportHeader is the column layout of the downloadable error report.
// Users edit the report and re-import it, so it must not change.
var ErrorReportHeader = []string{"Row", "Field", "Value", "Error"}

// WriteErrorReport writes errs as CSV, one line per error in the given order.
func WriteErrorReport(w io.Writer, errs []ValidationError) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ErrorReportHeader); err != nil {
		return fmt.Errorf("write report header: %w", err)
	}
	for _, e := range errs {
		if err := cw.Write(reportLine(e)); err != nil {
			return fmt.Errorf("write report row %d: %w", e.Row, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteErrorReportXLSX writes the same report as a single-sheet workbook.
func WriteErrorReportXLSX(w io.Writer, errs []ValidationError) error {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Errors"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}

	header := make([]interface{}, len(ErrorReportHeader))
	for i, h := range ErrorReportHeader {
		header[i] = h
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("write report header: %w", err)
	}

	for i, e := range errs {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		line := reportLine(e)
		row := []interface{}{e.Row, line[1], line[2], line[3]}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("write report row %d: %w", e.Row, err)
		}
	}

	if err := f.SetColWidth(sheet, "C", "D", 40); err != nil {
		return err
	}
	return f.Write(w)
}

func reportLine(e ValidationError) []string {
	value := ""
	if e.Value != nil {
		value = fmt.Sprint(e.Value)
	}
	return []string{fmt.Sprint(e.Row), e.Field, value, e.Message}
}
