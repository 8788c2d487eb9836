package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ignite/listing-import/internal/importer"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeErrorReport writes errs to path, as a workbook when the extension is
// .xlsx and as CSV otherwise.
func writeErrorReport(path string, errs []importer.ValidationError) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating error report: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		err = importer.WriteErrorReportXLSX(f, errs)
	} else {
		err = importer.WriteErrorReport(f, errs)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}
