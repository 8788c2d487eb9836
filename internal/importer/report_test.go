package importer

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

var reportErrors = []ValidationError{
	{Row: 3, Field: "title", Value: "", Message: "title is required"},
	{Row: 5, Field: "email", Value: "owner@", Message: "email must be a valid email address"},
	{Row: 8, Field: "record", Value: nil, Message: "batch insert failed: connection reset, retry later"},
}

func TestWriteErrorReport(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteErrorReport(&buf, reportErrors))

	want := "Row,Field,Value,Error\n" +
		"3,title,,title is required\n" +
		"5,email,owner@,email must be a valid email address\n" +
		"8,record,,\"batch insert failed: connection reset, retry later\"\n"
	assert.Equal(t, want, buf.String())
}

func TestWriteErrorReport_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteErrorReport(&buf, nil))
	assert.Equal(t, "Row,Field,Value,Error\n", buf.String())
}

func TestWriteErrorReportXLSX(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteErrorReportXLSX(&buf, reportErrors))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows("Errors")
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, ErrorReportHeader, rows[0])
	assert.Equal(t, []string{"5", "email", "owner@", "email must be a valid email address"}, rows[2])
}
