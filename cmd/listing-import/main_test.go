package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ignite/listing-import/internal/importer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

const sampleCSV = "Business Name,Place ID,City,Email\n" +
	"Blue Door Bakery,PL-1,Springfield,hello@bluedoor.test\n" +
	",PL-2,Springfield,\n" +
	"Corner Cafe,PL-3,Shelbyville,\n"

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")

	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append(args, "--config", filepath.Join(t.TempDir(), "missing.yaml")))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "listings.csv")
	require.NoError(t, os.WriteFile(path, []byte(sampleCSV), 0o644))
	return path
}

func TestPreviewCommand(t *testing.T) {
	out, _, err := run(t, "preview", writeSample(t))
	require.NoError(t, err)

	var res importer.PreviewResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 3, res.TotalRowCount)
	assert.Equal(t, []string{"title", "place_id", "city", "email"}, res.MappedFields)
}

func TestValidateCommand_FailsOnRejectedRows(t *testing.T) {
	out, _, err := run(t, "validate", writeSample(t))
	require.ErrorIs(t, err, errRowsFailed)

	var res importer.ValidationResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 2, res.SuccessCount)
	assert.Equal(t, 1, res.FailedRows)
}

func TestCommitCommand_WritesCSVReport(t *testing.T) {
	report := filepath.Join(t.TempDir(), "errors.csv")
	out, _, err := run(t, "commit", writeSample(t), "--skip-duplicates", "--batch-size", "10", "--errors-out", report)
	require.ErrorIs(t, err, errRowsFailed)

	var res importer.ImportResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 1, res.Failed)

	data, err := os.ReadFile(report)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "Row,Field,Value,Error", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "2,title,"), lines[1])
}

func TestCommitCommand_WritesXLSXReport(t *testing.T) {
	report := filepath.Join(t.TempDir(), "errors.xlsx")
	_, _, err := run(t, "commit", writeSample(t), "--errors-out", report)
	require.ErrorIs(t, err, errRowsFailed)

	f, err := excelize.OpenFile(report)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows("Errors")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestCommitCommand_ExclusiveDuplicateFlags(t *testing.T) {
	_, _, err := run(t, "commit", writeSample(t), "--skip-duplicates", "--update-duplicates")
	require.Error(t, err)
}

func TestCommitCommand_MissingFile(t *testing.T) {
	_, _, err := run(t, "commit", filepath.Join(t.TempDir(), "nope.csv"))
	require.Error(t, err)
	assert.True(t, importer.IsParseError(err) || os.IsNotExist(err) || strings.Contains(err.Error(), "no such file"))
}
