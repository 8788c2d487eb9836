package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	configPath := writeConfig(t, `
server:
  port: 9090
  host: "0.0.0.0"
  max_upload_mb: 8

database:
  url: "postgres://localhost/listings?sslmode=disable"

storage:
  type: "s3"
  s3_bucket: "listing-uploads"

import:
  preview_rows: 20
  default_batch_size: 100
  delimiter: ";"
  encoding: "windows-1252"
  required_fields: ["title", "city"]
  normalization:
    case_fold: true
    collapse_whitespace: true
    abbreviations:
      street: st

logging:
  level: debug
  redact_pii: false
`)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, int64(8<<20), cfg.Server.MaxUploadBytes())
	assert.Equal(t, "postgres://localhost/listings?sslmode=disable", cfg.Database.URL)
	assert.Equal(t, "s3", cfg.Storage.Type)
	assert.Equal(t, "listing-uploads", cfg.Storage.S3Bucket)
	assert.Equal(t, 20, cfg.Import.PreviewRows)
	assert.Equal(t, 100, cfg.Import.DefaultBatchSize)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.False(t, cfg.Logging.Redact())

	ic, err := cfg.Import.ToImporterConfig()
	require.NoError(t, err)
	assert.Equal(t, ';', ic.Parse.Delimiter)
	assert.Equal(t, "windows-1252", ic.Parse.Encoding)
	assert.Equal(t, 20, ic.PreviewRows)
	assert.True(t, ic.Normalization.CaseFold)
	assert.False(t, ic.Normalization.StripDiacritics)
	assert.Equal(t, "st", ic.Normalization.Abbreviations["street"])

	schema, err := cfg.Import.Schema()
	require.NoError(t, err)
	assert.Contains(t, schema.RequiredFields(), "city")
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  port: 8081\n"))
	require.NoError(t, err)

	assert.Equal(t, 8081, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, "local", cfg.Storage.Type)
	assert.Equal(t, 10, cfg.Import.PreviewRows)
	assert.Equal(t, 5, cfg.Import.SampleRows)
	assert.Equal(t, 50, cfg.Import.DefaultBatchSize)
	assert.Equal(t, 4, cfg.Import.MaxWorkers)
	assert.Equal(t, 15*time.Second, cfg.Import.RepositoryTimeout())
	assert.Equal(t, 24*time.Hour, cfg.Import.SessionTTL())
	assert.False(t, cfg.Redis.Enabled())
	assert.True(t, cfg.Logging.Redact())

	ic, err := cfg.Import.ToImporterConfig()
	require.NoError(t, err)
	assert.Equal(t, ',', ic.Parse.Delimiter)
	assert.True(t, ic.Normalization.StripDiacritics, "normalization defaults apply when the section is absent")
}

func TestLoadFromEnv(t *testing.T) {
	configPath := writeConfig(t, `
database:
  url: "postgres://file"
`)
	t.Setenv("DATABASE_URL", "postgres://env")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("SERVER_PORT", "9191")
	t.Setenv("IMPORT_STORAGE_BUCKET", "env-bucket")

	cfg, err := LoadFromEnv(configPath)
	require.NoError(t, err)

	assert.Equal(t, "postgres://env", cfg.Database.URL)
	assert.True(t, cfg.Redis.Enabled())
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "s3", cfg.Storage.Type)
	assert.Equal(t, "env-bucket", cfg.Storage.S3Bucket)
}

func TestLoadFromEnv_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFromEnv(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadFromEnv_BadPort(t *testing.T) {
	t.Setenv("SERVER_PORT", "eighty")
	_, err := LoadFromEnv(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestToImporterConfig_Delimiter(t *testing.T) {
	tests := []struct {
		in      string
		want    rune
		wantErr bool
	}{
		{"", ',', false},
		{"|", '|', false},
		{`\t`, '\t', false},
		{"ab", 0, true},
	}
	for _, tt := range tests {
		ic, err := ImportConfig{Delimiter: tt.in}.ToImporterConfig()
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, ic.Parse.Delimiter, tt.in)
	}
}

func TestImportSchema_UnknownRequiredField(t *testing.T) {
	_, err := ImportConfig{RequiredFields: []string{"title", "fax"}}.Schema()
	assert.Error(t, err)
}
