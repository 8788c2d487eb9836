package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ignite/listing-import/internal/importer"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Storage  StorageConfig  `yaml:"storage"`
	Import   ImportConfig   `yaml:"import"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port                int      `yaml:"port"`
	Host                string   `yaml:"host"`
	MaxUploadMB         int      `yaml:"max_upload_mb"`
	AllowedOrigins      []string `yaml:"allowed_origins"`
	ShutdownTimeoutSecs int      `yaml:"shutdown_timeout_seconds"`
}

// GetHost returns the server host, with ECS detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// Addr returns host:port for the listener.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.GetHost(), c.Port)
}

// MaxUploadBytes is the multipart body limit.
func (c ServerConfig) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) << 20
}

// ShutdownTimeout returns the graceful shutdown window.
func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSecs) * time.Second
}

// DatabaseConfig holds the Postgres connection. An empty URL selects the
// in-memory repository.
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_minutes"`
}

// Lifetime returns the connection max lifetime as a duration
func (c DatabaseConfig) Lifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetime) * time.Minute
}

// RedisConfig holds the optional Redis connection used for progress and
// the commit lock.
type RedisConfig struct {
	URL                string `yaml:"url"`
	ProgressTTLMinutes int    `yaml:"progress_ttl_minutes"`
	LockTTLSeconds     int    `yaml:"lock_ttl_seconds"`
}

func (c RedisConfig) Enabled() bool { return c.URL != "" }

// ProgressTTL returns how long progress snapshots are kept.
func (c RedisConfig) ProgressTTL() time.Duration {
	return time.Duration(c.ProgressTTLMinutes) * time.Minute
}

// LockTTL returns the commit lock lease.
func (c RedisConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// StorageConfig holds upload storage configuration
type StorageConfig struct {
	Type      string `yaml:"type"` // "local" or "s3"
	LocalPath string `yaml:"local_path"`
	S3Bucket  string `yaml:"s3_bucket"`
	S3Prefix  string `yaml:"s3_prefix"`
	AWSRegion string `yaml:"aws_region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// ImportConfig holds the import pipeline settings.
type ImportConfig struct {
	PreviewRows              int                           `yaml:"preview_rows"`
	SampleRows               int                           `yaml:"sample_rows"`
	DefaultBatchSize         int                           `yaml:"default_batch_size"`
	MaxWorkers               int                           `yaml:"max_workers"`
	RepositoryTimeoutSeconds int                           `yaml:"repository_timeout_seconds"`
	SessionTTLMinutes        int                           `yaml:"session_ttl_minutes"`
	Delimiter                string                        `yaml:"delimiter"`
	Encoding                 string                        `yaml:"encoding"`
	LazyQuotes               bool                          `yaml:"lazy_quotes"`
	RequiredFields           []string                      `yaml:"required_fields"`
	Normalization            *importer.NormalizationConfig `yaml:"normalization"`
}

// SessionTTL returns how long an idle import session is kept.
func (c ImportConfig) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLMinutes) * time.Minute
}

// RepositoryTimeout returns the per-call repository deadline.
func (c ImportConfig) RepositoryTimeout() time.Duration {
	return time.Duration(c.RepositoryTimeoutSeconds) * time.Second
}

// ToImporterConfig converts the section into pipeline settings.
func (c ImportConfig) ToImporterConfig() (importer.Config, error) {
	cfg := importer.DefaultConfig()
	cfg.PreviewRows = c.PreviewRows
	cfg.SampleRows = c.SampleRows
	cfg.MaxWorkers = c.MaxWorkers
	cfg.RepositoryTimeout = c.RepositoryTimeout()
	cfg.Parse.Encoding = c.Encoding
	cfg.Parse.LazyQuotes = c.LazyQuotes

	if c.Delimiter != "" {
		r, size := utf8.DecodeRuneInString(c.Delimiter)
		if c.Delimiter == `\t` {
			r, size = '\t', len(c.Delimiter)
		}
		if r == utf8.RuneError || size != len(c.Delimiter) {
			return importer.Config{}, fmt.Errorf("import.delimiter must be a single character, got %q", c.Delimiter)
		}
		cfg.Parse.Delimiter = r
	}
	if c.Normalization != nil {
		cfg.Normalization = *c.Normalization
	}
	return cfg, nil
}

// Schema returns the default field schema with the configured required set.
func (c ImportConfig) Schema() (*importer.Schema, error) {
	s := importer.DefaultSchema()
	if len(c.RequiredFields) == 0 {
		return s, nil
	}
	return s.WithRequired(c.RequiredFields)
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"` // "json" or "text"
	RedactPII *bool  `yaml:"redact_pii"`
}

// Redact reports whether PII redaction is on. It defaults to true.
func (c LoggingConfig) Redact() bool {
	return c.RedactPII == nil || *c.RedactPII
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.MaxUploadMB == 0 {
		cfg.Server.MaxUploadMB = 32
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		cfg.Server.AllowedOrigins = []string{"*"}
	}
	if cfg.Server.ShutdownTimeoutSecs == 0 {
		cfg.Server.ShutdownTimeoutSecs = 30
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 30
	}
	if cfg.Redis.ProgressTTLMinutes == 0 {
		cfg.Redis.ProgressTTLMinutes = 60
	}
	if cfg.Redis.LockTTLSeconds == 0 {
		cfg.Redis.LockTTLSeconds = 600
	}
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "local"
	}
	if cfg.Storage.LocalPath == "" {
		cfg.Storage.LocalPath = "./data/uploads"
	}
	if cfg.Storage.S3Prefix == "" {
		cfg.Storage.S3Prefix = "imports/"
	}
	if cfg.Storage.AWSRegion == "" {
		cfg.Storage.AWSRegion = "us-west-2"
	}
	if cfg.Import.PreviewRows == 0 {
		cfg.Import.PreviewRows = 10
	}
	if cfg.Import.SampleRows == 0 {
		cfg.Import.SampleRows = 5
	}
	if cfg.Import.DefaultBatchSize == 0 {
		cfg.Import.DefaultBatchSize = importer.DefaultBatchSize
	}
	if cfg.Import.MaxWorkers == 0 {
		cfg.Import.MaxWorkers = importer.DefaultMaxWorkers
	}
	if cfg.Import.RepositoryTimeoutSeconds == 0 {
		cfg.Import.RepositoryTimeoutSeconds = 15
	}
	if cfg.Import.SessionTTLMinutes == 0 {
		cfg.Import.SessionTTLMinutes = 1440
	}
	if cfg.Import.Encoding == "" {
		cfg.Import.Encoding = "utf-8"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars.
// A missing config file is not an error; defaults and env vars apply.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if os.IsNotExist(err) {
		cfg, err = Default(), nil
	}
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("SERVER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("SERVER_PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("IMPORT_STORAGE_BUCKET"); v != "" {
		cfg.Storage.S3Bucket = v
		cfg.Storage.Type = "s3"
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Storage.AWSRegion = v
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		cfg.Storage.AccessKey = v
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		cfg.Storage.SecretKey = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}

	return cfg, nil
}
