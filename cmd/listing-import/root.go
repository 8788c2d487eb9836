package main

import (
	"database/sql"
	"fmt"

	"github.com/ignite/listing-import/internal/config"
	"github.com/ignite/listing-import/internal/importer"
	"github.com/ignite/listing-import/internal/pkg/logger"
	"github.com/ignite/listing-import/internal/repository/memory"
	"github.com/ignite/listing-import/internal/repository/postgres"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
)

type rootFlags struct {
	configPath string
	errorsOut  string
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	cmd := &cobra.Command{
		Use:          "listing-import",
		Short:        "Preview, validate and import listing CSV files",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&f.configPath, "config", "config/config.yaml", "Path to the YAML config file")
	cmd.PersistentFlags().StringVar(&f.errorsOut, "errors-out", "", "Write row errors to this file (.csv or .xlsx)")

	cmd.AddCommand(newPreviewCmd(f), newValidateCmd(f), newCommitCmd(f))
	return cmd
}

// openPipeline builds a pipeline from config. Without a database URL the
// listings go to an in-memory repository that is discarded on exit.
func openPipeline(cmd *cobra.Command, f *rootFlags) (*importer.Pipeline, *config.Config, func(), error) {
	cfg, err := config.LoadFromEnv(f.configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	logger.SetFormat("text")
	logger.SetOutput(cmd.ErrOrStderr())
	logger.SetRedactPII(cfg.Logging.Redact())

	schema, err := cfg.Import.Schema()
	if err != nil {
		return nil, nil, nil, err
	}
	pcfg, err := cfg.Import.ToImporterConfig()
	if err != nil {
		return nil, nil, nil, err
	}

	closeFn := func() {}
	var repo importer.Repository
	if cfg.Database.URL != "" {
		db, err := sql.Open("postgres", cfg.Database.URL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("opening database: %w", err)
		}
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetConnMaxLifetime(cfg.Database.Lifetime())
		if err := db.PingContext(cmd.Context()); err != nil {
			db.Close()
			return nil, nil, nil, fmt.Errorf("connecting to database: %w", err)
		}
		repo = postgres.NewListingRepo(db)
		closeFn = func() { db.Close() }
	} else {
		logger.Warn("[CLI] DATABASE_URL not set, using an in-memory repository")
		repo = memory.NewListingRepo()
	}
	return importer.New(repo, schema, pcfg), cfg, closeFn, nil
}
