package main

import (
	"errors"
	"fmt"

	"github.com/ignite/listing-import/internal/importer"
	"github.com/spf13/cobra"
)

// errRowsFailed makes the process exit non-zero when rows were rejected.
var errRowsFailed = errors.New("some rows were rejected")

func newPreviewCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "preview FILE",
		Short: "Show the mapped header and validate the first rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, _, closeFn, err := openPipeline(cmd, f)
			if err != nil {
				return err
			}
			defer closeFn()

			res, err := p.Preview(cmd.Context(), importer.FileSource{Path: args[0]})
			if err != nil {
				return err
			}
			if err := maybeWriteReport(f, res.ValidationErrors); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newValidateCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE",
		Short: "Validate every row and count existing matches without writing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, _, closeFn, err := openPipeline(cmd, f)
			if err != nil {
				return err
			}
			defer closeFn()

			res, err := p.Validate(cmd.Context(), importer.FileSource{Path: args[0]})
			if err != nil {
				return err
			}
			if err := maybeWriteReport(f, res.Errors); err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if res.FailedRows > 0 {
				return fmt.Errorf("%w: %d of %d", errRowsFailed, res.FailedRows, res.TotalRows)
			}
			return nil
		},
	}
}

func newCommitCmd(f *rootFlags) *cobra.Command {
	var (
		updateDuplicates bool
		skipDuplicates   bool
		batchSize        int
	)

	cmd := &cobra.Command{
		Use:   "commit FILE",
		Short: "Import the file in batches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, cfg, closeFn, err := openPipeline(cmd, f)
			if err != nil {
				return err
			}
			defer closeFn()

			opts := importer.ImportOptions{
				UpdateDuplicates: updateDuplicates,
				SkipDuplicates:   skipDuplicates,
				BatchSize:        batchSize,
			}
			if opts.BatchSize == 0 {
				opts.BatchSize = cfg.Import.DefaultBatchSize
			}

			errOut := cmd.ErrOrStderr()
			onProgress := func(pr importer.Progress) {
				if pr.BatchesTotal > 0 && !pr.Done {
					fmt.Fprintf(errOut, "batch %d/%d: created=%d updated=%d failed=%d\n",
						pr.BatchesDone, pr.BatchesTotal, pr.Created, pr.Updated, pr.Failed)
				}
			}

			res, err := p.Commit(cmd.Context(), importer.FileSource{Path: args[0]}, opts, onProgress)
			if err != nil {
				return err
			}
			if err := maybeWriteReport(f, res.Errors); err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if res.Failed > 0 {
				return fmt.Errorf("%w: %d of %d", errRowsFailed, res.Failed, res.TotalRows)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&updateDuplicates, "update-duplicates", false, "Update existing listings that match a row")
	cmd.Flags().BoolVar(&skipDuplicates, "skip-duplicates", false, "Leave existing listings untouched")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Rows per batch (10-200, default from config)")
	cmd.MarkFlagsMutuallyExclusive("update-duplicates", "skip-duplicates")
	return cmd
}

func maybeWriteReport(f *rootFlags, errs []importer.ValidationError) error {
	if f.errorsOut == "" {
		return nil
	}
	return writeErrorReport(f.errorsOut, errs)
}
