package importer

import (
	"context"
	"strings"
	"time"

	"github.com/ignite/listing-import/internal/pkg/logger"
)

// Config tunes the pipeline. Zero values fall back to DefaultConfig.
type Config struct {
	PreviewRows       int
	SampleRows        int
	MaxWorkers        int
	RepositoryTimeout time.Duration
	Parse             ParseOptions
	Normalization     NormalizationConfig
}

func DefaultConfig() Config {
	return Config{
		PreviewRows:       10,
		SampleRows:        5,
		MaxWorkers:        DefaultMaxWorkers,
		RepositoryTimeout: 15 * time.Second,
		Parse:             ParseOptions{Delimiter: ',', Encoding: "utf-8"},
		Normalization:     DefaultNormalization(),
	}
}

// Observer receives pipeline measurements. Implementations must be safe for
// concurrent use.
type Observer interface {
	ObserveRows(stage, outcome string, n int)
	ObserveBatch(result string, d time.Duration)
	ObserveStage(stage string, d time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) ObserveRows(string, string, int)           {}
func (nopObserver) ObserveBatch(string, time.Duration)        {}
func (nopObserver) ObserveStage(string, time.Duration, error) {}

// Pipeline runs the three import operations over a Source. Each call opens
// the source again from the start.
type Pipeline struct {
	schema    *Schema
	cfg       Config
	parser    *Parser
	validator *Validator
	detector  *Detector
	committer *Committer
	observer  Observer
}

// New builds a pipeline writing through repo.
func New(repo Repository, schema *Schema, cfg Config) *Pipeline {
	def := DefaultConfig()
	if cfg.PreviewRows <= 0 {
		cfg.PreviewRows = def.PreviewRows
	}
	if cfg.SampleRows <= 0 {
		cfg.SampleRows = def.SampleRows
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = def.MaxWorkers
	}
	if cfg.RepositoryTimeout <= 0 {
		cfg.RepositoryTimeout = def.RepositoryTimeout
	}
	if schema == nil {
		schema = DefaultSchema()
	}

	return &Pipeline{
		schema:    schema,
		cfg:       cfg,
		parser:    NewParser(schema, cfg.Parse),
		validator: NewValidator(schema),
		detector:  NewDetector(repo, NewNormalizer(cfg.Normalization), cfg.RepositoryTimeout),
		committer: NewCommitter(repo, cfg.MaxWorkers, cfg.RepositoryTimeout),
		observer:  nopObserver{},
	}
}

// SetObserver installs o for all later calls.
func (p *Pipeline) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	p.observer = o
	p.committer.observer = o
}

// Schema returns the field schema in use.
func (p *Pipeline) Schema() *Schema { return p.schema }

// Preview reads the whole file to count rows but validates only the first
// PreviewRows of them.
func (p *Pipeline) Preview(ctx context.Context, src Source) (res *PreviewResult, err error) {
	started := time.Now()
	defer func() { p.observer.ObserveStage("preview", time.Since(started), err) }()

	rows, err := p.parser.Open(ctx, src)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	h := rows.Header()
	res = &PreviewResult{
		Filename:         src.Name(),
		Headers:          h.Raw,
		MappedFields:     h.Fields,
		SampleRows:       [][]string{},
		ValidationErrors: []ValidationError{},
		Warnings:         p.headerWarnings(h),
	}

	for rows.Next() {
		row := rows.Row()
		res.TotalRowCount++
		if len(res.SampleRows) < p.cfg.SampleRows && !row.Blank() {
			res.SampleRows = append(res.SampleRows, row.Values)
		}
		if row.Line > p.cfg.PreviewRows {
			res.Partial = true
			continue
		}
		out := p.validator.Check(row)
		if out.Blank {
			continue
		}
		res.ValidatedRows++
		if out.OK() {
			res.ValidRows++
		}
		res.ValidationErrors = append(res.ValidationErrors, out.Errors...)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	p.observer.ObserveRows("preview", "valid", res.ValidRows)
	p.observer.ObserveRows("preview", "invalid", res.ValidatedRows-res.ValidRows)
	logger.Info("[Import] preview complete",
		"file", src.Name(), "rows", res.TotalRowCount, "validated", res.ValidatedRows,
		"errors", len(res.ValidationErrors), "duration_ms", time.Since(started).Milliseconds())
	return res, nil
}

// Validate checks every row of the file, including duplicates inside the
// file and matches against stored records. It never writes.
func (p *Pipeline) Validate(ctx context.Context, src Source) (res *ValidationResult, err error) {
	started := time.Now()
	defer func() { p.observer.ObserveStage("validate", time.Since(started), err) }()

	tally := NewTally()
	run := p.detector.NewProbe()
	matches := 0
	err = p.scan(ctx, src, tally, run, func(rec ValidatedRecord) {
		if rec.Classification == ClassConflict {
			matches++
		}
	})
	if err != nil {
		return nil, err
	}

	r := tally.Result(time.Since(started))
	res = &ValidationResult{
		SuccessCount:    r.TotalRows - r.BlankRows - r.Failed,
		Errors:          r.Errors,
		TotalRows:       r.TotalRows,
		BlankRows:       r.BlankRows,
		FailedRows:      r.Failed,
		ExistingMatches: matches,
		Warnings:        r.Warnings,
	}

	p.observer.ObserveRows("validate", "valid", res.SuccessCount)
	p.observer.ObserveRows("validate", "invalid", res.FailedRows)
	logger.Info("[Import] validation complete",
		"file", src.Name(), "rows", res.TotalRows, "valid", res.SuccessCount,
		"failed", res.FailedRows, "existing", matches, "duration_ms", time.Since(started).Milliseconds())
	return res, nil
}

// Commit validates and classifies the whole file, then writes the accepted
// records in batches. A ParseError or cancellation before the first batch
// returns an error with nothing written; after that point the result is
// always returned, with unsubmitted batches reported as errors.
func (p *Pipeline) Commit(ctx context.Context, src Source, opts ImportOptions, onProgress ProgressFunc) (res *ImportResult, err error) {
	started := time.Now()
	defer func() { p.observer.ObserveStage("commit", time.Since(started), err) }()

	opts, err = opts.Normalize()
	if err != nil {
		return nil, err
	}

	tally := NewTally()
	var accepted []ValidatedRecord
	skipped := 0
	err = p.scan(ctx, src, tally, p.detector.NewRun(opts), func(rec ValidatedRecord) {
		if rec.Classification == ClassDuplicate {
			skipped++
			return
		}
		accepted = append(accepted, rec)
	})
	if err != nil {
		return nil, err
	}
	tally.Skip(skipped)

	logger.Info("[Import] commit started",
		"file", src.Name(), "accepted", len(accepted), "duplicates_skipped", skipped,
		"batch_size", opts.BatchSize, "update_duplicates", opts.UpdateDuplicates)

	p.committer.Commit(ctx, accepted, opts.BatchSize, tally, onProgress)
	if ctx.Err() != nil {
		tally.Warn("import was cancelled; batches not yet submitted were not written")
	}
	tally.Finish()
	if onProgress != nil {
		onProgress(tally.Progress())
	}

	res = tally.Result(time.Since(started))
	p.observer.ObserveRows("commit", "created", res.Created)
	p.observer.ObserveRows("commit", "updated", res.Updated)
	p.observer.ObserveRows("commit", "skipped", res.DuplicatesSkipped)
	p.observer.ObserveRows("commit", "failed", res.Failed)
	logger.Info("[Import] commit complete",
		"file", src.Name(), "created", res.Created, "updated", res.Updated,
		"skipped", res.DuplicatesSkipped, "failed", res.Failed, "duration_ms", res.DurationMs)
	return res, nil
}

// scan is the shared full-file pass of Validate and Commit: every row is
// validated and every valid row classified, errors go to tally and
// classified records to accept.
func (p *Pipeline) scan(ctx context.Context, src Source, tally *Tally, run *DetectionRun, accept func(ValidatedRecord)) error {
	rows, err := p.parser.Open(ctx, src)
	if err != nil {
		return err
	}
	defer rows.Close()

	for _, w := range p.headerWarnings(rows.Header()) {
		tally.Warn("%s", w)
	}

	for rows.Next() {
		out := p.validator.Check(rows.Row())
		tally.Row(out)
		if !out.OK() {
			continue
		}
		rec, verr := run.Classify(ctx, *out.Record)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if verr != nil {
			tally.Fail(*verr)
			continue
		}
		accept(rec)
	}
	return rows.Err()
}

func (p *Pipeline) headerWarnings(h *Header) []string {
	warnings := []string{}
	if unknown := h.Unknown(); len(unknown) > 0 {
		for _, name := range unknown {
			warnings = append(warnings, "column \""+name+"\" is not a known field and will be ignored")
		}
	}
	var missing []string
	for _, f := range p.schema.fields {
		if f.Required && !h.Has(f.Name) {
			missing = append(missing, f.Name)
		}
	}
	if len(missing) > 0 {
		warnings = append(warnings, "required columns missing from header: "+strings.Join(missing, ", "))
	}
	return warnings
}
