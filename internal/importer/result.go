package importer

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	DefaultBatchSize = 50
	MinBatchSize     = 10
	MaxBatchSize     = 200
)

// ImportOptions are chosen once per session before commit. Setting both
// UpdateDuplicates and SkipDuplicates is rejected by Normalize.
type ImportOptions struct {
	UpdateDuplicates bool `json:"updateDuplicates"`
	SkipDuplicates   bool `json:"skipDuplicates"`
	BatchSize        int  `json:"batchSize"`
}

// Normalize rejects contradictory duplicate handling and brings BatchSize into
// range: zero selects the default, other values are clamped to 10..200.
func (o ImportOptions) Normalize() (ImportOptions, error) {
	if o.UpdateDuplicates && o.SkipDuplicates {
		return o, fmt.Errorf("%w: updateDuplicates and skipDuplicates are mutually exclusive", ErrInvalidOptions)
	}
	if o.BatchSize < 0 {
		return o, fmt.Errorf("%w: batchSize must not be negative", ErrInvalidOptions)
	}
	switch {
	case o.BatchSize == 0:
		o.BatchSize = DefaultBatchSize
	case o.BatchSize < MinBatchSize:
		o.BatchSize = MinBatchSize
	case o.BatchSize > MaxBatchSize:
		o.BatchSize = MaxBatchSize
	}
	return o, nil
}

// ImportResult is the aggregate outcome of a commit. The counts reconcile:
// Created + Updated + DuplicatesSkipped + Failed + BlankRows == TotalRows.
type ImportResult struct {
	Success           int               `json:"success"`
	Created           int               `json:"created"`
	Updated           int               `json:"updated"`
	DuplicatesSkipped int               `json:"duplicatesSkipped"`
	Failed            int               `json:"failed"`
	TotalRows         int               `json:"totalRows"`
	BlankRows         int               `json:"blankRows"`
	MalformedRows     int               `json:"malformedRows"`
	Errors            []ValidationError `json:"errors"`
	Warnings          []string          `json:"warnings"`
	Message           string            `json:"message"`
	DurationMs        int64             `json:"durationMs"`
}

// PreviewResult covers the first rows of a file. ValidationErrors and
// ValidatedRows only describe rows up to the preview cap; Partial is set
// when rows beyond it were not validated.
type PreviewResult struct {
	Filename         string            `json:"filename"`
	Headers          []string          `json:"headers"`
	MappedFields     []string          `json:"mappedFields"`
	SampleRows       [][]string        `json:"sampleRows"`
	TotalRowCount    int               `json:"totalRowCount"`
	ValidatedRows    int               `json:"validatedRows"`
	ValidRows        int               `json:"validRows"`
	ValidationErrors []ValidationError `json:"validationErrors"`
	Partial          bool              `json:"partial"`
	Warnings         []string          `json:"warnings"`
}

// ValidationResult covers the whole file. ExistingMatches counts valid rows
// that match a stored record and will be subject to the duplicate options.
type ValidationResult struct {
	SuccessCount    int               `json:"successCount"`
	Errors          []ValidationError `json:"errors"`
	TotalRows       int               `json:"totalRows"`
	BlankRows       int               `json:"blankRows"`
	FailedRows      int               `json:"failedRows"`
	ExistingMatches int               `json:"existingMatches"`
	Warnings        []string          `json:"warnings"`
}

// Progress is a point-in-time view of a running commit.
type Progress struct {
	Stage             string    `json:"stage"`
	TotalRows         int       `json:"totalRows"`
	BatchesTotal      int       `json:"batchesTotal"`
	BatchesDone       int       `json:"batchesDone"`
	Created           int       `json:"created"`
	Updated           int       `json:"updated"`
	DuplicatesSkipped int       `json:"duplicatesSkipped"`
	Failed            int       `json:"failed"`
	Done              bool      `json:"done"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// ProgressFunc receives a snapshot after each committed batch. Calls are
// serialized.
type ProgressFunc func(Progress)

// Tally accumulates an ImportResult. It is safe for concurrent use by batch
// workers; each method takes the lock for the whole update so no caller sees
// half of another batch.
type Tally struct {
	mu            sync.Mutex
	totalRows     int
	blankRows     int
	malformedRows int
	created       int
	updated       int
	skipped       int
	errors        []ValidationError
	failedRows    map[int]struct{}
	warnings      []string
	batchesTotal  int
	batchesDone   int
	done          bool
}

func NewTally() *Tally {
	return &Tally{failedRows: make(map[int]struct{})}
}

// Row records one data row read from the file.
func (t *Tally) Row(o RowOutcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalRows++
	if o.Blank {
		t.blankRows++
	}
	if o.Malformed {
		t.malformedRows++
	}
	for _, e := range o.Errors {
		t.addErrorLocked(e)
	}
}

// Fail adds a row-addressed error.
func (t *Tally) Fail(e ValidationError) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addErrorLocked(e)
}

func (t *Tally) addErrorLocked(e ValidationError) {
	t.errors = append(t.errors, e)
	t.failedRows[e.Row] = struct{}{}
}

// Skip counts records excluded from commit as duplicates.
func (t *Tally) Skip(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.skipped += n
}

// Warn appends a file-level warning.
func (t *Tally) Warn(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.warnings = append(t.warnings, fmt.Sprintf(format, args...))
}

// Plan records how many batches the commit will run.
func (t *Tally) Plan(batches int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.batchesTotal = batches
}

// Batch folds one batch outcome into the totals together with the errors of
// records that failed inside it.
func (t *Tally) Batch(out BatchOutcome, errs []ValidationError) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.created += out.Created
	t.updated += out.Updated
	t.skipped += out.Skipped
	for _, e := range errs {
		t.addErrorLocked(e)
	}
	t.batchesDone++
}

// Finish marks the tally complete.
func (t *Tally) Finish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done = true
}

// Progress returns the current snapshot.
func (t *Tally) Progress() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Progress{
		Stage:             "commit",
		TotalRows:         t.totalRows,
		BatchesTotal:      t.batchesTotal,
		BatchesDone:       t.batchesDone,
		Created:           t.created,
		Updated:           t.updated,
		DuplicatesSkipped: t.skipped,
		Failed:            len(t.failedRows),
		Done:              t.done,
		UpdatedAt:         time.Now().UTC(),
	}
}

// Result builds the ImportResult. Errors are ordered by row; errors of the
// same row keep the order they were added in.
func (t *Tally) Result(elapsed time.Duration) *ImportResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	errs := make([]ValidationError, len(t.errors))
	copy(errs, t.errors)
	sort.SliceStable(errs, func(i, j int) bool { return errs[i].Row < errs[j].Row })

	warnings := make([]string, len(t.warnings))
	copy(warnings, t.warnings)
	if t.blankRows > 0 {
		warnings = append(warnings, fmt.Sprintf("%d blank rows skipped", t.blankRows))
	}
	if t.malformedRows > 0 {
		warnings = append(warnings, fmt.Sprintf("%d malformed rows could not be aligned with the header", t.malformedRows))
	}

	res := &ImportResult{
		Success:           t.created + t.updated + t.skipped,
		Created:           t.created,
		Updated:           t.updated,
		DuplicatesSkipped: t.skipped,
		Failed:            len(t.failedRows),
		TotalRows:         t.totalRows,
		BlankRows:         t.blankRows,
		MalformedRows:     t.malformedRows,
		Errors:            errs,
		Warnings:          warnings,
		DurationMs:        elapsed.Milliseconds(),
	}
	res.Message = fmt.Sprintf("Imported %d of %d rows: %d created, %d updated, %d duplicates skipped, %d failed",
		res.Success, res.TotalRows-res.BlankRows, res.Created, res.Updated, res.DuplicatesSkipped, res.Failed)
	return res
}
