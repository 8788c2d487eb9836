package importer

import (
	"context"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultMaxWorkers caps concurrent batch submissions.
const DefaultMaxWorkers = 4

const msgBatchCancelled = "import cancelled before batch was submitted"

// Batch result labels passed to the Observer.
const (
	BatchOK        = "ok"
	BatchPartial   = "partial"
	BatchFailed    = "failed"
	BatchCancelled = "cancelled"
)

// Committer is the only component that writes to the repository.
type Committer struct {
	repo     Repository
	workers  int
	timeout  time.Duration
	observer Observer
}

// NewCommitter creates a committer running at most min(NumCPU, maxWorkers)
// batches at once.
func NewCommitter(repo Repository, maxWorkers int, timeout time.Duration) *Committer {
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	return &Committer{
		repo:     repo,
		workers:  min(runtime.NumCPU(), maxWorkers),
		timeout:  timeout,
		observer: nopObserver{},
	}
}

// Commit writes records in file order, batchSize at a time. Batch failures
// are recorded per record in tally and never stop the remaining batches.
// Once ctx is cancelled no new batch is submitted; batches already running
// finish on a detached context bounded by the repository timeout.
func (c *Committer) Commit(ctx context.Context, records []ValidatedRecord, batchSize int, tally *Tally, onProgress ProgressFunc) {
	batches := partition(records, batchSize)
	tally.Plan(len(batches))

	var progressMu sync.Mutex
	report := func() {
		if onProgress == nil {
			return
		}
		progressMu.Lock()
		defer progressMu.Unlock()
		onProgress(tally.Progress())
	}

	g := new(errgroup.Group)
	g.SetLimit(c.workers)
	for _, batch := range batches {
		batch := batch
		if ctx.Err() != nil {
			c.cancelBatch(batch, tally)
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				c.cancelBatch(batch, tally)
				report()
				return nil
			}
			c.runBatch(ctx, batch, tally)
			report()
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Committer) runBatch(ctx context.Context, batch []ValidatedRecord, tally *Tally) {
	started := time.Now()

	var creates []ValidatedRecord
	var updates []RecordUpdate
	for _, rec := range batch {
		if rec.IsUpdate() {
			updates = append(updates, RecordUpdate{ID: rec.ExistingID, Record: rec})
		} else {
			creates = append(creates, rec)
		}
	}

	// The write is not interruptible once submitted.
	wctx := context.WithoutCancel(ctx)

	// Creates and updates are separate calls and fail independently.
	var total BatchOutcome
	var errs []ValidationError
	callFailed := false

	if len(creates) > 0 {
		out, err := c.call(wctx, func(cctx context.Context) (BatchOutcome, error) {
			return c.repo.CreateMany(cctx, creates)
		})
		if err != nil {
			callFailed = true
			errs = append(errs, recordErrors(creates, "batch insert failed: "+err.Error())...)
		} else {
			total = merge(total, out)
			errs = append(errs, failureErrors(out.Failures)...)
		}
	}
	if len(updates) > 0 {
		recs := make([]ValidatedRecord, len(updates))
		for i, u := range updates {
			recs[i] = u.Record
		}
		out, err := c.call(wctx, func(cctx context.Context) (BatchOutcome, error) {
			return c.repo.UpdateMany(cctx, updates)
		})
		if err != nil {
			callFailed = true
			errs = append(errs, recordErrors(recs, "batch update failed: "+err.Error())...)
		} else {
			total = merge(total, out)
			errs = append(errs, failureErrors(out.Failures)...)
		}
	}

	tally.Batch(total, errs)

	result := BatchOK
	switch {
	case callFailed && len(errs) == len(batch):
		result = BatchFailed
	case len(errs) > 0:
		result = BatchPartial
	}
	c.observer.ObserveBatch(result, time.Since(started))
}

func (c *Committer) call(ctx context.Context, fn func(context.Context) (BatchOutcome, error)) (BatchOutcome, error) {
	cctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()
	return fn(cctx)
}

func (c *Committer) cancelBatch(batch []ValidatedRecord, tally *Tally) {
	tally.Batch(BatchOutcome{}, recordErrors(batch, msgBatchCancelled))
	c.observer.ObserveBatch(BatchCancelled, 0)
}

func partition(records []ValidatedRecord, size int) [][]ValidatedRecord {
	if size <= 0 {
		size = DefaultBatchSize
	}
	var out [][]ValidatedRecord
	for start := 0; start < len(records); start += size {
		end := min(start+size, len(records))
		out = append(out, records[start:end])
	}
	return out
}

func recordErrors(records []ValidatedRecord, msg string) []ValidationError {
	errs := make([]ValidationError, len(records))
	for i, rec := range records {
		errs[i] = ValidationError{Row: rec.Line, Field: "record", Value: rec.Listing.Title, Message: msg}
	}
	return errs
}

func failureErrors(failures []RecordFailure) []ValidationError {
	errs := make([]ValidationError, 0, len(failures))
	for _, f := range failures {
		errs = append(errs, ValidationError{Row: f.Line, Field: "record", Value: nil, Message: f.Reason})
	}
	return errs
}

func merge(a, b BatchOutcome) BatchOutcome {
	a.Created += b.Created
	a.Updated += b.Updated
	a.Skipped += b.Skipped
	a.Failures = append(a.Failures, b.Failures...)
	return a
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
