package importer

import (
	"context"
	"fmt"
	"time"
)

// Detector classifies validated records against the repository. It only
// reads; writes belong to the Committer.
type Detector struct {
	repo       Repository
	normalizer *Normalizer
	timeout    time.Duration
}

func NewDetector(repo Repository, normalizer *Normalizer, timeout time.Duration) *Detector {
	return &Detector{repo: repo, normalizer: normalizer, timeout: timeout}
}

// DetectionRun holds the state of one pass over a file: the identity keys
// already seen, so a record repeated inside the file is caught without a
// repository round trip.
type DetectionRun struct {
	d     *Detector
	opts  ImportOptions
	probe bool
	seen  map[string]int
}

// NewRun starts a commit pass using the duplicate handling in opts.
func (d *Detector) NewRun(opts ImportOptions) *DetectionRun {
	return &DetectionRun{d: d, opts: opts, seen: make(map[string]int)}
}

// NewProbe starts a validation pass. Exact matches are tagged CONFLICT with
// the stored id but are not reported as errors, since no duplicate handling
// has been chosen yet.
func (d *Detector) NewProbe() *DetectionRun {
	r := d.NewRun(ImportOptions{})
	r.probe = true
	return r
}

// Classify tags rec as NEW, DUPLICATE or CONFLICT. A non-nil error means
// the record must not be committed.
func (r *DetectionRun) Classify(ctx context.Context, rec ValidatedRecord) (ValidatedRecord, *ValidationError) {
	rec.Key = r.d.normalizer.Key(rec.Listing)
	keyField, keyValue := "title", rec.Listing.Title
	if rec.Key.ByPlaceID() {
		keyField, keyValue = "place_id", rec.Listing.PlaceID
	}
	fail := func(msg string) *ValidationError {
		return &ValidationError{Row: rec.Line, Field: keyField, Value: keyValue, Message: msg}
	}

	k := rec.Key.String()
	if first, ok := r.seen[k]; ok {
		return rec, fail(fmt.Sprintf("duplicate of row %d in this file", first))
	}
	r.seen[k] = rec.Line

	lookupCtx, cancel := withTimeout(ctx, r.d.timeout)
	defer cancel()
	matches, err := r.d.repo.FindByIdentity(lookupCtx, rec.Key)
	if err != nil {
		return rec, fail("duplicate lookup failed: " + err.Error())
	}

	switch {
	case len(matches) == 0:
		rec.Classification = ClassNew
		return rec, nil
	case len(matches) > 1:
		return rec, fail("ambiguous duplicate match")
	}

	rec.ExistingID = matches[0].ID
	switch {
	case r.opts.SkipDuplicates:
		rec.Classification = ClassDuplicate
		return rec, nil
	case r.opts.UpdateDuplicates:
		rec.Classification = ClassConflict
		return rec, nil
	case r.probe:
		rec.Classification = ClassConflict
		return rec, nil
	default:
		rec.Classification = ClassConflict
		return rec, fail("record already exists")
	}
}
