package importer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// fakeRepo is a map-backed Repository with failure hooks.
type fakeRepo struct {
	mu       sync.Mutex
	records  map[string]ExistingRecord
	byKey    map[string][]string
	nextID   int
	creates  int
	updates  int
	failRows map[int]bool // a write call containing any of these rows fails
	badRows  map[int]bool // these rows fail individually inside a call
	findErr  error
	calls    []string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		records:  make(map[string]ExistingRecord),
		byKey:    make(map[string][]string),
		failRows: make(map[int]bool),
		badRows:  make(map[int]bool),
	}
}

func (r *fakeRepo) seed(key IdentityKey, title string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := fmt.Sprintf("rec-%d", r.nextID)
	r.records[id] = ExistingRecord{ID: id, PlaceID: key.PlaceID, Title: title, Address: key.Address}
	r.byKey[key.String()] = append(r.byKey[key.String()], id)
	return id
}

func (r *fakeRepo) FindByIdentity(ctx context.Context, key IdentityKey) ([]ExistingRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findErr != nil {
		return nil, r.findErr
	}
	var out []ExistingRecord
	for _, id := range r.byKey[key.String()] {
		out = append(out, r.records[id])
	}
	return out, nil
}

func (r *fakeRepo) CreateMany(ctx context.Context, records []ValidatedRecord) (BatchOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "create:"+lines(records))
	for _, rec := range records {
		if r.failRows[rec.Line] {
			return BatchOutcome{}, errors.New("connection reset")
		}
	}
	var out BatchOutcome
	for _, rec := range records {
		if r.badRows[rec.Line] {
			out.Failures = append(out.Failures, RecordFailure{Line: rec.Line, Reason: "constraint violation"})
			continue
		}
		r.nextID++
		id := fmt.Sprintf("rec-%d", r.nextID)
		r.records[id] = ExistingRecord{ID: id, PlaceID: rec.Listing.PlaceID, Title: rec.Listing.Title, Address: rec.Key.Address}
		r.byKey[rec.Key.String()] = append(r.byKey[rec.Key.String()], id)
		r.creates++
		out.Created++
	}
	return out, nil
}

func (r *fakeRepo) UpdateMany(ctx context.Context, updates []RecordUpdate) (BatchOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	recs := make([]ValidatedRecord, len(updates))
	for i, u := range updates {
		recs[i] = u.Record
	}
	r.calls = append(r.calls, "update:"+lines(recs))
	for _, u := range updates {
		if r.failRows[u.Record.Line] {
			return BatchOutcome{}, errors.New("connection reset")
		}
	}
	var out BatchOutcome
	for _, u := range updates {
		rec, ok := r.records[u.ID]
		if !ok {
			out.Failures = append(out.Failures, RecordFailure{Line: u.Record.Line, Reason: "record no longer exists"})
			continue
		}
		rec.Title = u.Record.Listing.Title
		r.records[u.ID] = rec
		r.updates++
		out.Updated++
	}
	return out, nil
}

func (r *fakeRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func (r *fakeRepo) sortedCalls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]string(nil), r.calls...)
	sort.Strings(out)
	return out
}

func lines(records []ValidatedRecord) string {
	parts := make([]string, len(records))
	for i, rec := range records {
		parts[i] = fmt.Sprint(rec.Line)
	}
	return strings.Join(parts, ",")
}

func csvSource(lines ...string) BytesSource {
	return BytesSource{Filename: "listings.csv", Data: []byte(strings.Join(lines, "\n") + "\n")}
}
