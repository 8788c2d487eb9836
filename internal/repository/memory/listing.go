// Package memory holds an in-process listing store used when no database is
// configured and in tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/listing-import/internal/importer"
)

// Listing is a stored record.
type Listing struct {
	ID string
	importer.Listing
	NameKey    string
	AddressKey string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ListingRepo implements importer.Repository in memory.
type ListingRepo struct {
	mu       sync.RWMutex
	listings map[string]*Listing
	order    []string

	// FailWrites, when set, is consulted before every CreateMany/UpdateMany
	// call with the source rows of the call; a non-nil error fails the call.
	FailWrites func(lines []int) error
}

func NewListingRepo() *ListingRepo {
	return &ListingRepo{listings: make(map[string]*Listing)}
}

func (r *ListingRepo) FindByIdentity(ctx context.Context, key importer.IdentityKey) ([]importer.ExistingRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []importer.ExistingRecord
	for _, id := range r.order {
		l := r.listings[id]
		match := false
		if key.ByPlaceID() {
			match = l.PlaceID == key.PlaceID
		} else {
			match = l.NameKey == key.Name && l.AddressKey == key.Address
		}
		if match {
			out = append(out, importer.ExistingRecord{ID: l.ID, PlaceID: l.PlaceID, Title: l.Title, Address: l.Address})
			if len(out) == 2 {
				break
			}
		}
	}
	return out, nil
}

func (r *ListingRepo) CreateMany(ctx context.Context, records []importer.ValidatedRecord) (importer.BatchOutcome, error) {
	var out importer.BatchOutcome
	if err := r.check(ctx, recordLines(records)); err != nil {
		return out, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	for _, rec := range records {
		if rec.Listing.PlaceID != "" && r.hasPlaceIDLocked(rec.Listing.PlaceID) {
			out.Skipped++
			continue
		}
		l := &Listing{
			ID:         uuid.New().String(),
			Listing:    rec.Listing,
			NameKey:    rec.Key.Name,
			AddressKey: rec.Key.Address,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		r.listings[l.ID] = l
		r.order = append(r.order, l.ID)
		out.Created++
	}
	return out, nil
}

func (r *ListingRepo) UpdateMany(ctx context.Context, updates []importer.RecordUpdate) (importer.BatchOutcome, error) {
	var out importer.BatchOutcome
	lines := make([]int, len(updates))
	for i, u := range updates {
		lines[i] = u.Record.Line
	}
	if err := r.check(ctx, lines); err != nil {
		return out, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, u := range updates {
		l, ok := r.listings[u.ID]
		if !ok {
			out.Failures = append(out.Failures, importer.RecordFailure{Line: u.Record.Line, Reason: "record no longer exists"})
			continue
		}
		placeID := l.PlaceID
		l.Listing = u.Record.Listing
		if l.PlaceID == "" {
			l.PlaceID = placeID
		}
		l.NameKey = u.Record.Key.Name
		l.AddressKey = u.Record.Key.Address
		l.UpdatedAt = time.Now().UTC()
		out.Updated++
	}
	return out, nil
}

// Get returns a copy of the listing with id.
func (r *ListingRepo) Get(id string) (Listing, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.listings[id]
	if !ok {
		return Listing{}, false
	}
	return *l, true
}

// All returns copies of every listing in insertion order.
func (r *ListingRepo) All() []Listing {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Listing, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.listings[id])
	}
	return out
}

// Len returns the number of stored listings.
func (r *ListingRepo) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listings)
}

func (r *ListingRepo) check(ctx context.Context, lines []int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.FailWrites != nil {
		return r.FailWrites(lines)
	}
	return nil
}

func (r *ListingRepo) hasPlaceIDLocked(placeID string) bool {
	for _, l := range r.listings {
		if l.PlaceID == placeID {
			return true
		}
	}
	return false
}

func recordLines(records []importer.ValidatedRecord) []int {
	lines := make([]int, len(records))
	for i, rec := range records {
		lines[i] = rec.Line
	}
	return lines
}
