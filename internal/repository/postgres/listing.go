package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/ignite/listing-import/internal/importer"
)

// ListingRepo implements importer.Repository against PostgreSQL.
type ListingRepo struct{ db *sql.DB }

// NewListingRepo creates a Postgres-backed listing repository.
func NewListingRepo(db *sql.DB) *ListingRepo { return &ListingRepo{db: db} }

// FindByIdentity returns at most two matches; two is enough to tell the
// caller the key is ambiguous.
func (r *ListingRepo) FindByIdentity(ctx context.Context, key importer.IdentityKey) ([]importer.ExistingRecord, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if key.ByPlaceID() {
		rows, err = r.db.QueryContext(ctx, `
			SELECT id, COALESCE(place_id, ''), title, COALESCE(address, '')
			FROM listings
			WHERE place_id = $1
			LIMIT 2
		`, key.PlaceID)
	} else {
		rows, err = r.db.QueryContext(ctx, `
			SELECT id, COALESCE(place_id, ''), title, COALESCE(address, '')
			FROM listings
			WHERE name_key = $1 AND address_key = $2
			ORDER BY created_at
			LIMIT 2
		`, key.Name, key.Address)
	}
	if err != nil {
		return nil, fmt.Errorf("find listing by identity: %w", err)
	}
	defer rows.Close()

	var out []importer.ExistingRecord
	for rows.Next() {
		var rec importer.ExistingRecord
		if err := rows.Scan(&rec.ID, &rec.PlaceID, &rec.Title, &rec.Address); err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CreateMany inserts the batch in one transaction. Each record runs inside
// its own savepoint so one bad row does not take the batch down; a place id
// that already exists is reported as skipped.
func (r *ListingRepo) CreateMany(ctx context.Context, records []importer.ValidatedRecord) (importer.BatchOutcome, error) {
	var out importer.BatchOutcome
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return out, fmt.Errorf("begin listing batch: %w", err)
	}
	defer tx.Rollback()

	for _, rec := range records {
		if _, err := tx.ExecContext(ctx, "SAVEPOINT listing_sp"); err != nil {
			return importer.BatchOutcome{}, fmt.Errorf("savepoint: %w", err)
		}

		l := rec.Listing
		res, err := tx.ExecContext(ctx, `
			INSERT INTO listings
				(id, place_id, title, address, city, state, postal_code, country,
				 phone, website, email, category, description,
				 latitude, longitude, rating,
				 name_key, address_key, source_row, created_at, updated_at)
			VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8,
				$9, $10, $11, $12, $13,
				$14, $15, $16,
				$17, $18, $19, NOW(), NOW())
			ON CONFLICT (place_id) WHERE place_id IS NOT NULL DO NOTHING`,
			uuid.New().String(), l.PlaceID, l.Title, l.Address, l.City, l.State, l.PostalCode, l.Country,
			l.Phone, l.Website, l.Email, l.Category, l.Description,
			l.Latitude, l.Longitude, l.Rating,
			rec.Key.Name, rec.Key.Address, rec.Line,
		)
		if err != nil {
			tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT listing_sp")
			out.Failures = append(out.Failures, importer.RecordFailure{Line: rec.Line, Reason: "failed to save record: " + err.Error()})
			continue
		}
		tx.ExecContext(ctx, "RELEASE SAVEPOINT listing_sp")

		if n, _ := res.RowsAffected(); n == 0 {
			out.Skipped++
		} else {
			out.Created++
		}
	}

	if err := tx.Commit(); err != nil {
		return importer.BatchOutcome{}, fmt.Errorf("commit listing batch: %w", err)
	}
	return out, nil
}

// UpdateMany overwrites stored listings with the incoming values. A listing
// removed since duplicate detection is reported as a record failure.
func (r *ListingRepo) UpdateMany(ctx context.Context, updates []importer.RecordUpdate) (importer.BatchOutcome, error) {
	var out importer.BatchOutcome
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return out, fmt.Errorf("begin listing batch: %w", err)
	}
	defer tx.Rollback()

	for _, u := range updates {
		if _, err := tx.ExecContext(ctx, "SAVEPOINT listing_sp"); err != nil {
			return importer.BatchOutcome{}, fmt.Errorf("savepoint: %w", err)
		}

		l := u.Record.Listing
		res, err := tx.ExecContext(ctx, `
			UPDATE listings SET
				place_id = COALESCE(NULLIF($2, ''), place_id),
				title = $3, address = $4, city = $5, state = $6, postal_code = $7, country = $8,
				phone = $9, website = $10, email = $11, category = $12, description = $13,
				latitude = $14, longitude = $15, rating = $16,
				name_key = $17, address_key = $18, source_row = $19,
				updated_at = NOW()
			WHERE id = $1`,
			u.ID, l.PlaceID, l.Title, l.Address, l.City, l.State, l.PostalCode, l.Country,
			l.Phone, l.Website, l.Email, l.Category, l.Description,
			l.Latitude, l.Longitude, l.Rating,
			u.Record.Key.Name, u.Record.Key.Address, u.Record.Line,
		)
		if err != nil {
			tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT listing_sp")
			out.Failures = append(out.Failures, importer.RecordFailure{Line: u.Record.Line, Reason: "failed to update record: " + err.Error()})
			continue
		}
		tx.ExecContext(ctx, "RELEASE SAVEPOINT listing_sp")

		if n, _ := res.RowsAffected(); n == 0 {
			out.Failures = append(out.Failures, importer.RecordFailure{Line: u.Record.Line, Reason: "record no longer exists"})
			continue
		}
		out.Updated++
	}

	if err := tx.Commit(); err != nil {
		return importer.BatchOutcome{}, fmt.Errorf("commit listing batch: %w", err)
	}
	return out, nil
}

// Count returns the number of stored listings.
func (r *ListingRepo) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM listings`).Scan(&n)
	return n, err
}
