package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ignite/listing-import/internal/importer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupListingRepo(t *testing.T) (*ListingRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewListingRepo(db), mock
}

func listingRecord(line int, title, placeID string) importer.ValidatedRecord {
	return importer.ValidatedRecord{
		Line:    line,
		Listing: importer.Listing{Title: title, PlaceID: placeID, Address: "1 Main St"},
		Key:     importer.IdentityKey{PlaceID: placeID, Name: "blue door", Address: "1 main st"},
	}
}

func insertArgs(rec importer.ValidatedRecord) []driver.Value {
	args := []driver.Value{sqlmock.AnyArg(), rec.Listing.PlaceID, rec.Listing.Title}
	for i := 0; i < 13; i++ {
		args = append(args, sqlmock.AnyArg())
	}
	return append(args, rec.Key.Name, rec.Key.Address, int64(rec.Line))
}

func TestFindByIdentity_PlaceID(t *testing.T) {
	repo, mock := setupListingRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM listings WHERE place_id = $1")).
		WithArgs("PL-7").
		WillReturnRows(sqlmock.NewRows([]string{"id", "place_id", "title", "address"}).
			AddRow("id-1", "PL-7", "Harbor Books", "7 Harbor Rd"))

	got, err := repo.FindByIdentity(context.Background(), importer.IdentityKey{PlaceID: "PL-7", Name: "harbor books"})
	require.NoError(t, err)
	assert.Equal(t, []importer.ExistingRecord{{ID: "id-1", PlaceID: "PL-7", Title: "Harbor Books", Address: "7 Harbor Rd"}}, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByIdentity_NameAddress(t *testing.T) {
	repo, mock := setupListingRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE name_key = $1 AND address_key = $2")).
		WithArgs("blue door", "1 main st").
		WillReturnRows(sqlmock.NewRows([]string{"id", "place_id", "title", "address"}).
			AddRow("id-1", "", "Blue Door", "1 Main St").
			AddRow("id-2", "", "Blue Door", "1 Main St."))

	got, err := repo.FindByIdentity(context.Background(), importer.IdentityKey{Name: "blue door", Address: "1 main st"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByIdentity_Error(t *testing.T) {
	repo, mock := setupListingRepo(t)
	mock.ExpectQuery("FROM listings").WillReturnError(errors.New("connection refused"))

	_, err := repo.FindByIdentity(context.Background(), importer.IdentityKey{PlaceID: "PL-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestCreateMany_IsolatesRecordFailures(t *testing.T) {
	repo, mock := setupListingRepo(t)
	a := listingRecord(1, "Blue Door", "PL-1")
	b := listingRecord(2, "Broken", "PL-2")
	c := listingRecord(3, "Harbor Books", "PL-3")

	mock.ExpectBegin()
	mock.ExpectExec("^SAVEPOINT listing_sp$").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO listings").WithArgs(insertArgs(a)...).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("^RELEASE SAVEPOINT listing_sp$").WillReturnResult(sqlmock.NewResult(0, 0))

	mock.ExpectExec("^SAVEPOINT listing_sp$").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO listings").WithArgs(insertArgs(b)...).WillReturnError(errors.New("value too long"))
	mock.ExpectExec("^ROLLBACK TO SAVEPOINT listing_sp$").WillReturnResult(sqlmock.NewResult(0, 0))

	mock.ExpectExec("^SAVEPOINT listing_sp$").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO listings").WithArgs(insertArgs(c)...).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("^RELEASE SAVEPOINT listing_sp$").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	out, err := repo.CreateMany(context.Background(), []importer.ValidatedRecord{a, b, c})
	require.NoError(t, err)

	assert.Equal(t, 1, out.Created)
	assert.Equal(t, 1, out.Skipped, "existing place id is skipped")
	require.Len(t, out.Failures, 1)
	assert.Equal(t, 2, out.Failures[0].Line)
	assert.Contains(t, out.Failures[0].Reason, "value too long")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateMany_BeginFails(t *testing.T) {
	repo, mock := setupListingRepo(t)
	mock.ExpectBegin().WillReturnError(errors.New("too many connections"))

	_, err := repo.CreateMany(context.Background(), []importer.ValidatedRecord{listingRecord(1, "A", "PL-1")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "begin listing batch")
}

func TestCreateMany_CommitFails(t *testing.T) {
	repo, mock := setupListingRepo(t)
	rec := listingRecord(1, "A", "PL-1")

	mock.ExpectBegin()
	mock.ExpectExec("^SAVEPOINT listing_sp$").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO listings").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("^RELEASE SAVEPOINT listing_sp$").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit().WillReturnError(errors.New("serialization failure"))

	out, err := repo.CreateMany(context.Background(), []importer.ValidatedRecord{rec})
	require.Error(t, err)
	assert.Zero(t, out.Created, "nothing counts when the transaction is lost")
}

func TestUpdateMany(t *testing.T) {
	repo, mock := setupListingRepo(t)
	a := importer.RecordUpdate{ID: "id-1", Record: listingRecord(4, "Blue Door", "PL-1")}
	gone := importer.RecordUpdate{ID: "id-9", Record: listingRecord(6, "Gone", "PL-9")}

	mock.ExpectBegin()
	mock.ExpectExec("^SAVEPOINT listing_sp$").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE listings SET").WithArgs(append([]driver.Value{"id-1"}, insertArgs(a.Record)[1:]...)...).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("^RELEASE SAVEPOINT listing_sp$").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("^SAVEPOINT listing_sp$").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE listings SET").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("^RELEASE SAVEPOINT listing_sp$").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	out, err := repo.UpdateMany(context.Background(), []importer.RecordUpdate{a, gone})
	require.NoError(t, err)

	assert.Equal(t, 1, out.Updated)
	require.Len(t, out.Failures, 1)
	assert.Equal(t, importer.RecordFailure{Line: 6, Reason: "record no longer exists"}, out.Failures[0])
	assert.NoError(t, mock.ExpectationsWereMet())
}
