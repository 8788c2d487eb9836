package importer

import (
	"context"
	"fmt"
	"strings"
)

// Header is the parsed header row. Raw keeps the column names exactly as they
// appear in the file; Fields holds the schema field each column resolved to
// ("" for columns the schema does not know).
type Header struct {
	Raw    []string
	Fields []string
	index  map[string]int
}

func newHeader(raw []string, schema *Schema) *Header {
	h := &Header{
		Raw:    raw,
		Fields: make([]string, len(raw)),
		index:  make(map[string]int, len(raw)),
	}
	for i, name := range raw {
		field, ok := schema.Resolve(name)
		if !ok {
			continue
		}
		if _, dup := h.index[field]; dup {
			// First column wins when two headers resolve to the same field.
			continue
		}
		h.Fields[i] = field
		h.index[field] = i
	}
	return h
}

// Has reports whether the header contains a column for field.
func (h *Header) Has(field string) bool {
	_, ok := h.index[field]
	return ok
}

// Unknown returns the raw names of columns that did not resolve to a field.
func (h *Header) Unknown() []string {
	var out []string
	for i, f := range h.Fields {
		if f == "" && strings.TrimSpace(h.Raw[i]) != "" {
			out = append(out, h.Raw[i])
		}
	}
	return out
}

// RawRow is one data line of the source file. Line is the 1-based row number
// with the header excluded. Malformed is set when the row could not be
// aligned with the header; such rows carry no usable values.
type RawRow struct {
	Line      int
	Values    []string
	Malformed string

	header *Header
}

// Get looks up the raw value of a schema field by header position.
func (r RawRow) Get(field string) (string, bool) {
	if r.header == nil {
		return "", false
	}
	i, ok := r.header.index[field]
	if !ok || i >= len(r.Values) {
		return "", false
	}
	return r.Values[i], true
}

// Blank reports whether every value in the row is empty.
func (r RawRow) Blank() bool {
	if r.Malformed != "" && len(r.Values) == 0 {
		return false
	}
	for _, v := range r.Values {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// ValidationError is a row-addressed problem. Row always refers to the 1-based
// data row of the source file so reports can be matched against it directly.
type ValidationError struct {
	Row     int    `json:"row"`
	Field   string `json:"field"`
	Value   any    `json:"value"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("row %d: %s", e.Row, e.Message)
	}
	return fmt.Sprintf("row %d: %s: %s", e.Row, e.Field, e.Message)
}

// Listing is the typed business record produced from a valid row.
type Listing struct {
	Title       string   `json:"title"`
	PlaceID     string   `json:"place_id,omitempty"`
	Address     string   `json:"address,omitempty"`
	City        string   `json:"city,omitempty"`
	State       string   `json:"state,omitempty"`
	PostalCode  string   `json:"postal_code,omitempty"`
	Country     string   `json:"country,omitempty"`
	Phone       string   `json:"phone,omitempty"`
	Website     string   `json:"website,omitempty"`
	Email       string   `json:"email,omitempty"`
	Category    string   `json:"category,omitempty"`
	Description string   `json:"description,omitempty"`
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
	Rating      *float64 `json:"rating,omitempty"`
}

// Classification is the duplicate-detection tag attached to a record.
type Classification string

const (
	ClassNew       Classification = "NEW"
	ClassDuplicate Classification = "DUPLICATE"
	ClassConflict  Classification = "CONFLICT"
)

// ValidatedRecord is a row that passed schema validation. After duplicate
// detection it carries its identity key, classification and, for conflicts
// resolved as updates, the id of the stored record it replaces.
type ValidatedRecord struct {
	Line           int            `json:"row"`
	Listing        Listing        `json:"listing"`
	Key            IdentityKey    `json:"-"`
	Classification Classification `json:"classification,omitempty"`
	ExistingID     string         `json:"existing_id,omitempty"`
}

// IsUpdate reports whether the record should be written as an update.
func (r ValidatedRecord) IsUpdate() bool {
	return r.Classification == ClassConflict && r.ExistingID != ""
}

// IdentityKey decides whether an incoming row refers to a stored record. An
// external place id is authoritative; otherwise the normalized name/address
// pair is used. Name and Address are set in both cases.
type IdentityKey struct {
	PlaceID string
	Name    string
	Address string
}

// ByPlaceID reports whether the key uses the external place identifier.
func (k IdentityKey) ByPlaceID() bool { return k.PlaceID != "" }

func (k IdentityKey) String() string {
	if k.ByPlaceID() {
		return "place:" + k.PlaceID
	}
	return "name:" + k.Name + "|address:" + k.Address
}

// ExistingRecord is the repository's view of a stored record.
type ExistingRecord struct {
	ID      string
	PlaceID string
	Title   string
	Address string
}

// RecordUpdate pairs a stored record id with the record replacing it.
type RecordUpdate struct {
	ID     string
	Record ValidatedRecord
}

// RecordFailure is a single-record write failure inside an otherwise
// successful batch call.
type RecordFailure struct {
	Line   int
	Reason string
}

// BatchOutcome is what the repository reports for one createMany/updateMany
// call. Skipped counts records the store declined as already present.
type BatchOutcome struct {
	Created  int
	Updated  int
	Skipped  int
	Failures []RecordFailure
}

// Repository is the persistence collaborator. FindByIdentity is read-only and
// may return more than one match for fallback keys; all writes go through
// CreateMany and UpdateMany.
type Repository interface {
	FindByIdentity(ctx context.Context, key IdentityKey) ([]ExistingRecord, error)
	CreateMany(ctx context.Context, records []ValidatedRecord) (BatchOutcome, error)
	UpdateMany(ctx context.Context, updates []RecordUpdate) (BatchOutcome, error)
}
