package importer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// FieldType selects the validator applied to a column.
type FieldType string

const (
	TypeText       FieldType = "text"
	TypeIdentifier FieldType = "identifier"
	TypeEmail      FieldType = "email"
	TypeURL        FieldType = "url"
	TypePhone      FieldType = "phone"
	TypePostal     FieldType = "postal_code"
	TypeNumber     FieldType = "number"
)

// Field describes one column of the business-record shape.
type Field struct {
	Name     string    `json:"name"`
	Label    string    `json:"label"`
	Required bool      `json:"required"`
	Type     FieldType `json:"type"`
	Aliases  []string  `json:"aliases,omitempty"`
	MinLen   int       `json:"min_length,omitempty"`
	MaxLen   int       `json:"max_length,omitempty"`
	Min      float64   `json:"min,omitempty"`
	Max      float64   `json:"max,omitempty"`
	Example  string    `json:"example,omitempty"`

	assign func(*Listing, string)
}

var (
	identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_:\-]{3,128}$`)
	postalPattern     = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9 \-]{1,15}$`)
	phoneStripper     = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")
)

func textField(name, label string, maxLen int, assign func(*Listing, string), aliases ...string) Field {
	return Field{Name: name, Label: label, Type: TypeText, MaxLen: maxLen, Aliases: aliases, assign: assign}
}

func numberField(name, label string, min, max float64, assign func(*Listing, *float64), aliases ...string) Field {
	return Field{
		Name: name, Label: label, Type: TypeNumber, Min: min, Max: max, Aliases: aliases,
		assign: func(l *Listing, v string) {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				assign(l, &f)
			}
		},
	}
}

// DefaultFields is the declared field order of a directory listing. Error
// reporting within a row follows this order.
func DefaultFields() []Field {
	title := textField("title", "Business Name", 200, func(l *Listing, v string) { l.Title = v },
		"name", "business_name", "businessname", "display_name", "listing_name")
	title.Required = true
	title.MinLen = 1
	title.Example = "Blue Door Bakery"

	return []Field{
		title,
		{
			Name: "place_id", Label: "Place ID", Type: TypeIdentifier,
			Aliases: []string{"placeid", "google_place_id", "external_id", "externalid"},
			Example: "ChIJN1t_tDeuEmsRUsoyG83frY4",
			assign:  func(l *Listing, v string) { l.PlaceID = v },
		},
		textField("address", "Street Address", 300, func(l *Listing, v string) { l.Address = v }, "street", "street_address", "address1", "address_line_1"),
		textField("city", "City", 100, func(l *Listing, v string) { l.City = v }, "town", "locality"),
		textField("state", "State/Province", 100, func(l *Listing, v string) { l.State = v }, "province", "region", "state_province"),
		{
			Name: "postal_code", Label: "Postal Code", Type: TypePostal,
			Aliases: []string{"zip", "zipcode", "zip_code", "postcode", "postalcode"},
			assign:  func(l *Listing, v string) { l.PostalCode = strings.ToUpper(v) },
		},
		textField("country", "Country", 56, func(l *Listing, v string) { l.Country = v }, "country_code", "nation"),
		{
			Name: "phone", Label: "Phone Number", Type: TypePhone,
			Aliases: []string{"phone_number", "telephone", "tel", "mobile"},
			assign:  func(l *Listing, v string) { l.Phone = v },
		},
		{
			Name: "website", Label: "Website", Type: TypeURL,
			Aliases: []string{"url", "web", "site", "homepage"},
			assign:  func(l *Listing, v string) { l.Website = withScheme(v) },
		},
		{
			Name: "email", Label: "Email", Type: TypeEmail,
			Aliases: []string{"email_address", "e_mail", "contact_email"},
			assign:  func(l *Listing, v string) { l.Email = strings.ToLower(v) },
		},
		textField("category", "Category", 100, func(l *Listing, v string) { l.Category = v }, "type", "business_type", "categories"),
		textField("description", "Description", 2000, func(l *Listing, v string) { l.Description = v }, "about", "summary"),
		numberField("latitude", "Latitude", -90, 90, func(l *Listing, f *float64) { l.Latitude = f }, "lat"),
		numberField("longitude", "Longitude", -180, 180, func(l *Listing, f *float64) { l.Longitude = f }, "lng", "lon", "long"),
		numberField("rating", "Rating", 0, 5, func(l *Listing, f *float64) { l.Rating = f }, "stars", "score"),
	}
}

// Schema is the declarative column contract: which fields exist, which are
// required, and how each value is checked and coerced.
type Schema struct {
	fields   []Field
	byName   map[string]int
	aliases  map[string]string
	validate *validator.Validate
}

// NewSchema builds a schema from fields in declared order.
func NewSchema(fields []Field) (*Schema, error) {
	s := &Schema{
		fields:   make([]Field, len(fields)),
		byName:   make(map[string]int, len(fields)),
		aliases:  make(map[string]string),
		validate: validator.New(),
	}
	copy(s.fields, fields)
	for i, f := range s.fields {
		if f.Name == "" {
			return nil, fmt.Errorf("schema field %d has no name", i)
		}
		if _, dup := s.byName[f.Name]; dup {
			return nil, fmt.Errorf("schema field %q declared twice", f.Name)
		}
		s.byName[f.Name] = i
		s.aliases[normalizeHeader(f.Name)] = f.Name
	}
	for _, f := range s.fields {
		for _, a := range f.Aliases {
			key := normalizeHeader(a)
			if _, taken := s.aliases[key]; !taken {
				s.aliases[key] = f.Name
			}
		}
	}
	return s, nil
}

// DefaultSchema returns the listing schema with "title" as the only
// required field.
func DefaultSchema() *Schema {
	s, err := NewSchema(DefaultFields())
	if err != nil {
		panic(err)
	}
	return s
}

// WithRequired returns a copy of the schema whose required set is exactly
// names. An empty names keeps the current required set.
func (s *Schema) WithRequired(names []string) (*Schema, error) {
	if len(names) == 0 {
		return s, nil
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if _, ok := s.byName[n]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownField, n)
		}
		want[n] = true
	}
	fields := s.Fields()
	for i := range fields {
		fields[i].Required = want[fields[i].Name]
	}
	return NewSchema(fields)
}

// Fields returns the fields in declared order.
func (s *Schema) Fields() []Field {
	out := make([]Field, len(s.fields))
	copy(out, s.fields)
	return out
}

// Field returns the named field.
func (s *Schema) Field(name string) (Field, bool) {
	i, ok := s.byName[name]
	if !ok {
		return Field{}, false
	}
	return s.fields[i], true
}

// RequiredFields returns the set of required field names.
func (s *Schema) RequiredFields() map[string]struct{} {
	out := make(map[string]struct{})
	for _, f := range s.fields {
		if f.Required {
			out[f.Name] = struct{}{}
		}
	}
	return out
}

// Resolve maps a raw header cell to a field name.
func (s *Schema) Resolve(header string) (string, bool) {
	name, ok := s.aliases[normalizeHeader(header)]
	return name, ok
}

// Validate checks one value of a field. It returns nil when the value is
// acceptable. Row is left zero for the caller to fill in.
func (s *Schema) Validate(field, value string) *ValidationError {
	f, ok := s.Field(field)
	if !ok {
		return &ValidationError{Field: field, Value: value, Message: field + " is not a known column"}
	}
	v := strings.TrimSpace(value)
	if v == "" {
		if f.Required {
			return &ValidationError{Field: f.Name, Value: value, Message: f.Name + " is required"}
		}
		return nil
	}
	if msg := s.check(f, v); msg != "" {
		return &ValidationError{Field: f.Name, Value: value, Message: msg}
	}
	return nil
}

func (s *Schema) check(f Field, v string) string {
	switch f.Type {
	case TypeText:
		n := utf8.RuneCountInString(v)
		if f.MinLen > 0 && n < f.MinLen {
			return fmt.Sprintf("%s must be at least %d characters", f.Name, f.MinLen)
		}
		if f.MaxLen > 0 && n > f.MaxLen {
			return fmt.Sprintf("%s must be at most %d characters", f.Name, f.MaxLen)
		}
	case TypeIdentifier:
		if !identifierPattern.MatchString(v) {
			return fmt.Sprintf("%s must be 3-128 letters, digits, '_', ':' or '-'", f.Name)
		}
	case TypePostal:
		if !postalPattern.MatchString(v) {
			return fmt.Sprintf("%s is not a valid postal code", f.Name)
		}
	case TypePhone:
		digits := strings.TrimPrefix(phoneStripper.Replace(v), "+")
		if len(digits) < 7 || len(digits) > 20 || strings.Trim(digits, "0123456789") != "" {
			return fmt.Sprintf("%s must contain 7-20 digits", f.Name)
		}
	case TypeEmail:
		if err := s.validate.Var(v, "email"); err != nil {
			return fmt.Sprintf("%s must be a valid email address", f.Name)
		}
	case TypeURL:
		if err := s.validate.Var(withScheme(v), "http_url"); err != nil {
			return fmt.Sprintf("%s must be a valid URL", f.Name)
		}
	case TypeNumber:
		n, err := strconv.ParseFloat(v, 64)
		if err != nil || n < f.Min || n > f.Max {
			return fmt.Sprintf("%s must be a number between %s and %s", f.Name,
				strconv.FormatFloat(f.Min, 'f', -1, 64), strconv.FormatFloat(f.Max, 'f', -1, 64))
		}
	}
	return ""
}

// Coerce builds the typed listing from a row that passed validation.
func (s *Schema) Coerce(row RawRow) Listing {
	var l Listing
	for _, f := range s.fields {
		if f.assign == nil {
			continue
		}
		raw, ok := row.Get(f.Name)
		if !ok {
			continue
		}
		if v := strings.TrimSpace(raw); v != "" {
			f.assign(&l, v)
		}
	}
	return l
}

func normalizeHeader(header string) string {
	normalized := strings.ToLower(strings.TrimSpace(header))
	normalized = strings.ReplaceAll(normalized, " ", "_")
	normalized = strings.ReplaceAll(normalized, "-", "_")
	return normalized
}

func withScheme(v string) string {
	if strings.Contains(v, "://") {
		return v
	}
	return "https://" + v
}
