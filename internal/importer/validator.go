package importer

// RowOutcome is the per-row result of validation: either a record or the
// full list of problems found on that row.
type RowOutcome struct {
	Line      int
	Record    *ValidatedRecord
	Errors    []ValidationError
	Blank     bool
	Malformed bool
}

// OK reports whether the row produced a record.
func (o RowOutcome) OK() bool { return o.Record != nil }

// Validator applies a Schema to parsed rows.
type Validator struct {
	schema *Schema
}

func NewValidator(schema *Schema) *Validator {
	return &Validator{schema: schema}
}

// Check validates a single row. Required fields are checked first, then every
// optional field present in the file, each group in the schema's declared
// order, so the same row always yields the same error list.
func (v *Validator) Check(row RawRow) RowOutcome {
	out := RowOutcome{Line: row.Line}

	if row.Malformed != "" {
		out.Malformed = true
		out.Errors = []ValidationError{{Row: row.Line, Field: "row", Value: "", Message: row.Malformed}}
		return out
	}
	if row.Blank() {
		out.Blank = true
		return out
	}

	fields := v.schema.fields
	for _, f := range fields {
		if !f.Required {
			continue
		}
		value, present := row.Get(f.Name)
		if !present {
			out.Errors = append(out.Errors, ValidationError{
				Row: row.Line, Field: f.Name, Value: nil, Message: f.Name + " is required",
			})
			continue
		}
		if verr := v.schema.Validate(f.Name, value); verr != nil {
			verr.Row = row.Line
			out.Errors = append(out.Errors, *verr)
		}
	}
	for _, f := range fields {
		if f.Required {
			continue
		}
		value, present := row.Get(f.Name)
		if !present {
			continue
		}
		if verr := v.schema.Validate(f.Name, value); verr != nil {
			verr.Row = row.Line
			out.Errors = append(out.Errors, *verr)
		}
	}

	if len(out.Errors) == 0 {
		out.Record = &ValidatedRecord{Line: row.Line, Listing: v.schema.Coerce(row)}
	}
	return out
}
