package importer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ParseOptions controls how the source bytes are decoded. Encoding accepts any
// WHATWG label ("utf-8", "windows-1252", "iso-8859-1", "shift_jis", ...).
type ParseOptions struct {
	Delimiter  rune   `yaml:"delimiter" json:"delimiter"`
	Encoding   string `yaml:"encoding" json:"encoding"`
	LazyQuotes bool   `yaml:"lazy_quotes" json:"lazyQuotes"`
}

// Parser turns a Source into a forward-only row sequence keyed by the header.
type Parser struct {
	schema *Schema
	opts   ParseOptions
}

// NewParser creates a parser that resolves headers against schema.
func NewParser(schema *Schema, opts ParseOptions) *Parser {
	if opts.Delimiter == 0 {
		opts.Delimiter = ','
	}
	return &Parser{schema: schema, opts: opts}
}

// Open starts a fresh pass over src and reads the header row. It fails with a
// *ParseError when the file is unreadable, empty, or not decodable.
func (p *Parser) Open(ctx context.Context, src Source) (*Rows, error) {
	if src == nil {
		return nil, ErrNoSource
	}
	rc, err := src.Open(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ParseError{Reason: "unable to open " + src.Name(), Err: err}
	}

	r, err := p.decoder(rc)
	if err != nil {
		rc.Close()
		return nil, err
	}

	cr := csv.NewReader(r)
	cr.Comma = p.opts.Delimiter
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = p.opts.LazyQuotes

	raw, err := cr.Read()
	if err != nil {
		rc.Close()
		if errors.Is(err, io.EOF) {
			return nil, &ParseError{Reason: "file is empty"}
		}
		return nil, &ParseError{Reason: "unable to read header row", Err: err}
	}
	headerEnd := recordEndLine(cr, raw)
	for i := range raw {
		raw[i] = strings.TrimSpace(raw[i])
	}
	if err := checkUTF8(raw); err != nil {
		rc.Close()
		return nil, err
	}
	if strings.TrimSpace(strings.Join(raw, "")) == "" {
		rc.Close()
		return nil, &ParseError{Reason: "header row is empty"}
	}

	return &Rows{
		ctx:       ctx,
		rc:        rc,
		cr:        cr,
		header:    newHeader(raw, p.schema),
		headerEnd: headerEnd,
		lastLine:  headerEnd,
	}, nil
}

// recordEndLine returns the physical line on which the record just read
// ends. Quoted fields may span lines.
func recordEndLine(cr *csv.Reader, values []string) int {
	last := len(values) - 1
	line, _ := cr.FieldPos(last)
	return line + strings.Count(values[last], "\n")
}

func (p *Parser) decoder(rc io.Reader) (io.Reader, error) {
	label := strings.ToLower(strings.TrimSpace(p.opts.Encoding))
	if label != "" && label != "utf-8" && label != "utf8" {
		enc, err := htmlindex.Get(label)
		if err != nil {
			return nil, &ParseError{Reason: fmt.Sprintf("unsupported encoding %q", p.opts.Encoding), Err: err}
		}
		rc = transform.NewReader(rc, enc.NewDecoder())
	}

	br := bufio.NewReader(rc)
	head, err := br.Peek(len(utf8BOM))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, &ParseError{Reason: "unable to read file", Err: err}
	}
	if bytes.Equal(head, utf8BOM) {
		br.Discard(len(utf8BOM))
	}
	return br, nil
}

func checkUTF8(values []string) error {
	for _, v := range values {
		if !utf8.ValidString(v) {
			return &ParseError{Reason: "file contains bytes that are not valid UTF-8; re-save it as UTF-8 or set the encoding"}
		}
	}
	return nil
}

// Rows is a single pass over a parsed file, used like sql.Rows. Row numbers
// are physical line numbers with the header's lines subtracted; empty lines
// between records come out as blank rows so later rows keep their number.
//
//
//	rows, err := parser.Open(ctx, src)
//	defer rows.Close()
//	for rows.Next() { row := rows.Row() }
//	if err := rows.Err(); err != nil { ... }
type Rows struct {
	ctx       context.Context
	rc        io.Closer
	cr        *csv.Reader
	header    *Header
	headerEnd int
	lastLine  int
	blankNext int
	blankTo   int
	pending   *RawRow
	cur       RawRow
	err       error
	done      bool
}

// Header returns the header row of the file.
func (r *Rows) Header() *Header { return r.header }

// Next advances to the next data row. It returns false at end of input or
// on a fatal error, which Err then reports.
func (r *Rows) Next() bool {
	if r.blankNext > 0 && r.blankNext <= r.blankTo {
		r.cur = RawRow{Line: r.blankNext - r.headerEnd, header: r.header}
		r.blankNext++
		return true
	}
	if r.pending != nil {
		r.cur, r.pending = *r.pending, nil
		return true
	}
	if r.done {
		return false
	}
	if err := r.ctx.Err(); err != nil {
		r.fail(err)
		return false
	}

	values, err := r.cr.Read()
	if errors.Is(err, io.EOF) {
		r.done = true
		return false
	}

	var (
		row        = RawRow{header: r.header}
		start, end int
		pe         *csv.ParseError
	)
	switch {
	case errors.As(err, &pe):
		start, end = pe.StartLine, pe.Line
		row.Malformed = fmt.Sprintf("malformed row: %v", pe.Err)
	case err != nil:
		r.fail(&ParseError{Reason: "unable to decode file", Err: err})
		return false
	default:
		if err := checkUTF8(values); err != nil {
			r.fail(err)
			return false
		}
		start, _ = r.cr.FieldPos(0)
		end = recordEndLine(r.cr, values)
		row.Values = values
		if len(values) != len(r.header.Raw) && !row.Blank() {
			row.Malformed = fmt.Sprintf("row length mismatch: expected %d columns, got %d",
				len(r.header.Raw), len(values))
		}
	}
	row.Line = start - r.headerEnd

	// encoding/csv drops empty lines; replay them as blank rows first.
	gapFrom := r.lastLine + 1
	r.lastLine = end
	if start > gapFrom {
		r.blankNext, r.blankTo = gapFrom, start-1
		r.pending = &row
		return r.Next()
	}
	r.cur = row
	return true
}

// Row returns the row Next advanced to.
func (r *Rows) Row() RawRow { return r.cur }

// Err returns the error that stopped iteration, if any.
func (r *Rows) Err() error { return r.err }

// Close releases the underlying source. It is safe to call more than once.
func (r *Rows) Close() error {
	r.done = true
	if r.rc == nil {
		return nil
	}
	err := r.rc.Close()
	r.rc = nil
	return err
}

func (r *Rows) fail(err error) {
	r.err = err
	r.done = true
}
