package importer

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, p *Parser, src Source) (*Header, []RawRow, error) {
	t.Helper()
	rows, err := p.Open(context.Background(), src)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var out []RawRow
	for rows.Next() {
		out = append(out, rows.Row())
	}
	return rows.Header(), out, rows.Err()
}

func TestParser_LooksUpFieldsByHeaderName(t *testing.T) {
	p := NewParser(DefaultSchema(), ParseOptions{})
	h, rows, err := readAll(t, p, csvSource(
		"City,Business Name,ZIP",
		"Springfield,Blue Door Bakery,12345",
	))
	require.NoError(t, err)

	assert.Equal(t, []string{"city", "title", "postal_code"}, h.Fields)
	require.Len(t, rows, 1)
	title, ok := rows[0].Get("title")
	assert.True(t, ok)
	assert.Equal(t, "Blue Door Bakery", title)
	_, ok = rows[0].Get("email")
	assert.False(t, ok)
}

func TestParser_StripsBOM(t *testing.T) {
	p := NewParser(DefaultSchema(), ParseOptions{})
	data := append([]byte{0xEF, 0xBB, 0xBF}, []byte("title\nBlue Door Bakery\n")...)

	h, rows, err := readAll(t, p, BytesSource{Filename: "bom.csv", Data: data})
	require.NoError(t, err)
	assert.Equal(t, []string{"title"}, h.Raw)
	assert.Len(t, rows, 1)
}

func TestParser_RowNumbersExcludeHeader(t *testing.T) {
	p := NewParser(DefaultSchema(), ParseOptions{})
	_, rows, err := readAll(t, p, csvSource("title", "a", "b", "c"))
	require.NoError(t, err)

	require.Len(t, rows, 3)
	for i, r := range rows {
		assert.Equal(t, i+1, r.Line)
	}
}

func TestParser_EmptyLinesKeepRowNumbers(t *testing.T) {
	p := NewParser(DefaultSchema(), ParseOptions{})
	_, rows, err := readAll(t, p, csvSource("title,place_id", "One,PL-001", "", "", ",PL-003"))
	require.NoError(t, err)

	require.Len(t, rows, 4)
	for i, r := range rows {
		assert.Equal(t, i+1, r.Line)
	}
	assert.False(t, rows[0].Blank())
	assert.True(t, rows[1].Blank())
	assert.True(t, rows[2].Blank())
	placeID, _ := rows[3].Get("place_id")
	assert.Equal(t, "PL-003", placeID)
}

func TestParser_MultiLineFieldKeepsLineNumbers(t *testing.T) {
	p := NewParser(DefaultSchema(), ParseOptions{})
	_, rows, err := readAll(t, p, csvSource(
		"title,description",
		`Blue Door Bakery,"Fresh bread`,
		`every morning"`,
		"Corner Hardware,Tools",
	))
	require.NoError(t, err)

	require.Len(t, rows, 2)
	assert.Equal(t, 1, rows[0].Line)
	desc, _ := rows[0].Get("description")
	assert.Equal(t, "Fresh bread\nevery morning", desc)
	assert.Equal(t, 3, rows[1].Line, "the second record starts on data line 3")
}

func TestParser_LengthMismatchIsARow(t *testing.T) {
	p := NewParser(DefaultSchema(), ParseOptions{})
	_, rows, err := readAll(t, p, csvSource(
		"title,city",
		"Blue Door Bakery,Springfield,extra",
		"Corner Hardware,Springfield",
	))
	require.NoError(t, err)

	require.Len(t, rows, 2)
	assert.Equal(t, "row length mismatch: expected 2 columns, got 3", rows[0].Malformed)
	assert.Empty(t, rows[1].Malformed)
}

func TestParser_BadQuotingIsARow(t *testing.T) {
	p := NewParser(DefaultSchema(), ParseOptions{})
	_, rows, err := readAll(t, p, csvSource(
		"title,city",
		`Blue "Door" Bakery,Springfield`,
		"Corner Hardware,Springfield",
	))
	require.NoError(t, err)

	require.Len(t, rows, 2)
	assert.Contains(t, rows[0].Malformed, "malformed row")
	assert.False(t, rows[0].Blank())
	assert.Equal(t, 2, rows[1].Line)
	assert.Empty(t, rows[1].Malformed)
}

func TestParser_Delimiter(t *testing.T) {
	p := NewParser(DefaultSchema(), ParseOptions{Delimiter: ';'})
	_, rows, err := readAll(t, p, csvSource("title;city", "Blue Door Bakery;Springfield"))
	require.NoError(t, err)

	city, _ := rows[0].Get("city")
	assert.Equal(t, "Springfield", city)
}

func TestParser_DecodesLegacyEncoding(t *testing.T) {
	p := NewParser(DefaultSchema(), ParseOptions{Encoding: "windows-1252"})
	// "Café" with é as 0xE9
	data := []byte("title\nCaf\xe9 Rouge\n")

	_, rows, err := readAll(t, p, BytesSource{Filename: "latin.csv", Data: data})
	require.NoError(t, err)
	title, _ := rows[0].Get("title")
	assert.Equal(t, "Café Rouge", title)
}

func TestParser_Failures(t *testing.T) {
	tests := []struct {
		name string
		opts ParseOptions
		data string
	}{
		{"empty", ParseOptions{}, ""},
		{"only bom", ParseOptions{}, "\xEF\xBB\xBF"},
		{"blank header", ParseOptions{}, ",,\nx,y,z\n"},
		{"invalid utf-8", ParseOptions{}, "title\nCaf\xe9\n"},
		{"unknown encoding", ParseOptions{Encoding: "klingon"}, "title\nx\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParser(DefaultSchema(), tt.opts)
			_, _, err := readAll(t, p, BytesSource{Filename: "f.csv", Data: []byte(tt.data)})
			require.Error(t, err)
			assert.True(t, IsParseError(err), "got %v", err)
		})
	}
}

type failingSource struct{}

func (failingSource) Name() string { return "gone.csv" }
func (failingSource) Open(context.Context) (io.ReadCloser, error) {
	return nil, errors.New("no such file")
}

func TestParser_UnreadableSource(t *testing.T) {
	p := NewParser(DefaultSchema(), ParseOptions{})
	_, err := p.Open(context.Background(), failingSource{})
	require.Error(t, err)
	assert.True(t, IsParseError(err))
}

func TestParser_ReopensFromStart(t *testing.T) {
	p := NewParser(DefaultSchema(), ParseOptions{})
	src := csvSource("title", "a", "b")

	for i := 0; i < 2; i++ {
		_, rows, err := readAll(t, p, src)
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, 1, rows[0].Line)
	}
}

func TestParser_StopsOnCancel(t *testing.T) {
	p := NewParser(DefaultSchema(), ParseOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	rows, err := p.Open(ctx, csvSource("title", "a", "b"))
	require.NoError(t, err)
	defer rows.Close()

	require.True(t, rows.Next())
	cancel()
	assert.False(t, rows.Next())
	assert.ErrorIs(t, rows.Err(), context.Canceled)
}
